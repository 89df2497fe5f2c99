package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"coder1/bridge/internal/protocol"
)

type fakeDialer struct {
	mu    sync.Mutex
	socks []*FakeSocket
	calls int
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, url, token string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	sock := NewFakeSocket()
	d.socks = append(d.socks, sock)
	return sock, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) socket(i int) *FakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.socks) {
		return nil
	}
	return d.socks[i]
}

func newTestClient(t *testing.T, dialer Dialer) (*Client, *fakeQueue) {
	t.Helper()
	q := &fakeQueue{}
	files, err := NewFileService(t.TempDir())
	if err != nil {
		t.Fatalf("file service: %v", err)
	}
	h := NewHandler(HandlerOptions{Queue: q, Files: files})
	c, err := NewClient(ClientOptions{
		Dialer:            dialer,
		Handler:           h,
		URL:               "ws://test/ws/bridge",
		Token:             "tok",
		HeartbeatInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c, q
}

func frame(t *testing.T, msg protocol.Message) string {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestClientConnectAndRoute(t *testing.T) {
	dialer := &fakeDialer{}
	c, q := newTestClient(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	var sock *FakeSocket
	for sock == nil {
		select {
		case <-deadline:
			t.Fatal("dial never happened")
		case <-time.After(5 * time.Millisecond):
			sock = dialer.socket(0)
		}
	}

	sock.EmitText(frame(t, protocol.Message{
		Op:      protocol.OpConnectionAccepted,
		Payload: protocol.MustRaw(protocol.ConnectionAcceptedPayload{BridgeID: "b-1"}),
	}))
	select {
	case <-c.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("Connected never closed")
	}

	sock.EmitText(frame(t, protocol.Message{
		Op: protocol.OpClaudeExecute,
		Payload: protocol.MustRaw(protocol.ExecutePayload{
			CommandID: "cmd-1",
			Command:   "echo hi",
		}),
	}))

	submitted := func() bool { return q.Size() == 1 }
	for start := time.Now(); !submitted(); {
		if time.Since(start) > 2*time.Second {
			t.Fatal("execute never reached queue")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestClientHeartbeats(t *testing.T) {
	dialer := &fakeDialer{}
	c, _ := newTestClient(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	var sock *FakeSocket
	for sock == nil {
		select {
		case <-waitCtx.Done():
			t.Fatal("dial never happened")
		case <-time.After(5 * time.Millisecond):
			sock = dialer.socket(0)
		}
	}

	text, ok := sock.NextSent(waitCtx)
	if !ok {
		t.Fatal("no heartbeat sent")
	}
	var msg protocol.Message
	if err := json.Unmarshal([]byte(text), &msg); err != nil {
		t.Fatalf("decode heartbeat frame: %v", err)
	}
	if msg.Op != protocol.OpHeartbeat {
		t.Fatalf("expected heartbeat, got %s", msg.Op)
	}
}

func TestClientRejectionIsTerminal(t *testing.T) {
	dialer := &fakeDialer{}
	c, _ := newTestClient(t, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	var sock *FakeSocket
	for sock == nil {
		select {
		case <-ctx.Done():
			t.Fatal("dial never happened")
		case <-time.After(5 * time.Millisecond):
			sock = dialer.socket(0)
		}
	}
	sock.EmitText(frame(t, protocol.Message{
		Op:      protocol.OpConnectionRejected,
		Payload: protocol.MustRaw(protocol.ConnectionRejectedPayload{Reason: "bad token"}),
	}))

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionRejected) {
			t.Fatalf("expected ErrConnectionRejected, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("run did not stop after rejection")
	}
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no redial, got %d dials", dialer.dialCount())
	}
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	dialer := &fakeDialer{}
	c, _ := newTestClient(t, dialer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	var first *FakeSocket
	for first == nil {
		select {
		case <-ctx.Done():
			t.Fatal("first dial never happened")
		case <-time.After(5 * time.Millisecond):
			first = dialer.socket(0)
		}
	}
	_ = first.Close()

	for dialer.dialCount() < 2 {
		select {
		case <-ctx.Done():
			t.Fatal("no reconnect attempt")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
