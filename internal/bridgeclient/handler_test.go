package bridgeclient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coder1/bridge/internal/executor"
	"coder1/bridge/internal/protocol"
	"coder1/bridge/internal/queue"
)

type fakeQueue struct {
	mu   sync.Mutex
	subs []queue.Submission
	err  error
}

func (f *fakeQueue) Submit(sub queue.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subs = append(f.subs, sub)
	return nil
}

func (f *fakeQueue) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeQueue) last(t *testing.T) queue.Submission {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		t.Fatal("no submission recorded")
	}
	return f.subs[len(f.subs)-1]
}

type sentRecorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (r *sentRecorder) send(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *sentRecorder) all() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func newTestHandler(t *testing.T, q CommandQueue) (*Handler, *sentRecorder) {
	t.Helper()
	files, err := NewFileService(t.TempDir())
	if err != nil {
		t.Fatalf("file service: %v", err)
	}
	h := NewHandler(HandlerOptions{Queue: q, Files: files, CommandTimeout: 60 * time.Second})
	rec := &sentRecorder{}
	h.SetSend(rec.send)
	return h, rec
}

func executeMsg(t *testing.T, payload protocol.ExecutePayload) protocol.Message {
	t.Helper()
	return protocol.Message{
		ID:      "m1",
		Type:    "req",
		Op:      protocol.OpClaudeExecute,
		Payload: protocol.MustRaw(payload),
	}
}

func TestExecuteSubmitsToQueue(t *testing.T) {
	q := &fakeQueue{}
	h, rec := newTestHandler(t, q)

	h.Handle(executeMsg(t, protocol.ExecutePayload{
		SessionID: "sess-1",
		CommandID: "cmd-1",
		Command:   "echo hi",
		Context:   protocol.CommandContext{WorkingDirectory: "/tmp/work"},
		TimeoutMs: 5000,
	}))

	sub := q.last(t)
	if sub.CommandID != "cmd-1" || sub.Command != "echo hi" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if sub.Options.Timeout != 5*time.Second {
		t.Fatalf("expected 5s timeout, got %s", sub.Options.Timeout)
	}
	if sub.Options.WorkingDir != "/tmp/work" {
		t.Fatalf("expected context workdir, got %q", sub.Options.WorkingDir)
	}

	sub.Options.OnStdout("hi\n")
	sub.Done(executor.Result{ExitCode: 0, Stdout: "hi\n", Duration: 120 * time.Millisecond})

	msgs := rec.all()
	if len(msgs) != 2 {
		t.Fatalf("expected output + complete, got %d messages", len(msgs))
	}
	if msgs[0].Op != protocol.OpClaudeOutput {
		t.Fatalf("expected claude.output first, got %s", msgs[0].Op)
	}
	var out protocol.OutputPayload
	if err := json.Unmarshal(msgs[0].Payload, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Data != "hi\n" || out.Stream != "stdout" {
		t.Fatalf("unexpected output payload: %+v", out)
	}
	if msgs[1].Op != protocol.OpClaudeComplete || msgs[1].Error != nil {
		t.Fatalf("unexpected complete: %+v", msgs[1])
	}
	var done protocol.CompletePayload
	if err := json.Unmarshal(msgs[1].Payload, &done); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if done.ExitCode != 0 || done.DurationMs != 120 {
		t.Fatalf("unexpected complete payload: %+v", done)
	}
}

func TestExecuteTimeoutCapped(t *testing.T) {
	q := &fakeQueue{}
	h, _ := newTestHandler(t, q)

	h.Handle(executeMsg(t, protocol.ExecutePayload{
		CommandID: "cmd-1",
		Command:   "sleep 1",
		TimeoutMs: int((2 * time.Hour).Milliseconds()),
	}))

	if got := q.last(t).Options.Timeout; got != maxCommandTimeout {
		t.Fatalf("expected cap %s, got %s", maxCommandTimeout, got)
	}
}

func TestExecuteErrorCodes(t *testing.T) {
	cases := []struct {
		name string
		res  executor.Result
		code string
	}{
		{"cli missing", executor.Result{ExitCode: -1, Err: executor.ErrCLINotFound}, protocol.CodeCLINotFound},
		{"timed out", executor.Result{ExitCode: -1, Err: executor.ErrTimeout}, protocol.CodeCommandTimeout},
		{"other failure", executor.Result{ExitCode: -1, Err: os.ErrPermission}, protocol.CodeExecutionFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &fakeQueue{}
			h, rec := newTestHandler(t, q)
			h.Handle(executeMsg(t, protocol.ExecutePayload{CommandID: "c", Command: "x"}))
			q.last(t).Done(tc.res)

			msgs := rec.all()
			last := msgs[len(msgs)-1]
			if last.Op != protocol.OpClaudeComplete || last.Error == nil || last.Error.Code != tc.code {
				t.Fatalf("expected %s complete, got %+v", tc.code, last)
			}
		})
	}
}

func TestExecuteQueueRejection(t *testing.T) {
	q := &fakeQueue{err: queue.ErrTooManyFailures}
	h, rec := newTestHandler(t, q)

	h.Handle(executeMsg(t, protocol.ExecutePayload{CommandID: "c", Command: "x"}))

	msgs := rec.all()
	if len(msgs) != 1 || msgs[0].Op != protocol.OpClaudeComplete || msgs[0].Error == nil {
		t.Fatalf("expected error complete, got %+v", msgs)
	}
	if msgs[0].Error.Code != protocol.CodeExecutionFailed {
		t.Fatalf("unexpected code %s", msgs[0].Error.Code)
	}
}

func TestExecuteBadPayload(t *testing.T) {
	h, rec := newTestHandler(t, &fakeQueue{})

	h.Handle(protocol.Message{ID: "m", Op: protocol.OpClaudeExecute, Payload: []byte(`{`)})

	msgs := rec.all()
	if len(msgs) != 1 || msgs[0].Error == nil || msgs[0].Error.Code != protocol.CodeBadPayload {
		t.Fatalf("expected BAD_PAYLOAD, got %+v", msgs)
	}
}

func TestUnknownOp(t *testing.T) {
	h, rec := newTestHandler(t, &fakeQueue{})

	h.Handle(protocol.Message{ID: "m", Op: "bogus.op"})

	msgs := rec.all()
	if len(msgs) != 1 || msgs[0].Error == nil || msgs[0].Error.Code != protocol.CodeUnknownOp {
		t.Fatalf("expected UNKNOWN_OP, got %+v", msgs)
	}
}

func TestConfigUpdateAppliesToNextExecute(t *testing.T) {
	q := &fakeQueue{}
	h, _ := newTestHandler(t, q)

	h.Handle(protocol.Message{
		Op: protocol.OpConfigUpdate,
		Payload: protocol.MustRaw(protocol.ConfigUpdatePayload{
			MaxCommandTimeoutMs: 120000,
			WorkingDirectory:    "/srv/app",
		}),
	})
	h.Handle(executeMsg(t, protocol.ExecutePayload{CommandID: "c", Command: "x"}))

	sub := q.last(t)
	if sub.Options.Timeout != 2*time.Minute {
		t.Fatalf("expected updated timeout, got %s", sub.Options.Timeout)
	}
	if sub.Options.WorkingDir != "/srv/app" {
		t.Fatalf("expected updated workdir, got %q", sub.Options.WorkingDir)
	}
}

func fileRequest(op, path, content string) protocol.Message {
	return protocol.Message{
		ID: "m",
		Op: protocol.OpFileRequest,
		Payload: protocol.MustRaw(protocol.FileRequestPayload{
			RequestID: "req-1",
			Operation: op,
			Path:      path,
			Content:   content,
		}),
	}
}

func TestFileRequestRoundTrip(t *testing.T) {
	root := t.TempDir()
	files, err := NewFileService(root)
	if err != nil {
		t.Fatalf("file service: %v", err)
	}
	h := NewHandler(HandlerOptions{Queue: &fakeQueue{}, Files: files})
	rec := &sentRecorder{}
	h.SetSend(rec.send)

	h.Handle(fileRequest("write", "notes/todo.txt", "ship it"))
	h.Handle(fileRequest("exists", "notes/todo.txt", ""))
	h.Handle(fileRequest("read", "notes/todo.txt", ""))
	h.Handle(fileRequest("list", "notes", ""))

	msgs := rec.all()
	if len(msgs) != 4 {
		t.Fatalf("expected 4 responses, got %d", len(msgs))
	}
	for i, msg := range msgs {
		if msg.Op != protocol.OpFileResponse || msg.Error != nil {
			t.Fatalf("response %d failed: %+v", i, msg)
		}
	}

	var read protocol.FileResponsePayload
	if err := json.Unmarshal(msgs[2].Payload, &read); err != nil {
		t.Fatalf("decode read: %v", err)
	}
	result, ok := read.Result.(map[string]any)
	if !ok || result["content"] != "ship it" {
		t.Fatalf("unexpected read result: %+v", read.Result)
	}

	if data, err := os.ReadFile(filepath.Join(root, "notes", "todo.txt")); err != nil || string(data) != "ship it" {
		t.Fatalf("file on disk wrong: %q err %v", data, err)
	}
}

func TestFileRequestEscapeRejected(t *testing.T) {
	h, rec := newTestHandler(t, &fakeQueue{})

	h.Handle(fileRequest("read", "../../etc/passwd", ""))

	msgs := rec.all()
	if len(msgs) != 1 || msgs[0].Error == nil || msgs[0].Error.Code != protocol.CodeFileOpFailed {
		t.Fatalf("expected FILE_OP_FAILED, got %+v", msgs)
	}
}

func TestHeartbeatFrame(t *testing.T) {
	h, _ := newTestHandler(t, &fakeQueue{})

	msg := h.Heartbeat()
	if msg.Op != protocol.OpHeartbeat {
		t.Fatalf("unexpected op %s", msg.Op)
	}
	var payload protocol.HeartbeatPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if payload.Status != "healthy" || payload.Timestamp == 0 {
		t.Fatalf("unexpected heartbeat payload: %+v", payload)
	}
}
