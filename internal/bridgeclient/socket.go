package bridgeclient

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

type Socket interface {
	ReadText(ctx context.Context) (string, error)
	WriteText(ctx context.Context, text string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url, token string) (Socket, error)
}

type RealDialer struct{}

func (RealDialer) Dial(ctx context.Context, url, token string) (Socket, error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, err
	}
	return &realSocket{conn: conn}, nil
}

type realSocket struct {
	conn *websocket.Conn
}

func (s *realSocket) ReadText(ctx context.Context) (string, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *realSocket) WriteText(ctx context.Context, text string) error {
	return s.conn.Write(ctx, websocket.MessageText, []byte(text))
}

func (s *realSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// FakeSocket is an in-memory Socket for tests. EmitText feeds the read side;
// Sent collects everything written.
type FakeSocket struct {
	readCh    chan string
	writeCh   chan string
	closeOnce sync.Once
}

func NewFakeSocket() *FakeSocket {
	return &FakeSocket{
		readCh:  make(chan string, 16),
		writeCh: make(chan string, 64),
	}
}

func (f *FakeSocket) EmitText(text string) {
	f.readCh <- text
}

func (f *FakeSocket) ReadText(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case text, ok := <-f.readCh:
		if !ok {
			return "", io.EOF
		}
		return text, nil
	}
}

func (f *FakeSocket) WriteText(ctx context.Context, text string) error {
	select {
	case f.writeCh <- text:
	default:
	}
	return nil
}

// NextSent blocks until the client writes a frame or ctx expires.
func (f *FakeSocket) NextSent(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case text := <-f.writeCh:
		return text, true
	}
}

func (f *FakeSocket) Close() error {
	f.closeOnce.Do(func() { close(f.readCh) })
	return nil
}
