package bridgeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"coder1/bridge/internal/protocol"
)

// ErrConnectionRejected is terminal: the server refused the token, so
// reconnecting with the same credentials will not help.
var ErrConnectionRejected = errors.New("connection rejected by server")

const (
	defaultHeartbeatInterval = 30 * time.Second
	initialBackoff           = time.Second
	maxBackoff               = 30 * time.Second
	writeTimeout             = 10 * time.Second
)

type Client struct {
	logger    *slog.Logger
	dialer    Dialer
	handler   *Handler
	url       string
	token     string
	heartbeat time.Duration

	mu   sync.Mutex
	sock Socket

	connectedCh chan struct{}
	connectOnce sync.Once
}

type ClientOptions struct {
	Logger            *slog.Logger
	Dialer            Dialer
	Handler           *Handler
	URL               string
	Token             string
	HeartbeatInterval time.Duration
}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("url is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = RealDialer{}
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	c := &Client{
		logger:      logger,
		dialer:      dialer,
		handler:     opts.Handler,
		url:         opts.URL,
		token:       opts.Token,
		heartbeat:   interval,
		connectedCh: make(chan struct{}),
	}
	opts.Handler.SetSend(c.Send)
	return c, nil
}

// Connected closes once the first connection.accepted arrives.
func (c *Client) Connected() <-chan struct{} {
	return c.connectedCh
}

// Send pushes a frame on the current socket. Frames sent while disconnected
// are dropped; command results regenerate on the server's timeout path.
func (c *Client) Send(msg protocol.Message) {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		c.logger.Warn("dropping frame while disconnected", "op", msg.Op)
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("marshal outbound frame", "op", msg.Op, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := sock.WriteText(ctx, string(data)); err != nil {
		c.logger.Warn("write failed", "op", msg.Op, "error", err)
	}
}

// Run connects and keeps the session alive until ctx is cancelled, redialing
// with capped exponential backoff. A connection.rejected frame ends the loop.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		start := time.Now()
		err := c.session(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		if errors.Is(err, ErrConnectionRejected) {
			return err
		}
		// A session that held for a while earns a fresh backoff window.
		if time.Since(start) > maxBackoff {
			backoff = initialBackoff
		}

		c.logger.Warn("connection lost, reconnecting", "error", err, "backoff", backoff.String())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	sock, err := c.dialer.Dial(ctx, c.url, c.token)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.sock = nil
		c.mu.Unlock()
		_ = sock.Close()
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sessionCtx)
	}()
	defer wg.Wait()

	for {
		text, err := sock.ReadText(sessionCtx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			c.logger.Warn("undecodable frame", "error", err)
			continue
		}
		switch msg.Op {
		case protocol.OpConnectionAccepted:
			var payload protocol.ConnectionAcceptedPayload
			_ = json.Unmarshal(msg.Payload, &payload)
			c.logger.Info("bridge connected", "bridge_id", payload.BridgeID)
			c.connectOnce.Do(func() { close(c.connectedCh) })
		case protocol.OpConnectionRejected:
			var payload protocol.ConnectionRejectedPayload
			_ = json.Unmarshal(msg.Payload, &payload)
			c.logger.Error("bridge rejected", "reason", payload.Reason)
			return fmt.Errorf("%w: %s", ErrConnectionRejected, payload.Reason)
		default:
			c.handler.Handle(msg)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(c.handler.Heartbeat())
		}
	}
}
