package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"coder1/bridge/internal/dispatch"
	"coder1/bridge/internal/protocol"
	"coder1/bridge/internal/registry"
	"coder1/bridge/internal/store"
)

const (
	bridgeWSReadLimitBytes int64 = 1 << 20 // 1 MiB
	bridgeWriteTimeout           = 10 * time.Second
	fileRequestTimeout           = 30 * time.Second
)

// ErrFileRequestTimeout means the bridge never answered a file.request.
var ErrFileRequestTimeout = errors.New("file request timed out")

type HubDeps struct {
	Logger     *slog.Logger
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher
	Store      *store.Store
}

// BridgeHub accepts bridge websocket connections, authenticates them against
// stored pairing tokens and pumps frames between the socket and the
// registry/dispatcher.
type BridgeHub struct {
	logger     *slog.Logger
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	store      *store.Store

	mu        sync.Mutex
	fileWaits map[string]chan protocol.FileResponsePayload
}

func NewBridgeHub(deps HubDeps) *BridgeHub {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &BridgeHub{
		logger:     logger,
		registry:   deps.Registry,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		fileWaits:  map[string]chan protocol.FileResponsePayload{},
	}
}

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, bridgeWriteTimeout)
	defer cancel()
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.Write(writeCtx, websocket.MessageText, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}

func bearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	// Browser websocket clients cannot set headers.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *BridgeHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(bridgeWSReadLimitBytes)
	transport := &wsTransport{conn: conn}

	pairing, err := h.store.FindByToken(bearerToken(r))
	if err != nil {
		h.logger.Warn("bridge connection rejected", "error", err)
		_ = transport.Send(r.Context(), protocol.Message{
			Type:    "event",
			Op:      protocol.OpConnectionRejected,
			Payload: protocol.MustRaw(protocol.ConnectionRejectedPayload{Reason: "invalid token"}),
			Error:   &protocol.ErrPayload{Code: protocol.CodeConnectionRejected, Message: "invalid token"},
		})
		_ = conn.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	bridgeID, err := h.registry.Register(pairing.UserID, registry.Metadata{
		Version:  pairing.Version,
		Platform: pairing.Platform,
	}, transport)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "register failed")
		return
	}
	defer h.registry.Unregister(bridgeID, "socket closed")

	if err := transport.Send(r.Context(), protocol.Message{
		Type:    "event",
		Op:      protocol.OpConnectionAccepted,
		Payload: protocol.MustRaw(protocol.ConnectionAcceptedPayload{BridgeID: bridgeID}),
	}); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("undecodable bridge frame", "bridge_id", bridgeID, "error", err)
			continue
		}
		h.route(bridgeID, msg)
	}
}

func (h *BridgeHub) route(bridgeID string, msg protocol.Message) {
	switch msg.Op {
	case protocol.OpHeartbeat:
		var payload protocol.HeartbeatPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.logger.Warn("bad heartbeat", "bridge_id", bridgeID, "error", err)
			return
		}
		if err := h.registry.OnHeartbeat(bridgeID, payload.Stats); err != nil {
			h.logger.Warn("heartbeat for unknown bridge", "bridge_id", bridgeID)
		}
	case protocol.OpClaudeOutput:
		var payload protocol.OutputPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		h.dispatcher.HandleOutput(bridgeID, payload)
	case protocol.OpClaudeComplete:
		var payload protocol.CompletePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		if !h.dispatcher.HandleComplete(bridgeID, payload) {
			return
		}
		if h.store != nil {
			rec := store.CommandRecord{
				CommandID:  payload.CommandID,
				SessionID:  payload.SessionID,
				BridgeID:   bridgeID,
				ExitCode:   payload.ExitCode,
				DurationMs: payload.DurationMs,
				ErrorText:  payload.Error,
			}
			if err := h.store.RecordCommand(rec); err != nil {
				h.logger.Warn("record command history", "command_id", payload.CommandID, "error", err)
			}
		}
	case protocol.OpFileResponse:
		var payload protocol.FileResponsePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		h.resolveFileWait(payload)
	default:
		h.logger.Warn("unexpected bridge op", "bridge_id", bridgeID, "op", msg.Op)
	}
}

// RequestFile forwards a file operation to the bridge and waits for the
// correlated file.response.
func (h *BridgeHub) RequestFile(ctx context.Context, bridgeID, operation, path, content string) (protocol.FileResponsePayload, error) {
	requestID := uuid.NewString()
	waitCh := make(chan protocol.FileResponsePayload, 1)
	h.mu.Lock()
	h.fileWaits[requestID] = waitCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.fileWaits, requestID)
		h.mu.Unlock()
	}()

	msg := protocol.Message{
		ID:   requestID,
		Type: "req",
		Op:   protocol.OpFileRequest,
		Payload: protocol.MustRaw(protocol.FileRequestPayload{
			RequestID: requestID,
			Operation: operation,
			Path:      path,
			Content:   content,
		}),
	}
	if err := h.registry.SendTo(ctx, bridgeID, msg); err != nil {
		return protocol.FileResponsePayload{}, fmt.Errorf("forward file request: %w", err)
	}

	select {
	case <-ctx.Done():
		return protocol.FileResponsePayload{}, ctx.Err()
	case <-time.After(fileRequestTimeout):
		return protocol.FileResponsePayload{}, ErrFileRequestTimeout
	case payload := <-waitCh:
		return payload, nil
	}
}

func (h *BridgeHub) resolveFileWait(payload protocol.FileResponsePayload) {
	h.mu.Lock()
	waitCh := h.fileWaits[payload.RequestID]
	delete(h.fileWaits, payload.RequestID)
	h.mu.Unlock()
	if waitCh != nil {
		waitCh <- payload
	}
}
