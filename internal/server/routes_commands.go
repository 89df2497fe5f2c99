package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"coder1/bridge/internal/dispatch"
	"coder1/bridge/internal/protocol"
)

func (s *Server) registerCommandRoutes() {
	s.mux.HandleFunc("/api/v1/commands/execute", s.handleCommandExecute)
	s.mux.HandleFunc("/api/v1/commands/recent", s.handleCommandsRecent)
	s.mux.HandleFunc("/api/v1/bridges/files", s.handleBridgeFile)
}

// handleCommandExecute dispatches one command and blocks until its completion
// event, its timeout, or the loss of the bridge. Streamed output is collected
// into the response body.
func (s *Server) handleCommandExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		UserID    string                  `json:"user_id"`
		SessionID string                  `json:"session_id"`
		CommandID string                  `json:"command_id"`
		Command   string                  `json:"command"`
		Context   protocol.CommandContext `json:"context"`
		TimeoutMs int                     `json:"timeout_ms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "USER_ID_REQUIRED", "user_id is required")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		respondError(w, http.StatusBadRequest, "COMMAND_REQUIRED", "command is required")
		return
	}
	if strings.TrimSpace(req.CommandID) == "" {
		req.CommandID = uuid.NewString()
	}

	var (
		outputMu sync.Mutex
		stdout   strings.Builder
		stderr   strings.Builder
	)
	onOutput := func(payload protocol.OutputPayload) {
		outputMu.Lock()
		defer outputMu.Unlock()
		if payload.Stream == "stderr" {
			stderr.WriteString(payload.Data)
			return
		}
		stdout.WriteString(payload.Data)
	}

	doneCh, err := s.deps.Dispatcher.Execute(r.Context(), req.UserID, dispatch.Request{
		CommandID: req.CommandID,
		SessionID: req.SessionID,
		Command:   req.Command,
		Context:   req.Context,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
	}, onOutput)
	if err != nil {
		s.respondDispatchError(w, err)
		return
	}

	select {
	case <-r.Context().Done():
		return
	case completion := <-doneCh:
		outputMu.Lock()
		outText, errText := stdout.String(), stderr.String()
		outputMu.Unlock()

		body := map[string]any{
			"command_id":  req.CommandID,
			"bridge_id":   completion.BridgeID,
			"exit_code":   completion.ExitCode,
			"duration_ms": completion.Duration.Milliseconds(),
			"stdout":      outText,
			"stderr":      errText,
		}
		switch {
		case errors.Is(completion.Err, dispatch.ErrCommandTimeout):
			body["error"] = completion.Err.Error()
			writeJSON(w, http.StatusGatewayTimeout, map[string]any{
				"ok":    false,
				"data":  body,
				"error": map[string]any{"code": protocol.CodeCommandTimeout, "message": completion.Err.Error()},
			})
		case errors.Is(completion.Err, dispatch.ErrBridgeLost):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"ok":    false,
				"data":  body,
				"error": map[string]any{"code": protocol.CodeBridgeLost, "message": completion.Err.Error()},
			})
		case completion.Err != nil:
			body["error"] = completion.Err.Error()
			respondOK(w, body)
		default:
			respondOK(w, body)
		}
	}
}

func (s *Server) respondDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrNoBridgeConnected):
		respondError(w, http.StatusServiceUnavailable, protocol.CodeNoBridgeConnected, "no bridge connected for user")
	case errors.Is(err, dispatch.ErrBridgeAtCapacity):
		respondError(w, http.StatusTooManyRequests, protocol.CodeBridgeAtCapacity, "bridge has too many pending commands")
	case errors.Is(err, dispatch.ErrDuplicateCommand):
		respondError(w, http.StatusConflict, "DUPLICATE_COMMAND", "command id already pending")
	default:
		respondError(w, http.StatusBadGateway, protocol.CodeExecutionFailed, err.Error())
	}
}

func (s *Server) handleCommandsRecent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "LIMIT_INVALID", "limit must be positive integer")
			return
		}
		limit = parsed
	}
	rows, err := s.deps.Store.RecentCommands(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "HISTORY_LIST_FAILED", err.Error())
		return
	}
	items := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		items = append(items, map[string]any{
			"command_id":  row.CommandID,
			"session_id":  row.SessionID,
			"bridge_id":   row.BridgeID,
			"exit_code":   row.ExitCode,
			"duration_ms": row.DurationMs,
			"error":       row.ErrorText,
			"started_at":  row.StartedAt,
		})
	}
	respondOK(w, map[string]any{"items": items})
}

// handleBridgeFile proxies a file operation to one of the user's bridges.
func (s *Server) handleBridgeFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	var req struct {
		UserID    string `json:"user_id"`
		Operation string `json:"operation"`
		Path      string `json:"path"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JSON", err.Error())
		return
	}
	bridgeID, ok := s.deps.Registry.SelectBridge(req.UserID)
	if !ok {
		respondError(w, http.StatusServiceUnavailable, protocol.CodeNoBridgeConnected, "no bridge connected for user")
		return
	}
	payload, err := s.hub.RequestFile(r.Context(), bridgeID, req.Operation, req.Path, req.Content)
	if err != nil {
		respondError(w, http.StatusBadGateway, protocol.CodeFileOpFailed, err.Error())
		return
	}
	if payload.Error != "" {
		respondError(w, http.StatusBadRequest, protocol.CodeFileOpFailed, payload.Error)
		return
	}
	respondOK(w, map[string]any{"operation": payload.Operation, "result": payload.Result})
}
