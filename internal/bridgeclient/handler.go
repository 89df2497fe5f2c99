package bridgeclient

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"coder1/bridge/internal/executor"
	"coder1/bridge/internal/protocol"
	"coder1/bridge/internal/queue"
)

const maxCommandTimeout = 10 * time.Minute

type CommandQueue interface {
	Submit(sub queue.Submission) error
	Size() int
}

// Handler routes server-sent ops. claude.execute is asynchronous: the reply
// is a stream of claude.output events followed by one claude.complete, all
// pushed through send from the queue worker.
type Handler struct {
	logger *slog.Logger
	queue  CommandQueue
	files  *FileService
	stats  *statsTracker
	send   func(protocol.Message)

	mu      sync.Mutex
	timeout time.Duration
	workDir string
}

type HandlerOptions struct {
	Logger         *slog.Logger
	Queue          CommandQueue
	Files          *FileService
	CommandTimeout time.Duration
	WorkingDir     string
}

func NewHandler(opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	timeout := opts.CommandTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Handler{
		logger:  logger,
		queue:   opts.Queue,
		files:   opts.Files,
		stats:   newStatsTracker(),
		timeout: timeout,
		workDir: opts.WorkingDir,
	}
}

// SetSend wires the outbound path. Must be called before Handle; send may be
// invoked from queue worker goroutines and must be safe for concurrent use.
func (h *Handler) SetSend(send func(protocol.Message)) {
	h.send = send
}

func (h *Handler) Handle(msg protocol.Message) {
	switch msg.Op {
	case protocol.OpClaudeExecute:
		h.handleExecute(msg)
	case protocol.OpFileRequest:
		h.handleFileRequest(msg)
	case protocol.OpConfigUpdate:
		h.handleConfigUpdate(msg)
	default:
		h.logger.Warn("unsupported op", "op", msg.Op)
		h.send(protocol.Message{
			ID:    msg.ID,
			Type:  "res",
			Op:    msg.Op,
			Error: &protocol.ErrPayload{Code: protocol.CodeUnknownOp, Message: "unsupported op"},
		})
	}
}

func (h *Handler) handleExecute(msg protocol.Message) {
	var payload protocol.ExecutePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.send(protocol.Message{
			ID:    msg.ID,
			Type:  "res",
			Op:    protocol.OpClaudeExecute,
			Error: &protocol.ErrPayload{Code: protocol.CodeBadPayload, Message: err.Error()},
		})
		return
	}
	if strings.TrimSpace(payload.Command) == "" {
		h.sendComplete(payload, executor.Result{ExitCode: -1, Err: errors.New("command is required")})
		return
	}

	h.mu.Lock()
	timeout := h.timeout
	workDir := h.workDir
	h.mu.Unlock()
	if payload.TimeoutMs > 0 {
		timeout = time.Duration(payload.TimeoutMs) * time.Millisecond
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}
	if strings.TrimSpace(payload.Context.WorkingDirectory) != "" {
		workDir = payload.Context.WorkingDirectory
	}

	sub := queue.Submission{
		CommandID: payload.CommandID,
		SessionID: payload.SessionID,
		Command:   payload.Command,
		Options: executor.RunOptions{
			Timeout:    timeout,
			WorkingDir: workDir,
			OnStdout:   func(chunk string) { h.sendOutput(payload, chunk, "stdout") },
			OnStderr:   func(chunk string) { h.sendOutput(payload, chunk, "stderr") },
		},
		Done: func(res executor.Result) {
			h.stats.commandDone()
			h.sendComplete(payload, res)
		},
	}
	if err := h.queue.Submit(sub); err != nil {
		h.logger.Error("submit rejected", "command_id", payload.CommandID, "error", err)
		h.sendComplete(payload, executor.Result{ExitCode: -1, Err: err})
	}
}

func (h *Handler) sendOutput(payload protocol.ExecutePayload, chunk, stream string) {
	h.send(protocol.Message{
		Type: "event",
		Op:   protocol.OpClaudeOutput,
		Payload: protocol.MustRaw(protocol.OutputPayload{
			SessionID: payload.SessionID,
			CommandID: payload.CommandID,
			Data:      chunk,
			Stream:    stream,
			Timestamp: time.Now().UnixMilli(),
		}),
	})
}

func (h *Handler) sendComplete(payload protocol.ExecutePayload, res executor.Result) {
	complete := protocol.CompletePayload{
		SessionID:  payload.SessionID,
		CommandID:  payload.CommandID,
		ExitCode:   res.ExitCode,
		DurationMs: res.Duration.Milliseconds(),
	}
	msg := protocol.Message{
		Type:    "event",
		Op:      protocol.OpClaudeComplete,
		Payload: protocol.MustRaw(complete),
	}
	switch {
	case errors.Is(res.Err, executor.ErrCLINotFound):
		msg.Error = &protocol.ErrPayload{Code: protocol.CodeCLINotFound, Message: res.Err.Error()}
	case errors.Is(res.Err, executor.ErrTimeout):
		msg.Error = &protocol.ErrPayload{Code: protocol.CodeCommandTimeout, Message: res.Err.Error()}
	case res.Err != nil:
		msg.Error = &protocol.ErrPayload{Code: protocol.CodeExecutionFailed, Message: res.Err.Error()}
	}
	if msg.Error != nil {
		complete.Error = msg.Error.Message
		msg.Payload = protocol.MustRaw(complete)
	}
	h.send(msg)
}

func (h *Handler) handleFileRequest(msg protocol.Message) {
	var payload protocol.FileRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.send(protocol.Message{
			ID:    msg.ID,
			Type:  "res",
			Op:    protocol.OpFileRequest,
			Error: &protocol.ErrPayload{Code: protocol.CodeBadPayload, Message: err.Error()},
		})
		return
	}

	reply := func(result any, opErr error) {
		out := protocol.FileResponsePayload{
			RequestID: payload.RequestID,
			Operation: payload.Operation,
			Result:    result,
		}
		resp := protocol.Message{ID: msg.ID, Type: "res", Op: protocol.OpFileResponse}
		if opErr != nil {
			out.Error = opErr.Error()
			resp.Error = &protocol.ErrPayload{Code: protocol.CodeFileOpFailed, Message: opErr.Error()}
		}
		resp.Payload = protocol.MustRaw(out)
		h.send(resp)
	}

	switch payload.Operation {
	case "read":
		content, err := h.files.Read(payload.Path)
		if err != nil {
			reply(nil, err)
			return
		}
		reply(map[string]any{"content": content}, nil)
	case "write":
		if err := h.files.Write(payload.Path, payload.Content); err != nil {
			reply(nil, err)
			return
		}
		reply(map[string]any{"written": true}, nil)
	case "exists":
		exists, err := h.files.Exists(payload.Path)
		if err != nil {
			reply(nil, err)
			return
		}
		reply(map[string]any{"exists": exists}, nil)
	case "list":
		listing, err := h.files.List(payload.Path)
		if err != nil {
			reply(nil, err)
			return
		}
		reply(listing, nil)
	default:
		reply(nil, errors.New("unsupported file operation"))
	}
}

func (h *Handler) handleConfigUpdate(msg protocol.Message) {
	var payload protocol.ConfigUpdatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		h.logger.Warn("bad config update", "error", err)
		return
	}
	h.mu.Lock()
	if payload.MaxCommandTimeoutMs > 0 {
		h.timeout = time.Duration(payload.MaxCommandTimeoutMs) * time.Millisecond
		if h.timeout > maxCommandTimeout {
			h.timeout = maxCommandTimeout
		}
	}
	if strings.TrimSpace(payload.WorkingDirectory) != "" {
		h.workDir = payload.WorkingDirectory
	}
	h.mu.Unlock()
	h.logger.Info("config updated",
		"timeout_ms", payload.MaxCommandTimeoutMs, "working_directory", payload.WorkingDirectory)
}

// Heartbeat builds the periodic status frame.
func (h *Handler) Heartbeat() protocol.Message {
	return protocol.Message{
		Type: "event",
		Op:   protocol.OpHeartbeat,
		Payload: protocol.MustRaw(protocol.HeartbeatPayload{
			Timestamp: time.Now().UnixMilli(),
			Status:    "healthy",
			Stats:     h.stats.snapshot(),
		}),
	}
}
