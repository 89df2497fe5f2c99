package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"coder1/bridge/internal/protocol"
)

var (
	ErrNoBridgeConnected = errors.New("no bridge connected")
	ErrBridgeAtCapacity  = errors.New("bridge at capacity")
	ErrBridgeLost        = errors.New("bridge connection lost")
	ErrCommandTimeout    = errors.New("command timed out")
	ErrDuplicateCommand  = errors.New("command id already pending")
)

const (
	// MaxCommandsPerBridge caps pending commands per bridge connection.
	MaxCommandsPerBridge = 5

	defaultCommandTimeout = 60 * time.Second
	maxCommandTimeout     = 10 * time.Minute
)

// Bridges is the slice of the registry the dispatcher needs.
type Bridges interface {
	SelectBridge(userID string) (string, bool)
	SendTo(ctx context.Context, bridgeID string, msg protocol.Message) error
	IncrementExecuted(bridgeID string)
}

type Request struct {
	CommandID string
	SessionID string
	Command   string
	Context   protocol.CommandContext
	Timeout   time.Duration
}

// Completion is what the caller gets back: Err is nil for a clean run
// (ExitCode still reports the process result).
type Completion struct {
	BridgeID string
	ExitCode int
	Duration time.Duration
	Stderr   string
	Err      error
}

type pendingCommand struct {
	commandID string
	sessionID string
	bridgeID  string
	command   string
	startedAt time.Time
	timer     *time.Timer
	done      chan Completion
	onOutput  func(protocol.OutputPayload)
}

// Dispatcher routes a command request to the least-loaded bridge and
// correlates the async completion event back to the caller. Timeout expiry
// cleans up local bookkeeping only; the bridge-side executor owns killing
// the process.
type Dispatcher struct {
	logger         *slog.Logger
	bridges        Bridges
	defaultTimeout time.Duration

	// Lock ordering: registry locks are never held while taking mu.
	mu       sync.Mutex
	pending  map[string]*pendingCommand
	byBridge map[string]map[string]struct{}
}

type Options struct {
	Logger         *slog.Logger
	DefaultTimeout time.Duration
}

func New(bridges Bridges, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	return &Dispatcher{
		logger:         logger,
		bridges:        bridges,
		defaultTimeout: timeout,
		pending:        map[string]*pendingCommand{},
		byBridge:       map[string]map[string]struct{}{},
	}
}

// PendingFor implements the registry's PendingCounter.
func (d *Dispatcher) PendingFor(bridgeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byBridge[bridgeID])
}

// Execute picks a bridge, registers the command as pending and forwards it.
// The returned channel receives exactly one Completion. onOutput receives
// streamed chunks as they arrive and may be nil.
func (d *Dispatcher) Execute(ctx context.Context, userID string, req Request, onOutput func(protocol.OutputPayload)) (<-chan Completion, error) {
	if strings.TrimSpace(req.CommandID) == "" {
		return nil, errors.New("command id is required")
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("command is required")
	}

	bridgeID, ok := d.bridges.SelectBridge(userID)
	if !ok {
		return nil, ErrNoBridgeConnected
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}

	cmd := &pendingCommand{
		commandID: req.CommandID,
		sessionID: req.SessionID,
		bridgeID:  bridgeID,
		command:   req.Command,
		startedAt: time.Now(),
		done:      make(chan Completion, 1),
		onOutput:  onOutput,
	}

	d.mu.Lock()
	if _, exists := d.pending[req.CommandID]; exists {
		d.mu.Unlock()
		return nil, ErrDuplicateCommand
	}
	if len(d.byBridge[bridgeID]) >= MaxCommandsPerBridge {
		d.mu.Unlock()
		return nil, ErrBridgeAtCapacity
	}
	d.pending[req.CommandID] = cmd
	set := d.byBridge[bridgeID]
	if set == nil {
		set = map[string]struct{}{}
		d.byBridge[bridgeID] = set
	}
	set[req.CommandID] = struct{}{}
	cmd.timer = time.AfterFunc(timeout, func() { d.expire(req.CommandID, timeout) })
	d.mu.Unlock()

	msg := protocol.Message{
		ID:   req.CommandID,
		Type: "req",
		Op:   protocol.OpClaudeExecute,
		Payload: protocol.MustRaw(protocol.ExecutePayload{
			SessionID: req.SessionID,
			CommandID: req.CommandID,
			Command:   req.Command,
			Context:   req.Context,
			TimeoutMs: int(timeout / time.Millisecond),
		}),
	}
	if err := d.bridges.SendTo(ctx, bridgeID, msg); err != nil {
		d.remove(req.CommandID, "")
		return nil, fmt.Errorf("forward to bridge %s: %w", bridgeID, err)
	}
	d.logger.Info("command dispatched", "command_id", req.CommandID, "bridge_id", bridgeID, "timeout", timeout)
	return cmd.done, nil
}

// HandleOutput forwards a streamed chunk to the pending command's callback.
// Chunks from a bridge that does not own the command are dropped.
func (d *Dispatcher) HandleOutput(bridgeID string, payload protocol.OutputPayload) {
	d.mu.Lock()
	cmd := d.pending[payload.CommandID]
	if cmd != nil && cmd.bridgeID != bridgeID {
		cmd = nil
	}
	d.mu.Unlock()
	if cmd != nil && cmd.onOutput != nil {
		cmd.onOutput(payload)
	}
}

// HandleComplete resolves the pending command matching the completion event
// and reports whether it was accepted. Unknown command ids (already timed
// out or cancelled) and completions from a bridge that does not own the
// command are dropped.
func (d *Dispatcher) HandleComplete(bridgeID string, payload protocol.CompletePayload) bool {
	cmd := d.remove(payload.CommandID, bridgeID)
	if cmd == nil {
		return false
	}
	d.bridges.IncrementExecuted(cmd.bridgeID)
	completion := Completion{
		BridgeID: cmd.bridgeID,
		ExitCode: payload.ExitCode,
		Duration: time.Since(cmd.startedAt),
	}
	if strings.TrimSpace(payload.Error) != "" {
		completion.Err = errors.New(payload.Error)
	}
	cmd.done <- completion
	d.logger.Info("command completed", "command_id", cmd.commandID, "bridge_id", cmd.bridgeID,
		"exit_code", payload.ExitCode, "duration", completion.Duration)
	return true
}

// CancelForBridge fails every command pending on the bridge with BridgeLost.
// Registered as the registry's bridge-lost hook.
func (d *Dispatcher) CancelForBridge(bridgeID string) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.byBridge[bridgeID]))
	for id := range d.byBridge[bridgeID] {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		if cmd := d.remove(id, ""); cmd != nil {
			cmd.done <- Completion{
				BridgeID: bridgeID,
				ExitCode: -1,
				Duration: time.Since(cmd.startedAt),
				Err:      ErrBridgeLost,
			}
		}
	}
	if len(ids) > 0 {
		d.logger.Warn("cancelled pending commands for lost bridge", "bridge_id", bridgeID, "count", len(ids))
	}
}

func (d *Dispatcher) expire(commandID string, timeout time.Duration) {
	cmd := d.remove(commandID, "")
	if cmd == nil {
		return
	}
	elapsed := time.Since(cmd.startedAt)
	d.logger.Warn("command timed out", "command_id", commandID, "bridge_id", cmd.bridgeID, "elapsed", elapsed)
	cmd.done <- Completion{
		BridgeID: cmd.bridgeID,
		ExitCode: -1,
		Duration: elapsed,
		Err:      fmt.Errorf("%w after %s", ErrCommandTimeout, timeout),
	}
}

// remove deletes the pending entry and stops its timer. Returns nil if the
// command was already resolved, which makes resolution exactly-once. A
// non-empty owner must match the bridge the command was dispatched to.
func (d *Dispatcher) remove(commandID, owner string) *pendingCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.pending[commandID]
	if !ok {
		return nil
	}
	if owner != "" && cmd.bridgeID != owner {
		d.logger.Warn("completion from non-owning bridge dropped",
			"command_id", commandID, "owner", cmd.bridgeID, "sender", owner)
		return nil
	}
	delete(d.pending, commandID)
	if set := d.byBridge[cmd.bridgeID]; set != nil {
		delete(set, commandID)
		if len(set) == 0 {
			delete(d.byBridge, cmd.bridgeID)
		}
	}
	if cmd.timer != nil {
		cmd.timer.Stop()
	}
	return cmd
}
