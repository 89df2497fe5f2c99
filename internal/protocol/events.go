package protocol

// Ops exchanged over the bridge websocket. The client sends heartbeat,
// claude.output, claude.complete and file.response; the server sends
// claude.execute, file.request, config.update and the connection results.
const (
	OpHeartbeat          = "heartbeat"
	OpClaudeExecute      = "claude.execute"
	OpClaudeOutput       = "claude.output"
	OpClaudeComplete     = "claude.complete"
	OpFileRequest        = "file.request"
	OpFileResponse       = "file.response"
	OpConfigUpdate       = "config.update"
	OpConnectionAccepted = "connection.accepted"
	OpConnectionRejected = "connection.rejected"
)

type BridgeStats struct {
	CommandsExecuted int     `json:"commands_executed"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
	MemoryMB         float64 `json:"memory_mb"`
}

type HeartbeatPayload struct {
	Timestamp int64       `json:"timestamp"`
	Status    string      `json:"status"`
	Stats     BridgeStats `json:"stats"`
}

// CommandContext carries the editor-side context a command runs against.
type CommandContext struct {
	WorkingDirectory string `json:"working_directory,omitempty"`
	Selection        string `json:"selection,omitempty"`
	FilePath         string `json:"file_path,omitempty"`
}

type ExecutePayload struct {
	SessionID string         `json:"session_id"`
	CommandID string         `json:"command_id"`
	Command   string         `json:"command"`
	Context   CommandContext `json:"context"`
	TimeoutMs int            `json:"timeout_ms,omitempty"`
}

type OutputPayload struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
	Data      string `json:"data"`
	Stream    string `json:"stream"` // stdout | stderr
	Timestamp int64  `json:"timestamp"`
}

type CompletePayload struct {
	SessionID  string `json:"session_id"`
	CommandID  string `json:"command_id"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type FileRequestPayload struct {
	RequestID string `json:"request_id"`
	Operation string `json:"operation"` // read | write | list | exists
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
}

type FileResponsePayload struct {
	RequestID string `json:"request_id"`
	Operation string `json:"operation"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ConfigUpdatePayload struct {
	MaxCommandTimeoutMs int    `json:"max_command_timeout_ms,omitempty"`
	WorkingDirectory    string `json:"working_directory,omitempty"`
}

type ConnectionAcceptedPayload struct {
	BridgeID string `json:"bridge_id"`
}

type ConnectionRejectedPayload struct {
	Reason string `json:"reason"`
}
