package protocol

import "encoding/json"

type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrPayload     `json:"error,omitempty"`
}

type ErrPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrPayload.Code. Pairing failures collapse into a
// single code so callers cannot tell unknown codes from expired ones.
const (
	CodeInvalidOrExpired   = "INVALID_OR_EXPIRED_CODE"
	CodeNoBridgeConnected  = "NO_BRIDGE_CONNECTED"
	CodeBridgeAtCapacity   = "BRIDGE_AT_CAPACITY"
	CodeBridgeLost         = "BRIDGE_LOST"
	CodeCommandTimeout     = "COMMAND_TIMEOUT"
	CodeCLINotFound        = "CLI_NOT_FOUND"
	CodeExecutionFailed    = "EXECUTION_FAILED"
	CodeBadPayload         = "BAD_PAYLOAD"
	CodeUnknownOp          = "UNKNOWN_OP"
	CodeFileOpFailed       = "FILE_OP_FAILED"
	CodeConnectionRejected = "CONNECTION_REJECTED"
)

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
