package session

import "encoding/json"

// Client message kinds accepted over an observer connection.
const (
	ClientUserInput        = "user_input"
	ClientCancel           = "cancel"
	ClientApprovalResponse = "approval_response"
)

// ClientMessage is one inbound message from an observer.
type ClientMessage struct {
	Kind      string `json:"kind"`
	Content   string `json:"content,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// Per-message overrides for user_input.
	Model           string   `json:"model,omitempty"`
	PermissionMode  string   `json:"permissionMode,omitempty"`
	ExtraFiles      []string `json:"extraFiles,omitempty"`
	DisableWebTools bool     `json:"disableWebTools,omitempty"`

	// Approval responses carry the invocation they answer. Deliberately
	// inert in the coordinator; the approval service is resolved out of
	// band over HTTP.
	InvocationID string `json:"invocationId,omitempty"`
	Approved     bool   `json:"approved,omitempty"`
}

// Server message kinds broadcast to observers.
const (
	ServerOutput           = "output"
	ServerStatus           = "status"
	ServerApprovalRequired = "approval_required"
	ServerDiffPreview      = "diff_preview"
	ServerContextUpdate    = "context:update"
	ServerError            = "error"
)

// Output payload kinds carried inside a ServerOutput message.
const (
	OutputRaw              = "raw"
	OutputDelta            = "delta"
	OutputMessageComplete  = "message_complete"
	OutputStreamingBuffer  = "streaming_buffer"
	OutputToolBlocked      = "tool_blocked"
	OutputApprovalRejected = "approval_rejected"
	OutputUserMessageSaved = "user_message_saved"
	OutputMessage          = "message"
)

// ServerMessage is one outbound message to observers.
type ServerMessage struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// OutputPayload is the discriminated payload of a ServerOutput message.
type OutputPayload struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	Role      Role   `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RequestID string `json:"requestId,omitempty"`

	// Raw pass-through of provider events the coordinator does not
	// interpret.
	Raw json.RawMessage `json:"raw,omitempty"`
}

// StatusPayload carries a session status change.
type StatusPayload struct {
	Status Status `json:"status"`
}

// ApprovalRequiredPayload asks observers for a tool decision.
type ApprovalRequiredPayload struct {
	InvocationID string                 `json:"invocationId"`
	ToolName     string                 `json:"toolName"`
	ToolInput    map[string]interface{} `json:"toolInput"`
}

// DiffPreviewPayload notifies observers of an extracted diff.
type DiffPreviewPayload struct {
	DiffID    string     `json:"diffId"`
	FilePath  string     `json:"filePath"`
	Operation string     `json:"operation"`
	Status    DiffStatus `json:"status"`
}

// ErrorPayload reports a recoverable failure to one or all observers.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mustServerMessage builds a ServerMessage, panicking on marshal failure.
// Payload types are plain structs so marshaling cannot fail at runtime.
func mustServerMessage(kind string, payload interface{}) ServerMessage {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	return ServerMessage{Kind: kind, Payload: data}
}

// outputMsg wraps an OutputPayload into a ServerOutput message.
func outputMsg(p OutputPayload) ServerMessage {
	return mustServerMessage(ServerOutput, p)
}

func statusMsg(s Status) ServerMessage {
	return mustServerMessage(ServerStatus, StatusPayload{Status: s})
}

func errorMsg(code, message string) ServerMessage {
	return mustServerMessage(ServerError, ErrorPayload{Code: code, Message: message})
}

// Status values sent to observers include a transient "resuming" state
// that never persists.
const StatusResuming Status = "resuming"
