// Package wire defines the protocol-level types exchanged between the agent
// host and its clients. Both transports (stdio and WebSocket) carry the same
// logical protocol: JSON-RPC shaped requests, responses, and notifications.
package wire

import "encoding/json"

// Method names understood by the host. Anything else is resolved against the
// host capability registry.
const (
	MethodInitialize     = "initialize"
	MethodNewSession     = "new_session"
	MethodPrompt         = "prompt"
	MethodReleaseSession = "release_session"
	MethodPing           = "ping"

	// NotificationSessionUpdate carries out-of-band progress for an in-flight
	// prompt: agent text chunks, tool-call lifecycle, and workspace events.
	NotificationSessionUpdate = "session_update"
)

// InitializeParams is sent once per connection before any other request.
type InitializeParams struct {
	ProtocolVersion int        `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the connecting front-end.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult announces the host identity and its callable surface.
type InitializeResult struct {
	ProtocolVersion int      `json:"protocolVersion"`
	ServerName      string   `json:"serverName"`
	ServerVersion   string   `json:"serverVersion,omitempty"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// NewSessionParams creates a session scoped to the calling connection.
type NewSessionParams struct {
	Cwd        string            `json:"cwd,omitempty"`
	ToolConfig map[string]string `json:"toolConfig,omitempty"`
}

// NewSessionResult returns the allocated session id.
type NewSessionResult struct {
	SessionID string `json:"sessionId"`
}

// PromptParams submits a user turn to the agent.
type PromptParams struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// PromptResult is the final outcome of a prompt turn.
type PromptResult struct {
	StopReason string `json:"stopReason"`
	Text       string `json:"text,omitempty"`
}

// ReleaseSessionParams tears down a session explicitly.
type ReleaseSessionParams struct {
	SessionID string `json:"sessionId"`
}

// CallParams is the request shape for direct capability invocation: any
// method the host does not recognize itself is resolved against the
// capability registry with this payload.
type CallParams struct {
	SessionID string          `json:"sessionId"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// PingResult answers a liveness probe.
type PingResult struct {
	Timestamp int64 `json:"timestamp"`
}

// SessionUpdate is the params payload of a session_update notification.
type SessionUpdate struct {
	SessionID string          `json:"sessionId"`
	Kind      UpdateKind      `json:"kind"`
	Text      string          `json:"text,omitempty"`
	ToolCall  *ToolCallRecord `json:"toolCall,omitempty"`
	Watch     *WatchEvent     `json:"watch,omitempty"`
}

// UpdateKind discriminates session_update payloads.
type UpdateKind string

const (
	UpdateKindAgentText UpdateKind = "agent_text"
	UpdateKindToolCall  UpdateKind = "tool_call"
	UpdateKindWatch     UpdateKind = "watch"
)

// ToolCallStatus is the lifecycle state of one tool call.
type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallInProgress ToolCallStatus = "in_progress"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallFailed     ToolCallStatus = "failed"
)

// ToolCallKind is a coarse classification used by front-ends for display.
type ToolCallKind string

const (
	ToolKindRead    ToolCallKind = "read"
	ToolKindWrite   ToolCallKind = "write"
	ToolKindExecute ToolCallKind = "execute"
	ToolKindOther   ToolCallKind = "other"
)

// ToolCallRecord reports the lifecycle of one call into a host capability.
// A record reaches a terminal status (completed or failed) exactly once.
type ToolCallRecord struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title"`
	Kind       ToolCallKind    `json:"kind"`
	Status     ToolCallStatus  `json:"status"`
	Locations  []Location      `json:"locations,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	RawResult  json.RawMessage `json:"rawResult,omitempty"`
}

// Location references a file position a tool call touched.
type Location struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// WatchEvent reports a workspace file change.
type WatchEvent struct {
	Path string `json:"path"`
	Op   string `json:"op"`
}
