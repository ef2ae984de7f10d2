package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received by the server.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist / is not available.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal JSON-RPC error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Implementation-defined error codes for the agent host protocol.
const (
	// ErrorCodeUnknownClient indicates the calling client id is not registered.
	ErrorCodeUnknownClient ErrorCode = -32000
	// ErrorCodeOwnershipRequired indicates an unowned session was requested
	// outside of single-client mode.
	ErrorCodeOwnershipRequired ErrorCode = -32001
	// ErrorCodeAccessDenied indicates the calling client does not own the session.
	ErrorCodeAccessDenied ErrorCode = -32002
	// ErrorCodeUnknownSession indicates the named session does not exist.
	ErrorCodeUnknownSession ErrorCode = -32003
	// ErrorCodeTimeout indicates a bounded wait elapsed before completion.
	ErrorCodeTimeout ErrorCode = -32004
	// ErrorCodeConnectionClosed indicates the peer went away mid-request.
	ErrorCodeConnectionClosed ErrorCode = -32005
)
