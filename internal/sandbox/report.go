package sandbox

import "github.com/pauleveritt/punie-sub003/wire"

// Reporter receives tool-call lifecycle records as an execution proceeds.
// Implementations must be safe for calls from worker goroutines.
type Reporter interface {
	ToolCall(rec wire.ToolCallRecord)
}

// NopReporter discards all records.
type NopReporter struct{}

func (NopReporter) ToolCall(wire.ToolCallRecord) {}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(rec wire.ToolCallRecord)

func (f ReporterFunc) ToolCall(rec wire.ToolCallRecord) { f(rec) }
