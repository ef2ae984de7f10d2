package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pauleveritt/punie-sub003/internal/jsonrpc"
	"github.com/pauleveritt/punie-sub003/internal/outbound"
	"github.com/pauleveritt/punie-sub003/internal/registry"
)

var errMethodNotFound = errors.New("method not found")

type invalidParamsError struct{ cause error }

func (e *invalidParamsError) Error() string { return fmt.Sprintf("invalid params: %v", e.cause) }
func (e *invalidParamsError) Unwrap() error { return e.cause }

func errInvalidParams(cause error) error { return &invalidParamsError{cause: cause} }

// errorResponse maps a handler failure onto a protocol error frame. Typed
// registry and transport failures get their dedicated codes; anything else
// is an internal error.
func errorResponse(id *jsonrpc.RequestID, err error) *jsonrpc.Response {
	var ipe *invalidParamsError
	switch {
	case errors.As(err, &ipe):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	case errors.Is(err, errMethodNotFound):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeMethodNotFound, err.Error(), nil)
	case errors.Is(err, registry.ErrUnknownClient):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeUnknownClient, err.Error(), nil)
	case errors.Is(err, registry.ErrOwnershipRequired):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeOwnershipRequired, err.Error(), nil)
	case errors.Is(err, registry.ErrAccessDenied):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeAccessDenied, err.Error(), nil)
	case errors.Is(err, registry.ErrUnknownSession):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeUnknownSession, err.Error(), nil)
	case errors.Is(err, outbound.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeTimeout, "request timed out", nil)
	case errors.Is(err, outbound.ErrConnectionClosed), errors.Is(err, outbound.ErrDispatcherClosed):
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeConnectionClosed, err.Error(), nil)
	default:
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
}
