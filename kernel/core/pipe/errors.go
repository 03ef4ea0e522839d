package pipe

import (
	"context"
	"errors"
	"fmt"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// Error codes for pipe operations
const (
	// Setup errors
	ErrCodeOutOfMemory       = "OUT_OF_MEMORY"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeInvalidReference  = "INVALID_REFERENCE"
	ErrCodeHandshakeMismatch = "HANDSHAKE_MISMATCH"

	// Runtime errors
	ErrCodeTimeout     = "TIMEOUT"
	ErrCodeInterrupted = "INTERRUPTED"
	ErrCodePeerClosed  = "PEER_CLOSED"
	ErrCodeClosed      = "CLOSED"

	// Usage errors
	ErrCodeWrongRole    = "WRONG_ROLE"
	ErrCodeWrongMode    = "WRONG_MODE"
	ErrCodeWrongState   = "WRONG_STATE"
	ErrCodeInvalidInput = "INVALID_INPUT"

	ErrCodeInternal = "INTERNAL"
)

// Error kinds, matched with errors.Is.
var (
	ErrOutOfMemory       = common.ErrOutOfMemory
	ErrPermissionDenied  = common.ErrPermissionDenied
	ErrInvalidReference  = common.ErrInvalidReference
	ErrHandshakeMismatch = errors.New("handshake mismatch")
	ErrTimeout           = utils.ErrTimeout
	ErrPeerClosed        = errors.New("peer closed")
	ErrClosed            = errors.New("pipe closed")
	ErrWrongRole         = errors.New("operation not valid for this role")
	ErrWrongMode         = errors.New("operation not valid for this mode")
	ErrWrongState        = errors.New("operation not valid in this state")
	ErrInvalidInput      = errors.New("invalid argument")
)

var codeKinds = map[string]error{
	ErrCodeOutOfMemory:       ErrOutOfMemory,
	ErrCodePermissionDenied:  ErrPermissionDenied,
	ErrCodeInvalidReference:  ErrInvalidReference,
	ErrCodeHandshakeMismatch: ErrHandshakeMismatch,
	ErrCodeTimeout:           ErrTimeout,
	ErrCodePeerClosed:        ErrPeerClosed,
	ErrCodeClosed:            ErrClosed,
	ErrCodeWrongRole:         ErrWrongRole,
	ErrCodeWrongMode:         ErrWrongMode,
	ErrCodeWrongState:        ErrWrongState,
	ErrCodeInvalidInput:      ErrInvalidInput,
}

// PipeError carries the failing operation and a stable code.
type PipeError struct {
	Code    string // Error code for programmatic handling
	Op      string // Operation that failed
	Message string // Human-readable message
	Cause   error  // Underlying error
}

// Error implements the error interface
func (e *PipeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Op, e.Message)
}

// Unwrap exposes both the cause and the kind sentinel of the code.
func (e *PipeError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if kind, ok := codeKinds[e.Code]; ok {
		errs = append(errs, kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func newError(code, op, message string) *PipeError {
	return &PipeError{Code: code, Op: op, Message: message}
}

func wrapError(code, op, message string, cause error) *PipeError {
	return &PipeError{Code: code, Op: op, Message: message, Cause: cause}
}

// classify wraps a platform error under the code of the kind it carries.
func classify(op, message string, err error) *PipeError {
	var pe *PipeError
	if errors.As(err, &pe) {
		return pe
	}
	code := ErrCodeInternal
	switch {
	case errors.Is(err, common.ErrOutOfMemory):
		code = ErrCodeOutOfMemory
	case errors.Is(err, common.ErrInvalidReference), errors.Is(err, common.ErrInvalidPort):
		code = ErrCodeInvalidReference
	case errors.Is(err, common.ErrPermissionDenied), errors.Is(err, common.ErrInvalidDomain):
		code = ErrCodePermissionDenied
	case errors.Is(err, utils.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = ErrCodeTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCodeInterrupted
	}
	return wrapError(code, op, message, err)
}

// Code returns the code of err, or ErrCodeInternal when it is not a PipeError.
func Code(err error) string {
	var pe *PipeError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternal
}
