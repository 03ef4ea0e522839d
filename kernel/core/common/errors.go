package common

import "errors"

// Platform error kinds. Every platform implementation wraps one of these so
// callers can match with errors.Is regardless of backend.
var (
	ErrOutOfMemory      = errors.New("out of memory")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidReference = errors.New("invalid grant reference")
	ErrGrantInUse       = errors.New("grant still mapped by remote domain")
	ErrInvalidPort      = errors.New("invalid event channel port")
	ErrInvalidDomain    = errors.New("invalid domain")
	ErrNotMapped        = errors.New("handle not mapped")
)
