// Package errno defines the integer-error-code convention used at every
// public boundary in the hypervisor core: negative on failure, non-negative
// on success, per the error handling design.
package errno

import "errors"

// Sentinel errors. Callers that need the bare integer code (for the
// syscall ABI in kobject) use Code.
var (
	ErrInval    = errors.New("errno: invalid argument")
	ErrNoMem    = errors.New("errno: out of memory")
	ErrNoEnt    = errors.New("errno: no such entry")
	ErrPerm     = errors.New("errno: operation not permitted")
	ErrFault    = errors.New("errno: bad address")
	ErrTimedOut = errors.New("errno: timed out")
	ErrAbort    = errors.New("errno: aborted")
	ErrAgain    = errors.New("errno: try again")
	ErrNoSpc    = errors.New("errno: no space left")
)

// Code is the negative integer code a guest-visible syscall boundary
// returns for a given sentinel error. Unrecognized errors map to -EINVAL.
func Code(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrInval):
		return -1
	case errors.Is(err, ErrNoMem):
		return -2
	case errors.Is(err, ErrNoEnt):
		return -3
	case errors.Is(err, ErrPerm):
		return -4
	case errors.Is(err, ErrFault):
		return -5
	case errors.Is(err, ErrTimedOut):
		return -6
	case errors.Is(err, ErrAbort):
		return -7
	case errors.Is(err, ErrAgain):
		return -8
	case errors.Is(err, ErrNoSpc):
		return -9
	default:
		return -1
	}
}
