package rpc

import "fmt"

// Fault codes are reserved per kind and must be preserved verbatim for
// compatibility with the historical CLI display logic.
const (
	FaultQueueJob   = 30 // queue/job validation
	FaultDraining   = 31 // operation rejected: queue or partition is draining
	FaultDependency = 42 // dependency-graph related rejection

	// Internal codes, not part of the historical CLI display table but
	// needed to distinguish the remaining error kinds.
	FaultNotFound  = 404
	FaultConflict  = 409
	FaultTransient = 503
	FaultInternal  = 500
)

// Fault is the structured RPC error every exposed method may return: a
// numeric code plus a human-readable message, carried verbatim over the
// wire.
type Fault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

// NewFault builds a Fault with a formatted message.
func NewFault(code int, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsFault unwraps err into a *Fault, defaulting to FaultInternal if err is
// not already one. Used at the RPC server boundary so handler code can
// return plain Go errors for internal-invariant cases and still produce a
// well-formed wire fault.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Fault); ok {
		return f
	}
	return &Fault{Code: FaultInternal, Message: err.Error()}
}
