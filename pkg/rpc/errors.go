package rpc

import "errors"

// Sentinel errors for the not-found and conflict kinds, for internal
// callers that want errors.Is semantics before the RPC server boundary
// converts them into a wire Fault.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
