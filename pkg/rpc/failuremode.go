package rpc

import (
	"sync"

	"github.com/rs/zerolog"
)

// FailureMode is the transient-error logging discipline: log once on
// entering the failed state, once on leaving it. Repeated failures of the
// same kind are suppressed after the first; recovery logs exactly once as
// well. Every component has several independent transient-failure sources
// (peer RPC timeouts, bridge busy, forker unreachable), each guarded by
// its own FailureMode.
type FailureMode struct {
	mu     sync.Mutex
	logger zerolog.Logger
	label  string
	active bool
}

// NewFailureMode creates a guard identified by label in log lines.
func NewFailureMode(logger zerolog.Logger, label string) *FailureMode {
	return &FailureMode{logger: logger, label: label}
}

// Fail reports a failure. It logs only on the transition into the failed
// state.
func (f *FailureMode) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		f.active = true
		f.logger.Warn().Err(err).Str("failure_mode", f.label).Msg("entering failure mode")
	}
}

// Pass reports success. It logs only on the transition out of the failed
// state.
func (f *FailureMode) Pass() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		f.active = false
		f.logger.Info().Str("failure_mode", f.label).Msg("leaving failure mode")
	}
}

// Active reports whether the guard currently considers its source failed.
func (f *FailureMode) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}
