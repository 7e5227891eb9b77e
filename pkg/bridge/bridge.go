// Package bridge defines the system manager's hardware abstraction:
// enumerating node cards/switches, reading live partition state, and
// allocating/freeing partitions on real interconnect hardware. Vendor
// control-system bindings (libbglbridge and kin) live outside this
// module; this package ships the interface plus an in-memory Simulator
// for standalone operation and tests.
package bridge

import (
	"context"

	"github.com/cobalt-rm/cobalt/pkg/types"
)

// HardwareState is the live state the Bridge reports for one partition,
// independent of the system manager's own bookkeeping: the control
// system's partition state plus diagnostics and per-element health, so
// diag and offline conditions reach the partition state machine.
type HardwareState struct {
	Name  string
	State types.PartitionState

	// Diagnostics running or failed on this partition's hardware.
	DiagsPending bool
	DiagsFailed  bool

	// Hardware elements of this partition the control system reports
	// down.
	OfflineNodeCards []string
	OfflineSwitches  []string
}

// Bridge is SM's hardware driver interface.
type Bridge interface {
	// Enumerate returns the full static hardware inventory: every
	// partition with its node cards and switches.
	Enumerate(ctx context.Context) ([]*types.Partition, error)

	// ReadState reports the live hardware state of every partition,
	// polled by the system manager's periodic state-update task.
	ReadState(ctx context.Context) (map[string]HardwareState, error)

	// Allocate boots partition name for use, transitioning it toward
	// "allocated" once hardware confirms.
	Allocate(ctx context.Context, name string) error

	// Free releases partition name back to "idle".
	Free(ctx context.Context, name string) error
}
