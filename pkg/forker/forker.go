// Package forker defines the process-supervisor interface the system
// manager calls to start, signal, and reap the real OS processes behind a
// process group. The production forkers (bg_mpirun_forker,
// user_script_forker, cluster launcher) are opaque external services;
// this package ships the interface plus an os/exec-backed implementation
// for standalone operation and tests.
package forker

import "context"

// Spec describes the process to start; SM fills this in from a
// ProcessGroup.
type Spec struct {
	Executable string
	Args       []string
	Env        map[string]string
	Cwd        string
	Stdin      string
	Stdout     string
	Stderr     string
	Umask      int
}

// Status is the terminal state of a supervised process.
type Status struct {
	ExitStatus *int
	Signum     int
	CoreDump   bool
}

// Child describes one process the forker currently tracks.
type Child struct {
	ID       int
	PID      int
	Complete bool
	Status   *Status
}

// Forker supervises processes on behalf of the system manager. Multiple
// forker identities (bg_mpirun_forker vs user_script_forker) are distinct
// values behind this same interface.
type Forker interface {
	// Start launches spec and returns the head process's PID, or an error
	// if the forker itself could not be reached (a transient failure the
	// system manager surfaces to its caller for retry).
	Start(ctx context.Context, spec Spec) (headPID int, err error)

	// Signal sends a named signal (e.g. "SIGINT", "SIGKILL") to pid.
	// Fire-and-forget.
	Signal(ctx context.Context, pid int, name string) error

	// GetStatus returns the terminal status of pid, or nil if it has not
	// exited (or is unknown to this forker).
	GetStatus(ctx context.Context, pid int) (*Status, error)

	// GetChildren lists every process this forker currently tracks.
	GetChildren(ctx context.Context) ([]Child, error)

	// CleanupChildren releases forker-side bookkeeping for the given
	// child ids, called once per reap tick per forker.
	CleanupChildren(ctx context.Context, ids []int) error

	// ActiveList returns the PIDs the forker still considers running.
	ActiveList(ctx context.Context) ([]int, error)
}
