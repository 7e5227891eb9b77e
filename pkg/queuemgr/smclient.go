package queuemgr

import (
	"context"
	"fmt"

	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/rpcclient"
	"github.com/cobalt-rm/cobalt/pkg/sysmgr"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// SystemClient is the slice of SM's exposed surface QM depends on. The
// production implementation speaks the RPC substrate; tests substitute an
// in-memory fake.
type SystemClient interface {
	// AddProcessGroup asks SM to reserve, boot, and launch a process
	// group for job at job.Location. A returned *rpc.Fault is a semantic
	// rejection (the job will never start); any other error is transient
	// and the caller retries on the next tick.
	AddProcessGroup(ctx context.Context, job *types.Job) error

	// SignalJob delivers a named signal to the head process of every
	// process group belonging to jobid.
	SignalJob(ctx context.Context, jobid int, signal string) error

	// WaitProcessGroups returns and consumes every process group that has
	// exited since the previous call.
	WaitProcessGroups(ctx context.Context) ([]*types.ProcessGroup, error)
}

// RemoteSystem implements SystemClient over the RPC substrate.
type RemoteSystem struct {
	client *rpcclient.Client
}

// NewRemoteSystem wraps an rpcclient pointed at the "system" component.
func NewRemoteSystem(client *rpcclient.Client) *RemoteSystem {
	return &RemoteSystem{client: client}
}

func (r *RemoteSystem) AddProcessGroup(ctx context.Context, job *types.Job) error {
	spec := sysmgr.ProcessGroupSpec{
		JobID:      job.JobID,
		User:       job.User,
		Location:   job.Location,
		Mode:       job.Mode,
		Kernel:     job.Kernel,
		Walltime:   job.Walltime,
		KillTime:   5,
		Stdin:      job.Stdin,
		Stdout:     job.Stdout,
		Stderr:     job.Stderr,
		Cwd:        job.Cwd,
		Env:        job.Env,
		Args:       job.Args,
		Executable: job.Command,
	}
	var pgs []*types.ProcessGroup
	if err := r.client.Call(ctx, "add_process_groups", []sysmgr.ProcessGroupSpec{spec}, &pgs); err != nil {
		return err
	}
	if len(pgs) == 0 {
		return fmt.Errorf("add_process_groups returned no process group for job %d", job.JobID)
	}
	return nil
}

func (r *RemoteSystem) SignalJob(ctx context.Context, jobid int, signal string) error {
	params := struct {
		Specs  []rpc.Spec `json:"specs"`
		Signal string     `json:"signal"`
	}{
		Specs:  []rpc.Spec{{"jobid": jobid}},
		Signal: signal,
	}
	return r.client.Call(ctx, "signal_process_groups", params, nil)
}

func (r *RemoteSystem) WaitProcessGroups(ctx context.Context) ([]*types.ProcessGroup, error) {
	var pgs []*types.ProcessGroup
	err := r.client.Call(ctx, "wait_process_groups", []rpc.Spec{{"jobid": "*"}}, &pgs)
	return pgs, err
}
