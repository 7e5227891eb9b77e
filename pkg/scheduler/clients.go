package scheduler

import (
	"context"

	"github.com/cobalt-rm/cobalt/pkg/queuemgr"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/rpcclient"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// RemoteQM implements QMClient over the RPC substrate.
type RemoteQM struct {
	client *rpcclient.Client
}

// NewRemoteQM wraps an rpcclient pointed at the "queue-manager" component.
func NewRemoteQM(client *rpcclient.Client) *RemoteQM {
	return &RemoteQM{client: client}
}

func (r *RemoteQM) GetJobs(ctx context.Context) ([]*types.Job, error) {
	var jobs []*types.Job
	err := r.client.Call(ctx, "get_jobs", []rpc.Spec{{"jobid": "*"}}, &jobs)
	return jobs, err
}

func (r *RemoteQM) GetQueues(ctx context.Context) ([]*types.Queue, error) {
	var queues []*types.Queue
	err := r.client.Call(ctx, "get_queues", []rpc.Spec{{"name": "*"}}, &queues)
	return queues, err
}

func (r *RemoteQM) RunJobs(ctx context.Context, placements []queuemgr.Placement) error {
	return r.client.Call(ctx, "run_jobs", placements, nil)
}

func (r *RemoteQM) EnsureReservationQueue(ctx context.Context, name string, users []string) error {
	params := struct {
		Name  string   `json:"name"`
		Users []string `json:"users"`
	}{name, users}
	return r.client.Call(ctx, "ensure_res_queue", params, nil)
}

func (r *RemoteQM) RetireReservationQueue(ctx context.Context, name string) error {
	return r.client.Call(ctx, "retire_res_queue", name, nil)
}

func (r *RemoteQM) SetReservationQueueUsers(ctx context.Context, name string, users []string) error {
	params := struct {
		Name  string   `json:"name"`
		Users []string `json:"users"`
	}{name, users}
	return r.client.Call(ctx, "set_res_queue_users", params, nil)
}

// RemoteSM implements SMClient over the RPC substrate.
type RemoteSM struct {
	client *rpcclient.Client
}

// NewRemoteSM wraps an rpcclient pointed at the "system" component.
func NewRemoteSM(client *rpcclient.Client) *RemoteSM {
	return &RemoteSM{client: client}
}

func (r *RemoteSM) GetPartitions(ctx context.Context) ([]*types.Partition, error) {
	var parts []*types.Partition
	err := r.client.Call(ctx, "get_partitions", []rpc.Spec{{"name": "*"}}, &parts)
	return parts, err
}
