package queuemgr

import (
	"context"
	"encoding/json"

	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// Expose registers every queue-manager method onto an *rpc.Server under
// its historical wire name, plus the job-event websocket stream.
func Expose(server *rpc.Server, m *Manager) {
	server.HandleFunc("/events/jobs", m.events.ServeWS)

	server.Expose("add_jobs", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []*types.Job
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "add_jobs: %v", err), nil
		}
		jobs, err := m.AddJobs(ctx, specs)
		if err != nil {
			if f, ok := err.(*rpc.Fault); ok {
				return nil, f, nil
			}
			return nil, nil, err
		}
		return jobs, nil, nil
	})

	server.Expose("get_jobs", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []rpc.Spec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "get_jobs: %v", err), nil
		}
		return m.GetJobs(specs), nil, nil
	})

	server.Expose("set_jobs", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Specs   []rpc.Spec `json:"specs"`
			Updates rpc.Spec   `json:"updates"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "set_jobs: %v", err), nil
		}
		n, err := m.SetJobs(params.Specs, params.Updates)
		if err != nil {
			if f, ok := err.(*rpc.Fault); ok {
				return nil, f, nil
			}
			return nil, nil, err
		}
		return n, nil, nil
	})

	server.Expose("del_jobs", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Specs []rpc.Spec `json:"specs"`
			User  string     `json:"user"`
			Force bool       `json:"force"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "del_jobs: %v", err), nil
		}
		n, err := m.DelJobs(ctx, params.Specs, params.User, params.Force)
		if err != nil {
			return nil, nil, err
		}
		return n, nil, nil
	})

	server.Expose("move_jobs", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Specs    []rpc.Spec `json:"specs"`
			NewQueue string     `json:"new_queue"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "move_jobs: %v", err), nil
		}
		n, err := m.MoveJobs(params.Specs, params.NewQueue)
		if err != nil {
			if f, ok := err.(*rpc.Fault); ok {
				return nil, f, nil
			}
			return nil, nil, err
		}
		return n, nil, nil
	})

	server.Expose("run_jobs", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var placements []Placement
		if err := json.Unmarshal(args, &placements); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "run_jobs: %v", err), nil
		}
		if err := m.RunJobs(ctx, placements); err != nil {
			return nil, nil, err
		}
		return true, nil, nil
	})

	server.Expose("set_jobid", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var next int
		if err := json.Unmarshal(args, &next); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "set_jobid: %v", err), nil
		}
		if err := m.SetJobID(next); err != nil {
			return nil, rpc.NewFault(rpc.FaultConflict, "%v", err), nil
		}
		return true, nil, nil
	})

	server.Expose("add_queues", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var queues []*types.Queue
		if err := json.Unmarshal(args, &queues); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "add_queues: %v", err), nil
		}
		m.AddQueues(queues)
		return queues, nil, nil
	})

	server.Expose("del_queues", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Specs []rpc.Spec `json:"specs"`
			Force bool       `json:"force"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "del_queues: %v", err), nil
		}
		n, err := m.DelQueues(params.Specs, params.Force)
		if err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "%v", err), nil
		}
		return n, nil, nil
	})

	server.Expose("get_queues", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []rpc.Spec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "get_queues: %v", err), nil
		}
		return m.GetQueues(specs), nil, nil
	})

	server.Expose("set_queues", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Specs   []rpc.Spec `json:"specs"`
			Updates rpc.Spec   `json:"updates"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "set_queues: %v", err), nil
		}
		return m.SetQueues(params.Specs, params.Updates), nil, nil
	})

	server.Expose("can_run", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Queue string     `json:"queue"`
			Job   *types.Job `json:"job"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "can_run: %v", err), nil
		}
		ok, reason := m.CanRun(params.Queue, params.Job)
		return map[string]any{"can_run": ok, "reason": reason}, nil, nil
	})

	server.Expose("get_history", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []rpc.Spec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "get_history: %v", err), nil
		}
		jobs, err := m.GetHistory(specs)
		if err != nil {
			return nil, nil, err
		}
		return jobs, nil, nil
	})

	// Reservation shadow-queue bookkeeping, called by the scheduler's
	// reservation CRUD.
	server.Expose("ensure_res_queue", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Name  string   `json:"name"`
			Users []string `json:"users"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "ensure_res_queue: %v", err), nil
		}
		m.EnsureReservationQueue(params.Name, params.Users)
		return true, nil, nil
	})

	server.Expose("retire_res_queue", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var name string
		if err := json.Unmarshal(args, &name); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "retire_res_queue: %v", err), nil
		}
		m.RetireReservationQueue(name)
		return true, nil, nil
	})

	server.Expose("set_res_queue_users", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Name  string   `json:"name"`
			Users []string `json:"users"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "set_res_queue_users: %v", err), nil
		}
		m.SetReservationQueueUsers(params.Name, params.Users)
		return true, nil, nil
	})
}
