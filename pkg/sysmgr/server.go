package sysmgr

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// Expose registers every system-manager method onto an *rpc.Server under
// its historical wire name.
func Expose(server *rpc.Server, m *Manager) {
	server.Expose("get_partitions", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []rpc.Spec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "get_partitions: %v", err), nil
		}
		return m.GetPartitions(specs), nil, nil
	})

	server.Expose("set_partitions", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Specs   []rpc.Spec `json:"specs"`
			Updates rpc.Spec   `json:"updates"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "set_partitions: %v", err), nil
		}
		return m.SetPartitions(params.Specs, params.Updates), nil, nil
	})

	server.Expose("add_process_groups", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []ProcessGroupSpec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "add_process_groups: %v", err), nil
		}
		pgs, err := m.AddProcessGroups(ctx, specs)
		if err != nil {
			return nil, nil, err // transient: caller retries next tick
		}
		return pgs, nil, nil
	})

	server.Expose("get_process_groups", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []rpc.Spec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "get_process_groups: %v", err), nil
		}
		return m.GetProcessGroups(specs), nil, nil
	})

	server.Expose("wait_process_groups", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []rpc.Spec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "wait_process_groups: %v", err), nil
		}
		return m.WaitProcessGroups(specs), nil, nil
	})

	server.Expose("signal_process_groups", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Specs  []rpc.Spec `json:"specs"`
			Signal string     `json:"signal"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "signal_process_groups: %v", err), nil
		}
		return m.SignalProcessGroups(ctx, params.Specs, params.Signal), nil, nil
	})

	server.Expose("validate_job", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var job types.Job
		if err := json.Unmarshal(args, &job); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "validate_job: %v", err), nil
		}
		if err := m.ValidateJob(&job); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "%v", err), nil
		}
		return true, nil, nil
	})

	server.Expose("reserve_resources_until", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Location string     `json:"location"`
			Until    *time.Time `json:"until"`
			JobID    int        `json:"jobid"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "reserve_resources_until: %v", err), nil
		}
		if err := m.ReserveResourcesUntil(params.Location, params.Until, params.JobID); err != nil {
			return nil, rpc.NewFault(rpc.FaultConflict, "%v", err), nil
		}
		return true, nil, nil
	})
}
