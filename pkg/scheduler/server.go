package scheduler

import (
	"context"
	"encoding/json"

	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// Expose registers the scheduler's reservation API onto an *rpc.Server
// under its historical wire names.
func Expose(server *rpc.Server, s *Scheduler) {
	server.Expose("add_reservations", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []*types.Reservation
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "add_reservations: %v", err), nil
		}
		added, err := s.AddReservations(ctx, specs)
		if err != nil {
			if f, ok := err.(*rpc.Fault); ok {
				return nil, f, nil
			}
			return nil, nil, err
		}
		return added, nil, nil
	})

	server.Expose("del_reservations", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []rpc.Spec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "del_reservations: %v", err), nil
		}
		n, err := s.DelReservations(ctx, specs)
		if err != nil {
			return nil, nil, err
		}
		return n, nil, nil
	})

	server.Expose("get_reservations", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var specs []rpc.Spec
		if err := json.Unmarshal(args, &specs); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "get_reservations: %v", err), nil
		}
		return s.GetReservations(specs), nil, nil
	})

	server.Expose("set_reservation", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params struct {
			Specs   []rpc.Spec `json:"specs"`
			Updates rpc.Spec   `json:"updates"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "set_reservation: %v", err), nil
		}
		n, err := s.SetReservation(ctx, params.Specs, params.Updates)
		if err != nil {
			return nil, nil, err
		}
		return n, nil, nil
	})
}
