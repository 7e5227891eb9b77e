package registry

import (
	"context"
	"encoding/json"

	"github.com/cobalt-rm/cobalt/pkg/rpc"
)

// Expose registers REG's exposed methods on an *rpc.Server: "register",
// "heartbeat", and "locate".
func Expose(server *rpc.Server, r *Registry) {
	server.Expose("register", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params [2]string // [name, endpoint]
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "register: %v", err), nil
		}
		r.Register(params[0], params[1])
		return true, nil, nil
	})

	server.Expose("heartbeat", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params [1]string
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "heartbeat: %v", err), nil
		}
		ok := r.Heartbeat(params[0])
		return ok, nil, nil
	})

	server.Expose("locate", func(ctx context.Context, args json.RawMessage) (any, *rpc.Fault, error) {
		var params [1]string
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, rpc.NewFault(rpc.FaultQueueJob, "locate: %v", err), nil
		}
		endpoint, fault := r.Locate(params[0])
		if fault != nil {
			return nil, fault, nil
		}
		return endpoint, nil, nil
	})
}
