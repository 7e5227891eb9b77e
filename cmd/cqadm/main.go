// cqadm is the queue-manager admin tool: job holds/releases/kills and
// queue lifecycle management.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/cobalt-rm/cobalt/pkg/cliutil"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		cliutil.Fail(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cqadm [flags] <jobid|queue>...",
	Short: "Queue manager administration",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	// job operations
	f.Bool("hold", false, "hold jobs")
	f.Bool("user-hold", false, "place a user hold on jobs")
	f.Bool("release", false, "release held jobs")
	f.String("run", "", "run jobs on the given partition")
	f.Bool("kill", false, "kill jobs")
	f.Bool("delete", false, "delete jobs")
	f.String("queue", "", "move jobs to the given queue")
	f.String("time", "", "set job walltime")
	f.Int("setjobid", 0, "set the next jobid")
	// queue operations
	f.Bool("addq", false, "add queues")
	f.Bool("delq", false, "delete queues")
	f.Bool("getq", false, "list queues")
	f.Bool("stopq", false, "stop queues")
	f.Bool("startq", false, "start queues")
	f.Bool("drainq", false, "drain queues")
	f.Bool("killq", false, "mark queues dead")
	f.StringSlice("setq", nil, "set queue properties (key=value)")
	f.StringSlice("unsetq", nil, "unset queue properties")
	f.String("policy", "", "set queue policy")
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	f := cmd.Flags()
	qm, err := cliutil.Connect(cliutil.ComponentQueueManager)
	if err != nil {
		return err
	}

	if next, _ := f.GetInt("setjobid"); next > 0 {
		return qm.Call(ctx, "set_jobid", next, nil)
	}

	if getq, _ := f.GetBool("getq"); getq {
		return listQueues(ctx, qm)
	}

	queueOps := map[string]types.QueueState{
		"stopq":  types.QueueStopped,
		"startq": types.QueueRunning,
		"drainq": types.QueueDraining,
		"killq":  types.QueueDead,
	}
	for flag, state := range queueOps {
		if on, _ := f.GetBool(flag); on {
			return setQueues(ctx, qm, args, rpc.Spec{"state": string(state)})
		}
	}

	if addq, _ := f.GetBool("addq"); addq {
		queues := make([]*types.Queue, 0, len(args))
		for _, name := range args {
			queues = append(queues, &types.Queue{Name: name})
		}
		return qm.Call(ctx, "add_queues", queues, nil)
	}
	if delq, _ := f.GetBool("delq"); delq {
		params := struct {
			Specs []rpc.Spec `json:"specs"`
			Force bool       `json:"force"`
		}{queueSpecs(args), true}
		return qm.Call(ctx, "del_queues", params, nil)
	}
	if props, _ := f.GetStringSlice("setq"); len(props) > 0 {
		updates := rpc.Spec{}
		for _, kv := range props {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("bad property %q, want key=value", kv)
			}
			if n, err := strconv.Atoi(parts[1]); err == nil {
				updates[parts[0]] = float64(n)
			} else {
				updates[parts[0]] = parts[1]
			}
		}
		return setQueues(ctx, qm, args, updates)
	}
	if props, _ := f.GetStringSlice("unsetq"); len(props) > 0 {
		updates := rpc.Spec{}
		for _, key := range props {
			updates[key] = float64(0)
		}
		return setQueues(ctx, qm, args, updates)
	}
	if policy, _ := f.GetString("policy"); policy != "" {
		return setQueues(ctx, qm, args, rpc.Spec{"policy": policy})
	}

	// Everything below operates on jobids.
	specs, err := jobSpecs(args)
	if err != nil {
		return err
	}

	if hold, _ := f.GetBool("hold"); hold {
		return setJobs(ctx, qm, specs, rpc.Spec{"state": string(types.JobHold)})
	}
	if uhold, _ := f.GetBool("user-hold"); uhold {
		return setJobs(ctx, qm, specs, rpc.Spec{"state": string(types.JobUserHold)})
	}
	if release, _ := f.GetBool("release"); release {
		return setJobs(ctx, qm, specs, rpc.Spec{"state": string(types.JobQueued)})
	}
	if loc, _ := f.GetString("run"); loc != "" {
		placements := make([]struct {
			JobID    int    `json:"jobid"`
			Location string `json:"location"`
		}, 0, len(args))
		for _, arg := range args {
			jobid, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("bad jobid %q", arg)
			}
			placements = append(placements, struct {
				JobID    int    `json:"jobid"`
				Location string `json:"location"`
			}{jobid, loc})
		}
		return qm.Call(ctx, "run_jobs", placements, nil)
	}
	if kill, _ := f.GetBool("kill"); kill {
		return delJobs(ctx, qm, specs, false)
	}
	if del, _ := f.GetBool("delete"); del {
		return delJobs(ctx, qm, specs, true)
	}
	if newQueue, _ := f.GetString("queue"); newQueue != "" {
		params := struct {
			Specs    []rpc.Spec `json:"specs"`
			NewQueue string     `json:"new_queue"`
		}{specs, newQueue}
		return qm.Call(ctx, "move_jobs", params, nil)
	}
	if t, _ := f.GetString("time"); t != "" {
		walltime, err := cliutil.ParseWalltime(t)
		if err != nil {
			return err
		}
		return setJobs(ctx, qm, specs, rpc.Spec{"walltime": float64(walltime)})
	}

	return fmt.Errorf("no operation given; see cqadm --help")
}

func jobSpecs(args []string) ([]rpc.Spec, error) {
	var specs []rpc.Spec
	for _, arg := range args {
		jobid, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("bad jobid %q", arg)
		}
		specs = append(specs, rpc.Spec{"jobid": jobid})
	}
	return specs, nil
}

func queueSpecs(names []string) []rpc.Spec {
	specs := make([]rpc.Spec, 0, len(names))
	for _, name := range names {
		specs = append(specs, rpc.Spec{"name": name})
	}
	return specs
}

func setJobs(ctx context.Context, qm rpcCaller, specs []rpc.Spec, updates rpc.Spec) error {
	params := struct {
		Specs   []rpc.Spec `json:"specs"`
		Updates rpc.Spec   `json:"updates"`
	}{specs, updates}
	return qm.Call(ctx, "set_jobs", params, nil)
}

func setQueues(ctx context.Context, qm rpcCaller, names []string, updates rpc.Spec) error {
	params := struct {
		Specs   []rpc.Spec `json:"specs"`
		Updates rpc.Spec   `json:"updates"`
	}{queueSpecs(names), updates}
	return qm.Call(ctx, "set_queues", params, nil)
}

func delJobs(ctx context.Context, qm rpcCaller, specs []rpc.Spec, force bool) error {
	params := struct {
		Specs []rpc.Spec `json:"specs"`
		User  string     `json:"user"`
		Force bool       `json:"force"`
	}{specs, os.Getenv("USER"), force}
	return qm.Call(ctx, "del_jobs", params, nil)
}

func listQueues(ctx context.Context, qm rpcCaller) error {
	var queues []*types.Queue
	if err := qm.Call(ctx, "get_queues", []rpc.Spec{{"name": "*"}}, &queues); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "State", "Policy", "Users", "MaxTime", "MaxRunning"})
	for _, q := range queues {
		table.Append([]string{
			q.Name, string(q.State), string(q.Policy),
			strings.Join(q.Users, ","), strconv.Itoa(q.MaxTime), strconv.Itoa(q.MaxRunning),
		})
	}
	table.Render()
	return nil
}

type rpcCaller interface {
	Call(ctx context.Context, method string, args any, out any) error
}
