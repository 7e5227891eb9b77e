// cqwait blocks until the named jobs have left the queue. It subscribes
// to QM's job-event websocket stream, falling back to polling get_jobs if
// the stream cannot be established.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/cobalt-rm/cobalt/pkg/cliutil"
	"github.com/cobalt-rm/cobalt/pkg/registry"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		cliutil.Fail(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cqwait [-r] <jobid>...",
	Short: "Wait for jobs to finish",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolP("report", "r", false, "report each job's exit status as it finishes")
}

func run(cmd *cobra.Command, args []string) error {
	report, _ := cmd.Flags().GetBool("report")

	waiting := make(map[int]bool, len(args))
	for _, arg := range args {
		jobid, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad jobid %q", arg)
		}
		waiting[jobid] = true
	}

	ctx := context.Background()
	qm, err := cliutil.Connect(cliutil.ComponentQueueManager)
	if err != nil {
		return err
	}

	// Jobs may already be gone before we subscribe.
	if err := sweepFinished(ctx, qm, waiting, report); err != nil {
		return err
	}
	if len(waiting) == 0 {
		return nil
	}

	conn, err := dialEvents(ctx)
	if err != nil {
		return pollUntilDone(ctx, qm, waiting, report)
	}
	defer conn.Close()

	for len(waiting) > 0 {
		var ev struct {
			JobID      int            `json:"jobid"`
			State      types.JobState `json:"state"`
			ExitStatus *int           `json:"exit_status"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			// Stream died mid-wait; fall back to polling.
			return pollUntilDone(ctx, qm, waiting, report)
		}
		if !waiting[ev.JobID] {
			continue
		}
		if ev.State == types.JobDone || ev.State == types.JobDepFail {
			finish(ev.JobID, ev.ExitStatus, report)
			delete(waiting, ev.JobID)
		}
	}
	return nil
}

func dialEvents(ctx context.Context) (*websocket.Conn, error) {
	token, err := cliutil.Token()
	if err != nil {
		return nil, err
	}
	resolver := registry.NewClient(cliutil.RegistryAddr(), token, true)
	endpoint, err := resolver.Locate(ctx, cliutil.ComponentQueueManager)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 5 * time.Second,
	}
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := dialer.DialContext(ctx, "wss://"+endpoint+"/events/jobs", header)
	return conn, err
}

func sweepFinished(ctx context.Context, qm rpcCaller, waiting map[int]bool, report bool) error {
	for jobid := range waiting {
		var jobs []*types.Job
		if err := qm.Call(ctx, "get_jobs", []rpc.Spec{{"jobid": jobid}}, &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 || jobs[0].State == types.JobDone || jobs[0].State == types.JobDepFail {
			var status *int
			if len(jobs) > 0 {
				status = jobs[0].ExitStatus
			}
			finish(jobid, status, report)
			delete(waiting, jobid)
		}
	}
	return nil
}

func pollUntilDone(ctx context.Context, qm rpcCaller, waiting map[int]bool, report bool) error {
	for len(waiting) > 0 {
		time.Sleep(5 * time.Second)
		if err := sweepFinished(ctx, qm, waiting, report); err != nil {
			return err
		}
	}
	return nil
}

func finish(jobid int, status *int, report bool) {
	if !report {
		return
	}
	if status != nil {
		fmt.Printf("%d: exited %d\n", jobid, *status)
	} else {
		fmt.Fprintf(os.Stdout, "%d: finished\n", jobid)
	}
}

type rpcCaller interface {
	Call(ctx context.Context, method string, args any, out any) error
}
