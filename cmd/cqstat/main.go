// cqstat lists jobs known to the queue manager.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

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
	Use:   "cqstat [-f] [jobid]",
	Short: "List jobs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolP("full", "f", false, "show mode, procs, queue, and start time")
}

func run(cmd *cobra.Command, args []string) error {
	full, _ := cmd.Flags().GetBool("full")

	spec := rpc.Spec{"jobid": "*"}
	if len(args) == 1 {
		jobid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("bad jobid %q", args[0])
		}
		spec = rpc.Spec{"jobid": jobid}
	}

	qm, err := cliutil.Connect(cliutil.ComponentQueueManager)
	if err != nil {
		return err
	}
	var jobs []*types.Job
	if err := qm.Call(context.Background(), "get_jobs", []rpc.Spec{spec}, &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(os.Stderr, "no jobs found")
		os.Exit(1)
	}

	table := tablewriter.NewWriter(os.Stdout)
	if full {
		table.SetHeader([]string{"JobID", "User", "Walltime", "Nodes", "State", "Location", "Mode", "Procs", "Queue", "StartTime"})
	} else {
		table.SetHeader([]string{"JobID", "User", "Walltime", "Nodes", "State", "Location"})
	}
	for _, j := range jobs {
		row := []string{
			strconv.Itoa(j.JobID), j.User, strconv.Itoa(j.Walltime),
			strconv.Itoa(j.Nodes), string(j.State), j.Location,
		}
		if full {
			start := "-"
			if !j.StartTime.IsZero() {
				start = j.StartTime.Format("2006-01-02 15:04:05")
			}
			row = append(row, string(j.Mode), strconv.Itoa(j.Procs), j.Queue, start)
		}
		table.Append(row)
	}
	table.Render()
	return nil
}
