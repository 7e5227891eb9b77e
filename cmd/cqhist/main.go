// cqhist shows finished jobs from the queue manager's history.
package main

import (
	"context"
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
	Use:   "cqhist [-u user] [-q queue] [-n lines] [-a]",
	Short: "Show job history",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("user", "u", "", "filter by user")
	f.StringP("queue", "q", "", "filter by queue")
	f.IntP("lines", "n", 20, "show at most this many entries")
	f.BoolP("all", "a", false, "show every entry")
}

func run(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	user, _ := f.GetString("user")
	queue, _ := f.GetString("queue")
	lines, _ := f.GetInt("lines")
	all, _ := f.GetBool("all")

	spec := rpc.Spec{"jobid": "*"}
	if user != "" {
		spec["user"] = user
	}
	if queue != "" {
		spec["queue"] = queue
	}

	qm, err := cliutil.Connect(cliutil.ComponentQueueManager)
	if err != nil {
		return err
	}
	var jobs []*types.Job
	if err := qm.Call(context.Background(), "get_history", []rpc.Spec{spec}, &jobs); err != nil {
		return err
	}
	if !all && len(jobs) > lines {
		jobs = jobs[len(jobs)-lines:]
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"JobID", "User", "Queue", "Nodes", "Walltime", "Exit", "Ended"})
	for _, j := range jobs {
		exit := "-"
		if j.ExitStatus != nil {
			exit = strconv.Itoa(*j.ExitStatus)
		}
		ended := "-"
		if !j.EndTime.IsZero() {
			ended = j.EndTime.Format("2006-01-02 15:04:05")
		}
		table.Append([]string{
			strconv.Itoa(j.JobID), j.User, j.Queue,
			strconv.Itoa(j.Nodes), strconv.Itoa(j.Walltime), exit, ended,
		})
	}
	table.Render()
	return nil
}
