// cqdel deletes jobs, politely by default and forcibly with -f.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cobalt-rm/cobalt/pkg/cliutil"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		cliutil.Fail(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cqdel [-f] <jobid>...",
	Short: "Delete jobs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	rootCmd.Flags().BoolP("force", "f", false, "force deletion even if no exit has arrived")
}

func run(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	var specs []rpc.Spec
	for _, arg := range args {
		jobid, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("bad jobid %q", arg)
		}
		specs = append(specs, rpc.Spec{"jobid": jobid})
	}

	qm, err := cliutil.Connect(cliutil.ComponentQueueManager)
	if err != nil {
		return err
	}
	params := struct {
		Specs []rpc.Spec `json:"specs"`
		User  string     `json:"user"`
		Force bool       `json:"force"`
	}{specs, os.Getenv("USER"), force}

	var n int
	if err := qm.Call(context.Background(), "del_jobs", params, &n); err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(os.Stderr, "no jobs found")
		os.Exit(1)
	}
	fmt.Printf("deleted %d job(s)\n", n)
	return nil
}
