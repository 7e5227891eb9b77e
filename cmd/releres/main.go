// releres releases reservations by name.
package main

import (
	"context"
	"fmt"
	"os"

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
	Use:   "releres <name>...",
	Short: "Release reservations",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func run(cmd *cobra.Command, args []string) error {
	specs := make([]rpc.Spec, 0, len(args))
	for _, name := range args {
		specs = append(specs, rpc.Spec{"name": name})
	}

	sched, err := cliutil.Connect(cliutil.ComponentScheduler)
	if err != nil {
		return err
	}
	var n int
	if err := sched.Call(context.Background(), "del_reservations", specs, &n); err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(os.Stderr, "no reservations found")
		os.Exit(1)
	}
	fmt.Printf("released %d reservation(s)\n", n)
	return nil
}
