// setres creates a reservation on the scheduler.
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobalt-rm/cobalt/pkg/cliutil"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		cliutil.Fail(err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "setres -n <name> -s <YYYY_MM_DD-HH:MM> -d <duration> -p <partition>[:partition...] [-u user,...] [-c cycle]",
	Short: "Create a reservation",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("name", "n", "", "reservation name")
	f.StringP("start", "s", "", "start time, YYYY_MM_DD-HH:MM local")
	f.StringP("duration", "d", "", "duration (minutes, HH:MM, HH:MM:SS, or D:HH:MM:SS)")
	f.StringP("partitions", "p", "", "colon-list of partitions")
	f.StringP("users", "u", "", "comma-list of users allowed to use the reservation")
	f.StringP("cycle", "c", "", "cycle period (same syntax as duration); omit for one-shot")
	f.BoolP("all-users", "a", false, "open the reservation to every user")
	_ = rootCmd.MarkFlagRequired("name")
	_ = rootCmd.MarkFlagRequired("start")
	_ = rootCmd.MarkFlagRequired("duration")
	_ = rootCmd.MarkFlagRequired("partitions")
}

func run(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	name, _ := f.GetString("name")
	startSpec, _ := f.GetString("start")
	durSpec, _ := f.GetString("duration")
	partSpec, _ := f.GetString("partitions")
	userSpec, _ := f.GetString("users")
	cycleSpec, _ := f.GetString("cycle")
	allUsers, _ := f.GetBool("all-users")

	start, err := time.ParseInLocation("2006_01_02-15:04", startSpec, time.Local)
	if err != nil {
		return fmt.Errorf("bad start time %q, want YYYY_MM_DD-HH:MM", startSpec)
	}
	durMin, err := cliutil.ParseWalltime(durSpec)
	if err != nil {
		return err
	}
	cycle := 0
	if cycleSpec != "" {
		cycleMin, err := cliutil.ParseWalltime(cycleSpec)
		if err != nil {
			return err
		}
		cycle = cycleMin * 60
	}

	var users []string
	if !allUsers && userSpec != "" {
		users = strings.Split(userSpec, ",")
	}

	res := &types.Reservation{
		Name:       name,
		Start:      start,
		Duration:   durMin * 60,
		Cycle:      cycle,
		Users:      users,
		Partitions: strings.Split(partSpec, ":"),
	}

	sched, err := cliutil.Connect(cliutil.ComponentScheduler)
	if err != nil {
		return err
	}
	var added []*types.Reservation
	if err := sched.Call(context.Background(), "add_reservations", []*types.Reservation{res}, &added); err != nil {
		return err
	}
	for _, r := range added {
		fmt.Printf("reservation %s created (queue %s)\n", r.Name, r.QueueName())
	}
	return nil
}
