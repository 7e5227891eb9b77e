// partadm is the system-manager admin tool for partition flags and
// inspection.
package main

import (
	"context"
	"encoding/json"
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
	Use:   "partadm [flags] [partition]...",
	Short: "Partition administration",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.BoolP("list", "l", false, "list partitions")
	f.Bool("enable", false, "mark partitions available for scheduling")
	f.Bool("disable", false, "withdraw partitions from scheduling")
	f.Bool("activate", false, "mark partitions functional")
	f.Bool("deactivate", false, "mark partitions non-functional")
	f.String("queue", "", "set the colon-list of queues a partition serves")
	f.Bool("free", false, "force a cleanup pass on partitions")
	f.Bool("dump", false, "dump partitions as JSON")
}

func run(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	f := cmd.Flags()
	system, err := cliutil.Connect(cliutil.ComponentSystem)
	if err != nil {
		return err
	}

	specs := []rpc.Spec{{"name": "*"}}
	if len(args) > 0 {
		specs = specs[:0]
		for _, name := range args {
			specs = append(specs, rpc.Spec{"name": name})
		}
	}

	flagOps := []struct {
		flag    string
		updates rpc.Spec
	}{
		{"enable", rpc.Spec{"scheduled": true}},
		{"disable", rpc.Spec{"scheduled": false}},
		{"activate", rpc.Spec{"functional": true}},
		{"deactivate", rpc.Spec{"functional": false}},
		{"free", rpc.Spec{"cleanup_pending": true}},
	}
	for _, op := range flagOps {
		if on, _ := f.GetBool(op.flag); on {
			return setPartitions(ctx, system, specs, op.updates)
		}
	}
	if queue, _ := f.GetString("queue"); queue != "" {
		return setPartitions(ctx, system, specs, rpc.Spec{"queue": queue})
	}

	var parts []*types.Partition
	if err := system.Call(ctx, "get_partitions", specs, &parts); err != nil {
		return err
	}
	if dump, _ := f.GetBool("dump"); dump {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(parts)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Name", "Size", "Queue", "State", "Scheduled", "Functional", "UsedBy"})
	for _, p := range parts {
		usedBy := "-"
		if p.UsedBy != 0 {
			usedBy = strconv.Itoa(p.UsedBy)
		}
		state := string(p.State)
		if p.StateDetail != "" {
			state += " " + p.StateDetail
		}
		table.Append([]string{
			p.Name, strconv.Itoa(p.Size), p.Queue, state,
			strconv.FormatBool(p.Scheduled), strconv.FormatBool(p.Functional), usedBy,
		})
	}
	table.Render()
	return nil
}

func setPartitions(ctx context.Context, system rpcCaller, specs []rpc.Spec, updates rpc.Spec) error {
	params := struct {
		Specs   []rpc.Spec `json:"specs"`
		Updates rpc.Spec   `json:"updates"`
	}{specs, updates}
	var n int
	if err := system.Call(ctx, "set_partitions", params, &n); err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintln(os.Stderr, "no partitions matched")
		os.Exit(1)
	}
	return nil
}

type rpcCaller interface {
	Call(ctx context.Context, method string, args any, out any) error
}
