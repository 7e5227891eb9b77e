// cqsub submits a job to the Cobalt queue manager.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

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
	Use:   "cqsub -t <time> -n <nodes> [flags] <command> [args...]",
	Short: "Submit a job",
	Args:  cobra.MinimumNArgs(1),
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringP("time", "t", "", "walltime (minutes, HH:MM, HH:MM:SS, or D:HH:MM:SS)")
	f.IntP("nodes", "n", 0, "node count")
	f.IntP("procs", "c", 0, "process count (defaults to node count)")
	f.StringP("mode", "m", "co", "execution mode (co, dual, vn, smp, script)")
	f.StringP("queue", "q", "default", "target queue")
	f.StringP("project", "p", "", "project charged for the job")
	f.StringP("kernel", "k", "", "kernel profile")
	f.StringP("env", "e", "", "environment variables (k=v:k=v)")
	f.StringP("outprefix", "O", "", "prefix for stdout/stderr files")
	f.StringP("errpath", "E", "", "stderr path")
	f.StringP("outpath", "o", "", "stdout path")
	f.StringP("cwd", "C", "", "working directory")
	f.String("notify", "", "notification address")
	f.String("dependencies", "", "colon-separated jobids this job depends on")
	_ = rootCmd.MarkFlagRequired("time")
	_ = rootCmd.MarkFlagRequired("nodes")
	rootCmd.Flags().SetInterspersed(false)
}

func run(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	timeSpec, _ := f.GetString("time")
	walltime, err := cliutil.ParseWalltime(timeSpec)
	if err != nil {
		return err
	}

	nodes, _ := f.GetInt("nodes")
	procs, _ := f.GetInt("procs")
	if procs == 0 {
		procs = nodes
	}
	mode, _ := f.GetString("mode")
	queue, _ := f.GetString("queue")
	project, _ := f.GetString("project")
	kernel, _ := f.GetString("kernel")
	envSpec, _ := f.GetString("env")
	outPrefix, _ := f.GetString("outprefix")
	errPath, _ := f.GetString("errpath")
	outPath, _ := f.GetString("outpath")
	cwd, _ := f.GetString("cwd")
	deps, _ := f.GetString("dependencies")

	if cwd == "" {
		cwd, _ = os.Getwd()
	}
	if outPrefix != "" {
		if outPath == "" {
			outPath = outPrefix + ".output"
		}
		if errPath == "" {
			errPath = outPrefix + ".error"
		}
	}

	env := map[string]string{}
	if envSpec != "" {
		for _, kv := range strings.Split(envSpec, ":") {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				env[parts[0]] = parts[1]
			}
		}
	}

	job := &types.Job{
		User:            currentUser(),
		Queue:           queue,
		Nodes:           nodes,
		Procs:           procs,
		Mode:            types.JobMode(mode),
		Walltime:        walltime,
		Kernel:          kernel,
		Project:         project,
		AllDependencies: deps,
		Command:         args[0],
		Args:            args[1:],
		Env:             env,
		Cwd:             cwd,
		Stdout:          outPath,
		Stderr:          errPath,
	}

	ctx := context.Background()

	system, err := cliutil.Connect(cliutil.ComponentSystem)
	if err != nil {
		return err
	}
	if err := system.Call(ctx, "validate_job", job, nil); err != nil {
		return err
	}

	qm, err := cliutil.Connect(cliutil.ComponentQueueManager)
	if err != nil {
		return err
	}
	var created []*types.Job
	if err := qm.Call(ctx, "add_jobs", []*types.Job{job}, &created); err != nil {
		return err
	}
	if len(created) == 0 {
		return fmt.Errorf("submission returned no job")
	}
	fmt.Println(created[0].JobID)
	return nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
