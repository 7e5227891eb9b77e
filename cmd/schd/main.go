// schd is the Cobalt scheduler daemon (SCH): placement policy and the
// reservation subsystem.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobalt-rm/cobalt/pkg/cliutil"
	"github.com/cobalt-rm/cobalt/pkg/component"
	"github.com/cobalt-rm/cobalt/pkg/config"
	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/registry"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/rpcclient"
	"github.com/cobalt-rm/cobalt/pkg/scheduler"
	"github.com/cobalt-rm/cobalt/pkg/security"
	"github.com/cobalt-rm/cobalt/pkg/storage"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "schd",
	Short: "Cobalt scheduler",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("config", "/etc/cobalt/schd.yaml", "config file path")
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	var cfg config.Scheduler
	if err := config.Load(cfgPath, &cfg); err != nil {
		return err
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:9033"
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = "/var/spool/cobalt"
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	secret, err := security.LoadSharedSecret(cfg.KeyFile)
	if err != nil {
		return err
	}

	resolver := registry.NewClient(cfg.RegistryAddr, secret.Token(), true)
	qm := scheduler.NewRemoteQM(rpcclient.New(cliutil.ComponentQueueManager, resolver, secret.Token(), true))
	sm := scheduler.NewRemoteSM(rpcclient.New(cliutil.ComponentSystem, resolver, secret.Token(), true))

	snap := storage.NewSnapshotWriter(cfg.SpoolDir, "scheduler")

	s, err := scheduler.New(qm, sm, snap, scheduler.Config{MaxDrainHours: cfg.MaxDrainHours})
	if err != nil {
		return err
	}

	server := rpc.NewServer("scheduler", secret)
	scheduler.Expose(server, s)

	tick := 10 * time.Second
	if cfg.TickSeconds > 0 {
		tick = time.Duration(cfg.TickSeconds) * time.Second
	}

	return component.Run(context.Background(), component.Options{
		Name:         cliutil.ComponentScheduler,
		BindAddr:     cfg.BindAddr,
		MetricsAddr:  cfg.MetricsAddr,
		RegistryAddr: cfg.RegistryAddr,
		Secret:       secret,
		Server:       server,
		Tasks: []rpc.AutoTask{
			{Name: "schedule", Period: tick, Handler: s.Schedule},
			{Name: "tick-reservations", Period: time.Minute, Handler: s.TickReservations},
			{Name: "reconcile-reservation-queues", Period: time.Minute, Handler: s.ReconcileQueues},
		},
	})
}
