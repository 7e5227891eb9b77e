// qmd is the Cobalt Queue Manager daemon (QM): authoritative job and
// queue state, job lifecycle, dependencies, and the filter pipeline.
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
	"github.com/cobalt-rm/cobalt/pkg/queuemgr"
	"github.com/cobalt-rm/cobalt/pkg/registry"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/rpcclient"
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
	Use:   "qmd",
	Short: "Cobalt queue manager",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("config", "/etc/cobalt/qmd.yaml", "config file path")
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	var cfg config.QueueManager
	if err := config.Load(cfgPath, &cfg); err != nil {
		return err
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:9032"
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
	sm := queuemgr.NewRemoteSystem(rpcclient.New(cliutil.ComponentSystem, resolver, secret.Token(), true))

	store, err := storage.NewBoltStore(cfg.SpoolDir, "queue-manager")
	if err != nil {
		return err
	}
	defer store.Close()
	snap := storage.NewSnapshotWriter(cfg.SpoolDir, "queue-manager")

	m, err := queuemgr.New(sm, store, snap, cfg.FilterCommands)
	if err != nil {
		return err
	}

	server := rpc.NewServer("queue-manager", secret)
	queuemgr.Expose(server, m)

	return component.Run(context.Background(), component.Options{
		Name:         cliutil.ComponentQueueManager,
		BindAddr:     cfg.BindAddr,
		MetricsAddr:  cfg.MetricsAddr,
		RegistryAddr: cfg.RegistryAddr,
		Secret:       secret,
		Server:       server,
		Tasks: []rpc.AutoTask{
			{Name: "poll-process-group-exits", Period: 10 * time.Second, Handler: m.PollExits},
			{Name: "resolve-dependencies", Period: 10 * time.Second, Handler: m.ResolveDependencies},
		},
	})
}
