// regd is the Cobalt component registry daemon (REG): the name ->
// endpoint directory with heartbeat-based liveness every other component
// registers with on startup.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobalt-rm/cobalt/pkg/component"
	"github.com/cobalt-rm/cobalt/pkg/config"
	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/registry"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
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
	Use:   "regd",
	Short: "Cobalt component registry",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("config", "/etc/cobalt/regd.yaml", "config file path")
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	var cfg config.Component
	if err := config.Load(cfgPath, &cfg); err != nil {
		return err
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:9030"
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = "/var/spool/cobalt"
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	if _, err := os.Stat(cfg.KeyFile); os.IsNotExist(err) {
		if err := security.GenerateKeyFile(cfg.KeyFile); err != nil {
			return err
		}
		logger := log.WithComponent("reg")
		logger.Info().Str("path", cfg.KeyFile).Msg("generated new shared key")
	}
	secret, err := security.LoadSharedSecret(cfg.KeyFile)
	if err != nil {
		return err
	}

	reg := registry.New(time.Minute)
	snap := storage.NewSnapshotWriter(cfg.SpoolDir, "registry")
	var entries []registry.Entry
	if ok, err := snap.Restore(&entries); err == nil && ok {
		reg.Restore(entries)
	}

	server := rpc.NewServer("reg", secret)
	registry.Expose(server, reg)

	return component.Run(context.Background(), component.Options{
		Name:        "reg",
		BindAddr:    cfg.BindAddr,
		MetricsAddr: cfg.MetricsAddr,
		Secret:      secret,
		Server:      server,
		Tasks: []rpc.AutoTask{
			{Name: "sweep-dead-entries", Period: 30 * time.Second, Handler: reg.Sweep},
			{Name: "persist-endpoint-table", Period: 30 * time.Second, Handler: func(context.Context) error {
				return snap.Write(reg.Snapshot())
			}},
		},
	})
}
