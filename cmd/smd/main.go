// smd is the Cobalt System Manager daemon (SM): partition inventory and
// state machine, process-group lifecycle, and resource reservation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cobalt-rm/cobalt/pkg/bridge"
	"github.com/cobalt-rm/cobalt/pkg/cliutil"
	"github.com/cobalt-rm/cobalt/pkg/component"
	"github.com/cobalt-rm/cobalt/pkg/config"
	"github.com/cobalt-rm/cobalt/pkg/forker"
	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/security"
	"github.com/cobalt-rm/cobalt/pkg/storage"
	"github.com/cobalt-rm/cobalt/pkg/sysmgr"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "smd",
	Short: "Cobalt system manager",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String("config", "/etc/cobalt/smd.yaml", "config file path")
	rootCmd.Flags().String("partitions", "", "partition inventory JSON for the simulator bridge")
}

func run(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	var cfg config.SystemManager
	if err := config.Load(cfgPath, &cfg); err != nil {
		return err
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:9031"
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = "/var/spool/cobalt"
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	secret, err := security.LoadSharedSecret(cfg.KeyFile)
	if err != nil {
		return err
	}

	invPath, _ := cmd.Flags().GetString("partitions")
	br, err := buildBridge(invPath)
	if err != nil {
		return err
	}

	store, err := storage.NewBoltStore(cfg.SpoolDir, "system")
	if err != nil {
		return err
	}
	defer store.Close()
	snap := storage.NewSnapshotWriter(cfg.SpoolDir, "system")

	forkers := sysmgr.Forkers{
		UserScript: forker.NewExecForker(),
		BGMPIRun:   forker.NewExecForker(),
	}

	m, err := sysmgr.New(br, forkers, store, snap, sysmgr.Config{
		MaxNodes:             cfg.MaxNodes,
		CustomKernelsEnabled: cfg.CustomKernelsEnabled,
		VNModeMultiplier:     2,
		BootProfilesDir:      cfg.BootProfilesDir,
		PartitionBootDir:     cfg.PartitionBootDir,
	})
	if err != nil {
		return err
	}

	server := rpc.NewServer("system", secret)
	sysmgr.Expose(server, m)

	statePeriod := periodOrDefault(cfg.StateUpdatePeriodSeconds)
	reapPeriod := periodOrDefault(cfg.ReapPeriodSeconds)

	return component.Run(context.Background(), component.Options{
		Name:         cliutil.ComponentSystem,
		BindAddr:     cfg.BindAddr,
		MetricsAddr:  cfg.MetricsAddr,
		RegistryAddr: cfg.RegistryAddr,
		Secret:       secret,
		Server:       server,
		Tasks: []rpc.AutoTask{
			{Name: "partition-state-update", Period: statePeriod, Handler: m.StateUpdate},
			{Name: "reap-process-groups", Period: reapPeriod, Handler: m.ReapPoll},
		},
	})
}

func periodOrDefault(seconds int) time.Duration {
	if seconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(seconds) * time.Second
}

// buildBridge loads a partition inventory file into the simulator bridge.
// Real deployments substitute a vendor driver binding here.
func buildBridge(path string) (bridge.Bridge, error) {
	if path == "" {
		return bridge.NewSimulator(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read partition inventory %s: %w", path, err)
	}
	var parts []*types.Partition
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("parse partition inventory %s: %w", path, err)
	}
	return bridge.NewSimulator(parts), nil
}
