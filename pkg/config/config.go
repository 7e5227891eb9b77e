// Package config loads the per-component YAML configuration file shared
// by regd, smd, qmd, and schd: gopkg.in/yaml.v3 into a plain struct, with
// cobra flags able to override individual fields at the call site.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Component holds the settings common to every Cobalt daemon.
type Component struct {
	Name     string `yaml:"name"`
	BindAddr string `yaml:"bind_addr"`
	SpoolDir string `yaml:"spool_dir"`

	RegistryAddr string `yaml:"registry_addr"`
	KeyFile      string `yaml:"key_file"`

	TLSCertFile string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile  string `yaml:"tls_key_file,omitempty"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// RequestTimeout returns the configured RPC request timeout, defaulting
// to 10s.
func (c Component) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// SystemManager adds SM-specific tuning on top of Component.
type SystemManager struct {
	Component `yaml:",inline"`

	StateUpdatePeriodSeconds int `yaml:"state_update_period_seconds"`
	ReapPeriodSeconds        int `yaml:"reap_period_seconds"`
	MaxNodes                 int `yaml:"max_nodes"`
	CustomKernelsEnabled     bool `yaml:"custom_kernels_enabled"`
	BootProfilesDir          string `yaml:"boot_profiles_dir,omitempty"`
	PartitionBootDir         string `yaml:"partition_boot_dir,omitempty"`
	Forkers                  map[string]string `yaml:"forkers"` // mode -> forker component name
}

// QueueManager adds QM-specific tuning on top of Component.
type QueueManager struct {
	Component `yaml:",inline"`

	FilterCommands []string `yaml:"filter_commands,omitempty"`
}

// Scheduler adds SCH-specific tuning on top of Component.
type Scheduler struct {
	Component `yaml:",inline"`

	TickSeconds   int `yaml:"tick_seconds"`
	MaxDrainHours int `yaml:"max_drain_hours,omitempty"` // 0 = unbounded, per Open Question resolution
}

// Load reads and parses a YAML config file into dst (a pointer to one of
// the structs above).
func Load(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
