// Package cliutil carries the plumbing every Cobalt CLI tool shares:
// locating components through the registry, authenticating with the
// shared key file, and parsing user-facing time syntax.
package cliutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cobalt-rm/cobalt/pkg/registry"
	"github.com/cobalt-rm/cobalt/pkg/rpcclient"
	"github.com/cobalt-rm/cobalt/pkg/security"
)

// Well-known logical component names, matching what the daemons register.
const (
	ComponentQueueManager = "queue-manager"
	ComponentSystem       = "system"
	ComponentScheduler    = "scheduler"
)

// RegistryAddr returns REG's endpoint: $COBALT_REGISTRY or the
// conventional localhost port.
func RegistryAddr() string {
	if addr := os.Getenv("COBALT_REGISTRY"); addr != "" {
		return addr
	}
	return "127.0.0.1:9030"
}

// KeyFile returns the shared-secret key file path: $COBALT_KEYFILE, or
// ~/.cobalt/cobalt.key.
func KeyFile() string {
	if path := os.Getenv("COBALT_KEYFILE"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "cobalt.key"
	}
	return filepath.Join(home, ".cobalt", "cobalt.key")
}

// Connect builds an authenticated client for the named component.
func Connect(component string) (*rpcclient.Client, error) {
	secret, err := security.LoadSharedSecret(KeyFile())
	if err != nil {
		return nil, fmt.Errorf("load key file: %w", err)
	}
	resolver := registry.NewClient(RegistryAddr(), secret.Token(), true)
	return rpcclient.New(component, resolver, secret.Token(), true), nil
}

// Token returns the bearer token for non-RPC endpoints (the websocket
// event stream).
func Token() (string, error) {
	secret, err := security.LoadSharedSecret(KeyFile())
	if err != nil {
		return "", err
	}
	return secret.Token(), nil
}

// ParseWalltime accepts the cqsub time syntax: plain minutes, HH:MM,
// HH:MM:SS, or D:HH:MM:SS. The result is whole minutes, rounding seconds
// up.
func ParseWalltime(s string) (int, error) {
	fields := strings.Split(s, ":")
	for _, f := range fields {
		if f == "" {
			return 0, fmt.Errorf("malformed time %q", s)
		}
	}
	nums := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed time %q", s)
		}
		nums[i] = n
	}
	switch len(nums) {
	case 1: // minutes
		return nums[0], nil
	case 2: // HH:MM
		return nums[0]*60 + nums[1], nil
	case 3: // HH:MM:SS
		return nums[0]*60 + nums[1] + ceilDiv(nums[2], 60), nil
	case 4: // D:HH:MM:SS
		return nums[0]*24*60 + nums[1]*60 + nums[2] + ceilDiv(nums[3], 60), nil
	}
	return 0, fmt.Errorf("malformed time %q", s)
}

func ceilDiv(a, b int) int {
	if a%b != 0 {
		return a/b + 1
	}
	return a / b
}

// Fail prints err and exits 1, the uniform CLI failure path.
func Fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
