package sysmgr

import (
	"fmt"
	"os"
	"path/filepath"
)

// Boot-image selection: "<partition_boot_dir>/<partition>" is a symlink
// pointing at "<boot_profiles_dir>/<kernel>". SM swaps the link on job
// start and restores it to the default profile when cleanup finishes.
// When the directories are not configured (simulator deployments), the
// swap is a no-op.

const defaultKernel = "default"

func (m *Manager) setBootImage(location, kernel string) error {
	if _, ok := m.topology.Get(location); !ok {
		return fmt.Errorf("unknown partition %q", location)
	}
	if m.cfg.PartitionBootDir == "" || m.cfg.BootProfilesDir == "" {
		return nil
	}
	return swapSymlink(
		filepath.Join(m.cfg.BootProfilesDir, kernel),
		filepath.Join(m.cfg.PartitionBootDir, location),
	)
}

func (m *Manager) resetBootImage(location string) {
	if m.cfg.PartitionBootDir == "" || m.cfg.BootProfilesDir == "" {
		return
	}
	err := swapSymlink(
		filepath.Join(m.cfg.BootProfilesDir, defaultKernel),
		filepath.Join(m.cfg.PartitionBootDir, location),
	)
	if err != nil {
		m.logger.Warn().Err(err).Str("partition", location).Msg("restore default boot image failed")
	}
}

// swapSymlink atomically replaces link with a symlink to target by
// creating a temporary link and renaming it over the old one.
func swapSymlink(target, link string) error {
	tmp := link + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("create boot link %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("swap boot link %s: %w", link, err)
	}
	return nil
}
