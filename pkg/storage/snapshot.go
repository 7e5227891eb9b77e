package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SnapshotWriter gives each component its crash-safe spool file: the
// fields it owns serialize periodically to "<spool>/<name>" with a
// write-temp-rename-plus-.old backup, so a crash mid-write never
// corrupts the last good snapshot.
type SnapshotWriter struct {
	spoolDir string
	name     string
}

// NewSnapshotWriter returns a writer targeting "<spoolDir>/<name>".
func NewSnapshotWriter(spoolDir, name string) *SnapshotWriter {
	return &SnapshotWriter{spoolDir: spoolDir, name: name}
}

// Write serializes state as JSON and atomically replaces the snapshot
// file, first renaming the previous snapshot to "<name>.old".
func (w *SnapshotWriter) Write(state any) error {
	if err := os.MkdirAll(w.spoolDir, 0755); err != nil {
		return fmt.Errorf("create spool dir %s: %w", w.spoolDir, err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	target := filepath.Join(w.spoolDir, w.name)
	tmp := target + ".tmp"
	old := target + ".old"

	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp snapshot %s: %w", tmp, err)
	}
	if _, err := os.Stat(target); err == nil {
		if err := os.Rename(target, old); err != nil {
			return fmt.Errorf("back up snapshot %s: %w", target, err)
		}
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("promote snapshot %s: %w", tmp, err)
	}
	return nil
}

// Restore decodes the most recent snapshot into state, falling back to the
// ".old" backup if the primary file is missing or corrupt. Returns
// ok == false if neither file is present (first boot).
func (w *SnapshotWriter) Restore(state any) (ok bool, err error) {
	target := filepath.Join(w.spoolDir, w.name)
	old := target + ".old"

	if data, readErr := os.ReadFile(target); readErr == nil {
		if jsonErr := json.Unmarshal(data, state); jsonErr == nil {
			return true, nil
		}
	}
	data, readErr := os.ReadFile(old)
	if readErr != nil {
		return false, nil
	}
	if jsonErr := json.Unmarshal(data, state); jsonErr != nil {
		return false, fmt.Errorf("decode backup snapshot %s: %w", old, jsonErr)
	}
	return true, nil
}
