// Package sysmgr implements the system manager: the authoritative
// partition inventory and state machine, process-group lifecycle, and
// short-lived resource reservation. One coarse mutex serializes every
// mutation; periodic tasks (partition state update, process-group reap)
// interleave with RPC dispatch under it.
package sysmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cobalt-rm/cobalt/pkg/bridge"
	"github.com/cobalt-rm/cobalt/pkg/forker"
	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/metrics"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/storage"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// Forkers selects a process supervisor by job mode: "script" jobs go to
// user_script_forker, everything else to bg_mpirun_forker.
type Forkers struct {
	UserScript  forker.Forker
	BGMPIRun    forker.Forker
}

func (f Forkers) forMode(mode types.JobMode) forker.Forker {
	if mode == types.ModeScript {
		return f.UserScript
	}
	return f.BGMPIRun
}

func (f Forkers) all() map[string]forker.Forker {
	return map[string]forker.Forker{
		"user_script_forker": f.UserScript,
		"bg_mpirun_forker":   f.BGMPIRun,
	}
}

// Config bounds validate_job's acceptance rules and locates the
// boot-image directories.
type Config struct {
	MaxNodes            int
	CustomKernelsEnabled bool
	KnownKernels         map[string]bool
	// VNModeMultiplier is the proccount-per-node bound checked for vn
	// mode; 0 disables the check. Other modes have no proccount bound.
	VNModeMultiplier int

	// Boot-image symlink directories; empty disables the symlink swap.
	BootProfilesDir  string
	PartitionBootDir string
}

// Manager is the system manager's in-process state: the partition
// topology, the process-group table, and persistence/bridge/forker
// collaborators.
type Manager struct {
	mu sync.Mutex

	topology *types.Topology
	pgs      map[int]*types.ProcessGroup
	nextPGID int

	bridge  bridge.Bridge
	forkers Forkers
	store   storage.KV
	snap    *storage.SnapshotWriter
	cfg     Config
	logger  zerolog.Logger

	cleanupTask *rpc.FailureMode
}

const bucketProcessGroups = "process_groups"

// New builds a Manager over the given hardware driver and forkers,
// restoring partition/process-group state from store if present.
func New(br bridge.Bridge, forkers Forkers, store storage.KV, snap *storage.SnapshotWriter, cfg Config) (*Manager, error) {
	m := &Manager{
		pgs:         make(map[int]*types.ProcessGroup),
		bridge:      br,
		forkers:     forkers,
		store:       store,
		snap:        snap,
		cfg:         cfg,
		logger:      log.WithComponent("sm"),
		cleanupTask: rpc.NewFailureMode(log.Logger, "sm-state-update"),
	}

	parts, err := br.Enumerate(context.Background())
	if err != nil {
		return nil, fmt.Errorf("enumerate hardware: %w", err)
	}
	m.topology = types.NewTopology(parts)

	if restored, ok, err := m.restorePartitions(); err == nil && ok {
		m.applyRestoredOverlay(restored)
	}
	if err := m.restoreProcessGroups(); err != nil {
		m.logger.Warn().Err(err).Msg("restore process groups failed")
	}
	for id := range m.pgs {
		if id >= m.nextPGID {
			m.nextPGID = id + 1
		}
	}

	return m, nil
}

func (m *Manager) restorePartitions() (map[string]*types.Partition, bool, error) {
	var out map[string]*types.Partition
	ok, err := m.snap.Restore(&out)
	return out, ok, err
}

// restoreProcessGroups loads every persisted pg from the KV store's
// process_groups bucket.
func (m *Manager) restoreProcessGroups() error {
	if m.store == nil {
		return nil
	}
	return m.store.ForEach(bucketProcessGroups, func(key string, value []byte) error {
		var pg types.ProcessGroup
		if err := json.Unmarshal(value, &pg); err != nil {
			return fmt.Errorf("decode pg %s: %w", key, err)
		}
		m.pgs[pg.ID] = &pg
		return nil
	})
}

// persistPG writes one process group's current state to the KV store.
func (m *Manager) persistPG(pg *types.ProcessGroup) {
	if m.store == nil {
		return
	}
	data, err := json.Marshal(pg)
	if err != nil {
		m.logger.Error().Err(err).Int("pgid", pg.ID).Msg("marshal pg failed")
		return
	}
	if err := m.store.Put(bucketProcessGroups, fmt.Sprint(pg.ID), data); err != nil {
		m.logger.Error().Err(err).Int("pgid", pg.ID).Msg("persist pg failed")
	}
}

// deletePG removes a reaped process group's KV entry.
func (m *Manager) deletePG(id int) {
	if m.store == nil {
		return
	}
	if err := m.store.Delete(bucketProcessGroups, fmt.Sprint(id)); err != nil {
		m.logger.Error().Err(err).Int("pgid", id).Msg("delete pg failed")
	}
}

// applyRestoredOverlay copies persisted mutable fields (reservation holder
// and deadline, used_by, cleanup flag, queue list, scheduled flag) onto
// the freshly enumerated topology, since hardware
// enumeration is authoritative for structure but not for SM's own
// bookkeeping.
func (m *Manager) applyRestoredOverlay(restored map[string]*types.Partition) {
	for name, r := range restored {
		p, ok := m.topology.Get(name)
		if !ok {
			continue
		}
		p.ReservedBy = r.ReservedBy
		p.ReservedUntil = r.ReservedUntil
		p.UsedBy = r.UsedBy
		p.CleanupPending = r.CleanupPending
		p.Queue = r.Queue
		p.Scheduled = r.Scheduled
	}
}

func (m *Manager) persist() {
	snapshot := make(map[string]*types.Partition)
	for _, p := range m.topology.All() {
		snapshot[p.Name] = p
	}
	if err := m.snap.Write(snapshot); err != nil {
		m.logger.Error().Err(err).Msg("persist partitions failed")
	}
}

// GetPartitions implements get_partitions: spec/match over the topology.
func (m *Manager) GetPartitions(specs []rpc.Spec) []*types.Partition {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Partition
	for _, p := range m.topology.All() {
		for _, spec := range specs {
			if rpc.Match(spec, p, partitionFields) {
				out = append(out, p.Clone())
				break
			}
		}
	}
	return out
}

// SetPartitions implements set_partitions: spec/match + field update.
func (m *Manager) SetPartitions(specs []rpc.Spec, updates rpc.Spec) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.topology.All() {
		for _, spec := range specs {
			if rpc.Match(spec, p, partitionFields) {
				rpc.Apply(updates, p, partitionSetters)
				n++
				break
			}
		}
	}
	m.persist()
	return n
}

var partitionFields = rpc.Fields[types.Partition]{
	"name":       func(p *types.Partition) any { return p.Name },
	"size":       func(p *types.Partition) any { return p.Size },
	"queue":      func(p *types.Partition) any { return p.Queue },
	"scheduled":  func(p *types.Partition) any { return p.Scheduled },
	"functional": func(p *types.Partition) any { return p.Functional },
	"state":      func(p *types.Partition) any { return string(p.State) },
}

var partitionSetters = rpc.Setters[types.Partition]{
	"queue":      func(p *types.Partition, v any) { p.Queue, _ = v.(string) },
	"scheduled":  func(p *types.Partition, v any) { p.Scheduled, _ = v.(bool) },
	"functional": func(p *types.Partition, v any) { p.Functional, _ = v.(bool) },
	"cleanup_pending": func(p *types.Partition, v any) {
		p.CleanupPending, _ = v.(bool)
	},
}

// ValidateJob implements validate_job's acceptance rules.
func (m *Manager) ValidateJob(job *types.Job) error {
	if job.Nodes <= 0 {
		return fmt.Errorf("nodecount must be positive")
	}
	if m.cfg.MaxNodes > 0 && job.Nodes > m.cfg.MaxNodes {
		return fmt.Errorf("nodecount %d exceeds system max %d", job.Nodes, m.cfg.MaxNodes)
	}
	if job.Walltime < 5 {
		return fmt.Errorf("walltime must be at least 5 minutes")
	}
	switch job.Mode {
	case types.ModeCo, types.ModeDual, types.ModeVN, types.ModeSMP, types.ModeScript:
	default:
		return fmt.Errorf("unknown mode %q", job.Mode)
	}
	if job.Mode == types.ModeVN && m.cfg.VNModeMultiplier > 0 {
		if job.Procs > job.Nodes*m.cfg.VNModeMultiplier {
			return fmt.Errorf("proccount %d exceeds vn multiplier bound for %d nodes", job.Procs, job.Nodes)
		}
	}
	if job.Kernel != "" && m.cfg.CustomKernelsEnabled {
		if m.cfg.KnownKernels != nil && !m.cfg.KnownKernels[job.Kernel] {
			return fmt.Errorf("unknown kernel %q", job.Kernel)
		}
	}
	return nil
}

// StateUpdate runs the periodic partition-state-update task: clear
// expired reservations, drive pending cleanups, mirror control-system
// busy states, and recompute derived blocked states. Hardware state is
// read without holding the lock; transitions apply under it.
func (m *Manager) StateUpdate(ctx context.Context) error {
	hwStates, err := m.bridge.ReadState(ctx)
	if err != nil {
		m.cleanupTask.Fail(err)
		return err
	}
	m.cleanupTask.Pass()

	m.mu.Lock()

	now := time.Now()
	all := m.topology.All()
	byName := make(map[string]*types.Partition, len(all))
	for _, p := range all {
		byName[p.Name] = p
	}

	var toDestroy []string
	for _, p := range all {
		if !p.ReservedUntil.IsZero() && p.ReservedUntil.Before(now) {
			p.ReservedBy = 0
			p.ReservedUntil = time.Time{}
		}

		if p.CleanupPending {
			if m.cleanupComplete(p, hwStates) {
				p.CleanupPending = false
				p.UsedBy = 0
				p.State = types.PartIdle
				p.StateDetail = ""
				m.resetBootImage(p.Name)
				continue
			}
			p.State = types.PartCleanup
			p.StateDetail = ""
			toDestroy = append(toDestroy, p.Name)
			for _, childName := range p.AllChildren {
				if child, ok := byName[childName]; ok {
					child.State = types.PartCleanup
					if hw, ok := hwStates[childName]; ok && hw.State != types.PartIdle {
						toDestroy = append(toDestroy, childName)
					}
				}
			}
			continue
		}

		if hw, ok := hwStates[p.Name]; ok {
			mirrorNodeCardHealth(p, hw)
			if hw.State == types.PartBusy {
				p.State = types.PartBusy
				p.StateDetail = ""
				continue
			}
		}

		p.State, p.StateDetail = derivePartitionState(p, byName, hwStates)
	}

	metrics.PartitionsTotal.Reset()
	for _, p := range all {
		metrics.PartitionsTotal.WithLabelValues(string(p.State)).Inc()
	}

	m.persist()
	m.mu.Unlock()

	// Destroy calls go to the control system without the component lock
	// held. Free is idempotent by contract, so replaying after a crash or
	// a concurrent state change converges.
	for _, name := range toDestroy {
		if err := m.bridge.Free(ctx, name); err != nil {
			m.logger.Warn().Err(err).Str("partition", name).Msg("bridge free failed during cleanup")
		}
	}
	return nil
}

// mirrorNodeCardHealth copies the control system's per-element health
// onto the partition's node cards.
func mirrorNodeCardHealth(p *types.Partition, hw bridge.HardwareState) {
	offline := make(map[string]bool, len(hw.OfflineNodeCards))
	for _, id := range hw.OfflineNodeCards {
		offline[id] = true
	}
	for _, nc := range p.NodeCards {
		if offline[nc.ID] {
			nc.State = "offline"
		} else if nc.State == "offline" {
			nc.State = ""
		}
	}
}

// cleanupComplete reports whether the control system no longer shows any
// activity on p or its descendants. Only then may cleanup_pending clear.
func (m *Manager) cleanupComplete(p *types.Partition, hwStates map[string]bridge.HardwareState) bool {
	if hw, ok := hwStates[p.Name]; ok && hw.State == types.PartBusy {
		return false
	}
	for _, childName := range p.AllChildren {
		if hw, ok := hwStates[childName]; ok && hw.State == types.PartBusy {
			return false
		}
	}
	return true
}

// derivePartitionState implements the priority-ordered fallback when the
// control system reports anything other than busy: allocated if a
// reservation deadline is set, then blocked by relatives, blocked by
// wiring peers, failed or pending diagnostics (own, then propagated from
// relatives), offline hardware, else idle. Blocking propagates only from
// partitions that actually hold a job or reservation, never transitively
// from other blocked partitions.
func derivePartitionState(p *types.Partition, byName map[string]*types.Partition, hw map[string]bridge.HardwareState) (types.PartitionState, string) {
	if !p.ReservedUntil.IsZero() {
		return types.PartAllocated, ""
	}
	occupied := func(name string) bool {
		rel, ok := byName[name]
		if !ok {
			return false
		}
		if rel.UsedBy != 0 || !rel.ReservedUntil.IsZero() || rel.CleanupPending {
			return true
		}
		state, ok := hw[name]
		return ok && state.State == types.PartBusy
	}
	for _, name := range p.Related() {
		if occupied(name) {
			return types.PartitionState("blocked"), "(" + name + ")"
		}
	}
	for _, conflict := range p.WiringConflicts {
		if occupied(conflict) {
			return types.PartitionState("blocked-wiring"), "(" + conflict + ")"
		}
	}

	own := hw[p.Name]
	if own.DiagsFailed {
		return types.PartitionState("failed diags"), ""
	}
	if own.DiagsPending {
		return types.PartitionState("blocked by pending diags"), ""
	}
	for _, name := range p.Related() {
		rel := hw[name]
		if rel.DiagsFailed {
			return types.PartitionState("blocked by failed diags"), "(" + name + ")"
		}
		if rel.DiagsPending {
			return types.PartitionState("blocked by pending diags"), "(" + name + ")"
		}
	}
	if len(own.OfflineNodeCards) > 0 {
		return types.PartitionState("hardware offline: nodecard " + own.OfflineNodeCards[0]), ""
	}
	if len(own.OfflineSwitches) > 0 {
		return types.PartitionState("hardware offline: switch " + own.OfflineSwitches[0]), ""
	}
	return types.PartIdle, ""
}

// ReserveResourcesUntil is the single authority over partition
// reservation. A nil newTime releases (only the holder may); otherwise
// the partition is adopted when free, extended when already held by
// jobid, and refused when held by anyone else. The deadline never moves
// backward while the holder is unchanged.
func (m *Manager) ReserveResourcesUntil(location string, newTime *time.Time, jobid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.topology.Get(location)
	if !ok {
		return fmt.Errorf("unknown partition %q", location)
	}

	if newTime == nil {
		if p.UsedBy != jobid {
			return fmt.Errorf("partition %q not held by job %d", location, jobid)
		}
		p.UsedBy = 0
		p.ReservedBy = 0
		p.ReservedUntil = time.Time{}
		return nil
	}

	if p.UsedBy == 0 {
		p.UsedBy = jobid
		p.ReservedBy = jobid
		p.ReservedUntil = *newTime
		// A partition whose state has not been derived yet counts as idle.
		if p.State == types.PartIdle || p.State == "" {
			p.State = types.PartAllocated
		}
		return nil
	}
	if p.UsedBy == jobid {
		if newTime.After(p.ReservedUntil) {
			p.ReservedUntil = *newTime
		}
		return nil
	}
	return fmt.Errorf("partition %q already held by job %d", location, p.UsedBy)
}
