package sysmgr

import (
	"context"
	"strconv"
	"time"

	"github.com/cobalt-rm/cobalt/pkg/forker"
	"github.com/cobalt-rm/cobalt/pkg/metrics"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// ProcessGroupSpec is the input to AddProcessGroups: everything needed to
// reserve a partition, select a boot image, and launch the job's head
// process.
type ProcessGroupSpec struct {
	JobID    int
	User     string
	Location string
	Mode     types.JobMode
	Kernel   string
	Walltime int
	KillTime int
	Stdin, Stdout, Stderr string
	Cwd      string
	Env      map[string]string
	Args     []string
	Executable string
	Umask    int
}

// AddProcessGroups implements add_process_groups: reserve, boot, and
// launch each requested process group. The reservation must succeed
// before anything spawns. A boot-image failure or a missing head pid
// unreserves and fails the group with exit 255; a forker error is
// returned to the caller with the reservation kept, so it can retry.
func (m *Manager) AddProcessGroups(ctx context.Context, specs []ProcessGroupSpec) ([]*types.ProcessGroup, error) {
	out := make([]*types.ProcessGroup, 0, len(specs))
	for _, spec := range specs {
		pg := m.newPG(spec)
		out = append(out, pg)

		until := spec.StartDeadline()
		if err := m.ReserveResourcesUntil(spec.Location, &until, spec.JobID); err != nil {
			m.failPG(pg, 255, "reserve failed: "+err.Error())
			continue
		}

		if spec.Kernel != "" && spec.Kernel != defaultKernel {
			if err := m.setBootImage(spec.Location, spec.Kernel); err != nil {
				_ = m.ReserveResourcesUntil(spec.Location, nil, spec.JobID)
				m.failPG(pg, 255, "boot image failed: "+err.Error())
				continue
			}
		}

		env := make(map[string]string, len(spec.Env)+1)
		for k, v := range spec.Env {
			env[k] = v
		}
		env["COBALT_JOBID"] = strconv.Itoa(spec.JobID)

		f := m.forkers.forMode(spec.Mode)
		headPID, err := f.Start(ctx, forker.Spec{
			Executable: spec.Executable,
			Args:       spec.Args,
			Env:        env,
			Cwd:        spec.Cwd,
			Stdin:      spec.Stdin,
			Stdout:     spec.Stdout,
			Stderr:     spec.Stderr,
			Umask:      spec.Umask,
		})
		if err != nil {
			// Any forker/protocol fault is re-raised so QM retries next tick.
			return out, err
		}
		if headPID == 0 {
			_ = m.ReserveResourcesUntil(spec.Location, nil, spec.JobID)
			m.failPG(pg, 255, "forker returned no head pid")
			continue
		}

		m.mu.Lock()
		pg.HeadPID = &headPID
		m.persistPG(pg)
		m.mu.Unlock()
	}
	return out, nil
}

// StartDeadline is the reservation horizon for a new process group:
// start + 60*walltime + 60*killtime seconds from now, so a job being
// killed still owns its partition during teardown.
func (s ProcessGroupSpec) StartDeadline() time.Time {
	return time.Now().Add(time.Duration(60*s.Walltime+60*s.KillTime) * time.Second)
}

func (m *Manager) newPG(spec ProcessGroupSpec) *types.ProcessGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPGID++
	pg := &types.ProcessGroup{
		ID:         m.nextPGID,
		JobID:      spec.JobID,
		User:       spec.User,
		Location:   spec.Location,
		Mode:       spec.Mode,
		Kernel:     spec.Kernel,
		StartTime:  time.Now(),
		Walltime:   spec.Walltime,
		KillTime:   spec.KillTime,
		Stdin:      spec.Stdin,
		Stdout:     spec.Stdout,
		Stderr:     spec.Stderr,
		Cwd:        spec.Cwd,
		Env:        spec.Env,
		Args:       spec.Args,
		Executable: spec.Executable,
		Umask:      spec.Umask,
	}
	m.pgs[pg.ID] = pg
	m.persistPG(pg)
	metrics.ProcessGroupsTotal.Inc()
	return pg
}

func (m *Manager) failPG(pg *types.ProcessGroup, exitStatus int, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := exitStatus
	pg.ExitStatus = &status
	m.logger.Warn().Int("pgid", pg.ID).Int("jobid", pg.JobID).Str("reason", reason).Msg("process group failed")
	m.persistPG(pg)
}

// GetProcessGroups implements get_process_groups.
func (m *Manager) GetProcessGroups(specs []rpc.Spec) []*types.ProcessGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ProcessGroup
	for _, pg := range m.pgs {
		for _, spec := range specs {
			if rpc.Match(spec, pg, pgFields) {
				cp := *pg
				out = append(out, &cp)
				break
			}
		}
	}
	return out
}

// WaitProcessGroups returns and removes every pg matching specs that has
// exited (ExitStatus set), implementing wait_process_groups.
func (m *Manager) WaitProcessGroups(specs []rpc.Spec) []*types.ProcessGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ProcessGroup
	for id, pg := range m.pgs {
		if pg.ExitStatus == nil {
			continue
		}
		for _, spec := range specs {
			if rpc.Match(spec, pg, pgFields) {
				cp := *pg
				out = append(out, &cp)
				delete(m.pgs, id)
				m.deletePG(id)
				break
			}
		}
	}
	return out
}

// SignalProcessGroups sends a named signal to every matching pg's head
// process, implementing signal_process_groups.
func (m *Manager) SignalProcessGroups(ctx context.Context, specs []rpc.Spec, signal string) int {
	m.mu.Lock()
	var targets []*types.ProcessGroup
	for _, pg := range m.pgs {
		if pg.HeadPID == nil {
			continue
		}
		for _, spec := range specs {
			if rpc.Match(spec, pg, pgFields) {
				targets = append(targets, pg)
				break
			}
		}
	}
	m.mu.Unlock()

	n := 0
	for _, pg := range targets {
		f := m.forkers.forMode(pg.Mode)
		if err := f.Signal(ctx, *pg.HeadPID, signal); err != nil {
			m.logger.Warn().Err(err).Int("pgid", pg.ID).Str("signal", signal).Msg("signal failed")
			continue
		}
		n++
	}
	return n
}

var pgFields = rpc.Fields[types.ProcessGroup]{
	"id":       func(pg *types.ProcessGroup) any { return pg.ID },
	"jobid":    func(pg *types.ProcessGroup) any { return pg.JobID },
	"user":     func(pg *types.ProcessGroup) any { return pg.User },
	"location": func(pg *types.ProcessGroup) any { return pg.Location },
	"mode":     func(pg *types.ProcessGroup) any { return string(pg.Mode) },
}

// ReapPoll is the periodic task that pulls each forker's child list and
// reaps any local pg whose head process has exited.
func (m *Manager) ReapPoll(ctx context.Context) error {
	for name, f := range m.forkers.all() {
		children, err := f.GetChildren(ctx)
		if err != nil {
			m.logger.Warn().Err(err).Str("forker", name).Msg("get children failed")
			continue
		}
		activeSet := make(map[int]bool, len(children))
		childIDByPID := make(map[int]int, len(children))
		for _, child := range children {
			childIDByPID[child.PID] = child.ID
			if !child.Complete {
				activeSet[child.PID] = true
			}
		}

		var cleanupIDs []int
		m.mu.Lock()
		owned := make(map[int]bool, len(m.pgs))
		for _, pg := range m.pgs {
			if pg.HeadPID == nil {
				continue
			}
			owned[*pg.HeadPID] = true
			if pg.ExitStatus != nil || activeSet[*pg.HeadPID] {
				continue
			}
			m.reapOne(ctx, f, pg)
			if id, ok := childIDByPID[*pg.HeadPID]; ok {
				cleanupIDs = append(cleanupIDs, id)
			}
		}
		m.mu.Unlock()

		// Finished children with no owning pg are swept too.
		for _, child := range children {
			if child.Complete && !owned[child.PID] {
				cleanupIDs = append(cleanupIDs, child.ID)
			}
		}

		if len(cleanupIDs) > 0 {
			if err := f.CleanupChildren(ctx, cleanupIDs); err != nil {
				m.logger.Warn().Err(err).Str("forker", name).Msg("cleanup_children failed")
			}
		}
	}
	return nil
}

// reapOne must be called with m.mu held.
func (m *Manager) reapOne(ctx context.Context, f forker.Forker, pg *types.ProcessGroup) {
	status, err := f.GetStatus(ctx, *pg.HeadPID)
	if err != nil || status == nil {
		code := 1234567
		pg.ExitStatus = &code
		m.logger.Error().Int("pgid", pg.ID).Int("jobid", pg.JobID).Msg("head pid vanished with no status, quarantining")
	} else {
		pg.ExitStatus = status.ExitStatus
		pg.Signum = status.Signum
		pg.CoreDump = status.CoreDump
		if status.Signum != 0 {
			m.logger.Info().Int("pgid", pg.ID).Int("jobid", pg.JobID).
				Int("signum", status.Signum).Bool("core_dump", status.CoreDump).
				Msg("process group killed by signal")
			if pg.ExitStatus == nil {
				code := 128 + status.Signum
				pg.ExitStatus = &code
			}
		}
	}

	// The partition keeps UsedBy until cleanup completes so no other job
	// can adopt it mid-teardown; only the reservation deadline is dropped
	// here.
	if p, ok := m.topology.Get(pg.Location); ok {
		p.ReservedBy = 0
		p.ReservedUntil = time.Time{}
		p.CleanupPending = true
	}
	metrics.ProcessGroupsTotal.Dec()
	m.persistPG(pg)
}
