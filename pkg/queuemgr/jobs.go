package queuemgr

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// AddJobs implements add_jobs: runs the filter pipeline, resolves
// dependencies, and assigns jobids.
func (m *Manager) AddJobs(ctx context.Context, specs []*types.Job) ([]*types.Job, error) {
	out := make([]*types.Job, 0, len(specs))
	for _, spec := range specs {
		m.mu.Lock()
		q, ok := m.queues[spec.Queue]
		m.mu.Unlock()
		if !ok {
			return out, rpc.NewFault(rpc.FaultQueueJob, "unknown queue %q", spec.Queue)
		}
		switch q.State {
		case types.QueueDraining:
			return out, rpc.NewFault(rpc.FaultDraining, "queue %q is draining", spec.Queue)
		case types.QueueDead:
			return out, rpc.NewFault(rpc.FaultQueueJob, "queue %q is dead", spec.Queue)
		}

		if spec.AllDependencies != "" {
			for _, field := range strings.Split(spec.AllDependencies, ":") {
				if field == "*" {
					continue
				}
				if _, err := strconv.Atoi(strings.TrimSpace(field)); err != nil {
					return out, rpc.NewFault(rpc.FaultDependency, "bad dependency %q", field)
				}
			}
		}

		merged, err := m.runFilters(ctx, spec)
		if err != nil {
			return out, rpc.NewFault(rpc.FaultQueueJob, "filter rejected submission: %v", err)
		}

		m.mu.Lock()
		merged.JobID = m.nextJobID
		m.nextJobID++
		merged.SubmitTime = time.Now()
		if merged.AllDependencies != "" {
			merged.State = types.JobDepHold
			merged.SatisfiedDependencies = make(map[int]bool)
		} else {
			merged.State = types.JobQueued
		}
		m.jobs[merged.JobID] = merged
		m.refreshMetrics()
		m.persist()
		m.mu.Unlock()

		m.events.Publish(Event{JobID: merged.JobID, State: merged.State})
		out = append(out, merged.Clone())
	}
	return out, nil
}

// runFilters shells out to each configured filter command in order,
// feeding the job spec as key=value argv and merging key=value stdout
// lines back into it. Non-zero exit of any filter rejects the submission.
func (m *Manager) runFilters(ctx context.Context, job *types.Job) (*types.Job, error) {
	merged := job.Clone()
	for _, filterCmd := range m.filterCmds {
		args := jobToArgs(merged)
		cmd := exec.CommandContext(ctx, filterCmd, args...)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("filter %s: %w", filterCmd, err)
		}
		applyFilterOutput(merged, stdout.String())
	}
	return merged, nil
}

func jobToArgs(j *types.Job) []string {
	return []string{
		"user=" + j.User,
		"queue=" + j.Queue,
		"nodes=" + strconv.Itoa(j.Nodes),
		"procs=" + strconv.Itoa(j.Procs),
		"mode=" + string(j.Mode),
		"walltime=" + strconv.Itoa(j.Walltime),
		"project=" + j.Project,
	}
}

func applyFilterOutput(j *types.Job, stdout string) {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key, val := kv[0], kv[1]
		switch key {
		case "queue":
			j.Queue = val
		case "project":
			j.Project = val
		case "walltime":
			if n, err := strconv.Atoi(val); err == nil {
				j.Walltime = n
			}
		}
	}
}

// DelJobs implements del_jobs(specs, user, force): polite signal-first
// deletion, with force transitioning straight to done.
func (m *Manager) DelJobs(ctx context.Context, specs []rpc.Spec, user string, force bool) (int, error) {
	m.mu.Lock()
	var targets []*types.Job
	for _, j := range m.jobs {
		for _, spec := range specs {
			if rpc.Match(spec, j, jobFields) {
				targets = append(targets, j)
				break
			}
		}
	}
	m.mu.Unlock()

	n := 0
	for _, j := range targets {
		switch j.State {
		case types.JobQueued, types.JobHold, types.JobUserHold, types.JobDepHold:
			m.mu.Lock()
			j.State = types.JobDone
			j.FailReason = "deleted before running"
			m.recordHistoryLocked(j)
			m.mu.Unlock()
			m.events.Publish(Event{JobID: j.JobID, State: types.JobDone})
			n++
		case types.JobRunning:
			if force {
				m.mu.Lock()
				j.State = types.JobDone
				j.FailReason = "force deleted"
				m.recordHistoryLocked(j)
				m.mu.Unlock()
				m.events.Publish(Event{JobID: j.JobID, State: types.JobDone})
			} else {
				if err := m.sm.SignalJob(ctx, j.JobID, "SIGINT"); err != nil {
					m.logger.Warn().Err(err).Int("jobid", j.JobID).Msg("signal on delete failed")
				}
				m.mu.Lock()
				j.State = types.JobKilling
				m.mu.Unlock()
			}
			n++
		case types.JobKilling:
			if force {
				m.mu.Lock()
				j.State = types.JobDone
				j.FailReason = "force deleted"
				m.recordHistoryLocked(j)
				m.mu.Unlock()
				m.events.Publish(Event{JobID: j.JobID, State: types.JobDone})
				n++
			}
		}
	}
	m.mu.Lock()
	m.refreshMetrics()
	m.persist()
	m.mu.Unlock()
	return n, nil
}

// MoveJobs implements move_jobs(specs, new_queue): only queued/held jobs
// may move.
func (m *Manager) MoveJobs(specs []rpc.Spec, newQueue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		matched := false
		for _, spec := range specs {
			if rpc.Match(spec, j, jobFields) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		switch j.State {
		case types.JobQueued, types.JobHold, types.JobUserHold, types.JobDepHold:
			j.Queue = newQueue
			n++
		default:
			return n, rpc.NewFault(rpc.FaultQueueJob, "job %d cannot move while %s", j.JobID, j.State)
		}
	}
	m.persist()
	return n, nil
}

// CanRun implements can_run(queuestate, job_attrs): a dry-run eligibility
// check exposed over RPC, independent of SCH.
func (m *Manager) CanRun(queue string, job *types.Job) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return false, "no such queue"
	}
	if q.State != types.QueueRunning {
		return false, fmt.Sprintf("queue %s is %s", queue, q.State)
	}
	if q.MaxTime > 0 && job.Walltime > q.MaxTime {
		return false, "walltime exceeds queue maxtime"
	}
	if q.MinTime > 0 && job.Walltime < q.MinTime {
		return false, "walltime below queue mintime"
	}
	if len(q.Users) > 0 && !contains(q.Users, job.User) {
		return false, "user not in queue acl"
	}
	if q.MaxUserJobs > 0 {
		count := 0
		for _, j := range m.jobs {
			if j.Queue == queue && j.User == job.User && j.State != types.JobDone {
				count++
			}
		}
		if count >= q.MaxUserJobs {
			return false, "user exceeds maxuserjobs"
		}
	}
	return true, ""
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Placement pairs one jobid with the partition the scheduler chose.
type Placement struct {
	JobID    int    `json:"jobid"`
	Location string `json:"location"`
}

// RunJobs implements run_jobs(specs, location_list): the critical path
// that hands placements to SM. Transient RPC errors leave jobs queued for
// the next tick; semantic faults mark the job done with a failure reason.
func (m *Manager) RunJobs(ctx context.Context, placements []Placement) error {
	for _, pl := range placements {
		m.mu.Lock()
		job, ok := m.jobs[pl.JobID]
		if !ok || job.State != types.JobQueued {
			m.mu.Unlock()
			continue
		}
		job.Location = pl.Location
		snapshot := job.Clone()
		m.mu.Unlock()

		err := m.sm.AddProcessGroup(ctx, snapshot)
		if err == nil {
			m.mu.Lock()
			job.State = types.JobRunning
			job.StartTime = time.Now()
			m.refreshMetrics()
			m.persist()
			m.mu.Unlock()
			m.events.Publish(Event{JobID: job.JobID, State: types.JobRunning})
			continue
		}

		var fault *rpc.Fault
		if f, ok := err.(*rpc.Fault); ok {
			fault = f
		}
		if fault != nil {
			m.mu.Lock()
			job.State = types.JobDone
			job.FailReason = fault.Message
			m.recordHistoryLocked(job)
			m.refreshMetrics()
			m.persist()
			m.mu.Unlock()
			m.events.Publish(Event{JobID: job.JobID, State: types.JobDone})
			continue
		}
		// transient: leave queued, retry next tick.
		m.logger.Warn().Err(err).Int("jobid", pl.JobID).Msg("run_jobs: transient SM error, retrying next tick")
	}
	return nil
}

// PollExits is the periodic task mirroring the system manager's reap
// loop: it drains wait_process_groups and finishes any running or killing
// job whose process group has exited.
func (m *Manager) PollExits(ctx context.Context) error {
	pgs, err := m.sm.WaitProcessGroups(ctx)
	if err != nil {
		return err
	}
	for _, pg := range pgs {
		m.mu.Lock()
		job, ok := m.jobs[pg.JobID]
		if !ok {
			m.mu.Unlock()
			m.logger.Warn().Int("jobid", pg.JobID).Msg("exit for unknown job")
			continue
		}
		switch job.State {
		case types.JobRunning, types.JobKilling:
			job.State = types.JobDone
			job.ExitStatus = pg.ExitStatus
			job.EndTime = time.Now()
			m.recordHistoryLocked(job)
			m.refreshMetrics()
			m.persist()
			m.mu.Unlock()
			m.events.Publish(Event{JobID: job.JobID, State: types.JobDone, ExitStatus: pg.ExitStatus})
		default:
			m.mu.Unlock()
			m.logger.Error().Int("jobid", pg.JobID).Str("state", string(job.State)).
				Msg("exit arrived for job in unexpected state")
		}
	}
	return nil
}

// ResolveDependencies drives the dependency state machine: a job in
// dep_hold moves to queued once every declared dependency is done with
// exit 0, or to dep_fail if any is done non-zero or vanished.
func (m *Manager) ResolveDependencies(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.State != types.JobDepHold {
			continue
		}
		deps := parseDependencies(j.AllDependencies)
		if len(deps) == 0 {
			j.State = types.JobQueued
			continue
		}
		if j.SatisfiedDependencies == nil {
			j.SatisfiedDependencies = make(map[int]bool)
		}

		failed := false
		allDone := true
		for _, depID := range deps {
			dep, ok := m.jobs[depID]
			if !ok {
				failed = true
				break
			}
			if dep.State != types.JobDone {
				allDone = false
				continue
			}
			// A nil exit status on a done job means it was deleted before
			// any exit arrived; that fails dependents just like a non-zero
			// exit does.
			if dep.ExitStatus == nil || *dep.ExitStatus != 0 {
				failed = true
				break
			}
			j.SatisfiedDependencies[depID] = true
		}

		if failed {
			j.State = types.JobDepFail
			j.FailReason = "dependency failed or was deleted"
			m.events.Publish(Event{JobID: j.JobID, State: j.State})
			continue
		}
		if allDone && len(j.SatisfiedDependencies) == len(deps) {
			j.State = types.JobQueued
			m.events.Publish(Event{JobID: j.JobID, State: j.State})
		}
	}
	m.refreshMetrics()
	m.persist()
	return nil
}

func parseDependencies(all string) []int {
	if all == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(all, ":") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
