// Package queuemgr implements the queue manager: authoritative job and
// queue state, the job lifecycle state machine, dependency resolution,
// and the filter-command pipeline. One coarse mutex serializes every
// mutation; periodic tasks (exit polling, dependency resolution)
// interleave with RPC dispatch under it.
package queuemgr

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/metrics"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/storage"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// validTransitions enumerates the allowed job-state edges. Any set_jobs
// request naming an edge not here fails with fault 30.
var validTransitions = map[types.JobState]map[types.JobState]bool{
	types.JobQueued:   {types.JobHold: true, types.JobUserHold: true, types.JobRunning: true},
	types.JobHold:     {types.JobQueued: true},
	types.JobUserHold: {types.JobQueued: true},
	types.JobDepHold:  {types.JobQueued: true, types.JobDepFail: true},
	types.JobRunning:  {types.JobKilling: true, types.JobDone: true},
	types.JobKilling:  {types.JobDone: true},
}

// Manager is QM's in-process state.
type Manager struct {
	mu sync.Mutex

	jobs      map[int]*types.Job
	queues    map[string]*types.Queue
	nextJobID int

	filterCmds []string
	sm         SystemClient
	store      storage.KV
	snap       *storage.SnapshotWriter
	events     *EventHub
	logger     zerolog.Logger
}

type snapshot struct {
	Jobs      map[int]*types.Job      `json:"jobs"`
	Queues    map[string]*types.Queue `json:"queues"`
	NextJobID int                     `json:"next_jobid"`
}

// New builds a Manager, restoring from snap if present.
func New(sm SystemClient, store storage.KV, snap *storage.SnapshotWriter, filterCmds []string) (*Manager, error) {
	m := &Manager{
		jobs:       make(map[int]*types.Job),
		queues:     make(map[string]*types.Queue),
		nextJobID:  1,
		filterCmds: filterCmds,
		sm:         sm,
		store:      store,
		snap:       snap,
		events:     NewEventHub(),
		logger:     log.WithComponent("qm"),
	}

	var snap2 snapshot
	if ok, err := m.snap.Restore(&snap2); err == nil && ok {
		if snap2.Jobs != nil {
			m.jobs = snap2.Jobs
		}
		if snap2.Queues != nil {
			m.queues = snap2.Queues
		}
		if snap2.NextJobID > 0 {
			m.nextJobID = snap2.NextJobID
		}
	}
	return m, nil
}

func (m *Manager) persist() {
	s := snapshot{Jobs: m.jobs, Queues: m.queues, NextJobID: m.nextJobID}
	if err := m.snap.Write(s); err != nil {
		m.logger.Error().Err(err).Msg("persist qm state failed")
	}
}

// ---- Queues ----

var queueFields = rpc.Fields[types.Queue]{
	"name":     func(q *types.Queue) any { return q.Name },
	"state":    func(q *types.Queue) any { return string(q.State) },
	"policy":   func(q *types.Queue) any { return string(q.Policy) },
	"priority": func(q *types.Queue) any { return q.Priority },
}

var queueSetters = rpc.Setters[types.Queue]{
	"state":        func(q *types.Queue, v any) { s, _ := v.(string); q.State = types.QueueState(s) },
	"policy":       func(q *types.Queue, v any) { s, _ := v.(string); q.Policy = types.QueuePolicy(s) },
	"priority":     func(q *types.Queue, v any) { n, _ := v.(float64); q.Priority = int(n) },
	"maxtime":      func(q *types.Queue, v any) { n, _ := v.(float64); q.MaxTime = int(n) },
	"mintime":      func(q *types.Queue, v any) { n, _ := v.(float64); q.MinTime = int(n) },
	"maxuserjobs":  func(q *types.Queue, v any) { n, _ := v.(float64); q.MaxUserJobs = int(n) },
	"maxqueued":    func(q *types.Queue, v any) { n, _ := v.(float64); q.MaxQueued = int(n) },
	"maxrunning":   func(q *types.Queue, v any) { n, _ := v.(float64); q.MaxRunning = int(n) },
	"maxusernodes": func(q *types.Queue, v any) { n, _ := v.(float64); q.MaxUserNodes = int(n) },
	"totalnodes":   func(q *types.Queue, v any) { n, _ := v.(float64); q.TotalNodes = int(n) },
	"adminemail":   func(q *types.Queue, v any) { s, _ := v.(string); q.AdminEmail = s },
	"cron":         func(q *types.Queue, v any) { s, _ := v.(string); q.Cron = s },
}

// AddQueues implements add_queues.
func (m *Manager) AddQueues(queues []*types.Queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range queues {
		if q.State == "" {
			q.State = types.QueueRunning
		}
		if q.Policy == "" {
			q.Policy = types.PolicyDefault
		}
		m.queues[q.Name] = q
	}
	m.persist()
}

// DelQueues implements del_queues(specs, force). Reservation shadow
// queues are marked dead rather than removed, preserving their history.
// Without force, any matched queue (reservation shadow queues included)
// that still holds a job not yet done is rejected.
func (m *Manager) DelQueues(specs []rpc.Spec, force bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		matched := false
		for _, spec := range specs {
			if rpc.Match(spec, q, queueFields) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if !force && m.hasActiveJobs(q.Name) {
			return n, fmt.Errorf("queue %q has active jobs", q.Name)
		}
		if q.IsReservationQueue() {
			q.State = types.QueueDead
		} else {
			delete(m.queues, q.Name)
		}
		n++
	}
	m.persist()
	return n, nil
}

func (m *Manager) hasActiveJobs(queue string) bool {
	for _, j := range m.jobs {
		if j.Queue == queue && j.State != types.JobDone {
			return true
		}
	}
	return false
}

// GetQueues implements get_queues.
func (m *Manager) GetQueues(specs []rpc.Spec) []*types.Queue {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Queue
	for _, q := range m.queues {
		for _, spec := range specs {
			if rpc.Match(spec, q, queueFields) {
				cp := *q
				out = append(out, &cp)
				break
			}
		}
	}
	return out
}

// SetQueues implements set_queues.
func (m *Manager) SetQueues(specs []rpc.Spec, updates rpc.Spec) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.queues {
		for _, spec := range specs {
			if rpc.Match(spec, q, queueFields) {
				rpc.Apply(updates, q, queueSetters)
				n++
				break
			}
		}
	}
	m.persist()
	return n
}

// EnsureReservationQueue creates or revives the shadow queue R.<name>,
// called by the scheduler's reservation CRUD.
func (m *Manager) EnsureReservationQueue(name string, users []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qname := types.ReservationQueueName(name)
	q, ok := m.queues[qname]
	if !ok {
		q = &types.Queue{Name: qname, Policy: types.PolicyDefault}
		m.queues[qname] = q
	}
	q.State = types.QueueRunning
	q.Users = users
	m.persist()
}

// RetireReservationQueue marks R.<name> dead, called when a reservation
// is deleted.
func (m *Manager) RetireReservationQueue(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[types.ReservationQueueName(name)]; ok {
		q.State = types.QueueDead
		m.persist()
	}
}

// SetReservationQueueUsers updates R.<name>'s acl, called on set_reservation.
func (m *Manager) SetReservationQueueUsers(name string, users []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[types.ReservationQueueName(name)]; ok {
		q.Users = users
		m.persist()
	}
}

// ---- Jobs: query surface ----

var jobFields = rpc.Fields[types.Job]{
	"jobid":    func(j *types.Job) any { return j.JobID },
	"user":     func(j *types.Job) any { return j.User },
	"queue":    func(j *types.Job) any { return j.Queue },
	"state":    func(j *types.Job) any { return string(j.State) },
	"mode":     func(j *types.Job) any { return string(j.Mode) },
	"location": func(j *types.Job) any { return j.Location },
}

var jobSetters = rpc.Setters[types.Job]{
	"queue":    func(j *types.Job, v any) { s, _ := v.(string); j.Queue = s },
	"user":     func(j *types.Job, v any) { s, _ := v.(string); j.User = s },
	"location": func(j *types.Job, v any) { s, _ := v.(string); j.Location = s },
	"walltime": func(j *types.Job, v any) { n, _ := v.(float64); j.Walltime = int(n) },
}

// GetJobs implements get_jobs.
func (m *Manager) GetJobs(specs []rpc.Spec) []*types.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Job
	for _, j := range m.jobs {
		for _, spec := range specs {
			if rpc.Match(spec, j, jobFields) {
				out = append(out, j.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FifoKey() < out[k].FifoKey() })
	return out
}

// SetJobs implements set_jobs: state transitions are checked against
// validTransitions; any other field is merged freely. A disallowed state
// transition leaves the job unchanged and returns fault 30 for that job.
func (m *Manager) SetJobs(specs []rpc.Spec, updates rpc.Spec) (int, error) {
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
		if rawState, ok := updates["state"]; ok {
			newState := types.JobState(fmt.Sprint(rawState))
			if !validTransitions[j.State][newState] {
				return n, rpc.NewFault(rpc.FaultQueueJob, "invalid transition %s -> %s for job %d", j.State, newState, j.JobID)
			}
		}
		rpc.Apply(updates, j, jobSetters)
		if rawState, ok := updates["state"]; ok {
			j.State = types.JobState(fmt.Sprint(rawState))
			if j.State == types.JobDone {
				m.recordHistoryLocked(j)
			}
			m.events.Publish(Event{JobID: j.JobID, State: j.State, ExitStatus: j.ExitStatus})
		}
		n++
	}
	m.refreshMetrics()
	m.persist()
	return n, nil
}

// SetJobID implements set_jobid(next): the generator may only move
// forward, so restarts and admin resets never reissue a jobid.
func (m *Manager) SetJobID(next int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next <= m.nextJobID {
		return fmt.Errorf("next jobid %d must exceed current %d", next, m.nextJobID)
	}
	m.nextJobID = next
	m.persist()
	return nil
}

func (m *Manager) refreshMetrics() {
	metrics.JobsTotal.Reset()
	for _, j := range m.jobs {
		metrics.JobsTotal.WithLabelValues(string(j.State)).Inc()
	}
}

func (m *Manager) forEachJobLocked(fn func(*types.Job)) {
	for _, j := range m.jobs {
		fn(j)
	}
}
