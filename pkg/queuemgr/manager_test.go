package queuemgr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/storage"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeSystem is an in-memory SystemClient that records calls and replays
// scripted responses.
type fakeSystem struct {
	addErr    error
	signals   []string
	waitQueue []*types.ProcessGroup
}

func (f *fakeSystem) AddProcessGroup(ctx context.Context, job *types.Job) error { return f.addErr }

func (f *fakeSystem) SignalJob(ctx context.Context, jobid int, signal string) error {
	f.signals = append(f.signals, signal)
	return nil
}

func (f *fakeSystem) WaitProcessGroups(ctx context.Context) ([]*types.ProcessGroup, error) {
	pgs := f.waitQueue
	f.waitQueue = nil
	return pgs, nil
}

func newTestManager(t *testing.T, sm SystemClient) *Manager {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir, "queue-manager")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := New(sm, store, storage.NewSnapshotWriter(dir, "queue-manager"), nil)
	require.NoError(t, err)
	m.AddQueues([]*types.Queue{{Name: "default"}})
	return m
}

func submit(t *testing.T, m *Manager, job *types.Job) *types.Job {
	t.Helper()
	if job.Queue == "" {
		job.Queue = "default"
	}
	if job.User == "" {
		job.User = "alice"
	}
	added, err := m.AddJobs(context.Background(), []*types.Job{job})
	require.NoError(t, err)
	require.Len(t, added, 1)
	return added[0]
}

func TestAddJobsAssignsMonotonicIDs(t *testing.T) {
	m := newTestManager(t, &fakeSystem{})

	j1 := submit(t, m, &types.Job{Nodes: 32, Walltime: 10})
	j2 := submit(t, m, &types.Job{Nodes: 32, Walltime: 10})
	assert.Greater(t, j2.JobID, j1.JobID)
	assert.Equal(t, types.JobQueued, j1.State)
}

func TestAddJobsRejectsBadQueue(t *testing.T) {
	m := newTestManager(t, &fakeSystem{})

	_, err := m.AddJobs(context.Background(), []*types.Job{{Queue: "nope", Nodes: 32, Walltime: 10}})
	var fault *rpc.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, rpc.FaultQueueJob, fault.Code)

	m.SetQueues([]rpc.Spec{{"name": "default"}}, rpc.Spec{"state": string(types.QueueDraining)})
	_, err = m.AddJobs(context.Background(), []*types.Job{{Queue: "default", Nodes: 32, Walltime: 10}})
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, rpc.FaultDraining, fault.Code)
}

func TestSetJobsRejectsIllegalTransition(t *testing.T) {
	m := newTestManager(t, &fakeSystem{})
	j := submit(t, m, &types.Job{Nodes: 32, Walltime: 10})

	_, err := m.SetJobs([]rpc.Spec{{"jobid": j.JobID}}, rpc.Spec{"state": string(types.JobDone)})
	var fault *rpc.Fault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, rpc.FaultQueueJob, fault.Code)

	got := m.GetJobs([]rpc.Spec{{"jobid": j.JobID}})
	require.Len(t, got, 1)
	assert.Equal(t, types.JobQueued, got[0].State, "job unchanged after rejected transition")
}

func TestHoldReleaseCycle(t *testing.T) {
	m := newTestManager(t, &fakeSystem{})
	j := submit(t, m, &types.Job{Nodes: 32, Walltime: 10})
	spec := []rpc.Spec{{"jobid": j.JobID}}

	_, err := m.SetJobs(spec, rpc.Spec{"state": string(types.JobHold)})
	require.NoError(t, err)
	_, err = m.SetJobs(spec, rpc.Spec{"state": string(types.JobQueued)})
	require.NoError(t, err)

	got := m.GetJobs(spec)
	assert.Equal(t, types.JobQueued, got[0].State)
}

func TestSetJobIDOnlyIncreases(t *testing.T) {
	m := newTestManager(t, &fakeSystem{})
	submit(t, m, &types.Job{Nodes: 32, Walltime: 10})

	assert.Error(t, m.SetJobID(1))
	require.NoError(t, m.SetJobID(1000))
	j := submit(t, m, &types.Job{Nodes: 32, Walltime: 10})
	assert.Equal(t, 1000, j.JobID)
}

func TestRunJobsTransitions(t *testing.T) {
	sm := &fakeSystem{}
	m := newTestManager(t, sm)
	j := submit(t, m, &types.Job{Nodes: 64, Walltime: 30})

	require.NoError(t, m.RunJobs(context.Background(), []Placement{{JobID: j.JobID, Location: "R00-A"}}))
	got := m.GetJobs([]rpc.Spec{{"jobid": j.JobID}})
	assert.Equal(t, types.JobRunning, got[0].State)
	assert.Equal(t, "R00-A", got[0].Location)
	assert.False(t, got[0].StartTime.IsZero())
}

func TestRunJobsTransientErrorLeavesQueued(t *testing.T) {
	sm := &fakeSystem{addErr: errors.New("connection refused")}
	m := newTestManager(t, sm)
	j := submit(t, m, &types.Job{Nodes: 64, Walltime: 30})

	require.NoError(t, m.RunJobs(context.Background(), []Placement{{JobID: j.JobID, Location: "R00-A"}}))
	got := m.GetJobs([]rpc.Spec{{"jobid": j.JobID}})
	assert.Equal(t, types.JobQueued, got[0].State, "retried next tick")
}

func TestRunJobsFaultMarksDone(t *testing.T) {
	sm := &fakeSystem{addErr: rpc.NewFault(rpc.FaultQueueJob, "bad kernel")}
	m := newTestManager(t, sm)
	j := submit(t, m, &types.Job{Nodes: 64, Walltime: 30})

	require.NoError(t, m.RunJobs(context.Background(), []Placement{{JobID: j.JobID, Location: "R00-A"}}))
	got := m.GetJobs([]rpc.Spec{{"jobid": j.JobID}})
	assert.Equal(t, types.JobDone, got[0].State)
	assert.Contains(t, got[0].FailReason, "bad kernel")
}

func TestPollExitsFinishesJob(t *testing.T) {
	sm := &fakeSystem{}
	m := newTestManager(t, sm)
	j := submit(t, m, &types.Job{Nodes: 64, Walltime: 30})
	require.NoError(t, m.RunJobs(context.Background(), []Placement{{JobID: j.JobID, Location: "R00-A"}}))

	zero := 0
	sm.waitQueue = []*types.ProcessGroup{{ID: 1, JobID: j.JobID, ExitStatus: &zero}}
	require.NoError(t, m.PollExits(context.Background()))

	got := m.GetJobs([]rpc.Spec{{"jobid": j.JobID}})
	assert.Equal(t, types.JobDone, got[0].State)
	require.NotNil(t, got[0].ExitStatus)
	assert.Equal(t, 0, *got[0].ExitStatus)

	hist, err := m.GetHistory([]rpc.Spec{{"jobid": j.JobID}})
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestDependencyFlow(t *testing.T) {
	sm := &fakeSystem{}
	m := newTestManager(t, sm)
	ctx := context.Background()

	j1 := submit(t, m, &types.Job{Nodes: 64, Walltime: 30})
	j2 := submit(t, m, &types.Job{Nodes: 64, Walltime: 30, AllDependencies: itoa(j1.JobID)})
	assert.Equal(t, types.JobDepHold, j2.State)

	require.NoError(t, m.RunJobs(ctx, []Placement{{JobID: j1.JobID, Location: "R00-A"}}))
	require.NoError(t, m.ResolveDependencies(ctx))
	got := m.GetJobs([]rpc.Spec{{"jobid": j2.JobID}})
	assert.Equal(t, types.JobDepHold, got[0].State, "dependency still running")

	zero := 0
	sm.waitQueue = []*types.ProcessGroup{{ID: 1, JobID: j1.JobID, ExitStatus: &zero}}
	require.NoError(t, m.PollExits(ctx))
	require.NoError(t, m.ResolveDependencies(ctx))

	got = m.GetJobs([]rpc.Spec{{"jobid": j2.JobID}})
	assert.Equal(t, types.JobQueued, got[0].State)
}

func TestDependencyFailure(t *testing.T) {
	sm := &fakeSystem{}
	m := newTestManager(t, sm)
	ctx := context.Background()

	j1 := submit(t, m, &types.Job{Nodes: 64, Walltime: 30})
	j2 := submit(t, m, &types.Job{Nodes: 64, Walltime: 30, AllDependencies: itoa(j1.JobID)})

	require.NoError(t, m.RunJobs(ctx, []Placement{{JobID: j1.JobID, Location: "R00-A"}}))
	one := 1
	sm.waitQueue = []*types.ProcessGroup{{ID: 1, JobID: j1.JobID, ExitStatus: &one}}
	require.NoError(t, m.PollExits(ctx))
	require.NoError(t, m.ResolveDependencies(ctx))

	got := m.GetJobs([]rpc.Spec{{"jobid": j2.JobID}})
	assert.Equal(t, types.JobDepFail, got[0].State)
}

func TestDeletedDependencyFailsDependent(t *testing.T) {
	sm := &fakeSystem{}
	m := newTestManager(t, sm)
	ctx := context.Background()

	j1 := submit(t, m, &types.Job{Nodes: 64, Walltime: 30})
	j2 := submit(t, m, &types.Job{Nodes: 64, Walltime: 30, AllDependencies: itoa(j1.JobID)})

	// Delete the dependency before it ever runs: it reaches done with no
	// exit status, which must fail the dependent, not satisfy it.
	n, err := m.DelJobs(ctx, []rpc.Spec{{"jobid": j1.JobID}}, "alice", false)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, m.ResolveDependencies(ctx))

	got := m.GetJobs([]rpc.Spec{{"jobid": j2.JobID}})
	assert.Equal(t, types.JobDepFail, got[0].State)
}

func TestDelJobsPoliteThenForce(t *testing.T) {
	sm := &fakeSystem{}
	m := newTestManager(t, sm)
	ctx := context.Background()
	j := submit(t, m, &types.Job{Nodes: 64, Walltime: 30})
	require.NoError(t, m.RunJobs(ctx, []Placement{{JobID: j.JobID, Location: "R00-A"}}))

	n, err := m.DelJobs(ctx, []rpc.Spec{{"jobid": j.JobID}}, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"SIGINT"}, sm.signals)
	got := m.GetJobs([]rpc.Spec{{"jobid": j.JobID}})
	assert.Equal(t, types.JobKilling, got[0].State)

	// Polite delete again does nothing while killing; force finishes it.
	n, err = m.DelJobs(ctx, []rpc.Spec{{"jobid": j.JobID}}, "alice", false)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = m.DelJobs(ctx, []rpc.Spec{{"jobid": j.JobID}}, "alice", true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got = m.GetJobs([]rpc.Spec{{"jobid": j.JobID}})
	assert.Equal(t, types.JobDone, got[0].State)
}

func TestMoveJobsOnlyBeforeRunning(t *testing.T) {
	sm := &fakeSystem{}
	m := newTestManager(t, sm)
	ctx := context.Background()
	m.AddQueues([]*types.Queue{{Name: "debug"}})

	j := submit(t, m, &types.Job{Nodes: 32, Walltime: 10})
	n, err := m.MoveJobs([]rpc.Spec{{"jobid": j.JobID}}, "debug")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, m.RunJobs(ctx, []Placement{{JobID: j.JobID, Location: "R00-A"}}))
	_, err = m.MoveJobs([]rpc.Spec{{"jobid": j.JobID}}, "default")
	assert.Error(t, err)
}

func TestCanRun(t *testing.T) {
	m := newTestManager(t, &fakeSystem{})
	m.AddQueues([]*types.Queue{{Name: "short", MaxTime: 30, Users: []string{"alice"}}})

	ok, _ := m.CanRun("short", &types.Job{User: "alice", Walltime: 10})
	assert.True(t, ok)

	ok, reason := m.CanRun("short", &types.Job{User: "alice", Walltime: 60})
	assert.False(t, ok)
	assert.Contains(t, reason, "maxtime")

	ok, reason = m.CanRun("short", &types.Job{User: "mallory", Walltime: 10})
	assert.False(t, ok)
	assert.Contains(t, reason, "acl")

	ok, reason = m.CanRun("nope", &types.Job{User: "alice", Walltime: 10})
	assert.False(t, ok)
	assert.Contains(t, reason, "no such queue")
}

func TestReservationQueueLifecycle(t *testing.T) {
	m := newTestManager(t, &fakeSystem{})

	m.EnsureReservationQueue("maint", []string{"alice"})
	queues := m.GetQueues([]rpc.Spec{{"name": "R.maint"}})
	require.Len(t, queues, 1)
	assert.Equal(t, types.QueueRunning, queues[0].State)
	assert.Equal(t, []string{"alice"}, queues[0].Users)

	m.SetReservationQueueUsers("maint", []string{"alice", "bob"})
	queues = m.GetQueues([]rpc.Spec{{"name": "R.maint"}})
	assert.Len(t, queues[0].Users, 2)

	// Deleting a reservation queue marks it dead, preserving history.
	m.RetireReservationQueue("maint")
	queues = m.GetQueues([]rpc.Spec{{"name": "R.maint"}})
	require.Len(t, queues, 1)
	assert.Equal(t, types.QueueDead, queues[0].State)

	n, err := m.DelQueues([]rpc.Spec{{"name": "R.maint"}}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	queues = m.GetQueues([]rpc.Spec{{"name": "R.maint"}})
	require.Len(t, queues, 1, "reservation queues are never removed")
}

func TestStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir, "queue-manager")
	require.NoError(t, err)
	snap := storage.NewSnapshotWriter(dir, "queue-manager")

	m, err := New(&fakeSystem{}, store, snap, nil)
	require.NoError(t, err)
	m.AddQueues([]*types.Queue{{Name: "default"}})
	j := submit(t, m, &types.Job{Nodes: 32, Walltime: 10})
	require.NoError(t, store.Close())

	store2, err := storage.NewBoltStore(dir, "queue-manager")
	require.NoError(t, err)
	defer store2.Close()
	m2, err := New(&fakeSystem{}, store2, snap, nil)
	require.NoError(t, err)

	got := m2.GetJobs([]rpc.Spec{{"jobid": j.JobID}})
	require.Len(t, got, 1)
	assert.Equal(t, types.JobQueued, got[0].State)

	j2 := submit(t, m2, &types.Job{Nodes: 32, Walltime: 10})
	assert.Greater(t, j2.JobID, j.JobID, "jobid generator strictly monotone across restarts")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}
