package sysmgr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobalt-rm/cobalt/pkg/bridge"
	"github.com/cobalt-rm/cobalt/pkg/forker"
	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/storage"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeBridge reports whatever hardware state the test scripts and records
// Free calls.
type fakeBridge struct {
	parts []*types.Partition
	state map[string]types.PartitionState
	hw    map[string]bridge.HardwareState // diags and element health overlay
	freed []string
}

func (b *fakeBridge) Enumerate(ctx context.Context) ([]*types.Partition, error) {
	out := make([]*types.Partition, 0, len(b.parts))
	for _, p := range b.parts {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (b *fakeBridge) ReadState(ctx context.Context) (map[string]bridge.HardwareState, error) {
	out := make(map[string]bridge.HardwareState, len(b.state)+len(b.hw))
	for name, st := range b.hw {
		st.Name = name
		out[name] = st
	}
	for name, st := range b.state {
		e := out[name]
		e.Name = name
		e.State = st
		out[name] = e
	}
	return out, nil
}

func (b *fakeBridge) Allocate(ctx context.Context, name string) error { return nil }

func (b *fakeBridge) Free(ctx context.Context, name string) error {
	b.freed = append(b.freed, name)
	b.state[name] = types.PartIdle
	return nil
}

// fakeForker scripts Start results and records signals/cleanups. A
// started pid runs until the test sets its status (exit) or marks it
// gone (vanished without a trace).
type fakeForker struct {
	nextPID  int
	startErr error
	statuses map[int]*forker.Status
	gone     map[int]bool
	signals  []string
	cleaned  []int
}

func (f *fakeForker) Start(ctx context.Context, spec forker.Spec) (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	f.nextPID++
	f.statuses[f.nextPID] = nil
	return f.nextPID, nil
}

func (f *fakeForker) Signal(ctx context.Context, pid int, name string) error {
	f.signals = append(f.signals, name)
	return nil
}

func (f *fakeForker) GetStatus(ctx context.Context, pid int) (*forker.Status, error) {
	if f.gone[pid] {
		return nil, nil
	}
	return f.statuses[pid], nil
}

func (f *fakeForker) GetChildren(ctx context.Context) ([]forker.Child, error) {
	var out []forker.Child
	for pid, st := range f.statuses {
		if f.gone[pid] {
			continue
		}
		out = append(out, forker.Child{ID: pid, PID: pid, Complete: st != nil, Status: st})
	}
	return out, nil
}

func (f *fakeForker) CleanupChildren(ctx context.Context, ids []int) error {
	f.cleaned = append(f.cleaned, ids...)
	return nil
}

func (f *fakeForker) ActiveList(ctx context.Context) ([]int, error) {
	var out []int
	for pid, st := range f.statuses {
		if st == nil && !f.gone[pid] {
			out = append(out, pid)
		}
	}
	return out, nil
}

func card(id string) *types.NodeCard { return &types.NodeCard{ID: id} }

func testPartitions() []*types.Partition {
	return []*types.Partition{
		{Name: "R00", Size: 128, Functional: true, Scheduled: true, Queue: "default",
			NodeCards: []*types.NodeCard{card("c0"), card("c1"), card("c2"), card("c3")}, Switches: []string{"s0", "s1"}},
		{Name: "R00-A", Size: 64, Functional: true, Scheduled: true, Queue: "default",
			NodeCards: []*types.NodeCard{card("c0"), card("c1")}, Switches: []string{"s0"}},
		{Name: "R00-B", Size: 64, Functional: true, Scheduled: true, Queue: "default",
			NodeCards: []*types.NodeCard{card("c2"), card("c3")}, Switches: []string{"s0"}},
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeBridge, *fakeForker) {
	t.Helper()
	br := &fakeBridge{
		parts: testPartitions(),
		state: map[string]types.PartitionState{},
		hw:    map[string]bridge.HardwareState{},
	}
	ff := &fakeForker{statuses: map[int]*forker.Status{}, gone: map[int]bool{}}
	dir := t.TempDir()
	store, err := storage.NewBoltStore(dir, "system")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := New(br, Forkers{UserScript: ff, BGMPIRun: ff}, store,
		storage.NewSnapshotWriter(dir, "system"),
		Config{MaxNodes: 128, VNModeMultiplier: 2})
	require.NoError(t, err)
	return m, br, ff
}

func TestValidateJob(t *testing.T) {
	m, _, _ := newTestManager(t)

	good := &types.Job{Nodes: 64, Procs: 64, Mode: types.ModeCo, Walltime: 30}
	assert.NoError(t, m.ValidateJob(good))

	tests := []struct {
		name string
		job  types.Job
	}{
		{"zero nodes", types.Job{Nodes: 0, Mode: types.ModeCo, Walltime: 30}},
		{"over system max", types.Job{Nodes: 256, Mode: types.ModeCo, Walltime: 30}},
		{"walltime too short", types.Job{Nodes: 64, Mode: types.ModeCo, Walltime: 4}},
		{"unknown mode", types.Job{Nodes: 64, Mode: "quantum", Walltime: 30}},
		{"vn proccount over bound", types.Job{Nodes: 64, Procs: 200, Mode: types.ModeVN, Walltime: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, m.ValidateJob(&tt.job))
		})
	}
}

func TestReserveResourcesUntil(t *testing.T) {
	m, _, _ := newTestManager(t)
	until := time.Now().Add(time.Hour)

	// Adoption.
	require.NoError(t, m.ReserveResourcesUntil("R00-A", &until, 100))
	parts := m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	require.Len(t, parts, 1)
	assert.Equal(t, 100, parts[0].UsedBy)
	assert.Equal(t, types.PartAllocated, parts[0].State)

	// Extension is monotonic: an earlier deadline never rewinds.
	earlier := until.Add(-30 * time.Minute)
	require.NoError(t, m.ReserveResourcesUntil("R00-A", &earlier, 100))
	parts = m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.Equal(t, until.Unix(), parts[0].ReservedUntil.Unix())

	later := until.Add(time.Hour)
	require.NoError(t, m.ReserveResourcesUntil("R00-A", &later, 100))
	parts = m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.Equal(t, later.Unix(), parts[0].ReservedUntil.Unix())

	// Another job is rejected; a stranger cannot release either.
	assert.Error(t, m.ReserveResourcesUntil("R00-A", &later, 200))
	assert.Error(t, m.ReserveResourcesUntil("R00-A", nil, 200))

	// Owner releases.
	require.NoError(t, m.ReserveResourcesUntil("R00-A", nil, 100))
	parts = m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.Zero(t, parts[0].UsedBy)
	assert.True(t, parts[0].ReservedUntil.IsZero())

	assert.Error(t, m.ReserveResourcesUntil("nope", &until, 100))
}

func TestStateUpdateDerivesBlocked(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	until := time.Now().Add(time.Hour)
	require.NoError(t, m.ReserveResourcesUntil("R00-A", &until, 100))

	require.NoError(t, m.StateUpdate(ctx))

	get := func(name string) *types.Partition {
		parts := m.GetPartitions([]rpc.Spec{{"name": name}})
		require.Len(t, parts, 1)
		return parts[0]
	}
	assert.Equal(t, types.PartAllocated, get("R00-A").State)
	assert.Equal(t, types.PartitionState("blocked"), get("R00").State)
	assert.Equal(t, "(R00-A)", get("R00").StateDetail)
	// R00-B holds no shared node cards but shares switch s0 at equal size.
	assert.Equal(t, types.PartitionState("blocked-wiring"), get("R00-B").State)
}

func TestStateUpdateDiagsAndOffline(t *testing.T) {
	m, br, _ := newTestManager(t)
	ctx := context.Background()

	get := func(name string) *types.Partition {
		parts := m.GetPartitions([]rpc.Spec{{"name": name}})
		require.Len(t, parts, 1)
		return parts[0]
	}

	// Pending diagnostics block the partition itself and propagate to its
	// relatives.
	br.hw["R00-A"] = bridge.HardwareState{DiagsPending: true}
	require.NoError(t, m.StateUpdate(ctx))
	assert.Equal(t, types.PartitionState("blocked by pending diags"), get("R00-A").State)
	assert.Equal(t, types.PartitionState("blocked by pending diags"), get("R00").State)
	assert.Equal(t, "(R00-A)", get("R00").StateDetail)

	// Failed diagnostics outrank pending on the partition itself.
	br.hw["R00-A"] = bridge.HardwareState{DiagsPending: true, DiagsFailed: true}
	require.NoError(t, m.StateUpdate(ctx))
	assert.Equal(t, types.PartitionState("failed diags"), get("R00-A").State)
	assert.Equal(t, types.PartitionState("blocked by failed diags"), get("R00").State)

	// An occupied relative still takes priority over diagnostics.
	until := time.Now().Add(time.Hour)
	require.NoError(t, m.ReserveResourcesUntil("R00-B", &until, 200))
	require.NoError(t, m.StateUpdate(ctx))
	assert.Equal(t, types.PartitionState("blocked"), get("R00").State)
	require.NoError(t, m.ReserveResourcesUntil("R00-B", nil, 200))

	// Offline hardware surfaces per element and is mirrored onto the
	// node cards; diag states clear first.
	delete(br.hw, "R00-A")
	br.hw["R00-B"] = bridge.HardwareState{OfflineNodeCards: []string{"c2"}}
	require.NoError(t, m.StateUpdate(ctx))
	b := get("R00-B")
	assert.Equal(t, types.PartitionState("hardware offline: nodecard c2"), b.State)
	require.NotEmpty(t, b.NodeCards)
	assert.Equal(t, "offline", b.NodeCards[0].State)

	br.hw["R00-B"] = bridge.HardwareState{OfflineSwitches: []string{"s0"}}
	require.NoError(t, m.StateUpdate(ctx))
	b = get("R00-B")
	assert.Equal(t, types.PartitionState("hardware offline: switch s0"), b.State)
	assert.Empty(t, b.NodeCards[0].State, "node card recovers once no longer reported down")
}

func TestStateUpdateMirrorsBusy(t *testing.T) {
	m, br, _ := newTestManager(t)
	br.state["R00-A"] = types.PartBusy

	require.NoError(t, m.StateUpdate(context.Background()))
	parts := m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.Equal(t, types.PartBusy, parts[0].State)
}

func TestStateUpdateClearsExpiredReservation(t *testing.T) {
	m, _, _ := newTestManager(t)
	past := time.Now().Add(-time.Minute)
	require.NoError(t, m.ReserveResourcesUntil("R00-A", &past, 100))

	require.NoError(t, m.StateUpdate(context.Background()))
	parts := m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.True(t, parts[0].ReservedUntil.IsZero())
	assert.Zero(t, parts[0].ReservedBy)
}

func TestAddProcessGroupReserveFirstFailure(t *testing.T) {
	m, _, _ := newTestManager(t)

	// Unknown partition: the reserve step fails, so no process spawns and
	// the pg fails immediately with 255.
	pgs, err := m.AddProcessGroups(context.Background(), []ProcessGroupSpec{{
		JobID: 100, Location: "nope", Mode: types.ModeCo, Walltime: 30, Executable: "/bin/true",
	}})
	require.NoError(t, err)
	require.Len(t, pgs, 1)
	require.NotNil(t, pgs[0].ExitStatus)
	assert.Equal(t, 255, *pgs[0].ExitStatus)
}

func TestAddProcessGroupStartsAndReaps(t *testing.T) {
	m, br, ff := newTestManager(t)
	ctx := context.Background()

	pgs, err := m.AddProcessGroups(ctx, []ProcessGroupSpec{{
		JobID: 100, User: "alice", Location: "R00-A", Mode: types.ModeCo,
		Walltime: 30, KillTime: 5, Executable: "/bin/true",
	}})
	require.NoError(t, err)
	require.Len(t, pgs, 1)
	require.NotNil(t, pgs[0].HeadPID)
	assert.Nil(t, pgs[0].ExitStatus)

	parts := m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.Equal(t, 100, parts[0].UsedBy)

	// Head process exits with 0; the reap poll records it, drops the
	// reservation deadline, and marks the partition for cleanup.
	pid := *pgs[0].HeadPID
	zero := 0
	ff.statuses[pid] = &forker.Status{ExitStatus: &zero}
	require.NoError(t, m.ReapPoll(ctx))

	got := m.GetProcessGroups([]rpc.Spec{{"jobid": 100}})
	require.Len(t, got, 1)
	require.NotNil(t, got[0].ExitStatus)
	assert.Equal(t, 0, *got[0].ExitStatus)
	assert.NotEmpty(t, ff.cleaned)

	parts = m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.True(t, parts[0].CleanupPending)
	assert.Equal(t, 100, parts[0].UsedBy, "held through cleanup")

	// Control system still shows activity: first pass destroys, second
	// pass (hardware quiet) completes cleanup.
	br.state["R00-A"] = types.PartBusy
	require.NoError(t, m.StateUpdate(ctx))
	parts = m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.Equal(t, types.PartCleanup, parts[0].State)
	assert.Contains(t, br.freed, "R00-A")

	require.NoError(t, m.StateUpdate(ctx))
	parts = m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.Equal(t, types.PartIdle, parts[0].State)
	assert.False(t, parts[0].CleanupPending)
	assert.Zero(t, parts[0].UsedBy)

	// wait_process_groups consumes the finished pg.
	waited := m.WaitProcessGroups([]rpc.Spec{{"jobid": 100}})
	assert.Len(t, waited, 1)
	assert.Empty(t, m.GetProcessGroups([]rpc.Spec{{"jobid": 100}}))
}

func TestReapVanishedHeadPIDQuarantines(t *testing.T) {
	m, _, ff := newTestManager(t)
	ctx := context.Background()

	pgs, err := m.AddProcessGroups(ctx, []ProcessGroupSpec{{
		JobID: 100, Location: "R00-A", Mode: types.ModeCo, Walltime: 30, Executable: "/bin/true",
	}})
	require.NoError(t, err)

	// The head pid vanished from the forker without any status.
	ff.gone[*pgs[0].HeadPID] = true
	require.NoError(t, m.ReapPoll(ctx))

	got := m.GetProcessGroups([]rpc.Spec{{"id": pgs[0].ID}})
	require.Len(t, got, 1)
	require.NotNil(t, got[0].ExitStatus)
	assert.Equal(t, 1234567, *got[0].ExitStatus)
}

func TestSignalProcessGroups(t *testing.T) {
	m, _, ff := newTestManager(t)
	ctx := context.Background()

	_, err := m.AddProcessGroups(ctx, []ProcessGroupSpec{{
		JobID: 100, Location: "R00-A", Mode: types.ModeCo, Walltime: 30, Executable: "/bin/true",
	}})
	require.NoError(t, err)

	n := m.SignalProcessGroups(ctx, []rpc.Spec{{"jobid": 100}}, "SIGINT")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"SIGINT"}, ff.signals)
}

func TestSetPartitionsFlags(t *testing.T) {
	m, _, _ := newTestManager(t)

	n := m.SetPartitions([]rpc.Spec{{"name": "R00-A"}}, rpc.Spec{"scheduled": false})
	assert.Equal(t, 1, n)
	parts := m.GetPartitions([]rpc.Spec{{"name": "R00-A"}})
	assert.False(t, parts[0].Scheduled)

	n = m.SetPartitions([]rpc.Spec{{"name": "*"}}, rpc.Spec{"queue": "debug"})
	assert.Equal(t, 3, n)
}
