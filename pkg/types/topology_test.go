package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func card(id string) *NodeCard { return &NodeCard{ID: id} }

// testTopology builds the shape used across these tests:
//
//	R00 (128): cards c0..c3
//	  R00-A (64): c0, c1     R00-B (64): c2, c3
//	    R00-A0 (32): c0        R00-B0 (32): c2
//
// R00-A and R00-B share switch s0 (wiring conflict).
func testTopology() *Topology {
	return NewTopology([]*Partition{
		{Name: "R00", Size: 128, Functional: true, Scheduled: true,
			NodeCards: []*NodeCard{card("c0"), card("c1"), card("c2"), card("c3")}, Switches: []string{"s0", "s1"}},
		{Name: "R00-A", Size: 64, Functional: true, Scheduled: true,
			NodeCards: []*NodeCard{card("c0"), card("c1")}, Switches: []string{"s0"}},
		{Name: "R00-B", Size: 64, Functional: true, Scheduled: true,
			NodeCards: []*NodeCard{card("c2"), card("c3")}, Switches: []string{"s0"}},
		{Name: "R00-A0", Size: 32, Functional: true, Scheduled: true,
			NodeCards: []*NodeCard{card("c0")}, Switches: nil},
		{Name: "R00-B0", Size: 32, Functional: true, Scheduled: true,
			NodeCards: []*NodeCard{card("c2")}, Switches: nil},
	})
}

func TestContainment(t *testing.T) {
	topo := testTopology()

	root, ok := topo.Get("R00")
	require.True(t, ok)
	assert.Empty(t, root.Parents)
	assert.ElementsMatch(t, []string{"R00-A", "R00-B", "R00-A0", "R00-B0"}, root.AllChildren)

	a, _ := topo.Get("R00-A")
	assert.ElementsMatch(t, []string{"R00"}, a.Parents)
	assert.ElementsMatch(t, []string{"R00-A0"}, a.Children)

	a0, _ := topo.Get("R00-A0")
	assert.ElementsMatch(t, []string{"R00", "R00-A"}, a0.Parents)
	assert.Empty(t, a0.AllChildren)
}

func TestWiringConflicts(t *testing.T) {
	topo := testTopology()

	a, _ := topo.Get("R00-A")
	assert.Equal(t, []string{"R00-B"}, a.WiringConflicts)
	b, _ := topo.Get("R00-B")
	assert.Equal(t, []string{"R00-A"}, b.WiringConflicts)

	// Different sizes never conflict, even sharing switches.
	root, _ := topo.Get("R00")
	assert.Empty(t, root.WiringConflicts)
}

func TestIsSchedulable(t *testing.T) {
	topo := testTopology()
	all := map[string]*Partition{}
	for _, p := range topo.All() {
		all[p.Name] = p
	}

	a, _ := topo.Get("R00-A")
	assert.True(t, a.IsSchedulable(all))

	// A non-functional descendant poisons every ancestor.
	a0, _ := topo.Get("R00-A0")
	a0.Functional = false
	assert.False(t, a.IsSchedulable(all))
	root, _ := topo.Get("R00")
	assert.False(t, root.IsSchedulable(all))
	b, _ := topo.Get("R00-B")
	assert.True(t, b.IsSchedulable(all), "sibling subtree unaffected")

	a0.Functional = true
	a.Scheduled = false
	assert.False(t, a.IsSchedulable(all))
}

func TestTopologyCloneIsDeep(t *testing.T) {
	topo := testTopology()
	cp := topo.Clone()

	orig, _ := topo.Get("R00-A")
	cloned, _ := cp.Get("R00-A")
	cloned.UsedBy = 99
	cloned.NodeCards[0].State = "down"

	assert.Zero(t, orig.UsedBy)
	assert.Empty(t, orig.NodeCards[0].State)
}

func TestReservationActiveWindow(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	t.Run("non-cyclic", func(t *testing.T) {
		r := &Reservation{Name: "r1", Start: base, Duration: 1800}
		start, end, ok := r.ActiveWindow(base.Add(10 * time.Minute))
		require.True(t, ok)
		assert.Equal(t, base, start)
		assert.Equal(t, base.Add(30*time.Minute), end)
	})

	t.Run("cyclic picks the covering occurrence", func(t *testing.T) {
		r := &Reservation{Name: "r2", Start: base, Duration: 600, Cycle: 3600}
		start, end, ok := r.ActiveWindow(base.Add(2*time.Hour + 5*time.Minute))
		require.True(t, ok)
		assert.Equal(t, base.Add(2*time.Hour), start)
		assert.Equal(t, base.Add(2*time.Hour+10*time.Minute), end)
	})

	t.Run("before start", func(t *testing.T) {
		r := &Reservation{Name: "r3", Start: base, Duration: 600, Cycle: 3600}
		_, _, ok := r.ActiveWindow(base.Add(-time.Minute))
		assert.False(t, ok)
	})

	t.Run("duration >= cycle is always active once started", func(t *testing.T) {
		r := &Reservation{Name: "r4", Start: base, Duration: 7200, Cycle: 3600}
		_, end, ok := r.ActiveWindow(base.Add(100 * time.Hour))
		require.True(t, ok)
		assert.True(t, end.IsZero())
	})
}
