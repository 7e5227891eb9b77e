package bridge

import (
	"context"
	"sync"

	"github.com/cobalt-rm/cobalt/pkg/types"
)

// Simulator is an in-memory Bridge: it holds the static partition
// inventory it was configured with and reports hardware state from its
// own allocate/free calls rather than talking to real interconnect
// hardware.
type Simulator struct {
	mu         sync.Mutex
	partitions map[string]*types.Partition
	states     map[string]HardwareState
}

// NewSimulator builds a Simulator pre-loaded with partitions.
func NewSimulator(partitions []*types.Partition) *Simulator {
	s := &Simulator{
		partitions: make(map[string]*types.Partition, len(partitions)),
		states:     make(map[string]HardwareState, len(partitions)),
	}
	for _, p := range partitions {
		s.partitions[p.Name] = p.Clone()
		s.states[p.Name] = HardwareState{Name: p.Name, State: types.PartIdle}
	}
	return s
}

func (s *Simulator) Enumerate(ctx context.Context) ([]*types.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Partition, 0, len(s.partitions))
	for _, p := range s.partitions {
		out = append(out, p.Clone())
	}
	return out, nil
}

func (s *Simulator) ReadState(ctx context.Context) (map[string]HardwareState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]HardwareState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out, nil
}

func (s *Simulator) Allocate(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return errPartitionUnknown(name)
	}
	st.State = types.PartAllocated
	s.states[name] = st
	return nil
}

func (s *Simulator) Free(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[name]
	if !ok {
		return errPartitionUnknown(name)
	}
	st.State = types.PartIdle
	s.states[name] = st
	return nil
}

// SetDiags marks diagnostics pending or failed on a partition, as the
// control system would report them.
func (s *Simulator) SetDiags(name string, pending, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[name]
	st.Name = name
	st.DiagsPending = pending
	st.DiagsFailed = failed
	s.states[name] = st
}

// SetOffline marks hardware elements of a partition down.
func (s *Simulator) SetOffline(name string, nodeCards, switches []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[name]
	st.Name = name
	st.OfflineNodeCards = nodeCards
	st.OfflineSwitches = switches
	s.states[name] = st
}

type errPartitionUnknown string

func (e errPartitionUnknown) Error() string { return "bridge: unknown partition " + string(e) }
