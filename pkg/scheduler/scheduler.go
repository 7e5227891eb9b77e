// Package scheduler implements the scheduler: pure placement policy over
// foreign views of the queue manager's jobs/queues and the system
// manager's partitions, plus the reservation subsystem that owns named
// reservations and their R.<name> shadow queues. Every tick it
// synchronizes the three foreign datasets, computes placements against a
// snapshot, and hands them to the queue manager.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/cobalt-rm/cobalt/pkg/log"
	"github.com/cobalt-rm/cobalt/pkg/metrics"
	"github.com/cobalt-rm/cobalt/pkg/queuemgr"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/storage"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// QMClient is the slice of QM's exposed surface SCH depends on.
type QMClient interface {
	GetJobs(ctx context.Context) ([]*types.Job, error)
	GetQueues(ctx context.Context) ([]*types.Queue, error)
	RunJobs(ctx context.Context, placements []queuemgr.Placement) error

	EnsureReservationQueue(ctx context.Context, name string, users []string) error
	RetireReservationQueue(ctx context.Context, name string) error
	SetReservationQueueUsers(ctx context.Context, name string, users []string) error
}

// SMClient is the slice of SM's exposed surface SCH depends on.
type SMClient interface {
	GetPartitions(ctx context.Context) ([]*types.Partition, error)
}

// Config tunes the scheduling pass.
type Config struct {
	// MaxDrainHours caps the drain window a backfill pass may open; 0
	// means unbounded (the historical default).
	MaxDrainHours int
}

// Scheduler is SCH's in-process state.
type Scheduler struct {
	mu sync.Mutex

	reservations map[string]*types.Reservation
	nextResID    int

	jobs       *rpc.ForeignDataDict[*types.Job]
	queues     *rpc.ForeignDataDict[*types.Queue]
	partitions *rpc.ForeignDataDict[*types.Partition]

	qm     QMClient
	cfg    Config
	snap   *storage.SnapshotWriter
	logger zerolog.Logger

	syncFailure *rpc.FailureMode
}

type snapshot struct {
	Reservations map[string]*types.Reservation `json:"reservations"`
	NextResID    int                           `json:"next_res_id"`
}

// New builds a Scheduler, restoring reservations from snap if present.
func New(qm QMClient, sm SMClient, snap *storage.SnapshotWriter, cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		reservations: make(map[string]*types.Reservation),
		nextResID:    1,
		qm:           qm,
		cfg:          cfg,
		snap:         snap,
		logger:       log.WithComponent("sched"),
		syncFailure:  rpc.NewFailureMode(log.Logger, "sched-foreign-sync"),
	}

	s.jobs = rpc.NewForeignDataDict(
		func() ([]*types.Job, error) { return qm.GetJobs(context.Background()) },
		func(j *types.Job) string { return itoa(j.JobID) },
		func(j *types.Job) *types.Job { return j.Clone() },
		func(dst **types.Job, src *types.Job) {
			d := *dst
			d.State = src.State
			d.Queue = src.Queue
			d.User = src.User
			d.Nodes = src.Nodes
			d.Walltime = src.Walltime
			d.Location = src.Location
			d.Index = src.Index
			d.StartTime = src.StartTime
		},
	)
	s.queues = rpc.NewForeignDataDict(
		func() ([]*types.Queue, error) { return qm.GetQueues(context.Background()) },
		func(q *types.Queue) string { return q.Name },
		func(q *types.Queue) *types.Queue { cp := *q; return &cp },
		func(dst **types.Queue, src *types.Queue) {
			d := *dst
			d.State = src.State
			d.Policy = src.Policy
			d.Priority = src.Priority
			d.Users = src.Users
		},
	)
	s.partitions = rpc.NewForeignDataDict(
		func() ([]*types.Partition, error) { return sm.GetPartitions(context.Background()) },
		func(p *types.Partition) string { return p.Name },
		func(p *types.Partition) *types.Partition { return p.Clone() },
		func(dst **types.Partition, src *types.Partition) {
			d := *dst
			d.State = src.State
			d.StateDetail = src.StateDetail
			d.Scheduled = src.Scheduled
			d.Functional = src.Functional
			d.Queue = src.Queue
			d.UsedBy = src.UsedBy
			d.ReservedBy = src.ReservedBy
			d.ReservedUntil = src.ReservedUntil
			d.CleanupPending = src.CleanupPending
			d.NodeCards = src.NodeCards
			d.Switches = src.Switches
		},
	)

	var st snapshot
	if ok, err := snap.Restore(&st); err == nil && ok {
		if st.Reservations != nil {
			s.reservations = st.Reservations
		}
		if st.NextResID > 0 {
			s.nextResID = st.NextResID
		}
	}
	metrics.ReservationsTotal.Set(float64(len(s.reservations)))

	return s, nil
}

func itoa(n int) string {
	// small positive ints only (jobids); avoids a strconv import spread
	// across every keyOf closure
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Scheduler) persist() {
	st := snapshot{Reservations: s.reservations, NextResID: s.nextResID}
	if err := s.snap.Write(st); err != nil {
		s.logger.Error().Err(err).Msg("persist reservations failed")
	}
}

// Schedule is the periodic task driving one scheduling tick: sync the
// three foreign datasets, compute placements against a consistent
// snapshot, and hand them to the queue manager.
func (s *Scheduler) Schedule(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScheduleCycleDuration)

	failed := false
	for _, d := range []interface{ Sync() error }{s.jobs, s.queues, s.partitions} {
		if err := d.Sync(); err != nil {
			failed = true
		}
	}
	if failed {
		// A stale view must not place jobs; skip this cycle.
		s.syncFailure.Fail(errSyncFailed)
		return nil
	}
	s.syncFailure.Pass()

	s.mu.Lock()
	in := tickInput{
		Now:          time.Now(),
		Jobs:         s.jobs.Items(),
		Queues:       s.queues.Items(),
		Partitions: lo.Map(s.partitions.Items(), func(p *types.Partition, _ int) *types.Partition { return p.Clone() }),
		Reservations: lo.Map(lo.Values(s.reservations), func(r *types.Reservation, _ int) *types.Reservation {
			cp := *r
			return &cp
		}),
		MaxDrain:     time.Duration(s.cfg.MaxDrainHours) * time.Hour,
	}
	s.mu.Unlock()

	placements := computePlacements(in)
	if len(placements) == 0 {
		return nil
	}

	for _, pl := range placements {
		s.logger.Info().Int("jobid", pl.JobID).Str("partition", pl.Location).Msg("placing job")
	}
	if err := s.qm.RunJobs(ctx, placements); err != nil {
		// Transient; the placements are recomputed from fresh state next
		// tick, so nothing needs unwinding here.
		s.logger.Warn().Err(err).Msg("run_jobs failed, retrying next tick")
		return err
	}
	metrics.PlacementsTotal.WithLabelValues("default").Add(float64(len(placements)))
	return nil
}

var errSyncFailed = rpc.NewFault(rpc.FaultTransient, "foreign data sync failed")
