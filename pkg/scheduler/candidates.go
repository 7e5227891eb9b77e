package scheduler

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/cobalt-rm/cobalt/pkg/queuemgr"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// tickInput is the consistent snapshot one scheduling pass runs against.
// Partitions are deep copies taken under the scheduler lock; the pass may
// freely annotate Draining/BackfillTime on them.
type tickInput struct {
	Now          time.Time
	Jobs         []*types.Job
	Queues       []*types.Queue
	Partitions   []*types.Partition
	Reservations []*types.Reservation
	MaxDrain     time.Duration // 0 = unbounded
}

// computePlacements is the whole placement policy, pure over its input:
// active queues, viable jobs, candidates with the minimum-waste rule,
// reservation-overlap rejection, queue policies, backfill with drain
// windows, and tidy-after-placement.
func computePlacements(in tickInput) []queuemgr.Placement {
	// Foreign partitions arrive without derived relations (they are not
	// part of the wire form), so rebuild containment and wiring from the
	// node-card and switch sets.
	topo := types.NewTopology(in.Partitions)
	parts := topo.All()
	byName := make(map[string]*types.Partition, len(parts))
	for _, p := range parts {
		byName[p.Name] = p
	}

	queuesByName := make(map[string]*types.Queue, len(in.Queues))
	for _, q := range in.Queues {
		queuesByName[q.Name] = q
	}
	resByName := make(map[string]*types.Reservation, len(in.Reservations))
	for _, r := range in.Reservations {
		resByName[r.Name] = r
	}

	active := activeQueues(in.Queues, resByName, in.Now)

	viable := lo.Filter(in.Jobs, func(j *types.Job, _ int) bool {
		return j.State == types.JobQueued && active[j.Queue]
	})
	sort.Slice(viable, func(i, k int) bool { return viable[i].FifoKey() < viable[k].FifoKey() })

	endTimes := runningEndTimes(in.Jobs, byName)

	var out []queuemgr.Placement
	for _, class := range findQueueEquivalenceClasses(parts, in.Reservations, active) {
		classJobs := lo.Filter(viable, func(j *types.Job, _ int) bool { return class.Queues[j.Queue] })
		out = append(out, scheduleClass(in, classJobs, queuesByName, byName, endTimes)...)
	}
	return out
}

// activeQueues: a regular queue is active iff running; a reservation
// queue is active iff its reservation's window covers now.
func activeQueues(queues []*types.Queue, reservations map[string]*types.Reservation, now time.Time) map[string]bool {
	active := make(map[string]bool, len(queues))
	for _, q := range queues {
		if q.IsReservationQueue() {
			r, ok := reservations[strings.TrimPrefix(q.Name, "R.")]
			if ok && reservationActiveAt(r, now) && q.State != types.QueueDead {
				active[q.Name] = true
			}
			continue
		}
		if q.State == types.QueueRunning {
			active[q.Name] = true
		}
	}
	return active
}

func reservationActiveAt(r *types.Reservation, now time.Time) bool {
	start, end, ok := r.ActiveWindow(now)
	if !ok {
		return false
	}
	if now.Before(start) {
		return false
	}
	return end.IsZero() || now.Before(end)
}

// runningEndTimes predicts when each partition (and everything its node
// cards touch) becomes free: job start + walltime for every running job,
// spread across the job's partition and its ancestors/descendants.
func runningEndTimes(jobs []*types.Job, byName map[string]*types.Partition) map[string]time.Time {
	ends := make(map[string]time.Time)
	note := func(name string, t time.Time) {
		if cur, ok := ends[name]; !ok || t.After(cur) {
			ends[name] = t
		}
	}
	for _, j := range jobs {
		if j.State != types.JobRunning && j.State != types.JobKilling {
			continue
		}
		p, ok := byName[j.Location]
		if !ok {
			continue
		}
		end := j.StartTime.Add(time.Duration(j.Walltime) * time.Minute)
		note(p.Name, end)
		for _, rel := range p.Related() {
			note(rel, end)
		}
		for _, w := range p.WiringConflicts {
			note(w, end)
		}
	}
	return ends
}

// scheduleClass places jobs within one queue equivalence class.
func scheduleClass(
	in tickInput,
	jobs []*types.Job,
	queues map[string]*types.Queue,
	byName map[string]*types.Partition,
	endTimes map[string]time.Time,
) []queuemgr.Placement {
	if len(jobs) == 0 {
		return nil
	}

	eligible := applyPolicies(jobs, queues)

	consumed := make(map[string]bool)
	var out []queuemgr.Placement
	for _, j := range eligible {
		candidates := candidatePartitions(j, in, byName)
		if len(candidates) == 0 {
			continue
		}

		startable := lo.Filter(candidates, func(p *types.Partition, _ int) bool {
			if consumed[p.Name] || p.State != types.PartIdle {
				return false
			}
			if p.Draining {
				// Backfill: only jobs short enough to finish inside the
				// drain window may use a draining partition.
				return !in.Now.Add(time.Duration(j.Walltime) * time.Minute).After(p.BackfillTime)
			}
			return true
		})

		if len(startable) > 0 {
			chosen := bestCandidate(startable)
			out = append(out, queuemgr.Placement{JobID: j.JobID, Location: chosen.Name})
			tidy(chosen, consumed, byName)
			continue
		}

		// Nothing startable: open a drain window on the candidate that
		// frees up soonest so this job runs next.
		drainTarget, until := earliestFree(candidates, endTimes, in.Now)
		if drainTarget == nil {
			continue
		}
		if in.MaxDrain > 0 && until.Sub(in.Now) > in.MaxDrain {
			continue
		}
		markDraining(drainTarget, until, byName)
	}
	return out
}

// applyPolicies gates jobs per their queue's policy: high-prio queues
// starve the rest while they have idle jobs; scavenger queues defer while
// any other queue has idle jobs; default is plain fifo.
func applyPolicies(jobs []*types.Job, queues map[string]*types.Queue) []*types.Job {
	policyOf := func(j *types.Job) types.QueuePolicy {
		if q, ok := queues[j.Queue]; ok && q.Policy != "" {
			return q.Policy
		}
		return types.PolicyDefault
	}

	hasHighPrio := lo.SomeBy(jobs, func(j *types.Job) bool { return policyOf(j) == types.PolicyHighPrio })
	hasNonScavenger := lo.SomeBy(jobs, func(j *types.Job) bool { return policyOf(j) != types.PolicyScavenger })

	return lo.Filter(jobs, func(j *types.Job, _ int) bool {
		switch policyOf(j) {
		case types.PolicyHighPrio:
			return true
		case types.PolicyScavenger:
			return !hasNonScavenger
		default:
			return !hasHighPrio
		}
	})
}

// candidatePartitions computes the partitions a job could legally occupy:
// schedulable, big enough but not wasteful, serving the job's queue, and
// clear of foreign reservations.
func candidatePartitions(j *types.Job, in tickInput, byName map[string]*types.Partition) []*types.Partition {
	var out []*types.Partition
	for _, p := range byName {
		if j.Location != "" && p.Name != j.Location {
			continue
		}
		if !p.IsSchedulable(byName) {
			continue
		}
		if p.Size < j.Nodes {
			continue
		}
		// Minimum-waste rule: no partition more than twice the job, with
		// 32-node partitions always admissible.
		if p.Size != 32 && 2*j.Nodes < p.Size {
			continue
		}
		if !queueEligible(j, p, in.Reservations, byName) {
			continue
		}
		if blockedByReservation(j, p, in) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// queueEligible: the job's queue appears in the partition's colon-list,
// or the job rides a reservation queue whose named partitions are
// ancestors of (or equal to) p.
func queueEligible(j *types.Job, p *types.Partition, reservations []*types.Reservation, byName map[string]*types.Partition) bool {
	for _, qname := range strings.Split(p.Queue, ":") {
		if qname == j.Queue {
			return true
		}
	}
	for _, r := range reservations {
		if j.Queue != r.QueueName() {
			continue
		}
		covering := map[string]bool{p.Name: true}
		for _, parent := range p.Parents {
			covering[parent] = true
		}
		for _, named := range r.Partitions {
			if covering[named] {
				return true
			}
		}
	}
	return false
}

// blockedByReservation: a placement overlapping an active reservation is
// rejected unless the job belongs to that reservation's queue and its
// user is in the acl.
func blockedByReservation(j *types.Job, p *types.Partition, in tickInput) bool {
	for _, r := range in.Reservations {
		if !reservationOverlaps(r, p, in.Now, j.Walltime) {
			continue
		}
		if j.Queue == r.QueueName() && lo.Contains(r.Users, j.User) {
			continue
		}
		return true
	}
	return false
}

// reservationOverlaps: any named partition of r equals p or appears among
// its ancestors/descendants, and [now, now+walltime] intersects any cycle
// of [start, start+duration].
func reservationOverlaps(r *types.Reservation, p *types.Partition, now time.Time, walltimeMin int) bool {
	related := map[string]bool{p.Name: true}
	for _, name := range p.Related() {
		related[name] = true
	}
	touches := lo.SomeBy(r.Partitions, func(name string) bool { return related[name] })
	if !touches {
		return false
	}

	jobEnd := now.Add(time.Duration(walltimeMin) * time.Minute)
	dur := time.Duration(r.Duration) * time.Second

	if r.Cycle <= 0 {
		return intervalsIntersect(now, jobEnd, r.Start, r.Start.Add(dur))
	}
	if r.Duration >= r.Cycle {
		// Always active once started.
		return !jobEnd.Before(r.Start)
	}
	cycle := time.Duration(r.Cycle) * time.Second
	if jobEnd.Before(r.Start) {
		return false
	}
	elapsed := now.Sub(r.Start)
	k := elapsed / cycle
	if k < 0 {
		k = 0
	}
	for _, occ := range []time.Duration{k * cycle, (k + 1) * cycle} {
		occStart := r.Start.Add(occ)
		if intervalsIntersect(now, jobEnd, occStart, occStart.Add(dur)) {
			return true
		}
	}
	return false
}

func intervalsIntersect(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// bestCandidate picks the tightest fit: smallest size, ties broken by
// name for determinism.
func bestCandidate(candidates []*types.Partition) *types.Partition {
	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.Size < best.Size || (p.Size == best.Size && p.Name < best.Name) {
			best = p
		}
	}
	return best
}

// tidy: once a partition is chosen, it and every partition whose node
// cards or wiring it touches leave the potential pool for the rest of the
// tick, so one tick's placements are pairwise disjoint and non-ancestral.
func tidy(chosen *types.Partition, consumed map[string]bool, byName map[string]*types.Partition) {
	consumed[chosen.Name] = true
	for _, name := range chosen.Related() {
		consumed[name] = true
	}
	for _, name := range chosen.WiringConflicts {
		consumed[name] = true
	}
}

// earliestFree returns the candidate with the soonest predicted free
// time, and that time. Candidates with no running occupant predict free
// at now (they are blocked for another reason and drain cannot help, so
// they are skipped).
func earliestFree(candidates []*types.Partition, endTimes map[string]time.Time, now time.Time) (*types.Partition, time.Time) {
	var best *types.Partition
	var bestAt time.Time
	for _, p := range candidates {
		at, ok := endTimes[p.Name]
		if !ok || !at.After(now) {
			continue
		}
		if best == nil || at.Before(bestAt) || (at.Equal(bestAt) && p.Name < best.Name) {
			best = p
			bestAt = at
		}
	}
	return best, bestAt
}

// markDraining annotates the drain target and everything that must stay
// out of the way until it frees.
func markDraining(target *types.Partition, until time.Time, byName map[string]*types.Partition) {
	mark := func(name string) {
		if p, ok := byName[name]; ok {
			p.Draining = true
			if until.After(p.BackfillTime) {
				p.BackfillTime = until
			}
		}
	}
	mark(target.Name)
	for _, name := range target.Related() {
		mark(name)
	}
}
