package scheduler

import (
	"context"
	"time"

	"github.com/cobalt-rm/cobalt/pkg/metrics"
	"github.com/cobalt-rm/cobalt/pkg/rpc"
	"github.com/cobalt-rm/cobalt/pkg/types"
)

// Reservation CRUD. Each mutation keeps the companion R.<name> queue in
// the queue manager in sync: created on add, marked dead on delete, acl
// updated on set. Shadow-queue RPC failures are logged and retried by
// ReconcileQueues rather than unwinding the local mutation, so a queue
// manager outage cannot lose a reservation.

var reservationFields = rpc.Fields[types.Reservation]{
	"name":     func(r *types.Reservation) any { return r.Name },
	"cycle":    func(r *types.Reservation) any { return r.Cycle },
	"duration": func(r *types.Reservation) any { return r.Duration },
	"res_id":   func(r *types.Reservation) any { return r.ResID },
}

// AddReservations implements add_reservations.
func (s *Scheduler) AddReservations(ctx context.Context, specs []*types.Reservation) ([]*types.Reservation, error) {
	s.mu.Lock()
	var added []*types.Reservation
	for _, r := range specs {
		if r.Name == "" {
			s.mu.Unlock()
			return added, rpc.NewFault(rpc.FaultQueueJob, "reservation needs a name")
		}
		if _, exists := s.reservations[r.Name]; exists {
			s.mu.Unlock()
			return added, rpc.NewFault(rpc.FaultConflict, "reservation %q already exists", r.Name)
		}
		if r.Duration <= 0 {
			s.mu.Unlock()
			return added, rpc.NewFault(rpc.FaultQueueJob, "reservation %q needs a positive duration", r.Name)
		}
		r.ResID = s.nextResID
		s.nextResID++
		s.reservations[r.Name] = r
		added = append(added, r)
	}
	s.persist()
	metrics.ReservationsTotal.Set(float64(len(s.reservations)))
	s.mu.Unlock()

	for _, r := range added {
		if err := s.qm.EnsureReservationQueue(ctx, r.Name, r.Users); err != nil {
			s.logger.Warn().Err(err).Str("reservation", r.Name).Msg("shadow queue create failed, reconciling later")
		}
	}
	return added, nil
}

// DelReservations implements del_reservations.
func (s *Scheduler) DelReservations(ctx context.Context, specs []rpc.Spec) (int, error) {
	s.mu.Lock()
	var removed []string
	for name, r := range s.reservations {
		for _, spec := range specs {
			if rpc.Match(spec, r, reservationFields) {
				delete(s.reservations, name)
				removed = append(removed, name)
				break
			}
		}
	}
	s.persist()
	metrics.ReservationsTotal.Set(float64(len(s.reservations)))
	s.mu.Unlock()

	for _, name := range removed {
		if err := s.qm.RetireReservationQueue(ctx, name); err != nil {
			s.logger.Warn().Err(err).Str("reservation", name).Msg("shadow queue retire failed, reconciling later")
		}
	}
	return len(removed), nil
}

// GetReservations implements get_reservations.
func (s *Scheduler) GetReservations(specs []rpc.Spec) []*types.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Reservation
	for _, r := range s.reservations {
		for _, spec := range specs {
			if rpc.Match(spec, r, reservationFields) {
				cp := *r
				out = append(out, &cp)
				break
			}
		}
	}
	return out
}

var reservationSetters = rpc.Setters[types.Reservation]{
	"start": func(r *types.Reservation, v any) {
		if n, ok := v.(float64); ok {
			r.Start = time.Unix(int64(n), 0)
		}
	},
	"duration": func(r *types.Reservation, v any) { n, _ := v.(float64); r.Duration = int(n) },
	"cycle":    func(r *types.Reservation, v any) { n, _ := v.(float64); r.Cycle = int(n) },
	"users": func(r *types.Reservation, v any) {
		raw, ok := v.([]any)
		if !ok {
			return
		}
		users := make([]string, 0, len(raw))
		for _, u := range raw {
			if s, ok := u.(string); ok {
				users = append(users, s)
			}
		}
		r.Users = users
	},
	"partitions": func(r *types.Reservation, v any) {
		raw, ok := v.([]any)
		if !ok {
			return
		}
		parts := make([]string, 0, len(raw))
		for _, p := range raw {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		r.Partitions = parts
	},
}

// SetReservation implements set_reservation.
func (s *Scheduler) SetReservation(ctx context.Context, specs []rpc.Spec, updates rpc.Spec) (int, error) {
	s.mu.Lock()
	var touched []*types.Reservation
	for _, r := range s.reservations {
		for _, spec := range specs {
			if rpc.Match(spec, r, reservationFields) {
				rpc.Apply(updates, r, reservationSetters)
				touched = append(touched, r)
				break
			}
		}
	}
	s.persist()
	s.mu.Unlock()

	if _, ok := updates["users"]; ok {
		for _, r := range touched {
			if err := s.qm.SetReservationQueueUsers(ctx, r.Name, r.Users); err != nil {
				s.logger.Warn().Err(err).Str("reservation", r.Name).Msg("shadow queue acl update failed, reconciling later")
			}
		}
	}
	return len(touched), nil
}

// ReconcileQueues re-drives the R.<name> shadow queues toward the owned
// reservation set; registered as a periodic task so a queue-manager
// restart or a missed CRUD-time RPC converges.
func (s *Scheduler) ReconcileQueues(ctx context.Context) error {
	queues, err := s.qm.GetQueues(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	reservations := make([]*types.Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		cp := *r
		reservations = append(reservations, &cp)
	}
	s.mu.Unlock()

	owned := make(map[string]bool, len(reservations))
	for _, r := range reservations {
		owned[r.QueueName()] = true
		if err := s.qm.EnsureReservationQueue(ctx, r.Name, r.Users); err != nil {
			return err
		}
	}
	// Shadow queues whose reservation is gone are marked dead.
	for _, q := range queues {
		if q.IsReservationQueue() && q.State != types.QueueDead && !owned[q.Name] {
			if err := s.qm.RetireReservationQueue(ctx, q.Name[len("R."):]); err != nil {
				return err
			}
		}
	}
	return nil
}

// TickReservations advances cycle_id bookkeeping for cyclic
// reservations and drops non-cyclic ones whose window has fully passed,
// mirroring the original scheduler's periodic reservation sweep.
func (s *Scheduler) TickReservations(ctx context.Context) error {
	now := time.Now()
	s.mu.Lock()
	var expired []string
	for name, r := range s.reservations {
		if r.Cycle > 0 {
			if elapsed := now.Sub(r.Start); elapsed > 0 {
				r.CycleID = int(elapsed / (time.Duration(r.Cycle) * time.Second))
			}
			continue
		}
		if now.After(r.Start.Add(time.Duration(r.Duration) * time.Second)) {
			delete(s.reservations, name)
			expired = append(expired, name)
		}
	}
	if len(expired) > 0 {
		s.persist()
		metrics.ReservationsTotal.Set(float64(len(s.reservations)))
	}
	s.mu.Unlock()

	for _, name := range expired {
		s.logger.Info().Str("reservation", name).Msg("reservation expired")
		if err := s.qm.RetireReservationQueue(ctx, name); err != nil {
			s.logger.Warn().Err(err).Str("reservation", name).Msg("shadow queue retire failed, reconciling later")
		}
	}
	return nil
}
