package rpc

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// AutoTask is one entry of a component's automatic-periodic-method table:
// a name, a period, and the handler to invoke when due. Handlers take
// whatever lock their owning component needs internally: TaskRunner calls
// them one at a time from its own goroutine and holds no lock, so it does
// not serialize them against RPC dispatch itself.
type AutoTask struct {
	Name    string
	Period  time.Duration
	Handler func(ctx context.Context) error
}

// TaskRunner interleaves a set of AutoTasks, firing each as soon as
// now >= next due time. It is named TaskRunner rather than Scheduler to
// avoid confusion with the Scheduler component (SCH).
type TaskRunner struct {
	tasks  []AutoTask
	logger zerolog.Logger
}

// NewTaskRunner builds a runner for the given tasks.
func NewTaskRunner(logger zerolog.Logger, tasks ...AutoTask) *TaskRunner {
	return &TaskRunner{tasks: tasks, logger: logger}
}

// Run blocks, firing due tasks every tick until ctx is canceled. tick
// should be smaller than the shortest task period (a few seconds is
// typical for Cobalt's ~10s periodic tasks).
func (r *TaskRunner) Run(ctx context.Context, tick time.Duration) {
	next := make([]time.Time, len(r.tasks))
	now := time.Now()
	for i := range r.tasks {
		next[i] = now
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for i, t := range r.tasks {
				if now.Before(next[i]) {
					continue
				}
				next[i] = now.Add(t.Period)
				if err := t.Handler(ctx); err != nil {
					r.logger.Error().Err(err).Str("task", t.Name).Msg("automatic task failed")
				}
			}
		}
	}
}
