package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/blackshrub/faithtracker/internal/lease"
	"github.com/blackshrub/faithtracker/internal/models"
	"github.com/blackshrub/faithtracker/internal/telemetry"
)

// ErrUnknownJob is returned by RunNow for names with no definition.
var ErrUnknownJob = errors.New("unknown job")

// ErrContended is returned by RunNow when another worker holds the lease.
var ErrContended = errors.New("job is already running on another worker")

// Stats is the per-run item counter bag a handler reports. It lands in
// the run log and in logs, and distinguishes partial from clean runs.
type Stats map[string]int

func (s Stats) Add(key string, n int) {
	s[key] += n
}

// Handler executes one job run. A nil error with nonzero failure counters
// is a handled partial failure; a non-nil error is fatal for the run and
// leaves the lease to expire so another worker can retry.
type Handler func(ctx context.Context) (Stats, error)

// Definition binds a job name to its trigger spec and lease parameters.
// Spec is a five-field cron expression or an @every interval, both
// evaluated in the scheduler's civil timezone.
type Definition struct {
	JobName    string
	Spec       string
	LeaseTTL   time.Duration
	RenewEvery time.Duration
	Handler    Handler
}

// LeaseManager is the only cross-worker coordination the scheduler uses.
type LeaseManager interface {
	TryAcquire(ctx context.Context, jobName, holderID string, ttl time.Duration) (lease.Lease, bool, error)
	Renew(ctx context.Context, l *lease.Lease, ttl time.Duration) error
	Release(ctx context.Context, l lease.Lease) error
}

// RunRecorder persists run outcomes and answers "when did this job last
// succeed" for interval triggers.
type RunRecorder interface {
	RecordRun(ctx context.Context, run models.JobRun) error
	LastSuccessfulRun(ctx context.Context, jobName string) (time.Time, bool, error)
}

type entry struct {
	def      Definition
	sched    cron.Schedule
	interval time.Duration // nonzero for @every specs; measured from last success
	lastEval time.Time
	running  bool
}

// Scheduler evaluates triggers on a fixed tick and dispatches due jobs
// through the lease manager. Every worker process runs one; the lease
// store arbitrates which worker actually executes.
type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry

	holderID string
	loc      *time.Location
	tick     time.Duration
	leases   LeaseManager
	runs     RunRecorder
	log      zerolog.Logger

	wg sync.WaitGroup
}

// New parses every definition's spec up front; a malformed spec is a
// construction error, not a runtime surprise.
func New(holderID string, loc *time.Location, tick time.Duration, lm LeaseManager, runs RunRecorder, defs []Definition, log zerolog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	s := &Scheduler{
		entries:  make(map[string]*entry, len(defs)),
		holderID: holderID,
		loc:      loc,
		tick:     tick,
		leases:   lm,
		runs:     runs,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
	for _, def := range defs {
		if def.JobName == "" || def.Handler == nil {
			return nil, fmt.Errorf("definition %q: name and handler are required", def.JobName)
		}
		if _, dup := s.entries[def.JobName]; dup {
			return nil, fmt.Errorf("definition %q: duplicate job name", def.JobName)
		}
		sched, err := parser.Parse(def.Spec)
		if err != nil {
			return nil, fmt.Errorf("definition %q: parse spec %q: %w", def.JobName, def.Spec, err)
		}
		if def.RenewEvery <= 0 {
			def.RenewEvery = def.LeaseTTL / 3
		}
		e := &entry{def: def, sched: sched}
		if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
			e.interval = cd.Delay
		}
		s.entries[def.JobName] = e
	}
	return s, nil
}

// Run evaluates all definitions until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	now := time.Now().In(s.loc)
	s.mu.Lock()
	for _, e := range s.entries {
		e.lastEval = now
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.log.Info().Str("holder", s.holderID).Str("tz", s.loc.String()).Dur("tick", s.tick).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.evaluate(ctx, time.Now().In(s.loc))
		}
	}
}

// evaluate fires every definition whose trigger passed since its last
// evaluation. Interval jobs measure from the recorded last success so a
// freshly deployed fleet does not stampede.
//
// Trigger checks hit the run log, so they happen outside the mutex;
// holding it across store round-trips would stall RunNow and JobNames.
// lastEval is only touched here, on the single Run loop goroutine.
func (s *Scheduler) evaluate(ctx context.Context, now time.Time) {
	s.mu.Lock()
	candidates := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.running {
			candidates = append(candidates, e)
		}
	}
	s.mu.Unlock()

	for _, e := range candidates {
		due, err := s.isDue(ctx, e, now)
		if err != nil {
			s.log.Warn().Err(err).Str("job", e.def.JobName).Msg("trigger evaluation failed; will retry next tick")
			continue
		}
		e.lastEval = now
		if !due {
			continue
		}

		s.mu.Lock()
		if e.running {
			s.mu.Unlock()
			continue
		}
		e.running = true
		s.wg.Add(1)
		s.mu.Unlock()

		go func(e *entry) {
			defer s.wg.Done()
			s.execute(ctx, e.def)
			s.mu.Lock()
			e.running = false
			s.mu.Unlock()
		}(e)
	}
}

func (s *Scheduler) isDue(ctx context.Context, e *entry, now time.Time) (bool, error) {
	if e.interval > 0 {
		last, found, err := s.runs.LastSuccessfulRun(ctx, e.def.JobName)
		if err != nil {
			return false, err
		}
		if !found {
			return true, nil
		}
		return now.Sub(last) >= e.interval, nil
	}
	return cronDue(e.sched, e.lastEval, now), nil
}

// cronDue reports whether a cron trigger fired in (lastEval, now]. Both
// times must already be in the civil timezone.
func cronDue(sched cron.Schedule, lastEval, now time.Time) bool {
	next := sched.Next(lastEval)
	return !next.After(now)
}

// execute runs one lease-gated job attempt to completion.
func (s *Scheduler) execute(ctx context.Context, def Definition) {
	l, ok, err := s.leases.TryAcquire(ctx, def.JobName, s.holderID, def.LeaseTTL)
	if err != nil {
		// Treated as "did not acquire"; the next trigger retries.
		s.log.Warn().Err(err).Str("job", def.JobName).Msg("lease store unavailable")
		return
	}
	if !ok {
		telemetry.LockContentionSkips.Inc()
		s.log.Debug().Str("job", def.JobName).Msg("lease held elsewhere; skipping trigger")
		return
	}

	telemetry.JobsRunning.Inc()
	defer telemetry.JobsRunning.Dec()

	started := time.Now().In(s.loc)
	log := s.log.With().Str("job", def.JobName).Str("run_id", l.RunID).Logger()
	log.Info().Msg("job started")

	stopRenew := s.keepRenewed(ctx, &l, def, log)

	stats, handlerErr := def.Handler(ctx)
	stopRenew()

	finished := time.Now().In(s.loc)
	run := models.JobRun{
		RunID:      l.RunID,
		JobName:    def.JobName,
		HolderID:   s.holderID,
		StartedAt:  started,
		FinishedAt: finished,
		Stats:      stats,
	}

	if handlerErr != nil {
		// Fatal failure: leave the lease to expire naturally so another
		// worker retries the whole job on its next trigger.
		msg := handlerErr.Error()
		run.Outcome = models.RunFailed
		run.Error = &msg
		telemetry.JobRunFailures.Inc()
		log.Error().Err(handlerErr).Dur("took", finished.Sub(started)).Msg("job failed")
		if err := s.runs.RecordRun(ctx, run); err != nil {
			log.Warn().Err(err).Msg("run log write failed")
		}
		return
	}

	run.Outcome = models.RunSucceeded
	if stats["failed"] > 0 {
		run.Outcome = models.RunPartial
	}
	telemetry.JobRunSuccess.Inc()

	// Record before releasing, so a worker that wins the lease next never
	// sees a stale "never succeeded" run log.
	if err := s.runs.RecordRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("run log write failed")
	}
	if err := s.leases.Release(ctx, l); err != nil {
		log.Warn().Err(err).Msg("lease release failed; expiry will clean up")
	}
	log.Info().Dur("took", finished.Sub(started)).Interface("stats", stats).Msg("job finished")
}

// keepRenewed keeps the lease alive while a handler runs; a handler
// outliving its TTL without renewal would be silently duplicated
// elsewhere. The returned stop function blocks until the renewal
// goroutine has exited.
func (s *Scheduler) keepRenewed(ctx context.Context, l *lease.Lease, def Definition, log zerolog.Logger) (stop func()) {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(def.RenewEvery)
		defer t.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-t.C:
				if err := s.leases.Renew(renewCtx, l, def.LeaseTTL); err != nil {
					telemetry.LeaseRenewFailures.Inc()
					log.Warn().Err(err).Msg("lease renewal failed")
					if errors.Is(err, lease.ErrNotHeld) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// RunNow invokes a named job immediately, bypassing the time trigger but
// not the lease gate: a manual trigger cannot race a scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) (Stats, error) {
	s.mu.Lock()
	e, ok := s.entries[jobName]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownJob
	}
	def := e.def

	l, acquired, err := s.leases.TryAcquire(ctx, def.JobName, s.holderID, def.LeaseTTL)
	if err != nil {
		return nil, fmt.Errorf("manual trigger %s: %w", jobName, err)
	}
	if !acquired {
		telemetry.LockContentionSkips.Inc()
		return nil, ErrContended
	}

	telemetry.JobsRunning.Inc()
	defer telemetry.JobsRunning.Dec()

	log := s.log.With().Str("job", def.JobName).Str("run_id", l.RunID).Logger()

	started := time.Now().In(s.loc)
	stopRenew := s.keepRenewed(ctx, &l, def, log)
	stats, handlerErr := def.Handler(ctx)
	stopRenew()
	finished := time.Now().In(s.loc)

	run := models.JobRun{
		RunID:      l.RunID,
		JobName:    def.JobName,
		HolderID:   s.holderID,
		StartedAt:  started,
		FinishedAt: finished,
		Stats:      stats,
	}
	if handlerErr != nil {
		msg := handlerErr.Error()
		run.Outcome = models.RunFailed
		run.Error = &msg
		telemetry.JobRunFailures.Inc()
	} else {
		run.Outcome = models.RunSucceeded
		if stats["failed"] > 0 {
			run.Outcome = models.RunPartial
		}
		telemetry.JobRunSuccess.Inc()
	}
	if err := s.runs.RecordRun(ctx, run); err != nil {
		s.log.Warn().Err(err).Str("job", jobName).Msg("run log write failed")
	}
	if handlerErr == nil {
		if relErr := s.leases.Release(ctx, l); relErr != nil {
			s.log.Warn().Err(relErr).Str("job", jobName).Msg("lease release failed; expiry will clean up")
		}
	}
	return stats, handlerErr
}

// JobNames lists the registered definitions, for the operator API.
func (s *Scheduler) JobNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}
