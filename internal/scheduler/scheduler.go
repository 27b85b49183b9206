// Package scheduler fires schedule- and poll-origin triggers for registered
// workflows. Cron expressions use the standard five-field form; poll triggers
// fire on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/flowkit/internal/trigger"
	"github.com/rendis/flowkit/pkg/schema"
)

// Registry lists the workflows whose triggers get evaluated each tick.
type Registry interface {
	Definitions() []*schema.WorkflowDefinition
}

// Dispatcher admits the trigger deliveries the scheduler produces.
type Dispatcher interface {
	Dispatch(ctx context.Context, req trigger.Request) (string, error)
}

// Scheduler walks registered workflow triggers on a fixed tick and dispatches
// the ones that came due since the last pass.
type Scheduler struct {
	registry   Registry
	dispatcher Dispatcher
	parser     cron.Parser
	logger     *slog.Logger
	tickEvery  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	dueMu sync.Mutex
	due   map[string]time.Time // next fire time per trigger key

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger keys currently dispatching (dedup)
}

func NewScheduler(registry Registry, dispatcher Dispatcher, logger *slog.Logger, tickEvery time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tickEvery <= 0 {
		tickEvery = time.Minute
	}
	return &Scheduler{
		registry:   registry,
		dispatcher: dispatcher,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:     logger,
		tickEvery:  tickEvery,
		due:        make(map[string]time.Time),
		inflight:   make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tickEvery))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	// Run an initial tick immediately so poll triggers and already-due cron
	// slots do not wait a full tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick evaluates every schedule and poll trigger and fires those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, def := range s.registry.Definitions() {
		for i, ts := range def.Triggers {
			switch ts.Origin {
			case schema.OriginSchedule:
				s.tickCron(ctx, def, ts, triggerKey(def, i), now)
			case schema.OriginPoll:
				s.tickPoll(ctx, def, ts, triggerKey(def, i), now)
			}
		}
	}
}

func (s *Scheduler) tickCron(ctx context.Context, def *schema.WorkflowDefinition, ts schema.TriggerSpec, key string, now time.Time) {
	schedule, err := s.parser.Parse(ts.Schedule)
	if err != nil {
		s.logger.Error("invalid cron expression",
			slog.String("workflow_id", def.ID),
			slog.String("schedule", ts.Schedule),
			slog.String("error", err.Error()))
		return
	}

	next, seen := s.nextDue(key)
	if !seen {
		// First sighting: arm the slot, fire on the next boundary.
		s.setDue(key, schedule.Next(now))
		return
	}
	if now.Before(next) {
		return
	}
	s.setDue(key, schedule.Next(now))
	s.fire(ctx, def, ts, key, map[string]any{"schedule": ts.Schedule, "due_at": next.Format(time.RFC3339)})
}

func (s *Scheduler) tickPoll(ctx context.Context, def *schema.WorkflowDefinition, ts schema.TriggerSpec, key string, now time.Time) {
	if ts.Interval <= 0 {
		return
	}
	next, seen := s.nextDue(key)
	if seen && now.Before(next) {
		return
	}
	s.setDue(key, now.Add(ts.Interval))
	s.fire(ctx, def, ts, key, map[string]any{"interval": ts.Interval.String()})
}

func (s *Scheduler) fire(ctx context.Context, def *schema.WorkflowDefinition, ts schema.TriggerSpec, key string, meta map[string]any) {
	if !s.tryAcquire(key) {
		return // previous dispatch for this slot still in flight
	}
	defer s.release(key)

	runID, err := s.dispatcher.Dispatch(ctx, trigger.Request{
		WorkflowID: def.ID,
		Version:    def.Version,
		Origin:     ts.Origin,
		Meta:       meta,
	})
	if err != nil {
		s.logger.Warn("scheduled trigger rejected",
			slog.String("workflow_id", def.ID),
			slog.String("origin", string(ts.Origin)),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("scheduled trigger fired",
		slog.String("workflow_id", def.ID),
		slog.String("origin", string(ts.Origin)),
		slog.String("run_id", runID))
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) nextDue(key string) (time.Time, bool) {
	s.dueMu.Lock()
	defer s.dueMu.Unlock()
	t, ok := s.due[key]
	return t, ok
}

func (s *Scheduler) setDue(key string, at time.Time) {
	s.dueMu.Lock()
	defer s.dueMu.Unlock()
	s.due[key] = at
}

func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

func triggerKey(def *schema.WorkflowDefinition, idx int) string {
	return fmt.Sprintf("%s@%s#%d", def.ID, def.Version, idx)
}
