// Package scheduler emits time-triggered events onto the dispatch bus for
// SCHEDULED descriptors. What matters to the rest of the core is that
// `scheduled.task.<name>` events appear on schedule, not how the schedule
// is internally ticked.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/meridian/internal/config"
	"github.com/basket/meridian/internal/orchestrator"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const defaultTickInterval = 10 * time.Second

// Scheduler periodically evaluates every SCHEDULED descriptor's trigger and
// submits a task through the orchestrator's Submitter when due.
type Scheduler struct {
	registry  *config.Registry
	submitter *orchestrator.Submitter
	logger    *slog.Logger
	interval  time.Duration

	mu      sync.Mutex
	nextRun map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. interval is the tick granularity; zero uses
// defaultTickInterval (10s), fine-grained enough for interval_seconds
// schedules shorter than a minute.
func New(registry *config.Registry, submitter *orchestrator.Submitter, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry:  registry,
		submitter: submitter,
		logger:    logger,
		interval:  interval,
		nextRun:   make(map[string]time.Time),
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

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

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	for _, d := range s.registry.ListByMode(config.ModeScheduled) {
		due, next, err := s.dueAndNext(d, now)
		if err != nil {
			s.logger.Error("scheduler: bad schedule_config", "agent_name", d.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.fire(ctx, d, now, next)
	}
}

// dueAndNext reports whether d is due at now and what its next run should
// be scheduled for, seeding first-ever evaluation to fire immediately.
func (s *Scheduler) dueAndNext(d *config.AgentDescriptor, now time.Time) (due bool, next time.Time, err error) {
	s.mu.Lock()
	scheduled, seen := s.nextRun[d.Name]
	s.mu.Unlock()

	if !seen {
		next, err = computeNext(d.ScheduleConfig, now)
		return true, next, err
	}
	if now.Before(scheduled) {
		return false, scheduled, nil
	}
	next, err = computeNext(d.ScheduleConfig, now)
	return true, next, err
}

func computeNext(sc *config.ScheduleConfig, after time.Time) (time.Time, error) {
	if sc.IntervalSeconds > 0 {
		return after.Add(time.Duration(sc.IntervalSeconds) * time.Second), nil
	}
	spec, err := cronParser.Parse(sc.Cron)
	if err != nil {
		return time.Time{}, err
	}
	return spec.Next(after), nil
}

func (s *Scheduler) fire(ctx context.Context, d *config.AgentDescriptor, now, next time.Time) {
	payload := d.ScheduleConfig.TaskData
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := marshalTaskData(payload)
	if err != nil {
		s.logger.Error("scheduler: marshal task_data failed", "agent_name", d.Name, "error", err)
		return
	}

	executionID, err := s.submitter.Submit(ctx, orchestrator.Submission{AgentName: d.Name, Payload: raw})
	if err != nil {
		s.logger.Error("scheduler: submit failed", "agent_name", d.Name, "error", err)
		return
	}

	s.mu.Lock()
	s.nextRun[d.Name] = next
	s.mu.Unlock()

	s.logger.Info("scheduler: fired", "agent_name", d.Name, "execution_id", executionID, "next_run_at", next, "now", now)
}
