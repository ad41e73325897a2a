package anchor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fleetops/warden/pkg/audit"
)

// TipSource lists the current tip of every tenant chain.
type TipSource interface {
	Tips(ctx context.Context) ([]audit.Tip, error)
}

// Scheduler publishes every tenant tip on a cron schedule. A failed
// publish is logged and never blocks audit appends.
type Scheduler struct {
	source   TipSource
	anchor   Anchor
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewScheduler creates a new anchor scheduler.
func NewScheduler(source TipSource, anchor Anchor, schedule string) *Scheduler {
	return &Scheduler{
		source:   source,
		anchor:   anchor,
		schedule: schedule,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "audit.anchor"),
	}
}

// Start begins scheduled publishing. An empty schedule disables the
// scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("anchor schedule not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.PublishAll(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule anchoring: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("anchor scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// PublishAll publishes the tip of every tenant and returns how many were
// published.
func (s *Scheduler) PublishAll(ctx context.Context) int {
	tips, err := s.source.Tips(ctx)
	if err != nil {
		s.logger.Error("failed to list audit tips", "error", err)
		return 0
	}

	published := 0
	for _, tip := range tips {
		if err := s.anchor.Publish(ctx, tip); err != nil {
			s.logger.Error("failed to publish audit tip",
				"tenant", tip.Tenant,
				"sequence", tip.Sequence,
				"error", err,
			)
			continue
		}
		published++
	}
	s.logger.Debug("audit tips anchored", "published", published, "tenants", len(tips))
	return published
}

// Stop stops the scheduler and waits for a running publish to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("anchor scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled publish time.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
