package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"fleetops/warden/pkg/execution"
)

// Sync reconciles cron entries with the Active policy set. It is called by
// Start and again whenever a version is activated.
func (d *Dispatcher) Sync(ctx context.Context) error {
	active, err := d.policies.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active policies: %w", err)
	}

	want := make(map[string]string, len(active))
	for _, tmpl := range active {
		if tmpl.Schedule != "" {
			want[tmpl.Code] = tmpl.Schedule
		}
	}

	d.cronMu.Lock()
	defer d.cronMu.Unlock()

	for code, entry := range d.entries {
		if schedule, ok := want[code]; ok && schedule == entry.schedule {
			continue
		}
		d.cron.Remove(entry.id)
		delete(d.entries, code)
		d.logger.Info("schedule removed", "policy_code", code, "schedule", entry.schedule)
	}

	for code, schedule := range want {
		if _, ok := d.entries[code]; ok {
			continue
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			d.logger.Error("invalid policy schedule", "policy_code", code, "schedule", schedule, "error", err)
			continue
		}
		id, err := d.cron.AddFunc(schedule, d.tick(code))
		if err != nil {
			d.logger.Error("failed to schedule policy", "policy_code", code, "schedule", schedule, "error", err)
			continue
		}
		d.entries[code] = cronEntry{id: id, schedule: schedule}
		d.logger.Info("schedule registered", "policy_code", code, "schedule", schedule)
	}
	return nil
}

// tick returns the cron callback of one policy. The fire is checked
// against runs of the same code when it happens, not when a worker picks
// it up: a fire that finds a scheduled run queued or any run in progress
// is recorded skipped and never queued.
func (d *Dispatcher) tick(code string) func() {
	return func() {
		if err := d.claimTick(code); err != nil {
			d.skipTick(code, err)
			return
		}
		if err := d.enqueue(&task{code: code, scheduled: true}); err != nil {
			d.releaseTick(code)
			d.skipTick(code, err)
		}
	}
}

// claimTick marks code as having a scheduled run queued or running.
func (d *Dispatcher) claimTick(code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.inflight {
		if st.exec.PolicyCode == code && st.exec.Status == execution.StatusRunning {
			return ErrLeaseHeld
		}
	}
	if d.ticking[code] {
		return ErrRunPending
	}
	d.ticking[code] = true
	return nil
}

func (d *Dispatcher) releaseTick(code string) {
	d.mu.Lock()
	delete(d.ticking, code)
	d.mu.Unlock()
}

// skipTick records one skipped execution for a fire that did not run.
func (d *Dispatcher) skipTick(code string, cause error) {
	if d.observer != nil {
		d.observer.RecordScheduledSkip(code)
	}
	tmpl, err := d.policies.Active(d.baseCtx, code)
	if err != nil {
		d.logger.Warn("scheduled tick dropped", "policy_code", code, "reason", cause, "error", err)
		return
	}
	st := d.track(d.newExecution(code, execution.TriggerScheduled, execution.TriggerContext{Depth: 1}))
	d.finish(d.baseCtx, st, tmpl, execution.StatusSkipped, cause)
}

// Schedules returns the registered schedule of each policy code.
func (d *Dispatcher) Schedules() map[string]string {
	d.cronMu.Lock()
	defer d.cronMu.Unlock()
	out := make(map[string]string, len(d.entries))
	for code, entry := range d.entries {
		out[code] = entry.schedule
	}
	return out
}

// NextRun returns when code is next scheduled, or the zero time.
func (d *Dispatcher) NextRun(code string) time.Time {
	d.cronMu.Lock()
	entry, ok := d.entries[code]
	d.cronMu.Unlock()
	if !ok {
		return time.Time{}
	}
	return d.cron.Entry(entry.id).Next
}
