// Package cron runs the periodic maintenance jobs of the relay. Currently
// one job: evicting idle reply mappings on a cron schedule.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/relaybot/internal/store"
)

const (
	// DefaultSchedule evicts hourly.
	DefaultSchedule = "0 * * * *"
	// DefaultMaxAge is how long a mapping may stay idle before eviction.
	DefaultMaxAge = 72 * time.Hour
)

// Janitor evicts idle mappings on a cron expression.
type Janitor struct {
	mappings store.MappingStore
	schedule string
	maxAge   time.Duration
	gron     *gronx.Gronx
}

// NewJanitor creates a janitor. Empty schedule / zero maxAge fall back to
// the defaults.
func NewJanitor(mappings store.MappingStore, schedule string, maxAge time.Duration) *Janitor {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Janitor{
		mappings: mappings,
		schedule: schedule,
		maxAge:   maxAge,
		gron:     gronx.New(),
	}
}

// Run ticks every minute and fires the eviction when the schedule is due.
// Blocks until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	slog.Info("mapping janitor started", "schedule", j.schedule, "max_age", j.maxAge)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := j.gron.IsDue(j.schedule, now)
			if err != nil {
				slog.Error("janitor: bad schedule", "schedule", j.schedule, "error", err)
				return err
			}
			if !due {
				continue
			}
			j.evict(ctx)
		}
	}
}

func (j *Janitor) evict(ctx context.Context) {
	removed, err := j.mappings.EvictOlderThan(ctx, j.maxAge)
	if err != nil {
		slog.Error("janitor: eviction failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("janitor: evicted idle mappings", "removed", removed, "max_age", j.maxAge)
	}
}
