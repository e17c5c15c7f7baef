package maintenance

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"authgate/internal/observability"
)

const DefaultSchedule = "@every 15m"

// Janitor runs the cleaner on a cron schedule inside a long-lived process.
// Overlapping runs are skipped.
type Janitor struct {
	cron   *cron.Cron
	logger *observability.Logger
}

func NewJanitor(cleaner *Cleaner, schedule string, logger *observability.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		_, _ = cleaner.Run(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}

	return &Janitor{cron: c, logger: logger}, nil
}

func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor_started", map[string]any{"entries": len(j.cron.Entries())})
}

// Stop halts the schedule and waits for a running pass, or for ctx.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	j.logger.Info("janitor_stopped", nil)
}
