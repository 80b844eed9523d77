package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/keygrind/keygrind/internal/model"
)

const defaultTTL = time.Hour

// NewSweeper schedules periodic Sweep calls according to the retention
// configuration, either a cron expression or an ISO8601 duration. Call
// Start on the returned scheduler and Shutdown on the way out.
func NewSweeper(ctx context.Context, r *Registry, cfg model.Retention) (gocron.Scheduler, error) {
	ttl := defaultTTL
	if cfg.TTL != nil {
		var err error
		ttl, err = model.ParseISODuration(*cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.ttl: %w", err)
		}
	}

	var job gocron.JobDefinition
	switch {
	case cfg.Cron != nil && *cfg.Cron != "":
		if _, err := model.ParseCron(*cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing retention.cron: %w", err)
		}
		job = gocron.CronJob(*cfg.Cron, false)
		slog.DebugContext(ctx, "sweeper scheduled", "cron", *cfg.Cron, "ttl", ttl.String())
	case cfg.Duration != nil && *cfg.Duration != "":
		d, err := model.ParseISODuration(*cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.duration: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "sweeper scheduled", "duration", d.String(), "ttl", ttl.String())
	default:
		return nil, errors.New("both retention.cron and retention.duration are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() { r.Sweep(ctx, ttl) }),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
