package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"chatstream/pkg/config"
	"chatstream/pkg/logger"
	"chatstream/pkg/store"
)

// defaultMinPeriod guards against purging recent history through a
// misconfigured period.
const defaultMinPeriod = 24 * time.Hour

// Start starts the retention scheduler if enabled. Returns a cancel func.
func Start(ctx context.Context, cfg config.RetentionConfig) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("retention_disabled")
		return func() {}, nil
	}

	minPeriod := cfg.MinPeriod.Duration()
	if minPeriod <= 0 {
		minPeriod = defaultMinPeriod
	}
	if cfg.Period.Duration() < minPeriod {
		return nil, fmt.Errorf("retention period %s below minimum %s", cfg.Period.Duration(), minPeriod)
	}

	cronExpr := cfg.Cron
	if cronExpr == "" {
		cronExpr = "0 2 * * *"
	}
	if !gronx.IsValid(cronExpr) {
		logger.Error("retention_invalid_cron", "cron", cfg.Cron)
		return nil, fmt.Errorf("invalid retention cron expression: %s", cfg.Cron)
	}

	logger.Info("retention_enabled", "cron", cronExpr, "period", cfg.Period.Duration(), "dry_run", cfg.DryRun)
	ctx2, cancel := context.WithCancel(ctx)
	go runScheduler(ctx2, cfg, cronExpr)
	return cancel, nil
}

// runScheduler uses gronx to compute the next tick for the configured cron
// expression and sleeps until that time.
func runScheduler(ctx context.Context, cfg config.RetentionConfig, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(cronExpr, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", cronExpr, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := RunOnce(ctx, cfg); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce purges expired messages from every channel in batches. Exported
// so admin triggers and tests can invoke a run on demand.
func RunOnce(ctx context.Context, cfg config.RetentionConfig) error {
	cutoff := time.Now().UTC().Add(-cfg.Period.Duration()).UnixNano()
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	sleep := time.Duration(cfg.BatchSleepMs) * time.Millisecond

	chans, err := store.ListChannels()
	if err != nil {
		return err
	}
	total := 0
	for _, ch := range chans {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			n, err := store.PurgeChannelBefore(ch.ID, cutoff, batch, cfg.DryRun)
			if err != nil {
				return fmt.Errorf("purge channel %s: %w", ch.ID, err)
			}
			total += n
			if n < batch || cfg.DryRun {
				break
			}
			if sleep > 0 {
				select {
				case <-time.After(sleep):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	logger.Info("retention_run_complete", "removed", total, "dry_run", cfg.DryRun)
	return nil
}
