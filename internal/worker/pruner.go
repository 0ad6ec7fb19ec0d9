package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"hookgram/internal/metrics"
)

// DeliveryLogStore is the slice of storage the pruner needs.
type DeliveryLogStore interface {
	PruneDeliveryLog(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner removes delivery log entries older than the retention window on a
// cron schedule.
type Pruner struct {
	store     DeliveryLogStore
	schedule  string
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

type Config struct {
	Store DeliveryLogStore
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@daily".
	Schedule  string
	Retention time.Duration
	// Timeout bounds a single prune run.
	Timeout time.Duration
	Now     func() time.Time
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) (*Pruner, error) {
	if cfg.Store == nil {
		return nil, errors.New("pruner: store is required")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("pruner: retention must be positive, got %s", cfg.Retention)
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@daily"
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("pruner: parse schedule %q: %w", cfg.Schedule, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Pruner{
		store:     cfg.Store,
		schedule:  cfg.Schedule,
		retention: cfg.Retention,
		timeout:   cfg.Timeout,
		now:       cfg.Now,
		logger:    cfg.Logger.With().Str("component", "pruner").Logger(),
		metrics:   m,
	}, nil
}

// PruneOnce deletes everything created before now minus the retention.
func (p *Pruner) PruneOnce(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cutoff := p.now().Add(-p.retention)
	n, err := p.store.PruneDeliveryLog(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	p.metrics.DeliveryLogPruned.Add(float64(n))
	return n, nil
}

// Start schedules pruning and blocks until ctx is done. A run in progress
// is allowed to finish before Start returns.
func (p *Pruner) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(p.schedule, func() { p.run(ctx) }); err != nil {
		return fmt.Errorf("schedule prune: %w", err)
	}

	c.Start()
	p.logger.Info().Str("schedule", p.schedule).Dur("retention", p.retention).Msg("delivery log pruning scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (p *Pruner) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := p.PruneOnce(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to prune delivery log")
		return
	}
	p.logger.Info().Int64("removed", n).Msg("delivery log pruned")
}
