package fulfillment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

type RetrierConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Retrier periodically re-runs fulfillment tasks that failed or were never
// finished inline.
type Retrier struct {
	runner *TaskRunner
	cfg    RetrierConfig
	cron   *cron.Cron
	logger *slog.Logger
}

func NewRetrier(runner *TaskRunner, cfg RetrierConfig, logger *slog.Logger) (*Retrier, error) {
	if cfg.Interval < time.Second {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}

	r := &Retrier{
		runner: runner,
		cfg:    cfg,
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger: logger,
	}

	schedule := fmt.Sprintf("@every %ds", int(cfg.Interval.Seconds()))
	if _, err := r.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval)
		defer cancel()
		if _, err := r.Drain(ctx); err != nil {
			r.logger.Error("task retry drain failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule retrier: %w", err)
	}

	return r, nil
}

func (r *Retrier) Start() {
	r.cron.Start()
	r.logger.Info("task retrier started", "interval", r.cfg.Interval.String())
}

func (r *Retrier) Stop(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	r.logger.Info("task retrier stopped")
}

// Drain runs one batch of due tasks and returns how many completed.
func (r *Retrier) Drain(ctx context.Context) (int, error) {
	tasks, err := r.runner.DueTasks(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, task := range tasks {
		if _, err := r.runner.Run(ctx, task.OrderID, task.Kind); err != nil {
			continue
		}
		completed++
	}

	if len(tasks) > 0 {
		r.logger.Info("task retry batch finished", "due", len(tasks), "completed", completed)
	}
	return completed, nil
}
