package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/jobs"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Unit outcomes reported to metrics.
const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	outcomeEnqueued  = "enqueued"
	outcomeLeased    = "leased"
)

// Config describes a periodic task. Each tick the task lists its shards
// and runs RunUnit once per shard whose lease it can take.
type Config struct {
	Name string

	// LeaseName prefixes the per-shard lease names. Defaults to Name.
	LeaseName string

	Interval time.Duration
	LeaseTTL time.Duration

	Shards  func(ctx context.Context) ([]string, error)
	RunUnit func(ctx context.Context, shard string) error
}

func (c *Config) validate() error {
	if c.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", c.Name)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("task %s: lease ttl must be positive", c.Name)
	}
	if c.Shards == nil || c.RunUnit == nil {
		return fmt.Errorf("task %s: shards and unit function are required", c.Name)
	}
	if c.LeaseName == "" {
		c.LeaseName = c.Name
	}
	return nil
}

// QueueID is the durable queue the units of task name are enqueued on.
func QueueID(name string) string {
	return "task-" + name
}

// LeaseStore grants named, expiring leases.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Options configure a Runner.
type Options struct {
	// Owner identifies this process on leases. Defaults to a random id.
	Owner string

	// Durable enqueues units on the task queue instead of running them.
	Durable bool
	Queue   *jobs.Queue

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Runner drives periodic tasks. Several processes may run the same task:
// the shard leases make sure a unit runs at most once per lease.
type Runner struct {
	leases  LeaseStore
	opts    Options
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// NewRunner creates a runner over leases.
func NewRunner(leases LeaseStore, opts Options) *Runner {
	if opts.Owner == "" {
		opts.Owner = uuid.New().String()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Runner{
		leases:  leases,
		opts:    opts,
		logger:  logger.NewComponentLogger("tasks"),
		metrics: opts.Metrics,
	}
}

// Run ticks cfg every Interval, starting immediately, until ctx is done.
func (r *Runner) Run(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if r.opts.Durable && r.opts.Queue == nil {
		return fmt.Errorf("task %s: durable dispatch needs a queue", cfg.Name)
	}

	logger := r.logger.WithField("task", cfg.Name)
	logger.Zerolog().Info().Dur("interval", cfg.Interval).Bool("durable", r.opts.Durable).Msg("Task started")

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.Tick(ctx, cfg); err != nil && ctx.Err() == nil {
			logger.Zerolog().Error().Err(err).Msg("Task tick failed")
		}
		select {
		case <-ctx.Done():
			logger.Info("Task stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass of cfg over its shards. A failing unit does not stop
// the others; their errors are joined.
func (r *Runner) Tick(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	shards, err := cfg.Shards(ctx)
	if err != nil {
		return fmt.Errorf("failed to list shards of %s: %w", cfg.Name, err)
	}

	var errs []error
	for _, shard := range shards {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.dispatch(ctx, &cfg, shard); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) dispatch(ctx context.Context, cfg *Config, shard string) error {
	logger := r.logger.WithField("task", cfg.Name).WithField("shard", shard)
	lease := cfg.LeaseName + "/" + shard

	ok, err := r.leases.AcquireLease(ctx, lease, r.opts.Owner, cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		logger.Debug("Shard leased elsewhere, skipping")
		r.metrics.RecordTaskUnit(cfg.Name, outcomeLeased)
		return nil
	}

	if r.opts.Durable {
		// The lease is left to expire so the unit is not enqueued again
		// before the next interval.
		job, err := r.opts.Queue.Enqueue(ctx, QueueID(cfg.Name), unitJob{Shard: shard}, 0)
		if err != nil {
			return fmt.Errorf("failed to enqueue %s unit %s: %w", cfg.Name, shard, err)
		}
		logger.WithField("job_id", job.ID).Debug("Task unit enqueued")
		r.metrics.RecordTaskUnit(cfg.Name, outcomeEnqueued)
		return nil
	}

	defer func() {
		if err := r.leases.ReleaseLease(context.WithoutCancel(ctx), lease, r.opts.Owner); err != nil {
			logger.Zerolog().Warn().Err(err).Msg("Failed to release task lease")
		}
	}()
	return r.runUnit(ctx, cfg, shard)
}

func (r *Runner) runUnit(ctx context.Context, cfg *Config, shard string) error {
	logger := r.logger.WithField("task", cfg.Name).WithField("shard", shard)
	timer := telemetry.NewTimer()

	if err := cfg.RunUnit(ctx, shard); err != nil {
		logger.Zerolog().Error().Err(err).Dur("duration", timer.Duration()).Msg("Task unit failed")
		r.metrics.RecordTaskUnit(cfg.Name, outcomeFailed)
		return fmt.Errorf("%s unit %s: %w", cfg.Name, shard, err)
	}
	logger.Zerolog().Debug().Dur("duration", timer.Duration()).Msg("Task unit finished")
	r.metrics.RecordTaskUnit(cfg.Name, outcomeSucceeded)
	return nil
}

type unitJob struct {
	Shard string `json:"shard"`
}

// Handler runs the durable units of cfg. Register it on QueueID(cfg.Name).
func (r *Runner) Handler(cfg Config) jobs.Handler {
	return func(ctx context.Context, input json.RawMessage, token string) (*engine.ContinuationResult, error) {
		if err := cfg.validate(); err != nil {
			return nil, engine.NewPermanentError("invalid task", err)
		}
		var job unitJob
		if err := json.Unmarshal(input, &job); err != nil || job.Shard == "" {
			return nil, engine.NewValidationError("malformed %s unit job", cfg.Name)
		}
		if err := r.runUnit(ctx, &cfg, job.Shard); err != nil {
			return nil, err
		}
		return engine.Succeeded(nil), nil
	}
}
