package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/stores"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Job outcomes reported to metrics.
const (
	outcomeRescheduled = "rescheduled"
	outcomeRetried     = "retried"
	outcomeFailed      = "failed"
)

// Options configure a Worker.
type Options struct {
	Workers           int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration

	// MaxAttempts bounds consecutive handler errors before a job is failed.
	MaxAttempts int

	// Backoff computes the delay after a failed step. Defaults to engine.Backoff.
	Backoff func(attempt int, err error) time.Duration

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Worker drives queued jobs through their handlers until they reach a
// terminal result. Delivery is at least once: a job whose worker dies
// reappears once its visibility timeout expires.
type Worker struct {
	store   Store
	opts    Options
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewWorker creates a worker over store.
func NewWorker(store Store, opts Options) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.Backoff == nil {
		opts.Backoff = engine.Backoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Worker{
		store:    store,
		opts:     opts,
		logger:   logger.NewComponentLogger("jobs"),
		metrics:  opts.Metrics,
		handlers: make(map[string]Handler),
	}
}

// Register serves queueID with h, replacing any previous handler.
func (w *Worker) Register(queueID string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[queueID] = h
}

// Queues lists the served queues.
func (w *Worker) Queues() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.handlers))
	for q := range w.handlers {
		out = append(out, q)
	}
	sort.Strings(out)
	return out
}

func (w *Worker) handler(queueID string) Handler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.handlers[queueID]
}

// Run polls every served queue on Workers goroutines until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	queues := w.Queues()
	if len(queues) == 0 {
		return fmt.Errorf("no job handlers registered")
	}

	w.logger.Zerolog().Info().
		Int("workers", w.opts.Workers).
		Strs("queues", queues).
		Msg("Job worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id, queues)
		}(i)
	}
	wg.Wait()

	w.logger.Info("Job worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int, queues []string) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		busy := false
		for _, q := range queues {
			if ctx.Err() != nil {
				return
			}
			processed, err := w.ProcessOne(ctx, q)
			if err != nil {
				w.logger.Zerolog().Error().Err(err).Int("worker", id).Str("queue", q).Msg("Job processing failed")
			}
			busy = busy || processed
		}
		if busy {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and runs at most one visible job of queueID. It
// reports whether a job was claimed.
func (w *Worker) ProcessOne(ctx context.Context, queueID string) (bool, error) {
	job, err := w.store.DequeueJob(ctx, queueID, w.opts.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	return true, w.process(ctx, job)
}

func (w *Worker) process(ctx context.Context, job *stores.Job) error {
	logger := w.logger.WithField("job_id", job.ID).WithField("queue", job.QueueID)
	ctx = logger.WithContext(ctx)

	h := w.handler(job.QueueID)
	if h == nil {
		w.metrics.RecordJob(job.QueueID, outcomeFailed)
		return w.store.FailJob(ctx, job.ID, "no handler for queue "+job.QueueID)
	}
	p, err := decodePayload(job.Payload)
	if err != nil {
		w.metrics.RecordJob(job.QueueID, outcomeFailed)
		return w.store.FailJob(ctx, job.ID, fmt.Sprintf("malformed job payload: %v", err))
	}

	result, err := h(ctx, p.Input, p.Token)
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		p.Failures++
		class := engine.ClassOf(err)
		if class == "" {
			class = "unclassified"
		}
		w.metrics.RecordError(string(class), engine.CodeOf(err))
		if engine.IsPermanent(err) || p.Failures >= w.opts.MaxAttempts {
			logger.Zerolog().Error().Err(err).Int("failures", p.Failures).Msg("Job failed")
			w.metrics.RecordJob(job.QueueID, outcomeFailed)
			return w.store.FailJob(ctx, job.ID, err.Error())
		}
		delay := w.opts.Backoff(p.Failures-1, err)
		logger.Zerolog().Warn().Err(err).Int("failures", p.Failures).Dur("retry_after", delay).Msg("Job step failed, retrying")
		w.metrics.RecordJob(job.QueueID, outcomeRetried)
		msg := err.Error()
		return w.reschedule(ctx, job, p, delay, &msg)
	}

	if result.Status == engine.OperationStateInProgress {
		p.Token = result.NextInput.ContinuationToken
		p.Failures = 0
		w.metrics.RecordJob(job.QueueID, outcomeRescheduled)
		return w.reschedule(ctx, job, p, result.NextInput.RetryAfter, nil)
	}

	logger.Zerolog().Info().
		Str("status", string(result.Status)).
		Str("reason", result.ErrorReason).
		Msg("Job finished")
	w.metrics.RecordJob(job.QueueID, strings.ToLower(string(result.Status)))
	return w.store.CompleteJob(ctx, job.ID)
}

func (w *Worker) reschedule(ctx context.Context, job *stores.Job, p *Payload, delay time.Duration, lastErr *string) error {
	data, err := encodePayload(p)
	if err != nil {
		return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return w.store.RescheduleJob(ctx, job.ID, data, delay, lastErr)
}

// ReportPending publishes the number of pending jobs per queue.
func (w *Worker) ReportPending(ctx context.Context) error {
	for _, q := range w.Queues() {
		n, err := w.store.CountJobs(ctx, q, stores.JobStatusPending)
		if err != nil {
			return fmt.Errorf("failed to count jobs on %s: %w", q, err)
		}
		w.metrics.SetPendingJobs(q, float64(n))
	}
	return nil
}
