package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// ActivatorOptions configure an Activator.
type ActivatorOptions struct {
	// MaxErrors bounds consecutive handler errors before a chain is dropped.
	MaxErrors int

	// Backoff computes the delay after a failed step. Defaults to engine.Backoff.
	Backoff func(attempt int, err error) time.Duration

	Logger *telemetry.Logger
}

// Activator runs continuation chains in process. The first step runs in
// the caller; later steps run on timers after each RetryAfter until the
// chain reaches a terminal result. Chains do not survive a restart.
type Activator struct {
	opts   ActivatorOptions
	logger *telemetry.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inflight int
	stopped  bool
	wg       sync.WaitGroup
}

// NewActivator creates an activator.
func NewActivator(opts ActivatorOptions) *Activator {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = 10
	}
	if opts.Backoff == nil {
		opts.Backoff = engine.Backoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Activator{
		opts:   opts,
		logger: logger.NewComponentLogger("activator"),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[string]*time.Timer),
	}
}

// Activate runs the first step of h for input. An in-progress result is
// followed up on a timer under name, replacing any chain pending under the
// same name. The first result is returned as is.
func (a *Activator) Activate(ctx context.Context, name string, input interface{}, h Handler) (*engine.ContinuationResult, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s input: %w", name, err)
	}

	result, err := h(ctx, raw, "")
	if err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	if result.Status == engine.OperationStateInProgress {
		a.schedule(name, raw, h, result.NextInput.ContinuationToken, 0, result.NextInput.RetryAfter)
	}
	return result, nil
}

// Pending returns the number of chains waiting on a timer or running a step.
func (a *Activator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers) + a.inflight
}

// Stop cancels every pending timer and waits for running steps to return.
func (a *Activator) Stop() {
	a.mu.Lock()
	a.stopped = true
	for name, t := range a.timers {
		t.Stop()
		delete(a.timers, name)
	}
	a.mu.Unlock()

	a.cancel()
	a.wg.Wait()
}

func (a *Activator) schedule(name string, input json.RawMessage, h Handler, token string, failures int, delay time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if old, ok := a.timers[name]; ok {
		old.Stop()
	}

	// The callback takes the lock before reading t, so t is always set.
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		a.step(name, input, h, token, failures, t)
	})
	a.timers[name] = t
}

func (a *Activator) step(name string, input json.RawMessage, h Handler, token string, failures int, self *time.Timer) {
	a.mu.Lock()
	if a.stopped || a.timers[name] != self {
		a.mu.Unlock()
		return
	}
	delete(a.timers, name)
	a.inflight++
	a.wg.Add(1)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inflight--
		a.mu.Unlock()
		a.wg.Done()
	}()

	logger := a.logger.WithField("chain", name)

	result, err := h(logger.WithContext(a.ctx), input, token)
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		failures++
		if engine.IsPermanent(err) || failures >= a.opts.MaxErrors {
			logger.Zerolog().Error().Err(err).Int("failures", failures).Msg("Continuation chain dropped")
			return
		}
		delay := a.opts.Backoff(failures-1, err)
		logger.Zerolog().Warn().Err(err).Dur("retry_after", delay).Msg("Continuation step failed, retrying")
		a.schedule(name, input, h, token, failures, delay)
		return
	}

	if result.Status == engine.OperationStateInProgress {
		a.schedule(name, input, h, result.NextInput.ContinuationToken, 0, result.NextInput.RetryAfter)
		return
	}

	logger.Zerolog().Debug().
		Str("status", string(result.Status)).
		Str("reason", result.ErrorReason).
		Msg("Continuation chain finished")
}
