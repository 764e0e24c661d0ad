package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Default polling intervals.
const (
	CreateRetryAfter    = 10 * time.Second
	DeleteRetryAfter    = 10 * time.Second
	StartRetryAfter     = 5 * time.Second
	ComponentRetryAfter = 5 * time.Second

	// DefaultMaxTransientRetries bounds consecutive retryable check failures.
	DefaultMaxTransientRetries = 5
)

// Driver turns an adapter's begin/check pair into continuation steps. An
// empty token always begins a new provider operation and a token always
// checks the one it names.
type Driver struct {
	// Kind tags the tokens this driver issues; tokens of another kind are rejected.
	Kind string

	// Provider and Operation label logs, spans and metrics.
	Provider     string
	Operation    string
	ResourceType engine.ResourceType

	RetryAfter          time.Duration
	MaxTransientRetries int

	// NotFoundIsSuccess maps a NOT_FOUND adapter error to Succeeded.
	NotFoundIsSuccess bool
}

// Step is one invocation of a driver.
type Step struct {
	ResourceID string
	Token      string

	// Expect, when set, must match the handle carried by Token. ExpectAny
	// adds handles a multi-phase operation moves on to.
	Expect    *engine.AzureResourceInfo
	ExpectAny []engine.AzureResourceInfo

	Begin BeginFunc
	Check CheckFunc
}

// Run executes one continuation step. Provider failures are reported as a
// Failed result with an ErrorReason; only an unusable token is returned as
// an error.
func (d Driver) Run(ctx context.Context, step Step) (result *engine.ContinuationResult, err error) {
	sc := telemetry.StartStep(ctx, d.Operation, string(d.ResourceType), step.ResourceID)
	ctx = sc.Ctx
	defer func() {
		status := "error"
		if result != nil {
			status = string(result.Status)
		}
		sc.End(status, err)
	}()

	if step.Token == "" {
		var (
			state engine.OperationState
			next  *engine.NextStageInput
		)
		callErr := telemetry.RecordProviderOperation(ctx, d.Provider, d.Operation+".begin", func(ctx context.Context) error {
			var err error
			state, next, err = step.Begin(ctx)
			return err
		})
		if callErr != nil {
			return d.fromError(sc.Logger, callErr, nil), nil
		}
		return d.fromState(state, next)
	}

	var prev engine.NextStageInput
	if err := engine.DecodeToken(step.Token, d.Kind, &prev); err != nil {
		return nil, err
	}
	if !step.owns(&prev.ResourceInfo) {
		return nil, engine.NewPermanentError("invalid continuation token",
			fmt.Errorf("token names %s, which %s does not own", prev.ResourceInfo.String(), step.ResourceID)).
			WithCode(engine.ErrCodeInvalidToken).
			WithResource(step.ResourceID)
	}

	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	callErr := telemetry.RecordProviderOperation(ctx, d.Provider, d.Operation+".check", func(ctx context.Context) error {
		var err error
		state, next, err = step.Check(ctx, &prev)
		return err
	})
	if callErr != nil {
		if engine.IsRetryable(callErr) && prev.RetryAttempt < d.maxRetries() {
			retry := prev
			retry.RetryAttempt++
			delay := engine.Backoff(prev.RetryAttempt, callErr)
			sc.Logger.Zerolog().Warn().Err(callErr).
				Int("attempt", retry.RetryAttempt).
				Dur("retry_after", delay).
				Msg("Transient provider error, retrying check")
			return d.inProgress(&retry, delay)
		}
		return d.fromError(sc.Logger, callErr, &prev), nil
	}

	return d.fromState(state, next)
}

func (d Driver) fromState(state engine.OperationState, next *engine.NextStageInput) (*engine.ContinuationResult, error) {
	var result *engine.ContinuationResult
	switch state {
	case engine.OperationStateInProgress:
		if next == nil {
			return nil, engine.NewPermanentError(fmt.Sprintf("%s adapter returned InProgress without a continuation", d.Operation), nil).
				WithCode(engine.ErrCodeInternal)
		}
		n := *next
		n.RetryAttempt = 0
		return d.inProgress(&n, d.retryAfter())
	case engine.OperationStateSucceeded:
		result = engine.Succeeded(handleOf(next))
	case engine.OperationStateFailed, engine.OperationStateCancelled:
		result = engine.Terminate(state, fmt.Sprintf("%s %s %s", d.ResourceType, d.Operation, strings.ToLower(string(state))))
		result.ResourceInfo = handleOf(next)
	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("%s adapter returned state %q", d.Operation, state), nil).
			WithCode(engine.ErrCodeInternal)
	}
	return result, result.Validate()
}

func (d Driver) fromError(logger *telemetry.Logger, err error, prev *engine.NextStageInput) *engine.ContinuationResult {
	if d.NotFoundIsSuccess && engine.IsNotFound(err) {
		return engine.Succeeded(handleOf(prev))
	}
	logger.Zerolog().Error().Err(err).Msg("Provider operation failed")
	result := engine.Failed(err.Error())
	result.ResourceInfo = handleOf(prev)
	return result
}

func (d Driver) inProgress(next *engine.NextStageInput, delay time.Duration) (*engine.ContinuationResult, error) {
	token, err := engine.EncodeToken(d.Kind, next)
	if err != nil {
		return nil, err
	}
	result := engine.InProgress(token, delay)
	result.ResourceInfo = handleOf(next)
	return result, nil
}

func (d Driver) retryAfter() time.Duration {
	if d.RetryAfter > 0 {
		return d.RetryAfter
	}
	return ComponentRetryAfter
}

func (d Driver) maxRetries() int {
	if d.MaxTransientRetries > 0 {
		return d.MaxTransientRetries
	}
	return DefaultMaxTransientRetries
}

func handleOf(next *engine.NextStageInput) *engine.AzureResourceInfo {
	if next == nil || next.ResourceInfo.Name == "" {
		return nil
	}
	return next.ResourceInfo.Clone()
}

// owns reports whether a token naming info belongs to the step.
func (s Step) owns(info *engine.AzureResourceInfo) bool {
	if s.Expect == nil && len(s.ExpectAny) == 0 {
		return true
	}
	if s.Expect != nil && sameResource(s.Expect, info) {
		return true
	}
	for i := range s.ExpectAny {
		if sameResource(&s.ExpectAny[i], info) {
			return true
		}
	}
	return false
}

func sameResource(a, b *engine.AzureResourceInfo) bool {
	return strings.EqualFold(a.SubscriptionID, b.SubscriptionID) &&
		strings.EqualFold(a.ResourceGroup, b.ResourceGroup) &&
		strings.EqualFold(a.Name, b.Name)
}
