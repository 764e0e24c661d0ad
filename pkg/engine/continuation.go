package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NextInput tells the caller how to resume an in-progress operation.
type NextInput struct {
	// ContinuationToken is opaque to everything but the component that issued it.
	ContinuationToken string `json:"continuationToken"`

	// RetryAfter is the minimum delay before the next invocation.
	RetryAfter time.Duration `json:"retryAfter"`
}

// ContinuationResult is the outcome of one continuation step.
type ContinuationResult struct {
	Status       OperationState               `json:"status"`
	NextInput    *NextInput                   `json:"nextInput,omitempty"`
	ResourceInfo *AzureResourceInfo           `json:"resourceInfo,omitempty"`
	ErrorReason  string                       `json:"errorReason,omitempty"`
	Components   map[string]ResourceComponent `json:"components,omitempty"`
}

// InProgress builds a result asking to be resumed with token after retryAfter.
func InProgress(token string, retryAfter time.Duration) *ContinuationResult {
	return &ContinuationResult{
		Status:    OperationStateInProgress,
		NextInput: &NextInput{ContinuationToken: token, RetryAfter: retryAfter},
	}
}

// Succeeded builds a terminal success result.
func Succeeded(info *AzureResourceInfo) *ContinuationResult {
	return &ContinuationResult{Status: OperationStateSucceeded, ResourceInfo: info}
}

// Failed builds a terminal failure result.
func Failed(reason string) *ContinuationResult {
	return &ContinuationResult{Status: OperationStateFailed, ErrorReason: reason}
}

// Cancelled builds a terminal cancelled result.
func Cancelled(reason string) *ContinuationResult {
	return &ContinuationResult{Status: OperationStateCancelled, ErrorReason: reason}
}

// Terminate builds a terminal result with the given state.
func Terminate(state OperationState, reason string) *ContinuationResult {
	return &ContinuationResult{Status: state, ErrorReason: reason}
}

// Validate enforces the continuation contract: InProgress carries a token and
// a positive RetryAfter, terminal results carry no NextInput.
func (r *ContinuationResult) Validate() error {
	if r == nil {
		return fmt.Errorf("nil continuation result")
	}
	switch {
	case r.Status == OperationStateInProgress:
		if r.NextInput == nil || r.NextInput.ContinuationToken == "" {
			return fmt.Errorf("in-progress result without continuation token")
		}
		if r.NextInput.RetryAfter <= 0 {
			return fmt.Errorf("in-progress result without retry-after hint")
		}
	case r.Status.IsTerminal():
		if r.NextInput != nil {
			return fmt.Errorf("terminal result %s carries a continuation", r.Status)
		}
	default:
		return fmt.Errorf("invalid result status: %q", r.Status)
	}
	return nil
}

// NextStageInput is the continuation state of a provider adapter.
type NextStageInput struct {
	// TrackingID identifies the pending provider operation (e.g. a poller resume token).
	TrackingID string `json:"trackingId,omitempty"`

	// ResourceInfo is the handle of the resource being operated on.
	ResourceInfo AzureResourceInfo `json:"resourceInfo"`

	// Phase marks which step of a multi-phase operation is pending.
	Phase string `json:"phase,omitempty"`

	// RetryAttempt counts consecutive transient check failures.
	RetryAttempt int `json:"retryAttempt,omitempty"`

	// Dependents are handled by later phases once the primary resource is done.
	Dependents []AzureResourceInfo `json:"dependents,omitempty"`
}

const tokenVersion = 1

type tokenEnvelope struct {
	Kind    string          `json:"k"`
	Version int             `json:"v"`
	Payload json.RawMessage `json:"p"`
}

// EncodeToken wraps payload in a compact JSON envelope tagged with kind.
func EncodeToken(kind string, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s token: %w", kind, err)
	}
	data, err := json.Marshal(tokenEnvelope{Kind: kind, Version: tokenVersion, Payload: raw})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s token: %w", kind, err)
	}
	return string(data), nil
}

// DecodeToken unwraps a token produced by EncodeToken, rejecting tokens issued
// for a different kind.
func DecodeToken(token, kind string, out interface{}) error {
	env, err := openToken(token)
	if err != nil {
		return err
	}
	if env.Kind != kind {
		return invalidToken(fmt.Sprintf("token kind %q, expected %q", env.Kind, kind))
	}
	dec := json.NewDecoder(bytes.NewReader(env.Payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return invalidToken(fmt.Sprintf("malformed %s payload: %v", kind, err))
	}
	return nil
}

// TokenKind returns the kind a token was issued for.
func TokenKind(token string) (string, error) {
	env, err := openToken(token)
	if err != nil {
		return "", err
	}
	return env.Kind, nil
}

func openToken(token string) (*tokenEnvelope, error) {
	if token == "" {
		return nil, invalidToken("empty token")
	}
	var env tokenEnvelope
	if err := json.Unmarshal([]byte(token), &env); err != nil {
		return nil, invalidToken("malformed token")
	}
	if env.Kind == "" || len(env.Payload) == 0 {
		return nil, invalidToken("token without kind or payload")
	}
	if env.Version != tokenVersion {
		return nil, invalidToken(fmt.Sprintf("unsupported token version %d", env.Version))
	}
	return &env, nil
}

func invalidToken(reason string) *EngineError {
	return NewPermanentError("invalid continuation token", fmt.Errorf("%s", reason)).WithCode(ErrCodeInvalidToken)
}
