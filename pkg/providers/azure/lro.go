package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// progress reports the state of a long-running ARM operation. A poller that
// is still running is captured as a resume token in TrackingID. When poll is
// set the poller is advanced once first; begin calls leave it alone since
// the initial request has just been sent.
func progress[T any](ctx context.Context, p *runtime.Poller[T], next engine.NextStageInput, poll bool) (engine.OperationState, *engine.NextStageInput, *T, error) {
	if poll && !p.Done() {
		if _, err := p.Poll(ctx); err != nil {
			return "", nil, nil, err
		}
	}

	if p.Done() {
		res, err := p.Result(ctx)
		if cancelled(err) {
			next.TrackingID = ""
			return engine.OperationStateCancelled, &next, nil, nil
		}
		if err != nil {
			return "", nil, nil, err
		}
		next.TrackingID = ""
		return engine.OperationStateSucceeded, &next, &res, nil
	}

	token, err := p.ResumeToken()
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to capture resume token: %w", err)
	}
	next.TrackingID = token
	return engine.OperationStateInProgress, &next, nil, nil
}

// cancelled reports whether err is the final response of an operation that
// was cancelled outside the service. ARM reports it as a failed operation
// whose status, or provisioning state, is Canceled.
func cancelled(err error) bool {
	var re *azcore.ResponseError
	if !errors.As(err, &re) {
		return false
	}
	if isCanceled(re.ErrorCode) || strings.EqualFold(re.ErrorCode, "OperationCanceled") {
		return true
	}
	if re.RawResponse == nil {
		return false
	}
	body, err := runtime.Payload(re.RawResponse)
	if err != nil || len(body) == 0 {
		return false
	}
	var op struct {
		Status     string `json:"status"`
		Properties struct {
			ProvisioningState string `json:"provisioningState"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(body, &op); err != nil {
		return false
	}
	return isCanceled(op.Status) || isCanceled(op.Properties.ProvisioningState)
}

func isCanceled(s string) bool {
	return strings.EqualFold(s, "Canceled") || strings.EqualFold(s, "Cancelled")
}

// resumeToken returns the poller token of a check call.
func resumeToken(next *engine.NextStageInput) (string, error) {
	if next == nil || next.TrackingID == "" {
		return "", engine.NewPermanentError("continuation carries no operation to poll", nil).
			WithCode(engine.ErrCodeInvalidToken)
	}
	return next.TrackingID, nil
}

func withProperties(info engine.AzureResourceInfo, kv ...string) engine.AzureResourceInfo {
	out := *info.Clone()
	if out.Properties == nil {
		out.Properties = make(map[string]string, len(kv)/2)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out.Properties[kv[i]] = kv[i+1]
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func tagPtrs(tags map[string]string) map[string]*string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]*string, len(tags))
	for k, v := range tags {
		v := v
		out[k] = &v
	}
	return out
}
