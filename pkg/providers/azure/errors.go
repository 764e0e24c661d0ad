package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

// classify maps an ARM error onto the engine taxonomy.
func classify(kind, name string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		msg := fmt.Sprintf("%s %s: %s", kind, name, describe(respErr))
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return engine.NewNotFoundError(kind, name).WithDetail("error_code", respErr.ErrorCode)
		case respErr.StatusCode == http.StatusConflict:
			return engine.NewConflictError(msg, err)
		case respErr.StatusCode == http.StatusTooManyRequests:
			return engine.NewThrottledError(msg, err)
		case respErr.StatusCode >= http.StatusInternalServerError:
			return engine.NewTransientError(msg, err)
		default:
			return engine.NewPermanentError(msg, err).WithCode(engine.ErrCodeProviderFailed)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(fmt.Sprintf("%s %s: request timed out", kind, name), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return engine.NewTransientError(fmt.Sprintf("%s %s: %v", kind, name, err), err)
	}

	var engineErr *engine.EngineError
	if errors.As(err, &engineErr) {
		return err
	}
	return engine.NewPermanentError(fmt.Sprintf("%s %s: %v", kind, name, err), err).WithCode(engine.ErrCodeProviderFailed)
}

func describe(respErr *azcore.ResponseError) string {
	if respErr.ErrorCode != "" {
		return fmt.Sprintf("%s (HTTP %d)", respErr.ErrorCode, respErr.StatusCode)
	}
	return fmt.Sprintf("HTTP %d", respErr.StatusCode)
}

func breakerOpen(service string, err error) error {
	return engine.NewTransientError(fmt.Sprintf("%s calls suspended by circuit breaker", service), err).
		WithCode(engine.ErrCodeThrottled)
}

// countsAsSuccess keeps client errors from tripping a breaker. Only
// throttling, server and transport failures count against the service.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode < http.StatusInternalServerError && respErr.StatusCode != http.StatusTooManyRequests
	}
	return errors.Is(err, context.Canceled)
}
