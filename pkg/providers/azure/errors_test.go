package azure

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/assert"

	"github.com/openfroyo/cloudenv/pkg/engine"
)

func responseError(status int, code string) error {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: code}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want func(error) bool
	}{
		{"not found", responseError(http.StatusNotFound, "ResourceNotFound"), engine.IsNotFound},
		{"conflict", responseError(http.StatusConflict, "OperationNotAllowed"), engine.IsConflict},
		{"throttled", responseError(http.StatusTooManyRequests, ""), engine.IsThrottled},
		{"server", responseError(http.StatusBadGateway, ""), engine.IsTransient},
		{"client", responseError(http.StatusBadRequest, "InvalidParameter"), engine.IsPermanent},
		{"deadline", context.DeadlineExceeded, engine.IsTransient},
		{"unknown", errors.New("boom"), engine.IsPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(kindVirtualMachine, "vm1", tt.err)
			assert.True(t, tt.want(err), "unexpected class for %v", err)
		})
	}

	engineErr := engine.NewConflictError("busy", nil)
	assert.Same(t, engineErr, classify(kindDisk, "d1", engineErr))
}

func TestCountsAsSuccess(t *testing.T) {
	assert.True(t, countsAsSuccess(nil))
	assert.True(t, countsAsSuccess(responseError(http.StatusNotFound, "")))
	assert.True(t, countsAsSuccess(responseError(http.StatusConflict, "")))
	assert.True(t, countsAsSuccess(context.Canceled))
	assert.False(t, countsAsSuccess(responseError(http.StatusTooManyRequests, "")))
	assert.False(t, countsAsSuccess(responseError(http.StatusServiceUnavailable, "")))
	assert.False(t, countsAsSuccess(errors.New("connection reset")))
}
