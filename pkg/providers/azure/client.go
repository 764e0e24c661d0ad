package azure

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/sony/gobreaker"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Service names used for circuit breakers and telemetry.
const (
	ServiceCompute   = "compute"
	ServiceNetwork   = "network"
	ServiceStorage   = "storage"
	ServiceKeyVault  = "keyvault"
	ServiceResources = "resources"
)

// ProviderName labels provider telemetry.
const ProviderName = "azure"

// BreakerSettings configure the per-service circuit breakers.
type BreakerSettings struct {
	// Failures is the number of consecutive failures that opens a breaker.
	Failures uint32

	// Timeout is how long an open breaker rejects calls before probing.
	Timeout time.Duration
}

// ClientFactory builds ARM clients per subscription and guards every call
// with a per-service circuit breaker.
type ClientFactory struct {
	cred    azcore.TokenCredential
	options *arm.ClientOptions
	logger  *telemetry.Logger

	mu       sync.Mutex
	clients  map[string]interface{}
	breakers map[string]*gobreaker.CircuitBreaker
	settings BreakerSettings
}

// NewClientFactory creates a factory from configuration. A client secret
// selects a client-secret credential; otherwise the default azidentity
// chain is used.
func NewClientFactory(cfg config.AzureConfig, logger *telemetry.Logger) (*ClientFactory, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)
	if cfg.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}

	var options *arm.ClientOptions
	if cfg.ResourceManagerEndpoint != "" {
		options = &arm.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				Cloud: cloud.Configuration{
					Services: map[cloud.ServiceName]cloud.ServiceConfiguration{
						cloud.ResourceManager: {
							Endpoint: cfg.ResourceManagerEndpoint,
							Audience: "https://management.azure.com/",
						},
					},
				},
			},
		}
	}

	return NewClientFactoryWithCredential(cred, options, BreakerSettings{
		Failures: cfg.BreakerFailures,
		Timeout:  cfg.BreakerTimeout.D(),
	}, logger), nil
}

// NewClientFactoryWithCredential creates a factory with an explicit
// credential and client options.
func NewClientFactoryWithCredential(cred azcore.TokenCredential, options *arm.ClientOptions, settings BreakerSettings, logger *telemetry.Logger) *ClientFactory {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if settings.Failures == 0 {
		settings.Failures = 5
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	return &ClientFactory{
		cred:     cred,
		options:  options,
		logger:   logger.NewComponentLogger("azure"),
		clients:  make(map[string]interface{}),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

// clientFor returns the cached client of one kind for a subscription,
// building it on first use.
func clientFor[T any](f *ClientFactory, kind, subscriptionID string, build func(string, azcore.TokenCredential, *arm.ClientOptions) (T, error)) (T, error) {
	key := kind + "/" + subscriptionID

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c.(T), nil
	}
	c, err := build(subscriptionID, f.cred, f.options)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("failed to create %s client: %w", kind, err)
	}
	f.clients[key] = c
	return c, nil
}

// do runs one ARM call through the service's circuit breaker and classifies
// the error it returns.
func (f *ClientFactory) do(ctx context.Context, service, kind, name string, fn func(ctx context.Context) error) error {
	cb := f.breaker(service)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return breakerOpen(service, err)
	}
	return classify(kind, name, err)
}

func (f *ClientFactory) breaker(service string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[service]; ok {
		return cb
	}
	failures := f.settings.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     f.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			f.logger.Zerolog().Warn().
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
		IsSuccessful: countsAsSuccess,
	})
	f.breakers[service] = cb
	return cb
}

// BreakerState reports the state of a service's breaker.
func (f *ClientFactory) BreakerState(service string) gobreaker.State {
	return f.breaker(service).State()
}
