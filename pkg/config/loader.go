package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Default returns the built-in configuration. Files loaded with Load overlay it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path:            "cloudenv.db",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(time.Hour),
		},
		Telemetry: TelemetryConfig{
			Environment: "development",
			Logging:     LoggingConfig{Level: "info", Format: "console", Output: "stdout"},
			Tracing:     TracingConfig{Enabled: false, Exporter: "none", SamplingRate: 1},
			Metrics:     MetricsConfig{Enabled: true},
			Events:      true,
		},
		Azure: AzureConfig{
			Compute: ComputeDefaults{
				ImagePublisher: "Canonical",
				ImageOffer:     "ubuntu-24_04-lts",
				ImageSku:       "server",
				ImageVersion:   "latest",
				AdminUsername:  "cloudenv",
				OSDiskSizeGB:   64,
				DiskSku:        "Premium_LRS",
			},
			Network: NetworkDefaults{
				VirtualNetwork: "cloudenv-vnet",
				Subnet:         "default",
				AddressPrefix:  "10.0.0.0/16",
				SubnetPrefix:   "10.0.0.0/24",
			},
			Storage: StorageDefaults{
				AccountSku:    "Standard_LRS",
				AccountPrefix: "cenvq",
			},
			KeyVault:        KeyVaultDefaults{Sku: "standard"},
			BreakerFailures: 5,
			BreakerTimeout:  Duration(30 * time.Second),
		},
		Capacity: CapacityConfig{
			ResourceGroupBaseName: "cloudenv-rg",
			MaxResourceGroups:     10,
			Skus: map[string]SkuConfig{
				"Standard_D2s_v3": {Family: "standardDSv3Family", Cores: 2},
				"Standard_D4s_v3": {Family: "standardDSv3Family", Cores: 4},
				"Standard_D8s_v3": {Family: "standardDSv3Family", Cores: 8},
			},
		},
		Features: FeatureFlags{
			EnableStateTransitionMonitor:             true,
			EnableProvisioningStateTransitionMonitor: true,
			EnableHeartbeatMonitor:                   true,
			EnableUnavailableHeartbeatMonitor:        true,
		},
		Monitor: MonitorConfig{
			ProvisionTimeout:   Duration(15 * time.Minute),
			ResumeTimeout:      Duration(10 * time.Minute),
			ExportTimeout:      Duration(20 * time.Minute),
			ShutdownTimeout:    Duration(10 * time.Minute),
			UnavailableTimeout: Duration(10 * time.Minute),
		},
		Jobs: JobsConfig{
			Workers:           4,
			PollInterval:      Duration(time.Second),
			VisibilityTimeout: Duration(5 * time.Minute),
			MaxAttempts:       10,
		},
		Tasks: TasksConfig{
			CapacityRefreshInterval: Duration(5 * time.Minute),
			FailedSweepInterval:     Duration(10 * time.Minute),
			OrphanSweepInterval:     Duration(time.Hour),
			InfrastructureInterval:  Duration(30 * time.Minute),
			LeaseTTL:                Duration(2 * time.Minute),
			OrphanGracePeriod:       Duration(6 * time.Hour),
		},
	}
}

// Loader reads configuration files, checking them against the CUE schema
// before decoding and against struct tags after.
type Loader struct {
	schema    *Schema
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schema.
func NewLoader() (*Loader, error) {
	schema, err := NewSchema()
	if err != nil {
		return nil, err
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(yamlFieldName)
	return &Loader{schema: schema, validator: v}, nil
}

// Load reads and validates the file at path. An empty path yields the defaults.
func (l *Loader) Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, l.Validate(cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
func (l *Loader) Parse(data []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc != nil {
		if err := l.schema.Validate(doc); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := l.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct-level constraints.
func (l *Loader) Validate(cfg *Config) error {
	err := l.validator.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    strings.TrimPrefix(fe.Namespace(), "Config."),
			Message: describeFieldError(fe),
		})
	}
	return out
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if", "required_with":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gt", "gte", "lt", "lte", "min", "max":
		return fmt.Sprintf("must satisfy %s=%s", fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func yamlFieldName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// ToTelemetry builds the telemetry configuration for the given build version.
func (c *Config) ToTelemetry(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	if c.Telemetry.Environment != "" {
		tc.Environment = c.Telemetry.Environment
	}
	tc.Logging.Level = c.Telemetry.Logging.Level
	tc.Logging.Format = c.Telemetry.Logging.Format
	if c.Telemetry.Logging.Output != "" {
		tc.Logging.Output = c.Telemetry.Logging.Output
	}
	tc.Tracing.Enabled = c.Telemetry.Tracing.Enabled
	if c.Telemetry.Tracing.Exporter != "" {
		tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	}
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Telemetry.Tracing.Insecure
	tc.Metrics.Enabled = c.Telemetry.Metrics.Enabled
	tc.Events.Enabled = c.Telemetry.Events
	return tc
}
