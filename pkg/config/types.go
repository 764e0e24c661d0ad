package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete cloudenv service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Azure     AzureConfig     `yaml:"azure"`
	Capacity  CapacityConfig  `yaml:"capacity"`
	Policy    PolicyConfig    `yaml:"policy"`
	Features  FeatureFlags    `yaml:"features"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Tasks     TasksConfig     `yaml:"tasks"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address         string   `yaml:"address" validate:"required"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path            string   `yaml:"path" validate:"required"`
	MaxOpenConns    int      `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int      `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

// TelemetryConfig carries the subset of telemetry settings exposed in the file.
type TelemetryConfig struct {
	Environment string        `yaml:"environment"`
	Logging     LoggingConfig `yaml:"logging"`
	Tracing     TracingConfig `yaml:"tracing"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Events      bool          `yaml:"events"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AzureConfig configures the ARM provider adapters.
type AzureConfig struct {
	// TenantID, ClientID and ClientSecret select a client-secret credential.
	// Without a secret the default azidentity chain is used.
	TenantID     string `yaml:"tenant_id" validate:"required_with=ClientSecret"`
	ClientID     string `yaml:"client_id" validate:"required_with=ClientSecret"`
	ClientSecret string `yaml:"client_secret"`

	// Simulate replaces the ARM adapters with an in-memory cloud.
	Simulate bool `yaml:"simulate"`

	// ResourceManagerEndpoint overrides the public cloud endpoint.
	ResourceManagerEndpoint string `yaml:"resource_manager_endpoint" validate:"omitempty,url"`

	Compute  ComputeDefaults  `yaml:"compute"`
	Network  NetworkDefaults  `yaml:"network"`
	Storage  StorageDefaults  `yaml:"storage"`
	KeyVault KeyVaultDefaults `yaml:"key_vault"`

	// Breaker trips per service after BreakerFailures consecutive failures.
	BreakerFailures uint32   `yaml:"breaker_failures" validate:"gte=1"`
	BreakerTimeout  Duration `yaml:"breaker_timeout" validate:"gt=0"`
}

// ComputeDefaults are applied to every virtual machine the broker creates.
type ComputeDefaults struct {
	ImagePublisher string `yaml:"image_publisher" validate:"required"`
	ImageOffer     string `yaml:"image_offer" validate:"required"`
	ImageSku       string `yaml:"image_sku" validate:"required"`
	ImageVersion   string `yaml:"image_version" validate:"required"`
	AdminUsername  string `yaml:"admin_username" validate:"required"`
	SSHPublicKey   string `yaml:"ssh_public_key"`
	OSDiskSizeGB   int32  `yaml:"os_disk_size_gb" validate:"gte=30"`
	DiskSku        string `yaml:"disk_sku" validate:"required"`
}

// NetworkDefaults name the virtual network every placement resource group
// carries. NICs without an explicit subnet join its subnet.
type NetworkDefaults struct {
	VirtualNetwork string `yaml:"virtual_network" validate:"required"`
	Subnet         string `yaml:"subnet" validate:"required"`
	AddressPrefix  string `yaml:"address_prefix" validate:"required,cidr"`
	SubnetPrefix   string `yaml:"subnet_prefix" validate:"required,cidr"`
}

// StorageDefaults configure the storage account that hosts input queues.
type StorageDefaults struct {
	AccountSku    string `yaml:"account_sku" validate:"required"`
	AccountPrefix string `yaml:"account_prefix" validate:"required,max=11,alphanum,lowercase"`
}

// KeyVaultDefaults configure key vault components.
type KeyVaultDefaults struct {
	Sku string `yaml:"sku" validate:"oneof=standard premium"`
}

// CapacityConfig configures placement.
type CapacityConfig struct {
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" validate:"dive"`

	// ResourceGroupBaseName is suffixed with -NNN when spreading is enabled.
	ResourceGroupBaseName string `yaml:"resource_group_base_name" validate:"required"`
	MaxResourceGroups     int    `yaml:"max_resource_groups" validate:"gte=1,lte=999"`

	// Skus maps VM sizes to the quota they consume.
	Skus map[string]SkuConfig `yaml:"skus" validate:"dive"`
}

// SubscriptionConfig is one entry of the subscription catalog.
type SubscriptionConfig struct {
	ID          string   `yaml:"id" validate:"required"`
	DisplayName string   `yaml:"display_name"`
	Enabled     bool     `yaml:"enabled"`
	ServiceType string   `yaml:"service_type" validate:"omitempty,oneof=Compute Network Storage KeyVault"`
	Locations   []string `yaml:"locations" validate:"min=1,dive,required"`
}

// SkuConfig is the compute quota family and core count of a VM size.
type SkuConfig struct {
	Family string `yaml:"family" validate:"required"`
	Cores  int64  `yaml:"cores" validate:"gt=0"`
}

// PolicyConfig configures placement policies.
type PolicyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
	Watch   bool   `yaml:"watch"`

	// ReservedSubscriptions are never chosen for placement.
	ReservedSubscriptions []string `yaml:"reserved_subscriptions" validate:"dive,required"`
}

// FeatureFlags toggle optional behaviour.
type FeatureFlags struct {
	EnableStateTransitionMonitor             bool `yaml:"enable_state_transition_monitor"`
	EnableProvisioningStateTransitionMonitor bool `yaml:"enable_provisioning_state_transition_monitor"`
	EnableHeartbeatMonitor                   bool `yaml:"enable_heartbeat_monitor"`
	EnableUnavailableHeartbeatMonitor        bool `yaml:"enable_unavailable_heartbeat_monitor"`
	DurableMonitorJobs                       bool `yaml:"durable_monitor_jobs"`
	DurableTaskDispatch                      bool `yaml:"durable_task_dispatch"`
	SeparateNetworkAndComputeSubscriptions   bool `yaml:"separate_network_and_compute_subscriptions"`
	SpreadResourcesInGroups                  bool `yaml:"spread_resources_in_groups"`
}

// MonitorConfig holds the transition timeouts.
type MonitorConfig struct {
	ProvisionTimeout   Duration `yaml:"provision_timeout" validate:"gt=0"`
	ResumeTimeout      Duration `yaml:"resume_timeout" validate:"gt=0"`
	ExportTimeout      Duration `yaml:"export_timeout" validate:"gt=0"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	UnavailableTimeout Duration `yaml:"unavailable_timeout" validate:"gt=0"`
}

// JobsConfig configures the deferred job worker.
type JobsConfig struct {
	Workers           int      `yaml:"workers" validate:"gte=1"`
	PollInterval      Duration `yaml:"poll_interval" validate:"gt=0"`
	VisibilityTimeout Duration `yaml:"visibility_timeout" validate:"gt=0"`
	MaxAttempts       int      `yaml:"max_attempts" validate:"gte=1"`
}

// TasksConfig configures the periodic tasks.
type TasksConfig struct {
	CapacityRefreshInterval Duration `yaml:"capacity_refresh_interval" validate:"gt=0"`
	FailedSweepInterval     Duration `yaml:"failed_sweep_interval" validate:"gt=0"`
	OrphanSweepInterval     Duration `yaml:"orphan_sweep_interval" validate:"gt=0"`
	InfrastructureInterval  Duration `yaml:"infrastructure_interval" validate:"gt=0"`
	LeaseTTL                Duration `yaml:"lease_ttl" validate:"gt=0"`

	// OrphanGracePeriod spares provider resources younger than this, so a
	// creation still in flight is never mistaken for an orphan.
	OrphanGracePeriod Duration `yaml:"orphan_grace_period" validate:"gt=0"`
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses strings such as "15m" or "90s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ValidationError is a schema or struct validation failure with its location.
type ValidationError struct {
	// Path is the configuration path of the offending value (e.g. "monitor.provision_timeout").
	Path string `json:"path,omitempty"`

	// Line is the source line, when known.
	Line int `json:"line,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	switch {
	case e.Path != "" && e.Line > 0:
		return fmt.Sprintf("%s (line %d): %s", e.Path, e.Line, e.Message)
	case e.Path != "":
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors collects every failure found in one document.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 1 {
		return "invalid configuration: " + errs[0].String()
	}
	msg := fmt.Sprintf("invalid configuration (%d errors):", len(errs))
	for _, e := range errs {
		msg += "\n  - " + e.String()
	}
	return msg
}
