package config

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// Schema validates raw configuration documents against the #Config definition.
type Schema struct {
	ctx *cue.Context
	def cue.Value
	mu  sync.Mutex
}

// NewSchema compiles the built-in configuration schema.
func NewSchema() (*Schema, error) {
	ctx := cuecontext.New()
	val := ctx.CompileString(configSchema, cue.Filename("config.cue"))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := val.LookupPath(cue.ParsePath("#Config"))
	if !def.Exists() {
		return nil, fmt.Errorf("config schema has no #Config definition")
	}
	return &Schema{ctx: ctx, def: def}, nil
}

// Validate unifies doc with #Config. Unknown keys, wrong types and values
// outside their allowed ranges are reported together.
func (s *Schema) Validate(doc map[string]interface{}) error {
	// cue.Context is not safe for concurrent use.
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.Encode(doc)
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	unified := s.def.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		format, args := e.Msg()
		out = append(out, ValidationError{
			Path:    configPath(e.Path()),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// configPath drops the schema definition selector so paths read as YAML keys.
func configPath(path []string) string {
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		path = path[1:]
	}
	return strings.Join(path, ".")
}

const configSchema = `
#Duration: string & =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"

#Config: {
	server?: {
		address?:          string & !=""
		shutdown_timeout?: #Duration
	}

	database?: {
		path?:              string & !=""
		max_open_conns?:    int & >=0
		max_idle_conns?:    int & >=0
		conn_max_lifetime?: #Duration
	}

	telemetry?: {
		environment?: string
		logging?: {
			level?:  "trace" | "debug" | "info" | "warn" | "error" | "fatal"
			format?: "console" | "json"
			output?: string
		}
		tracing?: {
			enabled?:       bool
			exporter?:      "otlp" | "stdout" | "none"
			endpoint?:      string
			sampling_rate?: number & >=0 & <=1
			insecure?:      bool
		}
		metrics?: enabled?: bool
		events?: bool
	}

	azure?: {
		tenant_id?:                 string
		client_id?:                 string
		client_secret?:             string
		simulate?:                  bool
		resource_manager_endpoint?: string & =~"^https?://"
		compute?: {
			image_publisher?: string
			image_offer?:     string
			image_sku?:       string
			image_version?:   string
			admin_username?:  string
			ssh_public_key?:  string
			os_disk_size_gb?: int & >=30
			disk_sku?:        string
		}
		network?: {
			virtual_network?: string & !=""
			subnet?:          string & !=""
			address_prefix?:  string
			subnet_prefix?:   string
		}
		storage?: {
			account_sku?:    string
			account_prefix?: string & =~"^[a-z0-9]{1,11}$"
		}
		key_vault?: sku?: "standard" | "premium"
		breaker_failures?: int & >=1
		breaker_timeout?:  #Duration
	}

	capacity?: {
		subscriptions?: [...{
			id:            string & !=""
			display_name?: string
			enabled?:      bool
			service_type?: "Compute" | "Network" | "Storage" | "KeyVault"
			locations: [string, ...string]
		}]
		resource_group_base_name?: string & !=""
		max_resource_groups?:      int & >=1 & <=999
		skus?: [string]: {
			family: string & !=""
			cores:  int & >0
		}
	}

	policy?: {
		enabled?: bool
		dir?:     string
		watch?:   bool
		reserved_subscriptions?: [...string & !=""]
	}

	features?: {
		enable_state_transition_monitor?:              bool
		enable_provisioning_state_transition_monitor?: bool
		enable_heartbeat_monitor?:                     bool
		enable_unavailable_heartbeat_monitor?:         bool
		durable_monitor_jobs?:                         bool
		durable_task_dispatch?:                        bool
		separate_network_and_compute_subscriptions?:   bool
		spread_resources_in_groups?:                   bool
	}

	monitor?: {
		provision_timeout?:   #Duration
		resume_timeout?:      #Duration
		export_timeout?:      #Duration
		shutdown_timeout?:    #Duration
		unavailable_timeout?: #Duration
	}

	jobs?: {
		workers?:            int & >=1
		poll_interval?:      #Duration
		visibility_timeout?: #Duration
		max_attempts?:       int & >=1
	}

	tasks?: {
		capacity_refresh_interval?: #Duration
		failed_sweep_interval?:     #Duration
		orphan_sweep_interval?:     #Duration
		infrastructure_interval?:   #Duration
		lease_ttl?:                 #Duration
		orphan_grace_period?:       #Duration
	}
}
`
