// Package config loads the cloudenv service configuration.
//
// A configuration file is YAML. Loading happens in three passes:
//
//  1. The raw document is unified with the #Config CUE definition, which
//     rejects unknown keys, wrong types, malformed durations and values out
//     of range, reporting every failure together.
//  2. The document is decoded over Default(), so a file only needs to name
//     the settings it changes.
//  3. The decoded struct is checked with validator/v10 tags for cross-field
//     rules (for example, a client secret requires a tenant and client id).
//
// # Usage
//
//	loader, err := config.NewLoader()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg, err := loader.Load("cloudenv.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Example
//
//	server:
//	  address: ":8080"
//	database:
//	  path: /var/lib/cloudenv/cloudenv.db
//	capacity:
//	  resource_group_base_name: cenv-rg
//	  subscriptions:
//	    - id: 00000000-0000-0000-0000-000000000001
//	      enabled: true
//	      service_type: Compute
//	      locations: [westus2, eastus]
//	features:
//	  durable_monitor_jobs: true
//	monitor:
//	  provision_timeout: 20m
package config
