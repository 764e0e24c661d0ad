// Package policy evaluates placement policies written in Rego.
//
// The capacity manager consults the Engine for every candidate
// subscription and location it considers. Each policy is a Rego module
// whose deny set lists the reasons a candidate should be rejected. A deny
// entry is either a string or an object with message and severity keys;
// entries with severity error or critical exclude the candidate, anything
// else is reported as a warning.
//
// # Input
//
// Policies see a PlacementInput:
//
//	{
//	  "subscription": {"id": "...", "display_name": "...", "service_type": "Compute"},
//	  "location": "westus2",
//	  "criteria": [
//	    {"service_type": "Compute", "quota": "standardDSv3Family",
//	     "required": 4, "available": 60, "limit": 100}
//	  ],
//	  "timestamp": "..."
//	}
//
// The document data.cloudenv.reserved_subscriptions is maintained with
// SetReservedSubscriptions.
//
// # Built-in policies
//
//   - reserved-subscriptions denies reserved subscriptions.
//   - quota-headroom warns when less than 10% of a quota would remain.
//
// # Loading
//
// Policies are loaded from .rego files (named after the file, blocking by
// default) or from .json and .yaml documents carrying a serialized Policy:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/cloudenv/policies"}); err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, []string{"/etc/cloudenv/policies"}); err != nil {
//	    return err
//	}
//
// Watch reloads the full set after a debounced file change. A reload that
// fails to compile leaves the previous set in place.
package policy
