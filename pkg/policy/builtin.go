package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in placement policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		reservedSubscriptionsPolicy(),
		quotaHeadroomPolicy(),
	}
}

// reservedSubscriptionsPolicy excludes subscriptions listed in
// data.cloudenv.reserved_subscriptions.
func reservedSubscriptionsPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "reserved-subscriptions",
		Description: "Excludes reserved subscriptions from placement",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"placement", "subscriptions"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package cloudenv.placement.reserved

import rego.v1

deny contains violation if {
	some id in data.cloudenv.reserved_subscriptions
	id == input.subscription.id
	violation := {
		"message": sprintf("subscription %s is reserved", [id]),
		"severity": "error",
	}
}
`,
	}
}

// quotaHeadroomPolicy warns when a placement leaves less than a tenth of
// a quota free.
func quotaHeadroomPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        "quota-headroom",
		Description: "Warns when a placement leaves less than 10% of a quota free",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"placement", "quota"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package cloudenv.placement.headroom

import rego.v1

deny contains violation if {
	some c in input.criteria
	c.limit > 0
	remaining := c.available - c.required
	remaining * 10 < c.limit
	violation := {
		"message": sprintf("%s quota %s in %s would drop to %d of %d", [c.service_type, c.quota, input.location, remaining, c.limit]),
		"severity": "warning",
	}
}
`,
	}
}
