package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func placement(sub string, criteria ...CriterionInput) *PlacementInput {
	return &PlacementInput{
		Subscription: SubscriptionInput{ID: sub, ServiceType: "Compute"},
		Location:     "westus2",
		Criteria:     criteria,
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	want := []string{"quota-headroom", "reserved-subscriptions"}
	if len(policies) != len(want) {
		t.Fatalf("Expected %d built-in policies, got %d", len(want), len(policies))
	}
	for i, name := range want {
		if policies[i].Name != name {
			t.Errorf("policies[%d] = %s, want %s", i, policies[i].Name, name)
		}
		if !policies[i].Builtin {
			t.Errorf("policy %s should be marked builtin", name)
		}
	}
}

func TestEvaluatePlacement_Allowed(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.EvaluatePlacement(context.Background(), placement("sub-a",
		CriterionInput{ServiceType: "Compute", Quota: "standardDSv3Family", Required: 4, Available: 96, Limit: 100},
	))
	if err != nil {
		t.Fatalf("EvaluatePlacement failed: %v", err)
	}

	if !decision.Allowed {
		t.Errorf("Expected placement to be allowed, got violations %v", decision.Violations)
	}
	if len(decision.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", decision.Warnings)
	}
	if len(decision.EvaluatedPolicies) != 2 {
		t.Errorf("Expected 2 evaluated policies, got %d", len(decision.EvaluatedPolicies))
	}
}

func TestEvaluatePlacement_HeadroomWarning(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.EvaluatePlacement(context.Background(), placement("sub-a",
		CriterionInput{ServiceType: "Compute", Quota: "cores", Required: 8, Available: 10, Limit: 100},
	))
	if err != nil {
		t.Fatalf("EvaluatePlacement failed: %v", err)
	}

	if !decision.Allowed {
		t.Fatal("A headroom warning must not block placement")
	}
	if len(decision.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(decision.Warnings))
	}
	w := decision.Warnings[0]
	if w.Policy != "quota-headroom" || w.Severity != SeverityWarning {
		t.Errorf("Unexpected warning %+v", w)
	}
	if !strings.Contains(w.Message, "would drop to 2 of 100") {
		t.Errorf("Unexpected message %q", w.Message)
	}
}

func TestEvaluatePlacement_ReservedSubscription(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.SetReservedSubscriptions(ctx, []string{"sub-reserved"}); err != nil {
		t.Fatalf("SetReservedSubscriptions failed: %v", err)
	}

	decision, err := eng.EvaluatePlacement(ctx, placement("sub-reserved"))
	if err != nil {
		t.Fatalf("EvaluatePlacement failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Reserved subscription should be denied")
	}
	if reasons := decision.Reasons(); len(reasons) != 1 || reasons[0] != "subscription sub-reserved is reserved" {
		t.Errorf("Unexpected reasons %v", reasons)
	}

	decision, err = eng.EvaluatePlacement(ctx, placement("sub-other"))
	if err != nil {
		t.Fatalf("EvaluatePlacement failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("Unreserved subscription should be allowed")
	}

	if err := eng.SetReservedSubscriptions(ctx, nil); err != nil {
		t.Fatalf("SetReservedSubscriptions failed: %v", err)
	}
	decision, err = eng.EvaluatePlacement(ctx, placement("sub-reserved"))
	if err != nil {
		t.Fatalf("EvaluatePlacement failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("Cleared reservation should allow placement")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "deny-eastus",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package custom.location

import rego.v1

deny contains msg if {
	input.location == "eastus"
	msg := "eastus is closed"
}
`,
	}
	if err := eng.ReplacePolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if len(eng.ListPolicies()) != 3 {
		t.Fatalf("Expected builtins plus one custom policy, got %d", len(eng.ListPolicies()))
	}

	in := placement("sub-a")
	in.Location = "eastus"
	decision, err := eng.EvaluatePlacement(ctx, in)
	if err != nil {
		t.Fatalf("EvaluatePlacement failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Custom policy should deny eastus")
	}
	if decision.Violations[0].Policy != "deny-eastus" || decision.Violations[0].Message != "eastus is closed" {
		t.Errorf("Unexpected violation %+v", decision.Violations[0])
	}

	// A second replace drops the previous custom policy but keeps builtins.
	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}
	if _, err := eng.GetPolicy("deny-eastus"); err == nil {
		t.Error("Expected custom policy to be removed")
	}
	if _, err := eng.GetPolicy("reserved-subscriptions"); err != nil {
		t.Errorf("Builtin policy should survive replace: %v", err)
	}
}

func TestReplacePolicies_CompileErrorKeepsExisting(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	good := Policy{Name: "good", Severity: SeverityError, Enabled: true, Rego: "package good\n\nimport rego.v1\n\ndeny contains \"x\" if { false }\n"}
	if err := eng.ReplacePolicies(ctx, []Policy{good}); err != nil {
		t.Fatalf("ReplacePolicies failed: %v", err)
	}

	bad := Policy{Name: "bad", Severity: SeverityError, Enabled: true, Rego: "package bad\n\ndeny[msg] {"}
	if err := eng.ReplacePolicies(ctx, []Policy{bad}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("good"); err != nil {
		t.Errorf("Previous policy set should be kept after a failed replace: %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.SetReservedSubscriptions(ctx, []string{"sub-a"}); err != nil {
		t.Fatalf("SetReservedSubscriptions failed: %v", err)
	}
	if err := eng.DisablePolicy("reserved-subscriptions"); err != nil {
		t.Fatalf("DisablePolicy failed: %v", err)
	}

	decision, err := eng.EvaluatePlacement(ctx, placement("sub-a"))
	if err != nil {
		t.Fatalf("EvaluatePlacement failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("Disabled policy should not deny")
	}
	if len(decision.EvaluatedPolicies) != 1 {
		t.Errorf("Expected 1 evaluated policy, got %v", decision.EvaluatedPolicies)
	}

	if err := eng.EnablePolicy("reserved-subscriptions"); err != nil {
		t.Fatalf("EnablePolicy failed: %v", err)
	}
	decision, err = eng.EvaluatePlacement(ctx, placement("sub-a"))
	if err != nil {
		t.Fatalf("EvaluatePlacement failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Re-enabled policy should deny")
	}

	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestSeverityBlocks(t *testing.T) {
	tests := []struct {
		severity Severity
		want     bool
	}{
		{SeverityInfo, false},
		{SeverityWarning, false},
		{SeverityError, true},
		{SeverityCritical, true},
	}
	for _, tt := range tests {
		if got := tt.severity.Blocks(); got != tt.want {
			t.Errorf("%s.Blocks() = %v, want %v", tt.severity, got, tt.want)
		}
	}
}
