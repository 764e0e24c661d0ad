package compute

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
)

// mockVMs simulates long-running VM operations that finish after polls
// checks.
type mockVMs struct {
	polls int

	created     []*VirtualMachineSpec
	deleted     []string
	started     []string
	checks      int
	createErr   error
	deleteErr   error
	checkErr    error
	finalState  engine.OperationState
	diskCreated string
}

func (m *mockVMs) state(next *engine.NextStageInput) engine.OperationState {
	m.checks++
	if m.checks < m.polls {
		return engine.OperationStateInProgress
	}
	if m.finalState != "" {
		return m.finalState
	}
	return engine.OperationStateSucceeded
}

func (m *mockVMs) BeginCreate(ctx context.Context, spec *VirtualMachineSpec) (engine.OperationState, *engine.NextStageInput, error) {
	if m.createErr != nil {
		return "", nil, m.createErr
	}
	m.created = append(m.created, spec)
	return engine.OperationStateInProgress, &engine.NextStageInput{TrackingID: "create-op", ResourceInfo: spec.Handle()}, nil
}

func (m *mockVMs) CheckCreateStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	if m.checkErr != nil {
		return "", nil, m.checkErr
	}
	state := m.state(next)
	if state == engine.OperationStateSucceeded {
		n := *next
		n.ResourceInfo.Properties = map[string]string{providers.PropertyOSDiskName: m.diskCreated}
		return state, &n, nil
	}
	return state, next, nil
}

func (m *mockVMs) BeginDelete(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	if m.deleteErr != nil {
		return "", nil, m.deleteErr
	}
	m.deleted = append(m.deleted, info.Name)
	return engine.OperationStateInProgress, &engine.NextStageInput{TrackingID: "delete-op", ResourceInfo: *info}, nil
}

func (m *mockVMs) CheckDeleteStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	if m.checkErr != nil {
		return "", nil, m.checkErr
	}
	return m.state(next), next, nil
}

func (m *mockVMs) BeginStartCompute(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	m.started = append(m.started, info.Name)
	return engine.OperationStateInProgress, &engine.NextStageInput{TrackingID: "start-op", ResourceInfo: *info}, nil
}

func (m *mockVMs) CheckStartComputeStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	return m.state(next), next, nil
}

type mockDisks struct {
	deleted   []string
	beginErr  error
	completed bool
}

func (m *mockDisks) BeginDelete(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	if m.beginErr != nil {
		return "", nil, m.beginErr
	}
	m.deleted = append(m.deleted, info.Name)
	return engine.OperationStateInProgress, &engine.NextStageInput{TrackingID: "disk-op", ResourceInfo: *info}, nil
}

func (m *mockDisks) CheckDeleteStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	m.completed = true
	return engine.OperationStateSucceeded, next, nil
}

var testLocation = engine.ResourceLocation{
	SubscriptionID: "sub-1",
	ResourceGroup:  "cloudenv-rg",
	Location:       "westus2",
	ServiceType:    engine.ServiceTypeCompute,
}

func queueComponent() engine.ResourceComponent {
	return engine.ResourceComponent{
		ComponentID:   "q-1",
		ComponentType: engine.ResourceTypeInputQueue,
		Preserve:      true,
		ResourceInfo: &engine.AzureResourceInfo{
			SubscriptionID: "sub-1",
			ResourceGroup:  "cloudenv-rg",
			Name:           "cenvq1",
			Properties:     map[string]string{providers.PropertyQueueName: "input"},
		},
	}
}

func createInput() *CreateInput {
	q := queueComponent()
	return &CreateInput{
		ResourceID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		Location:   testLocation,
		SkuName:    "Standard_D4s_v3",
		Components: map[string]engine.ResourceComponent{q.ComponentID: q},
	}
}

// drive runs steps until a terminal result, returning every result.
func drive(t *testing.T, step func(token string) (*engine.ContinuationResult, error)) []*engine.ContinuationResult {
	t.Helper()
	var results []*engine.ContinuationResult
	token := ""
	for i := 0; i < 20; i++ {
		result, err := step(token)
		if err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
		if err := result.Validate(); err != nil {
			t.Fatalf("step %d violates the continuation contract: %v", i, err)
		}
		results = append(results, result)
		if result.Status.IsTerminal() {
			return results
		}
		token = result.NextInput.ContinuationToken
	}
	t.Fatal("operation did not terminate")
	return nil
}

func TestCreate_BeginThenCheckUntilSucceeded(t *testing.T) {
	vms := &mockVMs{polls: 2}
	p := NewProvider(vms, &mockDisks{})
	input := createInput()

	results := drive(t, func(token string) (*engine.ContinuationResult, error) {
		return p.Create(context.Background(), input, token)
	})

	if len(vms.created) != 1 {
		t.Fatalf("Expected exactly one begin, got %d", len(vms.created))
	}
	if len(results) != 3 {
		t.Fatalf("Expected begin, one in-progress check and success, got %d steps", len(results))
	}
	for _, r := range results[:2] {
		if r.Status != engine.OperationStateInProgress || r.NextInput.RetryAfter != providers.CreateRetryAfter {
			t.Errorf("Unexpected intermediate result %+v", r)
		}
	}

	final := results[2]
	if final.Status != engine.OperationStateSucceeded {
		t.Fatalf("Expected Succeeded, got %s (%s)", final.Status, final.ErrorReason)
	}
	if len(final.Components) != 2 {
		t.Fatalf("Expected queue and compute components, got %v", final.Components)
	}
	self, ok := final.Components[input.ResourceID]
	if !ok || self.ComponentType != engine.ResourceTypeComputeVM {
		t.Fatalf("Expected ComputeVM self component, got %+v", final.Components)
	}
	if !self.ResourceInfo.Equal(final.ResourceInfo) {
		t.Errorf("Self component handle %v differs from result %v", self.ResourceInfo, final.ResourceInfo)
	}
	if !final.Components["q-1"].Preserve {
		t.Error("Queue component must stay preserved")
	}
}

func TestCreate_SpecFromComponents(t *testing.T) {
	vms := &mockVMs{polls: 1}
	p := NewProvider(vms, &mockDisks{})
	input := createInput()
	input.Components["d-1"] = engine.ResourceComponent{
		ComponentID:   "d-1",
		ComponentType: engine.ResourceTypeOSDisk,
		Preserve:      true,
		ResourceInfo:  &engine.AzureResourceInfo{SubscriptionID: "sub-1", ResourceGroup: "cloudenv-rg", Name: "disk-1"},
	}
	input.Components["n-1"] = engine.ResourceComponent{
		ComponentID:   "n-1",
		ComponentType: engine.ResourceTypeNetworkInterface,
		ResourceInfo:  &engine.AzureResourceInfo{SubscriptionID: "net", ResourceGroup: "net-rg", Name: "nic-1"},
	}
	input.Tags = map[string]string{"owner": "alice"}

	if _, err := p.Create(context.Background(), input, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	spec := vms.created[0]
	if spec.OSDisk == nil || spec.OSDisk.Name != "disk-1" {
		t.Errorf("Expected disk-1 to be attached, got %+v", spec.OSDisk)
	}
	if len(spec.NetworkInterfaces) != 1 || spec.NetworkInterfaces[0].Name != "nic-1" {
		t.Errorf("Expected nic-1 to be bound, got %+v", spec.NetworkInterfaces)
	}
	if spec.Tags[TagResourceID] != input.ResourceID || spec.Tags["owner"] != "alice" {
		t.Errorf("Unexpected tags %v", spec.Tags)
	}
	if spec.Tags[TagInputQueue] != "cenvq1/input" {
		t.Errorf("Expected queue tag, got %q", spec.Tags[TagInputQueue])
	}
	if strings.Contains(spec.Name, "-") || !strings.HasPrefix(spec.Name, "vm") {
		t.Errorf("Unexpected VM name %q", spec.Name)
	}
}

func TestCreate_InvalidInput(t *testing.T) {
	p := NewProvider(&mockVMs{}, &mockDisks{})

	tests := []struct {
		name   string
		mutate func(in *CreateInput)
	}{
		{name: "missing id", mutate: func(in *CreateInput) { in.ResourceID = "" }},
		{name: "missing placement", mutate: func(in *CreateInput) { in.Location.ResourceGroup = "" }},
		{name: "missing sku", mutate: func(in *CreateInput) { in.SkuName = "" }},
		{name: "uncreated disk", mutate: func(in *CreateInput) {
			in.Components["d-1"] = engine.ResourceComponent{ComponentID: "d-1", ComponentType: engine.ResourceTypeOSDisk}
		}},
		{name: "two queues", mutate: func(in *CreateInput) {
			q := queueComponent()
			q.ComponentID = "q-2"
			in.Components["q-2"] = q
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := createInput()
			tt.mutate(in)
			if _, err := p.Create(context.Background(), in, ""); err == nil {
				t.Error("Expected input error")
			}
		})
	}
}

func TestCreate_TokenForAnotherResourceRejected(t *testing.T) {
	vms := &mockVMs{polls: 5}
	p := NewProvider(vms, &mockDisks{})

	first, err := p.Create(context.Background(), createInput(), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	other := createInput()
	other.ResourceID = "11111111-2222-3333-4444-555555555555"
	_, err = p.Create(context.Background(), other, first.NextInput.ContinuationToken)
	if !engine.IsInvalidToken(err) {
		t.Fatalf("Expected invalid token error, got %v", err)
	}
	if vms.checks != 0 {
		t.Error("A foreign token must not reach the adapter")
	}
}

func TestCreate_RepeatedCheckIsStable(t *testing.T) {
	vms := &mockVMs{polls: 100}
	p := NewProvider(vms, &mockDisks{})
	input := createInput()

	first, err := p.Create(context.Background(), input, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	token := first.NextInput.ContinuationToken
	a, err := p.Create(context.Background(), input, token)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b, err := p.Create(context.Background(), input, token)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if a.Status != b.Status || a.Status != engine.OperationStateInProgress {
		t.Errorf("Expected stable InProgress, got %s and %s", a.Status, b.Status)
	}
	if len(vms.created) != 1 {
		t.Errorf("Checks must never begin a new create, got %d begins", len(vms.created))
	}
}

func TestCreate_ProviderFailure(t *testing.T) {
	p := NewProvider(&mockVMs{createErr: errors.New("SkuNotAvailable")}, &mockDisks{})

	result, err := p.Create(context.Background(), createInput(), "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if result.Status != engine.OperationStateFailed || !strings.Contains(result.ErrorReason, "SkuNotAvailable") {
		t.Errorf("Expected Failed with reason, got %+v", result)
	}
	if result.Components != nil {
		t.Error("Failed create must not report components")
	}
}

func TestCreate_Cancelled(t *testing.T) {
	p := NewProvider(&mockVMs{polls: 1, finalState: engine.OperationStateCancelled}, &mockDisks{})

	results := drive(t, func(token string) (*engine.ContinuationResult, error) {
		return p.Create(context.Background(), createInput(), token)
	})
	if last := results[len(results)-1]; last.Status != engine.OperationStateCancelled {
		t.Errorf("Expected Cancelled, got %s", last.Status)
	}
}

func TestStartCompute(t *testing.T) {
	vms := &mockVMs{polls: 1}
	p := NewProvider(vms, &mockDisks{})
	info := &engine.AzureResourceInfo{SubscriptionID: "sub-1", ResourceGroup: "cloudenv-rg", Name: "vm1"}

	results := drive(t, func(token string) (*engine.ContinuationResult, error) {
		return p.StartCompute(context.Background(), &StartInput{ResourceID: "r1", ResourceInfo: info}, token)
	})
	if results[0].NextInput.RetryAfter != providers.StartRetryAfter {
		t.Errorf("Expected start retry-after %v, got %v", providers.StartRetryAfter, results[0].NextInput.RetryAfter)
	}
	last := results[len(results)-1]
	if last.Status != engine.OperationStateSucceeded || !last.ResourceInfo.Equal(info) {
		t.Errorf("Unexpected final result %+v", last)
	}
	if len(vms.started) != 1 {
		t.Errorf("Expected one start, got %v", vms.started)
	}

	if _, err := p.StartCompute(context.Background(), &StartInput{ResourceID: "r1"}, ""); err == nil {
		t.Error("Expected start without handle to fail")
	}
}

func vmHandle(diskName string) *engine.AzureResourceInfo {
	info := &engine.AzureResourceInfo{SubscriptionID: "sub-1", ResourceGroup: "cloudenv-rg", Name: "vm1"}
	if diskName != "" {
		info.Properties = map[string]string{providers.PropertyOSDiskName: diskName}
	}
	return info
}

func TestDelete_RemovesVMThenOwnedDisk(t *testing.T) {
	vms := &mockVMs{polls: 1}
	disks := &mockDisks{}
	p := NewProvider(vms, disks)
	input := &DeleteInput{ResourceID: "r1", ResourceInfo: vmHandle("vm1-osdisk")}

	results := drive(t, func(token string) (*engine.ContinuationResult, error) {
		return p.Delete(context.Background(), input, token)
	})

	last := results[len(results)-1]
	if last.Status != engine.OperationStateSucceeded {
		t.Fatalf("Expected Succeeded, got %+v", last)
	}
	if !last.ResourceInfo.Equal(input.ResourceInfo) {
		t.Errorf("Expected the VM handle, got %v", last.ResourceInfo)
	}
	if len(vms.deleted) != 1 || len(disks.deleted) != 1 || disks.deleted[0] != "vm1-osdisk" || !disks.completed {
		t.Errorf("Expected VM then disk deletion, got vms=%v disks=%v", vms.deleted, disks.deleted)
	}
}

func TestDelete_KeepsAttachedDisk(t *testing.T) {
	vms := &mockVMs{polls: 1}
	disks := &mockDisks{}
	p := NewProvider(vms, disks)
	input := &DeleteInput{
		ResourceID:   "r1",
		ResourceInfo: vmHandle("disk-1"),
		Components: map[string]engine.ResourceComponent{
			"d-1": {
				ComponentID:   "d-1",
				ComponentType: engine.ResourceTypeOSDisk,
				Preserve:      true,
				ResourceInfo:  &engine.AzureResourceInfo{SubscriptionID: "sub-1", ResourceGroup: "cloudenv-rg", Name: "disk-1"},
			},
		},
	}

	drive(t, func(token string) (*engine.ContinuationResult, error) {
		return p.Delete(context.Background(), input, token)
	})
	if len(disks.deleted) != 0 {
		t.Errorf("Attached disk must not be deleted, got %v", disks.deleted)
	}
}

func TestDelete_TokenForAnotherResourceRejected(t *testing.T) {
	vms := &mockVMs{polls: 5}
	p := NewProvider(vms, &mockDisks{})

	first, err := p.Delete(context.Background(), &DeleteInput{ResourceID: "r1", ResourceInfo: vmHandle("vm1-osdisk")}, "")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	other := vmHandle("vm2-osdisk")
	other.Name = "vm2"
	_, err = p.Delete(context.Background(), &DeleteInput{ResourceID: "r2", ResourceInfo: other}, first.NextInput.ContinuationToken)
	if !engine.IsInvalidToken(err) {
		t.Fatalf("Expected invalid token error, got %v", err)
	}
	if vms.checks != 0 {
		t.Error("A foreign token must not reach the adapter")
	}
}

func TestDelete_MissingResourceSucceeds(t *testing.T) {
	notFound := engine.NewNotFoundError("virtual machine", "vm1")

	t.Run("never created", func(t *testing.T) {
		vms := &mockVMs{}
		p := NewProvider(vms, &mockDisks{})
		result, err := p.Delete(context.Background(), &DeleteInput{ResourceID: "r1"}, "")
		if err != nil || result.Status != engine.OperationStateSucceeded {
			t.Fatalf("Expected Succeeded, got %+v, %v", result, err)
		}
		if len(vms.deleted) != 0 {
			t.Error("Adapter must not be called without a handle")
		}
	})

	t.Run("gone at begin", func(t *testing.T) {
		disks := &mockDisks{}
		p := NewProvider(&mockVMs{deleteErr: notFound}, disks)
		results := drive(t, func(token string) (*engine.ContinuationResult, error) {
			return p.Delete(context.Background(), &DeleteInput{ResourceID: "r1", ResourceInfo: vmHandle("vm1-osdisk")}, token)
		})
		if last := results[len(results)-1]; last.Status != engine.OperationStateSucceeded {
			t.Fatalf("Expected Succeeded, got %+v", last)
		}
		if len(disks.deleted) != 1 {
			t.Error("Owned disk must still be deleted when the VM is already gone")
		}
	})

	t.Run("gone while checking", func(t *testing.T) {
		vms := &mockVMs{polls: 1}
		p := NewProvider(vms, &mockDisks{})
		first, err := p.Delete(context.Background(), &DeleteInput{ResourceID: "r1", ResourceInfo: vmHandle("")}, "")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		vms.checkErr = notFound
		result, err := p.Delete(context.Background(), &DeleteInput{ResourceID: "r1", ResourceInfo: vmHandle("")}, first.NextInput.ContinuationToken)
		if err != nil || result.Status != engine.OperationStateSucceeded {
			t.Fatalf("Expected Succeeded, got %+v, %v", result, err)
		}
	})

	t.Run("disk already gone", func(t *testing.T) {
		p := NewProvider(&mockVMs{polls: 1}, &mockDisks{beginErr: engine.NewNotFoundError("disk", "vm1-osdisk")})
		results := drive(t, func(token string) (*engine.ContinuationResult, error) {
			return p.Delete(context.Background(), &DeleteInput{ResourceID: "r1", ResourceInfo: vmHandle("vm1-osdisk")}, token)
		})
		if last := results[len(results)-1]; last.Status != engine.OperationStateSucceeded {
			t.Fatalf("Expected Succeeded, got %+v", last)
		}
	})
}

func TestGetInputQueue(t *testing.T) {
	p := NewProvider(&mockVMs{}, &mockDisks{})
	q := queueComponent()

	info, err := p.GetInputQueue(context.Background(), &GetInputQueueInput{
		ResourceID: "r1",
		Components: map[string]engine.ResourceComponent{q.ComponentID: q},
	})
	if err != nil {
		t.Fatalf("GetInputQueue failed: %v", err)
	}
	if info.AccountName != "cenvq1" || info.QueueName != "input" {
		t.Errorf("Unexpected queue info %+v", info)
	}
	if info.QueueURL != "https://cenvq1.queue.core.windows.net/input" {
		t.Errorf("Unexpected queue url %q", info.QueueURL)
	}

	_, err = p.GetInputQueue(context.Background(), &GetInputQueueInput{ResourceID: "r1"})
	if !engine.IsNotFound(err) {
		t.Errorf("Expected NOT_FOUND without a queue component, got %v", err)
	}
}
