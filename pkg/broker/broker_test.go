package broker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cloudenv/pkg/capacity"
	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
	"github.com/openfroyo/cloudenv/pkg/providers/memory"
	"github.com/openfroyo/cloudenv/pkg/stores"
)

const (
	testSubscription = "sub-general"
	testLocation     = "westus2"
	testSku          = "Standard_D4s_v3"
	testSubnet       = "/subscriptions/sub-net/resourceGroups/net-rg/providers/Microsoft.Network/virtualNetworks/vnet/subnets/default"
)

type fixture struct {
	cloud    *memory.Cloud
	store    *stores.SQLiteStore
	registry *Registry
	broker   *Broker
}

func newFixture(t *testing.T, polls int, separateNetwork bool) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: filepath.Join(t.TempDir(), "cloudenv.db")})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	cloud := memory.New(memory.Options{Polls: polls})
	subs := []capacity.Subscription{{
		ID:          testSubscription,
		DisplayName: "general",
		Enabled:     true,
		Locations:   []string{testLocation},
	}}
	_, err = capacity.NewRefresher(cloud, store, subs, nil).RefreshSubscription(ctx, testSubscription)
	require.NoError(t, err)
	placement := capacity.NewManager(store, capacity.Options{
		Subscriptions:         subs,
		ResourceGroupBaseName: "cloudenv-rg",
	})

	vms := compute.NewProvider(cloud.VirtualMachines(), cloud.Disks())
	vms.Name = "memory"

	registry, err := NewDefaultRegistry(Adapters{
		Provider:          "memory",
		Disks:             cloud.Disks(),
		NetworkInterfaces: cloud.NetworkInterfaces(),
		Queues:            cloud.Queues(),
		KeyVaults:         cloud.KeyVaults(),
	}, vms, store, placement, ComputeOptions{
		Skus: map[string]config.SkuConfig{
			testSku:          {Family: "standardDSv3Family", Cores: 4},
			"Standard_Giant": {Family: "standardDSv3Family", Cores: 20000},
		},
		SeparateNetworkAndComputeSubscriptions: separateNetwork,
	})
	require.NoError(t, err)

	return &fixture{
		cloud:    cloud,
		store:    store,
		registry: registry,
		broker:   New(registry, store, vms, Options{}),
	}
}

func computeRequest() *CreateRequest {
	return &CreateRequest{
		ResourceID: uuid.New().String(),
		Type:       engine.ResourceTypeComputeVM,
		Location:   "WestUS2",
		SkuName:    testSku,
	}
}

// drive runs create steps until a terminal result and returns every result.
func (f *fixture) drive(t *testing.T, req *CreateRequest) []*engine.ContinuationResult {
	t.Helper()
	var (
		results []*engine.ContinuationResult
		token   string
	)
	for i := 0; i < 20; i++ {
		result, err := f.broker.Create(context.Background(), req, token)
		require.NoError(t, err)
		results = append(results, result)
		if result.Status.IsTerminal() {
			return results
		}
		token = result.NextInput.ContinuationToken
	}
	t.Fatalf("create of %s did not finish", req.ResourceID)
	return nil
}

func (f *fixture) driveDelete(t *testing.T, id string) *engine.ContinuationResult {
	t.Helper()
	return f.resumeDelete(t, id, "")
}

func (f *fixture) resumeDelete(t *testing.T, id, token string) *engine.ContinuationResult {
	t.Helper()
	for i := 0; i < 20; i++ {
		result, err := f.broker.Delete(context.Background(), id, token)
		require.NoError(t, err)
		if result.Status.IsTerminal() {
			return result
		}
		token = result.NextInput.ContinuationToken
	}
	t.Fatalf("delete of %s did not finish", id)
	return nil
}

func componentTypes(components map[string]engine.ResourceComponent) map[engine.ResourceType]int {
	out := make(map[engine.ResourceType]int)
	for _, c := range components {
		out[c.ComponentType]++
	}
	return out
}

func TestRegistry(t *testing.T) {
	f := newFixture(t, 0, false)

	assert.Equal(t, []engine.ResourceType{
		engine.ResourceTypeComputeVM,
		engine.ResourceTypeInputQueue,
		engine.ResourceTypeKeyVault,
		engine.ResourceTypeNetworkInterface,
		engine.ResourceTypeOSDisk,
	}, f.registry.Kinds())

	s, err := f.registry.For(engine.ResourceTypeOSDisk)
	require.NoError(t, err)
	assert.True(t, s.CanHandle(engine.ResourceTypeOSDisk))
	assert.False(t, s.CanHandle(engine.ResourceTypeComputeVM))

	_, err = f.registry.For("Database")
	assert.True(t, engine.IsNotSupported(err))

	err = f.registry.Register(NewKeyVaultStrategy(f.cloud.KeyVaults(), nil, "memory"))
	assert.Error(t, err, "duplicate registration must fail")
}

func TestCreateComputeComposesQueueThenVM(t *testing.T) {
	f := newFixture(t, 1, false)
	req := computeRequest()

	results := f.drive(t, req)
	require.Len(t, results, 3)

	// Step one starts the queue, step two finishes it and starts the VM.
	assert.Equal(t, engine.OperationStateInProgress, results[0].Status)
	assert.Empty(t, results[0].Components)
	assert.Equal(t, engine.OperationStateInProgress, results[1].Status)
	assert.Equal(t, map[engine.ResourceType]int{engine.ResourceTypeInputQueue: 1}, componentTypes(results[1].Components))

	done := results[2]
	require.Equal(t, engine.OperationStateSucceeded, done.Status)
	assert.Equal(t, map[engine.ResourceType]int{
		engine.ResourceTypeInputQueue: 1,
		engine.ResourceTypeComputeVM:  1,
	}, componentTypes(done.Components))

	vm, ok := done.Components[req.ResourceID]
	require.True(t, ok, "VM component must be keyed by the resource id")
	assert.Equal(t, engine.ResourceTypeComputeVM, vm.ComponentType)
	queue, _ := (&engine.ResourceRecord{Components: done.Components}).FindComponent(engine.ResourceTypeInputQueue)
	assert.True(t, queue.Preserve)

	record, err := f.broker.GetResource(context.Background(), req.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, record.ProvisioningStatus)
	assert.Equal(t, testLocation, record.Location)
	require.NotNil(t, record.Info)
	assert.Equal(t, testSubscription, record.Info.SubscriptionID)
	assert.Equal(t, "cloudenv-rg", record.Info.ResourceGroup)
	assert.Len(t, record.Components, 2)

	assert.Len(t, f.cloud.List(memory.KindVirtualMachine), 1)
	assert.Len(t, f.cloud.List(memory.KindStorageAccount), 1)

	q, err := f.broker.GetInputQueue(context.Background(), req.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueName, q.QueueName)
	assert.Equal(t, QueueAccountName(queue.ComponentID), q.AccountName)
	assert.Contains(t, q.QueueURL, q.AccountName)
}

func TestCreateComputeWaitsForEveryComponent(t *testing.T) {
	f := newFixture(t, 1, true)
	req := computeRequest()
	ctx := context.Background()

	first, err := f.broker.Create(ctx, req, "")
	require.NoError(t, err)
	require.Equal(t, engine.OperationStateInProgress, first.Status)

	// The queue check hits a transient error while the NIC finishes.
	f.cloud.InjectError(memory.KindStorageAccount, memory.ActionCreate, engine.NewThrottledError("slow down", nil))

	second, err := f.broker.Create(ctx, req, first.NextInput.ContinuationToken)
	require.NoError(t, err)
	require.Equal(t, engine.OperationStateInProgress, second.Status)
	assert.Equal(t, map[engine.ResourceType]int{engine.ResourceTypeNetworkInterface: 1}, componentTypes(second.Components))
	assert.Empty(t, f.cloud.List(memory.KindVirtualMachine), "VM must wait for every component")

	token := second.NextInput.ContinuationToken
	var last *engine.ContinuationResult
	for i := 0; i < 5; i++ {
		last, err = f.broker.Create(ctx, req, token)
		require.NoError(t, err)
		if last.Status.IsTerminal() {
			break
		}
		token = last.NextInput.ContinuationToken
	}
	require.Equal(t, engine.OperationStateSucceeded, last.Status)
	assert.Equal(t, map[engine.ResourceType]int{
		engine.ResourceTypeNetworkInterface: 1,
		engine.ResourceTypeInputQueue:       1,
		engine.ResourceTypeComputeVM:        1,
	}, componentTypes(last.Components))

	nic, _ := (&engine.ResourceRecord{Components: last.Components}).FindComponent(engine.ResourceTypeNetworkInterface)
	assert.False(t, nic.Preserve)
	assert.Equal(t, NetworkInterfaceName(nic.ComponentID), nic.ResourceInfo.Name)
}

func TestCreateComputeFailsFastOnComponentFailure(t *testing.T) {
	f := newFixture(t, 0, true)
	req := computeRequest()
	f.cloud.InjectOutcome(memory.KindStorageAccount, memory.ActionCreate, engine.OperationStateFailed)

	result, err := f.broker.Create(context.Background(), req, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateFailed, result.Status)
	assert.Equal(t, ReasonComponentCreationFailed, result.ErrorReason)
	assert.Nil(t, result.NextInput)
	assert.Equal(t, map[engine.ResourceType]int{engine.ResourceTypeNetworkInterface: 1}, componentTypes(result.Components))
	assert.Empty(t, f.cloud.List(memory.KindVirtualMachine))

	record, err := f.broker.GetResource(context.Background(), req.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateFailed, record.ProvisioningStatus)
	assert.Equal(t, ReasonComponentCreationFailed, record.ProvisioningReason)
	assert.Len(t, record.Components, 1)
}

func TestCreateComputeRetryReusesCreatedComponents(t *testing.T) {
	f := newFixture(t, 0, true)
	req := computeRequest()
	f.cloud.InjectOutcome(memory.KindNetworkInterface, memory.ActionCreate, engine.OperationStateFailed)

	failed, err := f.broker.Create(context.Background(), req, "")
	require.NoError(t, err)
	require.Equal(t, engine.OperationStateFailed, failed.Status)
	queue, ok := (&engine.ResourceRecord{Components: failed.Components}).FindComponent(engine.ResourceTypeInputQueue)
	require.True(t, ok)
	require.Len(t, f.cloud.List(memory.KindStorageAccount), 1)

	// The same request again picks up the queue the failed attempt left.
	results := f.drive(t, req)
	done := results[len(results)-1]
	require.Equal(t, engine.OperationStateSucceeded, done.Status)
	assert.Equal(t, map[engine.ResourceType]int{
		engine.ResourceTypeNetworkInterface: 1,
		engine.ResourceTypeInputQueue:       1,
		engine.ResourceTypeComputeVM:        1,
	}, componentTypes(done.Components))
	_, reused := done.Components[queue.ComponentID]
	assert.True(t, reused, "queue of the failed attempt must be reused")
	assert.Len(t, f.cloud.List(memory.KindStorageAccount), 1)
	assert.Len(t, f.cloud.List(memory.KindNetworkInterface), 1)

	// A retry after the NIC was created does not create a second one.
	again := computeRequest()
	f.cloud.InjectOutcome(memory.KindStorageAccount, memory.ActionCreate, engine.OperationStateFailed)
	failed, err = f.broker.Create(context.Background(), again, "")
	require.NoError(t, err)
	require.Equal(t, engine.OperationStateFailed, failed.Status)
	nic, ok := (&engine.ResourceRecord{Components: failed.Components}).FindComponent(engine.ResourceTypeNetworkInterface)
	require.True(t, ok)

	results = f.drive(t, again)
	done = results[len(results)-1]
	require.Equal(t, engine.OperationStateSucceeded, done.Status)
	_, reused = done.Components[nic.ComponentID]
	assert.True(t, reused, "NIC of the failed attempt must be reused")
	assert.Len(t, f.cloud.List(memory.KindNetworkInterface), 2)
	assert.Len(t, f.cloud.List(memory.KindStorageAccount), 2)
}

func TestCreateComputeOnExistingDisk(t *testing.T) {
	f := newFixture(t, 0, false)
	ctx := context.Background()

	disk := &CreateRequest{
		ResourceID: uuid.New().String(),
		Type:       engine.ResourceTypeOSDisk,
		Location:   testLocation,
		Preserve:   true,
	}
	diskResult := f.drive(t, disk)
	require.Equal(t, engine.OperationStateSucceeded, diskResult[len(diskResult)-1].Status)

	req := computeRequest()
	req.OSDiskResourceID = disk.ResourceID
	results := f.drive(t, req)
	done := results[len(results)-1]
	require.Equal(t, engine.OperationStateSucceeded, done.Status)

	attached, ok := done.Components[disk.ResourceID]
	require.True(t, ok)
	assert.Equal(t, engine.ResourceTypeOSDisk, attached.ComponentType)
	assert.True(t, attached.Preserve)
	assert.Equal(t, disk.ResourceID, attached.ResourceRecordID)

	// The VM boots from the disk instead of creating its own.
	assert.Len(t, f.cloud.List(memory.KindDisk), 1)
	vms := f.cloud.List(memory.KindVirtualMachine)
	require.Len(t, vms, 1)
	assert.Equal(t, DiskName(disk.ResourceID), vms[0].Properties[providers.PropertyOSDiskName])

	// The queue moved onto the disk record, owned by it.
	diskRecord, err := f.broker.GetResource(ctx, disk.ResourceID)
	require.NoError(t, err)
	queue, ok := diskRecord.FindComponent(engine.ResourceTypeInputQueue)
	require.True(t, ok)
	assert.False(t, queue.Preserve)
	assert.Len(t, diskRecord.Components, 1)

	// Deleting the VM keeps both the disk and its queue.
	deleted := f.driveDelete(t, req.ResourceID)
	assert.Equal(t, engine.OperationStateSucceeded, deleted.Status)
	assert.Len(t, f.cloud.List(memory.KindDisk), 1)
	assert.Len(t, f.cloud.List(memory.KindStorageAccount), 1)
	assert.Empty(t, f.cloud.List(memory.KindVirtualMachine))

	// A second VM on the same disk reuses the queue.
	again := computeRequest()
	again.OSDiskResourceID = disk.ResourceID
	results = f.drive(t, again)
	done = results[len(results)-1]
	require.Equal(t, engine.OperationStateSucceeded, done.Status)
	reused, ok := done.Components[queue.ComponentID]
	require.True(t, ok, "queue of the disk must be reused")
	assert.True(t, reused.Preserve)
	assert.Len(t, f.cloud.List(memory.KindStorageAccount), 1)
}

// A pinned disk decides the placement on its own: the compute quota is not
// consulted, so a sku no subscription has room for still lands next to the
// disk. Unpinned, the same request fails placement.
func TestCreateComputeDiskPinSkipsCapacity(t *testing.T) {
	f := newFixture(t, 0, false)
	ctx := context.Background()

	disk := &CreateRequest{
		ResourceID: uuid.New().String(),
		Type:       engine.ResourceTypeOSDisk,
		Location:   testLocation,
		Preserve:   true,
	}
	diskResult := f.drive(t, disk)
	require.Equal(t, engine.OperationStateSucceeded, diskResult[len(diskResult)-1].Status)

	unpinned := computeRequest()
	unpinned.SkuName = "Standard_Giant"
	result, err := f.broker.Create(ctx, unpinned, "")
	require.NoError(t, err)
	require.Equal(t, engine.OperationStateFailed, result.Status)

	pinned := computeRequest()
	pinned.SkuName = "Standard_Giant"
	pinned.OSDiskResourceID = disk.ResourceID
	results := f.drive(t, pinned)
	require.Equal(t, engine.OperationStateSucceeded, results[len(results)-1].Status)

	diskRecord, err := f.broker.GetResource(ctx, disk.ResourceID)
	require.NoError(t, err)
	vm, err := f.broker.GetResource(ctx, pinned.ResourceID)
	require.NoError(t, err)
	require.NotNil(t, vm.Info)
	assert.Equal(t, diskRecord.Info.SubscriptionID, vm.Info.SubscriptionID)
	assert.Equal(t, diskRecord.Info.ResourceGroup, vm.Info.ResourceGroup)
}

func TestCreateComputeRejectsUnusableDisk(t *testing.T) {
	f := newFixture(t, 0, false)

	req := computeRequest()
	req.OSDiskResourceID = uuid.New().String()
	_, err := f.broker.Create(context.Background(), req, "")
	assert.True(t, engine.IsNotSupported(err), "missing disk: %v", err)

	vault := &CreateRequest{ResourceID: uuid.New().String(), Type: engine.ResourceTypeKeyVault, Location: testLocation}
	f.drive(t, vault)

	req = computeRequest()
	req.OSDiskResourceID = vault.ResourceID
	_, err = f.broker.Create(context.Background(), req, "")
	assert.True(t, engine.IsNotSupported(err), "wrong type: %v", err)
}

func TestCreateComputeInSubnet(t *testing.T) {
	f := newFixture(t, 0, false)
	req := computeRequest()
	req.SubnetID = testSubnet

	results := f.drive(t, req)
	done := results[len(results)-1]
	require.Equal(t, engine.OperationStateSucceeded, done.Status)

	nic, ok := (&engine.ResourceRecord{Components: done.Components}).FindComponent(engine.ResourceTypeNetworkInterface)
	require.True(t, ok)
	assert.Equal(t, "sub-net", nic.ResourceInfo.SubscriptionID)
	assert.Equal(t, "net-rg", nic.ResourceInfo.ResourceGroup)

	nics := f.cloud.List(memory.KindNetworkInterface)
	require.Len(t, nics, 1)
	assert.Equal(t, testSubnet, nics[0].Properties[providers.PropertyNICSubnetID])
}

func TestCreateComputeInvalidSubnet(t *testing.T) {
	f := newFixture(t, 0, false)
	req := computeRequest()
	req.SubnetID = "/subscriptions/sub-net/resourceGroups/net-rg"

	_, err := f.broker.Create(context.Background(), req, "")
	require.Error(t, err)
	assert.True(t, engine.IsNotSupported(err))

	record, err := f.broker.GetResource(context.Background(), req.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateFailed, record.ProvisioningStatus)
}

func TestCreateWithoutCapacity(t *testing.T) {
	f := newFixture(t, 0, false)
	ctx := context.Background()

	giant := computeRequest()
	giant.SkuName = "Standard_Giant"
	result, err := f.broker.Create(ctx, giant, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateFailed, result.Status)
	assert.Contains(t, result.ErrorReason, "no subscription")

	record, err := f.broker.GetResource(ctx, giant.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateFailed, record.ProvisioningStatus)

	elsewhere := computeRequest()
	elsewhere.Location = "eastus"
	result, err = f.broker.Create(ctx, elsewhere, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateFailed, result.Status)

	unknown := computeRequest()
	unknown.SkuName = "Standard_Unknown"
	_, err = f.broker.Create(ctx, unknown, "")
	assert.True(t, engine.IsNotSupported(err))

	assert.Empty(t, f.cloud.List(memory.KindStorageAccount))
}

func TestCreateReplayIsStable(t *testing.T) {
	f := newFixture(t, 1, false)
	req := computeRequest()
	ctx := context.Background()

	results := f.drive(t, req)
	require.Len(t, results, 3)
	checkToken := results[1].NextInput.ContinuationToken

	replay, err := f.broker.Create(ctx, req, checkToken)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, replay.Status)
	assert.Equal(t, componentTypes(results[2].Components), componentTypes(replay.Components))
	assert.Len(t, f.cloud.List(memory.KindVirtualMachine), 1)

	// Resubmitting the first step of a finished request is refused.
	_, err = f.broker.Create(ctx, req, "")
	assert.Equal(t, engine.ErrCodeAlreadyExists, engine.CodeOf(err))
}

func TestCreateRejectsForeignTokens(t *testing.T) {
	f := newFixture(t, 1, false)
	ctx := context.Background()

	_, err := f.broker.Create(ctx, computeRequest(), "not-a-token")
	assert.True(t, engine.IsInvalidToken(err))

	a := computeRequest()
	first, err := f.broker.Create(ctx, a, "")
	require.NoError(t, err)

	b := computeRequest()
	_, err = f.broker.Create(ctx, b, first.NextInput.ContinuationToken)
	assert.True(t, engine.IsInvalidToken(err))

	_, err = f.broker.Delete(ctx, a.ResourceID, first.NextInput.ContinuationToken)
	assert.True(t, engine.IsInvalidToken(err))
}

func TestDeleteCompute(t *testing.T) {
	f := newFixture(t, 1, true)
	ctx := context.Background()
	req := computeRequest()
	f.drive(t, req)

	require.Len(t, f.cloud.List(memory.KindDisk), 1)
	require.Len(t, f.cloud.List(memory.KindNetworkInterface), 1)

	first, err := f.broker.Delete(ctx, req.ResourceID, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateInProgress, first.Status)

	done := f.resumeDelete(t, req.ResourceID, first.NextInput.ContinuationToken)
	assert.Equal(t, engine.OperationStateSucceeded, done.Status)
	assert.Zero(t, f.cloud.PendingOperations())

	// The VM takes its own OS disk, its NIC and its queue with it.
	assert.Empty(t, f.cloud.List(memory.KindVirtualMachine))
	assert.Empty(t, f.cloud.List(memory.KindDisk))
	assert.Empty(t, f.cloud.List(memory.KindNetworkInterface))
	assert.Empty(t, f.cloud.List(memory.KindStorageAccount))

	record, err := f.broker.GetResource(ctx, req.ResourceID)
	require.NoError(t, err)
	assert.True(t, record.IsDeleted)

	_, err = f.broker.GetInputQueue(ctx, req.ResourceID)
	assert.True(t, engine.IsNotFound(err))

	again, err := f.broker.Delete(ctx, req.ResourceID, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, again.Status)
}

func TestDeleteToleratesMissingResources(t *testing.T) {
	f := newFixture(t, 0, true)
	ctx := context.Background()

	missing, err := f.broker.Delete(ctx, uuid.New().String(), "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, missing.Status)

	req := computeRequest()
	results := f.drive(t, req)
	done := results[len(results)-1]
	require.Equal(t, engine.OperationStateSucceeded, done.Status)

	// The NIC disappears behind the broker's back.
	nic, ok := (&engine.ResourceRecord{Components: done.Components}).FindComponent(engine.ResourceTypeNetworkInterface)
	require.True(t, ok)
	_, _, err = f.cloud.NetworkInterfaces().BeginDelete(ctx, nic.ResourceInfo)
	require.NoError(t, err)

	deleted := f.driveDelete(t, req.ResourceID)
	assert.Equal(t, engine.OperationStateSucceeded, deleted.Status)
	assert.Empty(t, f.cloud.List(memory.KindVirtualMachine))
}

func TestDeleteFailedCreate(t *testing.T) {
	f := newFixture(t, 0, false)
	req := computeRequest()
	f.cloud.InjectOutcome(memory.KindStorageAccount, memory.ActionCreate, engine.OperationStateFailed)

	result, err := f.broker.Create(context.Background(), req, "")
	require.NoError(t, err)
	require.Equal(t, engine.OperationStateFailed, result.Status)

	deleted := f.driveDelete(t, req.ResourceID)
	assert.Equal(t, engine.OperationStateSucceeded, deleted.Status)
}

func TestDeleteOrphan(t *testing.T) {
	f := newFixture(t, 1, false)
	ctx := context.Background()
	f.cloud.Put(memory.Resource{
		Kind:           memory.KindStorageAccount,
		SubscriptionID: testSubscription,
		ResourceGroup:  "cloudenv-rg",
		Name:           "orphan",
		Tags:           map[string]string{compute.TagResourceID: "r1"},
	})

	raw, err := json.Marshal(OrphanJob{
		Type: engine.ResourceTypeInputQueue,
		Info: engine.AzureResourceInfo{SubscriptionID: testSubscription, ResourceGroup: "cloudenv-rg", Name: "orphan"},
	})
	require.NoError(t, err)
	handler := f.broker.Handlers()[QueueDeleteOrphan]

	result, err := handler(ctx, raw, "")
	require.NoError(t, err)
	for i := 0; i < 5 && result.Status == engine.OperationStateInProgress; i++ {
		result, err = handler(ctx, raw, result.NextInput.ContinuationToken)
		require.NoError(t, err)
	}
	assert.Equal(t, engine.OperationStateSucceeded, result.Status)
	assert.Empty(t, f.cloud.List(memory.KindStorageAccount))

	// Already gone counts as deleted.
	result, err = handler(ctx, raw, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, result.Status)

	_, err = handler(ctx, json.RawMessage(`{"type":"InputQueue"}`), "")
	assert.True(t, engine.IsPermanent(err))
}

func TestKeyVaultLifecycle(t *testing.T) {
	f := newFixture(t, 1, false)
	req := &CreateRequest{ResourceID: uuid.New().String(), Type: engine.ResourceTypeKeyVault, Location: testLocation}

	results := f.drive(t, req)
	require.Len(t, results, 2)
	done := results[1]
	require.Equal(t, engine.OperationStateSucceeded, done.Status)
	assert.Equal(t, KeyVaultName(req.ResourceID), done.ResourceInfo.Name)
	assert.LessOrEqual(t, len(done.ResourceInfo.Name), 24)

	vaults := f.cloud.List(memory.KindKeyVault)
	require.Len(t, vaults, 1)
	assert.Equal(t, req.ResourceID, vaults[0].Tags[compute.TagResourceID])

	deleted := f.driveDelete(t, req.ResourceID)
	assert.Equal(t, engine.OperationStateSucceeded, deleted.Status)
	assert.Empty(t, f.cloud.List(memory.KindKeyVault))
}

func TestStartCompute(t *testing.T) {
	f := newFixture(t, 0, false)
	ctx := context.Background()
	req := computeRequest()
	results := f.drive(t, req)
	info := results[len(results)-1].ResourceInfo
	require.NotNil(t, info)

	require.True(t, f.cloud.Deallocate(*info))
	result, err := f.broker.StartCompute(ctx, req.ResourceID, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, result.Status)

	vm, ok := f.cloud.Get(memory.KindVirtualMachine, info.SubscriptionID, info.ResourceGroup, info.Name)
	require.True(t, ok)
	assert.True(t, vm.Running)

	vault := &CreateRequest{ResourceID: uuid.New().String(), Type: engine.ResourceTypeKeyVault, Location: testLocation}
	f.drive(t, vault)
	_, err = f.broker.StartCompute(ctx, vault.ResourceID, "")
	assert.True(t, engine.IsNotSupported(err))
}

func TestHandlers(t *testing.T) {
	f := newFixture(t, 0, false)
	ctx := context.Background()
	handlers := f.broker.Handlers()
	require.Len(t, handlers, 4)

	_, err := handlers[QueueDeleteResource](ctx, json.RawMessage(`{}`), "")
	assert.True(t, engine.IsPermanent(err))

	_, err = handlers[QueueCreateResource](ctx, json.RawMessage(`[`), "")
	assert.True(t, engine.IsPermanent(err))

	req := computeRequest()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	result, err := handlers[QueueCreateResource](ctx, raw, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, result.Status)

	raw, err = json.Marshal(ResourceJob{ResourceID: req.ResourceID})
	require.NoError(t, err)
	result, err = handlers[QueueDeleteResource](ctx, raw, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, result.Status)
}
