package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
)

func TestQueues_CreateAccountThenQueue(t *testing.T) {
	srv := newFakeARM(t)
	accountPath := armPath("Microsoft.Storage", "storageAccounts", "cenvq1")
	queuePath := accountPath + "/queueServices/default/queues/input"
	srv.handle(http.MethodPut, accountPath, respond(http.StatusOK, map[string]interface{}{
		"id":       accountPath,
		"name":     "cenvq1",
		"location": "westus2",
		"properties": map[string]interface{}{
			"provisioningState": "Succeeded",
			"primaryEndpoints":  map[string]interface{}{"queue": "https://cenvq1.queue.core.windows.net/"},
		},
	}))
	srv.handle(http.MethodPut, queuePath, respond(http.StatusOK, map[string]interface{}{"name": "input"}))

	queues := NewQueues(srv.factory(BreakerSettings{}), config.StorageDefaults{AccountSku: "Standard_LRS", AccountPrefix: "cenvq"})
	state, next, err := queues.BeginCreate(context.Background(), &providers.QueueCreateInput{
		Location:    testLocation,
		AccountName: "cenvq1",
		QueueName:   "input",
	})
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, state)
	assert.Equal(t, "cenvq1", next.ResourceInfo.Name)
	assert.Equal(t, "input", next.ResourceInfo.Properties[providers.PropertyQueueName])
	assert.Equal(t, "https://cenvq1.queue.core.windows.net/input", next.ResourceInfo.Properties[providers.PropertyQueueURL])
	assert.Equal(t, 1, srv.count(http.MethodPut, queuePath))

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(srv.body(http.MethodPut, accountPath), &sent))
	assert.Equal(t, "StorageV2", sent["kind"])
}

func TestQueues_DeleteIsSynchronous(t *testing.T) {
	srv := newFakeARM(t)
	accountPath := armPath("Microsoft.Storage", "storageAccounts", "cenvq1")
	srv.handle(http.MethodDelete, accountPath, respond(http.StatusOK, nil))

	queues := NewQueues(srv.factory(BreakerSettings{}), config.StorageDefaults{AccountSku: "Standard_LRS"})
	state, next, err := queues.BeginDelete(context.Background(), &engine.AzureResourceInfo{SubscriptionID: testSub, ResourceGroup: testRG, Name: "cenvq1"})
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, state)

	state, _, err = queues.CheckDeleteStatus(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, state)
}

func TestKeyVaults_Create(t *testing.T) {
	srv := newFakeARM(t)
	vaultPath := armPath("Microsoft.KeyVault", "vaults", "cenvkv1")
	srv.handle(http.MethodPut, vaultPath, respond(http.StatusOK, map[string]interface{}{
		"id":       vaultPath,
		"name":     "cenvkv1",
		"location": "westus2",
		"properties": map[string]interface{}{
			"provisioningState": "Succeeded",
			"tenantId":          "tenant-1",
			"sku":               map[string]interface{}{"family": "A", "name": "standard"},
			"vaultUri":          "https://cenvkv1.vault.azure.net/",
		},
	}))

	vaults := NewKeyVaults(srv.factory(BreakerSettings{}), "tenant-1", config.KeyVaultDefaults{Sku: "standard"})
	state, next, err := vaults.BeginCreate(context.Background(), &providers.KeyVaultCreateInput{Location: testLocation, Name: "cenvkv1"})
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, state)
	assert.Equal(t, "https://cenvkv1.vault.azure.net/", next.ResourceInfo.Properties[providers.PropertyVaultURI])
}

func TestKeyVaults_RequireTenant(t *testing.T) {
	srv := newFakeARM(t)
	vaults := NewKeyVaults(srv.factory(BreakerSettings{}), "", config.KeyVaultDefaults{})
	_, _, err := vaults.BeginCreate(context.Background(), &providers.KeyVaultCreateInput{Location: testLocation, Name: "cenvkv1"})
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeValidation, engine.CodeOf(err))
}

func TestNetworkInterfaces_CreateOnDefaultSubnet(t *testing.T) {
	srv := newFakeARM(t)
	nicPath := armPath("Microsoft.Network", "networkInterfaces", "nic1")
	srv.handle(http.MethodPut, nicPath, respond(http.StatusOK, map[string]interface{}{
		"id":       nicPath,
		"name":     "nic1",
		"location": "westus2",
		"properties": map[string]interface{}{
			"provisioningState": "Succeeded",
			"ipConfigurations": []interface{}{map[string]interface{}{
				"name":       "ipconfig1",
				"properties": map[string]interface{}{"privateIPAddress": "10.0.0.4"},
			}},
		},
	}))

	nics := NewNetworkInterfaces(srv.factory(BreakerSettings{}), testNetwork)
	state, next, err := nics.BeginCreate(context.Background(), &providers.NetworkInterfaceCreateInput{Location: testLocation, Name: "nic1"})
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, state)
	assert.Equal(t, "10.0.0.4", next.ResourceInfo.Properties[providers.PropertyPrivateIP])
	assert.Equal(t, DefaultSubnetID(testSub, testRG, testNetwork), next.ResourceInfo.Properties[providers.PropertyNICSubnetID])
}

func TestNetworkInterfaces_RejectsMalformedSubnet(t *testing.T) {
	srv := newFakeARM(t)
	nics := NewNetworkInterfaces(srv.factory(BreakerSettings{}), testNetwork)
	_, _, err := nics.BeginCreate(context.Background(), &providers.NetworkInterfaceCreateInput{
		Location: testLocation,
		Name:     "nic1",
		SubnetID: "/subscriptions/s/resourceGroups/rg",
	})
	require.Error(t, err)
	assert.True(t, engine.IsNotSupported(err))
}

func TestDisks_CreateFromImage(t *testing.T) {
	srv := newFakeARM(t)
	diskPath := armPath("Microsoft.Compute", "disks", "disk1")
	srv.handle(http.MethodPut, diskPath, respond(http.StatusOK, map[string]interface{}{
		"id":         diskPath,
		"name":       "disk1",
		"location":   "westus2",
		"properties": map[string]interface{}{"provisioningState": "Succeeded"},
	}))

	disks := NewDisks(srv.factory(BreakerSettings{}), testCompute)
	state, next, err := disks.BeginCreate(context.Background(), &providers.DiskCreateInput{Location: testLocation, Name: "disk1"})
	require.NoError(t, err)
	assert.Equal(t, engine.OperationStateSucceeded, state)
	assert.Equal(t, diskPath, next.ResourceInfo.Properties[providers.PropertyResourceID])

	var sent armcompute.Disk
	require.NoError(t, json.Unmarshal(srv.body(http.MethodPut, diskPath), &sent))
	assert.Equal(t, int32(64), *sent.Properties.DiskSizeGB)
	assert.Equal(t, PlatformImageID(testSub, "westus2", testCompute), *sent.Properties.CreationData.ImageReference.ID)
	assert.Equal(t, armcompute.DiskStorageAccountTypes("Premium_LRS"), *sent.SKU.Name)
}

func TestUsages_ListsAllServices(t *testing.T) {
	srv := newFakeARM(t)
	base := "/subscriptions/" + testSub + "/providers/"
	srv.handle(http.MethodGet, base+"Microsoft.Compute/locations/westus2/usages", respond(http.StatusOK, map[string]interface{}{
		"value": []interface{}{map[string]interface{}{
			"currentValue": 8, "limit": 100, "unit": "Count",
			"name": map[string]interface{}{"value": "standardDSv3Family"},
		}},
	}))
	srv.handle(http.MethodGet, base+"Microsoft.Network/locations/westus2/usages", respond(http.StatusOK, map[string]interface{}{
		"value": []interface{}{map[string]interface{}{
			"currentValue": 3, "limit": 65536, "unit": "Count",
			"name": map[string]interface{}{"value": "NetworkInterfaces"},
		}},
	}))
	srv.handle(http.MethodGet, base+"Microsoft.Storage/locations/westus2/usages", respond(http.StatusOK, map[string]interface{}{
		"value": []interface{}{map[string]interface{}{
			"currentValue": 1, "limit": 250, "unit": "Count",
			"name": map[string]interface{}{"value": "StorageAccounts"},
		}},
	}))

	usages, err := NewUsages(srv.factory(BreakerSettings{})).ListUsages(context.Background(), testSub, "westus2")
	require.NoError(t, err)
	require.Len(t, usages, 3)

	assert.Equal(t, engine.ServiceTypeCompute, usages[0].ServiceType)
	assert.Equal(t, "standardDSv3Family", usages[0].Quota)
	assert.Equal(t, int64(8), usages[0].Current)
	assert.Equal(t, int64(100), usages[0].Limit)
	assert.Equal(t, engine.ServiceTypeNetwork, usages[1].ServiceType)
	assert.Equal(t, int64(65536), usages[1].Limit)
	assert.Equal(t, engine.ServiceTypeStorage, usages[2].ServiceType)
	assert.Equal(t, "StorageAccounts", usages[2].Quota)
}

func TestInfrastructure_Ensure(t *testing.T) {
	srv := newFakeARM(t)
	rgPath := "/subscriptions/" + testSub + "/resourcegroups/" + testRG
	vnetPath := armPath("Microsoft.Network", "virtualNetworks", "cloudenv-vnet")
	srv.handle(http.MethodPut, rgPath, respond(http.StatusCreated, map[string]interface{}{
		"id": rgPath, "name": testRG, "location": "westus2",
		"properties": map[string]interface{}{"provisioningState": "Succeeded"},
	}))
	srv.handle(http.MethodPut, vnetPath, respond(http.StatusCreated, map[string]interface{}{
		"id": vnetPath, "name": "cloudenv-vnet", "location": "westus2",
		"properties": map[string]interface{}{"provisioningState": "Succeeded"},
	}))

	infra := NewInfrastructure(srv.factory(BreakerSettings{}), testNetwork)
	require.NoError(t, infra.Ensure(context.Background(), testLocation))
	assert.Equal(t, 1, srv.count(http.MethodPut, rgPath))
	assert.Equal(t, 1, srv.count(http.MethodGet, vnetPath))
	assert.Equal(t, 1, srv.count(http.MethodPut, vnetPath), "missing virtual network must be created")

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(srv.body(http.MethodPut, vnetPath), &sent))
	props := sent["properties"].(map[string]interface{})
	prefixes := props["addressSpace"].(map[string]interface{})["addressPrefixes"].([]interface{})
	assert.Equal(t, "10.0.0.0/16", prefixes[0])

	// An existing network is not touched again.
	srv.handle(http.MethodGet, vnetPath, respond(http.StatusOK, map[string]interface{}{"id": vnetPath, "name": "cloudenv-vnet"}))
	require.NoError(t, infra.Ensure(context.Background(), testLocation))
	assert.Equal(t, 1, srv.count(http.MethodPut, vnetPath))
}

func TestInfrastructure_ListManaged(t *testing.T) {
	srv := newFakeARM(t)
	created := "2026-03-01T12:00:00Z"
	srv.handle(http.MethodGet, "/subscriptions/"+testSub+"/resourceGroups/"+testRG+"/resources", respond(http.StatusOK, map[string]interface{}{
		"value": []interface{}{
			map[string]interface{}{
				"id":          armPath("Microsoft.Storage", "storageAccounts", "q1"),
				"name":        "q1",
				"type":        "Microsoft.Storage/storageAccounts",
				"createdTime": created,
				"tags":        map[string]interface{}{compute.TagResourceID: "r1"},
			},
			map[string]interface{}{
				"id":   armPath("Microsoft.Network", "virtualNetworks", "cloudenv-vnet"),
				"name": "cloudenv-vnet",
				"type": "Microsoft.Network/virtualNetworks",
				"tags": map[string]interface{}{compute.TagResourceID: "r1"},
			},
			map[string]interface{}{
				"id":   armPath("Microsoft.Compute", "disks", "foreign"),
				"name": "foreign",
				"type": "Microsoft.Compute/disks",
			},
		},
	}))

	infra := NewInfrastructure(srv.factory(BreakerSettings{}), testNetwork)
	managed, err := infra.ListManaged(context.Background(), testSub, testRG)
	require.NoError(t, err)
	require.Len(t, managed, 1, "untagged and unmanaged kinds are skipped")
	assert.Equal(t, engine.ResourceTypeInputQueue, managed[0].Type)
	assert.Equal(t, engine.AzureResourceInfo{SubscriptionID: testSub, ResourceGroup: testRG, Name: "q1"}, managed[0].Info)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), managed[0].CreatedAt.UTC())
}
