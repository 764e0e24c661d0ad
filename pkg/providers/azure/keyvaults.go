package azure

import (
	"context"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/keyvault/armkeyvault"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
)

const kindKeyVault = "key vault"

// KeyVaults is the ARM adapter for key vaults.
type KeyVaults struct {
	f        *ClientFactory
	tenantID string
	vault    config.KeyVaultDefaults
}

var _ providers.Manager[*providers.KeyVaultCreateInput] = (*KeyVaults)(nil)

// NewKeyVaults creates the key vault adapter. Vaults are bound to tenantID.
func NewKeyVaults(f *ClientFactory, tenantID string, vaultDefaults config.KeyVaultDefaults) *KeyVaults {
	return &KeyVaults{f: f, tenantID: tenantID, vault: vaultDefaults}
}

func (k *KeyVaults) run(ctx context.Context, subscriptionID, name string, fn func(ctx context.Context, client *armkeyvault.VaultsClient) error) error {
	client, err := clientFor(k.f, "vaults", subscriptionID, armkeyvault.NewVaultsClient)
	if err != nil {
		return err
	}
	return k.f.do(ctx, ServiceKeyVault, kindKeyVault, name, func(ctx context.Context) error {
		return fn(ctx, client)
	})
}

// BeginCreate creates an RBAC-authorized vault.
func (k *KeyVaults) BeginCreate(ctx context.Context, input *providers.KeyVaultCreateInput) (engine.OperationState, *engine.NextStageInput, error) {
	if input.Name == "" {
		return "", nil, engine.NewValidationError("key vault name is required")
	}
	if k.tenantID == "" {
		return "", nil, engine.NewValidationError("key vaults need azure.tenant_id to be configured")
	}
	sku := k.vault.Sku
	if sku == "" {
		sku = "standard"
	}
	loc := input.Location

	params := armkeyvault.VaultCreateOrUpdateParameters{
		Location: to.Ptr(loc.Location),
		Tags:     tagPtrs(input.Tags),
		Properties: &armkeyvault.VaultProperties{
			TenantID: to.Ptr(k.tenantID),
			SKU: &armkeyvault.SKU{
				Family: to.Ptr(armkeyvault.SKUFamily("A")),
				Name:   to.Ptr(armkeyvault.SKUName(sku)),
			},
			EnableRbacAuthorization: to.Ptr(true),
		},
	}

	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	err := k.run(ctx, loc.SubscriptionID, input.Name, func(ctx context.Context, client *armkeyvault.VaultsClient) error {
		poller, err := client.BeginCreateOrUpdate(ctx, loc.ResourceGroup, input.Name, params, nil)
		if err != nil {
			return err
		}
		s, n, res, err := progress(ctx, poller, engine.NextStageInput{ResourceInfo: providers.Handle(loc, input.Name)}, false)
		if err != nil {
			return err
		}
		if res != nil {
			n.ResourceInfo = describeVault(n.ResourceInfo, &res.Vault)
		}
		state, next = s, n
		return nil
	})
	return state, next, err
}

// CheckCreateStatus polls a vault create.
func (k *KeyVaults) CheckCreateStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	info := next.ResourceInfo
	err = k.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armkeyvault.VaultsClient) error {
		poller, err := client.BeginCreateOrUpdate(ctx, info.ResourceGroup, info.Name, armkeyvault.VaultCreateOrUpdateParameters{},
			&armkeyvault.VaultsClientBeginCreateOrUpdateOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		s, n, res, err := progress(ctx, poller, *next, true)
		if err != nil {
			return err
		}
		if res != nil {
			n.ResourceInfo = describeVault(n.ResourceInfo, &res.Vault)
		}
		state, out = s, n
		return nil
	})
	return state, out, err
}

// BeginDelete deletes a vault. The provider completes vault deletes
// synchronously; the vault stays soft-deleted for its retention period.
func (k *KeyVaults) BeginDelete(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	err := k.run(ctx, info.SubscriptionID, info.Name, func(ctx context.Context, client *armkeyvault.VaultsClient) error {
		_, err := client.Delete(ctx, info.ResourceGroup, info.Name, nil)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return engine.OperationStateSucceeded, &engine.NextStageInput{ResourceInfo: *info}, nil
}

// CheckDeleteStatus reports the completed delete.
func (k *KeyVaults) CheckDeleteStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	if next == nil {
		return "", nil, engine.NewValidationError("no delete to check")
	}
	out := *next
	out.TrackingID = ""
	return engine.OperationStateSucceeded, &out, nil
}

func describeVault(info engine.AzureResourceInfo, vault *armkeyvault.Vault) engine.AzureResourceInfo {
	var uri string
	if vault.Properties != nil {
		uri = deref(vault.Properties.VaultURI)
	}
	return withProperties(info,
		providers.PropertyResourceID, deref(vault.ID),
		providers.PropertyLocation, deref(vault.Location),
		providers.PropertyVaultURI, uri,
	)
}
