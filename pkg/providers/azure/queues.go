package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/providers"
)

const kindQueue = "input queue"

// Queues is the ARM adapter for input queues. Every queue gets a storage
// account of its own; the handle names the account and carries the queue
// name as a property.
type Queues struct {
	f       *ClientFactory
	storage config.StorageDefaults
}

var _ providers.Manager[*providers.QueueCreateInput] = (*Queues)(nil)

// NewQueues creates the queue adapter.
func NewQueues(f *ClientFactory, storageDefaults config.StorageDefaults) *Queues {
	return &Queues{f: f, storage: storageDefaults}
}

func (q *Queues) accounts(subscriptionID string) (*armstorage.AccountsClient, error) {
	return clientFor(q.f, "storageAccounts", subscriptionID, armstorage.NewAccountsClient)
}

// BeginCreate submits the storage account. The queue itself is created
// once the account exists.
func (q *Queues) BeginCreate(ctx context.Context, input *providers.QueueCreateInput) (engine.OperationState, *engine.NextStageInput, error) {
	if input.AccountName == "" || input.QueueName == "" {
		return "", nil, engine.NewValidationError("storage account and queue names are required")
	}
	loc := input.Location
	client, err := q.accounts(loc.SubscriptionID)
	if err != nil {
		return "", nil, err
	}

	params := armstorage.AccountCreateParameters{
		Kind:     to.Ptr(armstorage.Kind("StorageV2")),
		Location: to.Ptr(loc.Location),
		SKU:      &armstorage.SKU{Name: to.Ptr(armstorage.SKUName(q.storage.AccountSku))},
		Tags:     tagPtrs(input.Tags),
		Properties: &armstorage.AccountPropertiesCreateParameters{
			AllowBlobPublicAccess: to.Ptr(false),
			EnableHTTPSTrafficOnly: to.Ptr(true),
			MinimumTLSVersion:      to.Ptr(armstorage.MinimumTLSVersion("TLS1_2")),
		},
	}

	handle := withProperties(providers.Handle(loc, input.AccountName),
		providers.PropertyQueueName, input.QueueName,
		providers.PropertyLocation, loc.Location,
	)

	var (
		state engine.OperationState
		next  *engine.NextStageInput
	)
	err = q.f.do(ctx, ServiceStorage, kindQueue, input.AccountName, func(ctx context.Context) error {
		poller, err := client.BeginCreate(ctx, loc.ResourceGroup, input.AccountName, params, nil)
		if err != nil {
			return err
		}
		s, n, res, err := progress(ctx, poller, engine.NextStageInput{ResourceInfo: handle}, false)
		if err != nil {
			return err
		}
		if res != nil {
			n.ResourceInfo = describeAccount(n.ResourceInfo, &res.Account)
		}
		state, next = s, n
		return nil
	})
	if err != nil || state != engine.OperationStateSucceeded {
		return state, next, err
	}
	return q.createQueue(ctx, next)
}

// CheckCreateStatus polls the account create and then creates the queue.
func (q *Queues) CheckCreateStatus(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	token, err := resumeToken(next)
	if err != nil {
		return "", nil, err
	}
	info := next.ResourceInfo
	client, err := q.accounts(info.SubscriptionID)
	if err != nil {
		return "", nil, err
	}

	var (
		state engine.OperationState
		out   *engine.NextStageInput
	)
	err = q.f.do(ctx, ServiceStorage, kindQueue, info.Name, func(ctx context.Context) error {
		poller, err := client.BeginCreate(ctx, info.ResourceGroup, info.Name, armstorage.AccountCreateParameters{},
			&armstorage.AccountsClientBeginCreateOptions{ResumeToken: token})
		if err != nil {
			return err
		}
		s, n, res, err := progress(ctx, poller, *next, true)
		if err != nil {
			return err
		}
		if res != nil {
			n.ResourceInfo = describeAccount(n.ResourceInfo, &res.Account)
		}
		state, out = s, n
		return nil
	})
	if err != nil || state != engine.OperationStateSucceeded {
		return state, out, err
	}
	return q.createQueue(ctx, out)
}

func (q *Queues) createQueue(ctx context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	info := next.ResourceInfo
	queueName := info.Properties[providers.PropertyQueueName]
	if queueName == "" {
		return "", nil, engine.NewPermanentError(fmt.Sprintf("storage account %s carries no queue name", info.Name), nil).
			WithCode(engine.ErrCodeInternal)
	}
	client, err := clientFor(q.f, "queues", info.SubscriptionID, armstorage.NewQueueClient)
	if err != nil {
		return "", nil, err
	}

	err = q.f.do(ctx, ServiceStorage, kindQueue, info.Name+"/"+queueName, func(ctx context.Context) error {
		_, err := client.Create(ctx, info.ResourceGroup, info.Name, queueName, armstorage.Queue{}, nil)
		return err
	})
	if err != nil {
		return "", nil, err
	}

	url := info.Properties[providers.PropertyQueueURL]
	if url == "" {
		url = fmt.Sprintf("https://%s.queue.core.windows.net/", info.Name)
	}
	out := *next
	out.ResourceInfo = withProperties(info, providers.PropertyQueueURL, strings.TrimSuffix(url, "/")+"/"+queueName)
	return engine.OperationStateSucceeded, &out, nil
}

// BeginDelete deletes the storage account and the queue with it. Account
// deletes complete synchronously.
func (q *Queues) BeginDelete(ctx context.Context, info *engine.AzureResourceInfo) (engine.OperationState, *engine.NextStageInput, error) {
	client, err := q.accounts(info.SubscriptionID)
	if err != nil {
		return "", nil, err
	}
	err = q.f.do(ctx, ServiceStorage, kindQueue, info.Name, func(ctx context.Context) error {
		_, err := client.Delete(ctx, info.ResourceGroup, info.Name, nil)
		return err
	})
	if err != nil {
		return "", nil, err
	}
	return engine.OperationStateSucceeded, &engine.NextStageInput{ResourceInfo: *info}, nil
}

// CheckDeleteStatus reports the completed delete.
func (q *Queues) CheckDeleteStatus(_ context.Context, next *engine.NextStageInput) (engine.OperationState, *engine.NextStageInput, error) {
	if next == nil {
		return "", nil, engine.NewValidationError("no delete to check")
	}
	out := *next
	out.TrackingID = ""
	return engine.OperationStateSucceeded, &out, nil
}

// describeAccount records the queue endpoint base; createQueue appends the
// queue name.
func describeAccount(info engine.AzureResourceInfo, account *armstorage.Account) engine.AzureResourceInfo {
	var endpoint string
	if p := account.Properties; p != nil && p.PrimaryEndpoints != nil {
		endpoint = deref(p.PrimaryEndpoints.Queue)
	}
	return withProperties(info,
		providers.PropertyResourceID, deref(account.ID),
		providers.PropertyQueueURL, endpoint,
	)
}
