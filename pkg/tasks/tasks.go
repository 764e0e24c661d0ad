package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/cloudenv/pkg/broker"
	"github.com/openfroyo/cloudenv/pkg/capacity"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/jobs"
	"github.com/openfroyo/cloudenv/pkg/providers"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Task names.
const (
	TaskCapacityRefresh         = "capacity-refresh"
	TaskFailedResourceSweep     = "failed-resource-sweep"
	TaskOrphanedResourceSweep   = "orphaned-resource-sweep"
	TaskInfrastructureBootstrap = "infrastructure-bootstrap"
)

// CapacityRefresh copies provider usage into the capacity store, one
// subscription per unit.
func CapacityRefresh(refresher *capacity.Refresher, interval, leaseTTL time.Duration) Config {
	return Config{
		Name:     TaskCapacityRefresh,
		Interval: interval,
		LeaseTTL: leaseTTL,
		Shards: func(ctx context.Context) ([]string, error) {
			return refresher.SubscriptionIDs(), nil
		},
		RunUnit: func(ctx context.Context, subscriptionID string) error {
			_, err := refresher.RefreshSubscription(ctx, subscriptionID)
			return err
		},
	}
}

// FailedResourceSweep enqueues deletes for resources whose provisioning
// failed and that are neither assigned nor preserved, one resource type per
// unit.
func FailedResourceSweep(repo engine.ResourceRepository, queue *jobs.Queue, interval, leaseTTL time.Duration, logger *telemetry.Logger) Config {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("failed-resource-sweep")

	return Config{
		Name:     TaskFailedResourceSweep,
		Interval: interval,
		LeaseTTL: leaseTTL,
		Shards: func(ctx context.Context) ([]string, error) {
			shards := make([]string, 0, len(engine.ResourceTypes))
			for _, t := range engine.ResourceTypes {
				shards = append(shards, string(t))
			}
			return shards, nil
		},
		RunUnit: func(ctx context.Context, shard string) error {
			unassigned := false
			records, err := repo.ListResources(ctx, engine.ResourceFilter{
				Type:               engine.ResourceType(shard),
				ProvisioningStatus: engine.OperationStateFailed,
				IsAssigned:         &unassigned,
			})
			if err != nil {
				return err
			}

			swept := 0
			for _, record := range records {
				if record.Preserve {
					continue
				}
				if _, err := queue.Enqueue(ctx, broker.QueueDeleteResource, broker.ResourceJob{ResourceID: record.ID}, 0); err != nil {
					return fmt.Errorf("failed to enqueue delete of %s: %w", record.ID, err)
				}
				swept++
			}
			if swept > 0 {
				logger.Zerolog().Info().Str("type", shard).Int("swept", swept).Msg("Failed resources queued for deletion")
			}
			return nil
		},
	}
}

// OrphanSweepOptions configure OrphanedResourceSweep.
type OrphanSweepOptions struct {
	Interval time.Duration
	LeaseTTL time.Duration

	// GracePeriod spares resources created less than this long ago.
	GracePeriod time.Duration

	Clock  engine.Clock
	Logger *telemetry.Logger
}

// OrphanedResourceSweep enqueues deletes for provider resources the
// service tagged as its own that no live record references, one
// subscription per unit. Resources younger than the grace period are left
// alone.
func OrphanedResourceSweep(placements func() []engine.ResourceLocation, inventory providers.Inventory, repo engine.ResourceRepository, queue *jobs.Queue, opts OrphanSweepOptions) Config {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("orphaned-resource-sweep")
	clock := opts.Clock
	if clock == nil {
		clock = engine.SystemClock{}
	}

	return Config{
		Name:     TaskOrphanedResourceSweep,
		Interval: opts.Interval,
		LeaseTTL: opts.LeaseTTL,
		Shards:   subscriptionShards(placements),
		RunUnit: func(ctx context.Context, subscriptionID string) error {
			referenced, err := referencedResources(ctx, repo)
			if err != nil {
				return err
			}
			cutoff := clock.Now().Add(-opts.GracePeriod)

			swept := 0
			for _, group := range resourceGroups(placements(), subscriptionID) {
				managed, err := inventory.ListManaged(ctx, subscriptionID, group)
				if engine.IsNotFound(err) {
					continue
				}
				if err != nil {
					return fmt.Errorf("failed to list %s/%s: %w", subscriptionID, group, err)
				}
				for _, r := range managed {
					if referenced[handleKey(r.Info)] || r.CreatedAt.IsZero() || r.CreatedAt.After(cutoff) {
						continue
					}
					job := broker.OrphanJob{Type: r.Type, Info: r.Info}
					if _, err := queue.Enqueue(ctx, broker.QueueDeleteOrphan, job, 0); err != nil {
						return fmt.Errorf("failed to enqueue delete of %s: %w", r.Info.Name, err)
					}
					swept++
				}
			}
			if swept > 0 {
				logger.Zerolog().Info().Str("subscription_id", subscriptionID).Int("swept", swept).Msg("Orphaned resources queued for deletion")
			}
			return nil
		},
	}
}

// referencedResources collects the handles of every live record and its
// components.
func referencedResources(ctx context.Context, repo engine.ResourceRepository) (map[string]bool, error) {
	records, err := repo.ListResources(ctx, engine.ResourceFilter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	for _, record := range records {
		if record.Info != nil {
			out[handleKey(*record.Info)] = true
		}
		for _, c := range record.Components {
			if c.ResourceInfo != nil {
				out[handleKey(*c.ResourceInfo)] = true
			}
		}
	}
	return out, nil
}

func handleKey(info engine.AzureResourceInfo) string {
	return strings.ToLower(info.SubscriptionID + "/" + info.ResourceGroup + "/" + info.Name)
}

func resourceGroups(placements []engine.ResourceLocation, subscriptionID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, loc := range placements {
		if loc.SubscriptionID == subscriptionID && !seen[loc.ResourceGroup] {
			seen[loc.ResourceGroup] = true
			out = append(out, loc.ResourceGroup)
		}
	}
	sort.Strings(out)
	return out
}

// subscriptionShards lists each subscription of the placements once.
func subscriptionShards(placements func() []engine.ResourceLocation) func(ctx context.Context) ([]string, error) {
	return func(ctx context.Context) ([]string, error) {
		seen := make(map[string]bool)
		var shards []string
		for _, loc := range placements() {
			if !seen[loc.SubscriptionID] {
				seen[loc.SubscriptionID] = true
				shards = append(shards, loc.SubscriptionID)
			}
		}
		sort.Strings(shards)
		return shards, nil
	}
}

// Ensurer creates the resource group of a placement if it is missing.
type Ensurer interface {
	Ensure(ctx context.Context, loc engine.ResourceLocation) error
}

// InfrastructureBootstrap ensures the resource group of every placement the
// capacity manager may choose, one subscription per unit.
func InfrastructureBootstrap(placements func() []engine.ResourceLocation, ensurer Ensurer, interval, leaseTTL time.Duration) Config {
	return Config{
		Name:     TaskInfrastructureBootstrap,
		Interval: interval,
		LeaseTTL: leaseTTL,
		Shards:   subscriptionShards(placements),
		RunUnit: func(ctx context.Context, subscriptionID string) error {
			for _, loc := range placements() {
				if loc.SubscriptionID != subscriptionID {
					continue
				}
				if err := ensurer.Ensure(ctx, loc); err != nil {
					return fmt.Errorf("failed to ensure %s/%s: %w", loc.SubscriptionID, loc.ResourceGroup, err)
				}
			}
			return nil
		},
	}
}
