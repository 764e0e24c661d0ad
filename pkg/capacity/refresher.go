package capacity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/stores"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Usage is one quota as reported by the provider.
type Usage struct {
	ServiceType engine.ServiceType
	Quota       string
	Current     int64
	Limit       int64
}

// UsageSource lists the quota usage of a subscription in a location.
type UsageSource interface {
	ListUsages(ctx context.Context, subscriptionID, location string) ([]Usage, error)
}

// Refresher copies provider usage into the store read by the Manager.
type Refresher struct {
	source UsageSource
	store  UsageStore
	subs   map[string]Subscription
	order  []string
	clock  engine.Clock
	logger *telemetry.Logger
}

// NewRefresher creates a refresher for the enabled subscriptions of the catalog.
func NewRefresher(source UsageSource, store UsageStore, subs []Subscription, logger *telemetry.Logger) *Refresher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	r := &Refresher{
		source: source,
		store:  store,
		subs:   make(map[string]Subscription, len(subs)),
		clock:  engine.SystemClock{},
		logger: logger.NewComponentLogger("capacity-refresher"),
	}
	for _, s := range subs {
		if !s.Enabled {
			continue
		}
		if _, dup := r.subs[s.ID]; !dup {
			r.order = append(r.order, s.ID)
		}
		r.subs[s.ID] = s
	}
	return r
}

// SubscriptionIDs returns the ids of the subscriptions to refresh.
func (r *Refresher) SubscriptionIDs() []string {
	return append([]string(nil), r.order...)
}

// RefreshSubscription records the current usage of every configured
// location of the subscription. A failing location does not stop the others.
func (r *Refresher) RefreshSubscription(ctx context.Context, subscriptionID string) (int, error) {
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return 0, engine.NewNotFoundError("subscription", subscriptionID)
	}

	var (
		updated int
		errs    []error
	)
	now := r.clock.Now()
	for _, location := range sub.Locations {
		location = strings.ToLower(location)
		usages, err := r.source.ListUsages(ctx, sub.ID, location)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list usage of %s in %s: %w", sub.ID, location, err))
			continue
		}
		for _, u := range usages {
			if sub.ServiceType != "" && u.ServiceType != sub.ServiceType {
				continue
			}
			err := r.store.UpsertCapacityUsage(ctx, &stores.CapacityUsage{
				SubscriptionID: sub.ID,
				Location:       location,
				ServiceType:    u.ServiceType,
				Quota:          u.Quota,
				CurrentValue:   u.Current,
				Limit:          u.Limit,
				UpdatedAt:      now,
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			updated++
		}
	}

	r.logger.Zerolog().Debug().
		Str("subscription", sub.ID).
		Int("updated", updated).
		Int("errors", len(errs)).
		Msg("Capacity usage refreshed")

	return updated, errors.Join(errs...)
}
