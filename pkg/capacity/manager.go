package capacity

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/cloudenv/pkg/config"
	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/policy"
	"github.com/openfroyo/cloudenv/pkg/stores"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Selection outcomes reported to metrics.
const (
	outcomeSelected             = "selected"
	outcomeNoCapacity           = "no_capacity"
	outcomeLocationNotAvailable = "location_not_available"
	outcomeError                = "error"
)

// UsageStore reads and writes recorded quota usage.
type UsageStore interface {
	GetCapacityUsage(ctx context.Context, subscriptionID, location string, serviceType engine.ServiceType, quota string) (*stores.CapacityUsage, error)
	UpsertCapacityUsage(ctx context.Context, usage *stores.CapacityUsage) error
}

// PlacementPolicy vetoes candidate placements.
type PlacementPolicy interface {
	EvaluatePlacement(ctx context.Context, input *policy.PlacementInput) (*policy.Decision, error)
}

// Random is the source used to spread placements.
type Random interface {
	Intn(n int) int
}

// Subscription is one entry of the subscription catalog.
type Subscription struct {
	ID          string
	DisplayName string
	Enabled     bool

	// ServiceType restricts the subscription to one service. Empty means general purpose.
	ServiceType engine.ServiceType

	Locations []string
}

// HasLocation reports whether the subscription serves location.
func (s Subscription) HasLocation(location string) bool {
	for _, l := range s.Locations {
		if strings.EqualFold(l, location) {
			return true
		}
	}
	return false
}

// SubscriptionsFromConfig converts the configured catalog.
func SubscriptionsFromConfig(cfg config.CapacityConfig) []Subscription {
	subs := make([]Subscription, 0, len(cfg.Subscriptions))
	for _, s := range cfg.Subscriptions {
		subs = append(subs, Subscription{
			ID:          s.ID,
			DisplayName: s.DisplayName,
			Enabled:     s.Enabled,
			ServiceType: engine.ServiceType(s.ServiceType),
			Locations:   append([]string(nil), s.Locations...),
		})
	}
	return subs
}

// Options configure a Manager.
type Options struct {
	Subscriptions []Subscription

	ResourceGroupBaseName string
	MaxResourceGroups     int

	// SpreadResourceGroups suffixes the base name with a random -NNN.
	SpreadResourceGroups bool

	// Policy is consulted for every candidate; nil disables policy checks.
	Policy PlacementPolicy

	// Rand defaults to a time-seeded source.
	Rand Random

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
}

// Manager selects the subscription, resource group and location of new resources.
type Manager struct {
	usage   UsageStore
	subs    []Subscription
	opts    Options
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	randMu sync.Mutex
	rand   Random
}

var _ engine.CapacityManager = (*Manager)(nil)

// NewManager creates a capacity manager over the recorded usage.
func NewManager(usage UsageStore, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	r := opts.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if opts.MaxResourceGroups <= 0 {
		opts.MaxResourceGroups = 1
	}
	return &Manager{
		usage:   usage,
		subs:    opts.Subscriptions,
		opts:    opts,
		logger:  logger.NewComponentLogger("capacity"),
		metrics: opts.Metrics,
		events:  opts.Events,
		rand:    r,
	}
}

// Subscriptions returns the catalog.
func (m *Manager) Subscriptions() []Subscription {
	return m.subs
}

type candidate struct {
	sub       Subscription
	available int64
}

// SelectResourceLocation returns a placement with enough quota for every
// criterion. It never retries against another location.
func (m *Manager) SelectResourceLocation(ctx context.Context, criteria []engine.ResourceCriterion, location string) (*engine.ResourceLocation, error) {
	location = strings.ToLower(location)
	zl := m.logger.Zerolog()

	var inLocation []Subscription
	for _, s := range m.subs {
		if s.Enabled && s.HasLocation(location) {
			inLocation = append(inLocation, s)
		}
	}
	if len(inLocation) == 0 {
		m.metrics.RecordCapacitySelection(location, outcomeLocationNotAvailable)
		return nil, engine.NewPermanentError(fmt.Sprintf("no subscription serves location %s", location), nil).
			WithCode(engine.ErrCodeLocationNotAvailable)
	}

	criteria = effectiveCriteria(criteria)
	var specific, general []Subscription
	for _, s := range inLocation {
		switch {
		case s.ServiceType == "":
			general = append(general, s)
		case servesAll(s.ServiceType, criteria):
			specific = append(specific, s)
		}
	}

	var candidates []candidate
	for _, group := range [][]Subscription{specific, general} {
		var err error
		candidates, err = m.viable(ctx, group, criteria, location)
		if err != nil {
			m.metrics.RecordCapacitySelection(location, outcomeError)
			return nil, err
		}
		if len(candidates) > 0 {
			break
		}
	}

	if len(candidates) == 0 {
		reason := fmt.Sprintf("no subscription in %s has capacity for %s", location, describeCriteria(criteria))
		m.metrics.RecordCapacitySelection(location, outcomeNoCapacity)
		_ = m.events.PublishNoCapacity(location, reason)
		zl.Warn().Str("location", location).Str("criteria", describeCriteria(criteria)).Msg("No capacity")
		return nil, engine.NewPermanentError(reason, nil).WithCode(engine.ErrCodeNoCapacity)
	}

	chosen := m.choose(candidates)
	result := &engine.ResourceLocation{
		SubscriptionID:   chosen.ID,
		SubscriptionName: chosen.DisplayName,
		ServiceType:      chosen.ServiceType,
		ResourceGroup:    m.resourceGroup(),
		Location:         location,
	}

	m.metrics.RecordCapacitySelection(location, outcomeSelected)
	zl.Debug().
		Str("subscription", result.SubscriptionID).
		Str("resource_group", result.ResourceGroup).
		Str("location", location).
		Int("candidates", len(candidates)).
		Msg("Resource location selected")

	return result, nil
}

// effectiveCriteria drops criteria that cannot constrain placement.
func effectiveCriteria(criteria []engine.ResourceCriterion) []engine.ResourceCriterion {
	out := make([]engine.ResourceCriterion, 0, len(criteria))
	for _, c := range criteria {
		if c.Quota != "" && c.Required > 0 {
			out = append(out, c)
		}
	}
	return out
}

func servesAll(st engine.ServiceType, criteria []engine.ResourceCriterion) bool {
	for _, c := range criteria {
		if c.ServiceType != st {
			return false
		}
	}
	return true
}

// viable returns the subscriptions with recorded headroom for every
// criterion that no policy rejects.
func (m *Manager) viable(ctx context.Context, subs []Subscription, criteria []engine.ResourceCriterion, location string) ([]candidate, error) {
	var out []candidate
	for _, s := range subs {
		inputs := make([]policy.CriterionInput, 0, len(criteria))
		var first int64
		ok := true
		for i, c := range criteria {
			usage, err := m.usage.GetCapacityUsage(ctx, s.ID, location, c.ServiceType, c.Quota)
			if engine.IsNotFound(err) {
				ok = false
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read usage of %s in %s: %w", s.ID, location, err)
			}
			if usage.Available() < c.Required {
				ok = false
				break
			}
			if i == 0 {
				first = usage.Available()
			}
			inputs = append(inputs, policy.CriterionInput{
				ServiceType: string(c.ServiceType),
				Quota:       c.Quota,
				Required:    c.Required,
				Available:   usage.Available(),
				Limit:       usage.Limit,
			})
		}
		if !ok {
			continue
		}

		if m.opts.Policy != nil {
			decision, err := m.opts.Policy.EvaluatePlacement(ctx, &policy.PlacementInput{
				Subscription: policy.SubscriptionInput{
					ID:          s.ID,
					DisplayName: s.DisplayName,
					ServiceType: string(s.ServiceType),
				},
				Location: location,
				Criteria: inputs,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate placement policies: %w", err)
			}
			for _, w := range decision.Warnings {
				m.logger.Zerolog().Warn().Str("policy", w.Policy).Str("subscription", s.ID).Msg(w.Message)
			}
			if !decision.Allowed {
				m.logger.Zerolog().Info().
					Str("subscription", s.ID).
					Strs("reasons", decision.Reasons()).
					Msg("Placement rejected by policy")
				continue
			}
		}

		out = append(out, candidate{sub: s, available: first})
	}
	return out, nil
}

// choose favours subscriptions with the most headroom on the first
// criterion: with more than three candidates only those making up the top
// half of the cumulative headroom are kept, then one is picked at random.
func (m *Manager) choose(candidates []candidate) Subscription {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].available > candidates[j].available
	})

	if len(candidates) > 3 {
		var total int64
		for _, c := range candidates {
			total += c.available
		}
		var cumulative int64
		keep := len(candidates)
		for i, c := range candidates {
			cumulative += c.available
			if cumulative*2 >= total {
				keep = i + 1
				break
			}
		}
		candidates = candidates[:keep]
	}

	return candidates[m.intn(len(candidates))].sub
}

// ResourceGroups returns every resource group placement may choose.
func (m *Manager) ResourceGroups() []string {
	if !m.opts.SpreadResourceGroups {
		return []string{m.opts.ResourceGroupBaseName}
	}
	groups := make([]string, 0, m.opts.MaxResourceGroups)
	for i := 0; i < m.opts.MaxResourceGroups; i++ {
		groups = append(groups, fmt.Sprintf("%s-%03d", m.opts.ResourceGroupBaseName, i))
	}
	return groups
}

// Placements enumerates the locations of every enabled subscription crossed
// with ResourceGroups.
func (m *Manager) Placements() []engine.ResourceLocation {
	var out []engine.ResourceLocation
	for _, sub := range m.subs {
		if !sub.Enabled {
			continue
		}
		for _, location := range sub.Locations {
			for _, rg := range m.ResourceGroups() {
				out = append(out, engine.ResourceLocation{
					SubscriptionID:   sub.ID,
					SubscriptionName: sub.DisplayName,
					ServiceType:      sub.ServiceType,
					ResourceGroup:    rg,
					Location:         strings.ToLower(location),
				})
			}
		}
	}
	return out
}

func (m *Manager) resourceGroup() string {
	if !m.opts.SpreadResourceGroups {
		return m.opts.ResourceGroupBaseName
	}
	return fmt.Sprintf("%s-%03d", m.opts.ResourceGroupBaseName, m.intn(m.opts.MaxResourceGroups))
}

func (m *Manager) intn(n int) int {
	if n <= 1 {
		return 0
	}
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return m.rand.Intn(n)
}

func describeCriteria(criteria []engine.ResourceCriterion) string {
	if len(criteria) == 0 {
		return "no quota"
	}
	parts := make([]string, 0, len(criteria))
	for _, c := range criteria {
		parts = append(parts, c.String())
	}
	return strings.Join(parts, ", ")
}
