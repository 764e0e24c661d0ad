package engine

import (
	"fmt"
	"strings"
	"time"
)

// AzureResourceInfo is the provider-assigned handle of a resource.
type AzureResourceInfo struct {
	SubscriptionID string            `json:"subscriptionId"`
	ResourceGroup  string            `json:"resourceGroup"`
	Name           string            `json:"name"`
	Properties     map[string]string `json:"properties,omitempty"`
}

// Equal compares two handles, including their properties.
func (i *AzureResourceInfo) Equal(other *AzureResourceInfo) bool {
	if i == nil || other == nil {
		return i == other
	}
	if i.SubscriptionID != other.SubscriptionID || i.ResourceGroup != other.ResourceGroup ||
		i.Name != other.Name || len(i.Properties) != len(other.Properties) {
		return false
	}
	for k, v := range i.Properties {
		if ov, ok := other.Properties[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the handle.
func (i *AzureResourceInfo) Clone() *AzureResourceInfo {
	if i == nil {
		return nil
	}
	c := *i
	if i.Properties != nil {
		c.Properties = make(map[string]string, len(i.Properties))
		for k, v := range i.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// String renders the handle as subscription/group/name.
func (i *AzureResourceInfo) String() string {
	if i == nil {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", i.SubscriptionID, i.ResourceGroup, i.Name)
}

// ResourceComponent is a weak reference from a composite record to one of its parts.
type ResourceComponent struct {
	ComponentID   string             `json:"componentId"`
	ComponentType ResourceType       `json:"componentType"`
	ResourceInfo  *AzureResourceInfo `json:"resourceInfo,omitempty"`

	// Preserve marks a component that survives the deletion of its parent.
	Preserve bool `json:"preserve"`

	// ResourceRecordID points at the component's own record, if it has one.
	ResourceRecordID string `json:"resourceRecordId,omitempty"`
}

// ResourceRecord is the durable aggregate for a provisioned resource.
type ResourceRecord struct {
	ID         string             `json:"id"`
	Type       ResourceType       `json:"type"`
	Location   string             `json:"location"`
	SkuName    string             `json:"skuName,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Info       *AzureResourceInfo `json:"resourceInfo,omitempty"`
	IsAssigned bool               `json:"isAssigned"`
	Assigned   *time.Time         `json:"assigned,omitempty"`
	Preserve   bool               `json:"preserve"`
	IsDeleted  bool               `json:"isDeleted"`

	// Components is keyed by component id.
	Components map[string]ResourceComponent `json:"components,omitempty"`

	ProvisioningStatus        OperationState `json:"provisioningStatus"`
	ProvisioningReason        string         `json:"provisioningReason,omitempty"`
	ProvisioningStatusChanged *time.Time     `json:"provisioningStatusChanged,omitempty"`

	// Version is the optimistic concurrency token, managed by the repository.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ComponentsOfType returns the components of the given kind.
func (r *ResourceRecord) ComponentsOfType(t ResourceType) []ResourceComponent {
	var out []ResourceComponent
	for _, c := range r.Components {
		if c.ComponentType == t {
			out = append(out, c)
		}
	}
	return out
}

// FindComponent returns the first component of the given kind.
func (r *ResourceRecord) FindComponent(t ResourceType) (ResourceComponent, bool) {
	for _, c := range r.Components {
		if c.ComponentType == t {
			return c, true
		}
	}
	return ResourceComponent{}, false
}

// SetComponent adds or replaces a component entry.
func (r *ResourceRecord) SetComponent(c ResourceComponent) {
	if r.Components == nil {
		r.Components = make(map[string]ResourceComponent)
	}
	r.Components[c.ComponentID] = c
}

// RemoveComponentsOfType drops every component of the given kind.
func (r *ResourceRecord) RemoveComponentsOfType(t ResourceType) {
	for id, c := range r.Components {
		if c.ComponentType == t {
			delete(r.Components, id)
		}
	}
}

// SetProvisioningStatus records a status change, keeping the timestamp stable
// when the status does not change.
func (r *ResourceRecord) SetProvisioningStatus(s OperationState, reason string, now time.Time) bool {
	if r.ProvisioningStatus == s && r.ProvisioningReason == reason {
		return false
	}
	r.ProvisioningStatus = s
	r.ProvisioningReason = reason
	r.ProvisioningStatusChanged = &now
	return true
}

// Validate checks the record's identity and component invariants.
func (r *ResourceRecord) Validate() error {
	if r.ID == "" {
		return NewValidationError("resource id is required")
	}
	if err := r.Type.Validate(); err != nil {
		return NewValidationError("%v", err).WithResource(r.ID)
	}
	return ValidateComponents(r.Type, r.Components)
}

// ValidateComponents enforces the composition rules of a record kind: a ComputeVM
// references at most one OSDisk and at most one InputQueue.
func ValidateComponents(t ResourceType, components map[string]ResourceComponent) error {
	if t != ResourceTypeComputeVM {
		return nil
	}
	counts := make(map[ResourceType]int)
	for id, c := range components {
		if c.ComponentID != id {
			return NewValidationError("component key %s does not match component id %s", id, c.ComponentID)
		}
		counts[c.ComponentType]++
	}
	for _, single := range []ResourceType{ResourceTypeOSDisk, ResourceTypeInputQueue} {
		if counts[single] > 1 {
			return NewValidationError("compute resource references %d %s components", counts[single], single)
		}
	}
	return nil
}

// CloneComponents returns a copy of a component map.
func CloneComponents(in map[string]ResourceComponent) map[string]ResourceComponent {
	if in == nil {
		return nil
	}
	out := make(map[string]ResourceComponent, len(in))
	for k, v := range in {
		v.ResourceInfo = v.ResourceInfo.Clone()
		out[k] = v
	}
	return out
}

// ResourceCriterion is one quota requirement for placement.
type ResourceCriterion struct {
	ServiceType ServiceType `json:"serviceType"`
	Quota       string      `json:"quota"`
	Required    int64       `json:"required"`
}

func (c ResourceCriterion) String() string {
	return fmt.Sprintf("%s/%s>=%d", c.ServiceType, c.Quota, c.Required)
}

// ResourceLocation is the placement chosen for a new resource.
type ResourceLocation struct {
	SubscriptionID   string      `json:"subscriptionId"`
	SubscriptionName string      `json:"subscriptionName,omitempty"`
	ServiceType      ServiceType `json:"serviceType,omitempty"`
	ResourceGroup    string      `json:"resourceGroup"`
	Location         string      `json:"location"`
}

// SubnetReference is the parsed form of an ARM subnet id.
type SubnetReference struct {
	SubscriptionID string
	ResourceGroup  string
	VirtualNetwork string
	Subnet         string
}

// ParseSubnetID parses /subscriptions/{s}/resourceGroups/{g}/providers/Microsoft.Network/virtualNetworks/{v}/subnets/{n}.
func ParseSubnetID(id string) (*SubnetReference, error) {
	parts := strings.Split(strings.Trim(id, "/"), "/")
	if len(parts) != 10 ||
		!strings.EqualFold(parts[0], "subscriptions") ||
		!strings.EqualFold(parts[2], "resourceGroups") ||
		!strings.EqualFold(parts[4], "providers") ||
		!strings.EqualFold(parts[5], "Microsoft.Network") ||
		!strings.EqualFold(parts[6], "virtualNetworks") ||
		!strings.EqualFold(parts[8], "subnets") {
		return nil, NewNotSupportedError("invalid subnet resource id: %q", id)
	}
	for _, p := range []string{parts[1], parts[3], parts[7], parts[9]} {
		if p == "" {
			return nil, NewNotSupportedError("invalid subnet resource id: %q", id)
		}
	}
	return &SubnetReference{
		SubscriptionID: parts[1],
		ResourceGroup:  parts[3],
		VirtualNetwork: parts[7],
		Subnet:         parts[9],
	}, nil
}

// EnvironmentType distinguishes managed cloud environments from static ones.
type EnvironmentType string

const (
	// EnvironmentTypeCloud is an environment backed by compute the broker provisions.
	EnvironmentTypeCloud EnvironmentType = "CloudEnvironment"

	// EnvironmentTypeStatic is a self-hosted environment registered by its owner.
	EnvironmentTypeStatic EnvironmentType = "StaticEnvironment"
)

// HostingType describes how a cloud environment runs on its compute.
type HostingType string

const (
	HostingTypeContainer      HostingType = "ContainerBased"
	HostingTypeVirtualMachine HostingType = "VirtualMachineBased"
)

// Environment is the lifecycle record of a cloud development environment.
type Environment struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	Type              EnvironmentType `json:"type"`
	Hosting           HostingType     `json:"hosting,omitempty"`
	Location          string          `json:"location,omitempty"`
	ComputeResourceID string          `json:"computeResourceId,omitempty"`

	State        CloudEnvironmentState `json:"state"`
	StateReason  string                `json:"stateReason,omitempty"`
	StateUpdated time.Time             `json:"stateUpdated"`

	// StateTimeout is the deadline the environment itself set for its current state.
	StateTimeout *time.Time `json:"stateTimeout,omitempty"`

	LastUpdatedByHeartbeat *time.Time `json:"lastUpdatedByHeartbeat,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
