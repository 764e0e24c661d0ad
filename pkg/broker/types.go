package broker

import (
	"github.com/openfroyo/cloudenv/pkg/engine"
)

// Job queues served by the broker handlers.
const (
	QueueCreateResource = "create-resource"
	QueueDeleteResource = "delete-resource"
	QueueStartResource  = "start-resource"
	QueueDeleteOrphan   = "delete-orphan"
)

// ReasonComponentCreationFailed is reported when any component of a
// composite resource ends Failed or Cancelled.
const ReasonComponentCreationFailed = "ComponentCreationFailed"

// CreateRequest asks the broker for a new resource.
type CreateRequest struct {
	ResourceID string              `json:"resourceId" validate:"required,uuid"`
	Type       engine.ResourceType `json:"type" validate:"required"`
	Location   string              `json:"location" validate:"required"`
	SkuName    string              `json:"skuName,omitempty"`
	IsAssigned bool                `json:"isAssigned"`
	Preserve   bool                `json:"preserve"`

	// OSDiskResourceID references an OSDisk record the VM boots from.
	OSDiskResourceID string `json:"osDiskResourceId,omitempty" validate:"omitempty,uuid"`

	// SubnetID binds the VM's network interface to an existing subnet.
	SubnetID string `json:"subnetId,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`
}

// OperationInput is what a strategy built for one create request. It is
// carried verbatim in continuation tokens, so every field must survive a
// JSON round trip.
type OperationInput struct {
	ResourceID string                  `json:"resourceId"`
	Type       engine.ResourceType     `json:"type"`
	Location   engine.ResourceLocation `json:"location"`
	SkuName    string                  `json:"skuName,omitempty"`
	SubnetID   string                  `json:"subnetId,omitempty"`
	Preserve   bool                    `json:"preserve,omitempty"`
	Tags       map[string]string       `json:"tags,omitempty"`

	// ResourceRecordID is the component's own record, when it has one.
	ResourceRecordID string `json:"resourceRecordId,omitempty"`

	// OSDiskRecordID is the disk record a composite resource boots from.
	OSDiskRecordID string `json:"osDiskRecordId,omitempty"`

	// Components already exist and are handed to the resource as is.
	Components map[string]engine.ResourceComponent `json:"components,omitempty"`

	// ComponentInputs are created before the resource itself.
	ComponentInputs []*ComponentInput `json:"componentInputs,omitempty"`
}

// DeleteInput names a resource to delete. ResourceInfo is nil when
// creation never produced a provider handle.
type DeleteInput struct {
	ResourceID   string
	ResourceInfo *engine.AzureResourceInfo
	Components   map[string]engine.ResourceComponent
}

// ComponentInput tracks the creation of one component of a composite
// resource.
type ComponentInput struct {
	Input  *OperationInput       `json:"input"`
	Status engine.OperationState `json:"status"`
	Token  string                `json:"token,omitempty"`
	Reason string                `json:"reason,omitempty"`

	// Info is the handle of a succeeded component.
	Info *engine.AzureResourceInfo `json:"info,omitempty"`
}

// Component converts a created component into its component map entry.
func (c *ComponentInput) Component() engine.ResourceComponent {
	return engine.ResourceComponent{
		ComponentID:      c.Input.ResourceID,
		ComponentType:    c.Input.Type,
		ResourceInfo:     c.Info.Clone(),
		Preserve:         c.Input.Preserve,
		ResourceRecordID: c.Input.ResourceRecordID,
	}
}

func cloneComponentInputs(in []*ComponentInput) []*ComponentInput {
	out := make([]*ComponentInput, 0, len(in))
	for _, c := range in {
		cp := *c
		if cp.Status == "" {
			cp.Status = engine.OperationStateNotStarted
		}
		out = append(out, &cp)
	}
	return out
}
