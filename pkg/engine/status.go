package engine

import (
	"encoding/json"
	"fmt"
)

// OperationState is the state reported by every continuation step.
type OperationState string

const (
	// OperationStateNotStarted indicates the operation has not been begun.
	// It is never a valid step result.
	OperationStateNotStarted OperationState = "NotStarted"

	// OperationStateInProgress indicates the operation must be re-invoked with
	// the returned continuation token once RetryAfter has elapsed.
	OperationStateInProgress OperationState = "InProgress"

	// OperationStateSucceeded indicates the operation completed successfully.
	OperationStateSucceeded OperationState = "Succeeded"

	// OperationStateFailed indicates the operation failed.
	OperationStateFailed OperationState = "Failed"

	// OperationStateCancelled indicates the provider reported the operation as cancelled.
	OperationStateCancelled OperationState = "Cancelled"
)

// IsTerminal returns true if the state is final.
func (s OperationState) IsTerminal() bool {
	return s == OperationStateSucceeded || s == OperationStateFailed || s == OperationStateCancelled
}

// IsFailure returns true for Failed and Cancelled.
func (s OperationState) IsFailure() bool {
	return s == OperationStateFailed || s == OperationStateCancelled
}

// Validate checks if the operation state is valid.
func (s OperationState) Validate() error {
	switch s {
	case OperationStateNotStarted, OperationStateInProgress, OperationStateSucceeded,
		OperationStateFailed, OperationStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid operation state: %s", s)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OperationState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OperationState(str)
	return s.Validate()
}

// ResourceType is the closed set of resource kinds the broker dispatches on.
type ResourceType string

const (
	// ResourceTypeComputeVM is a virtual machine, possibly composed of other components.
	ResourceTypeComputeVM ResourceType = "ComputeVM"

	// ResourceTypeOSDisk is a managed OS disk that can outlive its VM.
	ResourceTypeOSDisk ResourceType = "OSDisk"

	// ResourceTypeInputQueue is the message queue used to talk to the VM agent.
	ResourceTypeInputQueue ResourceType = "InputQueue"

	// ResourceTypeNetworkInterface is a NIC bound to a VM.
	ResourceTypeNetworkInterface ResourceType = "NetworkInterface"

	// ResourceTypeKeyVault is a key vault holding environment secrets.
	ResourceTypeKeyVault ResourceType = "KeyVault"
)

// ResourceTypes lists every supported resource kind.
var ResourceTypes = []ResourceType{
	ResourceTypeComputeVM,
	ResourceTypeOSDisk,
	ResourceTypeInputQueue,
	ResourceTypeNetworkInterface,
	ResourceTypeKeyVault,
}

// Validate checks if the resource type is valid.
func (t ResourceType) Validate() error {
	switch t {
	case ResourceTypeComputeVM, ResourceTypeOSDisk, ResourceTypeInputQueue,
		ResourceTypeNetworkInterface, ResourceTypeKeyVault:
		return nil
	default:
		return fmt.Errorf("invalid resource type: %s", t)
	}
}

// ServiceType groups quotas and subscriptions by provider service.
type ServiceType string

const (
	ServiceTypeCompute  ServiceType = "Compute"
	ServiceTypeNetwork  ServiceType = "Network"
	ServiceTypeStorage  ServiceType = "Storage"
	ServiceTypeKeyVault ServiceType = "KeyVault"
)

// CloudEnvironmentState is the lifecycle state of a cloud environment.
type CloudEnvironmentState string

const (
	EnvironmentStateCreated      CloudEnvironmentState = "Created"
	EnvironmentStateQueued       CloudEnvironmentState = "Queued"
	EnvironmentStateProvisioning CloudEnvironmentState = "Provisioning"
	EnvironmentStateStarting     CloudEnvironmentState = "Starting"
	EnvironmentStateAvailable    CloudEnvironmentState = "Available"
	EnvironmentStateUnavailable  CloudEnvironmentState = "Unavailable"
	EnvironmentStateShutdown     CloudEnvironmentState = "Shutdown"
	EnvironmentStateShuttingDown CloudEnvironmentState = "ShuttingDown"
	EnvironmentStateExporting    CloudEnvironmentState = "Exporting"
	EnvironmentStateUpdating     CloudEnvironmentState = "Updating"
	EnvironmentStateFailed       CloudEnvironmentState = "Failed"
	EnvironmentStateDeleted      CloudEnvironmentState = "Deleted"
	EnvironmentStateArchived     CloudEnvironmentState = "Archived"
)

// environmentTransitions lists the allowed successors of each state.
var environmentTransitions = map[CloudEnvironmentState][]CloudEnvironmentState{
	EnvironmentStateCreated: {
		EnvironmentStateQueued, EnvironmentStateProvisioning, EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateQueued: {
		EnvironmentStateProvisioning, EnvironmentStateStarting, EnvironmentStateShutdown,
		EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateProvisioning: {
		EnvironmentStateAvailable, EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateStarting: {
		EnvironmentStateAvailable, EnvironmentStateShuttingDown, EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateAvailable: {
		EnvironmentStateUnavailable, EnvironmentStateShuttingDown, EnvironmentStateExporting,
		EnvironmentStateUpdating, EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateUnavailable: {
		EnvironmentStateAvailable, EnvironmentStateShuttingDown, EnvironmentStateShutdown,
		EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateShuttingDown: {
		EnvironmentStateShutdown, EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateShutdown: {
		EnvironmentStateQueued, EnvironmentStateStarting, EnvironmentStateExporting,
		EnvironmentStateArchived, EnvironmentStateDeleted,
	},
	EnvironmentStateExporting: {
		EnvironmentStateShutdown, EnvironmentStateShuttingDown, EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateUpdating: {
		EnvironmentStateAvailable, EnvironmentStateShuttingDown, EnvironmentStateFailed, EnvironmentStateDeleted,
	},
	EnvironmentStateFailed: {
		EnvironmentStateStarting, EnvironmentStateShuttingDown, EnvironmentStateDeleted,
	},
	EnvironmentStateArchived: {
		EnvironmentStateStarting, EnvironmentStateDeleted,
	},
	EnvironmentStateDeleted: {},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle step.
func (s CloudEnvironmentState) CanTransitionTo(next CloudEnvironmentState) bool {
	for _, allowed := range environmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTransitional returns true for states that must eventually resolve on their own.
func (s CloudEnvironmentState) IsTransitional() bool {
	switch s {
	case EnvironmentStateQueued, EnvironmentStateProvisioning, EnvironmentStateStarting,
		EnvironmentStateShuttingDown, EnvironmentStateExporting, EnvironmentStateUpdating,
		EnvironmentStateUnavailable:
		return true
	default:
		return false
	}
}

// Validate checks if the environment state is valid.
func (s CloudEnvironmentState) Validate() error {
	if _, ok := environmentTransitions[s]; !ok {
		return fmt.Errorf("invalid environment state: %s", s)
	}
	return nil
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *CloudEnvironmentState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = CloudEnvironmentState(str)
	return s.Validate()
}
