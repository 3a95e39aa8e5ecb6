package capability

import (
	"time"
)

// Availability represents an agent's current dispatch availability.
type Availability string

const (
	// AvailabilityIdle indicates the agent is registered and claimable.
	AvailabilityIdle Availability = "idle"

	// AvailabilityBusy indicates the agent is claimed for a step execution.
	AvailabilityBusy Availability = "busy"

	// AvailabilityUnreachable indicates the agent failed repeated dispatch
	// timeouts and is excluded from discovery until it heartbeats or
	// re-registers.
	AvailabilityUnreachable Availability = "unreachable"
)

// String returns the string representation of the availability.
func (a Availability) String() string {
	return string(a)
}

// AgentDescriptor describes a registered worker: its identity, the
// capability tags it offers, and its current availability.
//
// Descriptors are owned by the Registry; callers receive copies and never
// mutate registry state directly.
type AgentDescriptor struct {
	// AgentID is the unique identifier the worker registered under.
	AgentID string `json:"agent_id"`

	// Capabilities is the set of capability tags the agent offers.
	Capabilities []Tag `json:"capabilities"`

	// Availability is the agent's current dispatch availability.
	Availability Availability `json:"availability"`

	// RegisteredAt is when the agent registered.
	RegisteredAt time.Time `json:"registered_at"`

	// LastSeen is the last heartbeat or registration time.
	LastSeen time.Time `json:"last_seen"`

	// LastReleased is when the agent was last released from a claim.
	// Zero until the first release; used as the discovery tie-break so
	// work spreads across equally capable agents.
	LastReleased time.Time `json:"last_released,omitempty"`

	// TimeoutStrikes counts consecutive dispatch timeouts. Reset whenever
	// the agent answers a dispatch or heartbeats.
	TimeoutStrikes int `json:"timeout_strikes,omitempty"`
}

// Offers reports whether the descriptor offers a capability compatible
// with the required tag.
func (d AgentDescriptor) Offers(required Tag) bool {
	for _, offered := range d.Capabilities {
		if Compatible(required, offered) {
			return true
		}
	}
	return false
}
