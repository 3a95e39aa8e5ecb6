package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicholaskb/semant/internal/types"
)

// Registry indexes registered agents by the capability tags they offer and
// arbitrates exclusive claims on them. It is the engine's single
// synchronization point guaranteeing at-most-one concurrent execution per
// step: the scheduler must Claim an agent before dispatching to it and
// Release it exactly once afterwards, on every path.
//
// A Registry is explicitly constructed and passed to the scheduler and
// pipeline at startup; there is no process-wide default.
type Registry interface {
	// Register adds an agent offering the given capability tags.
	// Fails with AGENT_DUPLICATE if the agent ID is already registered
	// and with CAPABILITY_INVALID if any tag is malformed.
	Register(agentID string, capabilities []Tag) error

	// Deregister removes an agent from all capability indices. Idempotent;
	// any claim the agent held is implicitly released.
	Deregister(agentID string)

	// Discover returns candidate agent IDs for a required capability,
	// idle agents first, least-recently-released first within each group.
	// Fails with AGENT_NONE_CAPABLE (retryable) when no registered agent
	// offers a compatible tag.
	Discover(required Tag) ([]string, error)

	// Claim atomically transitions an agent from idle to busy. Returns
	// false if the agent is busy, unreachable, or unregistered.
	Claim(agentID string) bool

	// Release transitions a claimed agent back to idle and records the
	// release time for discovery ordering. Releasing an unregistered or
	// idle agent is a no-op.
	Release(agentID string)

	// Heartbeat refreshes the agent's liveness, clearing any unreachable
	// mark and timeout strikes. Fails with AGENT_NOT_FOUND for unknown IDs.
	Heartbeat(agentID string) error

	// MarkTimeout records a dispatch timeout strike against the agent and
	// returns the agent's new strike count. Once strikes reach the
	// configured threshold the agent is marked unreachable and removed
	// from discovery candidacy until it heartbeats or re-registers.
	MarkTimeout(agentID string) int

	// Get returns a copy of the descriptor for an agent.
	Get(agentID string) (AgentDescriptor, error)

	// List returns copies of all registered descriptors, sorted by agent ID.
	List() []AgentDescriptor

	// Health reports the registry's health based on agent reachability.
	Health(ctx context.Context) types.HealthStatus
}

// InMemoryRegistry implements Registry with in-memory indices.
type InMemoryRegistry struct {
	mu sync.Mutex

	// agents maps agent ID to its descriptor.
	agents map[string]*AgentDescriptor

	// byCapability maps a capability name to the IDs of agents offering it.
	// Version compatibility is checked at discovery time.
	byCapability map[string]map[string]struct{}

	// unreachableThreshold is the strike count at which an agent is marked
	// unreachable.
	unreachableThreshold int

	// released is invoked after a release or deregistration so the
	// scheduler can re-evaluate step eligibility. May be nil.
	released func(agentID string)
}

// RegistryOption is a functional option for configuring InMemoryRegistry.
type RegistryOption func(*InMemoryRegistry)

// WithUnreachableThreshold sets the number of consecutive dispatch timeouts
// after which an agent is marked unreachable. Default: 3.
func WithUnreachableThreshold(n int) RegistryOption {
	return func(r *InMemoryRegistry) {
		if n > 0 {
			r.unreachableThreshold = n
		}
	}
}

// WithReleaseHook sets a callback invoked (in its own goroutine) whenever
// an agent becomes claimable again, so dispatch can be retried promptly.
func WithReleaseHook(hook func(agentID string)) RegistryOption {
	return func(r *InMemoryRegistry) {
		r.released = hook
	}
}

// NewRegistry creates a new empty in-memory registry.
func NewRegistry(opts ...RegistryOption) *InMemoryRegistry {
	r := &InMemoryRegistry{
		agents:               make(map[string]*AgentDescriptor),
		byCapability:         make(map[string]map[string]struct{}),
		unreachableThreshold: 3,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an agent offering the given capability tags.
func (r *InMemoryRegistry) Register(agentID string, capabilities []Tag) error {
	if agentID == "" {
		return types.NewError(types.AGENT_DUPLICATE, "agent ID cannot be empty")
	}
	if len(capabilities) == 0 {
		return types.NewError(types.CAPABILITY_INVALID,
			fmt.Sprintf("agent %s must offer at least one capability", agentID))
	}
	for _, tag := range capabilities {
		if err := tag.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		return types.NewError(types.AGENT_DUPLICATE,
			fmt.Sprintf("agent %s is already registered", agentID))
	}

	now := time.Now()
	desc := &AgentDescriptor{
		AgentID:      agentID,
		Capabilities: append([]Tag(nil), capabilities...),
		Availability: AvailabilityIdle,
		RegisteredAt: now,
		LastSeen:     now,
	}
	r.agents[agentID] = desc

	for _, tag := range capabilities {
		idx, ok := r.byCapability[tag.Name]
		if !ok {
			idx = make(map[string]struct{})
			r.byCapability[tag.Name] = idx
		}
		idx[agentID] = struct{}{}
	}

	return nil
}

// Deregister removes an agent from all capability indices.
func (r *InMemoryRegistry) Deregister(agentID string) {
	r.mu.Lock()
	desc, exists := r.agents[agentID]
	if exists {
		for _, tag := range desc.Capabilities {
			delete(r.byCapability[tag.Name], agentID)
			if len(r.byCapability[tag.Name]) == 0 {
				delete(r.byCapability, tag.Name)
			}
		}
		delete(r.agents, agentID)
	}
	hook := r.released
	r.mu.Unlock()

	// A deregistered busy agent implicitly releases its claim, which may
	// make its step eligible for re-dispatch.
	if exists && hook != nil {
		go hook(agentID)
	}
}

// Discover returns candidate agent IDs for a required capability.
func (r *InMemoryRegistry) Discover(required Tag) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*AgentDescriptor
	for agentID := range r.byCapability[required.Name] {
		desc := r.agents[agentID]
		if desc == nil || desc.Availability == AvailabilityUnreachable {
			continue
		}
		if desc.Offers(required) {
			candidates = append(candidates, desc)
		}
	}

	if len(candidates) == 0 {
		return nil, types.NewRetryableError(types.AGENT_NONE_CAPABLE,
			fmt.Sprintf("no registered agent offers capability %s", required))
	}

	// Idle agents first; within each availability group, the least
	// recently released agent wins so work spreads evenly.
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.Availability != cj.Availability {
			return ci.Availability == AvailabilityIdle
		}
		if !ci.LastReleased.Equal(cj.LastReleased) {
			return ci.LastReleased.Before(cj.LastReleased)
		}
		return ci.AgentID < cj.AgentID
	})

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.AgentID
	}
	return ids, nil
}

// Claim atomically transitions an agent from idle to busy.
func (r *InMemoryRegistry) Claim(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, exists := r.agents[agentID]
	if !exists || desc.Availability != AvailabilityIdle {
		return false
	}

	desc.Availability = AvailabilityBusy
	return true
}

// Release transitions a claimed agent back to idle.
func (r *InMemoryRegistry) Release(agentID string) {
	r.mu.Lock()
	desc, exists := r.agents[agentID]
	released := false
	if exists && desc.Availability == AvailabilityBusy {
		desc.Availability = AvailabilityIdle
		desc.LastReleased = time.Now()
		released = true
	}
	hook := r.released
	r.mu.Unlock()

	if released && hook != nil {
		go hook(agentID)
	}
}

// Heartbeat refreshes the agent's liveness.
func (r *InMemoryRegistry) Heartbeat(agentID string) error {
	r.mu.Lock()
	desc, exists := r.agents[agentID]
	recovered := false
	if exists {
		desc.LastSeen = time.Now()
		desc.TimeoutStrikes = 0
		if desc.Availability == AvailabilityUnreachable {
			desc.Availability = AvailabilityIdle
			recovered = true
		}
	}
	hook := r.released
	r.mu.Unlock()

	if !exists {
		return types.NewError(types.AGENT_NOT_FOUND,
			fmt.Sprintf("agent %s is not registered", agentID))
	}
	if recovered && hook != nil {
		go hook(agentID)
	}
	return nil
}

// MarkTimeout records a dispatch timeout strike against the agent.
func (r *InMemoryRegistry) MarkTimeout(agentID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, exists := r.agents[agentID]
	if !exists {
		return 0
	}

	desc.TimeoutStrikes++
	if desc.TimeoutStrikes >= r.unreachableThreshold {
		desc.Availability = AvailabilityUnreachable
	}
	return desc.TimeoutStrikes
}

// Get returns a copy of the descriptor for an agent.
func (r *InMemoryRegistry) Get(agentID string) (AgentDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, exists := r.agents[agentID]
	if !exists {
		return AgentDescriptor{}, types.NewError(types.AGENT_NOT_FOUND,
			fmt.Sprintf("agent %s is not registered", agentID))
	}
	return copyDescriptor(desc), nil
}

// List returns copies of all registered descriptors, sorted by agent ID.
func (r *InMemoryRegistry) List() []AgentDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	descriptors := make([]AgentDescriptor, 0, len(r.agents))
	for _, desc := range r.agents {
		descriptors = append(descriptors, copyDescriptor(desc))
	}

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].AgentID < descriptors[j].AgentID
	})

	return descriptors
}

// Health reports the registry's health based on agent reachability.
func (r *InMemoryRegistry) Health(ctx context.Context) types.HealthStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	unreachable := 0
	for _, desc := range r.agents {
		if desc.Availability == AvailabilityUnreachable {
			unreachable++
		}
	}

	if unreachable > 0 {
		return types.Degraded(fmt.Sprintf("%d of %d agents unreachable", unreachable, len(r.agents)))
	}
	return types.Healthy(fmt.Sprintf("registry healthy: %d agents", len(r.agents)))
}

// Count returns the number of registered agents.
func (r *InMemoryRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// IsRegistered checks if an agent is registered.
func (r *InMemoryRegistry) IsRegistered(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.agents[agentID]
	return exists
}

func copyDescriptor(desc *AgentDescriptor) AgentDescriptor {
	out := *desc
	out.Capabilities = append([]Tag(nil), desc.Capabilities...)
	return out
}
