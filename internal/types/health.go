package types

import "time"

// HealthState classifies how well a component is serving requests.
// Degraded means the component still answers but with reduced capacity,
// such as a registry where some agents are unreachable.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// HealthStatus is a point-in-time health report from an engine component
// such as the agent registry or the triple store.
type HealthStatus struct {
	State     HealthState `json:"state"`
	Message   string      `json:"message,omitempty"`
	CheckedAt time.Time   `json:"checked_at"`
}

// Healthy reports a fully operational component.
func Healthy(message string) HealthStatus {
	return HealthStatus{State: HealthStateHealthy, Message: message, CheckedAt: time.Now()}
}

// Degraded reports a component serving requests at reduced capacity.
func Degraded(message string) HealthStatus {
	return HealthStatus{State: HealthStateDegraded, Message: message, CheckedAt: time.Now()}
}

// Unhealthy reports a component that cannot serve requests.
func Unhealthy(message string) HealthStatus {
	return HealthStatus{State: HealthStateUnhealthy, Message: message, CheckedAt: time.Now()}
}

// IsHealthy reports whether the component is fully operational.
func (h HealthStatus) IsHealthy() bool {
	return h.State == HealthStateHealthy
}
