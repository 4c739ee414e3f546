package health

import (
	"sync"
	"time"
)

// Status is the coarse state a component reports.
type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// ComponentHealth is a point-in-time snapshot of one component.
type ComponentHealth struct {
	Component string    `json:"component"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry collects per-component health for the health endpoint. Components
// report into it; readers get a consistent snapshot.
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
}

func NewRegistry() *Registry {
	return &Registry{components: make(map[string]ComponentHealth)}
}

// Report records the current status of a component, keeping the last error
// string for operators.
func (r *Registry) Report(component string, status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := ComponentHealth{
		Component: component,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
	}
	if err != nil {
		h.LastError = err.Error()
	}
	r.components[component] = h
}

// Snapshot returns all component states.
func (r *Registry) Snapshot() []ComponentHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(r.components))
	for _, h := range r.components {
		out = append(out, h)
	}
	return out
}

// Get returns the state of a single component.
func (r *Registry) Get(component string) (ComponentHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.components[component]
	return h, ok
}
