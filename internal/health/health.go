// Package health collects named liveness probes for the reference server
// and device replicas: database reachability, background loops and
// replication state.
package health

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Status is the result of one probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem.
type Checker func(ctx context.Context) Status

// Registry holds probes in registration order.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers []Checker
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe. Names need not be unique.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.checkers = append(r.checkers, check)
	r.mu.Unlock()
}

// Names lists registered probes.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// CheckAll runs every probe concurrently. Statuses keep registration order;
// a probe that returns no name is labelled with its registered one.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	checkers := append([]Checker(nil), r.checkers...)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var g errgroup.Group
	for i, check := range checkers {
		g.Go(func() error {
			st := check(ctx)
			if st.Name == "" {
				st.Name = names[i]
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
