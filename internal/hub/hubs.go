package hub

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry tracks open hubs so a process or test can close or audit all of them at once.
type Registry struct {
	mu   sync.Mutex
	hubs map[*Hub]struct{}
}

func NewRegistry() *Registry {
	return &Registry{hubs: make(map[*Hub]struct{})}
}

func (r *Registry) add(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hubs[h] = struct{}{}
}

func (r *Registry) remove(h *Hub) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.hubs, h)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hubs)
}

// Hubs returns the open hubs ordered by name.
func (r *Registry) Hubs() []*Hub {
	r.mu.Lock()
	out := make([]*Hub, 0, len(r.hubs))
	for h := range r.hubs {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// CloseAll closes every open hub.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, h := range r.Hubs() {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("hub %s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// AssertAllClosed reports hubs that are still open.
func (r *Registry) AssertAllClosed() error {
	open := r.Hubs()
	if len(open) == 0 {
		return nil
	}
	names := make([]string, len(open))
	for i, h := range open {
		names[i] = h.name
	}
	return fmt.Errorf("hub: %d still open: %s", len(open), strings.Join(names, ", "))
}
