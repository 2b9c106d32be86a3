// Package notify implements the destroy-notification fanout from
// spec.md §4.7: every Handle that has ever referenced a node is
// subscribed to that node's destruction, and a NODE_DESTROY delivery
// must notify all of them even if one subscriber's callback fails.
package notify

import (
	"github.com/trotux/libbus1-go/internal/omap"
	"github.com/trotux/libbus1-go/kernel"
)

// Subscriber is the capability notify needs from a handle.Handle,
// narrowed to avoid an import cycle.
type Subscriber interface {
	NotifyNodeDestroyed() error
}

// Registry tracks, per node id, the set of subscribers interested in
// its destruction (spec.md "notify every handle referencing the
// destroyed node").
type Registry struct {
	byNode *omap.Map[kernel.ID, []Subscriber]
}

// NewRegistry allocates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byNode: omap.New[kernel.ID, []Subscriber]()}
}

// Subscribe registers sub to be notified when id is destroyed.
func (r *Registry) Subscribe(id kernel.ID, sub Subscriber) {
	subs, _ := r.byNode.Get(id)
	r.byNode.Put(id, append(subs, sub))
}

// Unsubscribe removes sub from id's subscriber list, if present.
func (r *Registry) Unsubscribe(id kernel.ID, sub Subscriber) {
	subs, ok := r.byNode.Get(id)
	if !ok {
		return
	}
	out := subs[:0]
	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		r.byNode.Delete(id)
		return
	}
	r.byNode.Put(id, out)
}

// NotifyDestroyed fans NODE_DESTROY out to every subscriber of id,
// running all of them even if some return an error, and removes the
// node's subscriber list afterward (spec.md §4.7: NODE_DESTROY fires
// all subscriptions; the first non-nil error is returned to the
// caller, but every subscriber still runs).
func (r *Registry) NotifyDestroyed(id kernel.ID) error {
	subs, ok := r.byNode.Get(id)
	if !ok {
		return nil
	}
	r.byNode.Delete(id)
	var first error
	for _, s := range subs {
		if err := s.NotifyNodeDestroyed(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Count reports how many subscribers id currently has.
func (r *Registry) Count(id kernel.ID) int {
	subs, _ := r.byNode.Get(id)
	return len(subs)
}
