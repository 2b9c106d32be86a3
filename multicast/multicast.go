// Package multicast implements the auto-shrinking membership group
// from spec.md §4.8: a Group collects the handles of every peer that
// has Join'd it, fans a message out to the whole membership with one
// Send, and drops a member automatically once its destroy notification
// fires — without the group's owner polling anything.
package multicast

import (
	"sync"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/handle"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
)

// Group is a set of member handles keyed by kernel id; members are
// added with Join and removed with Leave.
type Group struct {
	mu      sync.Mutex
	members map[kernel.ID]*handle.Handle
}

// NewGroup allocates an empty group.
func NewGroup() *Group {
	return &Group{members: make(map[kernel.ID]*handle.Handle)}
}

// Join admits h as a member, rejecting with errno.EBUSY a handle whose
// id is already a member of this group. Membership in other groups is
// not checked. The caller is
// responsible for subscribing h to its own node's destruction and
// calling Leave from that notification, so the group shrinks on its
// own once a member's peer goes away.
func (g *Group) Join(h *handle.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[h.ID()]; ok {
		return errno.Wrap(errno.EBUSY, "multicast: handle already a member")
	}
	g.members[h.ID()] = h
	return nil
}

// Leave removes a member, idempotently.
func (g *Group) Leave(id kernel.ID) {
	g.mu.Lock()
	delete(g.members, id)
	g.mu.Unlock()
}

// Len reports the current membership size.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Send flattens the current membership into one kernel send descriptor
// so every member receives the message atomically in a single send
// (spec.md §4.8 "fan out to all members in one send").
func (g *Group) Send(dev kernel.Device, sealed *message.Sealed, silent bool) error {
	g.mu.Lock()
	ids := make([]kernel.ID, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return message.Send(dev, ids, sealed, silent)
}

// memberGone implements notify.Subscriber: dropping the member
// whose node was destroyed keeps the group's membership in sync with
// reality without any polling (spec.md §4.8).
type memberGone struct {
	group *Group
	id    kernel.ID
}

func (m *memberGone) NotifyNodeDestroyed() error {
	m.group.Leave(m.id)
	return nil
}

// Subscriber returns a notify.Subscriber that removes h from g when
// invoked, for registering against the peer's notify.Registry at Join
// time.
func (g *Group) Subscriber(h *handle.Handle) interface{ NotifyNodeDestroyed() error } {
	return &memberGone{group: g, id: h.ID()}
}
