// Package node implements the locally-owned addressable object from
// spec.md §3: a Node is reachable through one or more handles, is always
// paired with an owner Handle, carries caller-supplied user data and a
// map of implemented Interfaces, and runs through the explicit lifecycle
// Unlinked -> Linked -> Live -> Destroyed (spec.md §4.2/§4.7).
package node

import (
	"sync"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/handle"
	"github.com/trotux/libbus1-go/kernel"
)

// State is a Node's position in its lifecycle.
type State int

const (
	// Unlinked: allocated locally, not yet known to the kernel.
	Unlinked State = iota
	// Linked: the kernel has assigned an id but no handle has been
	// handed to a peer yet, so the node cannot yet be reached remotely.
	Linked
	// Live: a CALL addressed to this node has been dispatched, or the
	// node was adopted as a root from a SEED.
	Live
	// Destroyed: the kernel tore the node down; every subscribed
	// handle has been (or is being) notified.
	Destroyed
)

func (s State) String() string {
	switch s {
	case Unlinked:
		return "unlinked"
	case Linked:
		return "linked"
	case Live:
		return "live"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Owner is the narrow peer-side capability a Node needs: destroying
// itself at the kernel and releasing its owner handle. Kept as an
// interface to avoid a node<->peer import cycle (peer imports node, not
// the reverse).
type Owner interface {
	Device() kernel.Device
	DeregisterNode(id kernel.ID)
	handle.Releaser
}

// Node is a locally-owned, addressable object, always paired with an
// owner Handle (spec.md §3).
type Node struct {
	owner  Owner
	id     kernel.ID
	handle *handle.Handle

	mu        sync.Mutex
	state     State
	userData  any
	destroyFn func(userData any)
	ifaces    map[string]struct{} // interfaces this node implements (spec.md §4.1)
}

// New allocates an Unlinked node bound to id, with a fresh owner Handle
// back-linked to it (spec.md §4.3 "new allocates a fresh owner Handle
// back-linked to it").
func New(owner Owner, id kernel.ID, userData any) *Node {
	return &Node{
		owner:    owner,
		id:       id,
		handle:   handle.New(owner, id),
		state:    Unlinked,
		userData: userData,
		ifaces:   make(map[string]struct{}),
	}
}

func (n *Node) ID() kernel.ID { return n.id }

// GetHandle returns the owner handle exclusively held by this node
// until Release (spec.md §3 "optional owner Handle").
func (n *Node) GetHandle() *handle.Handle { return n.handle }

// Release drops this node's exclusive owner-handle reference (spec.md
// §4.3 "release(node) drops it"). It does not otherwise affect the
// node's lifecycle state; a node still reachable through other handles
// stays live until the kernel tears it down.
func (n *Node) Release() error {
	return n.handle.Unref()
}

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) UserData() any {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.userData
}

// SetUserData replaces the user data associated with this node.
func (n *Node) SetUserData(v any) {
	n.mu.Lock()
	n.userData = v
	n.mu.Unlock()
}

// SetDestroyFn registers a callback invoked exactly once, by whichever
// of Destroy or Free first moves the node to Destroyed (spec.md §4.7
// "owner destroy callback").
func (n *Node) SetDestroyFn(fn func(userData any)) {
	n.mu.Lock()
	n.destroyFn = fn
	n.mu.Unlock()
}

// Implement registers this node as implementing a named interface
// (spec.md §4.3/§8 boundary "implement on an already-live node fails
// with busy"). It never changes the node's lifecycle state itself —
// that happens only through MarkLive, triggered by an actual handle
// transfer or root adoption.
func (n *Node) Implement(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == Destroyed {
		return errno.Wrap(errno.ESTALE, "node: Implement on destroyed node")
	}
	if n.state == Live {
		return errno.Wrap(errno.EBUSY, "node: Implement on already-live node")
	}
	if _, ok := n.ifaces[name]; ok {
		return errno.Wrap(errno.EEXIST, "node: already implements %q", name)
	}
	n.ifaces[name] = struct{}{}
	return nil
}

// Interfaces lists every interface name this node implements.
func (n *Node) Interfaces() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.ifaces))
	for name := range n.ifaces {
		out = append(out, name)
	}
	return out
}

// Implements reports whether this node implements the named interface.
func (n *Node) Implements(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.ifaces[name]
	return ok
}

// MarkLinked advances an Unlinked node once the kernel has assigned it
// an id reachable from a handle transfer.
func (n *Node) MarkLinked() {
	n.mu.Lock()
	if n.state == Unlinked {
		n.state = Linked
	}
	n.mu.Unlock()
}

// MarkLive advances an Unlinked or Linked node to Live once a CALL
// addressed to it is dispatched, or it has been adopted as a root
// (spec.md §4.2/§4.5).
func (n *Node) MarkLive() {
	n.mu.Lock()
	if n.state < Live {
		n.state = Live
	}
	n.mu.Unlock()
}

// Destroy tears the node down at the kernel and transitions it to
// Destroyed. The owner (Peer) is responsible for fanning the
// destruction out to subscribed handles via the notify package before
// or after calling Destroy, per spec.md §4.7's NODE_DESTROY semantics.
func (n *Node) Destroy() error {
	n.mu.Lock()
	if n.state == Destroyed {
		n.mu.Unlock()
		return nil
	}
	n.state = Destroyed
	fn := n.destroyFn
	data := n.userData
	n.mu.Unlock()

	err := n.owner.Device().Destroy([]kernel.ID{n.id})
	n.owner.DeregisterNode(n.id)
	if fn != nil {
		fn(data)
	}
	return err
}

// Free marks the node Destroyed locally without a kernel round-trip,
// used when a NODE_RELEASE notification (not a NODE_DESTROY) indicates
// only this peer's interest has lapsed (spec.md §4.7: NODE_RELEASE
// fires only the owner's destroy callback, not every subscriber).
func (n *Node) Free() {
	n.mu.Lock()
	if n.state == Destroyed {
		n.mu.Unlock()
		return
	}
	n.state = Destroyed
	fn := n.destroyFn
	data := n.userData
	n.mu.Unlock()
	n.owner.DeregisterNode(n.id)
	if fn != nil {
		fn(data)
	}
}
