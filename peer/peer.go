// Package peer implements the process-local endpoint from spec.md §3:
// a Peer owns a kernel.Device connection and the tables that track
// everything reachable through it — live nodes, outstanding handles,
// the named root nodes seeded from a parent peer, and the
// destroy-notification subscriptions — plus its own reference count.
// Grounded on the teacher's core.Peer (GNUnet network-peer bookkeeping)
// for shape, generalized from a signing keypair to a kernel connection.
package peer

import (
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/bfix/gospel/logger"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/handle"
	"github.com/trotux/libbus1-go/internal/omap"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
	"github.com/trotux/libbus1-go/node"
	"github.com/trotux/libbus1-go/notify"
	"github.com/trotux/libbus1-go/variant"
)

// envFD is the environment variable a forked child inherits its peer
// endpoint fd through (spec.md §6 "BUS1_PEER_FD").
const envFD = "BUS1_PEER_FD"

// Peer is a process-local endpoint on the bus (spec.md §3).
type Peer struct {
	dev kernel.Device

	refs atomic.Int32

	mu        sync.Mutex
	nodes     *omap.Map[kernel.ID, *node.Node]
	handles   *omap.Map[kernel.ID, *handle.Handle]
	rootNodes *omap.Map[string, *node.Node] // named roots seeded from a parent (spec.md §4.1/§4.5)
	notify    *notify.Registry
}

// RecvEvent is one dequeued, dispatch-ready kernel item: a DATA/CALL/
// REPLY/ERROR/SEED message reconstructed into a *message.Sealed, or a
// bare node-lifecycle notification with no payload (spec.md §4.6/§4.7).
type RecvEvent struct {
	Kind        kernel.RecvKind
	Destination kernel.ID
	Sealed      *message.Sealed // non-nil only when Kind == kernel.RecvData
}

// Open creates a fresh peer endpoint over device dev, already Open'd or
// about to be via path.
func Open(dev kernel.Device, path string) (*Peer, error) {
	if err := dev.Open(path); err != nil {
		return nil, err
	}
	return newPeer(dev), nil
}

// NewFromEnvironment adopts the peer endpoint fd inherited via
// BUS1_PEER_FD, the mechanism spec.md §6 uses for passing an endpoint
// across exec.
func NewFromEnvironment(dev kernel.Device) (*Peer, error) {
	v := os.Getenv(envFD)
	if v == "" {
		return nil, errno.Wrap(errno.ENOENT, "peer: %s not set", envFD)
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		return nil, errno.Wrap(errno.EINVAL, "peer: bad %s value %q", envFD, v)
	}
	if err := dev.Adopt(fd); err != nil {
		return nil, err
	}
	return newPeer(dev), nil
}

func newPeer(dev kernel.Device) *Peer {
	logger.Printf(logger.INFO, "[peer] opened endpoint fd=%d", dev.FD())
	p := &Peer{
		dev:       dev,
		nodes:     omap.New[kernel.ID, *node.Node](),
		handles:   omap.New[kernel.ID, *handle.Handle](),
		rootNodes: omap.New[string, *node.Node](),
		notify:    notify.NewRegistry(),
	}
	p.refs.Store(1)
	return p
}

// ExportToEnvironment sets BUS1_PEER_FD for a subsequently exec'd
// child, returning the env-style "KEY=VALUE" string to splice into its
// Environ (spec.md §6).
func (p *Peer) ExportToEnvironment() string {
	v := strconv.Itoa(p.dev.FD())
	os.Setenv(envFD, v)
	return envFD + "=" + v
}

// Device exposes the underlying kernel connection (node.Owner,
// message.Origin).
func (p *Peer) Device() kernel.Device { return p.dev }

// FD returns the peer endpoint file descriptor, for an external poll
// loop (spec.md §6).
func (p *Peer) FD() int { return p.dev.FD() }

// Ref adds one reference to this peer (spec.md §4.1 "reference count").
func (p *Peer) Ref() {
	p.refs.Add(1)
}

// Unref drops one reference to this peer. Once the count reaches zero
// the peer is torn down: the kernel connection is closed, and — the
// idiomatic Go stand-in for the original's debug-build assertion that
// every table is empty on drop — a warning is logged if any node or
// handle is still registered, rather than aborting the process (spec.md
// §4.1 "drop destroys the peer and asserts the tables are empty").
func (p *Peer) Unref() error {
	if p.refs.Add(-1) > 0 {
		return nil
	}
	p.mu.Lock()
	nNodes, nHandles := p.nodes.Len(), p.handles.Len()
	p.mu.Unlock()
	if nNodes != 0 || nHandles != 0 {
		logger.Printf(logger.WARN, "[peer] dropped with %d live node(s) and %d live handle(s) still registered", nNodes, nHandles)
	}
	return p.dev.Close()
}

// Close releases this peer's own reference (the caller's), destroying
// the peer once the count reaches zero.
func (p *Peer) Close() error {
	return p.Unref()
}

// Clone spins up a child peer connected to this one through a fresh
// handle/root-node pair (spec.md §4.2 "Clone").
func (p *Peer) Clone() (child *Peer, parentHandle *handle.Handle, err error) {
	cdev, parentID, _, err := p.dev.Clone()
	if err != nil {
		return nil, nil, err
	}
	cp := newPeer(cdev)
	p.mu.Lock()
	h := handle.New(p, parentID)
	p.handles.Put(parentID, h)
	p.mu.Unlock()
	logger.Printf(logger.DBG, "[peer] cloned child peer, parent handle id=%v", parentID)
	return cp, h, nil
}

// NewNode allocates a locally-owned node with the given user data and
// registers it under id; it starts Unlinked (spec.md §4.2/§4.7).
func (p *Peer) NewNode(id kernel.ID, userData any) *node.Node {
	n := node.New(p, id, userData)
	p.mu.Lock()
	p.nodes.Put(id, n)
	p.mu.Unlock()
	return n
}

// Node looks up a locally-owned node by kernel id (node.NodeLookup /
// iface.NodeLookup).
func (p *Peer) Node(id kernel.ID) (*node.Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes.Get(id)
}

// DeregisterNode removes a destroyed node from the table (node.Owner).
func (p *Peer) DeregisterNode(id kernel.ID) {
	p.mu.Lock()
	p.nodes.Delete(id)
	p.mu.Unlock()
}

// AcquireHandle wraps a kernel id as a Handle, reusing an existing
// Handle object (and bumping its user refcount) if this peer already
// holds one for the same id (spec.md "handles may be duplicated within
// a peer without consulting the kernel"). On reuse, the kernel's own
// redundant reference for the freshly delivered id is released
// immediately, so exactly one kernel-release is ever outstanding per
// (peer, id) pair (spec.md §4.2 "acquire... tell the kernel to drop its
// redundant reference" — §8 invariant 6 / scenario 3).
func (p *Peer) AcquireHandle(id kernel.ID) *handle.Handle {
	p.mu.Lock()
	h, reused := p.handles.Get(id)
	if reused {
		h.Ref()
	} else {
		h = handle.New(p, id)
		p.handles.Put(id, h)
	}
	p.mu.Unlock()
	if reused {
		if err := p.dev.Release(id); err != nil {
			logger.Printf(logger.WARN, "[peer] redundant kernel release for id=%v failed: %v", id, err)
		}
	}
	return h
}

// Handle looks up an outstanding handle by kernel id.
func (p *Peer) Handle(id kernel.ID) (*handle.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles.Get(id)
}

// ReleaseHandle drops this peer's kernel-side reference on id and
// forgets the Handle (handle.Releaser). Called once both the handle's
// userRefs and kernelRefs counters have reached zero.
func (p *Peer) ReleaseHandle(id kernel.ID) error {
	p.mu.Lock()
	p.handles.Delete(id)
	p.mu.Unlock()
	return p.dev.Release(id)
}

// Subscribe registers a handle to be notified when node id is
// destroyed (spec.md §4.7).
func (p *Peer) Subscribe(id kernel.ID, h *handle.Handle) {
	p.notify.Subscribe(id, h)
	if ld, ok := p.dev.(*kernel.Loopback); ok {
		ld.Subscribe(id)
	}
}

// DispatchNodeDestroy fans a NODE_DESTROY notification out to every
// subscribed handle and, if this peer owns the node, finalizes its
// local Node object too (spec.md §4.7).
func (p *Peer) DispatchNodeDestroy(id kernel.ID) error {
	err := p.notify.NotifyDestroyed(id)
	if n, ok := p.Node(id); ok {
		n.Free()
	}
	return err
}

// DispatchNodeRelease finalizes only the owner's Node object for id,
// without notifying subscribers (spec.md §4.7: NODE_RELEASE differs
// from NODE_DESTROY in exactly this respect).
func (p *Peer) DispatchNodeRelease(id kernel.ID) {
	if n, ok := p.Node(id); ok {
		n.Free()
	}
}

// GetSeed returns the root nodes currently offered by this peer, ready
// to hand to message.NewSeedBuilder when seeding a cloned child (spec.md
// §4.1 "get_seed").
func (p *Peer) GetSeed() []message.SeedEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := p.rootNodes.Keys()
	entries := make([]message.SeedEntry, 0, len(names))
	for _, name := range names {
		n, ok := p.rootNodes.Get(name)
		if !ok {
			continue
		}
		entries = append(entries, message.SeedEntry{Name: name, H: n.GetHandle()})
	}
	return entries
}

// absorbSeed parses a received SEED message's array of (name,
// root-handle-index) and atomically replaces this peer's root-node
// table with the new set (spec.md §4.5 "SEED atomic-replace rule" — §8
// scenario 6). Root names not present in the new seed are released,
// mirroring a NODE_RELEASE: this peer's interest in them lapses, but
// nothing is destroyed at the kernel.
func (p *Peer) absorbSeed(sealed *message.Sealed) error {
	pr := variant.NewReader(sealed.Payload)
	if err := pr.Enter(); err != nil {
		return errno.Wrap(errno.EINVAL, "peer: malformed seed payload: %v", err)
	}
	count, err := pr.PeekCount()
	if err != nil {
		return err
	}
	next := omap.New[string, *node.Node]()
	for i := 0; i < count; i++ {
		if err := pr.Enter(); err != nil {
			return err
		}
		name, err := pr.ReadString()
		if err != nil {
			return err
		}
		idx, err := pr.ReadHandleIndex()
		if err != nil {
			return err
		}
		if err := pr.Exit(); err != nil {
			return err
		}
		h, err := sealed.Handle(int(idx))
		if err != nil {
			return errno.Wrap(errno.EINVAL, "peer: seed entry %q: %v", name, err)
		}
		n := node.New(p, h.ID(), nil)
		n.MarkLive()
		next.Put(name, n)
	}

	p.mu.Lock()
	prev := p.rootNodes
	p.rootNodes = next
	next.Range(func(_ string, n *node.Node) bool {
		p.nodes.Put(n.ID(), n)
		return true
	})
	p.mu.Unlock()

	for _, name := range prev.Keys() {
		if next.Has(name) {
			continue
		}
		if old, ok := prev.Get(name); ok {
			old.Free()
		}
	}
	return nil
}

// Implement drains the root-node table for name, handing the caller a
// *node.Node ready to register interfaces on (spec.md §4.5 "implement
// (peer, name) root adoption"). Returns errno.ENOENT if no root by that
// name has been seeded yet.
func (p *Peer) Implement(name string, userData any) (*node.Node, error) {
	p.mu.Lock()
	n, ok := p.rootNodes.Get(name)
	if ok {
		p.rootNodes.Delete(name)
	}
	p.mu.Unlock()
	if !ok {
		return nil, errno.Wrap(errno.ENOENT, "peer: no seeded root node named %q", name)
	}
	n.SetUserData(userData)
	return n, nil
}

// Send transmits a sealed message to destinations, then links any
// freshly minted handle ids (AppendNewNode slots) into this peer's
// handle table so a subsequent AcquireHandle/Handle lookup finds them
// (spec.md §4.4).
func (p *Peer) Send(destinations []kernel.ID, s *message.Sealed, silent bool) error {
	if err := message.Send(p.dev, destinations, s, silent); err != nil {
		return err
	}
	for _, idx := range s.NewHandleIndices() {
		if idx < 0 || idx >= len(s.HandleIDs) {
			continue
		}
		id := s.HandleIDs[idx]
		p.mu.Lock()
		if _, ok := p.handles.Get(id); !ok {
			p.handles.Put(id, handle.New(p, id))
		}
		p.mu.Unlock()
	}
	return nil
}

// Recv dequeues and dispatches exactly one kernel event, translating
// RecvNodeDestroy/RecvNodeRelease into table updates, reconstructing
// RecvData into a ready-to-dispatch *message.Sealed (spec.md §4.6), and
// absorbing a SEED delivery's root-table swap before returning it to
// the caller (spec.md §4.5).
func (p *Peer) Recv() (*RecvEvent, error) {
	r, err := p.dev.Recv()
	if err != nil {
		return nil, err
	}
	switch r.Kind {
	case kernel.RecvNodeDestroy:
		if err := p.DispatchNodeDestroy(r.Destination); err != nil {
			logger.Printf(logger.WARN, "[peer] subscriber error on node destroy: %v", err)
		}
		return &RecvEvent{Kind: r.Kind, Destination: r.Destination}, nil
	case kernel.RecvNodeRelease:
		p.DispatchNodeRelease(r.Destination)
		return &RecvEvent{Kind: r.Kind, Destination: r.Destination}, nil
	default:
		sealed, err := message.Reconstruct(p, r)
		if err != nil {
			return nil, err
		}
		if sealed.Kind == message.KindSeed {
			if err := p.absorbSeed(sealed); err != nil {
				logger.Printf(logger.WARN, "[peer] seed absorption failed: %v", err)
			}
		}
		return &RecvEvent{Kind: r.Kind, Destination: r.Destination, Sealed: sealed}, nil
	}
}

// NodeIDs lists the kernel ids of every locally-owned node, in
// creation order, for introspection (admin package).
func (p *Peer) NodeIDs() []kernel.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes.Keys()
}

// HandleIDs lists the kernel ids of every outstanding handle, in
// acquisition order, for introspection (admin package).
func (p *Peer) HandleIDs() []kernel.ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles.Keys()
}
