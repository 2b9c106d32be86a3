package kernel

import (
	"sync"

	"github.com/trotux/libbus1-go/errno"
)

// Loopback is an in-process Device that switches messages between
// peers that share the same *Bus value, without ever touching a real
// character device. Every test and bundled example in this repository
// runs against Loopback (spec.md §1 "kernel transport driver" is out
// of scope; this is the in-process stand-in the core is exercised
// against).
type Loopback struct {
	bus  *Bus
	self ID

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*RecvResult
	closed bool
}

// Bus is the shared switchboard a family of Loopback peers attach to.
// It owns the authoritative id allocator and the per-peer mailboxes.
type Bus struct {
	mu      sync.Mutex
	nextID  ID
	peers   map[ID]*Loopback
	notify  map[ID][]ID // node id -> peers subscribed to its destroy/release
}

// NewBus creates an empty switchboard.
func NewBus() *Bus {
	return &Bus{peers: make(map[ID]*Loopback), notify: make(map[ID][]ID)}
}

func (b *Bus) allocID() ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

// NewLoopback attaches a fresh peer to bus, returning it already
// "open" with a unique self id standing in for its root node.
func NewLoopback(bus *Bus) *Loopback {
	d := &Loopback{bus: bus, self: bus.allocID()}
	d.cond = sync.NewCond(&d.mu)
	bus.mu.Lock()
	bus.peers[d.self] = d
	bus.mu.Unlock()
	return d
}

func (d *Loopback) Open(path string) error { return nil }
func (d *Loopback) Adopt(fd int) error      { return errno.Wrap(errno.ENOTSUP, "loopback: Adopt") }
func (d *Loopback) FD() int                 { return -1 }

// Send delivers descriptor d's payload to each destination's mailbox.
// Concrete handle ids pass through unchanged; FlagAllocate slots mint a
// fresh bus-wide id and route it to this peer's own mailbox, the same
// way a freshly minted node id is reachable through the peer that
// created it (spec.md §4.2).
func (d *Loopback) Send(sd *SendDescriptor) (*SendResult, error) {
	ids := make([]ID, len(sd.Handles))
	for i, h := range sd.Handles {
		if h.Flags&FlagAllocate != 0 || h.ID == Invalid {
			id := d.bus.allocID()
			d.bus.mu.Lock()
			d.bus.peers[id] = d
			d.bus.mu.Unlock()
			ids[i] = id
		} else {
			ids[i] = h.ID
		}
	}
	var payload []byte
	for _, v := range sd.Payload {
		payload = append(payload, v...)
	}
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	for _, dst := range sd.Destinations {
		peer, ok := d.bus.peers[dst]
		if !ok {
			continue
		}
		peer.deliver(&RecvResult{
			Kind:        RecvData,
			Destination: dst,
			Payload:     append([]byte(nil), payload...),
			HandleIDs:   append([]ID(nil), ids...),
			NumFDs:      len(sd.FDs),
			Release:     func() error { return nil },
		})
	}
	return &SendResult{HandleIDs: ids}, nil
}

func (d *Loopback) deliver(r *RecvResult) {
	d.mu.Lock()
	d.queue = append(d.queue, r)
	d.cond.Signal()
	d.mu.Unlock()
}

// Recv blocks until a message, node-destroy, or node-release
// notification is queued for this peer.
func (d *Loopback) Recv() (*RecvResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.queue) == 0 && !d.closed {
		d.cond.Wait()
	}
	if len(d.queue) == 0 {
		return nil, errno.Wrap(errno.EIO, "loopback: closed")
	}
	r := d.queue[0]
	d.queue = d.queue[1:]
	return r, nil
}

func (d *Loopback) Release(id ID) error { return nil }

// Destroy delivers a RecvNodeDestroy notice to every peer subscribed to
// each id. The destroying peer is notified only if it is itself
// subscribed.
func (d *Loopback) Destroy(ids []ID) error {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	for _, id := range ids {
		for _, pid := range d.bus.notify[id] {
			if peer, ok := d.bus.peers[pid]; ok {
				peer.deliver(&RecvResult{Kind: RecvNodeDestroy, Destination: id, Release: func() error { return nil }})
			}
		}
		delete(d.bus.notify, id)
	}
	return nil
}

// Clone creates a child Loopback on the same bus, wired to this peer by
// a fresh handle pair standing in for the child's root node.
func (d *Loopback) Clone() (Device, ID, ID, error) {
	child := NewLoopback(d.bus)
	root := d.bus.allocID()
	d.bus.mu.Lock()
	d.bus.peers[root] = child
	d.bus.notify[root] = append(d.bus.notify[root], child.self)
	d.bus.mu.Unlock()
	return child, root, root, nil
}

// HandleTransfer makes dst's bus aware that srcID now also has a
// reference from dst (loopback ids are bus-global, so this just
// registers dst for that id's notifications).
func (d *Loopback) HandleTransfer(dst Device, srcID ID) (ID, ID, error) {
	if srcID == Invalid {
		srcID = d.bus.allocID()
	}
	ldst, ok := dst.(*Loopback)
	if !ok {
		return Invalid, Invalid, errno.Wrap(errno.EINVAL, "loopback: HandleTransfer requires a *Loopback peer")
	}
	d.bus.mu.Lock()
	d.bus.notify[srcID] = append(d.bus.notify[srcID], ldst.self)
	d.bus.mu.Unlock()
	return srcID, srcID, nil
}

// Subscribe registers this peer to receive a RecvNodeDestroy
// notification when id is destroyed. Loopback-only helper used by
// peer.Subscribe and the kernel tests; real devices do this implicitly via
// handle-transfer bookkeeping at the kernel.
func (d *Loopback) Subscribe(id ID) {
	d.bus.mu.Lock()
	d.bus.notify[id] = append(d.bus.notify[id], d.self)
	d.bus.mu.Unlock()
}

func (d *Loopback) Close() error {
	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.bus.mu.Lock()
	delete(d.bus.peers, d.self)
	d.bus.mu.Unlock()
	return nil
}

// Self returns this peer's bus-assigned id, used by tests to address
// it as a Send destination.
func (d *Loopback) Self() ID { return d.self }
