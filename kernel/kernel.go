// Package kernel models the out-of-scope "kernel transport driver"
// collaborator from spec.md §1/§6: the capability the core invokes to
// open a peer endpoint, mmap its receive pool, enqueue/dequeue
// messages, and manage handle/node lifetime at the kernel side. The
// core only ever talks to the narrow Device interface; LinuxDevice and
// Loopback are the two concrete bindings this repository ships.
package kernel

import "github.com/trotux/libbus1-go/errno"

// ID is a 64-bit opaque identifier the transport assigns to a handle or
// a node (spec.md §3 "kernel id").
type ID uint64

// Invalid is the all-ones sentinel kernel id (spec.md §6).
const Invalid ID = ^ID(0)

// Allocation flags OR'd into a handle slot on Send to ask the kernel to
// mint a fresh id rather than use a concrete one (spec.md §6).
const (
	FlagManaged    uint32 = 1 << 0
	FlagAllocate   uint32 = 1 << 1
	FlagPersistent uint32 = 1 << 2
)

// HandleSlot is one entry of a Send descriptor's handle-id array: either
// a concrete id, or Invalid with FlagAllocate set to request minting.
type HandleSlot struct {
	ID    ID
	Flags uint32
}

// Send flags (spec.md §6).
const (
	FlagSeed   uint32 = 1 << 0
	FlagSilent uint32 = 1 << 1
)

// Credentials are stamped by the kernel at receive time (spec.md §3).
type Credentials struct {
	UID uint32
	GID uint32
	PID uint32
	TID uint32
}

// SendDescriptor is the kernel send(2) argument assembled by
// message.Send (spec.md §4.4 "Constructs the kernel send descriptor").
type SendDescriptor struct {
	Destinations []ID
	Payload      [][]byte // vectored payload (variant.Sealed.Vectors())
	Handles      []HandleSlot
	FDs          []int
	Flags        uint32
}

// SendResult reports, in order, the id that ended up bound to each
// HandleSlot of the descriptor (echoing concrete ids back unchanged,
// and filling in freshly minted ones for allocate-requests).
type SendResult struct {
	HandleIDs []ID
}

// RecvKind distinguishes the three message shapes the kernel can
// deliver (spec.md §4.6).
type RecvKind int

const (
	RecvData RecvKind = iota
	RecvNodeDestroy
	RecvNodeRelease
)

// RecvResult is one dequeued item. For RecvData, Payload/HandleIDs/NumFDs
// describe a pool slice that must be released via Release when the
// caller is done with it (spec.md §5 "userspace holds pool slices
// read-only and must release each slice").
type RecvResult struct {
	Kind        RecvKind
	Destination ID // node addressed (RecvData), or node id (RecvNodeDestroy/Release)
	Payload     []byte
	HandleIDs   []ID
	NumFDs      int
	Credentials Credentials
	NumDropped  int // non-zero => buffer-exhausted condition (spec.md §4.6)
	Release     func() error
}

// Device is the narrow capability the core consumes from the kernel
// transport driver (spec.md §6). Every method may block at the syscall
// boundary (spec.md §5) but must not hold any in-process lock while
// doing so.
type Device interface {
	// Open creates a fresh peer endpoint, optionally at a given device
	// path (empty string selects the implementation's default).
	Open(path string) error
	// Adopt wraps an already-open endpoint fd (e.g. inherited across exec).
	Adopt(fd int) error
	// FD exposes the endpoint file descriptor for an external poll loop.
	FD() int
	// Send enqueues one message to the listed destinations.
	Send(d *SendDescriptor) (*SendResult, error)
	// Recv dequeues exactly one item, blocking until one is available.
	Recv() (*RecvResult, error)
	// Release drops this peer's kernel-side reference on a handle id.
	Release(id ID) error
	// Destroy destroys one or more nodes at the kernel.
	Destroy(ids []ID) error
	// Clone creates a child peer connected to this one by a fresh
	// handle pair, returning the child device, this peer's handle to
	// the child's root node, and the child's own id for that root.
	Clone() (child Device, parentHandle ID, childRoot ID, err error)
	// HandleTransfer asks the kernel to materialize, in dst, a handle
	// referencing the same node as srcID in this device. If srcID is
	// Invalid, the kernel also allocates it here and returns it via
	// allocatedSrc.
	HandleTransfer(dst Device, srcID ID) (allocatedSrc ID, dstID ID, err error)
	// Close releases the endpoint itself.
	Close() error
}

// errTransport wraps a low-level failure as the Transport error kind
// from spec.md §7.
func errTransport(op string, err error) error {
	return errno.Wrap(errno.EIO, "%s: %v", op, err)
}
