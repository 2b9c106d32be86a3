// Package handle implements the capability reference type described in
// spec.md §3/§5: a Handle is a peer-local, dual-refcounted name for a
// node that may be local or remote. Two independent counts are kept —
// how many userspace holders exist, and whether the kernel still has a
// live link for this (peer, id) pair — because either side can drop its
// interest in the node independently (spec.md "dual reference count").
package handle

import (
	"sync/atomic"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/kernel"
)

// Releaser is the narrow peer-side capability a Handle uses to tell the
// kernel it is no longer interested in an id, once both refcounts hit
// zero. It is implemented by *peer.Peer; kept as an interface here to
// avoid an import cycle (peer imports handle, not the reverse).
type Releaser interface {
	ReleaseHandle(id kernel.ID) error
}

// Handle is a capability reference: a (peer, kernel id) pair plus the
// two independent counters from spec.md §5.
type Handle struct {
	owner Releaser
	id    kernel.ID

	userRefs   atomic.Int32
	kernelRefs atomic.Int32

	// released is flipped exactly once, guarding against a double call
	// into owner.ReleaseHandle when both counters race to zero.
	released atomic.Bool
}

// New wraps id as a Handle with one outstanding user reference and one
// outstanding kernel link, the state a freshly received or created
// handle starts in.
func New(owner Releaser, id kernel.ID) *Handle {
	h := &Handle{owner: owner, id: id}
	h.userRefs.Store(1)
	h.kernelRefs.Store(1)
	return h
}

// ID returns the kernel id this handle names.
func (h *Handle) ID() kernel.ID { return h.id }

// Ref adds one userspace reference (spec.md "handles may be duplicated
// within a peer without consulting the kernel").
func (h *Handle) Ref() {
	h.userRefs.Add(1)
}

// Unref drops one userspace reference, releasing the handle at the
// kernel once both counts have reached zero.
func (h *Handle) Unref() error {
	if h.userRefs.Add(-1) < 0 {
		return errno.Wrap(errno.EINVAL, "handle: unref of already-zero handle")
	}
	return h.maybeRelease()
}

// dropKernelLink is called when the core learns the kernel side no
// longer considers this (peer, id) linked — e.g. after a destroy
// notification has been dispatched to every subscriber.
func (h *Handle) dropKernelLink() error {
	if h.kernelRefs.Add(-1) < 0 {
		return errno.Wrap(errno.EINVAL, "handle: kernel link already dropped")
	}
	return h.maybeRelease()
}

func (h *Handle) maybeRelease() error {
	if h.userRefs.Load() > 0 || h.kernelRefs.Load() > 0 {
		return nil
	}
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.owner.ReleaseHandle(h.id)
}

// Live reports whether this handle still has either a userspace holder
// or a kernel link.
func (h *Handle) Live() bool {
	return h.userRefs.Load() > 0 || h.kernelRefs.Load() > 0
}

// NotifyNodeDestroyed is invoked by the notify package once, for each
// Handle subscribed to a node, when that node is destroyed (spec.md §4.7
// "notify every handle referencing the destroyed node"). It drops the
// handle's kernel link.
func (h *Handle) NotifyNodeDestroyed() error {
	return h.dropKernelLink()
}
