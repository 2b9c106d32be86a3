// Package message implements the mutable-builder-to-sealed-artifact
// message model from spec.md §4.4/§4.6: a Message is assembled field by
// field against a variant.Writer, then sealed into an immutable,
// self-describing byte stream (kind + signature + payload) that travels
// as the kernel send descriptor's vectored payload. Grounded on the
// teacher's message.Message two-phase build/marshal convention
// (NewEmptyMessage then field-by-field population, then Marshal),
// generalized from GNUnet's concrete wire messages to the bus's own
// kind/signature framing.
package message

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/handle"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/variant"
)

// Kind identifies the shape of a sealed message's payload (spec.md
// §4.6 "message kinds"). NODE_DESTROY and NODE_RELEASE are delivered by
// the kernel directly as kernel.RecvKind, not framed through here.
type Kind uint8

const (
	KindData Kind = iota
	KindCall
	KindReply
	KindError
	KindSeed
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindCall:
		return "CALL"
	case KindReply:
		return "REPLY"
	case KindError:
		return "ERROR"
	case KindSeed:
		return "SEED"
	default:
		return "UNKNOWN"
	}
}

// NoReplyHandle is the handle-index sentinel a CALL header carries when
// the caller did not request a reply (spec.md §4.4 "optional
// reply-handle-index").
const NoReplyHandle uint32 = ^uint32(0)

// handleRef is one handle queued onto a Builder, either a concrete
// outstanding Handle or a request to mint a fresh destination id.
type handleRef struct {
	h   *handle.Handle
	new bool
}

// Builder assembles one outbound message: a variant payload plus the
// handles and file descriptors traveling alongside it (spec.md §4.4
// "AppendHandle/AppendFd/SetPayload").
type Builder struct {
	kind    Kind
	w       *variant.Writer
	handles []handleRef
	fds     []int
	wrapped bool // true when NewBuilder opened the outer struct frame
}

// NewBuilder starts a message of the given kind with an empty struct
// payload open for writing.
func NewBuilder(kind Kind) *Builder {
	b := &Builder{kind: kind, w: variant.NewWriter(), wrapped: true}
	b.w.BeginStruct()
	return b
}

// NewCallBuilder begins a CALL message addressed to iface/member,
// writing the (interface-name, member-name, reply-handle-index) header
// spec.md §4.4 mandates. When wantReply is true, a fresh node is
// requested via AppendNewNode and its index doubles as the header's
// reply-handle-index, so the callee can resolve the reply destination
// straight out of the received handle-id array; otherwise the header
// carries NoReplyHandle and a signature mismatch or missing node is
// simply dropped rather than answered (spec.md §4.5).
func NewCallBuilder(iface, member string, wantReply bool) (b *Builder, replyIndex uint32) {
	b = NewBuilder(KindCall)
	b.w.WriteString(iface)
	b.w.WriteString(member)
	replyIndex = NoReplyHandle
	if wantReply {
		replyIndex = b.AppendNewNode()
	}
	b.w.WriteHandleIndex(replyIndex)
	return b, replyIndex
}

// SeedEntry names one root node offered in a SEED message: either an
// existing outstanding Handle, or nil to request the kernel mint a
// fresh node for it (spec.md §4.4 "array of (name, root-handle-index)").
type SeedEntry struct {
	Name string
	H    *handle.Handle
}

// NewSeedBuilder assembles a SEED message from entries. Its payload is
// the bare array itself (no outer struct framing), matching spec.md
// §4.4's description of SEED as "array of (name, root-handle-index)"
// rather than a header-plus-payload shape.
func NewSeedBuilder(entries []SeedEntry) *Builder {
	b := &Builder{kind: KindSeed, w: variant.NewWriter()}
	b.w.BeginArray("(sh)")
	for _, e := range entries {
		b.w.BeginStruct()
		b.w.WriteString(e.Name)
		var idx uint32
		if e.H != nil {
			idx = b.AppendHandle(e.H)
		} else {
			idx = b.AppendNewNode()
		}
		b.w.WriteHandleIndex(idx)
		b.w.EndStruct()
	}
	b.w.EndArray()
	return b
}

// Writer exposes the underlying payload writer for field-by-field
// construction (spec.md §4.4).
func (b *Builder) Writer() *variant.Writer { return b.w }

// AppendHandle queues an outstanding Handle to travel with this
// message, returning the index WriteHandleIndex should record in the
// payload. Attaching the same Handle object twice returns the index it
// was first given rather than a fresh one (spec.md §4.4 "dedupe: if
// already attached, return its existing index; else append and return
// new index" — §8 scenario 2). The message takes its own reference on
// a newly attached handle, released by Drop.
func (b *Builder) AppendHandle(h *handle.Handle) uint32 {
	for i, hr := range b.handles {
		if !hr.new && hr.h == h {
			return uint32(i)
		}
	}
	h.Ref()
	b.handles = append(b.handles, handleRef{h: h})
	return uint32(len(b.handles) - 1)
}

// AppendNewNode queues a request for the kernel to mint a fresh id for
// a node being exported for the first time (spec.md §4.2). Each call
// always appends a new slot: a request to mint is never a duplicate of
// an existing concrete handle.
func (b *Builder) AppendNewNode() uint32 {
	b.handles = append(b.handles, handleRef{new: true})
	return uint32(len(b.handles) - 1)
}

// AppendFd queues fd to travel alongside the message. Per spec.md
// §4.4/§5 ("duplicate-on-ingest so the caller may freely close the
// originals"), fd is immediately duplicated with close-on-exec set and
// a minimum descriptor number of 3; the message owns the duplicate.
func (b *Builder) AppendFd(fd int) (uint32, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 3)
	if err != nil {
		return 0, errno.Wrap(errno.EIO, "message: dup fd %d: %v", fd, err)
	}
	b.fds = append(b.fds, dup)
	return uint32(len(b.fds) - 1), nil
}

// Origin is the narrow peer-side capability Reconstruct needs to
// resolve a received message's handle-id array into Handle objects and
// to send a reply back out (spec.md §4.6). Implemented by *peer.Peer;
// kept as an interface here to avoid a message<->peer import cycle.
type Origin interface {
	Device() kernel.Device
	AcquireHandle(id kernel.ID) *handle.Handle
}

// Sealed is an immutable, self-describing message ready to send or
// already received: kind, variant payload, and the handle/fd slots it
// travels with. Receive-side reconstructions (via Reconstruct) also
// carry the credentials the kernel stamped, the originating peer, and
// the pool slice's release token (spec.md §3/§4.6).
type Sealed struct {
	Kind      Kind
	Payload   *variant.Sealed
	HandleIDs []kernel.ID // resolved destinations, filled by Send's result or Reconstruct
	NumFDs    int

	Credentials kernel.Credentials
	Origin      Origin

	handles     []handleRef     // send-side: handles this message owns a reference on
	fds         []int           // owned fds, send- or receive-side
	recvHandles []*handle.Handle // receive-side: handles acquired for HandleIDs
	release     func() error    // receive-side: releases the backing pool slice
}

// Seal closes the payload struct and freezes the message.
func (b *Builder) Seal() *Sealed {
	if b.wrapped {
		b.w.EndStruct()
	}
	return &Sealed{
		Kind:    b.kind,
		Payload: b.w.Seal(),
		handles: b.handles,
		fds:     b.fds,
		NumFDs:  len(b.fds),
	}
}

// NewHandleIndices reports which attached slots requested a freshly
// minted kernel id (AppendNewNode), for a caller that needs to adopt
// the resulting ids locally after a successful Send (spec.md §4.4 "for
// every formerly-invalid attached handle, record the allocated id and
// link into peer.handles").
func (s *Sealed) NewHandleIndices() []int {
	var out []int
	for i, hr := range s.handles {
		if hr.new {
			out = append(out, i)
		}
	}
	return out
}

// Handle returns the receive-side handle object acquired for the n'th
// entry of HandleIDs, or an out-of-range error (spec.md §8 boundary
// behaviour "get_handle(msg, n_handles) returns out-of-range").
func (s *Sealed) Handle(n int) (*handle.Handle, error) {
	if n < 0 || n >= len(s.recvHandles) {
		return nil, errno.Wrap(errno.ERANGE, "message: handle index %d out of range", n)
	}
	return s.recvHandles[n], nil
}

// Drop releases every resource this Sealed owns, exactly once: the
// reference held on every attached (send-side) or acquired (receive-
// side) Handle, every owned fd, and the backing pool slice if any
// (spec.md §8 invariant 5). Safe to call on a Sealed with nothing to
// release.
func (s *Sealed) Drop() error {
	var first error
	note := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	for _, hr := range s.handles {
		if hr.h != nil {
			note(hr.h.Unref())
		}
	}
	for _, h := range s.recvHandles {
		note(h.Unref())
	}
	for _, fd := range s.fds {
		note(unix.Close(fd))
	}
	if s.release != nil {
		note(s.release())
	}
	return first
}

// encodeFrame renders the on-wire prefix: 1-byte kind, 2-byte signature
// length, signature bytes, then the raw variant payload (spec.md §4.6
// "self-describing wire frame").
func encodeFrame(kind Kind, payload *variant.Sealed) []byte {
	sig := payload.Signature()
	out := make([]byte, 0, 3+len(sig)+len(payload.Bytes()))
	out = append(out, byte(kind))
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sig)))
	out = append(out, lenBuf[:]...)
	out = append(out, sig...)
	out = append(out, payload.Bytes()...)
	return out
}

// Frame renders the sealed message's wire bytes.
func (s *Sealed) Frame() []byte {
	return encodeFrame(s.Kind, s.Payload)
}

// ParseFrame decodes a raw pool-slice payload back into Kind + variant
// Sealed, the receive-side counterpart of Frame (spec.md §4.6).
func ParseFrame(raw []byte) (Kind, *variant.Sealed, error) {
	if len(raw) < 3 {
		return 0, nil, errno.Wrap(errno.EINVAL, "message: frame too short")
	}
	kind := Kind(raw[0])
	sigLen := int(binary.BigEndian.Uint16(raw[1:3]))
	if len(raw) < 3+sigLen {
		return 0, nil, errno.Wrap(errno.EINVAL, "message: truncated signature")
	}
	sig := string(raw[3 : 3+sigLen])
	data := raw[3+sigLen:]
	return kind, variant.Unseal(sig, data), nil
}

// Reconstruct rebuilds a Sealed from one kernel.RecvResult: parsing the
// wire frame, acquiring a Handle for every delivered handle id via
// origin (spec.md §4.6 "for each handle id, call Handle::acquire"), and
// retaining the pool slice's release token and stamped credentials
// (spec.md §3). The returned Sealed must be Drop()ped by the caller once
// consumed.
func Reconstruct(origin Origin, r *kernel.RecvResult) (*Sealed, error) {
	kind, payload, err := ParseFrame(r.Payload)
	if err != nil {
		return nil, err
	}
	handles := make([]*handle.Handle, len(r.HandleIDs))
	for i, id := range r.HandleIDs {
		handles[i] = origin.AcquireHandle(id)
	}
	return &Sealed{
		Kind:        kind,
		Payload:     payload,
		HandleIDs:   append([]kernel.ID(nil), r.HandleIDs...),
		NumFDs:      r.NumFDs,
		Credentials: r.Credentials,
		Origin:      origin,
		recvHandles: handles,
		release:     r.Release,
	}, nil
}

// Send transmits a sealed message to destinations over dev (typically
// a Peer's Device()), building the kernel send descriptor from its
// frame bytes and queued handles/fds (spec.md §4.4 "constructs the
// kernel send descriptor"). Preconditions: handles attached to the
// message are pairwise distinct (spec.md §4.4/§8 invariant 4) — checked
// here with a set scoped to this call, never touching Handle state, per
// spec.md §9's "transient hash set local to the send call". On success,
// s.HandleIDs is populated with the ids the kernel bound to each queued
// handle slot, in order: a concrete id for AppendHandle entries, a
// freshly minted one for AppendNewNode entries.
func Send(dev kernel.Device, destinations []kernel.ID, s *Sealed, silent bool) error {
	seen := make(map[kernel.ID]struct{}, len(s.handles))
	for _, hr := range s.handles {
		if hr.new {
			continue
		}
		id := hr.h.ID()
		if id == kernel.Invalid {
			continue
		}
		if _, dup := seen[id]; dup {
			return errno.Wrap(errno.EEXIST, "message: handle id %v attached more than once", id)
		}
		seen[id] = struct{}{}
	}

	slots := make([]kernel.HandleSlot, len(s.handles))
	for i, hr := range s.handles {
		if hr.new {
			slots[i] = kernel.HandleSlot{ID: kernel.Invalid, Flags: kernel.FlagAllocate}
		} else {
			slots[i] = kernel.HandleSlot{ID: hr.h.ID()}
		}
	}
	var flags uint32
	if s.Kind == KindSeed {
		flags |= kernel.FlagSeed
	}
	if silent {
		flags |= kernel.FlagSilent
	}
	desc := &kernel.SendDescriptor{
		Destinations: destinations,
		Payload:      [][]byte{s.Frame()},
		Handles:      slots,
		FDs:          s.fds,
		Flags:        flags,
	}
	res, err := dev.Send(desc)
	if err != nil {
		return err
	}
	s.HandleIDs = res.HandleIDs
	return nil
}
