package message

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/trotux/libbus1-go/handle"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/variant"
)

type fakeReleaser struct{ released []kernel.ID }

func (f *fakeReleaser) ReleaseHandle(id kernel.ID) error {
	f.released = append(f.released, id)
	return nil
}

func TestFrameRoundTrip(t *testing.T) {
	b := NewBuilder(KindData)
	b.Writer().WriteString("hello")
	b.Writer().WriteU32(42)
	sealed := b.Seal()

	frame := sealed.Frame()
	kind, payload, err := ParseFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindData {
		t.Fatalf("kind = %v, want KindData", kind)
	}
	if payload.Signature() != "(su)" {
		t.Fatalf("signature = %q, want %q", payload.Signature(), "(su)")
	}
}

func TestSendLinksHandlesOnSuccess(t *testing.T) {
	bus := kernel.NewBus()
	src := kernel.NewLoopback(bus)
	dst := kernel.NewLoopback(bus)

	rel := &fakeReleaser{}
	h := handle.New(rel, kernel.ID(99))

	b := NewBuilder(KindCall)
	idx := b.AppendHandle(h)
	b.Writer().WriteHandleIndex(idx)
	sealed := b.Seal()

	if err := Send(src, []kernel.ID{dst.Self()}, sealed, false); err != nil { // Loopback implements kernel.Device
		t.Fatal(err)
	}
	if len(sealed.HandleIDs) != 1 || sealed.HandleIDs[0] != kernel.ID(99) {
		t.Fatalf("HandleIDs = %v, want [99]", sealed.HandleIDs)
	}

	r, err := dst.Recv()
	if err != nil {
		t.Fatal(err)
	}
	kind, _, err := ParseFrame(r.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if kind != KindCall {
		t.Fatalf("kind = %v, want KindCall", kind)
	}
}

// TestAppendHandleDedup exercises spec.md §8 scenario 2 ("Duplicate
// attach"): attaching the same Handle object twice must return the
// index it was first given, not a fresh one.
func TestAppendHandleDedup(t *testing.T) {
	rel := &fakeReleaser{}
	h := handle.New(rel, kernel.ID(5))

	b := NewBuilder(KindData)
	idx1 := b.AppendHandle(h)
	idx2 := b.AppendHandle(h)
	if idx1 != idx2 {
		t.Fatalf("AppendHandle returned distinct indices %d, %d for the same handle", idx1, idx2)
	}
	if len(b.handles) != 1 {
		t.Fatalf("handles = %d entries, want exactly 1", len(b.handles))
	}
}

// TestSendRejectsDuplicateHandleIDs exercises the send precondition
// from spec.md §4.4 ("handles attached to the message are pairwise
// distinct") using two distinct Handle objects that happen to name the
// same kernel id — AppendHandle's object-identity dedup cannot catch
// this, so Send's own scan must.
func TestSendRejectsDuplicateHandleIDs(t *testing.T) {
	bus := kernel.NewBus()
	src := kernel.NewLoopback(bus)
	dst := kernel.NewLoopback(bus)

	rel := &fakeReleaser{}
	h1 := handle.New(rel, kernel.ID(42))
	h2 := handle.New(rel, kernel.ID(42))

	b := NewBuilder(KindCall)
	b.AppendHandle(h1)
	b.AppendHandle(h2)
	sealed := b.Seal()

	if err := Send(src, []kernel.ID{dst.Self()}, sealed, false); err == nil {
		t.Fatal("expected an error sending a message with two handles naming the same kernel id")
	}
}

// TestSealedDropReleasesHandlesAndFDs exercises spec.md §8 invariant 5:
// Drop must unref every attached handle and close every owned fd.
func TestSealedDropReleasesHandlesAndFDs(t *testing.T) {
	rel := &fakeReleaser{}
	h := handle.New(rel, kernel.ID(7)) // userRefs=1, kernelRefs=1

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	b := NewBuilder(KindData)
	b.AppendHandle(h)
	fdIdx, err := b.AppendFd(int(w.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	b.Writer().WriteHandleIndex(0)
	_ = fdIdx
	sealed := b.Seal()

	dupFd := sealed.fds[0]
	if dupFd == int(w.Fd()) {
		t.Fatal("AppendFd did not duplicate the descriptor")
	}
	if err := unix.FcntlInt(uintptr(dupFd), unix.F_GETFD, 0); err != nil {
		t.Fatalf("duplicated fd is not open before Drop: %v", err)
	}

	if err := sealed.Drop(); err != nil {
		t.Fatal(err)
	}
	// AppendHandle took one user ref at attach time; Drop gives it back,
	// leaving the handle's original ref (from handle.New) plus its
	// kernel link intact, so it must still be live and not yet released.
	if !h.Live() {
		t.Fatal("expected handle still live after Drop (original ref + kernel link remain)")
	}
	if len(rel.released) != 0 {
		t.Fatalf("handle released prematurely: %v", rel.released)
	}
	if err := unix.FcntlInt(uintptr(dupFd), unix.F_GETFD, 0); err == nil {
		t.Fatal("expected duplicated fd to be closed after Drop")
	}
}

// TestSeedBuilderRoundTrip exercises the SEED wire shape from spec.md
// §4.4: "array of (name, root-handle-index)" with no outer struct
// wrapper.
func TestSeedBuilderRoundTrip(t *testing.T) {
	rel := &fakeReleaser{}
	h := handle.New(rel, kernel.ID(11))

	b := NewSeedBuilder([]SeedEntry{
		{Name: "org.example.Root", H: h},
		{Name: "org.example.Fresh", H: nil},
	})
	sealed := b.Seal()
	if sealed.Payload.Signature() != "a(sh)" {
		t.Fatalf("signature = %q, want %q", sealed.Payload.Signature(), "a(sh)")
	}

	r := variant.NewReader(sealed.Payload)
	if err := r.Enter(); err != nil {
		t.Fatal(err)
	}
	count, err := r.PeekCount()
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}
	if err := r.Enter(); err != nil {
		t.Fatal(err)
	}
	name, err := r.ReadString()
	if err != nil {
		t.Fatal(err)
	}
	idx, err := r.ReadHandleIndex()
	if err != nil {
		t.Fatal(err)
	}
	if name != "org.example.Root" || idx != 0 {
		t.Fatalf("first entry = (%q, %d), want (\"org.example.Root\", 0)", name, idx)
	}
}
