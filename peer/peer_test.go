package peer

import (
	"testing"

	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
)

func newTestPeer(t *testing.T, bus *kernel.Bus) *Peer {
	t.Helper()
	dev := kernel.NewLoopback(bus)
	return newPeer(dev)
}

// countingDevice wraps a Loopback to count Release calls, so tests can
// assert the kernel only ever sees one redundant-release per reused id
// (spec.md §8 invariant 6 / scenario 3).
type countingDevice struct {
	*kernel.Loopback
	releases []kernel.ID
}

func (d *countingDevice) Release(id kernel.ID) error {
	d.releases = append(d.releases, id)
	return d.Loopback.Release(id)
}

func newCountingTestPeer(t *testing.T, bus *kernel.Bus) (*Peer, *countingDevice) {
	t.Helper()
	dev := &countingDevice{Loopback: kernel.NewLoopback(bus)}
	return newPeer(dev), dev
}

func TestAcquireHandleReusesObject(t *testing.T) {
	bus := kernel.NewBus()
	p := newTestPeer(t, bus)
	h1 := p.AcquireHandle(kernel.ID(5))
	h2 := p.AcquireHandle(kernel.ID(5))
	if h1 != h2 {
		t.Fatal("expected the same Handle object for the same kernel id")
	}
}

func TestAcquireHandleReuseReleasesRedundantKernelRef(t *testing.T) {
	bus := kernel.NewBus()
	p, dev := newCountingTestPeer(t, bus)
	p.AcquireHandle(kernel.ID(5))
	p.AcquireHandle(kernel.ID(5))
	p.AcquireHandle(kernel.ID(5))
	if len(dev.releases) != 2 {
		t.Fatalf("releases = %v, want exactly 2 (one per reuse after the first acquire)", dev.releases)
	}
	for _, id := range dev.releases {
		if id != kernel.ID(5) {
			t.Fatalf("released id = %v, want 5", id)
		}
	}
}

func TestReleaseHandleCallsDeviceRelease(t *testing.T) {
	bus := kernel.NewBus()
	p, dev := newCountingTestPeer(t, bus)
	h := p.AcquireHandle(kernel.ID(7))
	if err := h.Unref(); err != nil {
		t.Fatal(err)
	}
	if err := h.NotifyNodeDestroyed(); err != nil {
		t.Fatal(err)
	}
	if len(dev.releases) != 1 || dev.releases[0] != kernel.ID(7) {
		t.Fatalf("releases = %v, want [7]", dev.releases)
	}
	if _, ok := p.Handle(kernel.ID(7)); ok {
		t.Fatal("handle table should have forgotten the released id")
	}
}

func TestNewNodeAndDestroyDispatch(t *testing.T) {
	bus := kernel.NewBus()
	p := newTestPeer(t, bus)
	n := p.NewNode(kernel.ID(11), "root")
	if _, ok := p.Node(kernel.ID(11)); !ok {
		t.Fatal("node not registered")
	}
	if err := n.Destroy(); err != nil {
		t.Fatal(err)
	}
	if _, ok := p.Node(kernel.ID(11)); ok {
		t.Fatal("node should be deregistered after Destroy")
	}
}

func TestCloneWiresParentHandle(t *testing.T) {
	bus := kernel.NewBus()
	p := newTestPeer(t, bus)
	child, parentHandle, err := p.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if child == nil || parentHandle == nil {
		t.Fatal("expected non-nil child peer and parent handle")
	}
}

// closeTrackingDevice counts Close calls, so tests can assert a Peer's
// refcount really does gate kernel-connection teardown (spec.md §4.1
// "drop destroys the peer").
type closeTrackingDevice struct {
	*kernel.Loopback
	closed int
}

func (d *closeTrackingDevice) Close() error {
	d.closed++
	return d.Loopback.Close()
}

func TestRefCountDestroysOnLastUnref(t *testing.T) {
	bus := kernel.NewBus()
	dev := &closeTrackingDevice{Loopback: kernel.NewLoopback(bus)}
	p := newPeer(dev)
	p.Ref()
	// Two references outstanding now; the first Unref must not close
	// the underlying device.
	if err := p.Unref(); err != nil {
		t.Fatal(err)
	}
	if dev.closed != 0 {
		t.Fatal("device closed while a reference was still outstanding")
	}
	if err := p.Unref(); err != nil {
		t.Fatal(err)
	}
	if dev.closed != 1 {
		t.Fatalf("device close count = %d, want 1 after the last reference dropped", dev.closed)
	}
}

func TestSeedRoundTripAndImplement(t *testing.T) {
	bus := kernel.NewBus()
	parent := newTestPeer(t, bus)
	child := newTestPeer(t, bus)

	// Build a SEED message naming one fresh root, "org.example.Root",
	// and send it from parent to child.
	seedBuilder := message.NewSeedBuilder([]message.SeedEntry{
		{Name: "org.example.Root"}, // nil handle => mint a fresh node id
	})
	sealed := seedBuilder.Seal()
	childDev := child.Device().(*kernel.Loopback)
	if err := parent.Send([]kernel.ID{childDev.Self()}, sealed, false); err != nil {
		t.Fatal(err)
	}

	ev, err := child.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Sealed == nil || ev.Sealed.Kind != message.KindSeed {
		t.Fatalf("expected a reconstructed SEED message, got %+v", ev)
	}

	n, err := child.Implement("org.example.Root", "userdata")
	if err != nil {
		t.Fatal(err)
	}
	if n.UserData() != "userdata" {
		t.Fatalf("UserData() = %v, want %q", n.UserData(), "userdata")
	}

	if _, err := child.Implement("org.example.Root", nil); err == nil {
		t.Fatal("expected ENOENT implementing an already-drained root name")
	}
	if _, err := child.Implement("org.example.NeverSeeded", nil); err == nil {
		t.Fatal("expected ENOENT implementing a name never seeded")
	}
}
