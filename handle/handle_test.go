package handle

import (
	"testing"

	"github.com/trotux/libbus1-go/kernel"
)

type fakeReleaser struct{ released int }

func (f *fakeReleaser) ReleaseHandle(id kernel.ID) error {
	f.released++
	return nil
}

func TestRefUnrefReleasesAtZero(t *testing.T) {
	rel := &fakeReleaser{}
	h := New(rel, kernel.ID(7))
	h.Ref()
	if err := h.Unref(); err != nil {
		t.Fatal(err)
	}
	if rel.released != 0 {
		t.Fatalf("released too early: %d", rel.released)
	}
	if err := h.Unref(); err != nil {
		t.Fatal(err)
	}
	if rel.released != 0 {
		t.Fatalf("released while kernel link still held: %d", rel.released)
	}
	if err := h.NotifyNodeDestroyed(); err != nil {
		t.Fatal(err)
	}
	if rel.released != 1 {
		t.Fatalf("released = %d, want 1", rel.released)
	}
	if h.Live() {
		t.Fatal("handle should not be live after both refs drop")
	}
}

func TestKernelLinkDropsFirst(t *testing.T) {
	rel := &fakeReleaser{}
	h := New(rel, kernel.ID(9))
	if err := h.NotifyNodeDestroyed(); err != nil {
		t.Fatal(err)
	}
	if rel.released != 0 {
		t.Fatalf("released too early: %d", rel.released)
	}
	if err := h.Unref(); err != nil {
		t.Fatal(err)
	}
	if rel.released != 1 {
		t.Fatalf("released = %d, want 1", rel.released)
	}
}

func TestDoubleReleaseIsIdempotent(t *testing.T) {
	rel := &fakeReleaser{}
	h := New(rel, kernel.ID(1))
	h.Unref()
	h.NotifyNodeDestroyed()
	h.NotifyNodeDestroyed() // already at zero, Add(-1) goes negative -> error path, not double release
	if rel.released != 1 {
		t.Fatalf("released = %d, want 1", rel.released)
	}
}
