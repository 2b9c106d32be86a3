package multicast

import (
	"testing"

	"github.com/trotux/libbus1-go/handle"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
)

type fakeReleaser struct{}

func (fakeReleaser) ReleaseHandle(id kernel.ID) error { return nil }

func TestJoinRejectsDuplicate(t *testing.T) {
	g := NewGroup()
	rel := fakeReleaser{}
	h := handle.New(rel, kernel.ID(1))
	if err := g.Join(h); err != nil {
		t.Fatal(err)
	}
	if err := g.Join(h); err == nil {
		t.Fatal("expected EBUSY joining the same handle twice")
	}
	if g.Len() != 1 {
		t.Fatalf("Len = %d, want 1", g.Len())
	}
}

func TestSendFansOutToAllMembers(t *testing.T) {
	bus := kernel.NewBus()
	sender := kernel.NewLoopback(bus)
	m1 := kernel.NewLoopback(bus)
	m2 := kernel.NewLoopback(bus)

	g := NewGroup()
	rel := fakeReleaser{}
	g.Join(handle.New(rel, m1.Self()))
	g.Join(handle.New(rel, m2.Self()))

	b := message.NewBuilder(message.KindData)
	b.Writer().WriteString("hi")
	sealed := b.Seal()

	if err := g.Send(sender, sealed, false); err != nil {
		t.Fatal(err)
	}
	for _, m := range []*kernel.Loopback{m1, m2} {
		r, err := m.Recv()
		if err != nil {
			t.Fatal(err)
		}
		if _, _, err := message.ParseFrame(r.Payload); err != nil {
			t.Fatal(err)
		}
	}
}

func TestMemberAutoShrinksOnDestroyNotification(t *testing.T) {
	g := NewGroup()
	rel := fakeReleaser{}
	h := handle.New(rel, kernel.ID(42))
	g.Join(h)
	sub := g.Subscriber(h)
	if err := sub.NotifyNodeDestroyed(); err != nil {
		t.Fatal(err)
	}
	if g.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after member's node destroyed", g.Len())
	}
}
