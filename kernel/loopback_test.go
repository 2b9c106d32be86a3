package kernel

import "testing"

func TestLoopbackSendRecv(t *testing.T) {
	bus := NewBus()
	a := NewLoopback(bus)
	b := NewLoopback(bus)

	res, err := a.Send(&SendDescriptor{
		Destinations: []ID{b.Self()},
		Payload:      [][]byte{[]byte("hello")},
		Handles:      []HandleSlot{{Flags: FlagAllocate}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.HandleIDs) != 1 || res.HandleIDs[0] == Invalid {
		t.Fatalf("expected one minted handle id, got %v", res.HandleIDs)
	}

	r, err := b.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if string(r.Payload) != "hello" {
		t.Fatalf("payload = %q, want %q", r.Payload, "hello")
	}
	if len(r.HandleIDs) != 1 || r.HandleIDs[0] != res.HandleIDs[0] {
		t.Fatalf("recv handle ids = %v, want %v", r.HandleIDs, res.HandleIDs)
	}
}

func TestLoopbackDestroyNotifiesSubscribers(t *testing.T) {
	bus := NewBus()
	owner := NewLoopback(bus)
	sub := NewLoopback(bus)

	nodeID := bus.allocID()
	sub.Subscribe(nodeID)

	if err := owner.Destroy([]ID{nodeID}); err != nil {
		t.Fatal(err)
	}
	r, err := sub.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if r.Kind != RecvNodeDestroy || r.Destination != nodeID {
		t.Fatalf("got %+v, want NodeDestroy for %v", r, nodeID)
	}
}

func TestLoopbackClone(t *testing.T) {
	bus := NewBus()
	parent := NewLoopback(bus)
	child, parentHandle, childRoot, err := parent.Clone()
	if err != nil {
		t.Fatal(err)
	}
	if parentHandle != childRoot {
		t.Fatalf("parentHandle %v != childRoot %v", parentHandle, childRoot)
	}
	if child.(*Loopback).Self() == parent.Self() {
		t.Fatal("child should have a distinct self id")
	}
}
