package notify

import (
	"testing"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/kernel"
)

type fakeSub struct {
	id      int
	err     error
	invoked bool
}

func (f *fakeSub) NotifyNodeDestroyed() error {
	f.invoked = true
	return f.err
}

func TestNotifyDestroyedRunsAllSubscribers(t *testing.T) {
	r := NewRegistry()
	a := &fakeSub{id: 1, err: errno.ENOENT}
	b := &fakeSub{id: 2}
	c := &fakeSub{id: 3}
	r.Subscribe(kernel.ID(1), a)
	r.Subscribe(kernel.ID(1), b)
	r.Subscribe(kernel.ID(1), c)

	err := r.NotifyDestroyed(kernel.ID(1))
	if err != errno.ENOENT {
		t.Fatalf("expected first subscriber's error, got %v", err)
	}
	if !a.invoked || !b.invoked || !c.invoked {
		t.Fatalf("not all subscribers ran: %v %v %v", a.invoked, b.invoked, c.invoked)
	}
	if r.Count(kernel.ID(1)) != 0 {
		t.Fatalf("subscriber list not cleared after notify")
	}
}

func TestUnsubscribe(t *testing.T) {
	r := NewRegistry()
	a := &fakeSub{}
	b := &fakeSub{}
	r.Subscribe(kernel.ID(2), a)
	r.Subscribe(kernel.ID(2), b)
	r.Unsubscribe(kernel.ID(2), a)
	if r.Count(kernel.ID(2)) != 1 {
		t.Fatalf("Count = %d, want 1", r.Count(kernel.ID(2)))
	}
	r.NotifyDestroyed(kernel.ID(2))
	if a.invoked {
		t.Fatal("unsubscribed subscriber should not be invoked")
	}
	if !b.invoked {
		t.Fatal("remaining subscriber should be invoked")
	}
}
