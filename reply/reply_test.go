package reply

import (
	"testing"

	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
	"github.com/trotux/libbus1-go/variant"
)

func TestDispatchInvokesCallbackOnMatchingReply(t *testing.T) {
	table := NewTable()
	id := kernel.ID(7)

	var got string
	var cbErr error
	table.Register(id, "(s", func(args *variant.Reader, err error) {
		cbErr = err
		if err == nil {
			got, _ = args.ReadString()
		}
	})

	b := message.NewBuilder(message.KindReply)
	b.Writer().WriteString("pong")
	sealed := b.Seal()

	table.Dispatch(id, message.KindReply, sealed.Payload)

	if cbErr != nil {
		t.Fatalf("unexpected error: %v", cbErr)
	}
	if got != "pong" {
		t.Fatalf("got %q, want %q", got, "pong")
	}
	if table.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", table.Pending())
	}
}

func TestDispatchErrorPayloadReachesCallback(t *testing.T) {
	table := NewTable()
	id := kernel.ID(8)

	var cbErr error
	table.Register(id, "(s", func(args *variant.Reader, err error) {
		cbErr = err
	})

	b := message.NewBuilder(message.KindError)
	b.Writer().WriteString("org.bus1.Error.InvalidMember")
	b.Writer().WriteString("unknown member")
	sealed := b.Seal()

	table.Dispatch(id, message.KindError, sealed.Payload)

	if cbErr == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestDispatchSignatureMismatchReportsError(t *testing.T) {
	table := NewTable()
	id := kernel.ID(9)

	var cbErr error
	table.Register(id, "(u", func(args *variant.Reader, err error) {
		cbErr = err
	})

	b := message.NewBuilder(message.KindReply)
	b.Writer().WriteString("not a uint")
	sealed := b.Seal()

	table.Dispatch(id, message.KindReply, sealed.Payload)

	if cbErr == nil {
		t.Fatal("expected signature mismatch error, got nil")
	}
}

func TestCancelRemovesSlotWithoutInvokingCallback(t *testing.T) {
	table := NewTable()
	id := kernel.ID(10)

	called := false
	table.Register(id, "", func(args *variant.Reader, err error) {
		called = true
	})
	table.Cancel(id)

	b := message.NewBuilder(message.KindReply)
	sealed := b.Seal()
	table.Dispatch(id, message.KindReply, sealed.Payload)

	if called {
		t.Fatal("callback invoked after Cancel")
	}
	if table.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", table.Pending())
	}
}
