package iface

import (
	"testing"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/handle"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
	"github.com/trotux/libbus1-go/node"
	"github.com/trotux/libbus1-go/variant"
)

type fakeOwner struct {
	bus *kernel.Bus
	dev kernel.Device
}

func (o *fakeOwner) Device() kernel.Device        { return o.dev }
func (o *fakeOwner) DeregisterNode(kernel.ID)      {}
func (o *fakeOwner) ReleaseHandle(kernel.ID) error { return nil }

type fakeNodes struct {
	nodes map[kernel.ID]*node.Node
}

func (f *fakeNodes) Node(id kernel.ID) (*node.Node, bool) {
	n, ok := f.nodes[id]
	return n, ok
}

func newFakeNodes(t *testing.T, ids ...kernel.ID) *fakeNodes {
	t.Helper()
	bus := kernel.NewBus()
	owner := &fakeOwner{bus: bus, dev: kernel.NewLoopback(bus)}
	f := &fakeNodes{nodes: make(map[kernel.ID]*node.Node)}
	for _, id := range ids {
		f.nodes[id] = node.New(owner, id, nil)
	}
	return f
}

// buildCall assembles a CALL message the way message.NewCallBuilder does,
// writing args after the standard header, and seals it.
func buildCall(t *testing.T, ifaceName, member string, writeArgs func(w *variant.Writer)) *message.Sealed {
	t.Helper()
	b, _ := message.NewCallBuilder(ifaceName, member, false)
	if writeArgs != nil {
		writeArgs(b.Writer())
	}
	return b.Seal()
}

func errorName(t *testing.T, reply *message.Sealed) string {
	t.Helper()
	rr := variant.NewReader(reply.Payload)
	if err := rr.Enter(); err != nil {
		t.Fatal(err)
	}
	name, err := rr.ReadString()
	if err != nil {
		t.Fatal(err)
	}
	return name
}

func TestDispatchSuccess(t *testing.T) {
	reg := NewRegistry()
	i := NewInterface("org.example.Echo")
	i.AddMember(&Member{
		Name:       "Ping",
		ArgsPrefix: "(sshu",
		Fn: func(ctx *Context) error {
			n, err := ctx.Args.ReadU32()
			if err != nil {
				return err
			}
			ctx.Reply.Writer().WriteU32(n + 1)
			return nil
		},
	})
	if err := reg.Register(i); err != nil {
		t.Fatal(err)
	}
	nodes := newFakeNodes(t, kernel.ID(1))
	nodes.nodes[kernel.ID(1)].Implement("org.example.Echo")

	sealed := buildCall(t, "org.example.Echo", "Ping", func(w *variant.Writer) {
		w.WriteU32(41)
	})
	reply, _, _ := reg.Dispatch(nodes, kernel.ID(1), sealed)
	rr := variant.NewReader(reply.Payload)
	if err := rr.Enter(); err != nil {
		t.Fatal(err)
	}
	got, err := rr.ReadU32()
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestDispatchNodeDestroyed(t *testing.T) {
	reg := NewRegistry()
	nodes := newFakeNodes(t) // no node registered at all
	sealed := buildCall(t, "org.example.Echo", "Ping", nil)
	reply, _, _ := reg.Dispatch(nodes, kernel.ID(99), sealed)
	if name := errorName(t, reply); name != ErrNodeDestroyed {
		t.Fatalf("error name = %q, want %q", name, ErrNodeDestroyed)
	}
}

func TestDispatchMissingRootInterface(t *testing.T) {
	reg := NewRegistry()
	nodes := newFakeNodes(t, kernel.ID(1)) // node exists, implements nothing
	sealed := buildCall(t, "org.example.Echo", "Ping", nil)
	reply, _, _ := reg.Dispatch(nodes, kernel.ID(1), sealed)
	if name := errorName(t, reply); name != ErrMissingRootInterface {
		t.Fatalf("error name = %q, want %q", name, ErrMissingRootInterface)
	}
}

func TestDispatchUnknownInterface(t *testing.T) {
	reg := NewRegistry()
	nodes := newFakeNodes(t, kernel.ID(1))
	nodes.nodes[kernel.ID(1)].Implement("org.example.Other")
	sealed := buildCall(t, "org.example.Missing", "Foo", nil)
	reply, _, _ := reg.Dispatch(nodes, kernel.ID(1), sealed)
	if reply.Kind != message.KindError {
		t.Fatalf("kind = %v, want KindError", reply.Kind)
	}
	if name := errorName(t, reply); name != ErrInvalidInterface {
		t.Fatalf("error name = %q, want %q", name, ErrInvalidInterface)
	}
}

func TestDispatchSignatureMismatch(t *testing.T) {
	reg := NewRegistry()
	i := NewInterface("org.example.Echo")
	i.AddMember(&Member{Name: "Ping", ArgsPrefix: "(sshx", Fn: func(ctx *Context) error { return nil }})
	reg.Register(i)
	nodes := newFakeNodes(t, kernel.ID(1))
	nodes.nodes[kernel.ID(1)].Implement("org.example.Echo")

	sealed := buildCall(t, "org.example.Echo", "Ping", func(w *variant.Writer) {
		w.WriteU32(1)
	})
	reply, _, _ := reg.Dispatch(nodes, kernel.ID(1), sealed)
	if name := errorName(t, reply); name != ErrInvalidSignature {
		t.Fatalf("error name = %q, want %q", name, ErrInvalidSignature)
	}
}

func TestDispatchHandlerErrno(t *testing.T) {
	reg := NewRegistry()
	i := NewInterface("org.example.Echo")
	i.AddMember(&Member{Name: "Fail", ArgsPrefix: "(ssh", Fn: func(ctx *Context) error {
		return errno.ENOENT
	}})
	reg.Register(i)
	nodes := newFakeNodes(t, kernel.ID(1))
	nodes.nodes[kernel.ID(1)].Implement("org.example.Echo")

	sealed := buildCall(t, "org.example.Echo", "Fail", nil)
	reply, _, _ := reg.Dispatch(nodes, kernel.ID(1), sealed)
	if name := errorName(t, reply); name != ErrErrno {
		t.Fatalf("error name = %q, want %q", name, ErrErrno)
	}
	rr := variant.NewReader(reply.Payload)
	rr.Enter()
	rr.ReadString()
	detail, _ := rr.ReadString()
	if detail == "" {
		t.Fatalf("expected non-empty error detail")
	}
}

type fakeOrigin struct {
	dev kernel.Device
}

func (o *fakeOrigin) Device() kernel.Device { return o.dev }
func (o *fakeOrigin) AcquireHandle(id kernel.ID) *handle.Handle {
	return handle.New(o, id)
}
func (o *fakeOrigin) ReleaseHandle(kernel.ID) error { return nil }

func TestDispatchReplyRouting(t *testing.T) {
	reg := NewRegistry()
	i := NewInterface("org.example.Echo")
	i.AddMember(&Member{Name: "Ping", ArgsPrefix: "(ssh", Fn: func(ctx *Context) error { return nil }})
	reg.Register(i)
	nodes := newFakeNodes(t, kernel.ID(1))
	nodes.nodes[kernel.ID(1)].Implement("org.example.Echo")

	b, _ := message.NewCallBuilder("org.example.Echo", "Ping", true)
	frame := b.Seal().Frame()

	bus := kernel.NewBus()
	origin := &fakeOrigin{dev: kernel.NewLoopback(bus)}
	rr := &kernel.RecvResult{
		Payload:   frame,
		HandleIDs: []kernel.ID{kernel.ID(777)},
		Release:   func() error { return nil },
	}
	sealed, err := message.Reconstruct(origin, rr)
	if err != nil {
		t.Fatal(err)
	}

	_, replyTo, send := reg.Dispatch(nodes, kernel.ID(1), sealed)
	if !send {
		t.Fatal("expected send=true when CALL carried a reply-handle-index")
	}
	if replyTo != kernel.ID(777) {
		t.Fatalf("replyTo = %v, want 777", replyTo)
	}
}
