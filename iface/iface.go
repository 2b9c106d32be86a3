// Package iface implements the interface/member registry and CALL
// dispatch from spec.md §4.1/§4.5: nodes become addressable by
// implementing a named interface, whose members declare an expected
// argument signature prefix and a handler invoked on matching CALLs.
// Dispatch resolves the destination node, checks its Live/Destroyed
// state and implemented-interfaces map, and reports where (if anywhere)
// the reply belongs, so a server loop never has to hand-roll routing.
// Grounded on the teacher's enums/messages.go typed-message-kind
// dispatch convention, generalized from a fixed GNUnet message-type
// switch to an open interface/member name table.
package iface

import (
	"fmt"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
	"github.com/trotux/libbus1-go/node"
	"github.com/trotux/libbus1-go/variant"
)

// Well-known error reply names (spec.md §4.5 "org.bus1.Error.*").
const (
	ErrInvalidSignature     = "org.bus1.Error.InvalidSignature"
	ErrNodeDestroyed        = "org.bus1.Error.NodeDestroyed"
	ErrMissingRootInterface = "org.bus1.Error.MissingRootInterface"
	ErrInvalidInterface     = "org.bus1.Error.InvalidInterface"
	ErrInvalidMember        = "org.bus1.Error.InvalidMember"
	ErrErrno                = "org.bus1.Error.Errno"
)

// Context is handed to a Member's handler: the decoded CALL arguments
// reader, the reply builder to populate, and the node the call
// addressed.
type Context struct {
	Args  *variant.Reader
	Node  kernel.ID
	Reply *message.Builder
}

// Handler implements one member's behavior. Returning a non-nil error
// causes Registry.Dispatch to synthesize an ERROR reply instead of
// sending the Handler's Reply builder (spec.md §4.5).
type Handler func(ctx *Context) error

// Member is one callable operation on an interface: an expected
// argument-signature prefix (spec.md §4.5 "signature-prefix matching")
// and the handler that services it. ArgsPrefix is matched against the
// CALL payload's full signature, so it must include the three-field
// header ("(ssh" for interface name, member name, reply-handle-index)
// ahead of the member's own arguments.
type Member struct {
	Name       string
	ArgsPrefix string
	Fn         Handler
}

// Interface is a named set of members (spec.md §4.1).
type Interface struct {
	Name    string
	members map[string]*Member
}

// NewInterface allocates an interface with no members yet.
func NewInterface(name string) *Interface {
	return &Interface{Name: name, members: make(map[string]*Member)}
}

// AddMember registers m on the interface.
func (i *Interface) AddMember(m *Member) *Interface {
	i.members[m.Name] = m
	return i
}

// Registry maps interface names to their Interface, the table a root
// node consults to route an inbound CALL (spec.md §4.1/§4.5).
type Registry struct {
	ifaces map[string]*Interface
}

// NewRegistry allocates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ifaces: make(map[string]*Interface)}
}

// Register adds an interface, returning errno.EEXIST if the name is
// already taken (spec.md §7 "Duplicate").
func (r *Registry) Register(i *Interface) error {
	if _, ok := r.ifaces[i.Name]; ok {
		return errno.Wrap(errno.EEXIST, "iface: %q already registered", i.Name)
	}
	r.ifaces[i.Name] = i
	return nil
}

// Lookup returns the named interface, if registered.
func (r *Registry) Lookup(name string) (*Interface, bool) {
	i, ok := r.ifaces[name]
	return i, ok
}

// CallEnvelope is the struct layout a CALL payload opens with: the
// target interface name, member name, and an optional reply-handle
// index into the message's own attached-handle array (spec.md §4.4/
// §4.5), then the member-specific arguments.
type CallEnvelope struct {
	Interface        string
	Member           string
	ReplyHandleIndex uint32
}

// ReadEnvelope decodes the (interface, member, reply-handle-index)
// header of a CALL payload, leaving r positioned at the start of the
// member-specific arguments.
func ReadEnvelope(r *variant.Reader) (*CallEnvelope, error) {
	iname, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	mname, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	idx, err := r.ReadHandleIndex()
	if err != nil {
		return nil, err
	}
	return &CallEnvelope{Interface: iname, Member: mname, ReplyHandleIndex: idx}, nil
}

// NodeLookup is the narrow peer-side capability Dispatch needs to
// resolve the addressed node (spec.md §4.5). Implemented by *peer.Peer;
// node does not import iface, so no cycle results from depending on
// *node.Node directly.
type NodeLookup interface {
	Node(id kernel.ID) (*node.Node, bool)
}

// Dispatch decodes a CALL sealed message addressed to dest, resolving
// its destination node, checking liveness and the implemented-interface
// map, and routing to the matching member's handler (spec.md §4.5).
// It reports replyTo/send so the caller knows where — if anywhere — to
// send the returned reply: send is false when the CALL carried no
// reply-handle-index (spec.md §4.4 "optional reply-handle-index"), in
// which case any reply (including a synthesized error) should simply be
// dropped rather than answered.
func (r *Registry) Dispatch(nodes NodeLookup, dest kernel.ID, sealed *message.Sealed) (reply *message.Sealed, replyTo kernel.ID, send bool) {
	replyTo = kernel.Invalid

	pr := variant.NewReader(sealed.Payload)
	if err := pr.Enter(); err != nil {
		return nil, replyTo, false
	}
	env, err := ReadEnvelope(pr)
	if err != nil {
		return nil, replyTo, false
	}
	if env.ReplyHandleIndex != message.NoReplyHandle {
		if h, herr := sealed.Handle(int(env.ReplyHandleIndex)); herr == nil {
			replyTo = h.ID()
			send = true
		}
	}

	n, ok := nodes.Node(dest)
	if !ok || n.State() == node.Destroyed {
		return errorReply(ErrNodeDestroyed, "node %v destroyed", dest), replyTo, send
	}
	n.MarkLive()

	if len(n.Interfaces()) == 0 {
		return errorReply(ErrMissingRootInterface, "node %v implements no interfaces", dest), replyTo, send
	}
	if !n.Implements(env.Interface) {
		return errorReply(ErrInvalidInterface, "node %v does not implement %q", dest, env.Interface), replyTo, send
	}
	i, ok := r.Lookup(env.Interface)
	if !ok {
		return errorReply(ErrInvalidInterface, "unknown interface %q", env.Interface), replyTo, send
	}
	m, ok := i.members[env.Member]
	if !ok {
		return errorReply(ErrInvalidMember, "unknown member %q on %q", env.Member, env.Interface), replyTo, send
	}
	fullArgsSig := sealed.Payload.Signature()
	if !variant.HasSignaturePrefix(fullArgsSig, m.ArgsPrefix) {
		return errorReply(ErrInvalidSignature, "member %q expects prefix %q, got %q", env.Member, m.ArgsPrefix, fullArgsSig), replyTo, send
	}

	replyBuilder := message.NewBuilder(message.KindReply)
	ctx := &Context{Args: pr, Node: dest, Reply: replyBuilder}
	if err := m.Fn(ctx); err != nil {
		var code errno.Code
		if c, ok := err.(errno.Code); ok {
			code = c
		} else if w, ok := err.(*errno.Wrapped); ok {
			code = w.Code
		} else {
			code = errno.EINVAL
		}
		return errorReplyCode(code, err.Error()), replyTo, send
	}
	return replyBuilder.Seal(), replyTo, send
}

func errorReply(name, format string, args ...any) *message.Sealed {
	b := message.NewBuilder(message.KindError)
	b.Writer().WriteString(name)
	b.Writer().WriteString(fmt.Sprintf(format, args...))
	return b.Seal()
}

func errorReplyCode(code errno.Code, detail string) *message.Sealed {
	b := message.NewBuilder(message.KindError)
	b.Writer().WriteString(ErrErrno)
	b.Writer().WriteString(fmt.Sprintf("%s: %s", code, detail))
	return b.Seal()
}
