// Package reply implements the one-shot reply slot from spec.md §4.5:
// issuing a CALL registers a callback bound to the expected reply
// signature, consumed exactly once when the matching REPLY or ERROR
// arrives.
package reply

import (
	"sync"

	"github.com/trotux/libbus1-go/errno"
	"github.com/trotux/libbus1-go/kernel"
	"github.com/trotux/libbus1-go/message"
	"github.com/trotux/libbus1-go/variant"
)

// Callback is invoked once with the decoded REPLY payload, or with err
// set if an ERROR arrived instead (spec.md §4.5).
type Callback func(args *variant.Reader, err error)

// slot is one outstanding call, keyed by the id of the reply node the
// CALL minted for its answer (spec.md "reply handles are scoped to the
// call that created them").
type slot struct {
	expectSig string
	cb        Callback
}

// Table tracks outstanding reply slots for one peer.
type Table struct {
	mu    sync.Mutex
	slots map[kernel.ID]*slot
}

// NewTable allocates an empty reply table.
func NewTable() *Table {
	return &Table{slots: make(map[kernel.ID]*slot)}
}

// Register binds id to cb, consumed once a REPLY or ERROR referencing
// id is dispatched.
func (t *Table) Register(id kernel.ID, expectSig string, cb Callback) {
	t.mu.Lock()
	t.slots[id] = &slot{expectSig: expectSig, cb: cb}
	t.mu.Unlock()
}

// Cancel removes a pending slot without invoking its callback, used
// when the caller gives up waiting (e.g. the node it called was
// destroyed first).
func (t *Table) Cancel(id kernel.ID) {
	t.mu.Lock()
	delete(t.slots, id)
	t.mu.Unlock()
}

// Dispatch consumes the slot registered for id and invokes its
// callback with the decoded payload. kind distinguishes a REPLY
// (sig-checked against the slot's expectation) from an ERROR (handed
// straight to the callback as an error regardless of signature).
func (t *Table) Dispatch(id kernel.ID, kind message.Kind, payload *variant.Sealed) {
	t.mu.Lock()
	s, ok := t.slots[id]
	if ok {
		delete(t.slots, id)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if kind == message.KindError {
		r := variant.NewReader(payload)
		r.Enter()
		name, _ := r.ReadString()
		detail, _ := r.ReadString()
		s.cb(nil, errno.Wrap(errno.EINVAL, "%s: %s", name, detail))
		return
	}
	if s.expectSig != "" && !variant.HasSignaturePrefix(payload.Signature(), s.expectSig) {
		s.cb(nil, errno.Wrap(errno.EINVAL, "reply: signature %q does not match expected prefix %q", payload.Signature(), s.expectSig))
		return
	}
	r := variant.NewReader(payload)
	r.Enter()
	s.cb(r, nil)
}

// Pending reports how many reply slots are outstanding.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
