// Package variant implements the self-describing typed-value codec that
// spec.md §1 names as an external collaborator ("consumed as a black
// box: begin/end container, write/read typed value, seal, vector export
// for transport"). The core treats it through the narrow Writer/Reader
// surface used by message.Message; the wire format below is this
// package's own concern and not part of the bus wire protocol proper.
//
// Signature grammar (one letter per scalar, parenthesized tuples,
// 'a'-prefixed arrays, 'v' for a nested self-describing variant):
//
//	y uint8     q uint16   n int16    u uint32
//	i int32     t uint64   x int64    b bool
//	s string    h handle index (uint32)
//	(sig...)    struct/tuple of the given child signature
//	a<elem>     array of elem, uint32-count prefixed
//	v           nested variant: self-describing, carries its own signature
//
// Grounded on the teacher's reflection-based struct marshaler
// (gnunet/message/marshal.go, itself lifted from the GoSpeL library) but
// reworked from "marshal a Go struct" into "build a self-describing,
// container-nesting value stream with a forward read cursor" — the
// shape spec.md §4.4 actually needs.
package variant

import (
	"encoding/binary"
	"fmt"
)

// kind tags the open-container stack entries.
type kind int

const (
	kindStruct kind = iota
	kindArray
)

type frame struct {
	kind     kind
	sigStart int  // offset into w.sig where this container's signature begins
	dataPos  int  // offset into w.data where the count placeholder (arrays only) lives
	elemSig  string
	count    uint32
	suppress bool // true once nested inside an array: its elemSig already
	// describes this frame's shape, so nothing here touches w.sig
}

// suppressed reports whether a container opened right now would sit
// directly inside an array (or inside an already-suppressed struct),
// meaning its own shape is already named by the array's elemSig and it
// must not touch the running signature itself.
func (w *Writer) suppressed() bool {
	n := len(w.stack)
	if n == 0 {
		return false
	}
	top := w.stack[n-1]
	return top.kind == kindArray || top.suppress
}

// Writer accumulates a self-describing value. Obtain one with NewWriter,
// write typed values (optionally nested in Begin/End containers), then
// Seal to freeze it.
type Writer struct {
	sig    []byte
	data   []byte
	stack  []frame
	sealed bool
}

// NewWriter returns an empty, mutable value builder.
func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) mustBeOpen() {
	if w.sealed {
		panic("variant: write on sealed value")
	}
}

// BeginStruct opens a tuple container; matching values written until the
// next EndStruct become its members.
func (w *Writer) BeginStruct() {
	w.mustBeOpen()
	suppress := w.suppressed()
	w.stack = append(w.stack, frame{kind: kindStruct, sigStart: len(w.sig), suppress: suppress})
	if !suppress {
		w.sig = append(w.sig, '(')
	}
}

// EndStruct closes the innermost open struct.
func (w *Writer) EndStruct() {
	w.mustBeOpen()
	n := len(w.stack)
	if n == 0 || w.stack[n-1].kind != kindStruct {
		panic("variant: EndStruct without matching BeginStruct")
	}
	f := w.stack[n-1]
	w.stack = w.stack[:n-1]
	if !f.suppress {
		w.sig = append(w.sig, ')')
	}
	w.countElem()
}

// BeginArray opens an array of the given element signature (a scalar
// letter, or a parenthesized struct signature). Elements are added with
// the matching Write* calls until EndArray.
func (w *Writer) BeginArray(elemSig string) {
	w.mustBeOpen()
	w.stack = append(w.stack, frame{
		kind:     kindArray,
		dataPos:  len(w.data),
		elemSig:  elemSig,
		suppress: w.suppressed(),
	})
	// placeholder count, patched in EndArray
	w.data = append(w.data, 0, 0, 0, 0)
}

// EndArray closes the innermost open array and patches in its element
// count (known only once every element has been written).
func (w *Writer) EndArray() {
	w.mustBeOpen()
	n := len(w.stack)
	if n == 0 || w.stack[n-1].kind != kindArray {
		panic("variant: EndArray without matching BeginArray")
	}
	f := w.stack[n-1]
	w.stack = w.stack[:n-1]
	binary.BigEndian.PutUint32(w.data[f.dataPos:f.dataPos+4], f.count)
	if !f.suppress {
		w.sig = append(w.sig, 'a')
		w.sig = append(w.sig, f.elemSig...)
	}
	w.countElem()
}

func (w *Writer) countElem() {
	n := len(w.stack)
	if n > 0 && w.stack[n-1].kind == kindArray {
		w.stack[n-1].count++
	}
}

// appendSig records a scalar's type tag in the running signature, unless
// it is a direct array element (EndArray emits the element tag once for
// the whole array) or the enclosing struct is itself an array element
// (its shape is already named by the array's elemSig).
func (w *Writer) appendSig(c byte) {
	n := len(w.stack)
	if n > 0 && (w.stack[n-1].kind == kindArray || w.stack[n-1].suppress) {
		return
	}
	w.sig = append(w.sig, c)
}

// WriteU8 appends a uint8.
func (w *Writer) WriteU8(v uint8) {
	w.mustBeOpen()
	w.data = append(w.data, v)
	w.appendSig('y')
	w.countElem()
}

// WriteU16 appends a uint16 (big-endian on the wire).
func (w *Writer) WriteU16(v uint16) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint16(w.data, v)
	w.appendSig('q')
	w.countElem()
}

// WriteI16 appends an int16.
func (w *Writer) WriteI16(v int16) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint16(w.data, uint16(v))
	w.appendSig('n')
	w.countElem()
}

// WriteU32 appends a uint32.
func (w *Writer) WriteU32(v uint32) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint32(w.data, v)
	w.appendSig('u')
	w.countElem()
}

// WriteI32 appends an int32.
func (w *Writer) WriteI32(v int32) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint32(w.data, uint32(v))
	w.appendSig('i')
	w.countElem()
}

// WriteU64 appends a uint64.
func (w *Writer) WriteU64(v uint64) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint64(w.data, v)
	w.appendSig('t')
	w.countElem()
}

// WriteI64 appends an int64.
func (w *Writer) WriteI64(v int64) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint64(w.data, uint64(v))
	w.appendSig('x')
	w.countElem()
}

// WriteBool appends a boolean.
func (w *Writer) WriteBool(v bool) {
	w.mustBeOpen()
	if v {
		w.data = append(w.data, 1)
	} else {
		w.data = append(w.data, 0)
	}
	w.appendSig('b')
	w.countElem()
}

// WriteString appends a length-prefixed UTF-8 string.
func (w *Writer) WriteString(v string) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint32(w.data, uint32(len(v)))
	w.data = append(w.data, v...)
	w.appendSig('s')
	w.countElem()
}

// WriteBytes appends a length-prefixed byte blob (signature "ay").
func (w *Writer) WriteBytes(v []byte) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint32(w.data, uint32(len(v)))
	w.data = append(w.data, v...)
	n := len(w.stack)
	if !(n > 0 && (w.stack[n-1].kind == kindArray || w.stack[n-1].suppress)) {
		w.sig = append(w.sig, 'a', 'y')
	}
	w.countElem()
}

// WriteHandleIndex appends a reference to an attached handle, by its
// index in the owning Message's handle array.
func (w *Writer) WriteHandleIndex(idx uint32) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint32(w.data, idx)
	w.appendSig('h')
	w.countElem()
}

// WriteVariant nests another, already-sealed value as a self-describing
// element (tag 'v'): signature and data are both length-prefixed so a
// reader can skip it without understanding its contents.
func (w *Writer) WriteVariant(sig string, data []byte) {
	w.mustBeOpen()
	w.data = binary.BigEndian.AppendUint16(w.data, uint16(len(sig)))
	w.data = append(w.data, sig...)
	w.data = binary.BigEndian.AppendUint32(w.data, uint32(len(data)))
	w.data = append(w.data, data...)
	w.appendSig('v')
	w.countElem()
}

// Sealed is an immutable, readable value: the output of Writer.Seal or
// the reconstruction of a value read off the wire.
type Sealed struct {
	sig  string
	data []byte
}

// Seal freezes the writer. It panics if a container was left open —
// that is a programming error in the caller, not a runtime condition.
func (w *Writer) Seal() *Sealed {
	if len(w.stack) != 0 {
		panic("variant: Seal with open container")
	}
	w.sealed = true
	return &Sealed{sig: string(w.sig), data: w.data}
}

// Signature returns the value's type signature.
func (s *Sealed) Signature() string { return s.sig }

// Bytes returns the value's flat encoded form.
func (s *Sealed) Bytes() []byte { return s.data }

// Vectors returns the value split as an iovec-style vector list suitable
// for a vectored kernel write (spec.md §6 "vec pointers from the variant
// codec"). A single-element result is the common case; kept as a slice
// so Device.Send can append handle/fd framing without copying.
func (s *Sealed) Vectors() [][]byte {
	return [][]byte{s.data}
}

// Unseal wraps a signature+bytes pair received off the wire (or nested
// inside a 'v' element) as a Sealed value ready for reading.
func Unseal(sig string, data []byte) *Sealed {
	return &Sealed{sig: sig, data: data}
}

// container tracks reader descent through nested structs/arrays.
type container struct {
	kind    kind
	sig     string // remaining signature for this container, cursor excluded
	sigBase int    // offset of sig within the parent cursor at Enter time (for Rewind)
	elemSig string // array-only: the per-element signature
	count   uint32 // array-only: remaining element count
	dataAt  int    // data offset at Enter time (for Rewind)
}

// Reader provides a forward cursor with Enter/Exit container nesting
// over a Sealed value (spec.md §4.4: "enter/exit/read/readv/peek_type/
// peek_count/rewind once sealed").
type Reader struct {
	sig    string
	data   []byte
	sigPos int
	dataPos int
	stack  []container
}

// NewReader returns a cursor positioned at the start of v.
func NewReader(v *Sealed) *Reader {
	return &Reader{sig: v.sig, data: v.data}
}

func (r *Reader) curSig() string { return r.sig[r.sigPos:] }

// PeekType returns the type tag the cursor currently sits on ('(' / 'a'
// for containers), or 0 if the current container is exhausted.
func (r *Reader) PeekType() byte {
	if n := len(r.stack); n > 0 && r.stack[n-1].kind == kindArray {
		f := &r.stack[n-1]
		if f.count == 0 {
			return 0
		}
		return f.elemSig[0]
	}
	s := r.curSig()
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

// PeekCount returns the number of elements remaining in the innermost
// open array container. Valid only while inside an array.
func (r *Reader) PeekCount() (int, error) {
	n := len(r.stack)
	if n == 0 || r.stack[n-1].kind != kindArray {
		return 0, fmt.Errorf("variant: PeekCount outside an array")
	}
	return int(r.stack[n-1].count), nil
}

// Enter descends into the struct or array the cursor is positioned on.
func (r *Reader) Enter() error {
	t := r.PeekType()
	switch t {
	case '(':
		if n := len(r.stack); n > 0 && r.stack[n-1].kind == kindArray {
			// an array element: its signature is the array's elemSig,
			// which sits right after the array's 'a'
			f := &r.stack[n-1]
			f.count--
			r.sigPos = f.sigBase + 1
		}
		// find matching close paren for this struct's signature
		depth := 0
		end := -1
		for i, c := range r.curSig() {
			switch c {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					end = i
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return fmt.Errorf("variant: malformed struct signature %q", r.curSig())
		}
		inner := r.curSig()[1:end]
		r.stack = append(r.stack, container{kind: kindStruct, sig: inner, sigBase: r.sigPos, dataAt: r.dataPos})
		r.sigPos += 1 // step past '('
		return nil
	case 'a':
		elemSig, err := firstType(r.curSig()[1:])
		if err != nil {
			return err
		}
		if len(r.data)-r.dataPos < 4 {
			return fmt.Errorf("variant: truncated array count")
		}
		count := binary.BigEndian.Uint32(r.data[r.dataPos:])
		r.dataPos += 4
		r.stack = append(r.stack, container{kind: kindArray, elemSig: elemSig, count: count, sigBase: r.sigPos, dataAt: r.dataPos - 4})
		r.sigPos += 1 + len(elemSig)
		return nil
	default:
		return fmt.Errorf("variant: cannot Enter a scalar (type %q)", string(t))
	}
}

// Exit returns the cursor to the parent container.
func (r *Reader) Exit() error {
	n := len(r.stack)
	if n == 0 {
		return fmt.Errorf("variant: Exit without matching Enter")
	}
	f := r.stack[n-1]
	r.stack = r.stack[:n-1]
	if f.kind == kindStruct {
		// step past the struct's closing ')'
		r.sigPos = f.sigBase + len(f.sig) + 2
	}
	return nil
}

// Rewind resets the cursor to the start of the innermost open container
// (or the whole value, if nothing is open).
func (r *Reader) Rewind() {
	n := len(r.stack)
	if n == 0 {
		r.sigPos, r.dataPos = 0, 0
		return
	}
	f := &r.stack[n-1]
	r.dataPos = f.dataAt
	if f.kind == kindStruct {
		r.sigPos = f.sigBase + 1
	} else {
		r.sigPos = f.sigBase + 1 + len(f.elemSig)
		// re-read (and re-skip) the count word
		r.dataPos = f.dataAt
		count := binary.BigEndian.Uint32(r.data[r.dataPos:])
		f.count = count
		r.dataPos += 4
	}
}

func firstType(sig string) (string, error) {
	if len(sig) == 0 {
		return "", fmt.Errorf("variant: empty signature")
	}
	switch sig[0] {
	case '(':
		depth := 0
		for i, c := range sig {
			switch c {
			case '(':
				depth++
			case ')':
				depth--
				if depth == 0 {
					return sig[:i+1], nil
				}
			}
		}
		return "", fmt.Errorf("variant: unbalanced struct signature %q", sig)
	case 'a':
		inner, err := firstType(sig[1:])
		if err != nil {
			return "", err
		}
		return "a" + inner, nil
	default:
		return sig[:1], nil
	}
}

func (r *Reader) consumeScalar(want byte) error {
	n := len(r.stack)
	if n > 0 && r.stack[n-1].kind == kindArray {
		f := &r.stack[n-1]
		if f.count == 0 {
			return fmt.Errorf("variant: array exhausted")
		}
		if f.elemSig[0] != want {
			return fmt.Errorf("variant: type mismatch: want %q have %q", string(want), f.elemSig)
		}
		f.count--
		return nil
	}
	s := r.curSig()
	if len(s) == 0 || s[0] != want {
		return fmt.Errorf("variant: type mismatch: want %q have %q", string(want), s)
	}
	r.sigPos++
	return nil
}

// ReadU8 reads a uint8 and advances the cursor.
func (r *Reader) ReadU8() (uint8, error) {
	if err := r.consumeScalar('y'); err != nil {
		return 0, err
	}
	if len(r.data)-r.dataPos < 1 {
		return 0, fmt.Errorf("variant: truncated u8")
	}
	v := r.data[r.dataPos]
	r.dataPos++
	return v, nil
}

// ReadU16 reads a uint16.
func (r *Reader) ReadU16() (uint16, error) {
	if err := r.consumeScalar('q'); err != nil {
		return 0, err
	}
	if len(r.data)-r.dataPos < 2 {
		return 0, fmt.Errorf("variant: truncated u16")
	}
	v := binary.BigEndian.Uint16(r.data[r.dataPos:])
	r.dataPos += 2
	return v, nil
}

// ReadI16 reads an int16.
func (r *Reader) ReadI16() (int16, error) {
	if err := r.consumeScalar('n'); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.data[r.dataPos:])
	r.dataPos += 2
	return int16(v), nil
}

// ReadU32 reads a uint32.
func (r *Reader) ReadU32() (uint32, error) {
	if err := r.consumeScalar('u'); err != nil {
		return 0, err
	}
	if len(r.data)-r.dataPos < 4 {
		return 0, fmt.Errorf("variant: truncated u32")
	}
	v := binary.BigEndian.Uint32(r.data[r.dataPos:])
	r.dataPos += 4
	return v, nil
}

// ReadI32 reads an int32.
func (r *Reader) ReadI32() (int32, error) {
	if err := r.consumeScalar('i'); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.data[r.dataPos:])
	r.dataPos += 4
	return int32(v), nil
}

// ReadU64 reads a uint64.
func (r *Reader) ReadU64() (uint64, error) {
	if err := r.consumeScalar('t'); err != nil {
		return 0, err
	}
	if len(r.data)-r.dataPos < 8 {
		return 0, fmt.Errorf("variant: truncated u64")
	}
	v := binary.BigEndian.Uint64(r.data[r.dataPos:])
	r.dataPos += 8
	return v, nil
}

// ReadI64 reads an int64.
func (r *Reader) ReadI64() (int64, error) {
	if err := r.consumeScalar('x'); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.data[r.dataPos:])
	r.dataPos += 8
	return int64(v), nil
}

// ReadBool reads a boolean.
func (r *Reader) ReadBool() (bool, error) {
	if err := r.consumeScalar('b'); err != nil {
		return false, err
	}
	if len(r.data)-r.dataPos < 1 {
		return false, fmt.Errorf("variant: truncated bool")
	}
	v := r.data[r.dataPos] != 0
	r.dataPos++
	return v, nil
}

// ReadString reads a length-prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	if err := r.consumeScalar('s'); err != nil {
		return "", err
	}
	if len(r.data)-r.dataPos < 4 {
		return "", fmt.Errorf("variant: truncated string length")
	}
	n := binary.BigEndian.Uint32(r.data[r.dataPos:])
	r.dataPos += 4
	if uint32(len(r.data)-r.dataPos) < n {
		return "", fmt.Errorf("variant: truncated string body")
	}
	v := string(r.data[r.dataPos : r.dataPos+int(n)])
	r.dataPos += int(n)
	return v, nil
}

// ReadBytes reads a length-prefixed byte blob written by WriteBytes
// (signature "ay", taken as a unit rather than element-by-element).
func (r *Reader) ReadBytes() ([]byte, error) {
	s := r.curSig()
	if len(s) < 2 || s[0] != 'a' || s[1] != 'y' {
		return nil, fmt.Errorf("variant: type mismatch: want \"ay\" have %q", s)
	}
	if len(r.data)-r.dataPos < 4 {
		return nil, fmt.Errorf("variant: truncated bytes length")
	}
	n := binary.BigEndian.Uint32(r.data[r.dataPos:])
	r.dataPos += 4
	if uint32(len(r.data)-r.dataPos) < n {
		return nil, fmt.Errorf("variant: truncated bytes body")
	}
	v := r.data[r.dataPos : r.dataPos+int(n)]
	r.dataPos += int(n)
	r.sigPos += 2
	return v, nil
}

// ReadHandleIndex reads a handle-index reference.
func (r *Reader) ReadHandleIndex() (uint32, error) {
	if err := r.consumeScalar('h'); err != nil {
		return 0, err
	}
	if len(r.data)-r.dataPos < 4 {
		return 0, fmt.Errorf("variant: truncated handle index")
	}
	v := binary.BigEndian.Uint32(r.data[r.dataPos:])
	r.dataPos += 4
	return v, nil
}

// ReadVariant reads a nested self-describing value without requiring
// the caller to know its signature up front.
func (r *Reader) ReadVariant() (*Sealed, error) {
	if err := r.consumeScalar('v'); err != nil {
		return nil, err
	}
	if len(r.data)-r.dataPos < 2 {
		return nil, fmt.Errorf("variant: truncated nested signature length")
	}
	sigLen := binary.BigEndian.Uint16(r.data[r.dataPos:])
	r.dataPos += 2
	if uint16(len(r.data)-r.dataPos) < sigLen {
		return nil, fmt.Errorf("variant: truncated nested signature")
	}
	sig := string(r.data[r.dataPos : r.dataPos+int(sigLen)])
	r.dataPos += int(sigLen)
	if len(r.data)-r.dataPos < 4 {
		return nil, fmt.Errorf("variant: truncated nested data length")
	}
	dataLen := binary.BigEndian.Uint32(r.data[r.dataPos:])
	r.dataPos += 4
	if uint32(len(r.data)-r.dataPos) < dataLen {
		return nil, fmt.Errorf("variant: truncated nested data")
	}
	data := r.data[r.dataPos : r.dataPos+int(dataLen)]
	r.dataPos += int(dataLen)
	return &Sealed{sig: sig, data: data}, nil
}

// HasSignaturePrefix reports whether prefix is a prefix of the full value
// signature, the matching rule spec.md §4.5 mandates for inbound CALL
// payloads ("prefix match allows trailing container frames").
func HasSignaturePrefix(full, prefix string) bool {
	if len(prefix) > len(full) {
		return false
	}
	return full[:len(prefix)] == prefix
}
