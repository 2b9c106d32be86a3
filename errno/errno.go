// Package errno defines the numeric error taxonomy used throughout the
// bus client: every fallible operation returns (or wraps) a Code rather
// than an ad-hoc error string, so callers can switch on the kind of
// failure the way the kernel driver itself does.
package errno

import "fmt"

// Code is a negative-int-convertible error kind (spec.md §7).
type Code int

// Error kinds. Values are stable across releases; do not renumber.
const (
	ENONE   Code = 0  // no error
	ENOMEM  Code = 1  // allocation or descriptor exhaustion (Resource)
	EINVAL  Code = 2  // caller-supplied value violates an invariant (Invalid-argument)
	EEXIST  Code = 3  // id collision, name collision, duplicate handle (Duplicate)
	ENOENT  Code = 4  // absent kernel id, interface, member, reply handle (Not-found)
	ERANGE  Code = 5  // out-of-bounds accessor index (Range)
	EBUSY   Code = 6  // interface already implemented, handle already grouped (Busy)
	ESTALE  Code = 7  // queue drop detected, pool slice unreadable (Stale)
	EIO     Code = 8  // underlying kernel syscall failed (Transport)
	ENOTSUP Code = 9  // operation not supported by this device
)

var names = map[Code]string{
	ENONE:   "ENONE",
	ENOMEM:  "ENOMEM",
	EINVAL:  "EINVAL",
	EEXIST:  "EEXIST",
	ENOENT:  "ENOENT",
	ERANGE:  "ERANGE",
	EBUSY:   "EBUSY",
	ESTALE:  "ESTALE",
	EIO:     "EIO",
	ENOTSUP: "ENOTSUP",
}

// String renders the code's symbolic name, falling back to the numeric
// value for codes outside the known taxonomy.
func (c Code) String() string {
	if n, ok := names[c]; ok {
		return n
	}
	return fmt.Sprintf("errno(%d)", int(c))
}

// Error implements the error interface so a Code can be returned and
// compared directly with errors.Is.
func (c Code) Error() string {
	return c.String()
}

// Errno returns the negative integer form mandated by spec.md §7
// ("all errors surface as negative integer returns").
func (c Code) Errno() int {
	return -int(c)
}

// Wrapped pairs a Code with contextual detail while still satisfying
// errors.Is(err, SomeCode) via Unwrap.
type Wrapped struct {
	Code Code
	Msg  string
}

func (w *Wrapped) Error() string {
	if w.Msg == "" {
		return w.Code.String()
	}
	return fmt.Sprintf("%s: %s", w.Code, w.Msg)
}

func (w *Wrapped) Unwrap() error { return w.Code }

// Wrap attaches context to a Code.
func Wrap(c Code, format string, args ...any) error {
	return &Wrapped{Code: c, Msg: fmt.Sprintf(format, args...)}
}
