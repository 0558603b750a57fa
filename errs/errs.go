// Package errs centralizes the error taxonomy shared by every pbl4av
// component, the way hikmaai-argus's internal/observability/errors.go
// centralizes its own classification instead of leaving callers to
// string-match fmt.Errorf output.
package errs

import "fmt"

// Class identifies which failure domain an error belongs to.
type Class string

const (
	Config    Class = "CONFIG"
	IO        Class = "IO"
	Store     Class = "STORE"
	Policy    Class = "POLICY"
	Scan      Class = "SCAN"
	Lifecycle Class = "LIFECYCLE"
	Resource  Class = "RESOURCE"
)

// Error wraps an underlying error with a taxonomy class so callers can
// branch on Class via errors.As without parsing message text.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Class, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Class, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified error.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Is reports whether err (or anything it wraps) is a classified error of
// the given class.
func Is(err error, class Class) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			if ce.Class == class {
				return true
			}
			err = ce.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
