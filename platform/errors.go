package platform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies every provider failure into a portable category.
// Native codes (errno, Win32 error, JS exception) never escape a
// provider; they ride along in Error.Err for diagnostics only.
type Kind uint8

const (
	// KindUnknown is a failure the provider could not classify.
	KindUnknown Kind = iota

	// KindInvalidValue reports a bad argument: empty name, negative
	// size, out-of-range offset.
	KindInvalidValue

	// KindNotFound reports a named resource that does not exist.
	KindNotFound

	// KindResource reports native exhaustion or a name collision.
	KindResource

	// KindAccess reports a permission failure.
	KindAccess

	// KindBroken reports a pipe or connection severed mid-use.
	KindBroken

	// KindTimeout reports a bounded wait the platform surfaces as a
	// hard error rather than a false acquire result.
	KindTimeout

	// KindInvalidState reports an operation invalid for the current
	// lifecycle state: not initialized, already closed, not connected.
	KindInvalidState

	// KindUnsupported reports a capability with no native equivalent
	// on the running platform.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindInvalidValue:
		return "invalid_value"
	case KindNotFound:
		return "not_found"
	case KindResource:
		return "resource"
	case KindAccess:
		return "access"
	case KindBroken:
		return "broken"
	case KindTimeout:
		return "timeout"
	case KindInvalidState:
		return "invalid_state"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned by every capability operation.
type Error struct {
	Kind Kind
	Op   string // operation, e.g. "map_memory"
	Name string // resource name, when the operation addresses one
	Err  error  // native cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Name != "" {
		b.WriteByte(' ')
		b.WriteString(strconv.Quote(e.Name))
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an Error without a resource name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// NamedError builds an Error for an operation addressing a named
// resource.
func NamedError(kind Kind, op, name string, err error) *Error {
	return &Error{Kind: kind, Op: op, Name: name, Err: err}
}

// Errorf builds an Error whose cause is formatted from args.
func Errorf(kind Kind, op, format string, a ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, a...)}
}

// Unsupported builds the canonical error for a capability absent on
// the given platform.
func Unsupported(op string, os OS) *Error {
	return &Error{Kind: KindUnsupported, Op: op, Err: errors.New("not supported on " + os.String())}
}

// ErrKind extracts the Kind carried by err, or KindUnknown when err is
// not a platform Error.
func ErrKind(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err, or anything it wraps, is a platform
// Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}

// IsUnsupported reports whether err carries KindUnsupported.
func IsUnsupported(err error) bool { return IsKind(err, KindUnsupported) }

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
