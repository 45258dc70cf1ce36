package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedCase marks a broken internal invariant. It is only ever
	// raised through panic because continuing would corrupt the struct log.
	ErrUnexpectedCase = errors.New("crdt: unexpected case")

	ErrLengthExceeded    = errors.New("crdt: index or length exceeds the type length")
	ErrTypeConflict      = errors.New("crdt: type with this name was already defined with a different constructor")
	ErrUnexpectedContent = errors.New("crdt: unexpected content type")
	ErrMalformedUpdate   = errors.New("crdt: malformed update")
	ErrGCEnabled         = errors.New("crdt: garbage collection must be disabled in the origin document")
	ErrSubdocIntegrated  = errors.New("crdt: document was already integrated as a sub document")
	ErrPrematureAccess   = errors.New("crdt: type must be attached to a document first")
)

func unexpectedCase(format string, v ...any) {
	panic(fmt.Errorf("%w: %s", ErrUnexpectedCase, fmt.Sprintf(format, v...)))
}
