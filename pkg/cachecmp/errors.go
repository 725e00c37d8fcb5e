package cachecmp

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMismatch is wrapped by every MismatchError.
var ErrMismatch = errors.New("incremental caches differ")

// Kind classifies a cache mismatch.
type Kind int

const (
	KindMissingUnit  Kind = iota // unit directory absent from the tested tree
	KindSessionCount             // zero or several candidate session directories
	KindFileSet                  // session member names differ
	KindContent                  // an artifact differs in length or bytes
)

func (k Kind) String() string {
	switch k {
	case KindMissingUnit:
		return "missing unit"
	case KindSessionCount:
		return "session count"
	case KindFileSet:
		return "file set"
	case KindContent:
		return "content"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MismatchError describes the first divergence found between two caches.
type MismatchError struct {
	Kind    Kind
	Unit    string
	Path    string
	Missing []string // names in the reference session but not the tested one
	Extra   []string // names in the tested session but not the reference one
	Detail  string
}

func (e *MismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s in unit %q (%s)", ErrMismatch, e.Kind, e.Unit, e.Path)
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, "; missing %s", strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		fmt.Fprintf(&b, "; extra %s", strings.Join(e.Extra, ", "))
	}
	return b.String()
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }
