// Package origin defines the stable per-node identifier tagged onto
// every locally-captured change (spec.md section 3, "Origin").
package origin

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ID is a node's stable 128-bit origin identifier.
type ID struct {
	inner uuid.UUID
}

// New generates a fresh, random origin id. Called exactly once, at
// schema install time, per node.
func New() ID {
	return ID{inner: uuid.New()}
}

// Parse decodes a previously-persisted origin id string.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID{}, errors.Wrap(err, "parsing origin id")
	}
	return ID{inner: u}, nil
}

// String renders the canonical textual form, stored verbatim in
// sync_state under the "origin_id" key.
func (o ID) String() string { return o.inner.String() }

// IsZero reports whether this is the unset origin.
func (o ID) IsZero() bool { return o.inner == uuid.Nil }

// Compare gives a total order over origin ids by their canonical
// string form. conflict.Resolve does not call it; it compares the
// String() forms directly.
func Compare(a, b ID) int {
	as, bs := a.String(), b.String()
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
