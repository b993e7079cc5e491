// Package fault classifies errors into a closed set of kinds.
//
// Components wrap their sentinel errors with a kind so that callers
// (and eventually a transport layer) can map failures without string
// matching. Classification walks the error chain, so kinds survive
// fmt.Errorf("%w") wrapping.
package fault

import "errors"

// Kinds. Exactly one kind should apply to any returned error.
var (
	// NotFound indicates a missing space, object, collection, or session.
	NotFound = errors.New("not found")

	// Conflict indicates a state collision, such as a duplicate space
	// or a second indexing job while one is running.
	Conflict = errors.New("conflict")

	// Invalid indicates rejected input: bad names, out-of-range
	// parameters, oversized uploads, disallowed URLs.
	Invalid = errors.New("invalid")

	// Unauthorized is reserved for future authentication surfaces.
	Unauthorized = errors.New("unauthorized")

	// Upstream indicates a dependency failure: object store, vector
	// store, or model backend.
	Upstream = errors.New("upstream failure")

	// Fatal indicates an unrecoverable internal failure.
	Fatal = errors.New("fatal")
)

var kinds = []error{NotFound, Conflict, Invalid, Unauthorized, Upstream, Fatal}

// Kind returns the kind carried by err's chain, or nil when err is nil
// or unclassified. Unclassified errors should be treated as Fatal at
// the boundary.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// tagged binds a component sentinel to a kind. errors.Is matches both
// the sentinel itself and its kind.
type tagged struct {
	err  error
	kind error
}

// Tag returns a sentinel error that satisfies errors.Is for both itself
// and the given kind.
//
//	var ErrCollectionNotFound = fault.Tag(errors.New("collection not found"), fault.NotFound)
func Tag(err, kind error) error {
	return &tagged{err: err, kind: kind}
}

func (t *tagged) Error() string { return t.err.Error() }

func (t *tagged) Is(target error) bool { return target == t.kind }

func (t *tagged) Unwrap() error { return t.err }
