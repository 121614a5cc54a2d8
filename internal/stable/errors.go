package stable

import "github.com/rotisserie/eris"

// Sentinel errors classifying failed stabilization operations. Callers wrap
// these with context via eris and test against them with the helpers below.
var (
	// ErrValidation indicates the requested transition violates an invariant
	// (non-current revision, already-stable revision, cross-page move, ...).
	ErrValidation = eris.New("validation failed")

	// ErrAuthorization indicates the actor lacks the required permission or is
	// blocked or unregistered where registration is required.
	ErrAuthorization = eris.New("not authorized")

	// ErrNotFound indicates a referenced page, revision or stable point does
	// not exist at the time of the operation.
	ErrNotFound = eris.New("not found")

	// ErrConflict indicates a storage-level uniqueness violation, typically a
	// concurrent duplicate stabilization of the same revision.
	ErrConflict = eris.New("already stable")
)

// IsValidation reports whether err is a validation failure. Conflicts classify
// as validation failures too: the caller-visible outcome of a lost
// stabilization race is "already stable" either way.
func IsValidation(err error) bool {
	return eris.Is(err, ErrValidation) || eris.Is(err, ErrConflict)
}

// IsAuthorization reports whether err is an authorization failure.
func IsAuthorization(err error) bool {
	return eris.Is(err, ErrAuthorization)
}

// IsNotFound reports whether err is a missing-reference failure.
func IsNotFound(err error) bool {
	return eris.Is(err, ErrNotFound)
}

// IsConflict reports whether err is a storage-level uniqueness violation.
func IsConflict(err error) bool {
	return eris.Is(err, ErrConflict)
}
