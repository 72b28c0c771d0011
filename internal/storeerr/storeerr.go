// Package storeerr defines the backend-independent error kinds every
// DecisionStore, VectorStore, EmbeddingProvider and GraphStore implementation
// returns (§4.A "Failure handling"). Concrete backends wrap one of these
// sentinels with fmt.Errorf("%w: ...") so callers can branch with errors.Is
// regardless of which backend is wired in.
package storeerr

import "errors"

var (
	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = errors.New("storeerr: not found")
	// ErrConflict means a write collided with an existing, incompatible state
	// (e.g. re-reviewing an already-reviewed decision).
	ErrConflict = errors.New("storeerr: conflict")
	// ErrUnavailable means the backend could not be reached at all.
	ErrUnavailable = errors.New("storeerr: backend unavailable")
	// ErrValidation means the caller's input failed a backend-enforced check.
	ErrValidation = errors.New("storeerr: validation failed")
	// ErrTimeout means a single backend call exceeded its per-call timeout
	// (default 10s, §5). Callers may retry.
	ErrTimeout = errors.New("storeerr: timed out")
)
