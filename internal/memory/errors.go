package memory

import "errors"

var (
	// ErrStoreUnavailable means the working-memory backend could not be reached.
	ErrStoreUnavailable = errors.New("memory: store unavailable")

	// ErrEmbedding means the embedding provider failed; nothing was stored.
	ErrEmbedding = errors.New("memory: embedding failed")

	// ErrDimensionMismatch means a vector does not match the index dimension.
	ErrDimensionMismatch = errors.New("memory: vector dimension mismatch")

	// ErrIndexCorruption means persisted vector and metadata files do not pair up.
	ErrIndexCorruption = errors.New("memory: index corruption")

	// ErrNotFound means the requested fact does not exist.
	ErrNotFound = errors.New("memory: not found")
)
