package parallel

import "errors"

var (
	// ErrMissingField is returned when a record lacks a required field.
	ErrMissingField = errors.New("missing required field")

	// ErrInvalidState is returned when a session operation is invoked in the wrong state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrConnect wraps every failure to establish a vault connection.
	ErrConnect = errors.New("unable to connect to vault")

	// ErrChunkMissing is returned when a manifest references a chunk the backend does not have.
	ErrChunkMissing = errors.New("chunk missing")

	// ErrInvalidHash is returned for chunk hashes that cannot be sharded.
	ErrInvalidHash = errors.New("invalid chunk hash")

	// ErrNotFound is returned by storage providers for absent paths.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedStrategy is returned by sync strategies that cannot perform an operation.
	ErrUnsupportedStrategy = errors.New("sync strategy not supported")

	// ErrFileChanged is returned when a file is modified while it is being read.
	ErrFileChanged = errors.New("file changed while reading")

	// ErrEncrypted is returned when encrypted content is read without an unlocked key.
	ErrEncrypted = errors.New("vault content is encrypted")
)
