// Package stage moves encoded block payloads through an object store for
// sessions that advertise a staging location. Blocks are staged under
// sessions/<session id>/blocks/<block id> and referenced by key at commit.
package stage

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for staging operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts the staging object store. Implementations
// include S3 and a local filesystem store for testing. Payloads are
// in-memory block buffers, not files.
type ObjectStorage interface {
	// Put stores a payload under key, overwriting any existing object.
	Put(ctx context.Context, key string, payload []byte) error

	// Get retrieves the payload stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object under key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// BlockKey returns the staging key for one physical block of a session.
func BlockKey(sessionID string, blockID int64) string {
	return fmt.Sprintf("sessions/%s/blocks/%d", sessionID, blockID)
}

// SessionPrefix returns the key prefix holding all staged objects of a
// session.
func SessionPrefix(sessionID string) string {
	return fmt.Sprintf("sessions/%s/", sessionID)
}
