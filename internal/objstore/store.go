// Package objstore provides the object storage capability: raw chunk
// ciphertext in, processed artifacts and study key material out. The
// S3 implementation is the production backend; the filesystem
// implementation serves local mode and tests.
package objstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("object not found")

// Store is the put/get capability consumed by the processing
// pipeline.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}
