package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has never been written or has
// been deleted.
var ErrNotFound = errors.New("key not found")

// KeyValueStore is the durable profile storage both the cart store and the
// session manager persist through. Implementations are free to be local
// (file, memory) or remote (redis, mongo); callers treat writes as
// best-effort persistence, not a transactional guarantee.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
