package memory

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Load when no record exists for a user.
var ErrNotFound = errors.New("context record not found")

// Store persists one serialized context snapshot per user. Save fully
// overwrites any previous record; there are no partial writes.
type Store interface {
	Load(ctx context.Context, userID string) ([]byte, error)
	Save(ctx context.Context, userID string, snapshot []byte) error
	Mode() string
	Close() error
}
