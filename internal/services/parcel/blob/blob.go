// Package blob defines the content-addressed blob store contract.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound indicates no blob is stored under the requested identifier.
var ErrNotFound = errors.New("blob not found")

// Store persists raw parcel bytes under their derived identifier. The
// Coordinator is the only caller; the store never enforces access control.
type Store interface {
	Upload(ctx context.Context, id string, data []byte) error
	Download(ctx context.Context, id string) ([]byte, error)
	Remove(ctx context.Context, id string) error
}
