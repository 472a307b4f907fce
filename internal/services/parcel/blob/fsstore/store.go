// Package fsstore provides a filesystem-backed content-addressed blob store.
package fsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/code-to-gold/amo-storage/internal/services/parcel/blob"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/identity"
)

// Store keeps one file per parcel identifier, fanned out by the first two hex
// characters to keep directory sizes bounded.
type Store struct {
	root string
}

// Open creates the blob root directory when missing and returns the store.
func Open(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("blob root directory is required")
	}
	cleanRoot := filepath.Clean(root)
	if err := os.MkdirAll(cleanRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &Store{root: cleanRoot}, nil
}

func (s *Store) blobPath(id string) (string, error) {
	if !identity.Valid(id) {
		return "", fmt.Errorf("invalid blob identifier %q", id)
	}
	return filepath.Join(s.root, id[:2], id), nil
}

// Upload writes the blob under its identifier. The write goes to a temp file
// first and is renamed into place so partial writes never surface as blobs.
func (s *Store) Upload(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), id+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write blob %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close blob %s: %w", id, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("publish blob %s: %w", id, err)
	}
	return nil
}

// Download returns the blob bytes stored under the identifier.
func (s *Store) Download(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.blobPath(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	return data, nil
}

// Remove deletes the blob stored under the identifier.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.blobPath(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return blob.ErrNotFound
		}
		return fmt.Errorf("remove blob %s: %w", id, err)
	}
	return nil
}

var _ blob.Store = (*Store)(nil)
