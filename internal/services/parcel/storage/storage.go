// Package storage defines persistence contracts for parcel records.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound indicates a requested parcel record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates records for this parcel identifier exist.
	ErrAlreadyExists = errors.New("record already exists")
)

// Ownership stores the owner of one parcel. One record per parcel identifier.
type Ownership struct {
	ParcelID string
	Owner    string
}

// Metadata stores the creator-supplied metadata of one parcel. One record per
// parcel identifier.
type Metadata struct {
	ParcelID string
	Meta     json.RawMessage
}

// RecordStore persists parcel ownership and metadata records. InsertParcel and
// DeleteParcel write both record kinds in one local transaction; the parcel
// saga depends on that pairing to compensate after blob-store failures.
type RecordStore interface {
	InsertParcel(ctx context.Context, ownership Ownership, metadata Metadata) error
	DeleteParcel(ctx context.Context, parcelID string) error
	GetOwnership(ctx context.Context, parcelID string) (Ownership, error)
	GetMetadata(ctx context.Context, parcelID string) (Metadata, error)
}
