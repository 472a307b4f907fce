// Package domain implements the parcel coordinator: the saga that keeps the
// ownership record, metadata record, and blob of one parcel appearing and
// disappearing together across the record store and the blob store.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/code-to-gold/amo-storage/internal/platform/errors"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/acl"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/blob"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/credential"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/identity"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/storage"
)

// Inspect query keys.
const (
	InspectKeyMetadata = "metadata"
	InspectKeyOwner    = "owner"
)

// UsageChecker is the authorization oracle contract. A non-nil error means the
// oracle could not produce a verdict and the operation must fail as a gateway
// failure, never as an allow.
type UsageChecker interface {
	CheckUsage(ctx context.Context, parcelID, requester string) (acl.Verdict, error)
}

// Parcel is the assembled triple returned by Download.
type Parcel struct {
	ID    string
	Owner string
	Meta  json.RawMessage
	Data  []byte
}

// InspectResult is one record field returned by Inspect.
type InspectResult struct {
	Key   string
	Value json.RawMessage
}

// Coordinator orchestrates parcel create, fetch, and delete across the record
// store, blob store, authorization oracle, and credential store. All
// collaborators are injected; the coordinator holds no mutable state of its
// own, so operations may run concurrently.
type Coordinator struct {
	records     storage.RecordStore
	blobs       blob.Store
	oracle      UsageChecker
	credentials credential.Store
	tracer      trace.Tracer
}

// NewCoordinator creates a coordinator with injected collaborators.
func NewCoordinator(records storage.RecordStore, blobs blob.Store, oracle UsageChecker, credentials credential.Store) *Coordinator {
	return &Coordinator{
		records:     records,
		blobs:       blobs,
		oracle:      oracle,
		credentials: credentials,
		tracer:      otel.Tracer("parcel.coordinator"),
	}
}

// Create registers a parcel: derives the identifier, commits both records in
// one transaction, then uploads the blob. A failed upload compensates by
// deleting the just-committed records; a failed compensation surfaces as
// INCONSISTENT_STATE so operators can distinguish orphaned records from an
// ordinary storage failure.
func (c *Coordinator) Create(ctx context.Context, owner string, meta json.RawMessage, data []byte, credentialKey string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "parcel.create")
	defer span.End()

	parcelID := identity.Derive(data)
	span.SetAttributes(attribute.String("parcel.id", parcelID))

	err := c.records.InsertParcel(ctx,
		storage.Ownership{ParcelID: parcelID, Owner: owner},
		storage.Metadata{ParcelID: parcelID, Meta: meta},
	)
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return "", fail(span, apperrors.WithMetadata(
				apperrors.CodeConflict,
				fmt.Sprintf("parcel %s already exists", parcelID),
				map[string]string{"parcel_id": parcelID},
			))
		}
		return "", fail(span, apperrors.Wrap(apperrors.CodeStorageFailure, "save ownership and metadata records", err))
	}

	if uploadErr := c.blobs.Upload(ctx, parcelID, data); uploadErr != nil {
		if compErr := c.records.DeleteParcel(ctx, parcelID); compErr != nil {
			return "", fail(span, apperrors.Wrap(
				apperrors.CodeInconsistentState,
				fmt.Sprintf("records for parcel %s orphaned after failed blob upload", parcelID),
				errors.Join(uploadErr, compErr),
			))
		}
		return "", fail(span, apperrors.Wrap(apperrors.CodeStorageFailure, "upload parcel blob", uploadErr))
	}

	c.invalidateCredential(ctx, credentialKey)
	return parcelID, nil
}

// Inspect returns one record field of a parcel without touching blob bytes.
// Record visibility is unrestricted; only blob bytes are access-controlled.
func (c *Coordinator) Inspect(ctx context.Context, parcelID, key string) (InspectResult, error) {
	ctx, span := c.tracer.Start(ctx, "parcel.inspect",
		trace.WithAttributes(attribute.String("parcel.id", parcelID), attribute.String("parcel.inspect_key", key)))
	defer span.End()

	switch key {
	case InspectKeyMetadata:
		metadata, err := c.records.GetMetadata(ctx, parcelID)
		if err != nil {
			return InspectResult{}, fail(span, mapRecordReadError(err, parcelID))
		}
		return InspectResult{Key: InspectKeyMetadata, Value: metadata.Meta}, nil
	case InspectKeyOwner:
		ownership, err := c.records.GetOwnership(ctx, parcelID)
		if err != nil {
			return InspectResult{}, fail(span, mapRecordReadError(err, parcelID))
		}
		value, err := json.Marshal(ownership.Owner)
		if err != nil {
			return InspectResult{}, fail(span, apperrors.Wrap(apperrors.CodeStorageFailure, "encode owner", err))
		}
		return InspectResult{Key: InspectKeyOwner, Value: value}, nil
	default:
		return InspectResult{}, fail(span, apperrors.New(
			apperrors.CodeBadRequest,
			fmt.Sprintf("unknown query key %q", key),
		))
	}
}

// Download returns the full parcel triple. Owners bypass the oracle; any other
// requester needs an oracle allow verdict. An oracle failure blocks the
// download as a gateway failure and is never treated as an allow.
func (c *Coordinator) Download(ctx context.Context, parcelID, requester, credentialKey string) (Parcel, error) {
	ctx, span := c.tracer.Start(ctx, "parcel.download",
		trace.WithAttributes(attribute.String("parcel.id", parcelID)))
	defer span.End()

	ownership, metadata, err := c.lookupRecords(ctx, parcelID)
	if err != nil {
		return Parcel{}, fail(span, err)
	}

	if requester != ownership.Owner {
		verdict, err := c.oracle.CheckUsage(ctx, parcelID, requester)
		if err != nil {
			return Parcel{}, fail(span, apperrors.Wrap(apperrors.CodeGatewayFailure, "usage query failed", err))
		}
		if verdict != acl.VerdictAllow {
			return Parcel{}, fail(span, apperrors.WithMetadata(
				apperrors.CodeForbidden,
				fmt.Sprintf("no permission to download data parcel %s", parcelID),
				map[string]string{"parcel_id": parcelID, "requester": requester},
			))
		}
	}

	data, err := c.blobs.Download(ctx, parcelID)
	if err != nil {
		return Parcel{}, fail(span, apperrors.Wrap(apperrors.CodeStorageFailure, "download parcel blob", err))
	}

	c.invalidateCredential(ctx, credentialKey)
	return Parcel{
		ID:    parcelID,
		Owner: ownership.Owner,
		Meta:  metadata.Meta,
		Data:  data,
	}, nil
}

// Delete removes a parcel. Only the recorded owner may delete; there is no
// oracle fallback. Records are deleted first in one transaction, then the
// blob; a failed blob removal compensates by re-inserting the records, and a
// failed re-insert surfaces as INCONSISTENT_STATE (orphaned blob).
func (c *Coordinator) Delete(ctx context.Context, parcelID, requester, credentialKey string) error {
	ctx, span := c.tracer.Start(ctx, "parcel.delete",
		trace.WithAttributes(attribute.String("parcel.id", parcelID)))
	defer span.End()

	ownership, err := c.records.GetOwnership(ctx, parcelID)
	if err != nil {
		return fail(span, mapRecordGoneError(err, parcelID))
	}
	metadata, err := c.records.GetMetadata(ctx, parcelID)
	if err != nil {
		return fail(span, mapRecordGoneError(err, parcelID))
	}

	if requester != ownership.Owner {
		return fail(span, apperrors.WithMetadata(
			apperrors.CodeForbidden,
			"not allowed to remove parcel",
			map[string]string{"parcel_id": parcelID, "requester": requester},
		))
	}

	if err := c.records.DeleteParcel(ctx, parcelID); err != nil {
		return fail(span, apperrors.Wrap(apperrors.CodeStorageFailure, "delete ownership and metadata records", err))
	}

	if removeErr := c.blobs.Remove(ctx, parcelID); removeErr != nil {
		if compErr := c.records.InsertParcel(ctx, ownership, metadata); compErr != nil {
			return fail(span, apperrors.Wrap(
				apperrors.CodeInconsistentState,
				fmt.Sprintf("records for parcel %s could not be restored after failed blob removal", parcelID),
				errors.Join(removeErr, compErr),
			))
		}
		return fail(span, apperrors.Wrap(apperrors.CodeStorageFailure, "remove parcel blob", removeErr))
	}

	c.invalidateCredential(ctx, credentialKey)
	return nil
}

// lookupRecords fetches both records for a download; either one missing means
// the parcel does not exist.
func (c *Coordinator) lookupRecords(ctx context.Context, parcelID string) (storage.Ownership, storage.Metadata, error) {
	ownership, err := c.records.GetOwnership(ctx, parcelID)
	if err != nil {
		return storage.Ownership{}, storage.Metadata{}, mapRecordReadError(err, parcelID)
	}
	metadata, err := c.records.GetMetadata(ctx, parcelID)
	if err != nil {
		return storage.Ownership{}, storage.Metadata{}, mapRecordReadError(err, parcelID)
	}
	return ownership, metadata, nil
}

// invalidateCredential consumes the caller's single-use credential. It is
// best-effort: a failure is logged and never changes the operation's result.
func (c *Coordinator) invalidateCredential(ctx context.Context, key string) {
	if key == "" || c.credentials == nil {
		return
	}
	if err := c.credentials.Invalidate(ctx, key); err != nil {
		log.Printf("invalidate credential key=%s err=%v", key, err)
	}
}

func mapRecordReadError(err error, parcelID string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.WithMetadata(
			apperrors.CodeNotFound,
			fmt.Sprintf("parcel %s does not exist", parcelID),
			map[string]string{"parcel_id": parcelID},
		)
	}
	return apperrors.Wrap(apperrors.CodeStorageFailure, "read parcel records", err)
}

func mapRecordGoneError(err error, parcelID string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.WithMetadata(
			apperrors.CodeGone,
			"parcel does not exist",
			map[string]string{"parcel_id": parcelID},
		)
	}
	return apperrors.Wrap(apperrors.CodeStorageFailure, "read parcel records", err)
}

// fail records the outcome on the span and passes the error through.
func fail(span trace.Span, err error) error {
	span.SetStatus(codes.Error, string(apperrors.CodeOf(err)))
	span.RecordError(err)
	return err
}
