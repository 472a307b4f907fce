package domain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	apperrors "github.com/code-to-gold/amo-storage/internal/platform/errors"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/acl"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/blob"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/identity"
	"github.com/code-to-gold/amo-storage/internal/services/parcel/storage"
)

type fakeRecordStore struct {
	mu         sync.Mutex
	ownerships map[string]storage.Ownership
	metadata   map[string]storage.Metadata
	insertErr  error
	deleteErr  error
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{
		ownerships: make(map[string]storage.Ownership),
		metadata:   make(map[string]storage.Metadata),
	}
}

func (s *fakeRecordStore) InsertParcel(ctx context.Context, ownership storage.Ownership, metadata storage.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, exists := s.ownerships[ownership.ParcelID]; exists {
		return storage.ErrAlreadyExists
	}
	s.ownerships[ownership.ParcelID] = ownership
	s.metadata[metadata.ParcelID] = metadata
	return nil
}

func (s *fakeRecordStore) DeleteParcel(ctx context.Context, parcelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.ownerships, parcelID)
	delete(s.metadata, parcelID)
	return nil
}

func (s *fakeRecordStore) GetOwnership(ctx context.Context, parcelID string) (storage.Ownership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ownership, ok := s.ownerships[parcelID]
	if !ok {
		return storage.Ownership{}, storage.ErrNotFound
	}
	return ownership, nil
}

func (s *fakeRecordStore) GetMetadata(ctx context.Context, parcelID string) (storage.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metadata, ok := s.metadata[parcelID]
	if !ok {
		return storage.Metadata{}, storage.ErrNotFound
	}
	return metadata, nil
}

type fakeBlobStore struct {
	mu          sync.Mutex
	blobs       map[string][]byte
	uploads     int
	uploadErr   error
	downloadErr error
	removeErr   error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: make(map[string][]byte)}
}

func (s *fakeBlobStore) Upload(ctx context.Context, id string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.uploads++
	s.blobs[id] = bytes.Clone(data)
	return nil
}

func (s *fakeBlobStore) Download(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	data, ok := s.blobs[id]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (s *fakeBlobStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	if _, ok := s.blobs[id]; !ok {
		return blob.ErrNotFound
	}
	delete(s.blobs, id)
	return nil
}

type fakeOracle struct {
	mu      sync.Mutex
	verdict acl.Verdict
	err     error
	calls   int
}

func (o *fakeOracle) CheckUsage(ctx context.Context, parcelID, requester string) (acl.Verdict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	return o.verdict, o.err
}

type fakeCredentials struct {
	mu          sync.Mutex
	invalidated []string
	err         error
}

func (c *fakeCredentials) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.invalidated = append(c.invalidated, key)
	return nil
}

type fixture struct {
	records     *fakeRecordStore
	blobs       *fakeBlobStore
	oracle      *fakeOracle
	credentials *fakeCredentials
	coordinator *Coordinator
}

func newFixture() *fixture {
	records := newFakeRecordStore()
	blobs := newFakeBlobStore()
	oracle := &fakeOracle{}
	credentials := &fakeCredentials{}
	return &fixture{
		records:     records,
		blobs:       blobs,
		oracle:      oracle,
		credentials: credentials,
		coordinator: NewCoordinator(records, blobs, oracle, credentials),
	}
}

func (f *fixture) mustCreate(t *testing.T, owner string, meta string, data []byte) string {
	t.Helper()
	id, err := f.coordinator.Create(context.Background(), owner, json.RawMessage(meta), data, "")
	if err != nil {
		t.Fatalf("create parcel: %v", err)
	}
	return id
}

func assertCode(t *testing.T, err error, want apperrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := apperrors.CodeOf(err); got != want {
		t.Fatalf("error code = %s, want %s (err: %v)", got, want, err)
	}
}

func TestCreateStoresFullTriple(t *testing.T) {
	f := newFixture()
	data := []byte{0x01, 0x02, 0x03, 0x04}

	id, err := f.coordinator.Create(context.Background(), "alice", json.RawMessage(`{"k":"v"}`), data, "token:alice:j1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != identity.Derive(data) {
		t.Fatalf("id = %q, want derived identifier", id)
	}

	if _, err := f.records.GetOwnership(context.Background(), id); err != nil {
		t.Fatalf("ownership missing: %v", err)
	}
	if _, err := f.records.GetMetadata(context.Background(), id); err != nil {
		t.Fatalf("metadata missing: %v", err)
	}
	if got, err := f.blobs.Download(context.Background(), id); err != nil || !bytes.Equal(got, data) {
		t.Fatalf("blob = %x err=%v, want %x", got, err, data)
	}
	if len(f.credentials.invalidated) != 1 || f.credentials.invalidated[0] != "token:alice:j1" {
		t.Fatalf("invalidated = %v, want [token:alice:j1]", f.credentials.invalidated)
	}
}

func TestCreateDuplicateContentConflicts(t *testing.T) {
	f := newFixture()
	data := []byte("same bytes")

	first := f.mustCreate(t, "alice", `{}`, data)

	_, err := f.coordinator.Create(context.Background(), "bob", json.RawMessage(`{}`), data, "")
	assertCode(t, err, apperrors.CodeConflict)

	// No second blob write and the original owner is untouched.
	if f.blobs.uploads != 1 {
		t.Fatalf("blob uploads = %d, want 1", f.blobs.uploads)
	}
	ownership, err := f.records.GetOwnership(context.Background(), first)
	if err != nil {
		t.Fatalf("get ownership: %v", err)
	}
	if ownership.Owner != "alice" {
		t.Fatalf("owner = %q, want alice", ownership.Owner)
	}
}

func TestCreateConcurrentDuplicateContent(t *testing.T) {
	f := newFixture()
	data := []byte("raced bytes")

	const workers = 8
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, results[idx] = f.coordinator.Create(context.Background(), fmt.Sprintf("owner-%d", idx), json.RawMessage(`{}`), data, "")
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case apperrors.CodeOf(err) == apperrors.CodeConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != workers-1 {
		t.Fatalf("wins = %d conflicts = %d, want 1 and %d", wins, conflicts, workers-1)
	}
}

func TestCreateCompensatesOnUploadFailure(t *testing.T) {
	f := newFixture()
	f.blobs.uploadErr = errors.New("object store unavailable")
	data := []byte("doomed upload")

	_, err := f.coordinator.Create(context.Background(), "alice", json.RawMessage(`{}`), data, "")
	assertCode(t, err, apperrors.CodeStorageFailure)

	// Compensation must have removed both records.
	id := identity.Derive(data)
	if _, err := f.records.GetOwnership(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ownership = %v, want storage.ErrNotFound", err)
	}
	if _, err := f.records.GetMetadata(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("metadata = %v, want storage.ErrNotFound", err)
	}
}

func TestCreateSurfacesInconsistentStateWhenCompensationFails(t *testing.T) {
	f := newFixture()
	f.blobs.uploadErr = errors.New("object store unavailable")
	f.records.deleteErr = errors.New("record store unavailable")

	_, err := f.coordinator.Create(context.Background(), "alice", json.RawMessage(`{}`), []byte("stuck"), "")
	assertCode(t, err, apperrors.CodeInconsistentState)
	if apperrors.CodeOf(err) == apperrors.CodeStorageFailure {
		t.Fatal("inconsistent state must not be reported as storage failure")
	}
}

func TestInspectMetadataAndOwner(t *testing.T) {
	f := newFixture()
	id := f.mustCreate(t, "alice", `{"k":"v"}`, []byte{0x01, 0x02, 0x03, 0x04})

	meta, err := f.coordinator.Inspect(context.Background(), id, InspectKeyMetadata)
	if err != nil {
		t.Fatalf("inspect metadata: %v", err)
	}
	if meta.Key != InspectKeyMetadata || string(meta.Value) != `{"k":"v"}` {
		t.Fatalf("inspect metadata = %+v", meta)
	}

	owner, err := f.coordinator.Inspect(context.Background(), id, InspectKeyOwner)
	if err != nil {
		t.Fatalf("inspect owner: %v", err)
	}
	if owner.Key != InspectKeyOwner || string(owner.Value) != `"alice"` {
		t.Fatalf("inspect owner = %+v", owner)
	}

	// Inspect never consults the oracle.
	if f.oracle.calls != 0 {
		t.Fatalf("oracle calls = %d, want 0", f.oracle.calls)
	}
}

func TestInspectUnknownKey(t *testing.T) {
	f := newFixture()
	id := f.mustCreate(t, "alice", `{}`, []byte("content"))

	_, err := f.coordinator.Inspect(context.Background(), id, "size")
	assertCode(t, err, apperrors.CodeBadRequest)
}

func TestInspectMissingParcel(t *testing.T) {
	f := newFixture()
	missing := identity.Derive([]byte("never created"))

	_, err := f.coordinator.Inspect(context.Background(), missing, InspectKeyMetadata)
	assertCode(t, err, apperrors.CodeNotFound)

	_, err = f.coordinator.Inspect(context.Background(), missing, InspectKeyOwner)
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestDownloadOwnerBypassesOracle(t *testing.T) {
	f := newFixture()
	f.oracle.err = errors.New("oracle must not be called")
	data := []byte("owner content")
	id := f.mustCreate(t, "alice", `{"k":"v"}`, data)

	parcel, err := f.coordinator.Download(context.Background(), id, "alice", "token:alice:j2")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if f.oracle.calls != 0 {
		t.Fatalf("oracle calls = %d, want 0", f.oracle.calls)
	}
	if parcel.Owner != "alice" || !bytes.Equal(parcel.Data, data) {
		t.Fatalf("parcel = %+v", parcel)
	}
	if len(f.credentials.invalidated) != 1 {
		t.Fatalf("invalidated = %v, want one key", f.credentials.invalidated)
	}
}

func TestDownloadNonOwnerWithGrant(t *testing.T) {
	f := newFixture()
	f.oracle.verdict = acl.VerdictAllow
	data := []byte("shared content")
	id := f.mustCreate(t, "alice", `{}`, data)

	parcel, err := f.coordinator.Download(context.Background(), id, "bob", "")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if f.oracle.calls != 1 {
		t.Fatalf("oracle calls = %d, want 1", f.oracle.calls)
	}
	if !bytes.Equal(parcel.Data, data) {
		t.Fatalf("data = %x, want %x", parcel.Data, data)
	}
}

func TestDownloadNonOwnerDenied(t *testing.T) {
	f := newFixture()
	f.oracle.verdict = acl.VerdictDeny
	id := f.mustCreate(t, "alice", `{}`, []byte("guarded content"))

	parcel, err := f.coordinator.Download(context.Background(), id, "bob", "")
	assertCode(t, err, apperrors.CodeForbidden)
	if parcel.Data != nil {
		t.Fatal("denied download must not return blob bytes")
	}
}

func TestDownloadOracleFailureIsGatewayFailure(t *testing.T) {
	f := newFixture()
	f.oracle.err = errors.New("node timeout")
	id := f.mustCreate(t, "alice", `{}`, []byte("unreachable oracle"))

	parcel, err := f.coordinator.Download(context.Background(), id, "bob", "")
	assertCode(t, err, apperrors.CodeGatewayFailure)
	if parcel.Data != nil {
		t.Fatal("oracle failure must never be treated as allow")
	}
}

func TestDownloadMissingParcel(t *testing.T) {
	f := newFixture()
	missing := identity.Derive([]byte("phantom"))

	_, err := f.coordinator.Download(context.Background(), missing, "alice", "")
	assertCode(t, err, apperrors.CodeNotFound)
}

func TestDownloadBlobFailure(t *testing.T) {
	f := newFixture()
	id := f.mustCreate(t, "alice", `{}`, []byte("blob trouble"))
	f.blobs.downloadErr = errors.New("object store unavailable")

	_, err := f.coordinator.Download(context.Background(), id, "alice", "")
	assertCode(t, err, apperrors.CodeStorageFailure)
}

func TestDeleteRemovesFullTriple(t *testing.T) {
	f := newFixture()
	data := []byte("short lived")
	id := f.mustCreate(t, "alice", `{}`, data)

	if err := f.coordinator.Delete(context.Background(), id, "alice", "token:alice:j3"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := f.records.GetOwnership(context.Background(), id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ownership = %v, want storage.ErrNotFound", err)
	}
	if _, err := f.blobs.Download(context.Background(), id); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("blob = %v, want blob.ErrNotFound", err)
	}
	if len(f.credentials.invalidated) == 0 {
		t.Fatal("expected credential invalidation")
	}
}

func TestDeleteByNonOwnerForbidden(t *testing.T) {
	f := newFixture()
	data := []byte("alice's parcel")
	id := f.mustCreate(t, "alice", `{"k":"v"}`, data)

	err := f.coordinator.Delete(context.Background(), id, "bob", "")
	assertCode(t, err, apperrors.CodeForbidden)

	// Records and blob must remain fully intact.
	ownership, err := f.records.GetOwnership(context.Background(), id)
	if err != nil || ownership.Owner != "alice" {
		t.Fatalf("ownership = %+v err=%v, want alice", ownership, err)
	}
	if got, err := f.blobs.Download(context.Background(), id); err != nil || !bytes.Equal(got, data) {
		t.Fatalf("blob = %x err=%v, want intact", got, err)
	}
	// Ownership is the sole authority for delete; the oracle is never asked.
	if f.oracle.calls != 0 {
		t.Fatalf("oracle calls = %d, want 0", f.oracle.calls)
	}
}

func TestDeleteMissingParcelGone(t *testing.T) {
	f := newFixture()
	missing := identity.Derive([]byte("already gone"))

	err := f.coordinator.Delete(context.Background(), missing, "alice", "")
	assertCode(t, err, apperrors.CodeGone)
}

func TestDeleteCompensatesOnRemoveFailure(t *testing.T) {
	f := newFixture()
	id := f.mustCreate(t, "alice", `{"k":"v"}`, []byte("sticky blob"))
	f.blobs.removeErr = errors.New("object store unavailable")

	err := f.coordinator.Delete(context.Background(), id, "alice", "")
	assertCode(t, err, apperrors.CodeStorageFailure)

	// Both records must be restored exactly as before.
	ownership, err2 := f.records.GetOwnership(context.Background(), id)
	if err2 != nil || ownership.Owner != "alice" {
		t.Fatalf("ownership = %+v err=%v, want restored alice", ownership, err2)
	}
	metadata, err2 := f.records.GetMetadata(context.Background(), id)
	if err2 != nil || string(metadata.Meta) != `{"k":"v"}` {
		t.Fatalf("metadata = %+v err=%v, want restored", metadata, err2)
	}
}

func TestDeleteSurfacesInconsistentStateWhenRestoreFails(t *testing.T) {
	f := newFixture()
	id := f.mustCreate(t, "alice", `{}`, []byte("lost records"))
	f.blobs.removeErr = errors.New("object store unavailable")
	f.records.insertErr = errors.New("record store unavailable")

	err := f.coordinator.Delete(context.Background(), id, "alice", "")
	assertCode(t, err, apperrors.CodeInconsistentState)
}

func TestCredentialFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture()
	f.credentials.err = errors.New("credential store down")

	id, err := f.coordinator.Create(context.Background(), "alice", json.RawMessage(`{}`), []byte("resilient"), "token:alice:j4")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatal("expected identifier despite credential failure")
	}
}
