package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
	"github.com/prn-tf/tierkeeper/internal/event"
)

// =============================================================================
// In-Memory Repository Fakes
// =============================================================================

type fakeFileReferenceRepository struct {
	mu     sync.Mutex
	refs   []*domain.FileReference
	nextID int64
}

func newFakeFileReferenceRepository() *fakeFileReferenceRepository {
	return &fakeFileReferenceRepository{nextID: 1}
}

func (f *fakeFileReferenceRepository) Create(ctx context.Context, ref *domain.FileReference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.refs {
		if r.MetaInfo.Checksum == ref.MetaInfo.Checksum && r.Location.Storage == ref.Location.Storage {
			return domain.ErrFileReferenceAlreadyExists
		}
	}
	ref.ID = f.nextID
	f.nextID++
	f.refs = append(f.refs, ref)
	return nil
}

func (f *fakeFileReferenceRepository) GetByChecksum(ctx context.Context, checksum string) ([]*domain.FileReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FileReference
	for _, r := range f.refs {
		if r.MetaInfo.Checksum == checksum {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeFileReferenceRepository) GetByStorageAndChecksum(ctx context.Context, storage, checksum string) (*domain.FileReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.refs {
		if r.MetaInfo.Checksum == checksum && r.Location.Storage == storage {
			return r, nil
		}
	}
	return nil, domain.ErrFileReferenceNotFound
}

func (f *fakeFileReferenceRepository) Search(ctx context.Context, checksums []string) ([]*domain.FileReference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(checksums))
	for _, c := range checksums {
		want[c] = true
	}
	var out []*domain.FileReference
	for _, r := range f.refs {
		if want[r.MetaInfo.Checksum] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeFileReferenceRepository) Update(ctx context.Context, ref *domain.FileReference) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.refs {
		if r.ID == ref.ID {
			f.refs[i] = ref
			return nil
		}
	}
	return domain.ErrFileReferenceNotFound
}

func (f *fakeFileReferenceRepository) SetNearlineConfirmed(ctx context.Context, storage, checksum string, confirmed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.refs {
		if r.MetaInfo.Checksum == checksum && r.Location.Storage == storage {
			r.NearlineConfirmed = confirmed
			return nil
		}
	}
	return domain.ErrFileReferenceNotFound
}

func (f *fakeFileReferenceRepository) SetPendingActionRemaining(ctx context.Context, storedURL string, remaining bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.refs {
		if r.Location.URL == storedURL {
			r.Location.PendingActionRemaining = remaining
			return nil
		}
	}
	return domain.ErrFileReferenceNotFound
}

func (f *fakeFileReferenceRepository) ClearPendingActionsByStorage(ctx context.Context, storage string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cleared int64
	for _, r := range f.refs {
		if r.Location.Storage == storage && r.Location.PendingActionRemaining {
			r.Location.PendingActionRemaining = false
			cleared++
		}
	}
	return cleared, nil
}

func (f *fakeFileReferenceRepository) CountPendingActions(ctx context.Context, storage string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, r := range f.refs {
		if r.Location.Storage == storage && r.Location.PendingActionRemaining {
			count++
		}
	}
	return count, nil
}

func (f *fakeFileReferenceRepository) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.refs {
		if r.ID == id {
			f.refs = append(f.refs[:i], f.refs[i+1:]...)
			return nil
		}
	}
	return domain.ErrFileReferenceNotFound
}

type fakeCacheFileRepository struct {
	mu     sync.Mutex
	files  map[string]*domain.CacheFile
	nextID int64
}

func newFakeCacheFileRepository() *fakeCacheFileRepository {
	return &fakeCacheFileRepository{files: make(map[string]*domain.CacheFile), nextID: 1}
}

func (f *fakeCacheFileRepository) Save(ctx context.Context, file *domain.CacheFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.files[file.Checksum]; ok {
		file.ID = existing.ID
	} else {
		file.ID = f.nextID
		f.nextID++
	}
	f.files[file.Checksum] = file
	return nil
}

func (f *fakeCacheFileRepository) GetByChecksum(ctx context.Context, checksum string) (*domain.CacheFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if file, ok := f.files[checksum]; ok {
		return file, nil
	}
	return nil, domain.ErrCacheFileNotFound
}

func (f *fakeCacheFileRepository) FindByChecksums(ctx context.Context, checksums []string) ([]*domain.CacheFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.CacheFile
	for _, c := range checksums {
		if file, ok := f.files[c]; ok {
			out = append(out, file)
		}
	}
	return out, nil
}

func (f *fakeCacheFileRepository) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.CacheFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.CacheFile
	for _, file := range f.files {
		if file.IsExpired(now) {
			out = append(out, file)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeCacheFileRepository) List(ctx context.Context, afterID int64, limit int) ([]*domain.CacheFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.CacheFile
	for _, file := range f.files {
		if file.ID > afterID {
			out = append(out, file)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeCacheFileRepository) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for checksum, file := range f.files {
		if file.ID == id {
			delete(f.files, checksum)
			return nil
		}
	}
	return domain.ErrCacheFileNotFound
}

func (f *fakeCacheFileRepository) DeleteByChecksum(ctx context.Context, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, checksum)
	return nil
}

func (f *fakeCacheFileRepository) TotalSize(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, file := range f.files {
		if file.Type == domain.CacheFileInternal {
			total += file.Size
		}
	}
	return total, nil
}

func (f *fakeCacheFileRepository) Count(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.files)), nil
}

type fakeStorageLocationRepository struct {
	mu    sync.Mutex
	confs map[string]*domain.StorageLocationConfiguration
}

func newFakeStorageLocationRepository(confs ...*domain.StorageLocationConfiguration) *fakeStorageLocationRepository {
	f := &fakeStorageLocationRepository{confs: make(map[string]*domain.StorageLocationConfiguration)}
	for i, conf := range confs {
		conf.ID = int64(i + 1)
		f.confs[conf.Name] = conf
	}
	return f
}

func (f *fakeStorageLocationRepository) Create(ctx context.Context, conf *domain.StorageLocationConfiguration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.confs[conf.Name]; ok {
		return domain.ErrStorageLocationAlreadyExists
	}
	conf.ID = int64(len(f.confs) + 1)
	f.confs[conf.Name] = conf
	return nil
}

func (f *fakeStorageLocationRepository) GetByName(ctx context.Context, name string) (*domain.StorageLocationConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if conf, ok := f.confs[name]; ok {
		return conf, nil
	}
	return nil, domain.ErrStorageLocationNotFound
}

func (f *fakeStorageLocationRepository) FindByNames(ctx context.Context, names []string) ([]*domain.StorageLocationConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.StorageLocationConfiguration
	for _, name := range names {
		if conf, ok := f.confs[name]; ok {
			out = append(out, conf)
		}
	}
	return out, nil
}

func (f *fakeStorageLocationRepository) List(ctx context.Context) ([]*domain.StorageLocationConfiguration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.StorageLocationConfiguration
	for _, conf := range f.confs {
		out = append(out, conf)
	}
	return out, nil
}

func (f *fakeStorageLocationRepository) Update(ctx context.Context, conf *domain.StorageLocationConfiguration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.confs[conf.Name]; !ok {
		return domain.ErrStorageLocationNotFound
	}
	f.confs[conf.Name] = conf
	return nil
}

func (f *fakeStorageLocationRepository) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.confs[name]; !ok {
		return domain.ErrStorageLocationNotFound
	}
	delete(f.confs, name)
	return nil
}

type fakeStorageRequestRepository struct {
	mu     sync.Mutex
	reqs   []*domain.FileStorageRequest
	nextID int64
}

func newFakeStorageRequestRepository() *fakeStorageRequestRepository {
	return &fakeStorageRequestRepository{nextID: 1}
}

func (f *fakeStorageRequestRepository) Create(ctx context.Context, req *domain.FileStorageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.ID = f.nextID
	f.nextID++
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeStorageRequestRepository) FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileStorageRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FileStorageRequest
	for _, r := range f.reqs {
		if r.Storage == storage && r.Status == status {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStorageRequestRepository) Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.reqs {
		if r.Status == status && !seen[r.Storage] {
			seen[r.Storage] = true
			out = append(out, r.Storage)
		}
	}
	return out, nil
}

func (f *fakeStorageRequestRepository) UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.ID == id {
			r.Status = status
			r.JobID = jobID
			r.ErrorCause = errorCause
			return nil
		}
	}
	return domain.ErrRequestNotFound
}

func (f *fakeStorageRequestRepository) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.reqs {
		if r.ID == id {
			f.reqs = append(f.reqs[:i], f.reqs[i+1:]...)
			return nil
		}
	}
	return domain.ErrRequestNotFound
}

func (f *fakeStorageRequestRepository) byID(id int64) *domain.FileStorageRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.ID == id {
			return r
		}
	}
	return nil
}

type fakeDeletionRequestRepository struct {
	mu     sync.Mutex
	reqs   []*domain.FileDeletionRequest
	nextID int64
}

func newFakeDeletionRequestRepository() *fakeDeletionRequestRepository {
	return &fakeDeletionRequestRepository{nextID: 1}
}

func (f *fakeDeletionRequestRepository) Create(ctx context.Context, req *domain.FileDeletionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	req.ID = f.nextID
	f.nextID++
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeDeletionRequestRepository) FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileDeletionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FileDeletionRequest
	for _, r := range f.reqs {
		if r.Storage == storage && r.Status == status {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDeletionRequestRepository) Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.reqs {
		if r.Status == status && !seen[r.Storage] {
			seen[r.Storage] = true
			out = append(out, r.Storage)
		}
	}
	return out, nil
}

func (f *fakeDeletionRequestRepository) UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.ID == id {
			r.Status = status
			r.JobID = jobID
			r.ErrorCause = errorCause
			return nil
		}
	}
	return domain.ErrRequestNotFound
}

func (f *fakeDeletionRequestRepository) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.reqs {
		if r.ID == id {
			f.reqs = append(f.reqs[:i], f.reqs[i+1:]...)
			return nil
		}
	}
	return domain.ErrRequestNotFound
}

type fakeCacheRequestRepository struct {
	mu     sync.Mutex
	reqs   []*domain.FileCacheRequest
	nextID int64
}

func newFakeCacheRequestRepository() *fakeCacheRequestRepository {
	return &fakeCacheRequestRepository{nextID: 1}
}

func (f *fakeCacheRequestRepository) Create(ctx context.Context, req *domain.FileCacheRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.Checksum() == req.Checksum() {
			return domain.ErrFileReferenceAlreadyExists
		}
	}
	req.ID = f.nextID
	f.nextID++
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeCacheRequestRepository) GetByChecksum(ctx context.Context, checksum string) (*domain.FileCacheRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.Checksum() == checksum {
			return r, nil
		}
	}
	return nil, domain.ErrRequestNotFound
}

func (f *fakeCacheRequestRepository) FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileCacheRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FileCacheRequest
	for _, r := range f.reqs {
		if r.Storage == storage && r.Status == status {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeCacheRequestRepository) Storages(ctx context.Context, status domain.FileRequestStatus) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.reqs {
		if r.Status == status && !seen[r.Storage] {
			seen[r.Storage] = true
			out = append(out, r.Storage)
		}
	}
	return out, nil
}

func (f *fakeCacheRequestRepository) UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, jobID, errorCause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.ID == id {
			r.Status = status
			r.JobID = jobID
			r.ErrorCause = errorCause
			return nil
		}
	}
	return domain.ErrRequestNotFound
}

func (f *fakeCacheRequestRepository) PendingSize(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var total int64
	for _, r := range f.reqs {
		if r.Status != domain.RequestStatusError {
			total += r.FileSize()
		}
	}
	return total, nil
}

func (f *fakeCacheRequestRepository) CountActiveByGroup(ctx context.Context, groupID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int64
	for _, r := range f.reqs {
		if r.GroupID == groupID && r.Status != domain.RequestStatusError {
			count++
		}
	}
	return count, nil
}

func (f *fakeCacheRequestRepository) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.reqs {
		if r.ID == id {
			f.reqs = append(f.reqs[:i], f.reqs[i+1:]...)
			return nil
		}
	}
	return domain.ErrRequestNotFound
}

type fakeCopyRequestRepository struct {
	mu     sync.Mutex
	reqs   []*domain.FileCopyRequest
	nextID int64
}

func newFakeCopyRequestRepository() *fakeCopyRequestRepository {
	return &fakeCopyRequestRepository{nextID: 1}
}

func (f *fakeCopyRequestRepository) Create(ctx context.Context, req *domain.FileCopyRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.Checksum() == req.Checksum() && r.DestinationStorage == req.DestinationStorage {
			return domain.ErrFileReferenceAlreadyExists
		}
	}
	req.ID = f.nextID
	f.nextID++
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeCopyRequestRepository) FindByStatus(ctx context.Context, status domain.FileRequestStatus, limit int) ([]*domain.FileCopyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FileCopyRequest
	for _, r := range f.reqs {
		if r.Status == status {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeCopyRequestRepository) FindByStorageAndStatus(ctx context.Context, storage string, status domain.FileRequestStatus, limit int) ([]*domain.FileCopyRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.FileCopyRequest
	for _, r := range f.reqs {
		if r.DestinationStorage == storage && r.Status == status {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeCopyRequestRepository) UpdateStatus(ctx context.Context, id int64, status domain.FileRequestStatus, errorCause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.ID == id {
			r.Status = status
			r.ErrorCause = errorCause
			return nil
		}
	}
	return domain.ErrRequestNotFound
}

func (f *fakeCopyRequestRepository) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.reqs {
		if r.ID == id {
			f.reqs = append(f.reqs[:i], f.reqs[i+1:]...)
			return nil
		}
	}
	return domain.ErrRequestNotFound
}

func (f *fakeCopyRequestRepository) byChecksum(checksum string) *domain.FileCopyRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reqs {
		if r.Checksum() == checksum {
			return r
		}
	}
	return nil
}

// =============================================================================
// Event and Backend Fakes
// =============================================================================

type fakePublisher struct {
	mu          sync.Mutex
	fileEvents  []event.FileEvent
	groupEvents []event.GroupEvent
}

func (f *fakePublisher) PublishFileEvent(ctx context.Context, e event.FileEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileEvents = append(f.fileEvents, e)
	return nil
}

func (f *fakePublisher) PublishGroupEvent(ctx context.Context, e event.GroupEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groupEvents = append(f.groupEvents, e)
	return nil
}

func (f *fakePublisher) groupEventsOfType(t event.GroupEventType) []event.GroupEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.GroupEvent
	for _, e := range f.groupEvents {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakePublisher) eventsOfType(t event.FileEventType) []event.FileEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.FileEvent
	for _, e := range f.fileEvents {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// fakeBackend implements backend.Backend with overridable behavior per method.
// Unset methods answer with a single working subset holding all requests, or
// ErrNotSupported for capability methods.
type fakeBackend struct {
	storeFn             func(ctx context.Context, subset backend.StorageWorkingSubset, progress backend.StorageProgress) error
	deleteFn            func(ctx context.Context, subset backend.DeletionWorkingSubset, progress backend.DeletionProgress) error
	retrieveFn          func(ctx context.Context, subset backend.RestorationWorkingSubset, progress backend.RestorationProgress) error
	prepareStorageFn    func(requests []*domain.FileStorageRequest) (backend.PreparationResponse[backend.StorageWorkingSubset, *domain.FileStorageRequest], error)
	checkAvailabilityFn func(ctx context.Context, ref *domain.FileReference) (backend.Availability, error)
	downloadFn          func(ctx context.Context, ref *domain.FileReference) (io.ReadCloser, error)
	periodicFn          func(ctx context.Context, progress backend.PendingActionProgress) error
}

func (b *fakeBackend) PrepareForStorage(ctx context.Context, requests []*domain.FileStorageRequest) (backend.PreparationResponse[backend.StorageWorkingSubset, *domain.FileStorageRequest], error) {
	if b.prepareStorageFn != nil {
		return b.prepareStorageFn(requests)
	}
	return backend.NewPreparationResponse[backend.StorageWorkingSubset, *domain.FileStorageRequest](
		[]backend.StorageWorkingSubset{{Requests: requests}}, nil), nil
}

func (b *fakeBackend) PrepareForDeletion(ctx context.Context, requests []*domain.FileDeletionRequest) (backend.PreparationResponse[backend.DeletionWorkingSubset, *domain.FileDeletionRequest], error) {
	return backend.NewPreparationResponse[backend.DeletionWorkingSubset, *domain.FileDeletionRequest](
		[]backend.DeletionWorkingSubset{{Requests: requests}}, nil), nil
}

func (b *fakeBackend) PrepareForRestoration(ctx context.Context, requests []*domain.FileCacheRequest) (backend.PreparationResponse[backend.RestorationWorkingSubset, *domain.FileCacheRequest], error) {
	return backend.NewPreparationResponse[backend.RestorationWorkingSubset, *domain.FileCacheRequest](
		[]backend.RestorationWorkingSubset{{Requests: requests}}, nil), nil
}

func (b *fakeBackend) Store(ctx context.Context, subset backend.StorageWorkingSubset, progress backend.StorageProgress) error {
	if b.storeFn != nil {
		return b.storeFn(ctx, subset, progress)
	}
	for _, req := range subset.Requests {
		progress.Succeed(req, "fake://"+req.MetaInfo.Checksum, req.MetaInfo.Size)
	}
	return nil
}

func (b *fakeBackend) Delete(ctx context.Context, subset backend.DeletionWorkingSubset, progress backend.DeletionProgress) error {
	if b.deleteFn != nil {
		return b.deleteFn(ctx, subset, progress)
	}
	for _, req := range subset.Requests {
		progress.Succeed(req)
	}
	return nil
}

func (b *fakeBackend) Retrieve(ctx context.Context, subset backend.RestorationWorkingSubset, progress backend.RestorationProgress) error {
	if b.retrieveFn != nil {
		return b.retrieveFn(ctx, subset, progress)
	}
	for _, req := range subset.Requests {
		progress.Succeed(req, req.DestinationPath+"/"+req.Checksum(), req.FileSize())
	}
	return nil
}

func (b *fakeBackend) CheckAvailability(ctx context.Context, ref *domain.FileReference) (backend.Availability, error) {
	if b.checkAvailabilityFn != nil {
		return b.checkAvailabilityFn(ctx, ref)
	}
	return backend.Availability{}, backend.ErrNotSupported
}

func (b *fakeBackend) Download(ctx context.Context, ref *domain.FileReference) (io.ReadCloser, error) {
	if b.downloadFn != nil {
		return b.downloadFn(ctx, ref)
	}
	return nil, backend.ErrNotSupported
}

func (b *fakeBackend) RunPeriodicAction(ctx context.Context, progress backend.PendingActionProgress) error {
	if b.periodicFn != nil {
		return b.periodicFn(ctx, progress)
	}
	return nil
}

func (b *fakeBackend) ValidateURL(rawURL string) error { return nil }

func (b *fakeBackend) AllowsPhysicalDeletion() bool { return true }
