// Package s3tier provides a nearline storage backend on S3-compatible object
// stores with archive tier semantics (Glacier style). Files stored here may
// require an explicit restore step before they can be downloaded.
package s3tier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/go-playground/validator/v10"

	"github.com/prn-tf/tierkeeper/internal/backend"
	"github.com/prn-tf/tierkeeper/internal/domain"
)

// BackendType is the registry identifier of this backend.
const BackendType = "s3tier"

const (
	defaultSubsetSize   = 100
	defaultRestoreDays  = 1
	defaultPollInterval = 30 * time.Second
)

// Client is the subset of the S3 API this backend relies on. Satisfied by
// *s3.Client; narrowed for testability.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error)
}

// Config holds the parameters of an s3tier storage location.
type Config struct {
	Bucket    string `validate:"required"`
	Region    string `validate:"required"`
	Endpoint  string
	AccessKey string
	SecretKey string

	// KeyPrefix namespaces every object key stored by this location.
	KeyPrefix string

	// StorageClass is the class objects are stored with. An archive class
	// (GLACIER, DEEP_ARCHIVE) makes the tier transition asynchronous: stores
	// are reported as succeeded with a pending action until the transition is
	// confirmed.
	StorageClass string `validate:"required"`

	// RestoreDays is how long restored copies stay in the fast tier.
	RestoreDays int `validate:"gte=1"`

	// RestoreTier is the S3 restore tier (Standard, Bulk, Expedited).
	RestoreTier string

	// RestorePollInterval is how often Retrieve polls for restore completion.
	RestorePollInterval time.Duration

	SubsetSize int `validate:"gte=0"`
}

// ParseConfig builds and validates a Config from raw location parameters.
// Pure function: no network access, no side effects.
func ParseConfig(params map[string]string) (Config, error) {
	cfg := Config{
		Bucket:              params["bucket"],
		Region:              params["region"],
		Endpoint:            params["endpoint"],
		AccessKey:           params["access_key"],
		SecretKey:           params["secret_key"],
		KeyPrefix:           params["key_prefix"],
		StorageClass:        params["storage_class"],
		RestoreTier:         params["restore_tier"],
		RestoreDays:         defaultRestoreDays,
		RestorePollInterval: defaultPollInterval,
		SubsetSize:          defaultSubsetSize,
	}
	if cfg.StorageClass == "" {
		cfg.StorageClass = string(types.StorageClassGlacier)
	}
	if cfg.RestoreTier == "" {
		cfg.RestoreTier = string(types.TierStandard)
	}
	if v, ok := params["restore_days"]; ok {
		days, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid restore_days %q: %w", v, err)
		}
		cfg.RestoreDays = days
	}
	if v, ok := params["restore_poll_interval"]; ok {
		interval, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid restore_poll_interval %q: %w", v, err)
		}
		cfg.RestorePollInterval = interval
	}
	if v, ok := params["subset_size"]; ok {
		size, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid subset_size %q: %w", v, err)
		}
		cfg.SubsetSize = size
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid s3tier backend configuration: %w", err)
	}
	return cfg, nil
}

// Factory builds an s3tier backend from a storage location configuration.
func Factory(conf *domain.StorageLocationConfiguration) (backend.Backend, error) {
	cfg, err := ParseConfig(conf.Parameters)
	if err != nil {
		return nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg, client), nil
}

func newClient(cfg Config) (Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws configuration: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Tier is a nearline backend on an S3-compatible object store.
type S3Tier struct {
	cfg    Config
	client Client

	// pendingKeys tracks object keys reported as succeeded-with-pending-action,
	// checked again by RunPeriodicAction.
	// TODO: persist pending keys so a process restart does not orphan them.
	mu          sync.Mutex
	pendingKeys map[string]string // key -> stored URL
}

// New creates an S3Tier backend over the given client.
func New(cfg Config, client Client) *S3Tier {
	if cfg.SubsetSize <= 0 {
		cfg.SubsetSize = defaultSubsetSize
	}
	return &S3Tier{cfg: cfg, client: client, pendingKeys: make(map[string]string)}
}

// archiveClass reports whether the configured storage class needs a restore
// step before download.
func (b *S3Tier) archiveClass() bool {
	switch types.StorageClass(b.cfg.StorageClass) {
	case types.StorageClassGlacier, types.StorageClassDeepArchive, types.StorageClassGlacierIr:
		return true
	default:
		return false
	}
}

// objectKey computes the object key for a checksum, sharded like the local
// backend layout.
func (b *S3Tier) objectKey(subDirectory, sum string) string {
	parts := []string{b.cfg.KeyPrefix, subDirectory}
	if len(sum) >= 4 {
		parts = append(parts, sum[0:2], sum[2:4])
	}
	parts = append(parts, sum)
	return path.Join(parts...)
}

// storedURL renders the canonical URL of an object key.
func (b *S3Tier) storedURL(key string) string {
	return (&url.URL{Scheme: "s3", Host: b.cfg.Bucket, Path: "/" + key}).String()
}

// keyFromURL extracts the object key from a stored URL.
func (b *S3Tier) keyFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("malformed url %q: %w", rawURL, err)
	}
	if parsed.Scheme != "s3" || parsed.Host != b.cfg.Bucket {
		return "", fmt.Errorf("url %q does not belong to bucket %q", rawURL, b.cfg.Bucket)
	}
	return strings.TrimPrefix(parsed.Path, "/"), nil
}

// PrepareForStorage splits requests into fixed-size subsets, rejecting
// requests whose origin file is not locally readable.
func (b *S3Tier) PrepareForStorage(_ context.Context, requests []*domain.FileStorageRequest) (backend.PreparationResponse[backend.StorageWorkingSubset, *domain.FileStorageRequest], error) {
	response := backend.NewPreparationResponse[backend.StorageWorkingSubset, *domain.FileStorageRequest](nil, nil)
	var accepted []*domain.FileStorageRequest
	for _, request := range requests {
		if _, err := originPath(request.OriginURL); err != nil {
			response.Reject(request, "unreadable origin url %q: %v", request.OriginURL, err)
			continue
		}
		accepted = append(accepted, request)
	}
	for start := 0; start < len(accepted); start += b.cfg.SubsetSize {
		end := min(start+b.cfg.SubsetSize, len(accepted))
		response.WorkingSubsets = append(response.WorkingSubsets, backend.StorageWorkingSubset{Requests: accepted[start:end]})
	}
	return response, nil
}

// PrepareForDeletion splits requests into fixed-size subsets.
func (b *S3Tier) PrepareForDeletion(_ context.Context, requests []*domain.FileDeletionRequest) (backend.PreparationResponse[backend.DeletionWorkingSubset, *domain.FileDeletionRequest], error) {
	response := backend.NewPreparationResponse[backend.DeletionWorkingSubset, *domain.FileDeletionRequest](nil, nil)
	for start := 0; start < len(requests); start += b.cfg.SubsetSize {
		end := min(start+b.cfg.SubsetSize, len(requests))
		response.WorkingSubsets = append(response.WorkingSubsets, backend.DeletionWorkingSubset{Requests: requests[start:end]})
	}
	return response, nil
}

// PrepareForRestoration splits requests into fixed-size subsets, rejecting
// requests whose stored URL does not belong to this bucket.
func (b *S3Tier) PrepareForRestoration(_ context.Context, requests []*domain.FileCacheRequest) (backend.PreparationResponse[backend.RestorationWorkingSubset, *domain.FileCacheRequest], error) {
	response := backend.NewPreparationResponse[backend.RestorationWorkingSubset, *domain.FileCacheRequest](nil, nil)
	var accepted []*domain.FileCacheRequest
	for _, request := range requests {
		if _, err := b.keyFromURL(request.FileReference.Location.URL); err != nil {
			response.Reject(request, "%v", err)
			continue
		}
		accepted = append(accepted, request)
	}
	for start := 0; start < len(accepted); start += b.cfg.SubsetSize {
		end := min(start+b.cfg.SubsetSize, len(accepted))
		response.WorkingSubsets = append(response.WorkingSubsets, backend.RestorationWorkingSubset{Requests: accepted[start:end]})
	}
	return response, nil
}

// Store uploads each request's origin file. With an archive storage class the
// transition to the archive tier happens asynchronously on the store's side,
// so successes are reported with a pending action and confirmed later by
// RunPeriodicAction.
func (b *S3Tier) Store(ctx context.Context, subset backend.StorageWorkingSubset, progress backend.StorageProgress) error {
	for _, request := range subset.Requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := b.objectKey(request.SubDirectory, request.MetaInfo.Checksum)
		size, err := b.putObject(ctx, key, request)
		if err != nil {
			progress.Failed(request, err.Error())
			continue
		}
		storedURL := b.storedURL(key)
		if b.archiveClass() {
			b.mu.Lock()
			b.pendingKeys[key] = storedURL
			b.mu.Unlock()
			progress.SucceedWithPendingAction(request, storedURL, size, false)
		} else {
			progress.Succeed(request, storedURL, size)
		}
	}
	return nil
}

func (b *S3Tier) putObject(ctx context.Context, key string, request *domain.FileStorageRequest) (int64, error) {
	origin, err := originPath(request.OriginURL)
	if err != nil {
		return 0, err
	}
	file, err := os.Open(origin)
	if err != nil {
		return 0, fmt.Errorf("failed to open origin file: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat origin file: %w", err)
	}
	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.cfg.Bucket),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(request.MetaInfo.MimeType),
		StorageClass:  types.StorageClass(b.cfg.StorageClass),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return info.Size(), nil
}

// Delete removes each request's object. A missing object counts as success.
func (b *S3Tier) Delete(ctx context.Context, subset backend.DeletionWorkingSubset, progress backend.DeletionProgress) error {
	for _, request := range subset.Requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		key, err := b.keyFromURL(request.FileReference.Location.URL)
		if err != nil {
			progress.Failed(request, err.Error())
			continue
		}
		if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(key),
		}); err != nil && !isNotFound(err) {
			progress.Failed(request, fmt.Sprintf("failed to delete object %s: %v", key, err))
			continue
		}
		progress.Succeed(request)
	}
	return nil
}

// Retrieve issues a restore for each request's object, waits for the restore
// to complete, then copies the bytes into the internal cache destination.
func (b *S3Tier) Retrieve(ctx context.Context, subset backend.RestorationWorkingSubset, progress backend.RestorationProgress) error {
	for _, request := range subset.Requests {
		if err := ctx.Err(); err != nil {
			return err
		}
		restoredPath, size, err := b.retrieveOne(ctx, request)
		if err != nil {
			progress.Failed(request, err.Error())
			continue
		}
		progress.Succeed(request, restoredPath, size)
	}
	return nil
}

func (b *S3Tier) retrieveOne(ctx context.Context, request *domain.FileCacheRequest) (string, int64, error) {
	key, err := b.keyFromURL(request.FileReference.Location.URL)
	if err != nil {
		return "", 0, err
	}
	if err := b.ensureRestored(ctx, key); err != nil {
		return "", 0, err
	}
	object, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch restored object %s: %w", key, err)
	}
	defer object.Body.Close()

	destination := path.Join(request.DestinationPath, request.Checksum())
	if err := os.MkdirAll(request.DestinationPath, 0o750); err != nil {
		return "", 0, fmt.Errorf("failed to create cache directory: %w", err)
	}
	target, err := os.Create(destination)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create cache file: %w", err)
	}
	size, err := io.Copy(target, object.Body)
	if cerr := target.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destination)
		return "", 0, fmt.Errorf("failed to copy restored object %s: %w", key, err)
	}
	return destination, size, nil
}

// ensureRestored triggers a restore if needed and polls until the fast tier
// holds the object or the context expires.
func (b *S3Tier) ensureRestored(ctx context.Context, key string) error {
	for {
		head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("failed to check restore status of %s: %w", key, err)
		}
		status := parseRestoreStatus(head)
		if status.retrievable {
			return nil
		}
		if !status.ongoing {
			_, err := b.client.RestoreObject(ctx, &s3.RestoreObjectInput{
				Bucket: aws.String(b.cfg.Bucket),
				Key:    aws.String(key),
				RestoreRequest: &types.RestoreRequest{
					Days: aws.Int32(int32(b.cfg.RestoreDays)),
					GlacierJobParameters: &types.GlacierJobParameters{
						Tier: types.Tier(b.cfg.RestoreTier),
					},
				},
			})
			if err != nil && !isRestoreAlreadyInProgress(err) {
				return fmt.Errorf("failed to request restore of %s: %w", key, err)
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("restore of %s did not complete in time: %w", key, ctx.Err())
		case <-time.After(b.cfg.RestorePollInterval):
		}
	}
}

// CheckAvailability queries the object's current tier. Objects in a
// non-archive class, or with a completed restore, are available.
func (b *S3Tier) CheckAvailability(ctx context.Context, ref *domain.FileReference) (backend.Availability, error) {
	key, err := b.keyFromURL(ref.Location.URL)
	if err != nil {
		return backend.Availability{}, err
	}
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return backend.Availability{}, fmt.Errorf("failed to check availability of %s: %w", key, err)
	}
	status := parseRestoreStatus(head)
	if status.retrievable {
		return backend.Availability{
			Available:      true,
			ExpirationDate: status.expiryDate,
			Message:        "object retrievable from fast tier",
		}, nil
	}
	message := "object archived, restoration required"
	if status.ongoing {
		message = "object restoration in progress"
	}
	return backend.Availability{Available: false, Message: message}, nil
}

// Download fetches the object straight from the fast tier. Archived objects
// without a completed restore fail with ErrNotAvailable.
func (b *S3Tier) Download(ctx context.Context, ref *domain.FileReference) (io.ReadCloser, error) {
	key, err := b.keyFromURL(ref.Location.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", backend.ErrDownload, err)
	}
	object, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var invalidState *types.InvalidObjectState
		if errors.As(err, &invalidState) || isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotAvailable, key)
		}
		return nil, fmt.Errorf("%w: %v", backend.ErrDownload, err)
	}
	return object.Body, nil
}

// RunPeriodicAction re-checks objects stored with a pending tier transition
// and promotes them once the transition is done.
func (b *S3Tier) RunPeriodicAction(ctx context.Context, progress backend.PendingActionProgress) error {
	b.mu.Lock()
	pending := make(map[string]string, len(b.pendingKeys))
	for key, storedURL := range b.pendingKeys {
		pending[key] = storedURL
	}
	b.mu.Unlock()

	for key, storedURL := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				progress.PendingActionError(storedURL, fmt.Sprintf("object %s disappeared before tier transition completed", key))
				b.forgetPending(key)
			}
			continue
		}
		// The transition is done once the object reports the target class.
		if string(head.StorageClass) == b.cfg.StorageClass {
			progress.PendingActionSucceed(storedURL)
			b.forgetPending(key)
		}
	}
	return nil
}

func (b *S3Tier) forgetPending(key string) {
	b.mu.Lock()
	delete(b.pendingKeys, key)
	b.mu.Unlock()
}

// ValidateURL checks that the URL addresses an object in this bucket.
func (b *S3Tier) ValidateURL(rawURL string) error {
	_, err := b.keyFromURL(rawURL)
	return err
}

// AllowsPhysicalDeletion reports that objects may always be deleted.
func (b *S3Tier) AllowsPhysicalDeletion() bool {
	return true
}

// restoreStatus is the decoded restore state of an object.
type restoreStatus struct {
	retrievable bool
	ongoing     bool
	expiryDate  time.Time
}

// parseRestoreStatus decodes availability from a HeadObject response.
// Non-archive classes are always retrievable. Archived objects expose a
// Restore header of the form:
//
//	ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"
func parseRestoreStatus(head *s3.HeadObjectOutput) restoreStatus {
	switch head.StorageClass {
	case types.StorageClassGlacier, types.StorageClassDeepArchive:
	case types.StorageClassGlacierIr:
		// Instant retrieval class: readable without a restore step.
		return restoreStatus{retrievable: true}
	default:
		return restoreStatus{retrievable: true}
	}
	if head.Restore == nil {
		return restoreStatus{}
	}
	restore := *head.Restore
	if strings.Contains(restore, `ongoing-request="true"`) {
		return restoreStatus{ongoing: true}
	}
	if !strings.Contains(restore, `ongoing-request="false"`) {
		return restoreStatus{}
	}
	status := restoreStatus{retrievable: true}
	if idx := strings.Index(restore, `expiry-date="`); idx >= 0 {
		raw := restore[idx+len(`expiry-date="`):]
		if end := strings.Index(raw, `"`); end > 0 {
			if expiry, err := time.Parse(time.RFC1123, raw[:end]); err == nil {
				status.expiryDate = expiry
			}
		}
	}
	return status
}

// isNotFound reports whether the error is a missing-object error.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// isRestoreAlreadyInProgress reports whether a RestoreObject call raced with
// an ongoing restore.
func isRestoreAlreadyInProgress(err error) bool {
	return strings.Contains(err.Error(), "RestoreAlreadyInProgress")
}

// originPath converts a file URL or plain path into a filesystem path.
func originPath(rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty url")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("malformed url %q: %w", rawURL, err)
	}
	switch parsed.Scheme {
	case "", "file":
		if parsed.Path != "" {
			return parsed.Path, nil
		}
		return parsed.Opaque, nil
	default:
		return "", fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
}
