// Package pdgcpstoragestore implements pdstore's `SlotStore` interface for
// GCP's storage service. A slot is a "directory" of objects named
// `<slot key>/<entry name>` that should only ever contain one object.
//
// Retention is enforced by passdrop itself, but it's a good idea to also put a
// "delete" lifecycle rule on the bucket that removes objects a little after
// the retention window as a backstop for slots nobody ever looks at again.
package pdgcpstoragestore

import (
	"context"
	"errors"
	"io"
	"reflect"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/brandur/passdrop/internal/pdkey"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/util/lockutil"
)

const delimiter = "/"

type GCPStorageStore struct {
	bucket        string
	locks         *lockutil.Striped
	logger        *logrus.Logger
	name          string
	storageClient *storage.Client

	// All for purposes of testability.
	storageDeleter func(ctx context.Context, bucket, object string) error
	storageLister  func(ctx context.Context, bucket string, query *storage.Query) ([]*storage.ObjectAttrs, error)
	storageReader  func(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	storageWriter  func(ctx context.Context, bucket, object string) io.WriteCloser
}

// NewGCPStorageStore initializes a store against the given bucket. If
// serviceAccountJSON is empty, application default credentials are used.
func NewGCPStorageStore(ctx context.Context, logger *logrus.Logger, serviceAccountJSON, bucket string) (*GCPStorageStore, error) { //nolint:lll
	var opts []option.ClientOption
	if serviceAccountJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("error initializing storage client: %w", err)
	}
	storageClient.SetRetry(
		storage.WithBackoff(gax.Backoff{
			Initial: 1 * time.Second,
			Max:     5 * time.Second,
		}),
		// Always retries, even for non-idempotent operations. Every write
		// replaces a whole object so repeating one is harmless.
		storage.WithPolicy(storage.RetryAlways),
	)

	store := newGCPStorageStore(logger, bucket)
	store.storageClient = storageClient
	store.storageDeleter = func(ctx context.Context, bucket, object string) error {
		return storageClient.Bucket(bucket).Object(object).Delete(ctx) //nolint:wrapcheck
	}
	store.storageLister = func(ctx context.Context, bucket string, query *storage.Query) ([]*storage.ObjectAttrs, error) {
		var (
			allAttrs []*storage.ObjectAttrs
			it       = storageClient.Bucket(bucket).Objects(ctx, query)
		)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return allAttrs, nil
			}
			if err != nil {
				return nil, err //nolint:wrapcheck
			}
			allAttrs = append(allAttrs, attrs)
		}
	}
	store.storageReader = func(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
		return storageClient.Bucket(bucket).Object(object).NewReader(ctx) //nolint:wrapcheck
	}
	store.storageWriter = func(ctx context.Context, bucket, object string) io.WriteCloser {
		return storageClient.Bucket(bucket).Object(object).NewWriter(ctx)
	}

	return store, nil
}

// Shared by the real constructor and tests, which inject their own storage
// functions.
func newGCPStorageStore(logger *logrus.Logger, bucket string) *GCPStorageStore {
	return &GCPStorageStore{
		bucket: bucket,
		locks:  lockutil.NewStriped(lockutil.DefaultStripes),
		logger: logger,
		name:   reflect.TypeOf(GCPStorageStore{}).Name(),
	}
}

// Close releases the underlying storage client.
func (s *GCPStorageStore) Close() error {
	if s.storageClient == nil {
		return nil
	}
	return s.storageClient.Close() //nolint:wrapcheck
}

func (s *GCPStorageStore) Keys(ctx context.Context) ([]string, error) {
	allAttrs, err := s.storageLister(ctx, s.bucket, &storage.Query{Delimiter: delimiter})
	if err != nil {
		return nil, xerrors.Errorf("error listing bucket %q: %w", s.bucket, err)
	}

	var keys []string
	for _, attrs := range allAttrs {
		key := strings.TrimSuffix(attrs.Prefix, delimiter)
		if attrs.Prefix != "" && pdkey.IsKey(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *GCPStorageStore) Resolve(ctx context.Context, key string) (*pdstore.Entry, error) {
	if err := pdkey.Check(key); err != nil {
		return nil, err
	}

	lock := s.locks.For(key)
	lock.RLock()
	defer lock.RUnlock()

	return s.resolve(ctx, key)
}

func (s *GCPStorageStore) Open(ctx context.Context, key string) (io.ReadCloser, *pdstore.Entry, error) {
	if err := pdkey.Check(key); err != nil {
		return nil, nil, err
	}

	lock := s.locks.For(key)
	lock.RLock()
	defer lock.RUnlock()

	entry, err := s.resolve(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	reader, err := s.storageReader(ctx, s.bucket, objectName(key, entry.Name))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, nil, pdstore.ErrNotFound
		}
		return nil, nil, pdstore.NewIOError("open", key, err)
	}

	return reader, entry, nil
}

func (s *GCPStorageStore) Write(ctx context.Context, key string, item *pdstore.Item) error {
	if err := pdkey.Check(key); err != nil {
		return err
	}

	if item.Name == "" || strings.Contains(item.Name, delimiter) {
		return xerrors.Errorf("name %q not usable as an object name: %w", item.Name, pdstore.ErrInvalidItem)
	}

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	// Cancelling the context before closing a storage writer aborts the upload
	// instead of committing whatever was written so far.
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.storageWriter(writeCtx, s.bucket, objectName(key, item.Name))
	if _, err := writer.Write(item.Data); err != nil {
		cancel()
		_ = writer.Close()
		return pdstore.NewIOError("write", key, err)
	}

	if err := writer.Close(); err != nil {
		return pdstore.NewIOError("write", key, err)
	}

	allAttrs, err := s.list(ctx, key, true)
	if err != nil {
		return pdstore.NewIOError("write", key, err)
	}
	for _, attrs := range allAttrs {
		if attrs.Name == objectName(key, item.Name) {
			continue
		}
		if err := s.delete(ctx, attrs.Name); err != nil {
			return pdstore.NewIOError("write", key, err)
		}
	}

	return nil
}

func (s *GCPStorageStore) Delete(ctx context.Context, key string) error {
	if err := pdkey.Check(key); err != nil {
		return err
	}

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	allAttrs, err := s.list(ctx, key, true)
	if err != nil {
		return pdstore.NewIOError("delete", key, err)
	}

	for _, attrs := range allAttrs {
		if err := s.delete(ctx, attrs.Name); err != nil {
			return pdstore.NewIOError("delete", key, err)
		}
	}

	if len(allAttrs) > 0 {
		s.logger.Debugf(s.name+": Deleted slot %q (%d object(s))", key, len(allAttrs))
	}
	return nil
}

// Deletes an object, treating one that's already gone as success.
func (s *GCPStorageStore) delete(ctx context.Context, object string) error {
	if err := s.storageDeleter(ctx, s.bucket, object); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

// Lists objects in a slot in name order. When recursive is false, anything
// nested further down is left out.
func (s *GCPStorageStore) list(ctx context.Context, key string, recursive bool) ([]*storage.ObjectAttrs, error) {
	query := &storage.Query{Prefix: key + delimiter}
	if !recursive {
		query.Delimiter = delimiter
	}

	allAttrs, err := s.storageLister(ctx, s.bucket, query)
	if err != nil {
		return nil, err
	}

	objects := make([]*storage.ObjectAttrs, 0, len(allAttrs))
	for _, attrs := range allAttrs {
		// Synthetic "directory" entries produced by the delimiter.
		if attrs.Prefix != "" {
			continue
		}
		objects = append(objects, attrs)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Name < objects[j].Name })
	return objects, nil
}

func (s *GCPStorageStore) resolve(ctx context.Context, key string) (*pdstore.Entry, error) {
	objects, err := s.list(ctx, key, false)
	if err != nil {
		return nil, pdstore.NewIOError("resolve", key, err)
	}

	if len(objects) < 1 {
		return nil, pdstore.ErrNotFound
	}

	attrs := objects[0]
	name := strings.TrimPrefix(attrs.Name, key+delimiter)
	return &pdstore.Entry{
		Kind:      pdstore.KindFromName(name),
		Name:      name,
		Size:      attrs.Size,
		CreatedAt: attrs.Updated,
	}, nil
}

func objectName(key, name string) string {
	return key + delimiter + name
}
