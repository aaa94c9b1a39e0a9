// Package pds3store implements pdstore's `SlotStore` interface for S3 and
// S3-compatible services like MinIO. Objects are laid out the same way as in
// pdgcpstoragestore: `<prefix><slot key>/<entry name>`, one object per slot.
package pds3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"reflect"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/passdrop/internal/pdkey"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/util/lockutil"
)

const delimiter = "/"

// S3API is the subset of *s3.Client used by the store.
type S3API interface {
	s3.ListObjectsV2APIClient
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Config configures a connection to S3.
type Config struct {
	Bucket string

	// Endpoint overrides the service's endpoint, for use with S3-compatible
	// services. When set, path-style addressing is used.
	Endpoint string

	// Prefix is prepended to every object name so that a bucket can be shared.
	// It should normally end with a slash.
	Prefix string

	Region string

	// Static credentials. When left empty, the default AWS credential chain is
	// used instead.
	AccessKeyID     string
	SecretAccessKey string
}

type S3Store struct {
	bucket string
	client S3API
	locks  *lockutil.Striped
	logger *logrus.Logger
	name   string
	prefix string
}

// NewS3Store builds a client from the given configuration and returns a store
// that uses it.
func NewS3Store(ctx context.Context, logger *logrus.Logger, conf *Config) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error
	if conf.Region != "" {
		opts = append(opts, config.WithRegion(conf.Region))
	}
	if conf.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AccessKeyID, conf.SecretAccessKey, ""),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("error loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithClient(logger, client, conf.Bucket, conf.Prefix), nil
}

// NewS3StoreWithClient returns a store that uses an existing client.
func NewS3StoreWithClient(logger *logrus.Logger, client S3API, bucket, prefix string) *S3Store {
	return &S3Store{
		bucket: bucket,
		client: client,
		locks:  lockutil.NewStriped(lockutil.DefaultStripes),
		logger: logger,
		name:   reflect.TypeOf(S3Store{}).Name(),
		prefix: prefix,
	}
}

func (s *S3Store) Keys(ctx context.Context) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String(delimiter),
		Prefix:    aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Errorf("error listing bucket %q: %w", s.bucket, err)
		}

		for _, commonPrefix := range page.CommonPrefixes {
			key := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(commonPrefix.Prefix), s.prefix), delimiter)
			if pdkey.IsKey(key) {
				keys = append(keys, key)
			}
		}
	}

	return keys, nil
}

func (s *S3Store) Resolve(ctx context.Context, key string) (*pdstore.Entry, error) {
	if err := pdkey.Check(key); err != nil {
		return nil, err
	}

	lock := s.locks.For(key)
	lock.RLock()
	defer lock.RUnlock()

	return s.resolve(ctx, key)
}

func (s *S3Store) Open(ctx context.Context, key string) (io.ReadCloser, *pdstore.Entry, error) {
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

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectName(key, entry.Name)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, nil, pdstore.ErrNotFound
		}
		return nil, nil, pdstore.NewIOError("open", key, err)
	}

	return out.Body, entry, nil
}

func (s *S3Store) Write(ctx context.Context, key string, item *pdstore.Item) error {
	if err := pdkey.Check(key); err != nil {
		return err
	}

	if item.Name == "" || strings.Contains(item.Name, delimiter) {
		return xerrors.Errorf("name %q not usable as an object name: %w", item.Name, pdstore.ErrInvalidItem)
	}

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	object := s.objectName(key, item.Name)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Body:          bytes.NewReader(item.Data),
		Bucket:        aws.String(s.bucket),
		ContentLength: aws.Int64(int64(len(item.Data))),
		Key:           aws.String(object),
	}); err != nil {
		return pdstore.NewIOError("write", key, err)
	}

	objects, err := s.list(ctx, key, true)
	if err != nil {
		return pdstore.NewIOError("write", key, err)
	}
	for _, o := range objects {
		if aws.ToString(o.Key) == object {
			continue
		}
		if err := s.delete(ctx, aws.ToString(o.Key)); err != nil {
			return pdstore.NewIOError("write", key, err)
		}
	}

	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if err := pdkey.Check(key); err != nil {
		return err
	}

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	objects, err := s.list(ctx, key, true)
	if err != nil {
		return pdstore.NewIOError("delete", key, err)
	}

	// S3 reports success when deleting a key that doesn't exist, so there's
	// nothing special to do for a slot that somebody else just deleted.
	for _, o := range objects {
		if err := s.delete(ctx, aws.ToString(o.Key)); err != nil {
			return pdstore.NewIOError("delete", key, err)
		}
	}

	if len(objects) > 0 {
		s.logger.Debugf(s.name+": Deleted slot %q (%d object(s))", key, len(objects))
	}
	return nil
}

func (s *S3Store) delete(ctx context.Context, object string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(object),
	})
	return err //nolint:wrapcheck
}

// Lists objects in a slot in name order. When recursive is false, anything
// nested further down is left out.
func (s *S3Store) list(ctx context.Context, key string, recursive bool) ([]types.Object, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.objectName(key, "")),
	}
	if !recursive {
		input.Delimiter = aws.String(delimiter)
	}

	var objects []types.Object

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		objects = append(objects, page.Contents...)
	}

	sort.Slice(objects, func(i, j int) bool { return aws.ToString(objects[i].Key) < aws.ToString(objects[j].Key) })
	return objects, nil
}

func (s *S3Store) resolve(ctx context.Context, key string) (*pdstore.Entry, error) {
	objects, err := s.list(ctx, key, false)
	if err != nil {
		return nil, pdstore.NewIOError("resolve", key, err)
	}

	if len(objects) < 1 {
		return nil, pdstore.ErrNotFound
	}

	o := objects[0]
	name := strings.TrimPrefix(aws.ToString(o.Key), s.objectName(key, ""))
	return &pdstore.Entry{
		Kind:      pdstore.KindFromName(name),
		Name:      name,
		Size:      aws.ToInt64(o.Size),
		CreatedAt: aws.ToTime(o.LastModified),
	}, nil
}

func (s *S3Store) objectName(key, name string) string {
	return s.prefix + key + delimiter + name
}
