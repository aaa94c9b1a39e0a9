package pds3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandur/passdrop/internal/pdkey"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/pdstore/pdstoretest"
)

const (
	bucket = "passdrop"
	prefix = "slots/"
)

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

func TestS3StoreSuite(t *testing.T) {
	pdstoretest.RunSuite(t, func(t *testing.T) pdstore.SlotStore {
		return NewS3StoreWithClient(logger, newFakeS3(t), bucket, prefix)
	})
}

func TestS3Store(t *testing.T) {
	var (
		client *fakeS3
		ctx    context.Context
		key    = pdkey.FromPasscode("a passcode")
		store  *S3Store
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			client = newFakeS3(t)
			store = NewS3StoreWithClient(logger, client, bucket, prefix)

			test(t)
		}
	}

	t.Run("ObjectLayout", setup(func(t *testing.T) {
		require.NoError(t, store.Write(ctx, key, pdstore.NewFileItem("photo.jpg", []byte("jpeg"))))
		require.Equal(t, []string{prefix + key + "/photo.jpg"}, client.keys())
	}))

	t.Run("CreatedAtIsLastModified", setup(func(t *testing.T) {
		client.put(prefix+key+"/"+pdstore.TextName, []byte("hello"), stableTime)

		entry, err := store.Resolve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, &pdstore.Entry{
			Kind:      pdstore.KindText,
			Name:      pdstore.TextName,
			Size:      5,
			CreatedAt: stableTime,
		}, entry)
	}))

	t.Run("KeysIgnoresForeignPrefixes", setup(func(t *testing.T) {
		client.put("other/"+key+"/a.txt", []byte("a"), stableTime)
		client.put(prefix+"not-a-key/a.txt", []byte("a"), stableTime)

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		require.Empty(t, keys)
	}))

	t.Run("Paginates", setup(func(t *testing.T) {
		client.maxKeys = 2
		for _, name := range []string{"a", "b", "c", "d", "e"} {
			client.put(prefix+key+"/"+name, []byte(name), stableTime)
		}

		entry, err := store.Resolve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, "a", entry.Name)

		require.NoError(t, store.Delete(ctx, key))
		require.Empty(t, client.keys())
	}))

	t.Run("ObjectVanishesBeforeOpen", setup(func(t *testing.T) {
		require.NoError(t, store.Write(ctx, key, pdstore.NewTextItem("hello")))
		client.getErr = &types.NoSuchKey{}

		_, _, err := store.Open(ctx, key)
		require.ErrorIs(t, err, pdstore.ErrNotFound)
	}))

	t.Run("PutError", setup(func(t *testing.T) {
		client.putErr = errors.New("access denied")

		err := store.Write(ctx, key, pdstore.NewTextItem("hello"))
		var ioErr *pdstore.IOError
		require.ErrorAs(t, err, &ioErr)
		require.Equal(t, "write", ioErr.Op)
	}))

	t.Run("InvalidKey", setup(func(t *testing.T) {
		err := store.Delete(ctx, "nope")
		require.ErrorIs(t, err, pdkey.ErrKeyInvalid)
	}))
}

type fakeObject struct {
	data         []byte
	lastModified time.Time
}

// An in-memory stand in for S3 that supports just enough of the API for the
// store: prefix/delimiter listing with continuation tokens, and single object
// gets, puts and deletes.
type fakeS3 struct {
	t *testing.T

	getErr  error
	maxKeys int
	mut     sync.Mutex
	objects map[string]*fakeObject
	putErr  error
}

func newFakeS3(t *testing.T) *fakeS3 {
	t.Helper()
	return &fakeS3{t: t, maxKeys: 1000, objects: make(map[string]*fakeObject)}
}

func (c *fakeS3) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) { //nolint:lll
	require.Equal(c.t, bucket, aws.ToString(params.Bucket))

	c.mut.Lock()
	defer c.mut.Unlock()

	delete(c.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (c *fakeS3) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) { //nolint:lll
	require.Equal(c.t, bucket, aws.ToString(params.Bucket))

	c.mut.Lock()
	defer c.mut.Unlock()

	if c.getErr != nil {
		return nil, c.getErr
	}

	o, ok := c.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(o.data))}, nil
}

func (c *fakeS3) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) { //nolint:lll
	require.Equal(c.t, bucket, aws.ToString(params.Bucket))

	c.mut.Lock()
	defer c.mut.Unlock()

	var (
		delim      = aws.ToString(params.Delimiter)
		listPrefix = aws.ToString(params.Prefix)
		after      = aws.ToString(params.ContinuationToken)
		out        = &s3.ListObjectsV2Output{}
		seen       = make(map[string]struct{})
		count      int
	)

	for _, key := range c.keysLocked() {
		if !strings.HasPrefix(key, listPrefix) || key <= after {
			continue
		}

		if count == c.maxKeys {
			out.IsTruncated = aws.Bool(true)
			out.NextContinuationToken = aws.String(after)
			return out, nil
		}

		rest := strings.TrimPrefix(key, listPrefix)
		if i := strings.Index(rest, delim); delim != "" && i >= 0 {
			commonPrefix := listPrefix + rest[:i+1]
			if _, ok := seen[commonPrefix]; !ok {
				seen[commonPrefix] = struct{}{}
				out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(commonPrefix)})
				count++
			}
			after = key
			continue
		}

		o := c.objects[key]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(key),
			LastModified: aws.Time(o.lastModified),
			Size:         aws.Int64(int64(len(o.data))),
		})
		after = key
		count++
	}

	out.IsTruncated = aws.Bool(false)
	return out, nil
}

func (c *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) { //nolint:lll
	require.Equal(c.t, bucket, aws.ToString(params.Bucket))

	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	require.Equal(c.t, int64(len(data)), aws.ToInt64(params.ContentLength))

	c.mut.Lock()
	defer c.mut.Unlock()

	if c.putErr != nil {
		return nil, c.putErr
	}

	c.objects[aws.ToString(params.Key)] = &fakeObject{data: data, lastModified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeS3) keys() []string {
	c.mut.Lock()
	defer c.mut.Unlock()

	return c.keysLocked()
}

func (c *fakeS3) keysLocked() []string {
	keys := make([]string, 0, len(c.objects))
	for key := range c.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (c *fakeS3) put(key string, data []byte, lastModified time.Time) {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.objects[key] = &fakeObject{data: data, lastModified: lastModified}
}
