package pdslot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/brandur/passdrop/internal/pdkey"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/pdstore/pdfsstore"
	"github.com/brandur/passdrop/internal/pdstore/pdmemorystore"
)

const passcode = "correct horse battery staple"

var logger = logrus.New()

var stableTime = time.Date(2022, 11, 9, 10, 11, 12, 0, time.UTC)

func TestService(t *testing.T) {
	var (
		ctx     context.Context
		now     time.Time
		service *Service
		store   *pdmemorystore.MemoryStore
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			now = stableTime
			store = pdmemorystore.NewMemoryStore(logger)
			store.SetTimeNow(func() time.Time { return stableTime })
			service = NewService(logger, store, NewRetention(DefaultWindow), 1024)
			service.SetTimeNow(func() time.Time { return now })

			test(t)
		}
	}

	t.Run("ResolveNeverWritten", setup(func(t *testing.T) {
		view, err := service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, &SlotView{State: StateEmpty}, view)

		_, _, err = service.Read(ctx, passcode)
		require.ErrorIs(t, err, pdstore.ErrNotFound)
		require.NotErrorIs(t, err, ErrSlotExpired)
	}))

	t.Run("WriteThenResolve", setup(func(t *testing.T) {
		view, err := service.Write(ctx, passcode, pdstore.NewFileItem("notes.md", []byte("# notes")))
		require.NoError(t, err)
		require.Equal(t, StateOccupied, view.State)

		now = stableTime.Add(30 * time.Minute)

		view, err = service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, &SlotView{
			State: StateOccupied,
			Entry: &pdstore.Entry{
				Kind:      pdstore.KindFile,
				Name:      "notes.md",
				Size:      7,
				CreatedAt: stableTime,
			},
			ExpiresAt: stableTime.Add(DefaultWindow),
			Progress:  0.25,
			Remaining: 90 * time.Minute,
		}, view)

		data, readView, err := service.Read(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, "# notes", string(data))
		require.Equal(t, view, readView)
	}))

	t.Run("WriteText", setup(func(t *testing.T) {
		view, err := service.Write(ctx, passcode, pdstore.NewTextItem("hello"))
		require.NoError(t, err)
		require.Equal(t, pdstore.KindText, view.Entry.Kind)
		require.Equal(t, pdstore.TextName, view.Entry.Name)
	}))

	t.Run("RetentionBoundary", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewTextItem("hello"))
		require.NoError(t, err)

		now = stableTime.Add(7200 * time.Second)
		view, err := service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, StateOccupied, view.State)
		require.Equal(t, time.Duration(0), view.Remaining)

		now = stableTime.Add(7201 * time.Second)
		view, err = service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, &SlotView{State: StateExpired}, view)

		// Storage is gone, and the next look sees a plain empty slot.
		_, err = store.Resolve(ctx, pdkey.FromPasscode(passcode))
		require.ErrorIs(t, err, pdstore.ErrNotFound)

		view, err = service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, StateEmpty, view.State)
	}))

	t.Run("ReadExpired", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewTextItem("hello"))
		require.NoError(t, err)

		now = stableTime.Add(3 * time.Hour)
		_, _, err = service.Read(ctx, passcode)
		require.ErrorIs(t, err, ErrSlotExpired)
		require.ErrorIs(t, err, pdstore.ErrNotFound)

		_, _, err = service.Read(ctx, passcode)
		require.ErrorIs(t, err, pdstore.ErrNotFound)
		require.NotErrorIs(t, err, ErrSlotExpired)
	}))

	t.Run("WriteOccupied", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewTextItem("first"))
		require.NoError(t, err)

		_, err = service.Write(ctx, passcode, pdstore.NewTextItem("second"))
		require.ErrorIs(t, err, pdstore.ErrAlreadyOccupied)

		data, _, err := service.Read(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, "first", string(data))
	}))

	t.Run("WriteAfterExpiry", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewTextItem("first"))
		require.NoError(t, err)

		now = stableTime.Add(3 * time.Hour)
		store.SetTimeNow(func() time.Time { return now })

		view, err := service.Write(ctx, passcode, pdstore.NewTextItem("second"))
		require.NoError(t, err)
		require.Equal(t, now, view.Entry.CreatedAt)

		data, _, err := service.Read(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, "second", string(data))
	}))

	t.Run("TextThenFile", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewTextItem("text"))
		require.NoError(t, err)
		require.NoError(t, service.Delete(ctx, passcode))

		_, err = service.Write(ctx, passcode, pdstore.NewFileItem("photo.jpg", []byte("jpeg")))
		require.NoError(t, err)

		view, err := service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, pdstore.KindFile, view.Entry.Kind)
		require.Equal(t, "photo.jpg", view.Entry.Name)
	}))

	t.Run("FileNamedAsText", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewFileItem(pdstore.TextName, []byte("file")))
		require.NoError(t, err)

		view, err := service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, pdstore.KindText, view.Entry.Kind)
	}))

	t.Run("DeleteIdempotent", setup(func(t *testing.T) {
		require.NoError(t, service.Delete(ctx, passcode))

		_, err := service.Write(ctx, passcode, pdstore.NewTextItem("hello"))
		require.NoError(t, err)
		require.NoError(t, service.Delete(ctx, passcode))
		require.NoError(t, service.Delete(ctx, passcode))

		view, err := service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, StateEmpty, view.State)
	}))

	t.Run("InvalidItem", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewTextItem(""))
		require.ErrorIs(t, err, pdstore.ErrInvalidItem)

		_, err = service.Write(ctx, passcode, pdstore.NewFileItem("..", []byte("x")))
		require.ErrorIs(t, err, pdstore.ErrInvalidItem)
	}))

	t.Run("TooLarge", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewFileItem("big.bin", make([]byte, 1025)))
		require.ErrorIs(t, err, pdstore.ErrTooLarge)

		view, err := service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, StateEmpty, view.State)
	}))

	t.Run("PasscodesIndependent", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewTextItem("mine"))
		require.NoError(t, err)

		_, err = service.Write(ctx, passcode+" ", pdstore.NewTextItem("theirs"))
		require.NoError(t, err)

		data, _, err := service.Read(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, "mine", string(data))
	}))

	// Passcodes are opaque and never validated, even when they look like
	// paths.
	t.Run("PathLikePasscode", setup(func(t *testing.T) {
		_, err := service.Write(ctx, "../../etc/passwd", pdstore.NewTextItem("hello"))
		require.NoError(t, err)

		data, _, err := service.Read(ctx, "../../etc/passwd")
		require.NoError(t, err)
		require.Equal(t, "hello", string(data))
	}))

	t.Run("ConcurrentWriters", setup(func(t *testing.T) {
		const numWriters = 10

		payloads := make([][]byte, numWriters)
		for i := range payloads {
			payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 1024)
		}

		var (
			numOccupied int
			numSuccess  int
			mut         sync.Mutex
			wg          sync.WaitGroup
		)

		for i := 0; i < numWriters; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()

				_, err := service.Write(ctx, passcode, pdstore.NewFileItem("file", payloads[i]))

				mut.Lock()
				defer mut.Unlock()

				switch {
				case err == nil:
					numSuccess++
				case errors.Is(err, pdstore.ErrAlreadyOccupied):
					numOccupied++
				default:
					require.NoError(t, err)
				}
			}(i)
		}
		wg.Wait()

		require.Equal(t, 1, numSuccess)
		require.Equal(t, numWriters-1, numOccupied)

		data, _, err := service.Read(ctx, passcode)
		require.NoError(t, err)
		require.Contains(t, payloads, data)
	}))

	t.Run("ConcurrentDeleteAndExpiry", setup(func(t *testing.T) {
		_, err := service.Write(ctx, passcode, pdstore.NewTextItem("hello"))
		require.NoError(t, err)

		now = stableTime.Add(3 * time.Hour)

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				require.NoError(t, service.Delete(ctx, passcode))
			}()
			go func() {
				defer wg.Done()
				_, err := service.Resolve(ctx, passcode)
				require.NoError(t, err)
			}()
		}
		wg.Wait()

		view, err := service.Resolve(ctx, passcode)
		require.NoError(t, err)
		require.Equal(t, StateEmpty, view.State)
	}))

	t.Run("StoreError", setup(func(t *testing.T) {
		service.store = &failingStore{SlotStore: store, err: errors.New("bucket unreachable")}

		_, err := service.Resolve(ctx, passcode)
		var ioErr *pdstore.IOError
		require.ErrorAs(t, err, &ioErr)

		_, err = service.Write(ctx, passcode, pdstore.NewTextItem("hello"))
		require.ErrorAs(t, err, &ioErr)
	}))
}

// Exercises the service end to end against the filesystem, where createdAt
// comes from the file's modification time.
func TestServiceFS(t *testing.T) {
	ctx := context.Background()

	store, err := pdfsstore.NewFSStore(logger, t.TempDir())
	require.NoError(t, err)

	service := NewService(logger, store, NewRetention(DefaultWindow), 0)

	view, err := service.Write(ctx, passcode, pdstore.NewFileItem("report.pdf", []byte("%PDF")))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), view.Entry.CreatedAt, 5*time.Second)

	createdAt := view.Entry.CreatedAt

	service.SetTimeNow(func() time.Time { return createdAt.Add(DefaultWindow) })
	view, err = service.Resolve(ctx, passcode)
	require.NoError(t, err)
	require.Equal(t, StateOccupied, view.State)

	service.SetTimeNow(func() time.Time { return createdAt.Add(DefaultWindow + time.Second) })
	view, err = service.Resolve(ctx, passcode)
	require.NoError(t, err)
	require.Equal(t, StateExpired, view.State)

	// The rewritten item gets a fresh modification time, so the clock has to
	// move forward with it.
	service.SetTimeNow(time.Now)

	_, err = service.Write(ctx, passcode, pdstore.NewTextItem("again"))
	require.NoError(t, err)

	data, view, err := service.Read(ctx, passcode)
	require.NoError(t, err)
	require.Equal(t, "again", string(data))
	require.Equal(t, StateOccupied, view.State)
	require.Equal(t, pdstore.KindText, view.Entry.Kind)
}

// Racing writers against the filesystem with payloads large enough that a
// torn write would show up as a short or mixed read.
func TestServiceFSConcurrentWriters(t *testing.T) {
	const (
		numWriters  = 10
		payloadSize = 64 * 1024
	)

	ctx := context.Background()

	store, err := pdfsstore.NewFSStore(logger, t.TempDir())
	require.NoError(t, err)

	service := NewService(logger, store, NewRetention(DefaultWindow), 0)

	payloads := make([][]byte, numWriters)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, payloadSize)
	}

	var (
		numOccupied int
		numSuccess  int
		mut         sync.Mutex
		wg          sync.WaitGroup
	)

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			_, err := service.Write(ctx, passcode, pdstore.NewFileItem("payload.bin", payloads[i]))

			mut.Lock()
			defer mut.Unlock()

			switch {
			case err == nil:
				numSuccess++
			case errors.Is(err, pdstore.ErrAlreadyOccupied):
				numOccupied++
			default:
				require.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, numSuccess)
	require.Equal(t, numWriters-1, numOccupied)

	data, view, err := service.Read(ctx, passcode)
	require.NoError(t, err)
	require.Equal(t, int64(payloadSize), view.Entry.Size)

	var numMatching int
	for _, payload := range payloads {
		if bytes.Equal(payload, data) {
			numMatching++
		}
	}
	require.Equal(t, 1, numMatching, "stored content should be exactly one writer's payload")
}

// Fails every read and write operation with err while still allowing deletes.
type failingStore struct {
	pdstore.SlotStore
	err error
}

func (s *failingStore) Keys(ctx context.Context) ([]string, error) {
	return nil, s.err
}

func (s *failingStore) Resolve(ctx context.Context, key string) (*pdstore.Entry, error) {
	return nil, pdstore.NewIOError("resolve", key, s.err)
}

func (s *failingStore) Write(ctx context.Context, key string, item *pdstore.Item) error {
	return pdstore.NewIOError("write", key, s.err)
}
