// Package pdstoretest contains a suite of tests that every pdstore.SlotStore
// implementation is expected to pass. Backend packages run it from their own
// tests against a fresh store.
package pdstoretest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brandur/passdrop/internal/pdkey"
	"github.com/brandur/passdrop/internal/pdstore"
)

// How far a backend's CreatedAt is allowed to drift from the test's clock.
const createdAtTolerance = 5 * time.Second

// RunSuite runs the conformance suite. newStore is invoked once per subtest and
// should return a store with no slots in it.
func RunSuite(t *testing.T, newStore func(t *testing.T) pdstore.SlotStore) {
	t.Helper()

	var (
		ctx   = context.Background()
		key   = pdkey.FromPasscode("a passcode")
		store pdstore.SlotStore
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			store = newStore(t)

			test(t)
		}
	}

	t.Run("ResolveEmpty", setup(func(t *testing.T) {
		_, err := store.Resolve(ctx, key)
		require.ErrorIs(t, err, pdstore.ErrNotFound)

		_, _, err = store.Open(ctx, key)
		require.ErrorIs(t, err, pdstore.ErrNotFound)
	}))

	t.Run("WriteFile", setup(func(t *testing.T) {
		data := []byte("\x00\x01binary\xff content")
		require.NoError(t, store.Write(ctx, key, pdstore.NewFileItem("blob.bin", data)))

		entry, err := store.Resolve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, pdstore.KindFile, entry.Kind)
		require.Equal(t, "blob.bin", entry.Name)
		require.Equal(t, int64(len(data)), entry.Size)
		require.WithinDuration(t, time.Now(), entry.CreatedAt, createdAtTolerance)

		content, openEntry, err := pdstore.ReadAll(ctx, store, key)
		require.NoError(t, err)
		require.Equal(t, data, content)
		require.Equal(t, entry.Name, openEntry.Name)
	}))

	t.Run("WriteEmptyFile", setup(func(t *testing.T) {
		require.NoError(t, store.Write(ctx, key, pdstore.NewFileItem("empty.txt", nil)))

		entry, err := store.Resolve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, pdstore.KindFile, entry.Kind)
		require.Equal(t, "empty.txt", entry.Name)
		require.Equal(t, int64(0), entry.Size)

		content, _, err := pdstore.ReadAll(ctx, store, key)
		require.NoError(t, err)
		require.Empty(t, content)
	}))

	t.Run("WriteText", setup(func(t *testing.T) {
		require.NoError(t, store.Write(ctx, key, pdstore.NewTextItem("some text ✓")))

		entry, err := store.Resolve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, pdstore.KindText, entry.Kind)
		require.Equal(t, pdstore.TextName, entry.Name)

		content, _, err := pdstore.ReadAll(ctx, store, key)
		require.NoError(t, err)
		require.Equal(t, "some text ✓", string(content))
	}))

	t.Run("WriteReplaces", setup(func(t *testing.T) {
		require.NoError(t, store.Write(ctx, key, pdstore.NewTextItem("first")))
		require.NoError(t, store.Write(ctx, key, pdstore.NewFileItem("second.txt", []byte("second"))))

		entry, err := store.Resolve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, "second.txt", entry.Name)

		content, _, err := pdstore.ReadAll(ctx, store, key)
		require.NoError(t, err)
		require.Equal(t, "second", string(content))

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{key}, keys)
	}))

	t.Run("FileNamedAsText", setup(func(t *testing.T) {
		require.NoError(t, store.Write(ctx, key, pdstore.NewFileItem(pdstore.TextName, []byte("file"))))

		entry, err := store.Resolve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, pdstore.KindText, entry.Kind)
	}))

	t.Run("Delete", setup(func(t *testing.T) {
		require.NoError(t, store.Write(ctx, key, pdstore.NewTextItem("hello")))
		require.NoError(t, store.Delete(ctx, key))

		_, err := store.Resolve(ctx, key)
		require.ErrorIs(t, err, pdstore.ErrNotFound)

		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		require.Empty(t, keys)

		// A new write after deletion behaves like one to a brand new slot.
		require.NoError(t, store.Write(ctx, key, pdstore.NewFileItem("again.txt", []byte("again"))))
		entry, err := store.Resolve(ctx, key)
		require.NoError(t, err)
		require.Equal(t, "again.txt", entry.Name)
	}))

	t.Run("DeleteIdempotent", setup(func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, key))
		require.NoError(t, store.Delete(ctx, key))
	}))

	t.Run("Keys", setup(func(t *testing.T) {
		keys, err := store.Keys(ctx)
		require.NoError(t, err)
		require.Empty(t, keys)

		expected := make([]string, 3)
		for i := range expected {
			expected[i] = pdkey.FromPasscode(fmt.Sprintf("passcode %d", i))
			require.NoError(t, store.Write(ctx, expected[i], pdstore.NewTextItem("hello")))
		}

		keys, err = store.Keys(ctx)
		require.NoError(t, err)
		sort.Strings(expected)
		sort.Strings(keys)
		require.Equal(t, expected, keys)
	}))

	t.Run("SlotsIndependent", setup(func(t *testing.T) {
		otherKey := pdkey.FromPasscode("another passcode")
		require.NoError(t, store.Write(ctx, key, pdstore.NewTextItem("mine")))
		require.NoError(t, store.Write(ctx, otherKey, pdstore.NewTextItem("theirs")))
		require.NoError(t, store.Delete(ctx, otherKey))

		content, _, err := pdstore.ReadAll(ctx, store, key)
		require.NoError(t, err)
		require.Equal(t, "mine", string(content))
	}))

	// Concurrent writers to one slot: afterwards there's exactly one entry, and
	// it's one complete payload.
	t.Run("ConcurrentWrites", setup(func(t *testing.T) {
		const numWriters = 8

		payloads := make([][]byte, numWriters)
		for i := range payloads {
			payloads[i] = []byte(fmt.Sprintf("%d:%0512d", i, i))
		}

		var wg sync.WaitGroup
		for i := range payloads {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				require.NoError(t, store.Write(ctx, key, pdstore.NewFileItem(fmt.Sprintf("file%d", i), payloads[i])))
			}(i)
		}
		wg.Wait()

		content, entry, err := pdstore.ReadAll(ctx, store, key)
		require.NoError(t, err)

		var i int
		_, err = fmt.Sscanf(entry.Name, "file%d", &i)
		require.NoError(t, err)
		require.Equal(t, payloads[i], content)
	}))
}
