package lockutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStripedFor(t *testing.T) {
	striped := NewStriped(8)
	require.Len(t, striped.locks, 8)

	// Same key, same lock.
	require.Same(t, striped.For("a"), striped.For("a"))

	require.Len(t, NewStriped(0).locks, DefaultStripes)
}

func TestStripedSerializes(t *testing.T) {
	var (
		counter int
		striped = NewStriped(4)
		wg      sync.WaitGroup
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			lock := striped.For("key")
			lock.Lock()
			defer lock.Unlock()
			counter++
		}()
	}

	wg.Wait()
	require.Equal(t, 50, counter)
}
