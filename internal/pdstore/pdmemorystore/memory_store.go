// Package pdmemorystore implements pdstore's `SlotStore` interface in memory.
// Nothing survives a restart, which makes it useful for development and tests.
package pdmemorystore

import (
	"bytes"
	"context"
	"io"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandur/passdrop/internal/pdstore"
)

type memorySlot struct {
	createdAt time.Time
	data      []byte
	name      string
}

func (s *memorySlot) entry() *pdstore.Entry {
	return &pdstore.Entry{
		Kind:      pdstore.KindFromName(s.name),
		Name:      s.name,
		Size:      int64(len(s.data)),
		CreatedAt: s.createdAt,
	}
}

type MemoryStore struct {
	logger  *logrus.Logger
	mut     sync.RWMutex
	name    string
	slots   map[string]*memorySlot
	timeNow func() time.Time
}

func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		logger:  logger,
		name:    reflect.TypeOf(MemoryStore{}).Name(),
		slots:   make(map[string]*memorySlot),
		timeNow: time.Now,
	}
}

func (s *MemoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	keys := make([]string, 0, len(s.slots))
	for key := range s.slots {
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, key string) (*pdstore.Entry, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	slot, ok := s.slots[key]
	if !ok {
		return nil, pdstore.ErrNotFound
	}

	return slot.entry(), nil
}

func (s *MemoryStore) Open(ctx context.Context, key string) (io.ReadCloser, *pdstore.Entry, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	slot, ok := s.slots[key]
	if !ok {
		return nil, nil, pdstore.ErrNotFound
	}

	// Slot data is never mutated after being stored (writes swap in a whole new
	// slot), so it's safe to hand out a reader over it after unlocking.
	return io.NopCloser(bytes.NewReader(slot.data)), slot.entry(), nil
}

func (s *MemoryStore) Write(ctx context.Context, key string, item *pdstore.Item) error {
	// Copy so that a caller reusing its buffer can't change stored content.
	data := make([]byte, len(item.Data))
	copy(data, item.Data)

	s.mut.Lock()
	defer s.mut.Unlock()

	s.slots[key] = &memorySlot{
		createdAt: s.timeNow(),
		data:      data,
		name:      item.Name,
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if _, ok := s.slots[key]; ok {
		delete(s.slots, key)
		s.logger.Debugf(s.name+": Deleted slot %q", key)
	}
	return nil
}

// SetTimeNow sets the clock used to stamp new entries.
func (s *MemoryStore) SetTimeNow(timeNow func() time.Time) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.timeNow = timeNow
}
