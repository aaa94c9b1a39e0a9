// Package pdslot implements slots on top of a pdstore.SlotStore: it maps
// passcodes to slot keys, keeps each slot to a single item, and enforces
// retention on every access so that an expired item is never served.
package pdslot

import (
	"context"
	"errors"
	"io"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/passdrop/internal/pdkey"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/util/lockutil"
)

// ErrSlotExpired is returned when reading a slot whose item expired and was
// deleted as part of the same call. It wraps pdstore.ErrNotFound.
var ErrSlotExpired = xerrors.Errorf("slot expired: %w", pdstore.ErrNotFound)

type State string

const (
	StateEmpty    State = "empty"
	StateExpired  State = "expired"
	StateOccupied State = "occupied"
)

// SlotView is the state of a slot as observed at a point in time. Everything
// but State is only set for an occupied slot.
type SlotView struct {
	State State

	Entry     *pdstore.Entry
	ExpiresAt time.Time
	Progress  float64
	Remaining time.Duration
}

type Service struct {
	locks     *lockutil.Striped
	logger    *logrus.Logger
	maxSize   int64
	name      string
	retention *Retention
	store     pdstore.SlotStore
	timeNow   func() time.Time
}

// NewService returns a service storing items in store. Items over maxSize
// bytes are rejected, unless maxSize is zero.
func NewService(logger *logrus.Logger, store pdstore.SlotStore, retention *Retention, maxSize int64) *Service {
	return &Service{
		locks:     lockutil.NewStriped(lockutil.DefaultStripes),
		logger:    logger,
		maxSize:   maxSize,
		name:      reflect.TypeOf(Service{}).Name(),
		retention: retention,
		store:     store,
		timeNow:   time.Now,
	}
}

// MaxSize is the largest item the service accepts in bytes, or zero if there's
// no limit.
func (s *Service) MaxSize() int64 { return s.maxSize }

func (s *Service) Retention() *Retention { return s.retention }

// SetTimeNow sets the clock used for retention.
func (s *Service) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}

// Resolve returns the slot's current state. If its item had expired, the slot
// is deleted and the returned view's state is StateExpired.
func (s *Service) Resolve(ctx context.Context, passcode string) (*SlotView, error) {
	key := pdkey.FromPasscode(passcode)

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	return s.enforce(ctx, key)
}

// Open returns a reader over the slot's content. Returns pdstore.ErrNotFound if
// the slot is empty and ErrSlotExpired if it just expired. The caller must
// close the reader.
func (s *Service) Open(ctx context.Context, passcode string) (io.ReadCloser, *SlotView, error) {
	key := pdkey.FromPasscode(passcode)

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	view, err := s.enforce(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	switch view.State {
	case StateEmpty:
		return nil, nil, pdstore.ErrNotFound
	case StateExpired:
		return nil, nil, ErrSlotExpired
	}

	reader, entry, err := s.store.Open(ctx, key)
	if err != nil {
		return nil, nil, err //nolint:wrapcheck
	}

	return reader, s.occupiedView(entry), nil
}

// Read is like Open, but reads the slot's full content.
func (s *Service) Read(ctx context.Context, passcode string) ([]byte, *SlotView, error) {
	reader, view, err := s.Open(ctx, passcode)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, pdstore.NewIOError("read", pdkey.FromPasscode(passcode), err)
	}

	return data, view, nil
}

// Write stores item in the slot. The slot must be empty (or hold an expired
// item, which is deleted first); otherwise pdstore.ErrAlreadyOccupied is
// returned.
func (s *Service) Write(ctx context.Context, passcode string, item *pdstore.Item) (*SlotView, error) {
	item, err := pdstore.NormalizeItem(item, s.maxSize)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	key := pdkey.FromPasscode(passcode)

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	view, err := s.enforce(ctx, key)
	if err != nil {
		return nil, err
	}

	if view.State == StateOccupied {
		return nil, pdstore.ErrAlreadyOccupied
	}

	if err := s.store.Write(ctx, key, item); err != nil {
		return nil, err //nolint:wrapcheck
	}

	entry, err := s.store.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, pdstore.ErrNotFound) {
			return nil, pdstore.NewIOError("write", key, xerrors.New("entry missing after write"))
		}
		return nil, err //nolint:wrapcheck
	}

	s.logger.WithFields(logrus.Fields{
		"kind":     entry.Kind,
		"size":     entry.Size,
		"slot_key": key,
	}).Infof(s.name+": Stored %s in slot", entry.Kind)

	return s.occupiedView(entry), nil
}

// Delete removes the slot's item. Deleting an empty slot succeeds.
func (s *Service) Delete(ctx context.Context, passcode string) error {
	key := pdkey.FromPasscode(passcode)

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	return s.store.Delete(ctx, key) //nolint:wrapcheck
}

// enforceKey enforces retention on a slot by key rather than by passcode,
// which is all the sweeper has. Storage left allocated for an empty slot is
// removed.
func (s *Service) enforceKey(ctx context.Context, key string) (*SlotView, error) {
	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	view, err := s.enforce(ctx, key)
	if err != nil {
		return nil, err
	}

	if view.State == StateEmpty {
		if err := s.store.Delete(ctx, key); err != nil {
			return nil, err //nolint:wrapcheck
		}
	}

	return view, nil
}

// Must be called with the key's lock held.
func (s *Service) enforce(ctx context.Context, key string) (*SlotView, error) {
	entry, err := s.store.Resolve(ctx, key)
	if err != nil {
		if errors.Is(err, pdstore.ErrNotFound) {
			return &SlotView{State: StateEmpty}, nil
		}
		return nil, err //nolint:wrapcheck
	}

	if !s.retention.IsExpired(entry.CreatedAt, s.timeNow()) {
		return s.occupiedView(entry), nil
	}

	if err := s.store.Delete(ctx, key); err != nil {
		return nil, err //nolint:wrapcheck
	}

	s.logger.WithFields(logrus.Fields{
		"created_at": entry.CreatedAt,
		"slot_key":   key,
	}).Infof(s.name+": Deleted expired slot created %v", entry.CreatedAt)

	return &SlotView{State: StateExpired}, nil
}

func (s *Service) occupiedView(entry *pdstore.Entry) *SlotView {
	now := s.timeNow()
	return &SlotView{
		State:     StateOccupied,
		Entry:     entry,
		ExpiresAt: s.retention.ExpiresAt(entry.CreatedAt),
		Progress:  s.retention.Progress(entry.CreatedAt, now),
		Remaining: s.retention.TimeRemaining(entry.CreatedAt, now),
	}
}
