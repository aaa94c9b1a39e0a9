// Package pdfsstore implements pdstore's `SlotStore` interface on the local
// file system.
//
// Every slot is a directory under the store's root named by its slot key,
// containing exactly one file: the uploaded file under its original name, or
// text under the pdstore.TextName sentinel. There's no metadata file. An
// entry's creation time is its modification time, which is reset by every
// write because writes go to a temporary file that's renamed into place.
package pdfsstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"

	"github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/passdrop/internal/pdkey"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/util/lockutil"
)

const dirPerms = 0o755

type FSStore struct {
	locks  *lockutil.Striped
	logger *logrus.Logger
	name   string
	root   string
}

// NewFSStore creates a store rooted at the given directory, creating it if
// necessary.
func NewFSStore(logger *logrus.Logger, root string) (*FSStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Errorf("error resolving root %q: %w", root, err)
	}

	if err := os.MkdirAll(abs, dirPerms); err != nil {
		return nil, xerrors.Errorf("error creating root %q: %w", abs, err)
	}

	return &FSStore{
		locks:  lockutil.NewStriped(lockutil.DefaultStripes),
		logger: logger,
		name:   reflect.TypeOf(FSStore{}).Name(),
		root:   abs,
	}, nil
}

// Root is the absolute path of the directory containing slots.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) Keys(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Errorf("error listing root %q: %w", s.root, err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() && pdkey.IsKey(entry.Name()) {
			keys = append(keys, entry.Name())
		}
	}
	return keys, nil
}

func (s *FSStore) Resolve(ctx context.Context, key string) (*pdstore.Entry, error) {
	dir, err := s.slotDir(key)
	if err != nil {
		return nil, err
	}

	lock := s.locks.For(key)
	lock.RLock()
	defer lock.RUnlock()

	return s.resolve(key, dir)
}

func (s *FSStore) Open(ctx context.Context, key string) (io.ReadCloser, *pdstore.Entry, error) {
	dir, err := s.slotDir(key)
	if err != nil {
		return nil, nil, err
	}

	lock := s.locks.For(key)
	lock.RLock()
	defer lock.RUnlock()

	entry, err := s.resolve(key, dir)
	if err != nil {
		return nil, nil, err
	}

	// Once open, the handle stays readable even if the slot is deleted before
	// the caller finishes, so it's fine to release the lock on return.
	file, err := os.Open(filepath.Join(dir, entry.Name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, pdstore.ErrNotFound
		}
		return nil, nil, pdstore.NewIOError("open", key, err)
	}

	return file, entry, nil
}

func (s *FSStore) Write(ctx context.Context, key string, item *pdstore.Item) error {
	dir, err := s.slotDir(key)
	if err != nil {
		return err
	}

	if item.Name != filepath.Base(item.Name) || item.Name == "." || item.Name == ".." {
		return xerrors.Errorf("name %q not usable as a file name: %w", item.Name, pdstore.ErrInvalidItem)
	}

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, dirPerms); err != nil {
		return pdstore.NewIOError("write", key, err)
	}

	if err := atomic.WriteFile(filepath.Join(dir, item.Name), bytes.NewReader(item.Data)); err != nil {
		return pdstore.NewIOError("write", key, err)
	}

	// The new entry is in place, so anything else in the directory is the
	// previous item and has to go to preserve one entry per slot.
	entries, err := os.ReadDir(dir)
	if err != nil {
		return pdstore.NewIOError("write", key, err)
	}
	for _, entry := range entries {
		if entry.Name() == item.Name {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return pdstore.NewIOError("write", key, err)
		}
	}

	return nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	dir, err := s.slotDir(key)
	if err != nil {
		return err
	}

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	// RemoveAll succeeds when the directory is already gone.
	if err := os.RemoveAll(dir); err != nil {
		return pdstore.NewIOError("delete", key, err)
	}

	s.logger.Debugf(s.name+": Deleted slot %q", key)
	return nil
}

// Finds the slot's entry. The directory is expected to hold exactly one file,
// but if somebody has put others in there, the first in name order wins.
// Callers must hold the slot's lock.
func (s *FSStore) resolve(key, dir string) (*pdstore.Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, pdstore.ErrNotFound
		}
		return nil, pdstore.NewIOError("resolve", key, err)
	}

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, pdstore.ErrNotFound
			}
			return nil, pdstore.NewIOError("resolve", key, err)
		}

		return &pdstore.Entry{
			Kind:      pdstore.KindFromName(entry.Name()),
			Name:      entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		}, nil
	}

	return nil, pdstore.ErrNotFound
}

// Slot keys are validated before being turned into paths so that nothing but
// the output of pdkey.FromPasscode can address the file system.
func (s *FSStore) slotDir(key string) (string, error) {
	if err := pdkey.Check(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, key), nil
}
