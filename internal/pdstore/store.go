// Package pdstore defines the storage contract for slots. A slot is the unit
// of storage addressed by a slot key (see pdkey) and holds at most one item,
// either an uploaded file or a piece of text.
//
// Backends are deliberately dumb: they know how to find, write, stream and
// remove a slot's single entry, but retention and the decision of whether a
// write is allowed belong to the pdslot service layered on top.
package pdstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// TextName is the sentinel name under which text items are stored. Kind is
// always derived from the stored name, so a file uploaded with exactly this
// name reads back as text.
const TextName = "content.txt"

var (
	ErrAlreadyOccupied = errors.New("slot already occupied")
	ErrInvalidItem     = errors.New("invalid item")
	ErrNotFound        = errors.New("slot not found")
	ErrTooLarge        = errors.New("item too large")
)

type Kind string

const (
	KindFile Kind = "file"
	KindText Kind = "text"
)

// KindFromName determines an entry's kind from its stored name.
func KindFromName(name string) Kind {
	if name == TextName {
		return KindText
	}
	return KindFile
}

// Entry describes the item currently stored in a slot.
type Entry struct {
	Kind Kind
	Name string
	Size int64

	// CreatedAt is the storage layer's own last-modified time for the entry
	// rather than a separately tracked field.
	CreatedAt time.Time
}

// Item is content on its way into a slot.
type Item struct {
	Kind Kind
	Name string
	Data []byte
}

// NewTextItem is a shortcut for building a text item.
func NewTextItem(text string) *Item {
	return &Item{Kind: KindText, Name: TextName, Data: []byte(text)}
}

// NewFileItem is a shortcut for building a file item.
func NewFileItem(name string, data []byte) *Item {
	return &Item{Kind: KindFile, Name: name, Data: data}
}

// SlotStore is implemented by every storage backend. Backends must be safe for
// concurrent use.
type SlotStore interface {
	// Keys lists the keys of every slot that currently has storage allocated.
	// Used for sweeping, so a listed slot may turn out to be empty by the time
	// it's resolved.
	Keys(ctx context.Context) ([]string, error)

	// Resolve returns the slot's entry, or ErrNotFound if the slot is empty.
	Resolve(ctx context.Context, key string) (*Entry, error)

	// Open returns a reader over the slot's content along with its entry. The
	// caller must close the reader. Returns ErrNotFound if the slot is empty.
	Open(ctx context.Context, key string) (io.ReadCloser, *Entry, error)

	// Write stores item as the slot's only entry, replacing anything already
	// there. Readers see either the old state or the complete new item, never
	// a partial write.
	Write(ctx context.Context, key string, item *Item) error

	// Delete removes the slot's storage entirely. Deleting a slot that doesn't
	// exist is not an error.
	Delete(ctx context.Context, key string) error
}

// IOError wraps a failure of the underlying storage, whether that be a
// permission problem, a full disk, an unreachable bucket, or an entry that
// vanished partway through an operation.
type IOError struct {
	Op  string
	Key string
	Err error
}

func NewIOError(op, key string, err error) *IOError {
	return &IOError{Op: op, Key: key, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("error during %s of slot %q: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ReadAll reads a slot's entire content.
func ReadAll(ctx context.Context, store SlotStore, key string) ([]byte, *Entry, error) {
	reader, entry, err := store.Open(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, NewIOError("read", key, err)
	}

	return data, entry, nil
}

// NormalizeItem validates an item and returns a copy in the form backends
// expect to store it:
//
//   - Text items are always named TextName, must be non-empty and must be
//     valid UTF-8.
//   - File items are reduced to the base of their name (clients sometimes send
//     full paths, with either kind of separator). Names that are empty, `.` or
//     `..` are rejected. File items may be empty, in which case Data is an
//     empty slice rather than nil.
//   - Items larger than maxSize bytes are rejected with ErrTooLarge. A
//     non-positive maxSize means no limit.
func NormalizeItem(item *Item, maxSize int64) (*Item, error) {
	if item == nil {
		return nil, fmt.Errorf("%w: no item", ErrInvalidItem)
	}

	if maxSize > 0 && int64(len(item.Data)) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrTooLarge, len(item.Data), maxSize)
	}

	data := item.Data
	if data == nil {
		data = []byte{}
	}

	switch item.Kind {
	case KindText:
		if len(data) < 1 {
			return nil, fmt.Errorf("%w: text is empty", ErrInvalidItem)
		}
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidItem)
		}
		return &Item{Kind: KindText, Name: TextName, Data: data}, nil

	case KindFile:
		name := BaseName(item.Name)
		if name == "" || name == "." || name == ".." {
			return nil, fmt.Errorf("%w: bad file name %q", ErrInvalidItem, item.Name)
		}
		return &Item{Kind: KindFromName(name), Name: name, Data: data}, nil
	}

	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, item.Kind)
}

// BaseName returns the last element of name, treating both forward and
// backward slashes as separators and ignoring trailing ones.
func BaseName(name string) string {
	name = strings.TrimRight(name, `/\`)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimSpace(name)
}
