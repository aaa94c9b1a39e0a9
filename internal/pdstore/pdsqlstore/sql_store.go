// Package pdsqlstore implements pdstore's `SlotStore` interface on top of a
// SQL database, either SQLite or Postgres. Slot metadata lives in `slots` and
// content in `blobs` so that resolving a slot never has to load its content.
//
// Schema is managed by goose migrations embedded in the binary, which are run
// on open.
package pdsqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"errors"
	"io"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/passdrop/internal/pdkey"
	"github.com/brandur/passdrop/internal/pdstore"
	"github.com/brandur/passdrop/internal/util/lockutil"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

//go:embed migrations
var migrations embed.FS

// goose keeps its base FS and dialect in package globals.
var gooseMut sync.Mutex

type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	locks   *lockutil.Striped
	logger  *logrus.Logger
	name    string
	timeNow func() time.Time
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at path and
// migrates it.
func NewSQLiteStore(ctx context.Context, logger *logrus.Logger, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, xerrors.Errorf("error opening SQLite database %q: %w", path, err)
	}

	// SQLite allows only one writer at a time anyway, and a single connection
	// sidesteps lock upgrade failures between pooled connections.
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, logger, db, DialectSQLite)
}

// NewPostgresStore connects to the Postgres database at databaseURL and
// migrates it.
func NewPostgresStore(ctx context.Context, logger *logrus.Logger, databaseURL string) (*SQLStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, xerrors.Errorf("error opening Postgres database: %w", err)
	}

	return newSQLStore(ctx, logger, db, DialectPostgres)
}

func newSQLStore(ctx context.Context, logger *logrus.Logger, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	store := &SQLStore{
		db:      db,
		dialect: dialect,
		locks:   lockutil.NewStriped(lockutil.DefaultStripes),
		logger:  logger,
		name:    reflect.TypeOf(SQLStore{}).Name(),
		timeNow: time.Now,
	}

	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close() //nolint:wrapcheck
}

func (s *SQLStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT slot_key FROM slots ORDER BY slot_key`)
	if err != nil {
		return nil, xerrors.Errorf("error listing slots: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, xerrors.Errorf("error scanning slot key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("error listing slots: %w", err)
	}

	return keys, nil
}

func (s *SQLStore) Resolve(ctx context.Context, key string) (*pdstore.Entry, error) {
	if err := pdkey.Check(key); err != nil {
		return nil, err
	}

	var (
		createdAt time.Time
		name      string
		size      int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT name, size, created_at
		FROM slots
		WHERE slot_key = ?`,
	), key).Scan(&name, &size, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, pdstore.ErrNotFound
		}
		return nil, pdstore.NewIOError("resolve", key, err)
	}

	return &pdstore.Entry{
		Kind:      pdstore.KindFromName(name),
		Name:      name,
		Size:      size,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// Open loads the slot's content into memory. Rows are small enough for this to
// be fine, and it means no connection is held while the caller reads.
func (s *SQLStore) Open(ctx context.Context, key string) (io.ReadCloser, *pdstore.Entry, error) {
	if err := pdkey.Check(key); err != nil {
		return nil, nil, err
	}

	var (
		createdAt time.Time
		data      []byte
		name      string
		size      int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT slots.name, slots.size, slots.created_at, blobs.data
		FROM slots
			INNER JOIN blobs ON blobs.blob_ref = slots.blob_ref
		WHERE slots.slot_key = ?`,
	), key).Scan(&name, &size, &createdAt, &data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, pdstore.ErrNotFound
		}
		return nil, nil, pdstore.NewIOError("open", key, err)
	}

	return io.NopCloser(bytes.NewReader(data)), &pdstore.Entry{
		Kind:      pdstore.KindFromName(name),
		Name:      name,
		Size:      size,
		CreatedAt: createdAt.UTC(),
	}, nil
}

// Write inserts a new blob, points the slot at it, then removes the slot's
// other blobs, all in one transaction. A concurrent writer's uncommitted blob
// isn't visible to the cleanup, so whichever writer updates the slot last is
// left with the only blob.
func (s *SQLStore) Write(ctx context.Context, key string, item *pdstore.Item) error {
	if err := pdkey.Check(key); err != nil {
		return err
	}

	if item.Name == "" {
		return xerrors.Errorf("empty name: %w", pdstore.ErrInvalidItem)
	}

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	var (
		blobRef   = uuid.NewString()
		createdAt = s.timeNow().UTC().Truncate(time.Microsecond)
		data      = item.Data
	)

	// Drivers bind a nil slice as NULL, which the blobs table doesn't allow.
	if data == nil {
		data = []byte{}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO blobs (blob_ref, slot_key, data)
			VALUES (?, ?, ?)`,
		), blobRef, key, data); err != nil {
			return xerrors.Errorf("error inserting blob: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO slots (slot_key, name, size, blob_ref, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (slot_key) DO UPDATE SET
				name = excluded.name,
				size = excluded.size,
				blob_ref = excluded.blob_ref,
				created_at = excluded.created_at`,
		), key, item.Name, int64(len(data)), blobRef, createdAt); err != nil {
			return xerrors.Errorf("error upserting slot: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`
			DELETE FROM blobs
			WHERE slot_key = ?
				AND blob_ref <> ?`,
		), key, blobRef); err != nil {
			return xerrors.Errorf("error removing replaced blobs: %w", err)
		}

		return nil
	})
	if err != nil {
		return pdstore.NewIOError("write", key, err)
	}

	return nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if err := pdkey.Check(key); err != nil {
		return err
	}

	lock := s.locks.For(key)
	lock.Lock()
	defer lock.Unlock()

	var numDeleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM slots WHERE slot_key = ?`), key)
		if err != nil {
			return xerrors.Errorf("error deleting slot: %w", err)
		}

		if numDeleted, err = res.RowsAffected(); err != nil {
			return xerrors.Errorf("error counting deleted slots: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM blobs WHERE slot_key = ?`), key); err != nil {
			return xerrors.Errorf("error deleting blobs: %w", err)
		}

		return nil
	})
	if err != nil {
		return pdstore.NewIOError("delete", key, err)
	}

	if numDeleted > 0 {
		s.logger.Debugf(s.name+": Deleted slot %q", key)
	}
	return nil
}

// SetTimeNow sets the function used to stamp written slots.
func (s *SQLStore) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}

func (s *SQLStore) inTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Errorf("error beginning transaction: %w", err)
	}

	if err := f(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			s.logger.Errorf(s.name+": Error rolling back transaction: %v", rollbackErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Errorf("error committing transaction: %w", err)
	}

	return nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	gooseMut.Lock()
	defer gooseMut.Unlock()

	goose.SetBaseFS(migrations)
	goose.SetLogger(s.logger)

	if err := goose.SetDialect(string(s.dialect)); err != nil {
		return xerrors.Errorf("error setting migration dialect: %w", err)
	}

	if err := goose.UpContext(ctx, s.db, "migrations/"+string(s.dialect)); err != nil {
		return xerrors.Errorf("error running migrations: %w", err)
	}

	return nil
}

// Queries are written with `?` placeholders, which Postgres wants as `$1`,
// `$2`, and so on.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var (
		n  int
		sb strings.Builder
	)
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
