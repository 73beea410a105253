package savefile

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/dreamvm/vm"
	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested entry doesn't exist.
var ErrNotFound = errors.New("savefile: entry not found")

// Store holds encoded entries in a SQLite database. Entries are keyed by
// a directory and a key within it; each row records the engine run that
// wrote it last.
type Store struct {
	db     *sql.DB
	path   string
	writer uuid.UUID
	log    commonlog.Logger
}

// Open opens (creating if needed) the store at path. writer identifies the
// engine run whose writes this handle makes, usually Engine.GameID.
func Open(path string, writer uuid.UUID) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening savefile %s: %w", path, err)
	}
	// One connection: an in-memory database exists per connection, and the
	// engine touches the store from one goroutine anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
		dir     TEXT NOT NULL,
		key     TEXT NOT NULL,
		data    BLOB NOT NULL,
		writer  TEXT NOT NULL,
		updated INTEGER NOT NULL,
		PRIMARY KEY (dir, key)
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	s := &Store{db: db, path: path, writer: writer, log: commonlog.GetLogger("dreamvm.savefile")}
	s.log.Infof("savefile %s opened (writer %s)", path, writer)
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put stores data under dir/key, replacing any previous entry.
func (s *Store) Put(dir, key string, data []byte) error {
	_, err := s.db.Exec(`INSERT INTO entries (dir, key, data, writer, updated) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (dir, key) DO UPDATE SET data = excluded.data, writer = excluded.writer, updated = excluded.updated`,
		dir, key, data, s.writer.String(), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("saving %s/%s: %w", dir, key, err)
	}
	return nil
}

// Get returns the data stored under dir/key.
func (s *Store) Get(dir, key string) ([]byte, error) {
	data, _, err := s.get(dir, key)
	return data, err
}

func (s *Store) get(dir, key string) ([]byte, string, error) {
	var (
		data   []byte
		writer string
	)
	err := s.db.QueryRow("SELECT data, writer FROM entries WHERE dir = ? AND key = ?", dir, key).Scan(&data, &writer)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("querying %s/%s: %w", dir, key, err)
	}
	return data, writer, nil
}

// Writer returns the id of the run that last wrote dir/key.
func (s *Store) Writer(dir, key string) (uuid.UUID, error) {
	var w string
	err := s.db.QueryRow("SELECT writer FROM entries WHERE dir = ? AND key = ?", dir, key).Scan(&w)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("querying %s/%s: %w", dir, key, err)
	}
	return uuid.Parse(w)
}

// Keys lists the keys in dir in sorted order.
func (s *Store) Keys(dir string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM entries WHERE dir = ? ORDER BY key", dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Delete removes dir/key and reports whether it existed.
func (s *Store) Delete(dir, key string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM entries WHERE dir = ? AND key = ?", dir, key)
	if err != nil {
		return false, fmt.Errorf("deleting %s/%s: %w", dir, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WriteValue encodes v with c and stores it under dir/key.
func (s *Store) WriteValue(c *Codec, dir, key string, v vm.Value) error {
	data, err := c.Marshal(v)
	if err != nil {
		return err
	}
	return s.Put(dir, key, data)
}

// ReadValue loads and decodes dir/key. A missing entry reads as null with
// ok false. Object references in an entry written by another run read as
// null.
func (s *Store) ReadValue(c *Codec, dir, key string) (v vm.Value, ok bool, err error) {
	data, writer, err := s.get(dir, key)
	if errors.Is(err, ErrNotFound) {
		return vm.Null, false, nil
	}
	if err != nil {
		return vm.Null, false, err
	}
	if writer == s.writer.String() {
		v, err = c.Unmarshal(data)
	} else {
		v, err = c.UnmarshalForeign(data)
	}
	if err != nil {
		return vm.Null, false, fmt.Errorf("%s/%s: %w", dir, key, err)
	}
	return v, true, nil
}
