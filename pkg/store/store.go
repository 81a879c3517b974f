// Package store provides the embedded persistent key/value layer the
// index is built on: a thin typed-bucket wrapper around bbolt, the Go
// ecosystem's copy-on-write single-file B+tree, plus rolling savepoints
// for reorg rollback, since bbolt has no native named-snapshot feature.
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	bolt "go.etcd.io/bbolt"

	log "github.com/sirupsen/logrus"
)

// SchemaVersion is bumped whenever a table's on-disk layout changes.
// Opening a database written by a different version aborts startup.
const SchemaVersion = 1

// Durability controls whether a write transaction's commit fsyncs the
// underlying file.
type Durability int

const (
	// Immediate fsyncs on every commit; used in production.
	Immediate Durability = iota
	// None skips fsync; used by tests and simulation.
	None
)

// Bucket names, stable across the lifetime of the schema.
const (
	BucketTokenEntry    = "token_entry"
	BucketOutpoints     = "outpoint_balances"
	BucketHeaders       = "height_to_header"
	BucketUtilState     = "util_state"
	BucketStatistics    = "statistics"
	BucketLastOutpoint  = "last_outpoint"
	BucketTxStartStamps = "write_tx_start_timestamp"
)

var allBuckets = []string{
	BucketTokenEntry,
	BucketOutpoints,
	BucketHeaders,
	BucketUtilState,
	BucketStatistics,
	BucketLastOutpoint,
	BucketTxStartStamps,
}

// Statistic keys held in BucketStatistics, each an 8-byte big-endian
// uint64 value.
const (
	StatSchemaVersion   = "schema_version"
	StatCommitCount     = "commit_count"
	StatInitialSyncTime = "initial_sync_micros"
	StatTokenCount      = "token_count"
)

// ErrSchemaMismatch is returned by Open when an existing database was
// written by an incompatible schema version.
var ErrSchemaMismatch = fmt.Errorf("store: schema version mismatch")

const maxSavepoints = 5

// Store owns the on-disk database file and the ring of savepoint
// snapshots used for reorg rollback.
type Store struct {
	db          *bolt.DB
	path        string
	dir         string
	durability  Durability
	savepoints  []savepoint // ascending by height
}

type savepoint struct {
	height uint32
	path   string
}

// Open opens (creating and initializing if absent) the database file at
// path.
func Open(path string, durability Durability) (*Store, error) {
	noSync := durability == None

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.NoSync = noSync

	s := &Store{
		db:         db,
		path:       path,
		dir:        filepath.Join(filepath.Dir(path), "savepoints"),
		durability: durability,
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create savepoint dir: %w", err)
	}
	s.loadSavepoints()

	return s, nil
}

func (s *Store) init() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", name, err)
			}
		}

		stats := tx.Bucket([]byte(BucketStatistics))
		existing := stats.Get([]byte(StatSchemaVersion))
		if existing == nil {
			return s.seed(tx)
		}

		version := binary.BigEndian.Uint64(existing)
		if version != SchemaVersion {
			return fmt.Errorf("%w: have %d, want %d", ErrSchemaMismatch, version, SchemaVersion)
		}
		return nil
	})
}

// seed populates a freshly created database's statistics: schema
// version, commit count and token count. The token entries and the
// initial UtilState are written by index.EnsureInitialized.
func (s *Store) seed(tx *bolt.Tx) error {
	stats := tx.Bucket([]byte(BucketStatistics))
	if err := putUint64(stats, StatSchemaVersion, SchemaVersion); err != nil {
		return err
	}
	if err := putUint64(stats, StatCommitCount, 0); err != nil {
		return err
	}
	if err := putUint64(stats, StatTokenCount, 2); err != nil {
		return err
	}
	return nil
}

func putUint64(b *bolt.Bucket, key string, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return b.Put([]byte(key), buf)
}

// GetUint64 reads a statistic value, returning 0 if absent.
func GetUint64(b *bolt.Bucket, key string) uint64 {
	v := b.Get([]byte(key))
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// PutUint64 writes a statistic value.
func PutUint64(b *bolt.Bucket, key string, v uint64) error {
	return putUint64(b, key, v)
}

// Update runs fn inside a read-write transaction and commits on success.
func (s *Store) Update(fn func(*bolt.Tx) error) error {
	return s.db.Update(fn)
}

// View runs fn inside a read-only transaction against the most recently
// committed snapshot.
func (s *Store) View(fn func(*bolt.Tx) error) error {
	return s.db.View(fn)
}

// UpdateDiscard runs fn inside a genuine read-write transaction that is
// always rolled back on return, regardless of outcome. It lets a caller
// exercise the normal write-transaction code paths for a preview without
// ever persisting the result.
func (s *Store) UpdateDiscard(fn func(*bolt.Tx) error) error {
	tx, err := s.db.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return fn(tx)
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Savepoint serializes the entire database to a snapshot file named
// by height, and retires the oldest snapshot once more than
// maxSavepoints exist.
func (s *Store) Savepoint(height uint32) error {
	name := filepath.Join(s.dir, strconv.FormatUint(uint64(height), 10)+".snap")

	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("store: create savepoint: %w", err)
	}
	defer f.Close()

	err = s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
	if err != nil {
		os.Remove(name)
		return fmt.Errorf("store: write savepoint: %w", err)
	}

	s.savepoints = append(s.savepoints, savepoint{height: height, path: name})
	sort.Slice(s.savepoints, func(i, j int) bool { return s.savepoints[i].height < s.savepoints[j].height })

	for len(s.savepoints) > maxSavepoints {
		old := s.savepoints[0]
		s.savepoints = s.savepoints[1:]
		if err := os.Remove(old.path); err != nil {
			log.WithError(err).WithField("height", old.height).Warn("failed to prune savepoint")
		}
	}

	return nil
}

// RestoreTo closes the live database, replaces it with the newest
// savepoint whose height is <= target, and reopens it. It returns the
// height of the savepoint actually restored.
func (s *Store) RestoreTo(target uint32) (uint32, error) {
	var chosen *savepoint
	for i := len(s.savepoints) - 1; i >= 0; i-- {
		if s.savepoints[i].height <= target {
			chosen = &s.savepoints[i]
			break
		}
	}
	if chosen == nil {
		return 0, fmt.Errorf("store: no savepoint at or below height %d", target)
	}

	if err := s.db.Close(); err != nil {
		return 0, fmt.Errorf("store: close before restore: %w", err)
	}

	if err := copyFile(chosen.path, s.path); err != nil {
		return 0, fmt.Errorf("store: restore savepoint: %w", err)
	}

	db, err := bolt.Open(s.path, 0600, nil)
	if err != nil {
		return 0, fmt.Errorf("store: reopen after restore: %w", err)
	}
	db.NoSync = s.durability == None
	s.db = db

	var kept []savepoint
	for _, sp := range s.savepoints {
		if sp.height <= chosen.height {
			kept = append(kept, sp)
		} else {
			os.Remove(sp.path)
		}
	}
	s.savepoints = kept

	return chosen.height, nil
}

// LatestSavepointHeight returns the height of the newest retained
// savepoint, and false if none exist yet.
func (s *Store) LatestSavepointHeight() (uint32, bool) {
	if len(s.savepoints) == 0 {
		return 0, false
	}
	return s.savepoints[len(s.savepoints)-1].height, true
}

func (s *Store) loadSavepoints() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".snap"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		h, err := strconv.ParseUint(name[:len(name)-len(suffix)], 10, 32)
		if err != nil {
			continue
		}
		s.savepoints = append(s.savepoints, savepoint{height: uint32(h), path: filepath.Join(s.dir, name)})
	}
	sort.Slice(s.savepoints, func(i, j int) bool { return s.savepoints[i].height < s.savepoints[j].height })
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
