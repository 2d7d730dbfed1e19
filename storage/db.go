// Package storage provides the key-value "Engine" the sync core treats as
// an external collaborator (spec §1, §4.F): a flat byte-keyed store plus a
// reference message-store adapter built on top of it.
package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Iterator walks keys sharing a prefix in ascending byte order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Database is a generic key-value store. Either backend below satisfies
// every capability the message store adapter needs: point lookups, writes,
// deletes, and ordered prefix scans.
type Database interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	Close() error
}

// --- In-memory backend, used by tests and ephemeral daemons. ---

// MemDB is a map-backed Database. It is safe for concurrent use, though the
// sync core never calls it concurrently by design (spec §5).
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemDB returns an empty in-memory database.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	v, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (db *MemDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	db.data[string(key)] = v
	return nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) NewIterator(prefix []byte) Iterator {
	db.mu.RLock()
	defer db.mu.RUnlock()

	keys := make([]string, 0, len(db.data))
	for k := range db.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == string(prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	entries := make([][2][]byte, len(keys))
	for i, k := range keys {
		entries[i] = [2][]byte{[]byte(k), db.data[k]}
	}
	return &memIterator{entries: entries, cursor: -1}
}

func (db *MemDB) Close() error { return nil }

type memIterator struct {
	entries [][2][]byte
	cursor  int
}

func (it *memIterator) Next() bool {
	it.cursor++
	return it.cursor < len(it.entries)
}

func (it *memIterator) Key() []byte   { return it.entries[it.cursor][0] }
func (it *memIterator) Value() []byte { return it.entries[it.cursor][1] }
func (it *memIterator) Release()      {}
func (it *memIterator) Error() error  { return nil }

// --- Persistent backend. ---

// LevelDB is a persistent Database backed by goleveldb.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (ldb *LevelDB) Put(key, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Delete(key []byte) error {
	return ldb.db.Delete(key, nil)
}

func (ldb *LevelDB) NewIterator(prefix []byte) Iterator {
	return &levelIterator{it: ldb.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

type levelIterator struct {
	it iterator.Iterator
}

func (it *levelIterator) Next() bool     { return it.it.Next() }
func (it *levelIterator) Key() []byte    { return it.it.Key() }
func (it *levelIterator) Value() []byte  { return it.it.Value() }
func (it *levelIterator) Release()       { it.it.Release() }
func (it *levelIterator) Error() error   { return it.it.Error() }
