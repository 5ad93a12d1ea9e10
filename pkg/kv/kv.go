package kv

import (
	"encoding/json"
	"errors"
	"runtime"

	"github.com/dgraph-io/badger/v3"
)

const (
	B  int64 = 1
	KB       = B << 10
	MB       = KB << 10
	GB       = MB << 10
)

const CacheLimit = 256 * MB

// Key namespaces shared by everything living in the node's database.
const (
	RegistryNamespace = "reg:"
	BlockNamespace    = "blk:"
	LedgerNamespace   = "ldg:"
)

var ErrKeyNotFound = badger.ErrKeyNotFound

// Open opens (or creates) a badger database at datadir. An empty datadir opens an in-memory
// instance, which is only meant for tests.
func Open(datadir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(datadir)
	if datadir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.IndexCacheSize = CacheLimit
	opts.BlockCacheSize = CacheLimit
	opts.SyncWrites = true
	opts.NumGoroutines = 2 * runtime.NumCPU()
	opts.Logger = nil
	return badger.Open(opts)
}

// GetJSON decodes the value stored under key into v.
func GetJSON(db *badger.DB, key []byte, v any) error {
	return db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// SetJSON stores v under key in a single transaction.
func SetJSON(db *badger.DB, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// Delete removes key; a missing key is not an error.
func Delete(db *badger.DB, key []byte) error {
	err := db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// ScanPrefix calls fn with a copy of every value whose key starts with prefix, in key order.
func ScanPrefix(db *badger.DB, prefix []byte, fn func(key, val []byte) error) error {
	return db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}
