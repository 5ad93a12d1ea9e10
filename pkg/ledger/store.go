package ledger

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/3FT-io/chunkvault/pkg/kv"
)

// ChainStore persists blocks, the pending pool and the node identity across restarts.
type ChainStore interface {
	Load() ([]Block, error)
	Append(Block) error
	Replace([]Block) error

	LoadPending() ([]Contribution, error)
	SavePending([]Contribution) error
	// LoadNodeID returns "" when no identity was saved yet.
	LoadNodeID() (string, error)
	SaveNodeID(string) error
}

// BadgerChainStore keeps one key per block under kv.BlockNamespace, ordered by index.
type BadgerChainStore struct {
	db *badger.DB
}

func NewBadgerChainStore(db *badger.DB) *BadgerChainStore {
	return &BadgerChainStore{db: db}
}

func blockKey(index int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", kv.BlockNamespace, index))
}

var (
	pendingKey = []byte(kv.LedgerNamespace + "pending")
	nodeIDKey  = []byte(kv.LedgerNamespace + "node_id")
)

func (s *BadgerChainStore) Load() ([]Block, error) {
	var chain []Block
	err := kv.ScanPrefix(s.db, []byte(kv.BlockNamespace), func(_, val []byte) error {
		var b Block
		if err := json.Unmarshal(val, &b); err != nil {
			return err
		}
		chain = append(chain, b)
		return nil
	})
	return chain, err
}

func (s *BadgerChainStore) Append(b Block) error {
	return kv.SetJSON(s.db, blockKey(b.Index), b)
}

// Replace swaps the stored chain in a single transaction.
func (s *BadgerChainStore) Replace(chain []Block) error {
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte(kv.BlockNamespace)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, b := range chain {
			data, err := json.Marshal(b)
			if err != nil {
				return err
			}
			if err := txn.Set(blockKey(b.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerChainStore) LoadPending() ([]Contribution, error) {
	var pending []Contribution
	if err := kv.GetJSON(s.db, pendingKey, &pending); err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
		return nil, err
	}
	return pending, nil
}

func (s *BadgerChainStore) SavePending(pending []Contribution) error {
	if len(pending) == 0 {
		return kv.Delete(s.db, pendingKey)
	}
	return kv.SetJSON(s.db, pendingKey, pending)
}

func (s *BadgerChainStore) LoadNodeID() (string, error) {
	var id string
	if err := kv.GetJSON(s.db, nodeIDKey, &id); err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
		return "", err
	}
	return id, nil
}

func (s *BadgerChainStore) SaveNodeID(id string) error {
	return kv.SetJSON(s.db, nodeIDKey, id)
}
