package registry

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/3FT-io/chunkvault/pkg/kv"
)

// BadgerRegistry keeps entries in a badger database under the registry namespace.
type BadgerRegistry struct {
	db     *badger.DB
	owned  bool
	logger *zap.Logger
}

// NewBadger uses an already opened database; Close leaves it open.
func NewBadger(db *badger.DB, logger *zap.Logger) *BadgerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerRegistry{db: db, logger: logger}
}

// OpenBadger opens a dedicated database at path.
func OpenBadger(path string, logger *zap.Logger) (*BadgerRegistry, error) {
	db, err := kv.Open(path)
	if err != nil {
		return nil, &RegistryError{Op: "open", Err: err}
	}
	r := NewBadger(db, logger)
	r.owned = true
	return r, nil
}

func entryKey(id string) []byte {
	return []byte(kv.RegistryNamespace + id)
}

func (r *BadgerRegistry) Register(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return &RegistryError{Op: "register", ID: entry.ID, Err: err}
	}
	if err := kv.SetJSON(r.db, entryKey(entry.ID), entry); err != nil {
		return &RegistryError{Op: "register", ID: entry.ID, Err: err}
	}

	r.logger.Debug("Registered entry",
		zap.String("id", entry.ID),
		zap.String("type", entry.Type),
		zap.String("storage_key", entry.StorageKey))
	return nil
}

func (r *BadgerRegistry) Resolve(ctx context.Context, id string) (*Entry, error) {
	var entry Entry
	err := kv.GetJSON(r.db, entryKey(id), &entry)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &RegistryError{Op: "resolve", ID: id, Err: err}
	}
	return &entry, nil
}

// List returns entries of entryType, or every entry when entryType is empty, ordered by id.
func (r *BadgerRegistry) List(ctx context.Context, entryType string) ([]Entry, error) {
	var entries []Entry
	err := kv.ScanPrefix(r.db, []byte(kv.RegistryNamespace), func(_, val []byte) error {
		var entry Entry
		if err := json.Unmarshal(val, &entry); err != nil {
			return err
		}
		if entryType == "" || entry.Type == entryType {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, &RegistryError{Op: "list", Err: err}
	}
	return entries, nil
}

func (r *BadgerRegistry) Delete(ctx context.Context, id string) error {
	if err := kv.Delete(r.db, entryKey(id)); err != nil {
		return &RegistryError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

func (r *BadgerRegistry) Close() error {
	if !r.owned {
		return nil
	}
	return r.db.Close()
}
