package registry

import (
	"context"
	"database/sql"
	"errors"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	"go.uber.org/zap"
)

type sqlEntry struct {
	bun.BaseModel `bun:"table:chunk_registry,alias:cr"`

	ID         string         `bun:"id,pk"`
	Type       string         `bun:"type,notnull"`
	StorageKey string         `bun:"storage_key,notnull"`
	Metadata   map[string]any `bun:"metadata,type:jsonb"`
}

func (e *sqlEntry) entry() Entry {
	return Entry{ID: e.ID, Type: e.Type, StorageKey: e.StorageKey, Metadata: e.Metadata}
}

// SQLRegistry stores entries in a Postgres table through bun.
type SQLRegistry struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewSQL wraps an existing bun database.
func NewSQL(db *bun.DB, logger *zap.Logger) *SQLRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLRegistry{db: db, logger: logger}
}

// OpenPostgres connects to dsn and creates the registry table when missing.
func OpenPostgres(ctx context.Context, dsn string, debug bool, logger *zap.Logger) (*SQLRegistry, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	r := NewSQL(db, logger)
	if err := r.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLRegistry) Init(ctx context.Context) error {
	_, err := r.db.NewCreateTable().Model((*sqlEntry)(nil)).IfNotExists().Exec(ctx)
	if err != nil {
		return &RegistryError{Op: "init", Err: err}
	}
	return nil
}

func (r *SQLRegistry) Register(ctx context.Context, entry Entry) error {
	if err := entry.Validate(); err != nil {
		return &RegistryError{Op: "register", ID: entry.ID, Err: err}
	}

	row := &sqlEntry{ID: entry.ID, Type: entry.Type, StorageKey: entry.StorageKey, Metadata: entry.Metadata}
	_, err := r.db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("type = EXCLUDED.type").
		Set("storage_key = EXCLUDED.storage_key").
		Set("metadata = EXCLUDED.metadata").
		Exec(ctx)
	if err != nil {
		return &RegistryError{Op: "register", ID: entry.ID, Err: err}
	}

	r.logger.Debug("Registered entry", zap.String("id", entry.ID), zap.String("type", entry.Type))
	return nil
}

func (r *SQLRegistry) Resolve(ctx context.Context, id string) (*Entry, error) {
	row := new(sqlEntry)
	err := r.db.NewSelect().Model(row).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &RegistryError{Op: "resolve", ID: id, Err: err}
	}
	entry := row.entry()
	return &entry, nil
}

func (r *SQLRegistry) List(ctx context.Context, entryType string) ([]Entry, error) {
	var rows []sqlEntry
	q := r.db.NewSelect().Model(&rows).Order("id ASC")
	if entryType != "" {
		q = q.Where("type = ?", entryType)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, &RegistryError{Op: "list", Err: err}
	}

	entries := make([]Entry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].entry())
	}
	return entries, nil
}

func (r *SQLRegistry) Delete(ctx context.Context, id string) error {
	_, err := r.db.NewDelete().Model((*sqlEntry)(nil)).Where("id = ?", id).Exec(ctx)
	if err != nil {
		return &RegistryError{Op: "delete", ID: id, Err: err}
	}
	return nil
}

func (r *SQLRegistry) Close() error {
	return r.db.Close()
}
