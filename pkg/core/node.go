package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/3FT-io/chunkvault/pkg/config"
	"github.com/3FT-io/chunkvault/pkg/embed"
	"github.com/3FT-io/chunkvault/pkg/ingest"
	"github.com/3FT-io/chunkvault/pkg/kv"
	"github.com/3FT-io/chunkvault/pkg/ledger"
	"github.com/3FT-io/chunkvault/pkg/p2p"
	"github.com/3FT-io/chunkvault/pkg/playlist"
	"github.com/3FT-io/chunkvault/pkg/registry"
	"github.com/3FT-io/chunkvault/pkg/store"
)

type Node struct {
	config    *config.Config
	logger    *zap.Logger
	db        *badger.DB
	store     store.ChunkStore
	registry  registry.Registry
	ledger    *ledger.Ledger
	embedder  embed.Embedder
	engine    *ingest.Engine
	assembler *playlist.Assembler
	storage   *Storage
	artifacts *ArtifactService
	network   *p2p.Network
}

type NodeOption func(*nodeOptions)

type nodeOptions struct {
	embedder embed.Embedder
	store    store.ChunkStore
	progress func(ingest.Progress)
}

// WithEmbedder replaces the embedder built from the embedding config.
func WithEmbedder(e embed.Embedder) NodeOption {
	return func(o *nodeOptions) { o.embedder = e }
}

// WithChunkStore replaces the store built from the storage config.
func WithChunkStore(s store.ChunkStore) NodeOption {
	return func(o *nodeOptions) { o.store = s }
}

// WithIngestProgress installs an ingestion progress callback.
func WithIngestProgress(fn func(ingest.Progress)) NodeOption {
	return func(o *nodeOptions) { o.progress = fn }
}

// NewNode wires every component from cfg. An empty cfg.DataDir keeps the node database in memory.
func NewNode(cfg *config.Config, logger *zap.Logger, opts ...NodeOption) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			n.close()
		}
	}()

	dbPath := ""
	if cfg.DataDir != "" {
		dbPath = filepath.Join(cfg.DataDir, "badger")
	}
	db, err := kv.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	n.db = db

	n.store = o.store
	if n.store == nil {
		if n.store, err = newChunkStore(cfg.Storage, logger.Named("store")); err != nil {
			return nil, err
		}
	}

	if n.registry, err = newRegistry(cfg.Registry, db, logger.Named("registry")); err != nil {
		return nil, err
	}

	n.ledger, err = ledger.New(logger.Named("ledger"),
		ledger.WithNodeID(cfg.NodeID),
		ledger.WithDifficulty(cfg.Ledger.Difficulty),
		ledger.WithMaxAttempts(cfg.Ledger.MaxAttempts),
		ledger.WithChainStore(ledger.NewBadgerChainStore(db)))
	if err != nil {
		return nil, err
	}

	n.embedder = o.embedder
	if n.embedder == nil {
		n.embedder, err = embed.New(embed.Options{
			Provider:  cfg.Embedding.Provider,
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			CacheSize: cfg.Embedding.CacheSize,
		})
		if err != nil {
			return nil, err
		}
	}

	engineOpts := []ingest.Option{ingest.WithChunkSize(cfg.Ingest.ChunkSize)}
	if o.progress != nil {
		engineOpts = append(engineOpts, ingest.WithProgress(o.progress))
	}
	n.engine = ingest.NewEngine(n.store, n.registry, logger.Named("ingest"), engineOpts...)
	n.assembler = playlist.NewAssembler(n.embedder, logger.Named("playlist"))

	n.storage, err = NewStorage(n.store, n.registry, n.engine, cfg.Ingest.OutputDir, logger.Named("storage"))
	if err != nil {
		return nil, err
	}
	n.artifacts = NewArtifactService(n.store, n.registry, logger.Named("artifacts"))

	if cfg.EnableP2P {
		if n.network, err = p2p.NewNetwork(cfg, logger.Named("p2p")); err != nil {
			return nil, err
		}
	}

	ok = true
	return n, nil
}

func newChunkStore(cfg config.StorageConfig, logger *zap.Logger) (store.ChunkStore, error) {
	switch cfg.Backend {
	case "file":
		return store.NewFileStore(cfg.LocalDir)
	case "s3", "":
		var opts []store.S3Option
		if !cfg.PathStyle {
			opts = append(opts, store.WithVirtualHostedStyle())
		}
		return store.NewS3Store(store.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
		}, logger, opts...)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newRegistry(cfg config.RegistryConfig, db *badger.DB, logger *zap.Logger) (registry.Registry, error) {
	switch cfg.Backend {
	case "badger", "":
		return registry.NewBadger(db, logger), nil
	case "postgres":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		reg, err := registry.OpenPostgres(ctx, cfg.DSN, cfg.Debug, logger)
		if err != nil {
			return nil, err
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
}

func (n *Node) Start(ctx context.Context) error {
	if n.network == nil {
		return nil
	}

	n.network.Handle(p2p.MessageTypeBlockAnnouncement, n.handleBlockAnnouncement)
	n.network.Handle(p2p.MessageTypeManifestAnnouncement, n.handleManifestAnnouncement)

	return n.network.Start(ctx)
}

func (n *Node) Stop() error {
	var errs []error
	if n.network != nil {
		errs = append(errs, n.network.Stop())
	}
	errs = append(errs, n.close())
	return errors.Join(errs...)
}

func (n *Node) close() error {
	var errs []error
	if n.registry != nil {
		errs = append(errs, n.registry.Close())
	}
	if n.db != nil {
		errs = append(errs, n.db.Close())
		n.db = nil
	}
	return errors.Join(errs...)
}

func (n *Node) Config() *config.Config { return n.config }
func (n *Node) Store() store.ChunkStore { return n.store }
func (n *Node) Registry() registry.Registry { return n.registry }
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }
func (n *Node) Assembler() *playlist.Assembler { return n.assembler }
func (n *Node) Storage() *Storage { return n.storage }
func (n *Node) Artifacts() *ArtifactService { return n.artifacts }
func (n *Node) Network() *p2p.Network { return n.network }
func (n *Node) PresignTTL() time.Duration { return time.Duration(n.config.Storage.PresignTTL) * time.Second }

// Mine mines one block and announces it to peers.
func (n *Node) Mine(ctx context.Context) (ledger.Block, error) {
	block, err := n.ledger.Mine(ctx)
	if err != nil {
		return ledger.Block{}, err
	}

	hash, _ := ledger.Hash(block)
	n.announce(ctx, p2p.MessageTypeBlockAnnouncement, p2p.BlockAnnouncement{
		Index:      block.Index,
		Hash:       hash,
		APIAddress: n.config.APIAddress,
	})
	return block, nil
}

// IngestFile ingests a local model, credits the node in the ledger and announces the manifest.
func (n *Node) IngestFile(ctx context.Context, path string) (*ingest.Result, error) {
	res, err := n.storage.IngestFile(ctx, path)
	if err != nil {
		return nil, err
	}
	n.ingested(ctx, res)
	return res, nil
}

// StoreModel is IngestFile for a model streamed in by a client.
func (n *Node) StoreModel(ctx context.Context, name string, r io.Reader) (*ingest.Result, error) {
	res, err := n.storage.StoreModel(ctx, name, r)
	if err != nil {
		return nil, err
	}
	n.ingested(ctx, res)
	return res, nil
}

func (n *Node) ingested(ctx context.Context, res *ingest.Result) {
	n.ledger.NewTransaction(ledger.Contribution{
		ContributorID: n.ledger.NodeID(),
		Payload:       fmt.Sprintf("ingested %s (%d chunks)", res.ModelHash, len(res.Manifest)),
	})
	n.announce(ctx, p2p.MessageTypeManifestAnnouncement, p2p.ManifestAnnouncement{
		ModelHash:   res.ModelHash,
		ManifestKey: res.ManifestKey,
		Chunks:      len(res.Manifest),
		APIAddress:  n.config.APIAddress,
	})
}

// Playlist ranks the chunks of an ingested model against prompt and presigns the selection.
func (n *Node) Playlist(ctx context.Context, modelHash, prompt string, topN int) ([]playlist.Entry, error) {
	manifest, err := n.storage.Manifest(ctx, modelHash)
	if err != nil {
		return nil, err
	}
	entries, err := n.assembler.Generate(ctx, prompt, manifest, topN)
	if err != nil {
		return nil, err
	}
	entries, err = n.assembler.Resolve(ctx, n.store, modelHash, entries, n.PresignTTL())
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		n.ledger.NewTransaction(ledger.Contribution{
			ContributorID: n.ledger.NodeID(),
			Payload:       fmt.Sprintf("served %s", registry.ChunkID(modelHash, e.ChunkNumber)),
		})
	}
	return entries, nil
}

func (n *Node) announce(ctx context.Context, t p2p.MessageType, v any) {
	if n.network == nil {
		return
	}
	if err := n.network.Publish(ctx, t, v); err != nil {
		n.logger.Warn("Failed to announce", zap.String("type", string(t)), zap.Error(err))
	}
}

func (n *Node) handleBlockAnnouncement(ctx context.Context, from peer.ID, payload json.RawMessage) {
	var ann p2p.BlockAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		n.logger.Debug("Malformed block announcement", zap.String("from", from.String()), zap.Error(err))
		return
	}
	if ann.Index <= n.ledger.LastBlock().Index {
		return
	}

	if ann.APIAddress != "" {
		if _, err := n.ledger.RegisterNode(ann.APIAddress); err != nil {
			n.logger.Debug("Ignoring peer API address", zap.String("addr", ann.APIAddress), zap.Error(err))
		}
	}

	replaced, err := n.ledger.ResolveConflicts(ctx)
	if err != nil {
		n.logger.Warn("Fork resolution failed", zap.Error(err))
		return
	}
	n.logger.Info("Processed block announcement",
		zap.String("from", from.String()),
		zap.Int64("index", ann.Index),
		zap.Bool("replaced", replaced))
}

func (n *Node) handleManifestAnnouncement(_ context.Context, from peer.ID, payload json.RawMessage) {
	var ann p2p.ManifestAnnouncement
	if err := json.Unmarshal(payload, &ann); err != nil {
		n.logger.Debug("Malformed manifest announcement", zap.String("from", from.String()), zap.Error(err))
		return
	}
	if ann.APIAddress != "" {
		if _, err := n.ledger.RegisterNode(ann.APIAddress); err != nil {
			n.logger.Debug("Ignoring peer API address", zap.String("addr", ann.APIAddress), zap.Error(err))
		}
	}
	n.logger.Info("Peer ingested model",
		zap.String("from", from.String()),
		zap.String("model_hash", ann.ModelHash),
		zap.Int("chunks", ann.Chunks))
}
