package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/3FT-io/chunkvault/pkg/api"
	"github.com/3FT-io/chunkvault/pkg/config"
	"github.com/3FT-io/chunkvault/pkg/core"
)

func main() {
	if err := NewCLI().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// NewCLI builds the chunkvault command tree.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "chunkvault",
		Short:        "Chunked model storage with prompt-driven chunk selection",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node and its HTTP API",
		Args:  cobra.NoArgs,
		RunE:  ServeHandler,
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest PATH",
		Short: "Split a safetensors model into chunks and upload them",
		Args:  cobra.ExactArgs(1),
		RunE:  IngestHandler,
	}
	ingestCmd.Flags().Int64("chunk-size", 0, "Chunk size threshold in bytes (defaults to the config value)")

	inspectCmd := &cobra.Command{
		Use:   "inspect PATH",
		Short: "Show the tensors of a safetensors file with value statistics",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List ingested models",
		Args:    cobra.NoArgs,
		RunE:    ListHandler,
	}

	playlistCmd := &cobra.Command{
		Use:   "playlist MODEL_HASH PROMPT",
		Short: "Rank a model's chunks against a prompt and presign the best ones",
		Args:  cobra.ExactArgs(2),
		RunE:  PlaylistHandler,
	}
	playlistCmd.Flags().IntP("top", "n", 5, "Number of chunks to select (0 selects all)")

	presignCmd := &cobra.Command{
		Use:   "presign ENTRY_ID",
		Short: "Issue a signed download URL for a registry entry",
		Args:  cobra.ExactArgs(1),
		RunE:  PresignHandler,
	}
	presignCmd.Flags().Duration("ttl", 0, "URL lifetime (defaults to the config value)")

	downloadCmd := &cobra.Command{
		Use:   "download MODEL_HASH OUTPUT",
		Short: "Reassemble a model, or selected chunks of it, into a safetensors file",
		Args:  cobra.ExactArgs(2),
		RunE:  DownloadHandler,
	}
	downloadCmd.Flags().StringSlice("chunks", nil, "Chunk filenames to include")

	chainCmd := &cobra.Command{
		Use:   "chain",
		Short: "Print the contribution ledger",
		Args:  cobra.NoArgs,
		RunE:  ChainHandler,
	}

	mineCmd := &cobra.Command{
		Use:   "mine",
		Short: "Mine pending contributions into a new block",
		Args:  cobra.NoArgs,
		RunE:  MineHandler,
	}

	rootCmd.AddCommand(
		serveCmd,
		ingestCmd,
		inspectCmd,
		listCmd,
		playlistCmd,
		presignCmd,
		downloadCmd,
		chainCmd,
		mineCmd,
	)

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openNode loads the config and builds a node for a one-shot command. Peer networking stays off.
func openNode(cmd *cobra.Command, opts ...core.NodeOption) (*core.Node, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	cfg.EnableP2P = false
	if f := cmd.Flags().Lookup("chunk-size"); f != nil && f.Changed {
		if cfg.Ingest.ChunkSize, err = cmd.Flags().GetInt64("chunk-size"); err != nil {
			return nil, nil, err
		}
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}

	node, err := core.NewNode(cfg, logger, opts...)
	if err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return node, logger, nil
}

func ServeHandler(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.APIAddress == "" {
		cfg.APIAddress = fmt.Sprintf("127.0.0.1:%d", cfg.APIPort)
	}

	node, err := core.NewNode(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		node.Stop()
		return err
	}

	// Initialize API
	server, err := api.NewAPI(node, logger.Named("api"), cfg.APIPort)
	if err != nil {
		node.Stop()
		return err
	}

	// Start API server
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.Error("API server error", zap.Error(serveErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	// Graceful shutdown
	if err := node.Stop(); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}
	return serveErr
}
