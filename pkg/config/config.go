package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Node configuration
	NodeID        string `yaml:"node_id"`
	ListenAddress string `yaml:"listen_address"`
	Port          int    `yaml:"port"`
	DataDir       string `yaml:"data_dir"`

	// P2P configuration
	EnableP2P      bool     `yaml:"enable_p2p"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// API configuration
	APIPort int `yaml:"api_port"`
	// APIAddress is the host:port peers use to reach this node's API, sent in announcements.
	APIAddress string `yaml:"api_address"`

	Storage   StorageConfig   `yaml:"storage"`
	Registry  RegistryConfig  `yaml:"registry"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects the chunk store. Backend is "s3" or "file".
type StorageConfig struct {
	Backend   string `yaml:"backend"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
	LocalDir  string `yaml:"local_dir"`
	// PresignTTL is in seconds.
	PresignTTL int `yaml:"presign_ttl"`
}

// RegistryConfig selects the registry backend, "badger" or "postgres".
type RegistryConfig struct {
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
	Debug   bool   `yaml:"debug"`
}

type LedgerConfig struct {
	Difficulty  int   `yaml:"difficulty"`
	MaxAttempts int64 `yaml:"max_attempts"`
}

type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	CacheSize int    `yaml:"cache_size"`
}

type IngestConfig struct {
	ChunkSize int64  `yaml:"chunk_size"`
	OutputDir string `yaml:"output_dir"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func DefaultConfig() *Config {
	return &Config{
		ListenAddress: "0.0.0.0",
		Port:          4001,
		DataDir:       "./data",
		EnableP2P:     true,
		APIPort:       8080,
		Storage: StorageConfig{
			Backend:    "s3",
			Endpoint:   "https://s3.cubbit.eu",
			Region:     "eu-west-1",
			PathStyle:  true,
			LocalDir:   "./storage",
			PresignTTL: 3600,
		},
		Registry: RegistryConfig{
			Backend: "badger",
		},
		Ledger: LedgerConfig{
			Difficulty: 4,
		},
		Embedding: EmbeddingConfig{
			Provider:  "ollama",
			BaseURL:   "http://localhost:11434",
			Model:     "nomic-embed-text",
			CacheSize: 1024,
		},
		Ingest: IngestConfig{
			ChunkSize: 100 * 1024 * 1024, // 100MB
			OutputDir: "./chunks",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over the defaults and then applies environment overrides. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHUNKVAULT_"

// ApplyEnv overrides fields from environment variables looked up through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"NODE_ID":            &c.NodeID,
		"DATA_DIR":           &c.DataDir,
		"API_ADDRESS":        &c.APIAddress,
		"STORAGE_BACKEND":    &c.Storage.Backend,
		"S3_ENDPOINT":        &c.Storage.Endpoint,
		"S3_REGION":          &c.Storage.Region,
		"S3_BUCKET":          &c.Storage.Bucket,
		"S3_ACCESS_KEY":      &c.Storage.AccessKey,
		"S3_SECRET_KEY":      &c.Storage.SecretKey,
		"STORAGE_DIR":        &c.Storage.LocalDir,
		"REGISTRY_BACKEND":   &c.Registry.Backend,
		"REGISTRY_DSN":       &c.Registry.DSN,
		"EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"EMBEDDING_BASE_URL": &c.Embedding.BaseURL,
		"EMBEDDING_MODEL":    &c.Embedding.Model,
		"EMBEDDING_API_KEY":  &c.Embedding.APIKey,
		"LOG_LEVEL":          &c.Log.Level,
	}
	for name, field := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}

	ints := map[string]*int{
		"PORT":              &c.Port,
		"API_PORT":          &c.APIPort,
		"LEDGER_DIFFICULTY": &c.Ledger.Difficulty,
	}
	for name, field := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*field = n
		}
	}

	if v, ok := lookup(EnvPrefix + "CHUNK_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%sCHUNK_SIZE: %w", EnvPrefix, err)
		}
		c.Ingest.ChunkSize = n
	}
	if v, ok := lookup(EnvPrefix + "BOOTSTRAP_PEERS"); ok {
		c.BootstrapPeers = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.BootstrapPeers = append(c.BootstrapPeers, p)
			}
		}
	}
	return nil
}

// Validate reports every invalid or missing setting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "s3":
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.endpoint is required for the s3 backend"))
		}
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket is required for the s3 backend"))
		}
	case "file":
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for the file backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	switch c.Registry.Backend {
	case "badger":
	case "postgres":
		if c.Registry.DSN == "" {
			errs = append(errs, errors.New("registry.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown registry backend %q", c.Registry.Backend))
	}

	if c.Ledger.Difficulty < 1 || c.Ledger.Difficulty > 64 {
		errs = append(errs, fmt.Errorf("ledger.difficulty must be between 1 and 64, got %d", c.Ledger.Difficulty))
	}
	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, errors.New("ingest.chunk_size must be positive"))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid api_port %d", c.APIPort))
	}
	return errors.Join(errs...)
}
