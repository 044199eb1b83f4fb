package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the ragd server and CLI.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Chunker   ChunkerConfig   `yaml:"chunker"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieve  RetrieveConfig  `yaml:"retrieve"`
	Cache     CacheConfig     `yaml:"cache"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Watch     WatchConfig     `yaml:"watch"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadMB     int64         `yaml:"max_upload_mb"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	GinMode         string        `yaml:"gin_mode"` // "release", "debug", "test"
}

// StorageConfig holds on-disk layout configuration.
type StorageConfig struct {
	DataDir      string        `yaml:"data_dir"`
	UploadDir    string        `yaml:"upload_dir"` // relative paths resolve against DataDir
	IndexDir     string        `yaml:"index_dir"`
	Accept       []string      `yaml:"accept"` // doublestar patterns matched against the lowercase file name
	SweepOrphans bool          `yaml:"sweep_orphans"` // only `ragd serve` sweeps
	SweepGrace   time.Duration `yaml:"sweep_grace"`   // minimum age of a swept orphan
}

// ChunkerConfig holds text splitting configuration.
type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

// EmbeddingConfig holds embedding configuration.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`    // "hashing", "openai", "ollama", "deepseek", "jina"
	Model             string        `yaml:"model"`       // e.g., "text-embedding-3-small"
	APIKeyEnv         string        `yaml:"api_key_env"` // Environment variable for API key
	BaseURL           string        `yaml:"base_url"`
	Dimension         int           `yaml:"dimension"`
	BatchSize         int           `yaml:"batch_size"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
}

// RetrieveConfig holds search configuration.
type RetrieveConfig struct {
	DefaultK int  `yaml:"default_k"`
	MaxK     int  `yaml:"max_k"`
	ClampK   bool `yaml:"clamp_k"` // clamp k<=0 to 1 instead of rejecting
}

// CacheConfig holds query cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
}

// ExtractorConfig holds PDF text extraction configuration.
type ExtractorConfig struct {
	PdftotextPath string        `yaml:"pdftotext_path"`
	Timeout       time.Duration `yaml:"timeout"`
}

// WatchConfig holds inbox watcher configuration.
type WatchConfig struct {
	Dir      string        `yaml:"dir"` // empty disables the watcher
	Debounce time.Duration `yaml:"debounce"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// hashingModel is the model name of the built-in hashing embedder.
const hashingModel = "hashing-v1"

var knownProviders = map[string]bool{
	"hashing":  true,
	"openai":   true,
	"ollama":   true,
	"deepseek": true,
	"jina":     true,
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadMB:     50,
			CORSOrigins:     []string{"*"},
			GinMode:         "release",
		},
		Storage: StorageConfig{
			DataDir:      "./rag_data",
			UploadDir:    "uploads",
			IndexDir:     "indices",
			Accept:       []string{"*.pdf"},
			SweepOrphans: true,
			SweepGrace:   10 * time.Minute,
		},
		Chunker: ChunkerConfig{
			ChunkSize:    500,
			ChunkOverlap: 100,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hashing",
			Model:     hashingModel,
			APIKeyEnv: "OPENAI_API_KEY",
			Dimension: 384,
			BatchSize: 64,
			Timeout:   60 * time.Second,
		},
		Retrieve: RetrieveConfig{
			DefaultK: 5,
			MaxK:     50,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxEntries: 256,
			TTL:        5 * time.Minute,
		},
		Extractor: ExtractorConfig{
			PdftotextPath: "pdftotext",
			Timeout:       2 * time.Minute,
		},
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// Defaults if no config file
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir loads configuration from a directory (looks for ragd.yaml).
// A .env file in the directory is loaded into the environment first;
// variables that are already set win.
func LoadFromDir(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	// Try ragd.yaml in the directory
	path := filepath.Join(dir, "ragd.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	// Try .ragd/config.yaml
	path = filepath.Join(dir, ".ragd", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	cfg := DefaultConfig()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from RAGD_* environment variables.
func (c *Config) applyEnv() error {
	str := map[string]*string{
		"RAGD_ADDR":               &c.Server.Addr,
		"RAGD_DATA_DIR":           &c.Storage.DataDir,
		"RAGD_EMBEDDING_PROVIDER": &c.Embedding.Provider,
		"RAGD_EMBEDDING_MODEL":    &c.Embedding.Model,
		"RAGD_EMBEDDING_BASE_URL": &c.Embedding.BaseURL,
		"RAGD_PDFTOTEXT":          &c.Extractor.PdftotextPath,
		"RAGD_WATCH_DIR":          &c.Watch.Dir,
		"RAGD_LOG_LEVEL":          &c.Logging.Level,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RAGD_CHUNK_SIZE":          &c.Chunker.ChunkSize,
		"RAGD_CHUNK_OVERLAP":       &c.Chunker.ChunkOverlap,
		"RAGD_EMBEDDING_DIMENSION": &c.Embedding.Dimension,
		"RAGD_MAX_K":               &c.Retrieve.MaxK,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv("RAGD_MAX_UPLOAD_MB"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RAGD_MAX_UPLOAD_MB: %w", err)
		}
		c.Server.MaxUploadMB = n
	}
	if v, ok := os.LookupEnv("RAGD_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Chunker.ChunkSize <= 0 {
		return fmt.Errorf("chunker.chunk_size must be positive, got %d", c.Chunker.ChunkSize)
	}
	if c.Chunker.ChunkOverlap < 0 || c.Chunker.ChunkOverlap >= c.Chunker.ChunkSize {
		return fmt.Errorf("chunker.chunk_overlap must be in [0, chunk_size), got %d", c.Chunker.ChunkOverlap)
	}
	if c.Retrieve.DefaultK <= 0 || c.Retrieve.MaxK <= 0 {
		return fmt.Errorf("retrieve.default_k and retrieve.max_k must be positive")
	}
	if c.Retrieve.DefaultK > c.Retrieve.MaxK {
		return fmt.Errorf("retrieve.default_k (%d) exceeds retrieve.max_k (%d)", c.Retrieve.DefaultK, c.Retrieve.MaxK)
	}
	if !knownProviders[c.Embedding.Provider] {
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider != "hashing" && (c.Embedding.Model == "" || c.Embedding.Model == hashingModel) {
		return fmt.Errorf("embedding.model must name a %s model", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "hashing" && c.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive for the hashing provider")
	}
	if len(c.Storage.Accept) == 0 {
		return fmt.Errorf("storage.accept must list at least one pattern")
	}
	return nil
}

// UploadPath returns the directory raw uploads are written to.
func (c *Config) UploadPath() string {
	return resolve(c.Storage.DataDir, c.Storage.UploadDir)
}

// IndexPath returns the directory holding one subdirectory per document index.
func (c *Config) IndexPath() string {
	return resolve(c.Storage.DataDir, c.Storage.IndexDir)
}

// MaxUploadBytes returns the upload size limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}

// EnsureDataDirs ensures the upload and index directories exist.
func (c *Config) EnsureDataDirs() error {
	for _, dir := range []string{c.UploadPath(), c.IndexPath()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

func resolve(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
