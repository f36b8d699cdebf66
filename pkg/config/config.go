// Package config loads the service configuration from YAML with
// environment variable expansion.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/groundwork-ai/groundwork/pkg/agent"
	"github.com/groundwork-ai/groundwork/pkg/cache"
	"github.com/groundwork-ai/groundwork/pkg/embedder"
	"github.com/groundwork-ai/groundwork/pkg/llm"
	"github.com/groundwork-ai/groundwork/pkg/observability"
	"github.com/groundwork-ai/groundwork/pkg/retrieval"
	"github.com/groundwork-ai/groundwork/pkg/vector"
)

// Config is the service's full configuration tree.
type Config struct {
	Logging       LoggingConfig        `yaml:"logging"`
	LLM           llm.Config           `yaml:"llm"`
	Embedder      embedder.Config      `yaml:"embedder"`
	Vector        VectorConfig         `yaml:"vector"`
	Cache         CacheConfig          `yaml:"cache"`
	Pipeline      retrieval.Config     `yaml:"pipeline"`
	Agent         agent.Config         `yaml:"agent"`
	Observability observability.Config `yaml:"observability"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// VectorConfig selects and configures the vector store backend.
type VectorConfig struct {
	// Backend is "qdrant" or "chromem" (default).
	Backend string               `yaml:"backend"`
	Qdrant  vector.QdrantConfig  `yaml:"qdrant"`
	Chromem vector.ChromemConfig `yaml:"chromem"`
}

// CacheConfig selects the shared tier. An empty Redis addr leaves the cache
// local-only.
type CacheConfig struct {
	cache.Config `yaml:",inline"`
	Redis        cache.RedisConfig `yaml:"redis"`
	Enabled      bool              `yaml:"enabled"`
}

// Load reads, expands, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes configuration bytes. ${VAR}, ${VAR:-default}, and $VAR
// references are expanded from the environment first.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse YAML: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the zero-config setup: embedded vector store, local-only
// cache, info logging.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = "chromem"
	}
	if c.Vector.Qdrant.Collection == "" {
		c.Vector.Qdrant.Collection = "groundwork"
	}
	if c.Vector.Chromem.Collection == "" {
		c.Vector.Chromem.Collection = "groundwork"
	}
	if c.LLM.Host == "" {
		c.LLM.Host = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Embedder.Host == "" {
		c.Embedder.Host = c.LLM.Host
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = "text-embedding-3-small"
	}
	if c.Embedder.APIKey == "" {
		c.Embedder.APIKey = c.LLM.APIKey
	}
	if c.Embedder.Dimension == 0 {
		c.Embedder.Dimension = 1536
	}
	if c.Vector.Qdrant.Dimension == 0 {
		c.Vector.Qdrant.Dimension = c.Embedder.Dimension
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = "You are a helpful assistant with access to a document search tool. Use it to ground your answers in the collection."
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Vector.Backend {
	case "qdrant", "chromem":
	default:
		return fmt.Errorf("config: unknown vector backend %q", c.Vector.Backend)
	}
	if c.Embedder.Dimension < 1 {
		return fmt.Errorf("config: embedder dimension must be positive, got %d", c.Embedder.Dimension)
	}
	if c.Cache.Enabled && c.Cache.TTL < 0 {
		return fmt.Errorf("config: cache ttl must not be negative")
	}
	if c.Pipeline.DefaultTopK < 0 {
		return fmt.Errorf("config: default_top_k must not be negative")
	}
	return nil
}
