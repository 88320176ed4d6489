package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultChunkSize       = 1000
	DefaultChunkOverlap    = 200
	DefaultTopK            = 5
	DefaultMaxSubQuestions = 4
	DefaultTimeoutSecs     = 60
	DefaultMaxAttempts     = 3
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	LLM         LLMConfig         `yaml:"llm"`
	VisionLLM   LLMConfig         `yaml:"vision_llm"`
	EmbedLLM    LLMConfig         `yaml:"embed_llm"`
	RAG         RAGConfig         `yaml:"rag"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Database    DatabaseConfig    `yaml:"database"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	WithCaller bool   `yaml:"with_caller"`
}

// LLMConfig describes one external model endpoint. Provider is "openai" (any
// OpenAI-compatible base URL, e.g. OpenRouter) or "ollama".
type LLMConfig struct {
	Provider    string `yaml:"provider"`
	BaseURL     string `yaml:"base_url"`
	Key         string `yaml:"key"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts"`
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

type RAGConfig struct {
	ChunkSize       int     `yaml:"chunk_size"`
	ChunkOverlap    int     `yaml:"chunk_overlap"`
	ChunkStrategy   string  `yaml:"chunk_strategy"`
	TopK            int     `yaml:"top_k"`
	MinScore        float64 `yaml:"min_score"`
	Decompose       string  `yaml:"decompose"`
	MaxSubQuestions int     `yaml:"max_sub_questions"`
	AttachImages    bool    `yaml:"attach_images"`
	Workers         int     `yaml:"workers"`
	EncryptionKey   string  `yaml:"encryption_key"`
}

type VectorStoreConfig struct {
	Type       string `yaml:"type"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	InMemory   bool   `yaml:"in_memory"`
	Compress   bool   `yaml:"compress"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoadConfig reads a YAML config, expanding ${VAR} references from the
// environment. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			return cfg, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	applyLLMDefaults(&cfg.LLM, "openai", "gpt-4o-mini")
	if cfg.VisionLLM.Model == "" && cfg.VisionLLM.BaseURL == "" {
		cfg.VisionLLM = cfg.LLM
	}
	applyLLMDefaults(&cfg.VisionLLM, cfg.LLM.Provider, cfg.LLM.Model)
	applyLLMDefaults(&cfg.EmbedLLM, "ollama", "nomic-embed-text")

	if cfg.RAG.ChunkSize <= 0 {
		cfg.RAG.ChunkSize = DefaultChunkSize
	}
	if cfg.RAG.ChunkOverlap <= 0 || cfg.RAG.ChunkOverlap >= cfg.RAG.ChunkSize {
		cfg.RAG.ChunkOverlap = DefaultChunkOverlap
		if cfg.RAG.ChunkOverlap >= cfg.RAG.ChunkSize {
			cfg.RAG.ChunkOverlap = cfg.RAG.ChunkSize / 2
		}
	}
	if cfg.RAG.ChunkStrategy == "" {
		cfg.RAG.ChunkStrategy = "window"
	}
	if cfg.RAG.TopK <= 0 {
		cfg.RAG.TopK = DefaultTopK
	}
	if cfg.RAG.Decompose == "" {
		cfg.RAG.Decompose = "heuristic"
	}
	if cfg.RAG.MaxSubQuestions <= 0 {
		cfg.RAG.MaxSubQuestions = DefaultMaxSubQuestions
	}
	if cfg.RAG.Workers <= 0 {
		cfg.RAG.Workers = 2
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "memory"
	}
	if cfg.VectorStore.Path == "" {
		cfg.VectorStore.Path = "./chromemdb"
	}
	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "rag_chunks"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "pgdriver"
	}
}

func applyLLMDefaults(c *LLMConfig, provider, model string) {
	if c.Provider == "" {
		c.Provider = provider
	}
	if c.Model == "" {
		c.Model = model
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case "ollama":
			c.BaseURL = "http://localhost:11434"
		default:
			c.BaseURL = "https://openrouter.ai/api/v1"
		}
	}
	if c.TimeoutSecs <= 0 {
		c.TimeoutSecs = DefaultTimeoutSecs
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}
