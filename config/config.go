// Package config loads the agent configuration from defaults, an optional
// config file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	// ProviderHash is the local feature-hashing embedder; it needs no model
	// runtime and is deterministic.
	ProviderHash = "hash"

	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	DataDir string

	Index       IndexConfig
	PostgresDSN string

	Neo4jURI  string
	Neo4jUser string
	Neo4jPass string

	Redis RedisConfig

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	Embeddings EmbeddingConfig
	LLM        LLMConfig
	Chunking   ChunkingConfig
	TopK       int
	Ingest     IngestConfig
	HTTP       HTTPConfig

	RequestTimeout time.Duration

	LogLevel       string
	LogDevelopment bool
	TraceStdout    bool
}

type IndexConfig struct {
	Backend    string
	Dir        string
	Collection string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Enabled reports whether the answer cache should be used.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
	BatchSize int
}

type LLMConfig struct {
	Provider    string
	Model       string
	Temperature float64
	KeepAlive   string
	MaxRetries  int
	WarmUp      bool
}

type ChunkingConfig struct {
	Size    int
	Overlap int
}

type IngestConfig struct {
	Workers int
	Exclude []string
}

type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
	RateLimit   float64
	RateBurst   int
}

// Load builds the configuration. Values from a .env file in the working
// directory are exported to the environment first (existing variables win),
// then path is read when non-empty, then environment variables override, with
// nested keys mapped by replacing "." with "_" (llm.model -> LLM_MODEL).
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := Config{
		DataDir: v.GetString("data_dir"),
		Index: IndexConfig{
			Backend:    strings.ToLower(v.GetString("index.backend")),
			Dir:        v.GetString("index.dir"),
			Collection: v.GetString("index.collection"),
		},
		PostgresDSN: v.GetString("postgres_dsn"),
		Neo4jURI:    v.GetString("neo4j.uri"),
		Neo4jUser:   v.GetString("neo4j.username"),
		Neo4jPass:   v.GetString("neo4j.password"),
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			TTL:      v.GetDuration("cache.ttl"),
		},
		OllamaHost:    v.GetString("ollama_host"),
		OpenAIAPIKey:  v.GetString("openai_api_key"),
		OpenAIBaseURL: v.GetString("openai_base_url"),
		Embeddings: EmbeddingConfig{
			Provider:  strings.ToLower(v.GetString("embeddings.provider")),
			Model:     v.GetString("embeddings.model"),
			Dimension: v.GetInt("embeddings.dimension"),
			BatchSize: v.GetInt("embeddings.batch_size"),
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(v.GetString("llm.provider")),
			Model:       v.GetString("llm.model"),
			Temperature: v.GetFloat64("llm.temperature"),
			KeepAlive:   v.GetString("llm.keep_alive"),
			MaxRetries:  v.GetInt("llm.max_retries"),
			WarmUp:      v.GetBool("llm.warmup"),
		},
		Chunking: ChunkingConfig{
			Size:    v.GetInt("chunking.size"),
			Overlap: v.GetInt("chunking.overlap"),
		},
		TopK: v.GetInt("retrieval.top_k"),
		Ingest: IngestConfig{
			Workers: v.GetInt("ingest.workers"),
			Exclude: splitList(v.GetStringSlice("ingest.exclude")),
		},
		HTTP: HTTPConfig{
			Addr:        v.GetString("http.addr"),
			CORSOrigins: splitList(v.GetStringSlice("http.cors_origins")),
			RateLimit:   v.GetFloat64("http.rate_limit"),
			RateBurst:   v.GetInt("http.rate_burst"),
		},
		RequestTimeout: v.GetDuration("request_timeout"),
		LogLevel:       v.GetString("log.level"),
		LogDevelopment: v.GetBool("log.development"),
		TraceStdout:    v.GetBool("trace_stdout"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("index.backend", BackendSQLite)
	v.SetDefault("index.dir", "./chroma_store")
	v.SetDefault("index.collection", "hrms_policies")
	v.SetDefault("postgres_dsn", "postgres://localhost:5432/policy-agent?sslmode=disable")
	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("ollama_host", "http://localhost:11434")
	v.SetDefault("openai_api_key", "")
	v.SetDefault("openai_base_url", "")
	v.SetDefault("embeddings.provider", ProviderOllama)
	v.SetDefault("embeddings.model", "all-minilm")
	v.SetDefault("embeddings.dimension", 384)
	v.SetDefault("embeddings.batch_size", 32)
	v.SetDefault("llm.provider", ProviderOllama)
	v.SetDefault("llm.model", "llama3.2:1b")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.keep_alive", "30m")
	v.SetDefault("llm.max_retries", 0)
	v.SetDefault("llm.warmup", true)
	v.SetDefault("chunking.size", 1000)
	v.SetDefault("chunking.overlap", 200)
	v.SetDefault("retrieval.top_k", 3)
	v.SetDefault("ingest.workers", 1)
	v.SetDefault("ingest.exclude", []string{"~$*", ".*"})
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("http.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("http.rate_limit", 0)
	v.SetDefault("http.rate_burst", 10)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("trace_stdout", false)
}

// Validate rejects configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.Chunking.Overlap < 0 {
		return fmt.Errorf("chunking.overlap must not be negative, got %d", c.Chunking.Overlap)
	}
	if c.Chunking.Size <= c.Chunking.Overlap {
		return fmt.Errorf("chunking.size (%d) must be greater than chunking.overlap (%d)", c.Chunking.Size, c.Chunking.Overlap)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be positive, got %d", c.TopK)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if strings.TrimSpace(c.Index.Collection) == "" {
		return errors.New("index.collection must not be empty")
	}

	switch c.Index.Backend {
	case BackendSQLite, BackendPostgres:
	default:
		return fmt.Errorf("unknown index backend: %s", c.Index.Backend)
	}
	switch c.Embeddings.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderHash:
	default:
		return fmt.Errorf("unknown embedding provider: %s", c.Embeddings.Provider)
	}
	switch c.LLM.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	return nil
}

// splitList flattens comma separated entries, which is how list values
// arrive from environment variables.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
