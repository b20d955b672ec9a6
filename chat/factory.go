package chat

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/config"
	"github.com/fabfab/policy-agent/embeddings"
	"github.com/fabfab/policy-agent/llm"
	"github.com/fabfab/policy-agent/policy"
	"github.com/fabfab/policy-agent/retrieval"
	"github.com/fabfab/policy-agent/synthesis"
	"github.com/fabfab/policy-agent/vectorstore"
)

// NewFactory returns a Factory that opens the existing index and connects to
// the configured embedding and chat models. A missing index is a
// *policy.ConfigurationError; the index is never created here.
func NewFactory(cfg config.Config, logger *zap.Logger) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context) (*Backend, error) {
		index, err := vectorstore.Open(ctx, cfg, vectorstore.OpenOptions{Create: false})
		if err != nil {
			return nil, err
		}

		backend, err := buildBackend(ctx, cfg, index, logger)
		if err != nil {
			_ = index.Close()
			return nil, err
		}
		return backend, nil
	}
}

func buildBackend(ctx context.Context, cfg config.Config, index vectorstore.Index, logger *zap.Logger) (*Backend, error) {
	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		return nil, &policy.ConfigurationError{Op: "set up embedder", Err: err}
	}

	client, err := llm.NewClient(cfg)
	if err != nil {
		return nil, &policy.ConfigurationError{Op: "set up llm", Err: err}
	}

	if pinger, ok := client.(llm.Pinger); ok && cfg.LLM.WarmUp {
		pingCtx, cancel := context.WithTimeout(ctx, llm.DefaultPingTimeout)
		defer cancel()
		logger.Info("warming up chat model", zap.String("provider", cfg.LLM.Provider), zap.String("model", cfg.LLM.Model))
		if err := pinger.Ping(pingCtx); err != nil {
			return nil, &policy.ConfigurationError{Op: "reach chat model", Err: err}
		}
	}

	retriever, err := retrieval.New(embedder, index,
		retrieval.WithTopK(cfg.TopK),
		retrieval.WithLogger(logger.Named("retrieval")))
	if err != nil {
		return nil, &policy.ConfigurationError{Op: "set up retriever", Err: err}
	}

	synthesizer, err := synthesis.New(client,
		synthesis.WithTemperature(cfg.LLM.Temperature),
		synthesis.WithLogger(logger.Named("synthesis")))
	if err != nil {
		return nil, &policy.ConfigurationError{Op: "set up synthesizer", Err: err}
	}

	return &Backend{
		Retriever:   retriever,
		Synthesizer: synthesizer,
		Close:       index.Close,
	}, nil
}

// NewCacheFromConfig connects to Redis when an address is configured. It
// returns nil, nil when caching is disabled.
func NewCacheFromConfig(ctx context.Context, cfg config.Config, logger *zap.Logger) (*RedisCache, error) {
	if !cfg.Redis.Enabled() {
		return nil, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	return NewRedisCache(client, cfg.Index.Collection, cfg.Redis.TTL, logger), nil
}
