package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/docfold/docfold/db"
	"github.com/docfold/docfold/internal/agent"
	"github.com/docfold/docfold/internal/chunk"
	"github.com/docfold/docfold/internal/config"
	"github.com/docfold/docfold/internal/embed"
	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/index/memory"
	"github.com/docfold/docfold/internal/index/postgres"
	"github.com/docfold/docfold/internal/llm"
	"github.com/docfold/docfold/internal/log"
	"github.com/docfold/docfold/internal/pipeline"
	"github.com/docfold/docfold/internal/retrieve"
)

// Setup creates and initializes the application. On error everything
// already initialized is released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = log.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	idx, pool, err := provideIndex(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Index = idx
	a.DBPool = pool

	a.Pipeline, a.Retriever = provideIndexingAndRetrieval(a, logger)
	a.Gateway = provideGateway(g, cfg, logger)
	a.Agent = agent.New(a.Retriever, a.Gateway, logger.With("component", "agent"))

	_, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	return a, nil
}

// provideGenkit initializes genkit with the configured provider plugin.
// Ollama needs explicit model and embedder registration; the hosted
// providers discover their models on init.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	var g *genkit.Genkit

	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g = genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)

	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized genkit with openai provider", "model", cfg.ModelName)

	default: // gemini / googleai
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized genkit with gemini provider", "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider
// plugin. Each provider keys embedders differently:
//   - gemini: GoogleAIEmbedder(g, modelName)
//   - ollama: keyed by server address, registered in provideGenkit
//   - openai: auto-registered on Init, looked up by model name
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}

// provideIndex selects the vector store. The postgres path runs
// migrations and opens a pool; the memory path needs neither.
func provideIndex(ctx context.Context, cfg *config.Config, logger log.Logger) (index.Index, *pgxpool.Pool, error) {
	if cfg.VectorStore == config.StoreMemory {
		logger.Info("using in-memory vector store")
		return memory.New(logger.With("component", "index")), nil, nil
	}

	if err := db.Migrate(cfg.PostgresURL(), logger.With("component", "migrate")); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}

	return postgres.New(pool, logger.With("component", "index")), pool, nil
}

// provideIndexingAndRetrieval builds the write path (chunk, embed,
// upsert) and the read path (embed query, search) on top of the index.
func provideIndexingAndRetrieval(a *App, logger log.Logger) (*pipeline.Pipeline, *retrieve.Retriever) {
	cfg := a.Config

	chunker := chunk.New(chunk.Options{
		MaxChars:     cfg.ChunkMaxChars,
		OverlapChars: cfg.ChunkOverlapChars,
	}, logger.With("component", "chunk"))

	embedClient := embed.New(a.Embedder, embed.Config{
		Dimension:    cfg.EmbedderDimension,
		MaxBatchSize: cfg.EmbedBatchSize,
	}, rate.NewLimiter(rate.Every(100*time.Millisecond), 1), logger.With("component", "embed"))

	pipe := pipeline.New(chunker, embedClient, a.Index, pipeline.Config{
		Workers:   cfg.IndexWorkers,
		BatchSize: cfg.EmbedBatchSize,
	}, logger.With("component", "pipeline"))

	retriever := retrieve.New(embedClient, a.Index, cfg.TopK, logger.With("component", "retrieve"))

	return pipe, retriever
}

func provideGateway(g *genkit.Genkit, cfg *config.Config, logger log.Logger) *llm.Gateway {
	return llm.New(g, llm.Config{
		Model:       cfg.FullModelName(),
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, rate.NewLimiter(rate.Every(time.Second), 2), logger.With("component", "llm"))
}
