// Package app wires the application together: provider plugins, the
// vector index, the indexing pipeline, retrieval, and the agent.
//
// Components are constructed once in Setup and injected explicitly.
// Call Close to release everything.
package app

import (
	"context"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docfold/docfold/internal/agent"
	"github.com/docfold/docfold/internal/config"
	"github.com/docfold/docfold/internal/index"
	"github.com/docfold/docfold/internal/llm"
	"github.com/docfold/docfold/internal/log"
	"github.com/docfold/docfold/internal/pipeline"
	"github.com/docfold/docfold/internal/retrieve"
)

// App is the application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	// DBPool is nil when the memory vector store is selected.
	DBPool *pgxpool.Pool

	Index     index.Index
	Pipeline  *pipeline.Pipeline
	Retriever *retrieve.Retriever
	Gateway   *llm.Gateway
	Agent     *agent.Agent

	cancel context.CancelFunc
}

// Close releases all resources. Safe to call on a partially
// initialized App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down")
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.DBPool != nil {
		a.DBPool.Close()
		if a.Logger != nil {
			a.Logger.Info("database pool closed")
		}
	}
	return nil
}
