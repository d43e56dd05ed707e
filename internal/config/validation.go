package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	// 0. Check for nil config (defensive programming)
	if c == nil {
		return ErrConfigNil
	}

	// 1. Provider validation and API key presence per provider.
	// Ollama runs locally and needs no key; Gemini and OpenAI do.
	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
				"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
				ErrMissingAPIKey)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required", ErrMissingAPIKey)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host cannot be empty when provider is %q",
				ErrInvalidOllamaHost, ProviderOllama)
		}
		if !strings.HasPrefix(c.OllamaHost, "http://") && !strings.HasPrefix(c.OllamaHost, "https://") {
			return fmt.Errorf("%w: ollama_host must start with http:// or https://, got %q",
				ErrInvalidOllamaHost, c.OllamaHost)
		}
	default:
		return fmt.Errorf("%w: %q is not supported, must be one of: gemini, ollama, openai",
			ErrInvalidProvider, c.Provider)
	}

	// 2. Model configuration validation
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// Temperature range: 0.0 (deterministic) to 2.0 (maximum creativity)
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	// MaxTokens range: 1 to 2097152 (Gemini 2.5 max context window)
	if c.MaxTokens < 1 || c.MaxTokens > 2097152 {
		return fmt.Errorf("%w: must be between 1 and 2,097,152, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	// 3. Embedding configuration validation
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// pgvector indexes support up to 2000 dimensions for HNSW
	if c.EmbedderDimension < 1 || c.EmbedderDimension > 2000 {
		return fmt.Errorf("%w: must be between 1 and 2000, got %d",
			ErrInvalidEmbedderDimension, c.EmbedderDimension)
	}

	if c.EmbedBatchSize < 1 || c.EmbedBatchSize > 1000 {
		return fmt.Errorf("%w: embed_batch_size must be between 1 and 1000, got %d",
			ErrInvalidEmbedderModel, c.EmbedBatchSize)
	}

	// 4. Chunking configuration validation
	if c.ChunkMaxChars < 100 {
		return fmt.Errorf("%w: chunk_max_chars must be at least 100, got %d",
			ErrInvalidChunking, c.ChunkMaxChars)
	}
	if c.ChunkOverlapChars < 0 || c.ChunkOverlapChars >= c.ChunkMaxChars {
		return fmt.Errorf("%w: chunk_overlap_chars must be in [0, chunk_max_chars), got %d",
			ErrInvalidChunking, c.ChunkOverlapChars)
	}

	// 5. Retrieval configuration validation
	if c.TopK <= 0 || c.TopK > 10 {
		return fmt.Errorf("%w: must be between 1 and 10, got %d", ErrInvalidTopK, c.TopK)
	}

	// 6. Pipeline configuration validation
	if c.IndexWorkers < 1 || c.IndexWorkers > 64 {
		return fmt.Errorf("%w: index_workers must be between 1 and 64, got %d",
			ErrInvalidWorkers, c.IndexWorkers)
	}

	// 7. Vector store validation
	if c.VectorStore != StorePostgres && c.VectorStore != StoreMemory {
		return fmt.Errorf("%w: %q is not supported, must be %q or %q",
			ErrInvalidVectorStore, c.VectorStore, StorePostgres, StoreMemory)
	}

	// 8. PostgreSQL configuration validation (only when the postgres store is selected)
	if c.VectorStore == StorePostgres {
		if err := c.validatePostgres(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validatePostgres() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	// CRITICAL: Warn if using default dev password (but don't block - user might be in dev)
	if c.PostgresPassword == "docfold_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	// DO NOT mutate config in Validate() - just validate
	// Note: Even with setDefaults(), user can override with empty value in YAML
	// Modern SSL modes only - exclude deprecated allow/prefer (MITM vulnerable)
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty (should have default from setDefaults)",
			ErrInvalidPostgresSSLMode)
	}

	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v\n"+
			"Note: 'allow' and 'prefer' modes are deprecated (vulnerable to MITM attacks)",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}

// NormalizeTenantTags trims, lowercases, deduplicates, and drops empty tags.
// Returns nil when no usable tag remains so callers can fall back to a default.
func NormalizeTenantTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
