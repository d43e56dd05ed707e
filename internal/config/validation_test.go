package config

import (
	"errors"
	"slices"
	"testing"
)

// validConfig returns a config that passes Validate with the ollama
// provider (no API key needed, keeps tests hermetic).
func validConfig() *Config {
	return &Config{
		Provider:          ProviderOllama,
		OllamaHost:        "http://localhost:11434",
		ModelName:         "llama3.3",
		Temperature:       0.7,
		MaxTokens:         2048,
		EmbedderModel:     DefaultEmbedderModel,
		EmbedderDimension: DefaultEmbedderDimension,
		EmbedBatchSize:    32,
		ChunkMaxChars:     2000,
		ChunkOverlapChars: 200,
		TopK:              5,
		IndexWorkers:      4,
		DefaultTenantTag:  "default",
		VectorStore:       StoreMemory,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() on valid config: %v", err)
	}
}

func TestValidate_Nil(t *testing.T) {
	var cfg *Config
	if err := cfg.Validate(); !errors.Is(err, ErrConfigNil) {
		t.Errorf("Validate() on nil = %v, want ErrConfigNil", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.Provider = "anthropic-but-misspelled" },
			wantErr: ErrInvalidProvider,
		},
		{
			name:    "ollama host missing scheme",
			mutate:  func(c *Config) { c.OllamaHost = "localhost:11434" },
			wantErr: ErrInvalidOllamaHost,
		},
		{
			name:    "empty model name",
			mutate:  func(c *Config) { c.ModelName = "" },
			wantErr: ErrInvalidModelName,
		},
		{
			name:    "temperature too high",
			mutate:  func(c *Config) { c.Temperature = 2.5 },
			wantErr: ErrInvalidTemperature,
		},
		{
			name:    "temperature negative",
			mutate:  func(c *Config) { c.Temperature = -0.1 },
			wantErr: ErrInvalidTemperature,
		},
		{
			name:    "max tokens zero",
			mutate:  func(c *Config) { c.MaxTokens = 0 },
			wantErr: ErrInvalidMaxTokens,
		},
		{
			name:    "empty embedder model",
			mutate:  func(c *Config) { c.EmbedderModel = "" },
			wantErr: ErrInvalidEmbedderModel,
		},
		{
			name:    "dimension zero",
			mutate:  func(c *Config) { c.EmbedderDimension = 0 },
			wantErr: ErrInvalidEmbedderDimension,
		},
		{
			name:    "dimension above hnsw limit",
			mutate:  func(c *Config) { c.EmbedderDimension = 4096 },
			wantErr: ErrInvalidEmbedderDimension,
		},
		{
			name:    "chunk too small",
			mutate:  func(c *Config) { c.ChunkMaxChars = 50 },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "overlap not below chunk size",
			mutate:  func(c *Config) { c.ChunkOverlapChars = 2000 },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "top-k zero",
			mutate:  func(c *Config) { c.TopK = 0 },
			wantErr: ErrInvalidTopK,
		},
		{
			name:    "top-k above cap",
			mutate:  func(c *Config) { c.TopK = 11 },
			wantErr: ErrInvalidTopK,
		},
		{
			name:    "workers zero",
			mutate:  func(c *Config) { c.IndexWorkers = 0 },
			wantErr: ErrInvalidWorkers,
		},
		{
			name:    "unknown vector store",
			mutate:  func(c *Config) { c.VectorStore = "redis" },
			wantErr: ErrInvalidVectorStore,
		},
		{
			name: "postgres store requires host",
			mutate: func(c *Config) {
				c.VectorStore = StorePostgres
				c.PostgresHost = ""
			},
			wantErr: ErrInvalidPostgresHost,
		},
		{
			name: "postgres port out of range",
			mutate: func(c *Config) {
				c.VectorStore = StorePostgres
				c.PostgresHost = "localhost"
				c.PostgresPort = 70000
			},
			wantErr: ErrInvalidPostgresPort,
		},
		{
			name: "postgres bad ssl mode",
			mutate: func(c *Config) {
				c.VectorStore = StorePostgres
				c.PostgresHost = "localhost"
				c.PostgresPort = 5432
				c.PostgresDBName = "docfold"
				c.PostgresSSLMode = "prefer"
			},
			wantErr: ErrInvalidPostgresSSLMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// Memory store skips postgres checks entirely.
func TestValidate_MemoryStoreIgnoresPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.PostgresHost = ""
	cfg.PostgresSSLMode = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with memory store should skip postgres checks: %v", err)
	}
}

func TestNormalizeTenantTags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"nil", nil, nil},
		{"drops empty and whitespace", []string{"", "  ", "docs"}, []string{"docs"}},
		{"lowercases and trims", []string{" Docs ", "API"}, []string{"docs", "api"}},
		{"dedupes preserving order", []string{"a", "b", "a", "B"}, []string{"a", "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeTenantTags(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Errorf("NormalizeTenantTags(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
