// Package cmd wires the docfold CLI: serve the HTTP API, index
// documents, and ask questions from the terminal.
package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/config"
	"github.com/docfold/docfold/internal/log"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "docfold",
	Short: "docfold - documentation indexing and question answering",
	Long: `docfold indexes documentation into a vector store and answers
questions about it with source attribution.

Typical workflow:

  docfold index ./docs            # chunk, embed, and store documents
  docfold ask "how do I deploy?"  # answer from the indexed documentation
  docfold serve                   # expose the same over HTTP`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// newLogger builds the process logger honoring --verbose.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level})
}

// loadConfig loads and validates configuration, printing a hint for
// the common missing-key case.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		if os.Getenv("GEMINI_API_KEY") == "" {
			os.Stderr.WriteString("hint: for the default gemini provider, set GEMINI_API_KEY\n")
		}
		return nil, err
	}
	return cfg, nil
}
