package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/agent"
	"github.com/docfold/docfold/internal/app"
	"github.com/docfold/docfold/internal/config"
)

var (
	askTags []string
	askTopK int
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question against the indexed documentation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAsk(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	askCmd.Flags().StringSliceVar(&askTags, "tag", nil,
		"tenant tag to search in (repeatable; default from config)")
	askCmd.Flags().IntVar(&askTopK, "top-k", 0, "number of chunks to retrieve (default from config)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(ctx context.Context, question string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tags := config.NormalizeTenantTags(askTags)
	if len(tags) == 0 {
		tags = []string{cfg.DefaultTenantTag}
	}

	logger := newLogger()
	a, err := app.Setup(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	answer, err := a.Agent.Ask(ctx, agent.Question{
		Text:       question,
		TenantTags: tags,
		TopK:       askTopK,
	})
	if err != nil {
		return fmt.Errorf("asking: %w", err)
	}

	fmt.Println(answer.Text)
	if len(answer.Sources) > 0 {
		fmt.Println("\nSources:")
		for _, s := range answer.Sources {
			loc := s.FilePath
			if s.Heading != "" {
				loc += "#" + s.Heading
			}
			fmt.Printf("  - %s (score %.2f)\n", loc, s.Score)
		}
	}
	return nil
}
