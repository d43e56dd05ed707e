package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docfold/docfold/internal/app"
	"github.com/docfold/docfold/internal/chunk"
	"github.com/docfold/docfold/internal/config"
	"github.com/docfold/docfold/internal/pipeline"
)

var indexTags []string

var indexCmd = &cobra.Command{
	Use:   "index [path...]",
	Short: "Index documents into the knowledge base",
	Long: `Index files or directories into the vector store.

Directories are walked recursively. Markdown, CSV, YAML, JSON, and
plain text files are indexed; other extensions are skipped.
Re-indexing a file replaces its previous chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIndex(cmd.Context(), args)
	},
}

func init() {
	indexCmd.Flags().StringSliceVar(&indexTags, "tag", nil,
		"tenant tag to index under (repeatable; default from config)")
	rootCmd.AddCommand(indexCmd)
}

// indexableExtensions are the file types worth chunking. Everything
// else (binaries, images) is skipped during the walk.
var indexableExtensions = map[string]bool{
	".md": true, ".markdown": true, ".mdx": true,
	".csv": true, ".yaml": true, ".yml": true, ".json": true,
	".txt": true, ".text": true,
}

func runIndex(ctx context.Context, paths []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tags := config.NormalizeTenantTags(indexTags)
	if len(tags) == 0 {
		tags = []string{cfg.DefaultTenantTag}
	}

	docs, err := collectDocuments(paths, tags)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no indexable files under %s", strings.Join(paths, ", "))
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

	fmt.Printf("Indexing %d documents under tags %v\n", len(docs), tags)

	reports, err := a.Pipeline.IndexAll(ctx, docs)
	if err != nil {
		return fmt.Errorf("indexing: %w", err)
	}

	printReports(reports)
	return nil
}

// collectDocuments walks the given paths and loads indexable files.
func collectDocuments(paths []string, tags []string) ([]pipeline.Document, error) {
	var docs []pipeline.Document

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", root, err)
		}

		if !info.IsDir() {
			doc, err := loadDocument(root, tags)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			if !indexableExtensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			doc, err := loadDocument(path, tags)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}

	return docs, nil
}

func loadDocument(path string, tags []string) (pipeline.Document, error) {
	content, err := os.ReadFile(path) // #nosec G304 -- path comes from the CLI arguments
	if err != nil {
		return pipeline.Document{}, fmt.Errorf("reading %s: %w", path, err)
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	return pipeline.Document{
		ID:         clean,
		TenantTags: tags,
		Content:    string(content),
		FilePath:   clean,
		Format:     chunk.FormatFromPath(path),
	}, nil
}

func printReports(reports []*pipeline.Report) {
	var indexed, failed, partial int
	for _, r := range reports {
		switch {
		case r.Failed():
			failed++
			fmt.Printf("  FAIL  %s", r.DocumentID)
			if len(r.Errs) > 0 {
				fmt.Printf(": %v", r.Errs[0].Err)
			}
			fmt.Println()
		case r.PartiallyIndexed:
			partial++
			fmt.Printf("  PART  %s (%d/%d chunks)\n", r.DocumentID, r.ChunksEmbedded, r.ChunksCreated)
		default:
			indexed++
			fmt.Printf("  OK    %s (%d chunks)\n", r.DocumentID, r.ChunksEmbedded)
		}
	}
	fmt.Printf("Done: %d indexed, %d partial, %d failed\n", indexed, partial, failed)
}
