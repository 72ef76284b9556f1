package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/knoguchi/docrag/internal/extractor"
	"github.com/knoguchi/docrag/internal/ingestion"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	chunkSize    int
	chunkOverlap int
)

var extractCmd = &cobra.Command{
	Use:   "extract <pattern>...",
	Short: "Preview text extraction and chunking of local files",
	Long: `Run the ingestion extractor and chunker over local files without
uploading them. Patterns may use ** to match nested directories.

Examples:
  docragctl extract handbook.pdf
  docragctl extract "contracts/**/*.{pdf,docx}" --chunk-size 800`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

func init() {
	defaults := ingestion.DefaultChunkerConfig()
	extractCmd.Flags().IntVar(&chunkSize, "chunk-size", defaults.Size, "maximum characters per chunk")
	extractCmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", defaults.Overlap, "characters shared by adjacent chunks")
	rootCmd.AddCommand(extractCmd)
}

// extractResult summarizes one file.
type extractResult struct {
	Path   string
	Pages  int
	Chunks int
	Chars  int
	Err    error
}

func runExtract(cmd *cobra.Command, args []string) error {
	chunkerCfg := ingestion.ChunkerConfig{Size: chunkSize, Overlap: chunkOverlap}
	if err := chunkerCfg.Validate(); err != nil {
		return err
	}

	registry := extractor.NewRegistry()
	files, err := expandPatterns(args, registry)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no supported files match %v (supported: %v)", args, registry.Extensions())
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("Extracting"),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(cmd.ErrOrStderr())
		}),
	)

	results := extractFiles(cmd.Context(), registry, ingestion.NewChunker(chunkerCfg), files, func() { bar.Add(1) })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tPAGES\tCHUNKS\tCHARS\tERROR")
	failed := 0
	for _, r := range results {
		errText := ""
		if r.Err != nil {
			errText = r.Err.Error()
			failed++
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\n", r.Path, r.Pages, r.Chunks, r.Chars, errText)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}

// expandPatterns resolves glob patterns to supported files, sorted and deduplicated.
func expandPatterns(patterns []string, registry *extractor.Registry) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			if seen[m] || !registry.Supported(m) {
				continue
			}
			if info, err := os.Stat(m); err != nil || info.IsDir() {
				continue
			}
			seen[m] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

func extractFiles(ctx context.Context, registry *extractor.Registry, chunker *ingestion.Chunker, files []string, progress func()) []extractResult {
	results := make([]extractResult, len(files))
	for i, path := range files {
		r := extractResult{Path: path}
		pages, err := registry.Extract(ctx, path, filepath.Base(path))
		if err != nil {
			r.Err = err
		} else {
			r.Pages = len(pages)
			for _, c := range chunker.Chunk(pages) {
				r.Chunks++
				r.Chars += len([]rune(c.Content))
			}
		}
		results[i] = r
		progress()
	}
	return results
}
