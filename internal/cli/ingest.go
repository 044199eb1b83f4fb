package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docrag/internal/adapter/fs"
)

var (
	ingestExclude []string
	ingestJobs    int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Upload every accepted file under a directory",
	Long: `Walk a directory and upload every file matching storage.accept.
A file that fails is reported and skipped; the others are still indexed.

Examples:
  ragd ingest ./papers
  ragd ingest ./archive --exclude "drafts/**" --jobs 4`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringSliceVar(&ingestExclude, "exclude", nil, "glob patterns to skip (relative to <dir>)")
	ingestCmd.Flags().IntVarP(&ingestJobs, "jobs", "j", 2, "files processed in parallel")
}

func runIngest(cmd *cobra.Command, args []string) error {
	path, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	cfg := GetConfig()
	a, err := newApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	if err := a.requireExtractor(); err != nil {
		return err
	}

	includes := make([]string, len(cfg.Storage.Accept))
	for i, p := range cfg.Storage.Accept {
		includes[i] = "**/" + p
	}
	files, err := fs.NewWalker(includes, ingestExclude).Walk(path)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if len(files) == 0 {
		fmt.Printf("No matching files under %s\n", path)
		return nil
	}
	fmt.Printf("Found %d files under %s\n", len(files), path)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Ingesting[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)

	var (
		mu        sync.Mutex
		processed int
		chunks    int
		failures  []string
		start     = time.Now()
	)

	jobs := ingestJobs
	if jobs < 1 {
		jobs = 1
	}
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(jobs)
	for _, f := range files {
		f := f
		g.Go(func() error {
			doc, err := a.svc.IngestFile(ctx, f.Path)

			mu.Lock()
			defer mu.Unlock()
			processed++
			if err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", f.Path, err))
			} else {
				chunks += doc.ChunkCount
			}
			bar.Set(processed)
			if processed < len(files) {
				rate := float64(processed) / time.Since(start).Seconds()
				if rate > 0 {
					eta := time.Duration(float64(len(files)-processed)/rate) * time.Second
					bar.Describe(fmt.Sprintf("[cyan]Ingesting[reset] ETA: %s", formatDuration(eta)))
				}
			}
			return ctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("\nIngest complete in %s:\n", formatDuration(time.Since(start)))
	fmt.Printf("  Files indexed:  %d\n", len(files)-len(failures))
	fmt.Printf("  Files failed:   %d\n", len(failures))
	fmt.Printf("  Chunks created: %d\n", chunks)

	if len(failures) > 0 {
		fmt.Printf("\nWarnings:\n")
		for _, e := range failures {
			fmt.Printf("  - %s\n", e)
		}
	}
	return nil
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
