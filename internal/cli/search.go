package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"docrag/internal/domain"
)

var (
	searchQuery  string
	searchFileID string
	searchK      int
	searchJSON   bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search one document",
	Long: `Return the chunks of a document most similar to the query, best first.
Without --file-id the most recently uploaded document is searched.

Examples:
  ragd search -q "dividend policy"
  ragd search -q "photosynthesis" --file-id 3f2a9c1e -k 3 --json`,
	Args: cobra.NoArgs,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVarP(&searchQuery, "query", "q", "", "search query (required)")
	searchCmd.Flags().StringVar(&searchFileID, "file-id", "", "document id (default is the latest upload)")
	searchCmd.Flags().IntVarP(&searchK, "top-k", "k", 0, "number of chunks (default from config)")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output as JSON")
	searchCmd.MarkFlagRequired("query")
}

func runSearch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), GetConfig(), false)
	if err != nil {
		return err
	}

	k := a.svc.DefaultK()
	if cmd.Flags().Changed("top-k") {
		k = searchK
	}

	res, err := a.svc.Search(cmd.Context(), domain.SearchRequest{
		Query:      searchQuery,
		DocumentID: searchFileID,
		K:          k,
	})
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if searchJSON {
		output, _ := json.MarshalIndent(struct {
			Chunks   []string `json:"chunks"`
			FileID   string   `json:"file_id"`
			FileName string   `json:"file_name"`
		}{res.Chunks, res.DocumentID, res.DocumentName}, "", "  ")
		fmt.Println(string(output))
		return nil
	}

	if len(res.Chunks) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	fmt.Printf("Found %d chunks in %s (%s) for: %s\n\n", len(res.Chunks), res.DocumentName, res.DocumentID, searchQuery)
	for i, text := range res.Chunks {
		fmt.Printf("--- [%d] ---\n", i+1)
		fmt.Println(text)
		fmt.Println()
	}
	return nil
}
