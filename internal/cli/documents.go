package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var filesJSON bool

var uploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Upload and index one PDF",
	Args:  cobra.ExactArgs(1),
	RunE:  runUpload,
}

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "List uploaded documents",
	Args:  cobra.NoArgs,
	RunE:  runFiles,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its index",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(uploadCmd, filesCmd, deleteCmd)
	filesCmd.Flags().BoolVar(&filesJSON, "json", false, "output as JSON")
}

func runUpload(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), GetConfig(), false)
	if err != nil {
		return err
	}
	if err := a.requireExtractor(); err != nil {
		return err
	}

	doc, err := a.svc.IngestFile(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	fmt.Printf("Uploaded %s\n", doc.Name)
	fmt.Printf("  ID:     %s\n", doc.ID)
	fmt.Printf("  Pages:  %d\n", doc.PageCount)
	fmt.Printf("  Chunks: %d\n", doc.ChunkCount)
	return nil
}

func runFiles(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), GetConfig(), false)
	if err != nil {
		return err
	}

	files := a.svc.List()
	if filesJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(files)
	}

	if len(files) == 0 {
		fmt.Println("No files uploaded.")
		return nil
	}
	fmt.Printf("%-10s %7s %-9s %s\n", "ID", "CHUNKS", "EMBEDDED", "NAME")
	for _, f := range files {
		fmt.Printf("%-10s %7d %-9v %s\n", f.ID, f.Chunks, f.IsEmbedded, f.Name)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), GetConfig(), false)
	if err != nil {
		return err
	}

	doc, err := a.svc.Delete(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", doc.Name)
	return nil
}
