package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"southwinds.dev/veritas/pipeline"
)

var (
	digitizeMaxPages   int
	digitizeJsonOutput bool
)

var digitizeCmd = &cobra.Command{
	Use:   "digitize <page-file>...",
	Short: "Extract, seal and attest the text of a document",
	Long: `Extract, seal and attest the text of a document.

Each file is one page. The text of the first pages is joined, encrypted under
a fresh key and attested as a DOCUMENT_DIGITIZATION link. Only the archive
record is printed: the extracted text never leaves the process.

Examples:
  veritas digitize page1.txt page2.txt --json > archive.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDigitize,
}

func init() {
	rootCmd.AddCommand(digitizeCmd)

	digitizeCmd.Flags().IntVar(&digitizeMaxPages, "max-pages", pipeline.DefaultMaxPages, "maximum number of pages to read")
	digitizeCmd.Flags().BoolVar(&digitizeJsonOutput, "json", false, "Output in JSON format")
}

func runDigitize(cmd *cobra.Command, args []string) error {
	pages := make([][]byte, 0, len(args))
	defer func() {
		for _, page := range pages {
			memguard.WipeBytes(page)
		}
	}()
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read page %s: %w", path, err)
		}
		pages = append(pages, data)
	}

	sieve := pipeline.NewSieve(service.Auditor(), pipeline.TextEngine{}, pipeline.WithMaxPages(digitizeMaxPages))
	archive, err := sieve.ProcessSecurely(cmd.Context(), pages)
	if err != nil {
		return err
	}

	if digitizeJsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(archive)
	}

	fmt.Printf("Status:      %s\n", archive.Status)
	fmt.Printf("Pages:       %d\n", archive.Pages)
	fmt.Printf("Chain Index: %d\n", archive.ChainIndex)
	fmt.Printf("Trace ID:    %s\n", archive.TraceID)
	fmt.Printf("Key ID:      %s\n", archive.Envelope.KeyID)
	return nil
}
