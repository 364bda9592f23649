package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"southwinds.dev/veritas"
)

var (
	logAction   string
	logHash     string
	logData     string
	logFile     string
	logMetadata map[string]string

	chainJsonOutput bool
	chainFrom       uint64
	chainLimit      int

	verifyJsonOutput bool

	resumeOperator string
	resumeServer   string
	resumeTimeout  time.Duration
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Append an audit event to the chain",
	Long: `Append an audit event to the chain.

The chain attests a digest, never the data itself. Pass a precomputed
SHA-256 digest with --hash, or let the command digest --data or --file.

Examples:
  veritas log --action DOCUMENT_SIGNED --hash 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
  veritas log --action CONTRACT_ARCHIVED --file contract.pdf --meta case=1234`,
	RunE: runLog,
}

var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Print the audit chain",
	RunE:  runChain,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit the chain against its store",
	Long: `Audit the chain against its store.

Every link is recomputed and compared with what the store holds. On a
running server an invalid chain halts the ledger until an operator runs
'veritas resume'.`,
	RunE: runVerify,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Lift a halt on a running server after an integrity failure",
	Long: `Lift a halt on a running server after an integrity failure.

A halt lives in the process that detected it, so resume talks to the server
started with 'veritas serve'. A LEDGER_RESUME link naming the operator is
appended on success.

Examples:
  veritas resume --operator alice --server http://localhost:8000`,
	Annotations: map[string]string{annotationSkipInit: "true"},
	RunE:        runResume,
}

func init() {
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(resumeCmd)

	logCmd.Flags().StringVarP(&logAction, "action", "a", "", "action type to record (required)")
	logCmd.Flags().StringVar(&logHash, "hash", "", "hex SHA-256 digest of the artifact")
	logCmd.Flags().StringVar(&logData, "data", "", "artifact content to digest")
	logCmd.Flags().StringVarP(&logFile, "file", "f", "", "artifact file to digest ('-' for stdin)")
	logCmd.Flags().StringToStringVar(&logMetadata, "meta", nil, "metadata sent to the audit sink (key=value)")
	_ = logCmd.MarkFlagRequired("action")
	logCmd.MarkFlagsMutuallyExclusive("hash", "data", "file")
	logCmd.MarkFlagsOneRequired("hash", "data", "file")

	chainCmd.Flags().BoolVar(&chainJsonOutput, "json", false, "Output in JSON format")
	chainCmd.Flags().Uint64Var(&chainFrom, "from", 0, "first index to print")
	chainCmd.Flags().IntVar(&chainLimit, "limit", 0, "maximum number of links to print (0 for all)")

	verifyCmd.Flags().BoolVar(&verifyJsonOutput, "json", false, "Output in JSON format")

	resumeCmd.Flags().StringVar(&resumeOperator, "operator", "", "operator taking responsibility (defaults to the current user)")
	resumeCmd.Flags().StringVar(&resumeServer, "server", "http://localhost:8000", "base URL of the running server")
	resumeCmd.Flags().DurationVar(&resumeTimeout, "timeout", 10*time.Second, "request timeout")
}

func runLog(cmd *cobra.Command, args []string) error {
	digest, err := artifactDigest()
	if err != nil {
		return err
	}

	metadata := map[string]interface{}{
		"operator":   cliContext.Actor(),
		"session_id": cliContext.SessionID,
	}
	for k, v := range logMetadata {
		metadata[k] = v
	}

	resp, err := service.LogAuditEvent(cmd.Context(), veritas.LogAuditEventRequest{
		Action:   logAction,
		DataHash: digest,
		Metadata: metadata,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Committed %s at index %d\n", logAction, resp.ChainIndex)
	fmt.Printf("Artifact:  %s\n", digest)
	fmt.Printf("Lock hash: %s\n", resp.LockHash)
	return nil
}

// artifactDigest returns the digest named by exactly one of --hash, --data and --file
func artifactDigest() (string, error) {
	switch {
	case logHash != "":
		return strings.ToLower(strings.TrimSpace(logHash)), nil
	case logData != "":
		return veritas.DigestString(logData), nil
	case logFile == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return veritas.Digest(data), nil
	case logFile != "":
		data, err := os.ReadFile(logFile)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", logFile, err)
		}
		return veritas.Digest(data), nil
	}
	return "", fmt.Errorf("one of --hash, --data or --file is required")
}

func runChain(cmd *cobra.Command, args []string) error {
	chain := service.GetChain(cmd.Context())

	var links []veritas.ChainLink
	for _, link := range chain {
		if link.Index < chainFrom {
			continue
		}
		links = append(links, link)
		if chainLimit > 0 && len(links) == chainLimit {
			break
		}
	}

	if chainJsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(links)
	}

	if len(links) == 0 {
		fmt.Println("The chain is empty.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "INDEX\tTIMESTAMP\tACTOR\tACTION\tARTIFACT\tLOCK\n")
	for _, link := range links {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			link.Index,
			link.Timestamp.Format(time.RFC3339),
			truncateString(link.ActorIdentity, 24),
			link.ActionType,
			truncateString(link.ArtifactSignature, 16),
			truncateString(link.LockHash, 16),
		)
	}
	return w.Flush()
}

func runVerify(cmd *cobra.Command, args []string) error {
	resp, err := service.VerifyChain(cmd.Context())
	if err != nil {
		return err
	}

	if verifyJsonOutput {
		if err = json.NewEncoder(os.Stdout).Encode(resp); err != nil {
			return err
		}
	} else if resp.Valid {
		color.Green("✓ Chain is valid")
		fmt.Printf("  Links:    %d\n", resp.Length)
		fmt.Printf("  Tip hash: %s\n", resp.TipHash)
	} else {
		color.Red("✗ Chain integrity failure at index %d", *resp.FailedIndex)
		fmt.Printf("  %s\n", resp.Error)
		color.Yellow("Repair the store before appending again. A running server stays halted until 'veritas resume'.")
	}

	if !resp.Valid {
		return fmt.Errorf("chain verification failed")
	}
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	operator := resumeOperator
	if operator == "" {
		operator = fmt.Sprintf("%s@%s", getCurrentUser(), getHostname())
	}

	body, err := json.Marshal(map[string]string{"operator": operator})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), resumeTimeout)
	defer cancel()

	endpoint := strings.TrimRight(resumeServer, "/") + "/veritas/resume"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", resumeServer, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		if failure.Error == "" {
			failure.Error = resp.Status
		}
		return fmt.Errorf("resume rejected: %s", failure.Error)
	}

	var result struct {
		Resumed bool               `json:"resumed"`
		Link    *veritas.ChainLink `json:"link,omitempty"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !result.Resumed || result.Link == nil {
		fmt.Println("The ledger is not halted.")
		return nil
	}

	color.Green("✓ Ledger resumed by %s", operator)
	fmt.Printf("  Resume link: %d\n", result.Link.Index)
	fmt.Printf("  Lock hash:   %s\n", result.Link.LockHash)
	return nil
}
