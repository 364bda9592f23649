package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"southwinds.dev/veritas/audit"
)

var (
	auditJsonOutput bool
	auditSince      string
	auditUntil      string
	auditAction     string
	auditActor      string
	auditFromIndex  int64
	auditLimit      int
	auditOffset     int
	auditDetails    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the events emitted to the audit sink",
	Long: `Query the events emitted to the configured audit sink.

Every committed chain link is emitted to the sink together with request
metadata that is never part of the chain itself. Only sinks that can read
back what they wrote (the file sink) support these commands.`,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events with filters",
	Long: `Query audit events with various filtering options.

Examples:
  # All events for the configured tenant
  veritas audit query

  # Security exceptions only
  veritas audit query --action SECURITY_EXCEPTION

  # Events from one actor in a time range
  veritas audit query --actor alice --since "2026-01-01T00:00:00Z" --until "2026-01-31T23:59:59Z"`,
	RunE: runAuditQuery,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show event counts per action and actor",
	RunE:  runAuditSummary,
}

var auditExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export audit events as JSON for compliance",
	Long: `Export audit events as JSON for compliance reporting.

Examples:
  veritas audit export --since "2026-01-01T00:00:00Z" > audit-report.json`,
	RunE: runAuditExport,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.AddCommand(auditQueryCmd)
	auditCmd.AddCommand(auditSummaryCmd)
	auditCmd.AddCommand(auditExportCmd)

	auditCmd.PersistentFlags().BoolVar(&auditJsonOutput, "json", false, "Output in JSON format")
	auditCmd.PersistentFlags().StringVar(&auditSince, "since", "", "Show events since this time (RFC3339 format)")
	auditCmd.PersistentFlags().StringVar(&auditUntil, "until", "", "Show events until this time (RFC3339 format)")
	auditCmd.PersistentFlags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to return")
	auditCmd.PersistentFlags().IntVar(&auditOffset, "offset", 0, "Number of events to skip")

	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action type")
	auditQueryCmd.Flags().StringVar(&auditActor, "actor", "", "Filter by actor identity")
	auditQueryCmd.Flags().Int64Var(&auditFromIndex, "from-index", -1, "Only events at or after this chain index")
	auditQueryCmd.Flags().BoolVar(&auditDetails, "details", false, "Show detailed event information")
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}

	result, err := queryAuditSink(options)
	if err != nil {
		return err
	}
	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(result)
	}
	if err = displayAuditEvents(result.Events); err != nil {
		return err
	}
	if result.HasMore {
		fmt.Printf("\nShowing %d of %d matching events. Use --offset to page.\n", len(result.Events), result.Filtered)
	}
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0

	result, err := queryAuditSink(options)
	if err != nil {
		return err
	}

	summary := summarizeEvents(result.Events)
	if auditJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(summary)
	}

	fmt.Printf("Tenant: %s\n", summary.TenantID)
	fmt.Printf("Events: %d\n", summary.Total)
	if summary.Total == 0 {
		return nil
	}
	fmt.Printf("First:  %s\n", summary.First.Format(time.RFC3339))
	fmt.Printf("Last:   %s\n", summary.Last.Format(time.RFC3339))
	fmt.Printf("Security exceptions: %d\n\n", summary.SecurityExceptions)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ACTION\tCOUNT\n")
	for _, action := range sortedKeys(summary.ByAction) {
		fmt.Fprintf(w, "%s\t%d\n", action, summary.ByAction[action])
	}
	fmt.Fprintf(w, "\nACTOR\tCOUNT\n")
	for _, actor := range sortedKeys(summary.ByActor) {
		fmt.Fprintf(w, "%s\t%d\n", actor, summary.ByActor[actor])
	}
	return w.Flush()
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	options, err := buildQueryOptions()
	if err != nil {
		return err
	}
	options.Limit = 0
	options.Offset = 0

	result, err := queryAuditSink(options)
	if err != nil {
		return err
	}

	export := map[string]interface{}{
		"tenant_id":   currentTenant(),
		"exported_at": time.Now().UTC(),
		"exported_by": cliContext.Actor(),
		"total_count": result.Filtered,
		"events":      result.Events,
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

func buildQueryOptions() (audit.QueryOptions, error) {
	options := audit.QueryOptions{
		TenantID:   currentTenant(),
		ActionType: auditAction,
		Actor:      auditActor,
		Limit:      auditLimit,
		Offset:     auditOffset,
	}

	if auditSince != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditSince)
		if err != nil {
			return options, fmt.Errorf("invalid since time format: %w", err)
		}
		options.Since = &parsedTime
	}

	if auditUntil != "" {
		parsedTime, err := time.Parse(time.RFC3339, auditUntil)
		if err != nil {
			return options, fmt.Errorf("invalid until time format: %w", err)
		}
		options.Until = &parsedTime
	}

	if auditFromIndex >= 0 {
		from := uint64(auditFromIndex)
		options.FromIndex = &from
	}

	return options, nil
}

func queryAuditSink(options audit.QueryOptions) (audit.QueryResult, error) {
	querier, ok := auditSink.(audit.Querier)
	if !ok {
		return audit.QueryResult{}, fmt.Errorf("the configured audit sink cannot be queried. Enable the file sink with --audit --audit-type file")
	}
	result, err := querier.Query(options)
	if err != nil {
		return result, fmt.Errorf("failed to query audit events: %w", err)
	}
	return result, nil
}

type auditSummary struct {
	TenantID           string         `json:"tenant_id"`
	Total              int            `json:"total"`
	SecurityExceptions int            `json:"security_exceptions"`
	First              time.Time      `json:"first,omitempty"`
	Last               time.Time      `json:"last,omitempty"`
	ByAction           map[string]int `json:"by_action"`
	ByActor            map[string]int `json:"by_actor"`
}

func summarizeEvents(events []audit.Event) auditSummary {
	summary := auditSummary{
		TenantID: currentTenant(),
		Total:    len(events),
		ByAction: make(map[string]int),
		ByActor:  make(map[string]int),
	}
	for i, event := range events {
		summary.ByAction[event.ActionType]++
		summary.ByActor[event.ActorIdentity]++
		if audit.IsSecurityException(event.ActionType) {
			summary.SecurityExceptions++
		}
		if i == 0 || event.Timestamp.Before(summary.First) {
			summary.First = event.Timestamp
		}
		if event.Timestamp.After(summary.Last) {
			summary.Last = event.Timestamp
		}
	}
	return summary
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func displayAuditEvents(events []audit.Event) error {
	if len(events) == 0 {
		fmt.Println("No audit events found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if auditDetails {
		for _, event := range events {
			fmt.Fprintf(w, "Event ID:\t%s\n", event.ID)
			fmt.Fprintf(w, "Index:\t%d\n", event.Index)
			fmt.Fprintf(w, "Timestamp:\t%s\n", event.Timestamp.Format(time.RFC3339Nano))
			fmt.Fprintf(w, "Tenant:\t%s\n", event.TenantID)
			fmt.Fprintf(w, "Actor:\t%s\n", event.ActorIdentity)
			fmt.Fprintf(w, "Action:\t%s\n", event.ActionType)
			fmt.Fprintf(w, "Artifact:\t%s\n", event.ArtifactSignature)
			fmt.Fprintf(w, "Previous:\t%s\n", event.PreviousHash)
			fmt.Fprintf(w, "Lock:\t%s\n", event.LockHash)

			if len(event.Metadata) > 0 {
				fmt.Fprintf(w, "Metadata:\t")
				for _, k := range sortedMetadataKeys(event.Metadata) {
					fmt.Fprintf(w, "%s=%v ", k, event.Metadata[k])
				}
				fmt.Fprintf(w, "\n")
			}

			fmt.Fprintf(w, "────────────────────────────────────────\n")
		}
	} else {
		fmt.Fprintf(w, "INDEX\tTIMESTAMP\tACTOR\tACTION\tARTIFACT\n")

		for _, event := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				event.Index,
				event.Timestamp.Format("2006-01-02 15:04:05"),
				truncateString(event.ActorIdentity, 24),
				event.ActionType,
				truncateString(event.ArtifactSignature, 16),
			)
		}
	}

	return w.Flush()
}

func sortedMetadataKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func truncateString(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
