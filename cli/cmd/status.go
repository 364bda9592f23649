package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusJsonOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger status",
	Long:  "Display the chain length and tip, the store in use and the memory protection level.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJsonOutput, "json", false, "Output in JSON format")
}

func showStatus(cmd *cobra.Command, args []string) error {
	status := service.Status(cmd.Context())
	if statusJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(status)
	}

	fmt.Println(status.System)
	fmt.Println("====================")

	if status.Status == "operational" {
		color.Green("Status:            %s", status.Status)
	} else {
		color.Red("Status:            %s", status.Status)
	}
	fmt.Printf("Protocol:          %s\n", status.Protocol)
	fmt.Printf("Tenant:            %s\n", currentTenant())
	fmt.Printf("Store:             %s\n", status.Store)
	fmt.Printf("Chain Length:      %d\n", status.ChainLength)
	fmt.Printf("Tip Hash:          %s\n", status.TipHash)
	fmt.Printf("Memory Protection: %s\n", status.MemoryProtection)
	fmt.Printf("Tombstones:        %s\n", viper.GetString("keys.tombstones"))
	fmt.Printf("Custodian:         %s\n", viper.GetString("keys.custodian"))
	fmt.Printf("Started:           %s\n", status.StartedAt.Format(time.RFC3339))

	return nil
}
