package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/veritas"
)

var (
	encryptPlaintext  string
	encryptFile       string
	encryptJsonOutput bool

	recoverEnvelope string
	recoverOutput   string

	shredJsonOutput bool
)

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt a payload under a fresh single-use key",
	Long: `Encrypt a payload under a fresh single-use key.

The output is an envelope (key id, ciphertext and algorithm tag) that never
carries key material. Unless a custodian is configured the key is destroyed
immediately and the ciphertext can never be decrypted again.

Examples:
  veritas encrypt --plaintext "patient record 42"
  veritas encrypt --file scan.txt --json > envelope.json
  cat scan.txt | veritas encrypt`,
	RunE: runEncrypt,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Decrypt an envelope with the key held by the custodian",
	Long: `Decrypt an envelope with the key held by the custodian.

Only keys deposited with a custodian (--custodian wrapping) can be recovered,
and only until their key id is shredded.

Examples:
  veritas recover --envelope envelope.json --custodian wrapping`,
	RunE: runRecover,
}

var shredCmd = &cobra.Command{
	Use:   "shred <key-id>",
	Short: "Crypto-shred a key so its ciphertext can never be recovered",
	Long: `Crypto-shred a key so its ciphertext can never be recovered.

Shredding is permanent and recorded as a KEY_SHRED link. Repeating it is
harmless and appends nothing. Tombstones must outlive this process, so the
command requires the redis tombstone store.`,
	Args: cobra.ExactArgs(1),
	RunE: runShred,
}

func init() {
	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(shredCmd)

	encryptCmd.Flags().StringVarP(&encryptPlaintext, "plaintext", "p", "", "plaintext to encrypt")
	encryptCmd.Flags().StringVarP(&encryptFile, "file", "f", "", "file to encrypt (default stdin)")
	encryptCmd.Flags().BoolVar(&encryptJsonOutput, "json", false, "Output in JSON format")
	encryptCmd.MarkFlagsMutuallyExclusive("plaintext", "file")

	recoverCmd.Flags().StringVarP(&recoverEnvelope, "envelope", "e", "", "envelope JSON file ('-' for stdin)")
	recoverCmd.Flags().StringVarP(&recoverOutput, "output", "o", "", "write the plaintext to this file instead of stdout")
	_ = recoverCmd.MarkFlagRequired("envelope")

	shredCmd.Flags().BoolVar(&shredJsonOutput, "json", false, "Output in JSON format")
}

func runEncrypt(cmd *cobra.Command, args []string) error {
	plaintext, err := readPlaintext()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(plaintext)

	resp, err := service.EncryptData(cmd.Context(), veritas.EncryptDataRequest{Plaintext: string(plaintext)})
	if err != nil {
		return err
	}

	if encryptJsonOutput {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(resp)
	}

	fmt.Printf("Key ID:     %s\n", resp.KeyID)
	fmt.Printf("Algorithm:  %s\n", resp.AlgorithmTag)
	fmt.Printf("Ciphertext: %s\n", resp.Ciphertext)
	if resp.TraceID != "" {
		fmt.Printf("Trace ID:   %s\n", resp.TraceID)
	}
	if strings.EqualFold(viper.GetString("keys.custodian"), "none") {
		color.Yellow("No custodian is configured: this ciphertext can never be decrypted.")
	}
	return nil
}

func readPlaintext() ([]byte, error) {
	switch {
	case encryptPlaintext != "":
		return []byte(encryptPlaintext), nil
	case encryptFile != "" && encryptFile != "-":
		data, err := os.ReadFile(encryptFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", encryptFile, err)
		}
		return data, nil
	default:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
}

func runRecover(cmd *cobra.Command, args []string) error {
	var (
		raw []byte
		err error
	)
	if recoverEnvelope == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(recoverEnvelope)
	}
	if err != nil {
		return fmt.Errorf("failed to read envelope: %w", err)
	}

	var envelope veritas.KeyEnvelope
	if err = json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	plaintext, err := envelopes.Recover(cmd.Context(), &envelope)
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(plaintext)

	if recoverOutput != "" {
		if err = os.WriteFile(recoverOutput, plaintext, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", recoverOutput, err)
		}
		fmt.Fprintf(os.Stderr, "Recovered %d bytes to %s\n", len(plaintext), recoverOutput)
		return nil
	}
	_, err = os.Stdout.Write(plaintext)
	return err
}

func runShred(cmd *cobra.Command, args []string) error {
	if !strings.EqualFold(viper.GetString("keys.tombstones"), "redis") {
		return fmt.Errorf("shredding from the command line requires persistent tombstones. Use --tombstones redis")
	}

	resp, err := service.ShredKey(cmd.Context(), veritas.ShredKeyRequest{KeyID: args[0]})
	if err != nil {
		return err
	}

	if shredJsonOutput {
		return json.NewEncoder(os.Stdout).Encode(resp)
	}

	if resp.AlreadyShredded {
		color.Yellow("Key %s was already shredded at %s", resp.KeyID, resp.ShreddedAt.Format("2006-01-02 15:04:05"))
		return nil
	}
	color.Green("✓ Key %s shredded", resp.KeyID)
	fmt.Printf("  Trace ID: %s\n", resp.TraceID)
	return nil
}
