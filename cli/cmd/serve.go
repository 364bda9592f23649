package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"southwinds.dev/veritas/internal/telemetry"
	"southwinds.dev/veritas/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the ledger and encryption API over HTTP",
	Long: `Serve the ledger and encryption API over HTTP.

Routes:
  GET  /                  service status
  POST /veritas/log       append an audit event
  GET  /veritas/chain     the full chain
  GET  /veritas/verify    audit the chain against its store
  POST /veritas/resume    lift a halt after an integrity failure
  GET  /veritas/stream    websocket tail of committed links (?from=N for backlog)
  POST /umbrella/encrypt  envelope-encrypt a payload
  POST /umbrella/shred    crypto-shred a key`,
	Annotations: map[string]string{annotationStream: "true"},
	RunE:        runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "", "listen address (default :8000)")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "CORS allowlist")
	serveCmd.Flags().Bool("telemetry", false, "export traces over OTLP (configure with OTEL_* variables)")

	for key, flag := range map[string]string{
		"server.addr":            "addr",
		"server.allowed_origins": "allowed-origins",
		"telemetry.enabled":      "telemetry",
	} {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind %s flag: %v", flag, err))
		}
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if viper.GetBool("telemetry.enabled") {
		shutdown, err := telemetry.Init(ctx, telemetryConfig())
		if err != nil {
			return fmt.Errorf("failed to initialise telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				log.Printf("WARNING: telemetry shutdown failed: %v\n", err)
			}
		}()
	}

	srv, err := server.New(service, broadcaster, serverConfig())
	if err != nil {
		return err
	}

	status := service.Status(ctx)
	fmt.Printf("%s (%s)\n", status.System, status.Protocol)
	fmt.Printf("  store:             %s\n", status.Store)
	fmt.Printf("  chain length:      %d\n", status.ChainLength)
	fmt.Printf("  memory protection: %s\n", status.MemoryProtection)

	return srv.Run(ctx)
}

func serverConfig() server.Config {
	config := server.DefaultConfig()
	if addr := viper.GetString("server.addr"); addr != "" {
		config.Addr = addr
	}
	if origins := viper.GetStringSlice("server.allowed_origins"); len(origins) > 0 {
		config.AllowedOrigins = origins
	}
	if limit := viper.GetInt64("server.max_request_body_bytes"); limit > 0 {
		config.MaxRequestBodyBytes = limit
	}
	return config
}

// telemetryConfig starts from the OTEL_* environment and lets the config file override it
func telemetryConfig() telemetry.Config {
	config := telemetry.ConfigFromEnv()
	if err := viper.UnmarshalKey("telemetry", &config); err != nil {
		log.Printf("WARNING: ignoring invalid telemetry configuration: %v\n", err)
	}
	return config
}
