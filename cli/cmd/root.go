package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/veritas"
	"southwinds.dev/veritas/audit"
)

const (
	annotationSkipInit = "veritas/skip-init"
	annotationStream   = "veritas/stream"
)

var (
	cfgFile     string
	service     *veritas.Service
	ledger      *veritas.Ledger
	envelopes   *veritas.EnvelopeService
	auditSink   audit.Sink
	broadcaster *audit.Broadcaster
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// Actor identifies the person running the CLI in links they append
func (c *CLIContext) Actor() string {
	return fmt.Sprintf("%s@%s", c.UserID, c.Source)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "veritas",
	Short: "Tamper-evident audit ledger with envelope encryption",
	Long: `Veritas records every sensitive action in an append-only hash chain and
encrypts every sensitive payload under a fresh single-use key.

The ledger only ever sees digests of ciphertext. Keys are referenced by id and
can be crypto-shredded, after which their ciphertext can never be recovered.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initializeService,
	PersistentPostRunE: closeService,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	// post-run hooks are skipped when a command fails
	if closeErr := closeService(rootCmd, nil); err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", formatError(err))
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.SetNormalizeFunc(normalizeFlagName)
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.veritas.yaml)")
	flags.StringP("tenant", "t", "", "tenant identifier")
	flags.String("actor", "", "system actor recorded on links appended by this process")
	flags.Bool("memory-lock", false, "lock process memory so keys are never swapped")

	flags.String("store-type", "", "chain store backend (memory, filesystem, sqlite, postgres, s3)")
	flags.String("store-path", "", "directory for the filesystem store")
	flags.String("sqlite-path", "", "database file for the sqlite store")
	flags.String("postgres-dsn", "", "connection string for the postgres store")

	flags.String("s3-endpoint", "", "S3 endpoint URL")
	flags.String("s3-region", "", "S3 region")
	flags.String("s3-bucket", "", "S3 bucket name")
	flags.String("s3-prefix", "", "S3 key prefix")
	flags.String("s3-access-key", "", "S3 access key ID")
	flags.String("s3-secret-key", "", "S3 secret access key")
	flags.Bool("s3-use-ssl", true, "use SSL for S3 connections")

	flags.String("tombstones", "", "tombstone store (memory, redis)")
	flags.String("redis-addr", "", "redis address for tombstones")
	flags.String("redis-password", "", "redis password")
	flags.String("custodian", "", "key custodian (none, enclave, wrapping)")
	flags.String("custodian-dir", "", "directory for wrapped keys")
	flags.String("passphrase", "", "custodian passphrase (or use VERITAS_PASSPHRASE)")

	flags.Bool("audit", false, "emit committed links to an audit sink")
	flags.String("audit-type", "", "audit sink type (file, syslog, kafka)")
	flags.String("audit-file", "", "audit sink file path")
	flags.StringSlice("kafka-brokers", nil, "kafka brokers for the kafka sink")
	flags.String("kafka-topic", "", "kafka topic for the kafka sink")

	bindFlagOrPanic("veritas.tenant", "tenant")
	bindFlagOrPanic("veritas.actor", "actor")
	bindFlagOrPanic("veritas.memory_lock", "memory-lock")
	bindFlagOrPanic("store.type", "store-type")
	bindFlagOrPanic("store.path", "store-path")
	bindFlagOrPanic("store.sqlite.path", "sqlite-path")
	bindFlagOrPanic("store.postgres.dsn", "postgres-dsn")
	bindFlagOrPanic("store.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("store.s3.region", "s3-region")
	bindFlagOrPanic("store.s3.bucket", "s3-bucket")
	bindFlagOrPanic("store.s3.prefix", "s3-prefix")
	bindFlagOrPanic("store.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("store.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("store.s3.use_ssl", "s3-use-ssl")
	bindFlagOrPanic("keys.tombstones", "tombstones")
	bindFlagOrPanic("keys.redis.address", "redis-addr")
	bindFlagOrPanic("keys.redis.password", "redis-password")
	bindFlagOrPanic("keys.custodian", "custodian")
	bindFlagOrPanic("keys.custodian_dir", "custodian-dir")
	bindFlagOrPanic("keys.passphrase", "passphrase")
	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")
	bindFlagOrPanic("audit.options.brokers", "kafka-brokers")
	bindFlagOrPanic("audit.options.topic", "kafka-topic")
}

// normalizeFlagName accepts --store_type as well as --store-type
func normalizeFlagName(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/veritas")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".veritas")
	}

	viper.SetEnvPrefix("VERITAS")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	defaults := veritas.DefaultOptions()
	viper.SetDefault("veritas.tenant", defaults.TenantID)
	viper.SetDefault("veritas.actor", defaults.SystemActor)
	viper.SetDefault("veritas.max_plaintext_size", defaults.MaxPlaintextSize)
	viper.SetDefault("veritas.memory_lock", false)
	viper.SetDefault("veritas.audit_encryptions", defaults.AuditEncryptions)

	viper.SetDefault("store.type", "filesystem")
	viper.SetDefault("store.path", ".veritas")
	viper.SetDefault("store.sqlite.path", ".veritas/chain.db")
	viper.SetDefault("store.s3.region", "us-east-1")
	viper.SetDefault("store.s3.prefix", "veritas")
	viper.SetDefault("store.s3.use_ssl", true)

	viper.SetDefault("keys.tombstones", "memory")
	viper.SetDefault("keys.redis.address", "localhost:6379")
	viper.SetDefault("keys.redis.db", 0)
	viper.SetDefault("keys.redis.namespace", "veritas")
	viper.SetDefault("keys.custodian", "none")
	viper.SetDefault("keys.custodian_dir", ".veritas/keys")

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.file_path", ".veritas/audit.log")
	viper.SetDefault("audit.options.topic", "veritas.audit")

	viper.SetDefault("server.addr", ":8000")
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
	viper.SetDefault("server.max_request_body_bytes", 12<<20)
	viper.SetDefault("server.stream_buffer", 64)

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "veritas")
	viper.SetDefault("telemetry.sampler", "parentbased")
}

// skipsInit reports whether cmd or one of its parents runs without a service
func skipsInit(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "help", "__complete", "__completeNoDesc":
		return true
	}
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations[annotationSkipInit] == "true" {
			return true
		}
	}
	return false
}

func initializeService(cmd *cobra.Command, args []string) error {
	if skipsInit(cmd) {
		return nil
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	options := optionsFromConfig()
	if err := options.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	auditSink, err = createAuditSink(options.TenantID)
	if err != nil {
		return fmt.Errorf("failed to create audit sink: %w", err)
	}
	if cmd.Annotations[annotationStream] == "true" {
		broadcaster = audit.NewBroadcaster(viper.GetInt("server.stream_buffer"))
		auditSink = audit.NewMulti(auditSink, broadcaster)
	}

	ledger, err = openLedger(ctx, options, auditSink)
	if err != nil {
		_ = auditSink.Close()
		return err
	}

	envelopes, err = createEnvelopeService(ctx, options)
	if err != nil {
		_ = ledger.Close()
		return err
	}

	service, err = veritas.NewService(options, ledger, envelopes)
	if err != nil {
		_ = ledger.Close()
		_ = envelopes.Close()
		return err
	}
	return nil
}

func closeService(cmd *cobra.Command, args []string) error {
	if service == nil {
		return nil
	}
	err := service.Close()
	service = nil
	return err
}

func optionsFromConfig() veritas.Options {
	return veritas.Options{
		SystemActor:      viper.GetString("veritas.actor"),
		TenantID:         viper.GetString("veritas.tenant"),
		MaxPlaintextSize: viper.GetInt("veritas.max_plaintext_size"),
		EnableMemoryLock: viper.GetBool("veritas.memory_lock"),
		AuditEncryptions: viper.GetBool("veritas.audit_encryptions"),
	}
}

// getCurrentUser retrieves the username of the currently logged-in user.
// It returns "unknown_user" if the user cannot be determined.
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("WARNING: could not get current user: %v. Falling back to 'unknown_user'.\n", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.New().String()
}

// getHostname retrieves the hostname of the machine.
// It returns "unknown_host" if the hostname cannot be determined.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("WARNING: could not get hostname: %v. Falling back to 'unknown_host'.\n", err)
		return "unknown_host"
	}
	return hostname
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		messages = append(messages, e.Error())
	}

	message := messages[0]
	if len(message) > 0 {
		message = strings.ToUpper(message[:1]) + message[1:]
	}

	var integrity *veritas.ChainIntegrityError
	if errors.As(err, &integrity) {
		return fmt.Sprintf("Error: %s (repair the store, then run 'veritas verify')", message)
	}
	return fmt.Sprintf("Error: %s", message)
}
