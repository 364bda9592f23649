package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"southwinds.dev/veritas"
	"southwinds.dev/veritas/audit"
	"southwinds.dev/veritas/internal/crypto"
	"southwinds.dev/veritas/internal/misc"
	"southwinds.dev/veritas/keys"
	"southwinds.dev/veritas/persist"
)

const passphraseEnvVar = "VERITAS_PASSPHRASE"

func createAuditSink(tenantID string) (audit.Sink, error) {
	return audit.NewSink(&audit.Config{
		Enabled:  viper.GetBool("audit.enabled"),
		TenantID: tenantID,
		Type:     audit.ConfigType(viper.GetString("audit.type")),
		Options:  viper.GetStringMap("audit.options"),
		LogLevel: viper.GetString("audit.log_level"),
	})
}

// storeConfig builds the persist configuration for the configured backend
func storeConfig() (persist.StoreConfig, error) {
	storeType := persist.StoreType(strings.ToLower(viper.GetString("store.type")))
	cfg := persist.StoreConfig{Type: storeType, Config: map[string]interface{}{}}

	switch storeType {
	case persist.StoreTypeMemory:
	case persist.StoreTypeFileSystem:
		cfg.Config["base_path"] = viper.GetString("store.path")
	case persist.StoreTypeSQLite:
		cfg.Config["path"] = viper.GetString("store.sqlite.path")
	case persist.StoreTypePostgres:
		cfg.Config["dsn"] = viper.GetString("store.postgres.dsn")
	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("store.s3.endpoint"),
			AccessKeyID:     viper.GetString("store.s3.access_key_id"),
			SecretAccessKey: viper.GetString("store.s3.secret_access_key"),
			Bucket:          viper.GetString("store.s3.bucket"),
			KeyPrefix:       viper.GetString("store.s3.prefix"),
			UseSSL:          viper.GetBool("store.s3.use_ssl"),
			Region:          viper.GetString("store.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return cfg, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		cfg.Config = map[string]interface{}{
			"endpoint":          s3Config.Endpoint,
			"access_key_id":     s3Config.AccessKeyID,
			"secret_access_key": s3Config.SecretAccessKey,
			"bucket":            s3Config.Bucket,
			"prefix":            s3Config.KeyPrefix,
			"use_ssl":           s3Config.UseSSL,
			"region":            s3Config.Region,
		}
	default:
		return cfg, fmt.Errorf("unsupported store type: %s. Supported types: memory, filesystem, sqlite, postgres, s3", storeType)
	}
	return cfg, nil
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "store.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "store.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "store.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "store.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func openLedger(ctx context.Context, options veritas.Options, sink audit.Sink) (*veritas.Ledger, error) {
	cfg, err := storeConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Type == persist.StoreTypeSQLite {
		if err = ensureParentDir(viper.GetString("store.sqlite.path")); err != nil {
			return nil, err
		}
	}

	store, err := persist.NewStore(cfg, options.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Type, err)
	}

	l, err := veritas.OpenLedger(ctx, store,
		veritas.WithSink(sink),
		veritas.WithSystemActor(options.SystemActor),
		veritas.WithTenant(options.TenantID),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	return l, nil
}

func createEnvelopeService(ctx context.Context, options veritas.Options) (*veritas.EnvelopeService, error) {
	tombstones, err := createTombstones(ctx)
	if err != nil {
		return nil, err
	}
	custodian, err := createCustodian()
	if err != nil {
		_ = tombstones.Close()
		return nil, err
	}

	opts := []veritas.EnvelopeOption{
		veritas.WithTombstones(tombstones),
		veritas.WithMaxPlaintextSize(options.MaxPlaintextSize),
	}
	if custodian != nil {
		opts = append(opts, veritas.WithCustodian(custodian))
	}
	return veritas.NewEnvelopeService(opts...), nil
}

func createTombstones(ctx context.Context) (keys.TombstoneStore, error) {
	switch kind := strings.ToLower(viper.GetString("keys.tombstones")); kind {
	case "", "memory":
		return keys.NewMemoryTombstones(), nil
	case "redis":
		store, err := keys.NewRedisTombstones(ctx, keys.RedisOptions{
			Addr:      viper.GetString("keys.redis.address"),
			Password:  viper.GetString("keys.redis.password"),
			DB:        viper.GetInt("keys.redis.db"),
			Namespace: viper.GetString("keys.redis.namespace"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis tombstones: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported tombstone store: %s. Supported types: memory, redis", kind)
	}
}

func createCustodian() (keys.Custodian, error) {
	switch kind := strings.ToLower(viper.GetString("keys.custodian")); kind {
	case "", "none":
		return nil, nil
	case "enclave":
		return keys.NewEnclaveCustodian(), nil
	case "wrapping":
		passphrase := viper.GetString("keys.passphrase")
		if passphrase == "" {
			passphrase = os.Getenv(passphraseEnvVar)
		}
		if passphrase == "" {
			return nil, fmt.Errorf("custodian passphrase is required. Use --passphrase flag or %s environment variable", passphraseEnvVar)
		}
		dir := viper.GetString("keys.custodian_dir")
		salt, err := loadOrCreateSalt(dir)
		if err != nil {
			return nil, err
		}
		return keys.NewWrappingCustodian([]byte(passphrase), salt, dir)
	default:
		return nil, fmt.Errorf("unsupported custodian: %s. Supported types: none, enclave, wrapping", kind)
	}
}

// loadOrCreateSalt keeps the key derivation salt next to the wrapped keys
func loadOrCreateSalt(dir string) ([]byte, error) {
	if err := os.MkdirAll(dir, misc.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create custodian directory: %w", err)
	}
	path := filepath.Join(dir, "salt")

	raw, err := os.ReadFile(path)
	if err == nil {
		salt, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("corrupt salt file %s: %w", path, err)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(path, []byte(hex.EncodeToString(salt)), misc.FilePermissions); err != nil {
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	return salt, nil
}

func ensureParentDir(path string) error {
	if path == "" || path == ":memory:" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), misc.DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return nil
}
