package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/veritas"
	"southwinds.dev/veritas/audit"
	"southwinds.dev/veritas/persist"
)

var (
	validStoreTypes = []string{
		string(persist.StoreTypeMemory),
		string(persist.StoreTypeFileSystem),
		string(persist.StoreTypeSQLite),
		string(persist.StoreTypePostgres),
		string(persist.StoreTypeS3),
	}
	validAuditTypes = []string{
		string(audit.FileAuditType),
		string(audit.SyslogAuditType),
		string(audit.KafkaAuditType),
	}
	validTombstoneStores = []string{"memory", "redis"}
	validCustodians      = []string{"none", "enclave", "wrapping"}
)

func currentTenant() string {
	return viper.GetString("veritas.tenant")
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/veritas/config.yaml"
	}

	if cfgFile != "" {
		return cfgFile
	}

	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".veritas.yaml")
}

func ensureConfigDir(configFile string) error {
	dir := filepath.Dir(configFile)
	return os.MkdirAll(dir, 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
}

func getConfigTemplate(template string) map[string]interface{} {
	defaults := veritas.DefaultOptions()

	switch template {
	case "minimal":
		return map[string]interface{}{
			"veritas": map[string]interface{}{
				"tenant": defaults.TenantID,
			},
			"store": map[string]interface{}{
				"type": "filesystem",
				"path": ".veritas",
			},
		}
	case "full":
		return map[string]interface{}{
			"veritas": map[string]interface{}{
				"tenant":             defaults.TenantID,
				"actor":              defaults.SystemActor,
				"max_plaintext_size": defaults.MaxPlaintextSize,
				"memory_lock":        false,
				"audit_encryptions":  defaults.AuditEncryptions,
			},
			"store": map[string]interface{}{
				"type": "filesystem",
				"path": ".veritas",
				"sqlite": map[string]interface{}{
					"path": ".veritas/chain.db",
				},
				"postgres": map[string]interface{}{
					"dsn": "",
				},
				"s3": map[string]interface{}{
					"endpoint": "",
					"bucket":   "",
					"region":   "us-east-1",
					"prefix":   "veritas",
					"use_ssl":  true,
				},
			},
			"keys": map[string]interface{}{
				"tombstones": "memory",
				"redis": map[string]interface{}{
					"address":   "localhost:6379",
					"db":        0,
					"password":  "",
					"namespace": "veritas",
				},
				"custodian":     "none",
				"custodian_dir": ".veritas/keys",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": ".veritas/audit.log",
				},
			},
			"server": map[string]interface{}{
				"addr":                   ":8000",
				"allowed_origins":        []string{"http://localhost:3000", "http://127.0.0.1:3000"},
				"max_request_body_bytes": 12 << 20,
				"stream_buffer":          64,
			},
			"telemetry": map[string]interface{}{
				"enabled":      false,
				"service_name": "veritas",
				"sampler":      "parentbased",
			},
		}
	default: // "default"
		return map[string]interface{}{
			"veritas": map[string]interface{}{
				"tenant": defaults.TenantID,
				"actor":  defaults.SystemActor,
			},
			"store": map[string]interface{}{
				"type": "filesystem",
				"path": ".veritas",
			},
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{
					"file_path": ".veritas/audit.log",
				},
			},
		}
	}
}

func validateConfiguration() []string {
	var errors []string

	if err := optionsFromConfig().Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	storeType := viper.GetString("store.type")
	if !contains(validStoreTypes, storeType) {
		errors = append(errors, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(validStoreTypes, ", ")))
	}

	switch persist.StoreType(storeType) {
	case persist.StoreTypeFileSystem:
		if viper.GetString("store.path") == "" {
			errors = append(errors, "store path is required when using the filesystem store")
		}
	case persist.StoreTypeSQLite:
		if viper.GetString("store.sqlite.path") == "" {
			errors = append(errors, "sqlite path is required when using the sqlite store")
		}
	case persist.StoreTypePostgres:
		if viper.GetString("store.postgres.dsn") == "" {
			errors = append(errors, "postgres dsn is required when using the postgres store")
		}
	case persist.StoreTypeS3:
		if _, err := storeConfig(); err != nil {
			errors = append(errors, err.Error())
		}
	}

	tombstones := viper.GetString("keys.tombstones")
	if !contains(validTombstoneStores, tombstones) {
		errors = append(errors, fmt.Sprintf("invalid tombstone store: %s (must be one of: %s)",
			tombstones, strings.Join(validTombstoneStores, ", ")))
	}
	if tombstones == "redis" && viper.GetString("keys.redis.address") == "" {
		errors = append(errors, "redis address is required when using redis tombstones")
	}

	custodian := viper.GetString("keys.custodian")
	if !contains(validCustodians, custodian) {
		errors = append(errors, fmt.Sprintf("invalid custodian: %s (must be one of: %s)",
			custodian, strings.Join(validCustodians, ", ")))
	}
	if custodian == "wrapping" && viper.GetString("keys.passphrase") == "" && os.Getenv(passphraseEnvVar) == "" {
		errors = append(errors, fmt.Sprintf("a passphrase is required for the wrapping custodian (keys.passphrase or %s)", passphraseEnvVar))
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if !contains(validAuditTypes, auditType) {
			errors = append(errors, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(validAuditTypes, ", ")))
		}

		switch audit.ConfigType(auditType) {
		case audit.FileAuditType:
			if viper.GetString("audit.options.file_path") == "" {
				errors = append(errors, "audit file path is required when using file audit")
			}
		case audit.KafkaAuditType:
			if len(viper.GetStringSlice("audit.options.brokers")) == 0 {
				errors = append(errors, "at least one kafka broker is required when using kafka audit")
			}
		}
	}

	return errors
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"veritas.tenant":                "Tenant identifier copied onto audit events",
		"veritas.actor":                 "System actor recorded on links this process appends",
		"veritas.max_plaintext_size":    "Largest plaintext accepted by a single encryption, in bytes",
		"veritas.memory_lock":           "Lock process memory so keys are never swapped",
		"veritas.audit_encryptions":     "Record a DATA_ENCRYPTION link for every encryption",
		"store.type":                    "Chain store backend (memory, filesystem, sqlite, postgres, s3)",
		"store.path":                    "Directory for the filesystem store",
		"store.sqlite.path":             "Database file for the sqlite store",
		"store.postgres.dsn":            "Connection string for the postgres store",
		"store.s3.endpoint":             "S3 endpoint",
		"store.s3.bucket":               "S3 bucket name",
		"store.s3.region":               "S3 region",
		"store.s3.prefix":               "S3 key prefix",
		"store.s3.use_ssl":              "Use SSL for S3 connections",
		"store.s3.access_key_id":        "S3 access key ID",
		"store.s3.secret_access_key":    "S3 secret access key",
		"keys.tombstones":               "Tombstone store for shredded keys (memory, redis)",
		"keys.redis.address":            "Redis server address",
		"keys.redis.db":                 "Redis database number",
		"keys.redis.password":           "Redis password",
		"keys.redis.namespace":          "Redis key namespace",
		"keys.custodian":                "Key custodian (none, enclave, wrapping)",
		"keys.custodian_dir":            "Directory for wrapped keys",
		"keys.passphrase":               "Passphrase for the wrapping custodian",
		"audit.enabled":                 "Emit committed links to an audit sink",
		"audit.type":                    "Audit sink type (file, syslog, kafka)",
		"audit.options.file_path":       "Audit sink file path",
		"audit.options.brokers":         "Kafka brokers",
		"audit.options.topic":           "Kafka topic",
		"server.addr":                   "HTTP listen address",
		"server.allowed_origins":        "CORS allowlist",
		"server.max_request_body_bytes": "Largest accepted request body, in bytes",
		"server.stream_buffer":          "Events buffered per stream subscriber",
		"telemetry.enabled":             "Export traces over OTLP",
		"telemetry.service_name":        "Service name reported in traces",
		"telemetry.sampler":             "Trace sampler (always_on, always_off, traceidratio, parentbased)",
	}
}

// contains checks if a string slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// printConfigTable prints settings as key, value and source. prefix is the
// section the settings were taken from, if any.
func printConfigTable(settings map[string]interface{}, prefix string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	for _, key := range sortedSettingKeys(settings, prefix) {
		value := viper.Get(key)
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, settingSource(key))
	}
	return nil
}

// settingSource names where the effective value of key comes from
func settingSource(key string) string {
	if os.Getenv("VERITAS_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
		return "environment"
	}
	if viper.InConfig(key) && viper.ConfigFileUsed() != "" {
		return filepath.Base(viper.ConfigFileUsed())
	}
	return "default"
}

func printConfigJSON(settings map[string]interface{}) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printConfigYAML(settings map[string]interface{}) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}

	return nil
}

func printConfigKeysYAML(keys map[string]string) error {
	data, err := yaml.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to marshal keys to YAML: %w", err)
	}

	fmt.Print(string(data))
	return nil
}

func printConfigKeysJSON(keys map[string]string) error {
	data, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keys to JSON: %w", err)
	}

	fmt.Println(string(data))
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

// isSensitiveConfigKey checks if a configuration key contains sensitive data
func isSensitiveConfigKey(key string) bool {
	sensitiveKeys := []string{"passphrase", "password", "secret", "dsn", "token", "access_key"}
	lowerKey := strings.ToLower(key)

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

// maskSensitiveValues recursively masks sensitive values in configuration
func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// convertValue attempts to convert a string value to its most appropriate type
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	case "null", "nil":
		return nil
	}

	if intVal, err := strconv.Atoi(value); err == nil {
		return intVal
	}
	if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
		return floatVal
	}
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}

	return value
}

// validateConfigValue validates a configuration value based on its key
func validateConfigValue(key string, value interface{}) error {
	oneOf := func(valid []string) error {
		str, ok := value.(string)
		if !ok || !contains(valid, str) {
			return fmt.Errorf("invalid value for %s: %v (valid: %s)", key, value, strings.Join(valid, ", "))
		}
		return nil
	}

	switch key {
	case "store.type":
		return oneOf(validStoreTypes)
	case "audit.type":
		return oneOf(validAuditTypes)
	case "keys.tombstones":
		return oneOf(validTombstoneStores)
	case "keys.custodian":
		return oneOf(validCustodians)
	case "keys.redis.db":
		if num, ok := value.(int); !ok || num < 0 || num > 15 {
			return fmt.Errorf("redis db must be between 0 and 15")
		}
	case "veritas.max_plaintext_size", "server.max_request_body_bytes", "server.stream_buffer":
		if num, ok := value.(int); !ok || num <= 0 {
			return fmt.Errorf("%s must be a positive integer", key)
		}
	case "veritas.actor":
		str, _ := value.(string)
		opts := veritas.DefaultOptions()
		opts.SystemActor = str
		return opts.Validate()
	}
	return nil
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
