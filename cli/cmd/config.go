package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/veritas/audit"
	"southwinds.dev/veritas/internal/misc"
)

// configSections are the top-level blocks of a veritas config file
var configSections = []string{"veritas", "store", "keys", "audit", "server", "telemetry"}

// environmentOnlyKeys must never be written to a config file
var environmentOnlyKeys = map[string]string{
	"keys.passphrase": passphraseEnvVar,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage veritas configuration",
	Long: `Manage veritas configuration.

The configuration has one section per component:

  veritas    tenant, system actor and encryption limits
  store      where the chain is persisted
  keys       tombstones for shredded keys and the key custodian
  audit      the sink every committed link is emitted to
  server     the HTTP surface started by 'veritas serve'
  telemetry  OTLP trace export

Values are read from the config file, VERITAS_* environment variables and
flags, in increasing order of precedence.`,
	Annotations: map[string]string{annotationSkipInit: "true"},
}

var configViewCmd = &cobra.Command{
	Use:       "view [section]",
	Short:     "Show the effective configuration",
	Long:      `Show the effective configuration, or one section of it. Secrets are redacted.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: configSections,
	RunE:      runConfigView,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a configuration value to the config file",
	Long: `Write a configuration value to the config file.

Keys use dot notation (store.type, keys.redis.address). The custodian
passphrase is never written to disk: export VERITAS_PASSPHRASE instead.

Examples:
  veritas config set store.type sqlite
  veritas config set audit.options.brokers kafka-1:9092,kafka-2:9092`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file",
	Long: `Create a config file from a template.

Templates: minimal (tenant and store), default (adds the audit sink) and full
(every section with its defaults).

Examples:
  veritas config init
  veritas config init --template full --store-type sqlite`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration",
	Long: `Check the configuration.

Without --connect only the values are checked. With --connect every component
is built the way other commands build it: the store is opened and its chain
verified, the audit sink and tombstone store are created and the custodian is
unlocked. Nothing is appended to the chain.`,
	RunE: runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:       "list [section]",
	Short:     "List the known configuration keys",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: configSections,
	RunE:      runConfigList,
}

var (
	configForce     bool
	configGlobal    bool
	configTemplate  string
	configStoreType string
	configFormat    string
	configKeyFormat string
	configConnect   bool
	configTimeout   time.Duration
	configJSON      bool
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configListCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")

	configSetCmd.Flags().BoolVar(&configForce, "force", false, "accept unknown keys and skip value checks")
	configSetCmd.Flags().BoolVar(&configGlobal, "global", false, "write to the global config file")

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing config file")
	configInitCmd.Flags().BoolVar(&configGlobal, "global", false, "write the global config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "template (minimal, default, full)")
	configInitCmd.Flags().StringVar(&configStoreType, "store-type", "", "chain store backend to preselect")

	configValidateCmd.Flags().BoolVar(&configConnect, "connect", false, "build every component and open the chain")
	configValidateCmd.Flags().DurationVar(&configTimeout, "timeout", 15*time.Second, "time allowed for --connect")
	configValidateCmd.Flags().BoolVar(&configJSON, "json", false, "Output in JSON format")

	configListCmd.Flags().StringVarP(&configKeyFormat, "format", "f", "table", "output format (table, yaml, json)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	section := ""
	if len(args) == 1 {
		section = args[0]
	}
	settings, err := configSettings(section)
	if err != nil {
		return err
	}

	switch configFormat {
	case "json":
		return printConfigJSON(settings)
	case "yaml":
		return printConfigYAML(settings)
	case "table":
		return printConfigTable(settings, section)
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

// configSettings returns the effective settings, or one section of them,
// with secrets redacted
func configSettings(section string) (map[string]interface{}, error) {
	settings := viper.AllSettings()
	maskSensitiveValues(settings)
	if section == "" {
		return settings, nil
	}
	if !contains(configSections, section) {
		return nil, fmt.Errorf("unknown section %q (sections: %s)", section, strings.Join(configSections, ", "))
	}
	sub, ok := settings[section].(map[string]interface{})
	if !ok {
		return map[string]interface{}{}, nil
	}
	return sub, nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Printf("%s = %v\n", key, value)
	if configFile := viper.ConfigFileUsed(); configFile != "" {
		fmt.Printf("Source: %s\n", configFile)
	} else {
		fmt.Println("Source: defaults/environment/flags")
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	value, err := settableValue(key, raw, configForce)
	if err != nil {
		return err
	}
	viper.Set(key, value)

	settings := viper.AllSettings()
	dropEnvironmentOnly(settings)
	configFile := getConfigFilePath(configGlobal)
	if err = writeConfigFile(configFile, settings); err != nil {
		return err
	}

	if isSensitiveConfigKey(key) {
		fmt.Printf("Set %s = [REDACTED]\n", key)
	} else {
		fmt.Printf("Set %s = %v\n", key, value)
	}
	fmt.Printf("Configuration saved to: %s\n", configFile)

	// a multi-step change may be incomplete on purpose, so problems only warn
	for _, problem := range validateConfiguration() {
		color.Yellow("warning: %s", problem)
	}
	return nil
}

// settableValue converts raw for key and rejects what must not be written to
// a config file. force skips the key and value checks but never lets a
// passphrase through.
func settableValue(key, raw string, force bool) (interface{}, error) {
	if envVar, ok := environmentOnlyKeys[key]; ok {
		return nil, fmt.Errorf("%s is never written to the config file. Export %s instead", key, envVar)
	}
	if !force && !isValidConfigKey(key) {
		return nil, fmt.Errorf("unknown configuration key: %s (use --force to override, 'veritas config list' for known keys)", key)
	}

	value := convertValue(raw)
	if !force {
		if err := validateConfigValue(key, value); err != nil {
			return nil, err
		}
	}
	return value, nil
}

// dropEnvironmentOnly removes values that reached viper from the environment
// or a flag and must not be persisted
func dropEnvironmentOnly(settings map[string]interface{}) {
	for key := range environmentOnlyKeys {
		parts := strings.Split(key, ".")
		m := settings
		for _, part := range parts[:len(parts)-1] {
			next, ok := m[part].(map[string]interface{})
			if !ok {
				m = nil
				break
			}
			m = next
		}
		if m != nil {
			delete(m, parts[len(parts)-1])
		}
	}
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath(configGlobal)
	if fileExists(configFile) && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	config, err := configTemplateFor(configTemplate, configStoreType)
	if err != nil {
		return err
	}
	if err = writeConfigFile(configFile, config); err != nil {
		return err
	}

	fmt.Printf("Configuration file created: %s\n", configFile)
	fmt.Printf("Template used: %s\n", configTemplate)
	if store, ok := config["store"].(map[string]interface{}); ok {
		fmt.Printf("Chain store:   %v\n", store["type"])
	}
	return nil
}

// configTemplateFor returns the named template with storeType preselected
func configTemplateFor(template, storeType string) (map[string]interface{}, error) {
	switch template {
	case "minimal", "default", "full":
	default:
		return nil, fmt.Errorf("unknown template %q (templates: minimal, default, full)", template)
	}
	config := getConfigTemplate(template)
	if storeType == "" {
		return config, nil
	}

	if err := validateConfigValue("store.type", storeType); err != nil {
		return nil, err
	}
	store := config["store"].(map[string]interface{})
	store["type"] = storeType
	switch storeType {
	case "sqlite":
		if _, ok := store["sqlite"]; !ok {
			store["sqlite"] = map[string]interface{}{"path": ".veritas/chain.db"}
		}
	case "postgres":
		if _, ok := store["postgres"]; !ok {
			store["postgres"] = map[string]interface{}{"dsn": ""}
		}
	case "s3":
		if _, ok := store["s3"]; !ok {
			store["s3"] = map[string]interface{}{"bucket": "", "region": "us-east-1", "prefix": "veritas", "use_ssl": true}
		}
	}
	return config, nil
}

// writeConfigFile writes settings as YAML readable by the owner only, since
// the file may hold a DSN or redis password
func writeConfigFile(configFile string, settings map[string]interface{}) error {
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// WriteFile keeps the mode of an existing file
	if err = os.Chmod(configFile, misc.FilePermissions); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	problems := validateConfiguration()

	var components []componentStatus
	if configConnect && len(problems) == 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), configTimeout)
		defer cancel()
		components = connectComponents(ctx)
	}

	failed := len(problems)
	for _, c := range components {
		if !c.ok() {
			failed++
		}
	}

	if configJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(map[string]interface{}{
			"valid":      failed == 0,
			"problems":   problems,
			"components": components,
		}); err != nil {
			return err
		}
	} else {
		printValidation(problems, components)
	}

	if failed > 0 {
		return fmt.Errorf("configuration validation failed with %d errors", failed)
	}
	return nil
}

func printValidation(problems []string, components []componentStatus) {
	if len(problems) > 0 {
		color.Red("✗ Configuration validation failed:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return
	}
	color.Green("✓ Configuration is valid")

	for _, c := range components {
		if c.ok() {
			color.Green("  ✓ %-10s %-10s %s", c.Component, c.Backend, c.Detail)
		} else {
			color.Red("  ✗ %-10s %-10s %s", c.Component, c.Backend, c.Error)
		}
	}
}

// componentStatus is the outcome of building one configured component
type componentStatus struct {
	Component string `json:"component"`
	Backend   string `json:"backend"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (c componentStatus) ok() bool {
	return c.Error == ""
}

// connectComponents builds every configured component through the same
// constructors the other commands use, then releases it
func connectComponents(ctx context.Context) []componentStatus {
	var out []componentStatus

	store := componentStatus{Component: "store", Backend: viper.GetString("store.type")}
	ledger, err := openLedger(ctx, optionsFromConfig(), audit.NewNoOpLogger())
	if err != nil {
		store.Error = err.Error()
	} else {
		length, tip := ledger.Tip()
		store.Detail = fmt.Sprintf("%d links verified, tip %s", length, truncateString(tip, 16))
		if err = ledger.Close(); err != nil {
			store.Error = err.Error()
		}
	}
	out = append(out, store)

	sink := componentStatus{Component: "audit", Backend: "disabled"}
	if viper.GetBool("audit.enabled") {
		sink.Backend = viper.GetString("audit.type")
	}
	if s, err := createAuditSink(currentTenant()); err != nil {
		sink.Error = err.Error()
	} else {
		sink.Detail = "sink ready"
		if err = s.Close(); err != nil {
			sink.Error = err.Error()
		}
	}
	out = append(out, sink)

	tombstones := componentStatus{Component: "tombstones", Backend: viper.GetString("keys.tombstones")}
	if t, err := createTombstones(ctx); err != nil {
		tombstones.Error = err.Error()
	} else {
		tombstones.Detail = "reachable"
		if tombstones.Backend == "memory" {
			tombstones.Detail = "process local, shredding does not outlive a command"
		}
		if err = t.Close(); err != nil {
			tombstones.Error = err.Error()
		}
	}
	out = append(out, tombstones)

	custodian := componentStatus{Component: "custodian", Backend: viper.GetString("keys.custodian")}
	if c, err := createCustodian(); err != nil {
		custodian.Error = err.Error()
	} else if c == nil {
		custodian.Detail = "keys are destroyed after encryption"
	} else {
		custodian.Detail = "keys can be recovered until shredded"
	}
	out = append(out, custodian)

	return out
}

func runConfigList(cmd *cobra.Command, args []string) error {
	keys := getConfigKeyDescriptions()
	if len(args) == 1 {
		if !contains(configSections, args[0]) {
			return fmt.Errorf("unknown section %q (sections: %s)", args[0], strings.Join(configSections, ", "))
		}
		keys = keysInSection(keys, args[0])
	}

	switch configKeyFormat {
	case "table":
		return printConfigKeysTable(keys)
	case "yaml":
		return printConfigKeysYAML(keys)
	case "json":
		return printConfigKeysJSON(keys)
	default:
		return fmt.Errorf("unsupported format: %s", configKeyFormat)
	}
}

func keysInSection(keys map[string]string, section string) map[string]string {
	out := make(map[string]string)
	for key, description := range keys {
		if strings.HasPrefix(key, section+".") {
			out[key] = description
		}
	}
	return out
}

// sortedSettingKeys flattens settings into sorted dot-notation keys under prefix
func sortedSettingKeys(settings map[string]interface{}, prefix string) []string {
	var keys []string
	flattenKeys(settings, prefix, &keys)
	sort.Strings(keys)
	return keys
}
