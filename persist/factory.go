package persist

import (
	"fmt"
	"strings"
)

// NewStore factory function to create storage backends
func NewStore(config StoreConfig, tenantID string) (LinkStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil

	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config, tenantID)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config, tenantID)

	case StoreTypePostgres:
		return NewPostgresStoreFromConfig(config, tenantID)

	case StoreTypeSQLite:
		return NewSQLiteStoreFromConfig(config, tenantID)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateTenantID validates the tenant ID for security
func validateTenantID(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant ID cannot be empty")
	}

	// Basic validation to prevent path traversal and other issues
	if strings.Contains(tenantID, "..") ||
		strings.Contains(tenantID, "/") ||
		strings.Contains(tenantID, "\\") ||
		strings.Contains(tenantID, " ") {
		return fmt.Errorf("tenant ID contains invalid characters")
	}

	if len(tenantID) > 100 {
		return fmt.Errorf("tenant ID too long (max 100 characters)")
	}

	return nil
}

// stringOption reads a string setting from a StoreConfig map
func stringOption(config StoreConfig, key string) (string, bool) {
	v, ok := config.Config[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}
