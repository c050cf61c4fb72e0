package config

import (
	"encoding/hex"
	"fmt"
)

// Validate checks the startup-critical settings. A process with a
// missing or malformed encryption key must refuse to start: tokens at
// rest would otherwise be unreadable or, worse, written unencrypted.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.Admin.APIToken == "" {
		return fmt.Errorf("admin api token is required (ADMIN_API_TOKEN)")
	}
	if err := ValidateEncryptionKey(c.Admin.EncryptionKey); err != nil {
		return err
	}
	return nil
}

// ValidateEncryptionKey requires exactly 64 hex characters (a 32-byte
// AES-256 key).
func ValidateEncryptionKey(key string) error {
	if key == "" {
		return fmt.Errorf("encryption key is required (ENCRYPTION_KEY)")
	}
	if len(key) != 64 {
		return fmt.Errorf("encryption key must be 64 hex chars, got %d", len(key))
	}
	if _, err := hex.DecodeString(key); err != nil {
		return fmt.Errorf("encryption key must be hex: %w", err)
	}
	return nil
}
