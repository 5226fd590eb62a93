// Package auth provides credential storage and session token providers for taskwatch.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// expirySkew is subtracted from the expiry so a token about to lapse is
// treated as already expired.
const expirySkew = 30 * time.Second

// Credentials stores the notification token for the CLI.
type Credentials struct {
	AccessToken string `json:"access_token"`
	ServerHost  string `json:"server_host,omitempty"`
	// ExpiresAt is read from the token's exp claim when it is a JWT.
	// A zero value means the token carries no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
}

// NewCredentials builds credentials for token, filling ExpiresAt from the
// JWT exp claim when present.
func NewCredentials(token, serverHost string, now time.Time) *Credentials {
	creds := &Credentials{
		AccessToken: token,
		ServerHost:  serverHost,
		SavedAt:     now,
	}
	if exp, ok := TokenExpiry(token); ok {
		creds.ExpiresAt = exp
	}
	return creds
}

// IsExpired checks if the access token has expired at now.
func (c *Credentials) IsExpired(now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	// Add 30 second buffer for clock skew
	return now.Add(expirySkew).After(c.ExpiresAt)
}

// IsValid checks if credentials are valid (non-empty and not expired).
func (c *Credentials) IsValid(now time.Time) bool {
	return c.AccessToken != "" && !c.IsExpired(now)
}

// Save stores credentials at path.
// The file is created with 0600 permissions.
func Save(path string, creds *Credentials) error {
	if path == "" {
		return fmt.Errorf("credentials path is empty")
	}

	// Create directory if it doesn't exist (0700 for security)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write credentials file: %w", err)
	}

	// 명시적 권한 설정 (umask에 의한 권한 완화 방지)
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("set credentials file permissions: %w", err)
	}

	return nil
}

// Load reads credentials from path.
// Returns nil if no credentials file exists.
func Load(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No credentials stored
		}
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	return &creds, nil
}

// Clear removes stored credentials.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials file: %w", err)
	}
	return nil
}

// Exists checks if the credentials file exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// MaskToken masks a token for display.
// Only the first 8 characters are shown, followed by "...".
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "..."
}
