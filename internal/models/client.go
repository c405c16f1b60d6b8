package models

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// Permission strings checked by the admin API
const (
	PermExercisesRead  = "exercises:read"
	PermExercisesWrite = "exercises:write"
	PermSessionsRead   = "sessions:read"
	PermSessionsWrite  = "sessions:write"
	PermProgressWrite  = "progress:write"
)

// ApiClient represents an authenticated API client (authoring tool or
// grading backend)
type ApiClient struct {
	ID          int               `json:"id"`
	Name        string            `json:"name"`
	ApiKey      string            `json:"-"`
	IsActive    bool              `json:"is_active"`
	CreatedAt   time.Time         `json:"created_at"`
	LastUsedAt  *time.Time        `json:"last_used_at,omitempty"`
	Permissions []string          `json:"permissions"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasPermission checks if client has the given permission.
// "exercises:*" grants every exercises permission, "*" grants everything.
func (c *ApiClient) HasPermission(required string) bool {
	if c == nil || !c.IsActive {
		return false
	}

	for _, perm := range c.Permissions {
		switch {
		case perm == "*", perm == required:
			return true
		case strings.HasSuffix(perm, ":*"):
			if strings.HasPrefix(required, strings.TrimSuffix(perm, "*")) {
				return true
			}
		}
	}

	return false
}

// MaskedApiKey returns the key prefix for logs
func (c *ApiClient) MaskedApiKey() string {
	if len(c.ApiKey) < 8 {
		return "***"
	}
	return c.ApiKey[:8] + "..."
}

// GenerateApiKey creates a random key with the "sk_" prefix
func GenerateApiKey() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "sk_" + hex.EncodeToString(bytes), nil
}
