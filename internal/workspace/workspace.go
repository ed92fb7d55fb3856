package workspace

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
)

// Config is the persisted identity of a tenant: a unique name, the secret
// used by callers in keyed mode, and the loopback port its worker binds.
type Config struct {
	Workspace string `json:"workspace"`
	APIKey    string `json:"api_key"`
	Port      int    `json:"port"`
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ErrInvalidName is returned when a workspace name fails validation.
// Names become directory names and log prefixes, so the charset is strict.
var ErrInvalidName = fmt.Errorf("workspace name must match [A-Za-z0-9_]+")

// ValidateName reports whether name is acceptable as a workspace identifier.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return ErrInvalidName
	}
	return nil
}

// New builds a validated Config. Invalid names never enter the runtime maps.
func New(name, apiKey string, port int) (Config, error) {
	if err := ValidateName(name); err != nil {
		return Config{}, err
	}
	if apiKey == "" {
		return Config{}, fmt.Errorf("workspace %s: empty api key", name)
	}
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("workspace %s: invalid port %d", name, port)
	}
	return Config{Workspace: name, APIKey: apiKey, Port: port}, nil
}

// GenerateKey returns a fresh URL-safe API key from 32 random bytes.
func GenerateKey() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
