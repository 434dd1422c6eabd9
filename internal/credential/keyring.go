package credential

import (
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "userexternal"

// RefPrefix marks a configuration value that names a keyring entry
// instead of holding the secret itself.
const RefPrefix = "keyring:"

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/userexternal/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("userexternal-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// Resolver maps configuration values to secrets.
type Resolver struct {
	ring func() (keyring.Keyring, error)
}

// NewResolver returns a Resolver backed by the system keyring. The keyring
// is only opened when a reference is actually resolved.
func NewResolver() *Resolver {
	return &Resolver{ring: openKeyring}
}

// NewResolverWithKeyring uses ring for lookups.
func NewResolverWithKeyring(ring keyring.Keyring) *Resolver {
	return &Resolver{ring: func() (keyring.Keyring, error) { return ring, nil }}
}

// Resolve returns value unchanged unless it starts with RefPrefix, in
// which case the named keyring entry is returned.
func (r *Resolver) Resolve(value string) (string, error) {
	key, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	if key == "" {
		return "", fmt.Errorf("empty keyring reference")
	}

	ring, err := r.ring()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores value under key so that RefPrefix+key resolves to it.
func (r *Resolver) Set(key, value string) error {
	if key == "" {
		return fmt.Errorf("empty keyring key")
	}

	ring, err := r.ring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	return NewResolver().Set(key, value)
}
