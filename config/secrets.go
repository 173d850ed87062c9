package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretStore resolves secret values by key.
type SecretStore interface {
	Get(key string) (string, bool, error)
}

// EnvironmentSecretStore reads TEAMPOINTS_<key>, or the file named by
// TEAMPOINTS_<key>_FILE when that is set instead.
type EnvironmentSecretStore struct {
	prefix string
	lookup func(string) (string, bool)
}

func NewEnvironmentSecretStore() *EnvironmentSecretStore {
	return &EnvironmentSecretStore{prefix: EnvPrefix, lookup: os.LookupEnv}
}

func (s *EnvironmentSecretStore) Get(key string) (string, bool, error) {
	name := s.prefix + key
	if v, ok := s.lookup(name); ok && v != "" {
		return v, true, nil
	}
	path, ok := s.lookup(name + "_FILE")
	if !ok || path == "" {
		return "", false, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return "", false, fmt.Errorf("read secret %s: %w", key, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// GetWithDefault returns def when key is unset or unreadable.
func (s *EnvironmentSecretStore) GetWithDefault(key, def string) string {
	v, ok, err := s.Get(key)
	if err != nil || !ok {
		return def
	}
	return v
}

// LoadSecrets fills credential fields from store. Values already present in
// cfg are replaced only when the store has one.
func (c *Config) LoadSecrets(store SecretStore) error {
	fields := []struct {
		key string
		set func(string)
	}{
		{"SQL_DSN", func(v string) { c.Storage.SQL.DSN = v }},
		{"REDIS_PASSWORD", func(v string) { c.Storage.Redis.Password = v }},
		{"WEBHOOK_SECRET", func(v string) { c.Webhooks.Secret = v }},
		{"SECURITY_API_KEYS", func(v string) {
			var keys []string
			for _, k := range strings.Split(v, ",") {
				if k = strings.TrimSpace(k); k != "" {
					keys = append(keys, k)
				}
			}
			c.Security.APIKeys = keys
		}},
	}
	for _, f := range fields {
		v, ok, err := store.Get(f.key)
		if err != nil {
			return err
		}
		if ok {
			f.set(v)
		}
	}
	return nil
}
