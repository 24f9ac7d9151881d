// Package auth manages the API key file. Keys are opaque bearer tokens;
// issuance is editing the JSON file (or letting the server bootstrap one).
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

type keyInfo struct {
	Name    string `json:"name"`
	Created string `json:"created"`
}

type keysFile struct {
	Keys map[string]keyInfo `json:"keys"`
}

// Manager holds the set of valid API keys loaded from a JSON file.
type Manager struct {
	mu   sync.RWMutex
	keys map[string]bool
}

// LoadManager reads the keys file, bootstrapping it with one generated key
// if it does not exist.
func LoadManager(path string, log *slog.Logger) (*Manager, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return bootstrap(path, log)
	}
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}

	var kf keysFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	if len(kf.Keys) == 0 {
		return nil, fmt.Errorf("api keys file %s contains no keys", path)
	}

	keys := make(map[string]bool, len(kf.Keys))
	for k := range kf.Keys {
		keys[k] = true
	}
	log.Info("loaded api keys", "count", len(keys))
	return &Manager{keys: keys}, nil
}

// Valid reports whether key is an accepted API key. Comparison is
// constant-time per candidate key.
func (m *Manager) Valid(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k := range m.keys {
		if len(k) == len(key) && subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func bootstrap(path string, log *slog.Logger) (*Manager, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	key := "bq-" + hex.EncodeToString(buf)

	kf := keysFile{
		Keys: map[string]keyInfo{
			key: {
				Name:    "default",
				Created: time.Now().UTC().Format(time.RFC3339),
			},
		},
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode api keys file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write api keys file: %w", err)
	}

	log.Info("no api keys file found, generated default key", "path", path, "key", key)
	return &Manager{keys: map[string]bool{key: true}}, nil
}
