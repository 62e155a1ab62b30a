// Package store persists button-to-plugin assignments across host restarts.
// Configuration payloads may contain password or certificate variables, so
// the serialized payload is encrypted at rest.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"deckhost/pkg/host"
)

// Assignment records one plugin bound to one button.
type Assignment struct {
	PluginID        string         `json:"plugin_id"`
	Button          host.ButtonRef `json:"button"`
	Config          map[string]any `json:"-"`
	GrantPageSwitch bool           `json:"grant_page_switch"`
}

// sealedAssignment is the on-disk form: the whole config travels as one
// encrypted payload string, so sensitive variables never hit disk in the
// clear.
type sealedAssignment struct {
	PluginID        string         `json:"plugin_id"`
	Button          host.ButtonRef `json:"button"`
	GrantPageSwitch bool           `json:"grant_page_switch"`
	Payload         string         `json:"payload" gocrypt:"aes"`
}

// Store reads and writes the assignment state file.
type Store struct {
	mu   sync.Mutex
	path string
	key  string
}

// New creates a store over path, encrypting payloads with key.
func New(path, key string) *Store {
	return &Store{path: path, key: key}
}

// Save atomically replaces the state file with the given assignments.
func (s *Store) Save(assignments []Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed := make([]sealedAssignment, 0, len(assignments))
	for _, a := range assignments {
		payload, err := json.Marshal(a.Config)
		if err != nil {
			return fmt.Errorf("serialize config for %s: %w", a.PluginID, err)
		}
		sa := sealedAssignment{
			PluginID:        a.PluginID,
			Button:          a.Button,
			GrantPageSwitch: a.GrantPageSwitch,
			Payload:         string(payload),
		}
		sa, err = encryptStruct(sa, s.key)
		if err != nil {
			return fmt.Errorf("encrypt config for %s: %w", a.PluginID, err)
		}
		sealed = append(sealed, sa)
	}

	raw, err := json.MarshalIndent(sealed, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads all persisted assignments. A missing state file is an empty
// state, not an error.
func (s *Store) Load() ([]Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sealed []sealedAssignment
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("malformed state file %s: %w", s.path, err)
	}

	assignments := make([]Assignment, 0, len(sealed))
	for _, sa := range sealed {
		sa, err := decryptStruct(sa, s.key)
		if err != nil {
			return nil, fmt.Errorf("decrypt config for %s: %w", sa.PluginID, err)
		}
		var config map[string]any
		if sa.Payload != "" {
			if err := json.Unmarshal([]byte(sa.Payload), &config); err != nil {
				return nil, fmt.Errorf("malformed config payload for %s: %w", sa.PluginID, err)
			}
		}
		assignments = append(assignments, Assignment{
			PluginID:        sa.PluginID,
			Button:          sa.Button,
			Config:          config,
			GrantPageSwitch: sa.GrantPageSwitch,
		})
	}
	return assignments, nil
}
