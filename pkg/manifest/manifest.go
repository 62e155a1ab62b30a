// Package manifest models the metadata a plugin declares about itself and
// validates it before anything else in the system may touch it. A manifest
// that fails validation is unusable as a whole; the rest of the runtime never
// sees a partially valid one.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the manifest file looked up inside each plugin directory.
const FileName = "manifest.json"

// LifecycleMode controls when the manager keeps a plugin process running.
type LifecycleMode string

const (
	// LifecycleAlwaysRunning keeps the process alive for the lifetime of the
	// attachment, whether or not its button is visible.
	LifecycleAlwaysRunning LifecycleMode = "always_running"
	// LifecycleOnVisible runs the process only while its button's page is
	// the visible one.
	LifecycleOnVisible LifecycleMode = "on_visible"
)

// VariableType enumerates the value types a plugin may declare for its
// configuration variables.
type VariableType string

const (
	VarString      VariableType = "string"
	VarInt         VariableType = "int"
	VarFloat       VariableType = "float"
	VarBool        VariableType = "bool"
	VarFilePath    VariableType = "file_path"
	VarDirPath     VariableType = "dir_path"
	VarURL         VariableType = "url"
	VarPassword    VariableType = "password"
	VarCertificate VariableType = "certificate"
)

// knownVariableTypes is the closed set accepted by validation.
var knownVariableTypes = map[VariableType]struct{}{
	VarString: {}, VarInt: {}, VarFloat: {}, VarBool: {},
	VarFilePath: {}, VarDirPath: {}, VarURL: {},
	VarPassword: {}, VarCertificate: {},
}

// Sensitive reports whether values of this type must be encrypted when the
// host persists them.
func (t VariableType) Sensitive() bool {
	return t == VarPassword || t == VarCertificate
}

// VariableSpec declares one configuration variable of a plugin.
type VariableSpec struct {
	Name        string       `json:"name" validate:"required"`
	Type        VariableType `json:"type" validate:"required"`
	Description string       `json:"description,omitempty"`
	Required    bool         `json:"required,omitempty"`
	Default     any          `json:"default,omitempty"`
}

// Manifest is a plugin's declared metadata and configuration schema. It is
// created once at discovery time and immutable thereafter; re-discovery
// replaces it wholesale.
type Manifest struct {
	Name              string         `json:"name" validate:"required"`
	Version           string         `json:"version" validate:"required"`
	Description       string         `json:"description,omitempty"`
	Author            string         `json:"author,omitempty"`
	EntryPoint        string         `json:"entry_point" validate:"required"`
	LifecycleMode     LifecycleMode  `json:"lifecycle_mode" validate:"required,oneof=always_running on_visible"`
	CanSwitchPage     bool           `json:"can_switch_page,omitempty"`
	MaxRetries        int            `json:"max_retries" validate:"min=0"`
	RetryDelaySeconds int            `json:"retry_delay_seconds" validate:"min=0"`
	Variables         []VariableSpec `json:"variables,omitempty" validate:"dive"`

	// Dir is the containing plugin directory, set by Load.
	Dir string `json:"-"`
}

// EntryPath returns the absolute path of the entry-point executable.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.Dir, m.EntryPoint)
}

// Variable looks up a declared variable by name.
func (m *Manifest) Variable(name string) (VariableSpec, bool) {
	for _, v := range m.Variables {
		if v.Name == name {
			return v, true
		}
	}
	return VariableSpec{}, false
}

// ResolveConfig merges declared defaults with the supplied values and reports
// required variables that remain unset. Supplied keys that the manifest does
// not declare pass through untouched; the plugin decides what to do with them.
func (m *Manifest) ResolveConfig(supplied map[string]any) (map[string]any, error) {
	resolved := make(map[string]any, len(m.Variables)+len(supplied))
	for _, v := range m.Variables {
		if v.Default != nil {
			resolved[v.Name] = v.Default
		}
	}
	for k, val := range supplied {
		resolved[k] = val
	}

	var missing []string
	for _, v := range m.Variables {
		if v.Required {
			if _, ok := resolved[v.Name]; !ok {
				missing = append(missing, v.Name)
			}
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("manifest %q: required variables not set: %v", m.Name, missing)
	}
	return resolved, nil
}

// Load reads and validates the manifest inside dir. On failure it returns the
// full list of validation errors; the manifest pointer is nil unless every
// check passed.
func Load(dir string) (*Manifest, []error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, []error{&ValidationError{Field: FileName, Reason: err.Error()}}
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, []error{&ValidationError{Field: FileName, Reason: "malformed JSON: " + err.Error()}}
	}
	m.Dir = dir

	if errs := Validate(&m); len(errs) > 0 {
		return nil, errs
	}
	return &m, nil
}
