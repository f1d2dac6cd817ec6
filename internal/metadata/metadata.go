// Package metadata caches what each plugin reports about itself: capabilities,
// icon and configuration schema. Entries live from a plugin's load to its unload.
package metadata

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/pluginhost/internal/extension"
)

// Metadata is the last successfully fetched description of one plugin for one
// extension.
type Metadata struct {
	PluginID     string                     `json:"plugin_id"`
	Extension    string                     `json:"extension"`
	Version      string                     `json:"version"`
	Capabilities json.RawMessage            `json:"capabilities,omitempty"`
	Icon         *extension.Image           `json:"icon,omitempty"`
	Settings     []extension.ConfigField    `json:"settings,omitempty"`
	Extra        map[string]json.RawMessage `json:"extra,omitempty"`
	FetchedAt    time.Time                  `json:"fetched_at"`
	Fingerprint  string                     `json:"fingerprint"`
}

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	out := m
	out.Capabilities = bytes.Clone(m.Capabilities)
	if m.Icon != nil {
		icon := *m.Icon
		out.Icon = &icon
	}
	out.Settings = slices.Clone(m.Settings)
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = bytes.Clone(v)
		}
	}
	return out
}

// Fetcher collects metadata from one plugin for one extension.
type Fetcher interface {
	Extension() string
	Fetch(ctx context.Context, pluginID string) (Metadata, error)
}

// Normalize compacts a JSON document so equal content yields equal bytes.
func Normalize(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("normalize json: %w", err)
	}
	// Re-marshaling sorts object keys.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize json: %w", err)
	}
	return out, nil
}

// Marshal normalizes v into a raw JSON document.
func Marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return Normalize(b)
}

type fingerprintInput struct {
	Version      string                     `json:"version"`
	Capabilities json.RawMessage            `json:"capabilities,omitempty"`
	Icon         *extension.Image           `json:"icon,omitempty"`
	Settings     []extension.ConfigField    `json:"settings,omitempty"`
	Extra        map[string]json.RawMessage `json:"extra,omitempty"`
}

// ComputeFingerprint hashes the fetched content with BLAKE3. FetchedAt is
// excluded so an unchanged plugin keeps its fingerprint across refreshes.
func ComputeFingerprint(m Metadata) (string, error) {
	in := fingerprintInput{
		Version:  m.Version,
		Icon:     m.Icon,
		Settings: m.Settings,
	}
	var err error
	if in.Capabilities, err = Normalize(m.Capabilities); err != nil {
		return "", err
	}
	if len(m.Extra) > 0 {
		in.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			if in.Extra[k], err = Normalize(v); err != nil {
				return "", err
			}
		}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint input: %w", err)
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
