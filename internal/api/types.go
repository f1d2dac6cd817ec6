package api

import (
	"time"

	"github.com/mattjoyce/pluginhost/internal/metadata"
)

// PluginSummary is one entry of GET /plugins.
type PluginSummary struct {
	ID         string   `json:"id"`
	Version    string   `json:"version"`
	Extensions []string `json:"extensions"`
}

// ExtensionStatus is what the host knows about a plugin for one extension.
type ExtensionStatus struct {
	Extension string             `json:"extension"`
	Versions  []string           `json:"declared_versions"`
	Metadata  *metadata.Metadata `json:"metadata,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// PluginDetail is returned by GET /plugins/{id}.
type PluginDetail struct {
	ID          string            `json:"id"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Path        string            `json:"path"`
	Extensions  []ExtensionStatus `json:"extensions"`
}

// RefreshResponse is returned by POST /plugins/{id}/metadata/refresh.
type RefreshResponse struct {
	PluginID  string              `json:"plugin_id"`
	Refreshed []metadata.Metadata `json:"refreshed"`
	Errors    map[string]string   `json:"errors,omitempty"`
	At        time.Time           `json:"at"`
}

// SettingsRequest is the body of PUT /plugins/{id}/settings.
type SettingsRequest struct {
	Settings map[string]string `json:"settings"`
}

// SettingsResponse acknowledges a queued settings change.
type SettingsResponse struct {
	PluginID string `json:"plugin_id"`
	Status   string `json:"status"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
