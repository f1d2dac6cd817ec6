package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Plugin settings requests shared by every extension.
const (
	RequestGetPluginSettingsConfiguration = "go.plugin-settings.get-configuration"
	RequestGetPluginSettingsView          = "go.plugin-settings.get-view"
	RequestValidatePluginSettings         = "go.plugin-settings.validate-configuration"
	RequestNotifyPluginSettingsChange     = "go.plugin-settings.plugin-settings-changed"
)

// ConfigField describes one configuration property a plugin accepts.
type ConfigField struct {
	Key          string `json:"key"`
	DisplayName  string `json:"display_name,omitempty"`
	DefaultValue string `json:"default_value,omitempty"`
	Required     bool   `json:"required"`
	Secure       bool   `json:"secure"`
	DisplayOrder int    `json:"display_order,omitempty"`
}

// ValidationError is one field-level error reported by a plugin.
type ValidationError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Image is a plugin icon.
type Image struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
}

type settingsFieldDTO struct {
	DisplayName  string      `json:"display-name"`
	DefaultValue string      `json:"default-value"`
	Required     bool        `json:"required"`
	Secure       bool        `json:"secure"`
	DisplayOrder json.Number `json:"display-order"`
}

func decodeSettingsConfiguration(body string) (any, error) {
	raw := map[string]settingsFieldDTO{}
	if body != "" {
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			return nil, fmt.Errorf("unmarshal plugin settings configuration: %w", err)
		}
	}
	fields := make([]ConfigField, 0, len(raw))
	for key, f := range raw {
		var order int64
		if f.DisplayOrder != "" {
			n, err := f.DisplayOrder.Int64()
			if err != nil {
				return nil, fmt.Errorf("display-order of %q is not a number: %q", key, f.DisplayOrder)
			}
			order = n
		}
		fields = append(fields, ConfigField{
			Key:          key,
			DisplayName:  f.DisplayName,
			DefaultValue: f.DefaultValue,
			Required:     f.Required,
			Secure:       f.Secure,
			DisplayOrder: int(order),
		})
	}
	sort.Slice(fields, func(i, j int) bool {
		if fields[i].DisplayOrder != fields[j].DisplayOrder {
			return fields[i].DisplayOrder < fields[j].DisplayOrder
		}
		return fields[i].Key < fields[j].Key
	})
	return fields, nil
}

type templateDTO struct {
	Template string `json:"template"`
}

// DecodeTemplate reads a {"template": "..."} view response.
func DecodeTemplate(body string) (any, error) {
	var t templateDTO
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("unmarshal view template: %w", err)
	}
	return t.Template, nil
}

func encodeSettingsValidation(payload any) (string, error) {
	settings, err := PayloadAs[map[string]string](payload)
	if err != nil {
		return "", err
	}
	wrapped := map[string]map[string]string{}
	for k, v := range settings {
		wrapped[k] = map[string]string{"value": v}
	}
	return EncodeJSON(map[string]any{"plugin-settings": wrapped})
}

func encodeSettingsChange(payload any) (string, error) {
	settings, err := PayloadAs[map[string]string](payload)
	if err != nil {
		return "", err
	}
	return EncodeJSON(settings)
}

// PluginSettingsHandlers1_0 covers settings requests of protocol 1.0, which
// predates settings-change notification.
func PluginSettingsHandlers1_0() Handlers {
	return Handlers{
		RequestGetPluginSettingsConfiguration: {Decode: decodeSettingsConfiguration},
		RequestGetPluginSettingsView:          {Decode: DecodeTemplate},
		RequestValidatePluginSettings:         {Encode: encodeSettingsValidation, Decode: DecodeInto[[]ValidationError]},
	}
}

// PluginSettingsHandlers2_0 adds settings-change notification.
func PluginSettingsHandlers2_0() Handlers {
	return Merge(PluginSettingsHandlers1_0(), Handlers{
		RequestNotifyPluginSettingsChange: {Encode: encodeSettingsChange},
	})
}

// NotifyPluginSettingsChange tells pluginID its settings changed. Plugins whose
// negotiated version has no notification request are skipped silently.
func (e *Extension) NotifyPluginSettingsChange(ctx context.Context, pluginID string, settings map[string]string) error {
	ok, err := e.SupportsRequest(pluginID, RequestNotifyPluginSettingsChange)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("plugin does not support settings change notification", "plugin", pluginID)
		return nil
	}
	if settings == nil {
		settings = map[string]string{}
	}
	_, err = e.Send(ctx, pluginID, RequestNotifyPluginSettingsChange, settings)
	return err
}

// GetPluginSettingsConfiguration returns the plugin's settings schema.
func (e *Extension) GetPluginSettingsConfiguration(ctx context.Context, pluginID string) ([]ConfigField, error) {
	return Call[[]ConfigField](ctx, e, pluginID, RequestGetPluginSettingsConfiguration, nil)
}

// GetPluginSettingsView returns the plugin's settings view template.
func (e *Extension) GetPluginSettingsView(ctx context.Context, pluginID string) (string, error) {
	return Call[string](ctx, e, pluginID, RequestGetPluginSettingsView, nil)
}

// ValidatePluginSettings asks the plugin to validate settings.
func (e *Extension) ValidatePluginSettings(ctx context.Context, pluginID string, settings map[string]string) ([]ValidationError, error) {
	return Call[[]ValidationError](ctx, e, pluginID, RequestValidatePluginSettings, settings)
}
