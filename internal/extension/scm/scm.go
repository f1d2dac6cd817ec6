// Package scm talks to source control material plugins.
package scm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mattjoyce/pluginhost/internal/extension"
	"github.com/mattjoyce/pluginhost/internal/metadata"
)

// ExtensionID names the scm extension point.
const ExtensionID = "scm"

// HostVersions are the scm protocol versions this host speaks.
var HostVersions = []string{"1.0"}

const (
	RequestSCMConfiguration = "scm-configuration"
	RequestSCMView          = "scm-view"
	RequestValidateSCM      = "validate-scm-configuration"
	RequestCheckConnection  = "check-scm-connection"
)

// Property is one scm material configuration field.
type Property struct {
	extension.ConfigField
	PartOfIdentity bool `json:"part_of_identity"`
}

type propertyDTO struct {
	DisplayName    string      `json:"display-name"`
	DefaultValue   string      `json:"default-value"`
	PartOfIdentity bool        `json:"part-of-identity"`
	Required       bool        `json:"required"`
	Secure         bool        `json:"secure"`
	DisplayOrder   json.Number `json:"display-order"`
}

func decodeConfiguration(body string) (any, error) {
	raw := map[string]propertyDTO{}
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("unmarshal scm configuration: %w", err)
	}
	props := make([]Property, 0, len(raw))
	for key, p := range raw {
		var order int64
		if p.DisplayOrder != "" {
			n, err := p.DisplayOrder.Int64()
			if err != nil {
				return nil, fmt.Errorf("display-order of %q is not a number: %q", key, p.DisplayOrder)
			}
			order = n
		}
		props = append(props, Property{
			ConfigField: extension.ConfigField{
				Key:          key,
				DisplayName:  p.DisplayName,
				DefaultValue: p.DefaultValue,
				Required:     p.Required,
				Secure:       p.Secure,
				DisplayOrder: int(order),
			},
			PartOfIdentity: p.PartOfIdentity,
		})
	}
	sort.Slice(props, func(i, j int) bool {
		if props[i].DisplayOrder != props[j].DisplayOrder {
			return props[i].DisplayOrder < props[j].DisplayOrder
		}
		return props[i].Key < props[j].Key
	})
	return props, nil
}

// View is the material configuration form.
type View struct {
	DisplayValue string `json:"displayValue"`
	Template     string `json:"template"`
}

func decodeView(body string) (any, error) {
	var v View
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("unmarshal scm view: %w", err)
	}
	if v.DisplayValue == "" || v.Template == "" {
		return nil, fmt.Errorf("scm view requires displayValue and template")
	}
	return v, nil
}

func encodeConfiguration(payload any) (string, error) {
	props, err := extension.PayloadAs[map[string]string](payload)
	if err != nil {
		return "", err
	}
	wrapped := make(map[string]map[string]string, len(props))
	for k, v := range props {
		wrapped[k] = map[string]string{"value": v}
	}
	return extension.EncodeJSON(map[string]any{"scm-configuration": wrapped})
}

// ConnectionResult is the outcome of a check-scm-connection request.
type ConnectionResult struct {
	Status   string   `json:"status"`
	Messages []string `json:"messages"`
}

// Successful reports whether the plugin could reach the repository.
func (r ConnectionResult) Successful() bool { return r.Status == "success" }

// Handlers1_0 is the 1.0 message handler. It has no settings-change
// notification.
func Handlers1_0() extension.Handlers {
	return extension.Merge(extension.PluginSettingsHandlers1_0(), extension.Handlers{
		RequestSCMConfiguration: {Decode: decodeConfiguration},
		RequestSCMView:          {Decode: decodeView},
		RequestValidateSCM:      {Encode: encodeConfiguration, Decode: extension.DecodeInto[[]extension.ValidationError]},
		RequestCheckConnection:  {Encode: encodeConfiguration, Decode: extension.DecodeInto[ConnectionResult]},
	})
}

// Extension is the scm extension point.
type Extension struct {
	*extension.Extension
}

// New creates the extension with handlers for every host version.
func New(manager extension.PluginManager, opts ...extension.Option) *Extension {
	e := extension.New(ExtensionID, HostVersions, manager, opts...)
	e.RegisterHandler("1.0", Handlers1_0())
	return &Extension{Extension: e}
}

func (e *Extension) GetConfiguration(ctx context.Context, pluginID string) ([]Property, error) {
	return extension.Call[[]Property](ctx, e.Extension, pluginID, RequestSCMConfiguration, nil)
}

func (e *Extension) GetView(ctx context.Context, pluginID string) (View, error) {
	return extension.Call[View](ctx, e.Extension, pluginID, RequestSCMView, nil)
}

func (e *Extension) Validate(ctx context.Context, pluginID string, props map[string]string) ([]extension.ValidationError, error) {
	return extension.Call[[]extension.ValidationError](ctx, e.Extension, pluginID, RequestValidateSCM, props)
}

func (e *Extension) CheckConnection(ctx context.Context, pluginID string, props map[string]string) (ConnectionResult, error) {
	return extension.Call[ConnectionResult](ctx, e.Extension, pluginID, RequestCheckConnection, props)
}

// Fetcher returns the metadata fetcher for this extension.
func (e *Extension) Fetcher() metadata.Fetcher { return fetcher{e} }

type fetcher struct{ e *Extension }

func (f fetcher) Extension() string { return ExtensionID }

// Fetch requires the material configuration and view. SCM plugins report no
// capabilities or icon.
func (f fetcher) Fetch(ctx context.Context, pluginID string) (metadata.Metadata, error) {
	v, err := f.e.Negotiate(pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	props, err := f.e.GetConfiguration(ctx, pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	view, err := f.e.GetView(ctx, pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	rawProps, err := metadata.Marshal(props)
	if err != nil {
		return metadata.Metadata{}, err
	}
	rawView, err := metadata.Marshal(view)
	if err != nil {
		return metadata.Metadata{}, err
	}
	m := metadata.Metadata{
		PluginID:  pluginID,
		Extension: ExtensionID,
		Version:   v,
		Extra:     map[string]json.RawMessage{"scm_configuration": rawProps, "scm_view": rawView},
	}
	settings, err := f.e.GetPluginSettingsConfiguration(ctx, pluginID)
	switch {
	case err == nil:
		m.Settings = settings
	case !extension.IsStatusFailure(err):
		return metadata.Metadata{}, err
	}
	return m, nil
}
