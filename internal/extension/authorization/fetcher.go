package authorization

import (
	"context"
	"encoding/json"

	"github.com/mattjoyce/pluginhost/internal/extension"
	"github.com/mattjoyce/pluginhost/internal/metadata"
)

// Fetcher returns the metadata fetcher for this extension.
func (e *Extension) Fetcher() metadata.Fetcher { return fetcher{e} }

type fetcher struct{ e *Extension }

func (f fetcher) Extension() string { return ExtensionID }

// Fetch requires capabilities and auth config metadata. Icon and plugin
// settings are optional; a plugin answering them with an error status still
// loads without them.
func (f fetcher) Fetch(ctx context.Context, pluginID string) (metadata.Metadata, error) {
	v, err := f.e.Negotiate(pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	caps, err := f.e.GetCapabilities(ctx, pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	authFields, err := f.e.GetAuthConfigMetadata(ctx, pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	rawCaps, err := metadata.Marshal(caps)
	if err != nil {
		return metadata.Metadata{}, err
	}
	rawAuth, err := metadata.Marshal(authFields)
	if err != nil {
		return metadata.Metadata{}, err
	}

	m := metadata.Metadata{
		PluginID:     pluginID,
		Extension:    ExtensionID,
		Version:      v,
		Capabilities: rawCaps,
		Extra:        map[string]json.RawMessage{"auth_config": rawAuth},
	}

	icon, err := f.e.GetIcon(ctx, pluginID)
	switch {
	case err == nil:
		m.Icon = &icon
	case !extension.IsStatusFailure(err):
		return metadata.Metadata{}, err
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
