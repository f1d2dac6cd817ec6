package elastic

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

// Fetch requires capabilities and the agent profile schema. The cluster
// profile schema is added on versions that have one. Icon and plugin settings
// are optional.
func (f fetcher) Fetch(ctx context.Context, pluginID string) (metadata.Metadata, error) {
	v, err := f.e.Negotiate(pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	caps, err := f.e.GetCapabilities(ctx, pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	rawCaps, err := metadata.Marshal(caps)
	if err != nil {
		return metadata.Metadata{}, err
	}
	profile, err := f.e.GetProfileMetadata(ctx, pluginID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	rawProfile, err := metadata.Marshal(profile)
	if err != nil {
		return metadata.Metadata{}, err
	}

	m := metadata.Metadata{
		PluginID:     pluginID,
		Extension:    ExtensionID,
		Version:      v,
		Capabilities: rawCaps,
		Extra:        map[string]json.RawMessage{"elastic_agent_profile": rawProfile},
	}

	if ok, _ := f.e.SupportsRequest(pluginID, RequestGetClusterProfileMeta); ok {
		cluster, err := f.e.GetClusterProfileMetadata(ctx, pluginID)
		if err != nil {
			return metadata.Metadata{}, err
		}
		if m.Extra["cluster_profile"], err = metadata.Marshal(cluster); err != nil {
			return metadata.Metadata{}, err
		}
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
