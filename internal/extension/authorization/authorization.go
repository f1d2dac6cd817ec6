// Package authorization talks to authorization plugins (password and web
// based identity providers).
package authorization

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/pluginhost/internal/extension"
)

// ExtensionID names the authorization extension point.
const ExtensionID = "cd.go.authorization"

// HostVersions are the authorization protocol versions this host speaks.
var HostVersions = []string{"2.0", "1.0"}

const requestPrefix = "go.cd.authorization"

const (
	RequestGetCapabilities    = requestPrefix + ".get-capabilities"
	RequestGetIcon            = requestPrefix + ".get-icon"
	RequestGetAuthConfigMeta  = requestPrefix + ".auth-config.get-metadata"
	RequestGetAuthConfigView  = requestPrefix + ".auth-config.get-view"
	RequestValidateAuthConfig = requestPrefix + ".auth-config.validate"
	RequestGetUserRoles       = requestPrefix + ".get-user-roles"
)

// SupportedAuthType is how a plugin authenticates users.
type SupportedAuthType string

const (
	AuthTypePassword SupportedAuthType = "password"
	AuthTypeWeb      SupportedAuthType = "web"
)

// Capabilities reports what an authorization plugin can do.
type Capabilities struct {
	SupportedAuthType SupportedAuthType `json:"supported_auth_type"`
	CanSearch         bool              `json:"can_search"`
	CanAuthorize      bool              `json:"can_authorize"`
	CanGetUserRoles   bool              `json:"can_get_user_roles"`
}

// capabilitiesV1 predates user role lookup.
type capabilitiesV1 struct {
	SupportedAuthType SupportedAuthType `json:"supported_auth_type"`
	CanSearch         bool              `json:"can_search"`
	CanAuthorize      bool              `json:"can_authorize"`
}

func decodeAuthType(t SupportedAuthType) (SupportedAuthType, error) {
	switch t {
	case AuthTypePassword, AuthTypeWeb:
		return t, nil
	default:
		return "", fmt.Errorf("unknown supported_auth_type %q", t)
	}
}

func decodeCapabilitiesV2(body string) (any, error) {
	var c Capabilities
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	t, err := decodeAuthType(c.SupportedAuthType)
	if err != nil {
		return nil, err
	}
	c.SupportedAuthType = t
	return c, nil
}

func decodeCapabilitiesV1(body string) (any, error) {
	var c capabilitiesV1
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	t, err := decodeAuthType(c.SupportedAuthType)
	if err != nil {
		return nil, err
	}
	return Capabilities{SupportedAuthType: t, CanSearch: c.CanSearch, CanAuthorize: c.CanAuthorize}, nil
}

type userRolesRequest struct {
	Username   string            `json:"username"`
	AuthConfig authConfigPayload `json:"auth_config"`
}

type authConfigPayload struct {
	ID            string            `json:"id"`
	Configuration map[string]string `json:"configuration"`
}

// RolesQuery asks a plugin for the roles of one user under one auth config.
type RolesQuery struct {
	Username     string
	AuthConfigID string
	Properties   map[string]string
}

func encodeUserRoles(payload any) (string, error) {
	q, err := extension.PayloadAs[RolesQuery](payload)
	if err != nil {
		return "", err
	}
	props := q.Properties
	if props == nil {
		props = map[string]string{}
	}
	return extension.EncodeJSON(userRolesRequest{
		Username:   q.Username,
		AuthConfig: authConfigPayload{ID: q.AuthConfigID, Configuration: props},
	})
}

func common() extension.Handlers {
	return extension.Handlers{
		RequestGetIcon:            {Decode: extension.DecodeImage},
		RequestGetAuthConfigMeta:  {Decode: extension.DecodePropertyList},
		RequestGetAuthConfigView:  {Decode: extension.DecodeTemplate},
		RequestValidateAuthConfig: {Encode: extension.EncodeProperties, Decode: extension.DecodeInto[[]extension.ValidationError]},
	}
}

// Handlers1_0 is the 1.0 message handler.
func Handlers1_0() extension.Handlers {
	return extension.Merge(extension.PluginSettingsHandlers1_0(), common(), extension.Handlers{
		RequestGetCapabilities: {Decode: decodeCapabilitiesV1},
	})
}

// Handlers2_0 adds user role lookup and settings-change notification.
func Handlers2_0() extension.Handlers {
	return extension.Merge(extension.PluginSettingsHandlers2_0(), common(), extension.Handlers{
		RequestGetCapabilities: {Decode: decodeCapabilitiesV2},
		RequestGetUserRoles:    {Encode: encodeUserRoles, Decode: extension.DecodeInto[[]string]},
	})
}

// Extension is the authorization extension point.
type Extension struct {
	*extension.Extension
}

// New creates the extension with handlers for every host version.
func New(manager extension.PluginManager, opts ...extension.Option) *Extension {
	e := extension.New(ExtensionID, HostVersions, manager, opts...)
	e.RegisterHandler("1.0", Handlers1_0())
	e.RegisterHandler("2.0", Handlers2_0())
	return &Extension{Extension: e}
}

func (e *Extension) GetCapabilities(ctx context.Context, pluginID string) (Capabilities, error) {
	return extension.Call[Capabilities](ctx, e.Extension, pluginID, RequestGetCapabilities, nil)
}

func (e *Extension) GetIcon(ctx context.Context, pluginID string) (extension.Image, error) {
	return extension.Call[extension.Image](ctx, e.Extension, pluginID, RequestGetIcon, nil)
}

func (e *Extension) GetAuthConfigMetadata(ctx context.Context, pluginID string) ([]extension.ConfigField, error) {
	return extension.Call[[]extension.ConfigField](ctx, e.Extension, pluginID, RequestGetAuthConfigMeta, nil)
}

func (e *Extension) GetAuthConfigView(ctx context.Context, pluginID string) (string, error) {
	return extension.Call[string](ctx, e.Extension, pluginID, RequestGetAuthConfigView, nil)
}

func (e *Extension) ValidateAuthConfig(ctx context.Context, pluginID string, props map[string]string) ([]extension.ValidationError, error) {
	return extension.Call[[]extension.ValidationError](ctx, e.Extension, pluginID, RequestValidateAuthConfig, props)
}

// GetUserRoles needs protocol 2.0 and a plugin whose capabilities allow it.
func (e *Extension) GetUserRoles(ctx context.Context, pluginID string, q RolesQuery) ([]string, error) {
	return extension.Call[[]string](ctx, e.Extension, pluginID, RequestGetUserRoles, q)
}
