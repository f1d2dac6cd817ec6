// Package elastic talks to elastic agent plugins, which create build agents on
// demand in a cluster (docker, kubernetes, cloud instances).
package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/pluginhost/internal/extension"
)

// ExtensionID names the elastic agent extension point.
const ExtensionID = "cd.go.elastic-agent"

// HostVersions are the elastic agent protocol versions this host speaks.
var HostVersions = []string{"5.0", "4.0"}

const (
	RequestGetIcon                = ExtensionID + ".get-icon"
	RequestGetCapabilities        = ExtensionID + ".get-capabilities"
	RequestServerPing             = ExtensionID + ".server-ping"
	RequestJobCompletion          = ExtensionID + ".job-completion"
	RequestCreateAgent            = ExtensionID + ".create-agent"
	RequestShouldAssignWork       = ExtensionID + ".should-assign-work"
	RequestGetProfileMetadata     = ExtensionID + ".get-elastic-agent-profile-metadata"
	RequestGetProfileView         = ExtensionID + ".get-elastic-agent-profile-view"
	RequestValidateProfile        = ExtensionID + ".validate-elastic-agent-profile"
	RequestGetClusterProfileMeta  = ExtensionID + ".get-cluster-profile-metadata"
	RequestGetClusterProfileView  = ExtensionID + ".get-cluster-profile-view"
	RequestValidateClusterProfile = ExtensionID + ".validate-cluster-profile"
)

// Capabilities reports which status reports a plugin can render.
type Capabilities struct {
	SupportsPluginStatusReport  bool `json:"supports_plugin_status_report"`
	SupportsClusterStatusReport bool `json:"supports_cluster_status_report"`
	SupportsAgentStatusReport   bool `json:"supports_agent_status_report"`
}

// Plugins send capability flags as strings.
type capabilitiesDTO struct {
	SupportsPluginStatusReport  string `json:"supports_plugin_status_report"`
	SupportsClusterStatusReport string `json:"supports_cluster_status_report"`
	SupportsAgentStatusReport   string `json:"supports_agent_status_report"`
}

func parseFlag(name, v string) (bool, error) {
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %q is not a boolean", name, v)
	}
	return b, nil
}

func decodeCapabilities(body string) (any, error) {
	var dto capabilitiesDTO
	if err := json.Unmarshal([]byte(body), &dto); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	var c Capabilities
	var err error
	if c.SupportsPluginStatusReport, err = parseFlag("supports_plugin_status_report", dto.SupportsPluginStatusReport); err != nil {
		return nil, err
	}
	if c.SupportsClusterStatusReport, err = parseFlag("supports_cluster_status_report", dto.SupportsClusterStatusReport); err != nil {
		return nil, err
	}
	if c.SupportsAgentStatusReport, err = parseFlag("supports_agent_status_report", dto.SupportsAgentStatusReport); err != nil {
		return nil, err
	}
	return c, nil
}

// JobIdentifier names one job run.
type JobIdentifier struct {
	PipelineName    string `json:"pipeline_name"`
	PipelineLabel   string `json:"pipeline_label"`
	PipelineCounter int64  `json:"pipeline_counter"`
	StageName       string `json:"stage_name"`
	StageCounter    string `json:"stage_counter"`
	JobName         string `json:"job_name"`
	JobID           int64  `json:"job_id"`
}

// JobCompletion reports that an agent finished a job.
type JobCompletion struct {
	AgentID                  string            `json:"elastic_agent_id"`
	ProfileProperties        map[string]string `json:"elastic_agent_profile_properties"`
	ClusterProfileProperties map[string]string `json:"cluster_profile_properties"`
	Job                      JobIdentifier     `json:"job_identifier"`
}

// Agent is an agent's state as the server sees it.
type Agent struct {
	ID          string `json:"agent_id"`
	AgentState  string `json:"agent_state"`
	BuildState  string `json:"build_state"`
	ConfigState string `json:"config_state"`
}

// WorkAssignment asks whether an agent should take a job.
type WorkAssignment struct {
	ClusterProfileProperties map[string]string `json:"cluster_profile_properties"`
	ProfileProperties        map[string]string `json:"elastic_agent_profile_properties"`
	Environment              string            `json:"environment"`
	Agent                    Agent             `json:"agent"`
	Job                      JobIdentifier     `json:"job_identifier"`
}

// AgentRequest asks the plugin to create an agent for a job.
type AgentRequest struct {
	AutoRegisterKey          string            `json:"auto_register_key"`
	ProfileProperties        map[string]string `json:"elastic_agent_profile_properties"`
	ClusterProfileProperties map[string]string `json:"cluster_profile_properties"`
	Environment              string            `json:"environment"`
	Job                      JobIdentifier     `json:"job_identifier"`
}

type serverPingV5 struct {
	AllClusterProfileProperties []map[string]string `json:"all_cluster_profile_properties"`
}

func encodeServerPingV5(payload any) (string, error) {
	profiles, err := extension.PayloadAs[[]map[string]string](payload)
	if err != nil {
		return "", err
	}
	if profiles == nil {
		profiles = []map[string]string{}
	}
	return extension.EncodeJSON(serverPingV5{AllClusterProfileProperties: profiles})
}

func encodeTyped[T any](payload any) (string, error) {
	v, err := extension.PayloadAs[T](payload)
	if err != nil {
		return "", err
	}
	return extension.EncodeJSON(v)
}

func decodeBool(body string) (any, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("should-assign-work answer %q is not a boolean", body)
	}
	return b, nil
}

func common() extension.Handlers {
	return extension.Handlers{
		RequestGetIcon:            {Decode: extension.DecodeImage},
		RequestJobCompletion:      {Encode: encodeTyped[JobCompletion]},
		RequestCreateAgent:        {Encode: encodeTyped[AgentRequest]},
		RequestShouldAssignWork:   {Encode: encodeTyped[WorkAssignment], Decode: decodeBool},
		RequestGetProfileMetadata: {Decode: extension.DecodePropertyList},
		RequestGetProfileView:     {Decode: extension.DecodeTemplate},
		RequestValidateProfile:    {Encode: extension.EncodeProperties, Decode: extension.DecodeInto[[]extension.ValidationError]},
	}
}

// Handlers4_0 is the 4.0 message handler. Server ping carries no body and
// capabilities cannot be queried.
func Handlers4_0() extension.Handlers {
	return extension.Merge(extension.PluginSettingsHandlers1_0(), common(), extension.Handlers{
		RequestServerPing: {},
	})
}

// Handlers5_0 adds capabilities, cluster profiles and settings-change
// notification.
func Handlers5_0() extension.Handlers {
	return extension.Merge(extension.PluginSettingsHandlers2_0(), common(), extension.Handlers{
		RequestGetCapabilities:        {Decode: decodeCapabilities},
		RequestServerPing:             {Encode: encodeServerPingV5},
		RequestGetClusterProfileMeta:  {Decode: extension.DecodePropertyList},
		RequestGetClusterProfileView:  {Decode: extension.DecodeTemplate},
		RequestValidateClusterProfile: {Encode: extension.EncodeProperties, Decode: extension.DecodeInto[[]extension.ValidationError]},
	})
}

// Extension is the elastic agent extension point.
type Extension struct {
	*extension.Extension
}

// New creates the extension with handlers for every host version.
func New(manager extension.PluginManager, opts ...extension.Option) *Extension {
	e := extension.New(ExtensionID, HostVersions, manager, opts...)
	e.RegisterHandler("4.0", Handlers4_0())
	e.RegisterHandler("5.0", Handlers5_0())
	return &Extension{Extension: e}
}

func (e *Extension) GetIcon(ctx context.Context, pluginID string) (extension.Image, error) {
	return extension.Call[extension.Image](ctx, e.Extension, pluginID, RequestGetIcon, nil)
}

// GetCapabilities returns all-false capabilities for versions that cannot be
// asked.
func (e *Extension) GetCapabilities(ctx context.Context, pluginID string) (Capabilities, error) {
	ok, err := e.SupportsRequest(pluginID, RequestGetCapabilities)
	if err != nil || !ok {
		return Capabilities{}, err
	}
	return extension.Call[Capabilities](ctx, e.Extension, pluginID, RequestGetCapabilities, nil)
}

// ServerPing tells the plugin the server is alive, along with every cluster
// profile configured for it. Versions before 5.0 ignore the profiles.
func (e *Extension) ServerPing(ctx context.Context, pluginID string, profiles []map[string]string) error {
	_, err := e.Send(ctx, pluginID, RequestServerPing, profiles)
	return err
}

func (e *Extension) ReportJobCompletion(ctx context.Context, pluginID string, jc JobCompletion) error {
	_, err := e.Send(ctx, pluginID, RequestJobCompletion, jc)
	return err
}

func (e *Extension) CreateAgent(ctx context.Context, pluginID string, req AgentRequest) error {
	_, err := e.Send(ctx, pluginID, RequestCreateAgent, req)
	return err
}

func (e *Extension) ShouldAssignWork(ctx context.Context, pluginID string, w WorkAssignment) (bool, error) {
	return extension.Call[bool](ctx, e.Extension, pluginID, RequestShouldAssignWork, w)
}

func (e *Extension) GetProfileMetadata(ctx context.Context, pluginID string) ([]extension.ConfigField, error) {
	return extension.Call[[]extension.ConfigField](ctx, e.Extension, pluginID, RequestGetProfileMetadata, nil)
}

func (e *Extension) GetProfileView(ctx context.Context, pluginID string) (string, error) {
	return extension.Call[string](ctx, e.Extension, pluginID, RequestGetProfileView, nil)
}

func (e *Extension) ValidateProfile(ctx context.Context, pluginID string, props map[string]string) ([]extension.ValidationError, error) {
	return extension.Call[[]extension.ValidationError](ctx, e.Extension, pluginID, RequestValidateProfile, props)
}

func (e *Extension) GetClusterProfileMetadata(ctx context.Context, pluginID string) ([]extension.ConfigField, error) {
	return extension.Call[[]extension.ConfigField](ctx, e.Extension, pluginID, RequestGetClusterProfileMeta, nil)
}

func (e *Extension) GetClusterProfileView(ctx context.Context, pluginID string) (string, error) {
	return extension.Call[string](ctx, e.Extension, pluginID, RequestGetClusterProfileView, nil)
}

func (e *Extension) ValidateClusterProfile(ctx context.Context, pluginID string, props map[string]string) ([]extension.ValidationError, error) {
	return extension.Call[[]extension.ValidationError](ctx, e.Extension, pluginID, RequestValidateClusterProfile, props)
}
