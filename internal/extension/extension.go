package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/protocol"
	"github.com/mattjoyce/pluginhost/internal/version"
)

// RequestIDHeader tags every request so plugin-side logs can be correlated.
const RequestIDHeader = "X-Request-Id"

//go:generate mockgen -destination=mocks/mock_manager.go -package=mocks github.com/mattjoyce/pluginhost/internal/extension PluginManager

// PluginManager routes requests to running plugins. It is implemented outside
// this package (see internal/plugin.Manager).
type PluginManager interface {
	IsPluginOfType(extension, pluginID string) bool
	ResolveExtensionVersion(pluginID, extension string, hostVersions []string) (string, error)
	SubmitTo(ctx context.Context, pluginID, extension string, req *protocol.Request) (*protocol.Response, error)
}

// Extension sends versioned requests for one extension point.
// It holds no per-plugin state and is safe for concurrent use.
type Extension struct {
	name     string
	versions []string
	manager  PluginManager
	handlers *HandlerRegistry
	tracer   trace.Tracer
	metrics  *Metrics
	logger   *slog.Logger
}

// Option configures an Extension.
type Option func(*Extension)

// WithHandlerRegistry shares a handler registry across extensions.
func WithHandlerRegistry(r *HandlerRegistry) Option {
	return func(e *Extension) { e.handlers = r }
}

// WithTracerProvider enables request spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Extension) { e.tracer = tp.Tracer("github.com/mattjoyce/pluginhost/internal/extension") }
}

// WithMetrics records request counts and latencies.
func WithMetrics(m *Metrics) Option {
	return func(e *Extension) { e.metrics = m }
}

// New creates an Extension. hostVersions are normalized to descending order
// so negotiation always prefers the highest mutually supported version.
func New(name string, hostVersions []string, manager PluginManager, opts ...Option) *Extension {
	e := &Extension{
		name:     name,
		versions: version.Sort(hostVersions),
		manager:  manager,
		handlers: NewHandlerRegistry(),
		tracer:   noop.NewTracerProvider().Tracer(""),
		logger:   log.WithExtension(name),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the extension id.
func (e *Extension) Name() string { return e.name }

// HostVersions returns the host-supported versions, most preferred first.
func (e *Extension) HostVersions() []string { return slices.Clone(e.versions) }

// RegisterHandler binds a message handler to one of this extension's versions.
func (e *Extension) RegisterHandler(v string, h MessageHandler) {
	e.handlers.Register(e.name, v, h)
}

// CanHandle reports whether pluginID declares this extension.
func (e *Extension) CanHandle(pluginID string) bool {
	return e.manager.IsPluginOfType(e.name, pluginID)
}

// Negotiate resolves the protocol version for pluginID. It is computed per
// call so plugin reloads are picked up.
func (e *Extension) Negotiate(pluginID string) (string, error) {
	if !e.manager.IsPluginOfType(e.name, pluginID) {
		return "", &PluginNotOfExtensionTypeError{PluginID: pluginID, Extension: e.name}
	}
	v, err := e.manager.ResolveExtensionVersion(pluginID, e.name, e.HostVersions())
	if err != nil {
		return "", fmt.Errorf("resolve %s version for plugin %q: %w", e.name, pluginID, err)
	}
	return v, nil
}

// SupportsRequest reports whether the version negotiated with pluginID has a
// codec for requestName.
func (e *Extension) SupportsRequest(pluginID, requestName string) (bool, error) {
	_, h, err := e.handlerFor(pluginID)
	if err != nil {
		return false, err
	}
	_, ok := h.Codec(requestName)
	return ok, nil
}

func (e *Extension) handlerFor(pluginID string) (string, MessageHandler, error) {
	v, err := e.Negotiate(pluginID)
	if err != nil {
		return "", nil, err
	}
	h, err := e.handlers.Lookup(e.name, v)
	if err != nil {
		e.logger.Error("negotiated version has no message handler", "plugin", pluginID, "version", v)
		return "", nil, err
	}
	return v, h, nil
}

// Send builds the request for requestName, submits it to pluginID and parses
// the response with the codec of the negotiated version.
func (e *Extension) Send(ctx context.Context, pluginID, requestName string, payload any) (out any, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "extension.send", trace.WithAttributes(
		attribute.String("plugin.id", pluginID),
		attribute.String("extension", e.name),
		attribute.String("request.name", requestName),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.observe(e.name, requestName, err, time.Since(start))
	}()

	v, h, err := e.handlerFor(pluginID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("extension.version", v))

	codec, ok := h.Codec(requestName)
	if !ok {
		return nil, &RequestNotSupportedError{Extension: e.name, Version: v, RequestName: requestName}
	}

	req := protocol.NewRequest(e.name, v, requestName).
		WithHeaders(map[string]string{RequestIDHeader: uuid.NewString()})
	if codec.Encode != nil {
		body, err := codec.Encode(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s request for plugin %q: %w", requestName, pluginID, err)
		}
		req.Body = body
	}

	resp, err := e.manager.SubmitTo(ctx, pluginID, e.name, req)
	if err != nil {
		return nil, fmt.Errorf("submit %s to plugin %q: %w", requestName, pluginID, err)
	}
	if resp == nil {
		return nil, &PluginRequestFailedError{
			PluginID: pluginID, Extension: e.name, RequestName: requestName,
			Err: errors.New("plugin returned no response"),
		}
	}
	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))

	if !resp.Successful() {
		return nil, &PluginRequestFailedError{
			PluginID: pluginID, Extension: e.name, RequestName: requestName,
			StatusCode: resp.StatusCode, Body: resp.Body,
		}
	}

	if codec.Decode == nil {
		return nil, nil
	}
	out, err = codec.Decode(resp.Body)
	if err != nil {
		return nil, &PluginRequestFailedError{
			PluginID: pluginID, Extension: e.name, RequestName: requestName,
			StatusCode: resp.StatusCode, Body: resp.Body, Err: err,
		}
	}
	return out, nil
}

// Call is Send with the decoded response asserted to T.
func Call[T any](ctx context.Context, e *Extension, pluginID, requestName string, payload any) (T, error) {
	var zero T
	out, err := e.Send(ctx, pluginID, requestName, payload)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	v, ok := out.(T)
	if !ok {
		return zero, fmt.Errorf("%s response from plugin %q decoded to %T, want %T", requestName, pluginID, out, zero)
	}
	return v, nil
}
