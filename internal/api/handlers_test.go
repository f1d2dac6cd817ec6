package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pluginhost/internal/events"
	"github.com/mattjoyce/pluginhost/internal/metadata"
	"github.com/mattjoyce/pluginhost/internal/plugin"
)

const (
	testKey     = "test-key"
	elasticExt  = "cd.go.elastic-agent"
	authExt     = "cd.go.authorization"
	dockerAgent = "docker"
)

type fakeSource struct {
	store   *metadata.Store
	refresh func(id string) (metadata.Metadata, error)
}

func (f *fakeSource) Store() *metadata.Store { return f.store }

func (f *fakeSource) Refresh(_ context.Context, id string) (metadata.Metadata, error) {
	return f.refresh(id)
}

type fakeNotifier struct {
	got    map[string]map[string]string
	accept bool
}

func (f *fakeNotifier) Notify(id string, settings map[string]string) bool {
	if f.got == nil {
		f.got = map[string]map[string]string{}
	}
	f.got[id] = settings
	return f.accept
}

type fixture struct {
	server   *Server
	handler  http.Handler
	registry *plugin.Registry
	elastic  *fakeSource
	notifier *fakeNotifier
	hub      *events.Hub
}

func newFixture(t *testing.T, health healthcheck.Handler, gatherer prometheus.Gatherer) *fixture {
	t.Helper()
	f := &fixture{
		registry: plugin.NewRegistry(),
		elastic:  &fakeSource{store: metadata.NewStore(elasticExt)},
		notifier: &fakeNotifier{accept: true},
		hub:      events.NewHub(10),
	}
	require.NoError(t, f.registry.Add(plugin.Descriptor{
		ID: dockerAgent, Version: "1.0.0", Path: "/plugins/docker",
		Extensions: []plugin.ExtensionDecl{
			{Name: elasticExt, Versions: plugin.Versions{"4.0", "5.0"}},
			{Name: authExt, Versions: plugin.Versions{"2.0"}},
		},
	}))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.server = New(Config{APIKey: testKey}, f.registry, []MetadataSource{f.elastic}, f.notifier, f.hub, health, gatherer, logger)
	f.handler = f.server.routes()
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestProtectedRoutesRequireKey(t *testing.T) {
	f := newFixture(t, nil, nil)
	for _, path := range []string{"/plugins", "/plugins/docker", "/events"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		req.Header.Set("Authorization", "Bearer wrong")
		rec = httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestListPlugins(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.do(t, http.MethodGet, "/plugins", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []PluginSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []PluginSummary{{ID: dockerAgent, Version: "1.0.0", Extensions: []string{elasticExt, authExt}}}, got)
}

func TestGetPluginShowsMetadataAndErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.elastic.store.Put(metadata.Metadata{PluginID: dockerAgent, Extension: elasticExt, Version: "5.0", Fingerprint: "abc"})

	rec := f.do(t, http.MethodGet, "/plugins/docker", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got PluginDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Extensions, 2)
	require.NotNil(t, got.Extensions[0].Metadata)
	assert.Equal(t, "5.0", got.Extensions[0].Metadata.Version)
	assert.Equal(t, []string{"4.0", "5.0"}, got.Extensions[0].Versions)
	assert.Nil(t, got.Extensions[1].Metadata)

	f.elastic.store.Remove(dockerAgent)
	f.elastic.store.MarkPresent(dockerAgent, errors.New("plugin timed out"))
	rec = f.do(t, http.MethodGet, "/plugins/docker", "")
	got = PluginDetail{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Nil(t, got.Extensions[0].Metadata)
	assert.Equal(t, "plugin timed out", got.Extensions[0].Error)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/plugins/missing", "").Code)
}

func TestRefreshMetadata(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.elastic.store.Put(metadata.Metadata{PluginID: dockerAgent, Extension: elasticExt})
	f.elastic.refresh = func(id string) (metadata.Metadata, error) {
		return metadata.Metadata{PluginID: id, Extension: elasticExt, Fingerprint: "new"}, nil
	}

	rec := f.do(t, http.MethodPost, "/plugins/docker/metadata/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got RefreshResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Refreshed, 1)
	assert.Equal(t, "new", got.Refreshed[0].Fingerprint)
	assert.Equal(t, events.MetadataRefreshed, f.hub.Since(0)[0].Type)

	f.elastic.refresh = func(string) (metadata.Metadata, error) { return metadata.Metadata{}, errors.New("boom") }
	rec = f.do(t, http.MethodPost, "/plugins/docker/metadata/refresh", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "boom", got.Errors[elasticExt])
}

func TestPutSettings(t *testing.T) {
	f := newFixture(t, nil, nil)

	rec := f.do(t, http.MethodPut, "/plugins/docker/settings", `{"settings":{"foo":"bar"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, map[string]string{"foo": "bar"}, f.notifier.got[dockerAgent])

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPut, "/plugins/docker/settings", `{"nope":1}`).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPut, "/plugins/missing/settings", `{}`).Code)

	f.notifier.accept = false
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodPut, "/plugins/docker/settings", `{"settings":{}}`).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	health := healthcheck.NewHandler()
	health.AddReadinessCheck("state-db", func() error { return errors.New("closed") })
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "pluginhost_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	f := newFixture(t, health, reg)
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)

	rec := get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pluginhost_test_total 1")
}

func TestEventsReplaysAndStreams(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.hub.Publish(events.PluginLoaded, map[string]string{"plugin_id": "a"})
	f.hub.Publish(events.PluginLoaded, map[string]string{"plugin_id": "b"})

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	var ids []string
	next := func() {
		for lines.Scan() {
			if id, ok := strings.CutPrefix(lines.Text(), "id: "); ok {
				ids = append(ids, id)
				return
			}
		}
	}

	next()
	f.hub.Publish(events.PluginUnloaded, map[string]string{"plugin_id": "b"})
	next()
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestTypeFilter(t *testing.T) {
	all := parseTypeFilter("")
	assert.True(t, all.match(events.PluginLoaded))

	f := parseTypeFilter(" plugin. , metadata.refreshed ,")
	assert.True(t, f.match(events.PluginLoaded))
	assert.True(t, f.match(events.PluginUnloaded))
	assert.True(t, f.match(events.MetadataRefreshed))
	assert.False(t, f.match(events.SettingsNotified))
	assert.False(t, f.match("pluginish"))
}

func TestEventsFiltersByType(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.hub.Publish(events.SettingsNotified, map[string]string{"plugin_id": "a"})
	f.hub.Publish(events.PluginLoaded, map[string]string{"plugin_id": "a"})

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?types=plugin.", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	var types []string
	for len(types) < 1 && lines.Scan() {
		if typ, ok := strings.CutPrefix(lines.Text(), "event: "); ok {
			types = append(types, typ)
		}
	}
	assert.Equal(t, []string{events.PluginLoaded}, types)
}
