package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pluginhost/internal/extension"
	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/plugin"
	"github.com/mattjoyce/pluginhost/internal/storage"
	"github.com/mattjoyce/pluginhost/internal/version"
)

const testExtension = "cd.go.authorization"

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many calls before succeeding
	err      error
	caps     string
}

func (f *fakeFetcher) Extension() string { return testExtension }

func (f *fakeFetcher) Fetch(_ context.Context, pluginID string) (Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return Metadata{}, f.err
	}
	return Metadata{
		Version:      "2.0",
		Capabilities: json.RawMessage(f.caps),
		Icon:         &extension.Image{ContentType: "image/png", Data: "aWNvbg=="},
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func descriptor(id string, exts ...string) plugin.Descriptor {
	d := plugin.Descriptor{ID: id}
	for _, e := range exts {
		d.Extensions = append(d.Extensions, plugin.ExtensionDecl{Name: e, Versions: plugin.Versions{"2.0"}})
	}
	return d
}

func TestStoreReturnsCopies(t *testing.T) {
	s := NewStore(testExtension)
	s.Put(Metadata{
		PluginID:     "p",
		Capabilities: json.RawMessage(`{"can_search":true}`),
		Icon:         &extension.Image{ContentType: "image/png"},
		Settings:     []extension.ConfigField{{Key: "url"}},
		Extra:        map[string]json.RawMessage{"auth": json.RawMessage(`[]`)},
	})

	got, ok := s.Get("p")
	require.True(t, ok)
	got.Capabilities[0] = 'X'
	got.Icon.ContentType = "mutated"
	got.Settings[0].Key = "mutated"
	got.Extra["auth"][0] = 'X'

	again, _ := s.Get("p")
	assert.JSONEq(t, `{"can_search":true}`, string(again.Capabilities))
	assert.Equal(t, "image/png", again.Icon.ContentType)
	assert.Equal(t, "url", again.Settings[0].Key)
	assert.Equal(t, `[]`, string(again.Extra["auth"]))
}

func TestStorePresenceWithoutMetadata(t *testing.T) {
	s := NewStore(testExtension)
	boom := errors.New("boom")
	s.MarkPresent("p", boom)

	assert.True(t, s.Present("p"))
	_, ok := s.Get("p")
	assert.False(t, ok)
	assert.ErrorIs(t, s.Err("p"), boom)
	assert.Empty(t, s.All())
	assert.Equal(t, []string{"p"}, s.PluginIDs())

	s.Remove("p")
	assert.False(t, s.Present("p"))
}

func TestLoaderLoadsOnlyItsExtension(t *testing.T) {
	f := &fakeFetcher{caps: `{"can_search":true}`}
	l := NewLoader(f, NewStore(testExtension))

	l.PluginLoaded(descriptor("scm-only", "scm"))
	assert.Equal(t, 0, f.callCount())
	assert.False(t, l.Store().Present("scm-only"))

	l.PluginLoaded(descriptor("ldap", testExtension))
	m, ok := l.Store().Get("ldap")
	require.True(t, ok)
	assert.Equal(t, "ldap", m.PluginID)
	assert.Equal(t, testExtension, m.Extension)
	assert.NotEmpty(t, m.Fingerprint)
	assert.False(t, m.FetchedAt.IsZero())
}

func TestLoaderRetriesTransientFailures(t *testing.T) {
	f := &fakeFetcher{caps: `{}`, failures: 2, err: errors.New("connection reset")}
	l := NewLoader(f, NewStore(testExtension), WithRetry(3, time.Millisecond))

	l.PluginLoaded(descriptor("ldap", testExtension))
	assert.Equal(t, 3, f.callCount())
	_, ok := l.Store().Get("ldap")
	assert.True(t, ok)
}

func TestLoaderFailureLeavesPluginPresent(t *testing.T) {
	f := &fakeFetcher{failures: 10, err: errors.New("plugin crashed")}
	l := NewLoader(f, NewStore(testExtension), WithRetry(2, time.Millisecond))

	l.PluginLoaded(descriptor("ldap", testExtension))
	assert.Equal(t, 2, f.callCount())
	assert.True(t, l.Store().Present("ldap"))
	_, ok := l.Store().Get("ldap")
	assert.False(t, ok)
	assert.Error(t, l.Store().Err("ldap"))
}

func TestLoaderDoesNotRetryPermanentErrors(t *testing.T) {
	f := &fakeFetcher{failures: 10, err: &version.UnsupportedError{Extension: testExtension, PluginID: "ldap"}}
	l := NewLoader(f, NewStore(testExtension), WithRetry(5, time.Millisecond))

	l.PluginLoaded(descriptor("ldap", testExtension))
	assert.Equal(t, 1, f.callCount())
	assert.ErrorIs(t, l.Store().Err("ldap"), version.ErrUnsupported)
}

func TestLoaderUnloadRemoves(t *testing.T) {
	l := NewLoader(&fakeFetcher{caps: `{}`}, NewStore(testExtension))
	d := descriptor("ldap", testExtension)

	l.PluginLoaded(d)
	require.True(t, l.Store().Present("ldap"))
	l.PluginUnloaded(d)
	assert.False(t, l.Store().Present("ldap"))
}

func TestRefresh(t *testing.T) {
	f := &fakeFetcher{caps: `{"b":1,"a":2}`}
	l := NewLoader(f, NewStore(testExtension), WithRetry(1, time.Millisecond))

	_, err := l.Refresh(context.Background(), "ldap")
	assert.ErrorIs(t, err, ErrNotLoaded)

	l.PluginLoaded(descriptor("ldap", testExtension))
	first, _ := l.Store().Get("ldap")

	second, err := l.Refresh(context.Background(), "ldap")
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)

	f.mu.Lock()
	f.failures = f.calls + 1
	f.err = errors.New("down")
	f.mu.Unlock()
	_, err = l.Refresh(context.Background(), "ldap")
	require.Error(t, err)
	kept, ok := l.Store().Get("ldap")
	require.True(t, ok, "failed refresh keeps last-known metadata")
	assert.Equal(t, first.Fingerprint, kept.Fingerprint)
}

// gatedFetcher blocks every fetch after the first until release is closed.
type gatedFetcher struct {
	fakeFetcher
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFetcher) Fetch(ctx context.Context, pluginID string) (Metadata, error) {
	if g.callCount() > 0 {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.fakeFetcher.Fetch(ctx, pluginID)
}

type savedSnapshots struct {
	mu    sync.Mutex
	saved []string
}

func (s *savedSnapshots) Save(_ context.Context, m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, m.PluginID)
	return nil
}

func (s *savedSnapshots) Delete(context.Context, string, string) error { return nil }

func (s *savedSnapshots) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func TestRefreshRacingUnloadDoesNotRestoreMetadata(t *testing.T) {
	g := &gatedFetcher{
		fakeFetcher: fakeFetcher{caps: `{}`},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	snaps := &savedSnapshots{}
	l := NewLoader(g, NewStore(testExtension), WithRetry(1, time.Millisecond), WithSnapshots(snaps))
	d := descriptor("ldap", testExtension)
	l.PluginLoaded(d)
	require.Equal(t, 1, snaps.count())

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Refresh(context.Background(), "ldap")
		errCh <- err
	}()
	<-g.entered
	l.PluginUnloaded(d)
	close(g.release)

	assert.ErrorIs(t, <-errCh, ErrNotLoaded)
	assert.False(t, l.Store().Present("ldap"))
	_, ok := l.Store().Get("ldap")
	assert.False(t, ok)
	assert.Equal(t, 1, snaps.count(), "no snapshot saved after unload")
}

func TestRefreshAfterReloadKeepsNewGeneration(t *testing.T) {
	s := NewStore(testExtension)
	s.MarkPresent("p", nil)
	gen, ok := s.Generation("p")
	require.True(t, ok)

	s.Remove("p")
	assert.False(t, s.PutIf(Metadata{PluginID: "p"}, gen), "removed plugin")

	s.MarkPresent("p", nil)
	assert.False(t, s.PutIf(Metadata{PluginID: "p"}, gen), "reloaded plugin has a new generation")

	cur, _ := s.Generation("p")
	assert.True(t, s.PutIf(Metadata{PluginID: "p", Version: "2.0"}, cur))
	m, ok := s.Get("p")
	require.True(t, ok)
	assert.Equal(t, "2.0", m.Version)
}

func TestFingerprintIgnoresKeyOrderAndFetchTime(t *testing.T) {
	a := Metadata{Version: "2.0", Capabilities: json.RawMessage(`{"a":1,"b":2}`), FetchedAt: time.Unix(1, 0)}
	b := Metadata{Version: "2.0", Capabilities: json.RawMessage(`{ "b": 2, "a": 1 }`), FetchedAt: time.Unix(2, 0)}
	c := Metadata{Version: "1.0", Capabilities: json.RawMessage(`{"a":1,"b":2}`)}

	fa, err := ComputeFingerprint(a)
	require.NoError(t, err)
	fb, err := ComputeFingerprint(b)
	require.NoError(t, err)
	fc, err := ComputeFingerprint(c)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.NotEqual(t, fa, fc)
	assert.Len(t, fa, 64)
}

func TestSQLiteSnapshots(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	snaps := NewSQLiteSnapshots(db)
	l := NewLoader(&fakeFetcher{caps: `{"can_search":true}`}, NewStore(testExtension), WithSnapshots(snaps))
	d := descriptor("ldap", testExtension)
	l.PluginLoaded(d)

	got, ok, err := snaps.Load(ctx, "ldap", testExtension)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2.0", got.Version)
	assert.JSONEq(t, `{"can_search":true}`, string(got.Capabilities))

	all, err := snaps.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	l.PluginUnloaded(d)
	_, ok, err = snaps.Load(ctx, "ldap", testExtension)
	require.NoError(t, err)
	assert.False(t, ok)
}
