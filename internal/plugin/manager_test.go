package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pluginhost/internal/log"
	"github.com/mattjoyce/pluginhost/internal/protocol"
	"github.com/mattjoyce/pluginhost/internal/version"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type recordingListener struct {
	name   string
	events *[]string
}

func (l recordingListener) PluginLoaded(d Descriptor) {
	*l.events = append(*l.events, l.name+":load:"+d.ID)
}

func (l recordingListener) PluginUnloaded(d Descriptor) {
	*l.events = append(*l.events, l.name+":unload:"+d.ID)
}

func loadScriptPlugin(t *testing.T, m *Manager, script string) Descriptor {
	t.Helper()
	root := t.TempDir()
	writePlugin(t, root, "docker", elasticManifest, script, 0755)
	found, err := Discover([]string{root}, nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.NoError(t, m.Load(found[0]))
	return found[0]
}

func TestManagerLifecycleNotifiesInOrder(t *testing.T) {
	m := NewManager(time.Second)
	var events []string
	m.Subscribe(recordingListener{name: "first", events: &events})
	m.Subscribe(recordingListener{name: "second", events: &events})

	d := Descriptor{ID: "p1", Extensions: []ExtensionDecl{{Name: "scm", Versions: Versions{"1.0"}}}}
	require.NoError(t, m.Load(d))
	assert.Error(t, m.Load(d), "duplicate load must fail")
	require.NoError(t, m.Unload("p1"))

	assert.Equal(t, []string{"first:load:p1", "second:load:p1", "first:unload:p1", "second:unload:p1"}, events)

	err := m.Unload("p1")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestManagerTypeAndVersionResolution(t *testing.T) {
	m := NewManager(time.Second)
	require.NoError(t, m.Load(Descriptor{ID: "auth", Extensions: []ExtensionDecl{
		{Name: "cd.go.authorization", Versions: Versions{"1.0", "2.0"}},
	}}))

	assert.True(t, m.IsPluginOfType("cd.go.authorization", "auth"))
	assert.False(t, m.IsPluginOfType("scm", "auth"))
	assert.False(t, m.IsPluginOfType("cd.go.authorization", "missing"))

	v, err := m.ResolveExtensionVersion("auth", "cd.go.authorization", []string{"2.0", "1.0"})
	require.NoError(t, err)
	assert.Equal(t, "2.0", v)

	_, err = m.ResolveExtensionVersion("auth", "cd.go.authorization", []string{"3.0"})
	assert.ErrorIs(t, err, version.ErrUnsupported)

	_, err = m.ResolveExtensionVersion("missing", "cd.go.authorization", []string{"2.0"})
	assert.ErrorIs(t, err, ErrPluginNotFound)
}

func TestManagerReturnsCopies(t *testing.T) {
	m := NewManager(time.Second)
	require.NoError(t, m.Load(Descriptor{ID: "p", Extensions: []ExtensionDecl{{Name: "scm", Versions: Versions{"1.0"}}}}))

	d, ok := m.Get("p")
	require.True(t, ok)
	d.Extensions[0].Versions[0] = "9.9"

	again, _ := m.Get("p")
	assert.Equal(t, "1.0", again.Extensions[0].Versions[0])
}

func TestSubmitToRoundTrip(t *testing.T) {
	m := NewManager(5 * time.Second)
	script := `#!/bin/sh
req=$(cat)
case "$req" in
  *'"request_name":"cd.go.elastic-agent.server-ping"'*) echo '{"status_code":200,"body":"pong"}' ;;
  *) echo '{"status_code":404,"body":"unknown"}' ;;
esac
`
	d := loadScriptPlugin(t, m, script)

	req := protocol.NewRequest("cd.go.elastic-agent", "5.0", "cd.go.elastic-agent.server-ping")
	resp, err := m.SubmitTo(context.Background(), d.ID, "cd.go.elastic-agent", req)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "pong", resp.Body)

	req = protocol.NewRequest("cd.go.elastic-agent", "5.0", "cd.go.elastic-agent.get-icon")
	resp, err = m.SubmitTo(context.Background(), d.ID, "cd.go.elastic-agent", req)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestSubmitToRejectsUnknownPluginAndExtension(t *testing.T) {
	m := NewManager(time.Second)
	req := protocol.NewRequest("scm", "1.0", "scm-view")

	_, err := m.SubmitTo(context.Background(), "missing", "scm", req)
	assert.ErrorIs(t, err, ErrPluginNotFound)

	d := loadScriptPlugin(t, m, "#!/bin/sh\ncat >/dev/null\n")
	_, err = m.SubmitTo(context.Background(), d.ID, "scm", req)
	assert.Error(t, err)
}

func TestSubmitToTimeout(t *testing.T) {
	m := NewManager(200 * time.Millisecond)
	d := loadScriptPlugin(t, m, "#!/bin/sh\nexec sleep 10\n")

	start := time.Now()
	req := protocol.NewRequest("cd.go.elastic-agent", "5.0", "cd.go.elastic-agent.server-ping")
	_, err := m.SubmitTo(context.Background(), d.ID, "cd.go.elastic-agent", req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSubmitToCapsStderr(t *testing.T) {
	m := NewManager(5 * time.Second)
	script := "#!/bin/sh\ncat >/dev/null\nhead -c 100000 /dev/zero | tr '\\000' x >&2\nexit 3\n"
	d := loadScriptPlugin(t, m, script)

	req := protocol.NewRequest("cd.go.elastic-agent", "5.0", "cd.go.elastic-agent.server-ping")
	_, err := m.SubmitTo(context.Background(), d.ID, "cd.go.elastic-agent", req)

	var callErr *CallError
	require.True(t, errors.As(err, &callErr), "want CallError, got %v", err)
	assert.Len(t, callErr.Stderr, maxStderrBytes)
	assert.True(t, strings.HasPrefix(callErr.Stderr, "xxx"))
}

func TestDescriptorHelpers(t *testing.T) {
	d := Descriptor{ID: "p", Path: filepath.Join("a", "b"), Extensions: []ExtensionDecl{
		{Name: "scm", Versions: Versions{"1.0"}},
		{Name: "cd.go.authorization", Versions: Versions{"2.0"}},
	}}
	assert.Equal(t, []string{"scm", "cd.go.authorization"}, d.ExtensionNames())
	assert.True(t, d.Implements("scm"))
	assert.False(t, d.Implements("cd.go.elastic-agent"))
}

type routabilityListener struct {
	m        *Manager
	routable *bool
}

func (routabilityListener) PluginLoaded(Descriptor) {}

func (l routabilityListener) PluginUnloaded(d Descriptor) {
	*l.routable = l.m.IsPluginOfType("scm", d.ID)
}

func TestUnloadKeepsPluginRoutableForListeners(t *testing.T) {
	m := NewManager(time.Second)
	var routable bool
	m.Subscribe(routabilityListener{m: m, routable: &routable})

	require.NoError(t, m.Load(Descriptor{ID: "p1", Extensions: []ExtensionDecl{{Name: "scm", Versions: Versions{"1.0"}}}}))
	require.NoError(t, m.Unload("p1"))

	assert.True(t, routable, "plugin must still route while listeners drain")
	assert.False(t, m.IsPluginOfType("scm", "p1"))
	_, ok := m.Get("p1")
	assert.False(t, ok)
}
