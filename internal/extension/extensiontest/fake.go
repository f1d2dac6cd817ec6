// Package extensiontest provides an in-memory plugin manager for tests of
// code built on internal/extension.
package extensiontest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/mattjoyce/pluginhost/internal/protocol"
	"github.com/mattjoyce/pluginhost/internal/version"
)

// Responder produces the plugin's answer to one request.
type Responder func(req *protocol.Request) (*protocol.Response, error)

// Manager is a fake plugin manager. Plugins declare versions per extension and
// answer by request name. All requests are recorded.
type Manager struct {
	mu         sync.Mutex
	declared   map[string]map[string][]string
	responders map[string]Responder
	requests   []Recorded
}

// Recorded is one request seen by the fake.
type Recorded struct {
	PluginID  string
	Extension string
	Request   *protocol.Request
}

// NewManager creates an empty fake.
func NewManager() *Manager {
	return &Manager{
		declared:   map[string]map[string][]string{},
		responders: map[string]Responder{},
	}
}

// Declare makes pluginID implement extension with the given versions.
func (m *Manager) Declare(pluginID, extension string, versions ...string) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.declared[pluginID] == nil {
		m.declared[pluginID] = map[string][]string{}
	}
	m.declared[pluginID][extension] = versions
	return m
}

// Forget removes pluginID.
func (m *Manager) Forget(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.declared, pluginID)
}

// Respond registers the answer for requestName. Unregistered names get 200 with an empty body.
func (m *Manager) Respond(requestName string, r Responder) *Manager {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders[requestName] = r
	return m
}

// RespondBody registers a fixed status and body for requestName.
func (m *Manager) RespondBody(requestName string, status int, body string) *Manager {
	return m.Respond(requestName, func(*protocol.Request) (*protocol.Response, error) {
		return &protocol.Response{StatusCode: status, Body: body}, nil
	})
}

// Requests returns a copy of everything submitted so far.
func (m *Manager) Requests() []Recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.requests)
}

// Last returns the most recent request, or nil.
func (m *Manager) Last() *protocol.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1].Request
}

func (m *Manager) IsPluginOfType(extension, pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.declared[pluginID][extension]
	return ok
}

func (m *Manager) ResolveExtensionVersion(pluginID, extension string, hostVersions []string) (string, error) {
	m.mu.Lock()
	declared, ok := m.declared[pluginID][extension]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("plugin %q does not implement %q", pluginID, extension)
	}
	return version.NegotiateFor(extension, pluginID, hostVersions, declared)
}

func (m *Manager) SubmitTo(_ context.Context, pluginID, extension string, req *protocol.Request) (*protocol.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, Recorded{PluginID: pluginID, Extension: extension, Request: req})
	r := m.responders[req.RequestName]
	m.mu.Unlock()
	if r == nil {
		return protocol.Success(""), nil
	}
	return r(req)
}
