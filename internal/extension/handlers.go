package extension

import (
	"maps"
	"slices"
	"sync"
)

// Codec marshals one request kind for one protocol version.
// A nil Encode sends an empty body; a nil Decode ignores the response body.
type Codec struct {
	Encode func(payload any) (string, error)
	Decode func(body string) (any, error)
}

// MessageHandler resolves the codec for a request kind within one
// (extension, version) pair.
type MessageHandler interface {
	Codec(requestName string) (Codec, bool)
}

// Handlers is the standard MessageHandler: request name to codec.
type Handlers map[string]Codec

func (h Handlers) Codec(requestName string) (Codec, bool) {
	c, ok := h[requestName]
	return c, ok
}

// Merge combines handler sets. Later sets win on duplicate request names.
func Merge(sets ...Handlers) Handlers {
	out := Handlers{}
	for _, s := range sets {
		maps.Copy(out, s)
	}
	return out
}

type handlerKey struct {
	extension string
	version   string
}

// HandlerRegistry maps (extension, version) to a MessageHandler.
// Registration happens at startup; lookups happen on every request.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[handlerKey]MessageHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[handlerKey]MessageHandler)}
}

// Register binds handler to (extension, version), replacing any previous one.
func (r *HandlerRegistry) Register(extension, version string, handler MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handlerKey{extension, version}] = handler
}

// Lookup returns the handler for (extension, version).
func (r *HandlerRegistry) Lookup(extension, version string) (MessageHandler, error) {
	r.mu.RLock()
	h, ok := r.handlers[handlerKey{extension, version}]
	r.mu.RUnlock()
	if !ok {
		return nil, &NoHandlerRegisteredError{Extension: extension, Version: version}
	}
	return h, nil
}

// Versions lists the versions registered for extension, sorted lexically.
func (r *HandlerRegistry) Versions(extension string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.handlers {
		if k.extension == extension {
			out = append(out, k.version)
		}
	}
	slices.Sort(out)
	return out
}
