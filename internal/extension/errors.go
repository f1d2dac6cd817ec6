package extension

import (
	"errors"
	"fmt"
)

// PluginNotOfExtensionTypeError is returned when a request targets a plugin
// that does not implement the extension. It is a caller programming error.
type PluginNotOfExtensionTypeError struct {
	PluginID  string
	Extension string
}

func (e *PluginNotOfExtensionTypeError) Error() string {
	return fmt.Sprintf("plugin %q is not of extension type %q", e.PluginID, e.Extension)
}

// NoHandlerRegisteredError means the host negotiated a version it has no
// message handler for. The registry and the host version list disagree.
type NoHandlerRegisteredError struct {
	Extension string
	Version   string
}

func (e *NoHandlerRegisteredError) Error() string {
	return fmt.Sprintf("no message handler registered for extension %q version %q", e.Extension, e.Version)
}

// RequestNotSupportedError is returned when the negotiated version's handler
// has no codec for the request kind.
type RequestNotSupportedError struct {
	Extension   string
	Version     string
	RequestName string
}

func (e *RequestNotSupportedError) Error() string {
	return fmt.Sprintf("extension %q version %q does not support request %q", e.Extension, e.Version, e.RequestName)
}

// PluginRequestFailedError carries a non-success status or an unparseable
// response body. The plugin stays usable for later calls.
type PluginRequestFailedError struct {
	PluginID    string
	Extension   string
	RequestName string
	StatusCode  int
	Body        string
	Err         error
}

func (e *PluginRequestFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request %q to plugin %q failed (status %d): %v", e.RequestName, e.PluginID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("request %q to plugin %q failed with status %d: %s", e.RequestName, e.PluginID, e.StatusCode, e.Body)
}

func (e *PluginRequestFailedError) Unwrap() error {
	return e.Err
}

// IsStatusFailure reports whether err is a plugin answering with a
// non-success status, as opposed to a transport or negotiation failure.
func IsStatusFailure(err error) bool {
	var failed *PluginRequestFailedError
	return errors.As(err, &failed) && failed.Err == nil && failed.StatusCode != 0
}
