// Package version negotiates the protocol version used between the host and a
// plugin for one extension.
package version

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrUnsupported matches any *UnsupportedError via errors.Is.
var ErrUnsupported = errors.New("no mutually supported extension version")

// UnsupportedError reports an empty intersection between host and plugin versions.
type UnsupportedError struct {
	Extension string
	PluginID  string
	Host      []string
	Plugin    []string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("plugin %q does not support any version of extension %q supported by the host (host: %v, plugin: %v)",
		e.PluginID, e.Extension, e.Host, e.Plugin)
}

func (e *UnsupportedError) Is(target error) bool {
	return target == ErrUnsupported
}

// Negotiate returns the first host version, in host preference order, that the
// plugin also declares. Host lists are published most-preferred first.
func Negotiate(host, plugin []string) (string, error) {
	for _, v := range host {
		if slices.Contains(plugin, v) {
			return v, nil
		}
	}
	return "", &UnsupportedError{Host: slices.Clone(host), Plugin: slices.Clone(plugin)}
}

// NegotiateFor is Negotiate with the error annotated for extension and plugin.
func NegotiateFor(extension, pluginID string, host, plugin []string) (string, error) {
	v, err := Negotiate(host, plugin)
	if err != nil {
		var ue *UnsupportedError
		if errors.As(err, &ue) {
			ue.Extension = extension
			ue.PluginID = pluginID
		}
		return "", err
	}
	return v, nil
}

// Compare orders dotted numeric versions ("1.0" < "2.0" < "10.0").
// Non-numeric segments fall back to lexical comparison.
func Compare(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < max(len(as), len(bs)); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, xerr := strconv.Atoi(orZero(x))
		yi, yerr := strconv.Atoi(orZero(y))
		if xerr == nil && yerr == nil {
			if xi != yi {
				if xi < yi {
					return -1
				}
				return 1
			}
			continue
		}
		if c := strings.Compare(x, y); c != 0 {
			return c
		}
	}
	return 0
}

// Sort returns a copy of versions ordered most-preferred (highest) first,
// with duplicates removed.
func Sort(versions []string) []string {
	out := slices.Clone(versions)
	slices.SortFunc(out, func(a, b string) int { return Compare(b, a) })
	return slices.CompactFunc(out, func(a, b string) bool { return Compare(a, b) == 0 })
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
