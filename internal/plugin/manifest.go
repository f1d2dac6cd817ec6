package plugin

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Versions is the set of protocol versions a plugin declares for one extension.
//
// Accepted formats:
//   - scalar: versions: "2.0"
//   - sequence: versions: ["1.0", "2.0"]
type Versions []string

func (v *Versions) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*v = nil
		return nil
	}
	switch n.Kind {
	case yaml.ScalarNode:
		*v = Versions{strings.TrimSpace(n.Value)}
	case yaml.SequenceNode:
		out := make(Versions, 0, len(n.Content))
		for _, item := range n.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("version entries must be scalars")
			}
			out = append(out, strings.TrimSpace(item.Value))
		}
		*v = out
	default:
		return fmt.Errorf("versions must be a scalar or a sequence")
	}
	return nil
}

// ExtensionDecl declares one implemented extension point.
type ExtensionDecl struct {
	Name     string   `yaml:"name" json:"name"`
	Versions Versions `yaml:"versions" json:"versions"`
}

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	ID          string          `yaml:"id"`
	Version     string          `yaml:"version"`
	Entrypoint  string          `yaml:"entrypoint"`
	Description string          `yaml:"description,omitempty"`
	Extensions  []ExtensionDecl `yaml:"extensions"`
}

// Descriptor is a discovered and validated plugin. Its declared extension
// versions are fixed for as long as the plugin stays loaded.
type Descriptor struct {
	ID          string          `json:"id"`
	Path        string          `json:"path"`       // Absolute path to plugin directory
	Entrypoint  string          `json:"entrypoint"` // Absolute path to entrypoint executable
	Version     string          `json:"version"`
	Description string          `json:"description,omitempty"`
	Extensions  []ExtensionDecl `json:"extensions"`
}

// Implements reports whether the plugin declares extension.
func (d Descriptor) Implements(extension string) bool {
	_, ok := d.Versions(extension)
	return ok
}

// Versions returns a copy of the versions declared for extension.
func (d Descriptor) Versions(extension string) ([]string, bool) {
	for _, e := range d.Extensions {
		if e.Name == extension {
			return slices.Clone([]string(e.Versions)), true
		}
	}
	return nil, false
}

// ExtensionNames returns the declared extension ids in manifest order.
func (d Descriptor) ExtensionNames() []string {
	out := make([]string, 0, len(d.Extensions))
	for _, e := range d.Extensions {
		out = append(out, e.Name)
	}
	return out
}

func (d Descriptor) clone() Descriptor {
	out := d
	out.Extensions = make([]ExtensionDecl, len(d.Extensions))
	for i, e := range d.Extensions {
		out.Extensions[i] = ExtensionDecl{Name: e.Name, Versions: slices.Clone(e.Versions)}
	}
	return out
}
