package plugin

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const manifestFilename = "manifest.yaml"

// Discover scans plugin roots for manifest.yaml files and validates plugins.
// Roots are processed in input order; duplicate plugin ids keep the first
// discovered plugin. Invalid plugins are logged but not fatal.
func Discover(pluginRoots []string, logger func(level, msg string, args ...any)) ([]Descriptor, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots, err := resolveRoots(pluginRoots)
	if err != nil {
		return nil, err
	}

	var found []Descriptor
	seen := make(map[string]string)
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			pluginPath := filepath.Dir(path)
			desc, err := loadPlugin(pluginPath, absRoots)
			if err != nil {
				logger("warn", "failed to load plugin", "root", root, "path", pluginPath, "error", err.Error())
				return nil
			}

			if kept, dup := seen[desc.ID]; dup {
				logger("warn", "duplicate plugin ignored (keeping first discovered)",
					"plugin", desc.ID, "ignored_path", desc.Path, "kept_path", kept)
				return nil
			}
			seen[desc.ID] = desc.Path
			found = append(found, *desc)

			logger("info", "discovered plugin", "plugin", desc.ID, "path", desc.Path, "version", desc.Version,
				"extensions", strings.Join(desc.ExtensionNames(), ","))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan plugin root %s: %w", root, err)
		}
	}

	return found, nil
}

func resolveRoots(pluginRoots []string) ([]string, error) {
	absRoots := make([]string, 0, len(pluginRoots))
	seenRoots := make(map[string]struct{}, len(pluginRoots))
	for _, root := range pluginRoots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve plugin root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("plugin root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat plugin root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("plugin root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}
	if len(absRoots) == 0 {
		return nil, fmt.Errorf("at least one plugin root is required")
	}
	return absRoots, nil
}

// loadPlugin reads and validates a single plugin directory.
func loadPlugin(pluginPath string, roots []string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(pluginPath, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypointPath := filepath.Join(pluginPath, manifest.Entrypoint)
	if err := validateTrust(entrypointPath, pluginPath, roots); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Descriptor{
		ID:          manifest.ID,
		Path:        pluginPath,
		Entrypoint:  entrypointPath,
		Version:     manifest.Version,
		Description: manifest.Description,
		Extensions:  manifest.Extensions,
	}, nil
}

// validateManifest checks required manifest fields.
func validateManifest(m *Manifest) error {
	m.ID = strings.TrimSpace(m.ID)
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if len(m.Extensions) == 0 {
		return fmt.Errorf("at least one extension must be declared")
	}

	seen := make(map[string]bool, len(m.Extensions))
	for i, ext := range m.Extensions {
		name := strings.TrimSpace(ext.Name)
		if name == "" {
			return fmt.Errorf("extensions[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("extension %q declared twice", name)
		}
		seen[name] = true
		if len(ext.Versions) == 0 {
			return fmt.Errorf("extension %q: at least one version is required", name)
		}
		for _, v := range ext.Versions {
			if v == "" {
				return fmt.Errorf("extension %q: empty version", name)
			}
		}
		m.Extensions[i].Name = name
	}
	return nil
}

// validateTrust enforces that the entrypoint is an executable inside the
// plugin directory, under a configured root, and that the directory is not
// world-writable.
func validateTrust(entrypointPath, pluginPath string, pluginRoots []string) error {
	if len(pluginRoots) == 0 {
		return fmt.Errorf("no plugin roots configured")
	}

	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedPluginPath, err := filepath.EvalSymlinks(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to resolve plugin path symlink: %w", err)
	}

	inApprovedRoot := false
	for _, root := range pluginRoots {
		resolvedRoot, err := filepath.EvalSymlinks(root)
		if err != nil {
			return fmt.Errorf("failed to resolve plugin root symlink %s: %w", root, err)
		}
		if strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
			inApprovedRoot = true
			break
		}
	}
	if !inApprovedRoot {
		return fmt.Errorf("entrypoint %s is not under any configured plugin root", resolvedEntrypoint)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedPluginPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedPluginPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	pluginInfo, err := os.Stat(resolvedPluginPath)
	if err != nil {
		return fmt.Errorf("plugin directory not found: %w", err)
	}
	if pluginInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("plugin directory is world-writable: %s", resolvedPluginPath)
	}

	return nil
}
