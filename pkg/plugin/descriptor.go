package plugin

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Descriptor holds the static metadata parsed from a plugin manifest. It is
// immutable once loaded; the manager re-reads it only on an explicit reload.
type Descriptor struct {
	Name                 string         `yaml:"name"`
	Version              string         `yaml:"version"`
	Type                 Type           `yaml:"type"`
	Category             string         `yaml:"category"`
	Enabled              *bool          `yaml:"enabled"`
	Dependencies         []string       `yaml:"dependencies"`
	ExternalDependencies []string       `yaml:"external_dependencies"`
	Config               map[string]any `yaml:"config"`
}

var semverPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)

// Normalized returns a trimmed, deduplicated copy of the descriptor.
func (d Descriptor) Normalized() Descriptor {
	clone := Descriptor{
		Name:     strings.TrimSpace(d.Name),
		Version:  strings.TrimSpace(d.Version),
		Type:     Type(strings.TrimSpace(strings.ToLower(string(d.Type)))),
		Category: strings.TrimSpace(d.Category),
		Enabled:  d.Enabled,
	}
	clone.Dependencies = normalizeSet(d.Dependencies)
	clone.ExternalDependencies = normalizeSet(d.ExternalDependencies)
	if len(d.Config) > 0 {
		clone.Config = make(map[string]any, len(d.Config))
		for key, value := range d.Config {
			trimmed := strings.TrimSpace(key)
			if trimmed == "" {
				continue
			}
			clone.Config[trimmed] = value
		}
	}
	return clone
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// Validate ensures the descriptor is well-formed. It does not check that the
// declared dependencies exist; that is the manager's job during discovery.
func (d Descriptor) Validate() error {
	normalized := d.Normalized()
	if normalized.Name == "" {
		return fmt.Errorf("descriptor: name is required")
	}
	if normalized.Version == "" {
		return fmt.Errorf("descriptor %s: version is required", normalized.Name)
	}
	if !semverPattern.MatchString(normalized.Version) {
		return fmt.Errorf("descriptor %s: version %q is not a semantic version", normalized.Name, normalized.Version)
	}
	if normalized.Type == "" {
		return fmt.Errorf("descriptor %s: type is required", normalized.Name)
	}
	if !normalized.Type.Valid() {
		return fmt.Errorf("descriptor %s: unknown type %q", normalized.Name, normalized.Type)
	}
	for _, dep := range normalized.Dependencies {
		if dep == normalized.Name {
			return fmt.Errorf("descriptor %s: depends on itself", normalized.Name)
		}
	}
	return nil
}

// DefaultEnabled reports the manifest's enablement default. A manifest that
// omits the flag defaults to enabled.
func (d Descriptor) DefaultEnabled() bool {
	if d.Enabled == nil {
		return true
	}
	return *d.Enabled
}
