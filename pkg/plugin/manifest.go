package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile pairs a parsed descriptor with the file it came from.
type ManifestFile struct {
	Path       string
	Descriptor Descriptor
	// Err carries the parse or validation failure for this file. A broken
	// manifest never aborts the scan; the manager records it as failed.
	Err error
}

// LoadManifest reads and validates a single plugin manifest.
func LoadManifest(path string) (Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var desc Descriptor
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return Descriptor{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	desc = desc.Normalized()
	if err := desc.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("manifest %s: %w", path, err)
	}
	return desc, nil
}

// ScanManifestDir scans a directory for *.yaml / *.yml plugin manifests and
// returns one entry per file, sorted by path for deterministic ordering.
// Files that fail to parse or validate are returned with Err set rather than
// aborting the scan. A missing directory is treated as "no plugins".
func ScanManifestDir(dir string) ([]ManifestFile, error) {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir %s: %w", trimmed, err)
	}
	var files []ManifestFile
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(trimmed, entry.Name())
		desc, err := LoadManifest(path)
		files = append(files, ManifestFile{Path: path, Descriptor: desc, Err: err})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

// manifestName derives a placeholder plugin name for a manifest that failed
// to parse, so the failure still shows up in status listings.
func manifestName(path string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext)
}
