package plugin

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDescriptorValidate(t *testing.T) {
	valid := Descriptor{Name: "poll-monitor", Version: "1.2.3", Type: TypeTaskMonitor}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}
	prerelease := Descriptor{Name: "push-monitor", Version: "v2.0.0-rc.1", Type: TypeTaskMonitor}
	if err := prerelease.Validate(); err != nil {
		t.Fatalf("prerelease version rejected: %v", err)
	}

	bad := []Descriptor{
		{Version: "1.0.0", Type: TypeGeneric},
		{Name: "x", Type: TypeGeneric},
		{Name: "x", Version: "1.0", Type: TypeGeneric},
		{Name: "x", Version: "1.0.0", Type: "daemon"},
		{Name: "x", Version: "1.0.0"},
		{Name: "x", Version: "1.0.0", Type: TypeGeneric, Dependencies: []string{"x"}},
	}
	for i, desc := range bad {
		if err := desc.Validate(); err == nil {
			t.Fatalf("descriptor %d should have been rejected: %+v", i, desc)
		}
	}
}

func TestDescriptorNormalized(t *testing.T) {
	desc := Descriptor{
		Name:         "  helper ",
		Version:      " 1.0.0 ",
		Type:         Type(" Generic "),
		Dependencies: []string{"zeta", " alpha ", "zeta", ""},
	}
	got := desc.Normalized()
	if got.Name != "helper" || got.Version != "1.0.0" || got.Type != TypeGeneric {
		t.Fatalf("unexpected normalization: %+v", got)
	}
	if !reflect.DeepEqual(got.Dependencies, []string{"alpha", "zeta"}) {
		t.Fatalf("dependencies not deduplicated and sorted: %v", got.Dependencies)
	}
}

func TestDescriptorDefaultEnabled(t *testing.T) {
	if !(Descriptor{}).DefaultEnabled() {
		t.Fatal("omitted enabled flag should default to true")
	}
	off := false
	if (Descriptor{Enabled: &off}).DefaultEnabled() {
		t.Fatal("explicit enabled: false ignored")
	}
}

func TestScanManifestDirMissingDirMeansNoPlugins(t *testing.T) {
	files, err := ScanManifestDir(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("missing directory should not be an error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("expected no manifests, got %d", len(files))
	}
}

func TestScanManifestDirIsolatesBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeTestManifest(t, dir, "10-good.yaml", "name: helper\nversion: 1.0.0\ntype: generic\n")
	writeTestManifest(t, dir, "20-broken.yaml", "name: [unclosed\n")
	writeTestManifest(t, dir, "notes.txt", "not a manifest")

	files, err := ScanManifestDir(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 manifests, got %d", len(files))
	}
	if files[0].Err != nil || files[0].Descriptor.Name != "helper" {
		t.Fatalf("good manifest not parsed: %+v", files[0])
	}
	if files[1].Err == nil {
		t.Fatal("broken manifest should carry its parse error")
	}
}

func writeTestManifest(t *testing.T, dir, file, body string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write manifest %s: %v", file, err)
	}
	return path
}
