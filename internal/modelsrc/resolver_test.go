package modelsrc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/23skdu/longbow-binarize/internal/errs"
)

func writeManifest(t *testing.T, base, namespace, name, tag, body string) {
	t.Helper()
	dir := filepath.Join(base, "manifests", DefaultRegistry, namespace, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, tag), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveOllama(t *testing.T) {
	base := t.TempDir()
	t.Setenv("OLLAMA_MODELS", base)

	blobs := filepath.Join(base, "blobs")
	if err := os.MkdirAll(blobs, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(blobs, "sha256-abc"), []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := `{"schemaVersion":2,"layers":[
		{"mediaType":"application/vnd.ollama.image.template","digest":"sha256:tmpl","size":1},
		{"mediaType":"application/vnd.ollama.image.model","digest":"sha256:abc","size":4}]}`
	writeManifest(t, base, "library", "tiny", "latest", manifest)
	writeManifest(t, base, "library", "tiny", "q8", manifest)
	writeManifest(t, base, "acme", "tiny", "latest", manifest)
	writeManifest(t, base, "library", "empty", "latest", `{"schemaVersion":2,"layers":[]}`)
	writeManifest(t, base, "library", "gone", "latest", `{"layers":[{"mediaType":"application/vnd.ollama.image.model","digest":"sha256:missing"}]}`)

	want := filepath.Join(blobs, "sha256-abc")
	for _, id := range []string{"tiny", "tiny:latest", "tiny:q8", "acme/tiny"} {
		got, err := Resolve(id)
		if err != nil {
			t.Errorf("Resolve(%q): %v", id, err)
			continue
		}
		if got != want {
			t.Errorf("Resolve(%q) = %q, want %q", id, got, want)
		}
	}

	for _, id := range []string{"unknown", "empty", "gone", "tiny:nope"} {
		if _, err := Resolve(id); err == nil {
			t.Errorf("Resolve(%q) succeeded", id)
		}
	}
	if _, err := Resolve("unknown"); !errs.IsConfiguration(err) {
		t.Errorf("unknown model should be a configuration error, got %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.gguf")
	if err := os.WriteFile(path, []byte("GGUF"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := Resolve(path); err != nil || got != path {
		t.Errorf("Resolve(%q) = %q, %v", path, got, err)
	}
	if _, err := Resolve(path + ".missing.gguf"); !errs.IsConfiguration(err) {
		t.Errorf("missing file should be a configuration error, got %v", err)
	}
	if _, err := Resolve(""); !errs.IsConfiguration(err) {
		t.Errorf("empty id should be a configuration error, got %v", err)
	}
}

func TestLoadRejectsNonGGUF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.gguf")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for non-GGUF file")
	}
}
