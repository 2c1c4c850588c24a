// Package modelsrc locates and instantiates the model a run starts from.
package modelsrc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/gguf"
	"github.com/23skdu/longbow-binarize/internal/logger"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

const (
	DefaultTag      = "latest"
	DefaultRegistry = "registry.ollama.ai"
	MediaTypeModel  = "application/vnd.ollama.image.model"
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// OllamaDir is $OLLAMA_MODELS or ~/.ollama/models.
func OllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolve maps id to a GGUF file. An existing path is returned as is;
// anything else is looked up as an Ollama model ("llama3", "llama3:8b",
// "namespace/model:tag").
func Resolve(id string) (string, error) {
	if id == "" {
		return "", errs.Config("model_path", id, "empty model reference")
	}
	if st, err := os.Stat(id); err == nil && !st.IsDir() {
		return id, nil
	}
	if strings.HasSuffix(id, ".gguf") {
		return "", errs.Config("model_path", id, "file not found")
	}
	return resolveOllama(id)
}

func resolveOllama(id string) (string, error) {
	name, tag, ok := strings.Cut(id, ":")
	if !ok || tag == "" {
		tag = DefaultTag
	}
	namespace := "library"
	if ns, n, ok := strings.Cut(name, "/"); ok {
		namespace, name = ns, n
	}

	baseDir, err := OllamaDir()
	if err != nil {
		return "", err
	}
	manifestPath := filepath.Join(baseDir, "manifests", DefaultRegistry, namespace, name, tag)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return "", errs.Config("model_path", id, fmt.Sprintf("model manifest not found at %s", manifestPath))
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("parse manifest %s: %w", manifestPath, err)
	}

	var blobDigest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			blobDigest = l.Digest
			break
		}
	}
	if blobDigest == "" {
		return "", fmt.Errorf("no model layer found in manifest %s", manifestPath)
	}

	// Digest is "sha256:hash"; blobs are stored as sha256-hash.
	blobPath := filepath.Join(baseDir, "blobs", strings.Replace(blobDigest, ":", "-", 1))
	if _, err := os.Stat(blobPath); err != nil {
		return "", fmt.Errorf("model blob not found at %s", blobPath)
	}
	return blobPath, nil
}

// Load resolves id and builds the model tree from its GGUF weights.
func Load(id string) (*nn.Container, error) {
	path, err := Resolve(id)
	if err != nil {
		return nil, err
	}
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	model, err := gguf.BuildModel(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	r := gguf.Analyze(f)
	logger.Log.Info("model loaded", "path", path, "arch", r.Architecture, "blocks", r.BlockCount, "params", r.TotalParameters)
	return model, nil
}
