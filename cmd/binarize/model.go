package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-binarize/internal/modelsrc"
	"github.com/23skdu/longbow-binarize/internal/nn"
)

// SyntheticModelID names the built-in random model.
const SyntheticModelID = "synthetic/llama"

type modelFlags struct {
	path      string
	synthetic bool
	spec      nn.LlamaSpec
	seed      int64
}

func (m *modelFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&m.path, "model", "", "GGUF file or Ollama model name")
	f.BoolVar(&m.synthetic, "synthetic", false, "Use a small random LLaMA-shaped model")
	f.IntVar(&m.spec.Layers, "synthetic-layers", 2, "Decoder layers of the synthetic model")
	f.IntVar(&m.spec.Dim, "synthetic-dim", 16, "Hidden size of the synthetic model")
	f.IntVar(&m.spec.HiddenDim, "synthetic-hidden", 32, "Feed-forward size of the synthetic model")
	f.IntVar(&m.spec.VocabSize, "synthetic-vocab", 64, "Vocabulary size of the synthetic model")
	f.Int64Var(&m.seed, "seed", 0, "Seed for synthetic weights and data")
}

// load returns the model and its id.
func (m *modelFlags) load() (*nn.Container, string, error) {
	switch {
	case m.synthetic:
		model, err := nn.NewLlama(m.spec, m.seed)
		return model, SyntheticModelID, err
	case m.path != "":
		model, err := modelsrc.Load(m.path)
		return model, m.path, err
	default:
		return nil, "", fmt.Errorf("either --model or --synthetic is required")
	}
}

// vocabSize reads the embedding's row count, or 256 when the model has none.
func vocabSize(model nn.Module) int {
	if emb, err := nn.Lookup(model, "model.embed_tokens"); err == nil {
		for _, p := range emb.Params() {
			if p.Name == "weight" && len(p.Param.Shape) == 2 {
				return p.Param.Shape[0]
			}
		}
	}
	return 256
}
