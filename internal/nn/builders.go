package nn

import (
	"fmt"
	"math/rand"
	"strconv"
)

// LlamaSpec sizes a LLaMA-shaped causal LM.
type LlamaSpec struct {
	Layers    int
	Dim       int
	HiddenDim int
	VocabSize int
}

// NewLlama builds a randomly initialised LLaMA-shaped tree:
//
//	model.embed_tokens
//	model.layers.N.self_attn.{q,k,v,o}_proj
//	model.layers.N.mlp.{gate,up,down}_proj
//	model.layers.N.{input,post_attention}_layernorm
//	model.norm
//	lm_head
func NewLlama(spec LlamaSpec, seed int64) (*Container, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))

	layers := NewContainer("module_list")
	for i := 0; i < spec.Layers; i++ {
		attn := NewContainer("attention").
			Add("q_proj", RandomLinear(rng, spec.Dim, spec.Dim, false)).
			Add("k_proj", RandomLinear(rng, spec.Dim, spec.Dim, false)).
			Add("v_proj", RandomLinear(rng, spec.Dim, spec.Dim, false)).
			Add("o_proj", RandomLinear(rng, spec.Dim, spec.Dim, false))
		mlp := NewContainer("mlp").
			Add("gate_proj", RandomLinear(rng, spec.Dim, spec.HiddenDim, false)).
			Add("up_proj", RandomLinear(rng, spec.Dim, spec.HiddenDim, false)).
			Add("down_proj", RandomLinear(rng, spec.HiddenDim, spec.Dim, false))
		block := NewContainer("decoder_layer").
			Add("self_attn", attn).
			Add("mlp", mlp).
			Add("input_layernorm", norm(spec.Dim)).
			Add("post_attention_layernorm", norm(spec.Dim))
		layers.Add(strconv.Itoa(i), block)
	}

	model := NewContainer("llama_model").
		Add("embed_tokens", embedding(rng, spec.VocabSize, spec.Dim)).
		Add("layers", layers).
		Add("norm", norm(spec.Dim))

	return NewContainer("causal_lm").
		Add("model", model).
		Add("lm_head", RandomLinear(rng, spec.Dim, spec.VocabSize, false)), nil
}

// NewOPT builds an OPT-shaped tree (model.decoder.layers.N.*, biased
// projections, fc1/fc2 feed-forward).
func NewOPT(spec LlamaSpec, seed int64) (*Container, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))

	layers := NewContainer("module_list")
	for i := 0; i < spec.Layers; i++ {
		attn := NewContainer("attention").
			Add("k_proj", RandomLinear(rng, spec.Dim, spec.Dim, true)).
			Add("v_proj", RandomLinear(rng, spec.Dim, spec.Dim, true)).
			Add("q_proj", RandomLinear(rng, spec.Dim, spec.Dim, true)).
			Add("out_proj", RandomLinear(rng, spec.Dim, spec.Dim, true))
		block := NewContainer("decoder_layer").
			Add("self_attn", attn).
			Add("self_attn_layer_norm", layerNorm(spec.Dim)).
			Add("fc1", RandomLinear(rng, spec.Dim, spec.HiddenDim, true)).
			Add("fc2", RandomLinear(rng, spec.HiddenDim, spec.Dim, true)).
			Add("final_layer_norm", layerNorm(spec.Dim))
		layers.Add(strconv.Itoa(i), block)
	}

	decoder := NewContainer("opt_decoder").
		Add("embed_tokens", embedding(rng, spec.VocabSize, spec.Dim)).
		Add("layers", layers).
		Add("final_layer_norm", layerNorm(spec.Dim))

	return NewContainer("causal_lm").
		Add("model", NewContainer("opt_model").Add("decoder", decoder)).
		Add("lm_head", RandomLinear(rng, spec.Dim, spec.VocabSize, false)), nil
}

func (s LlamaSpec) validate() error {
	switch {
	case s.Layers <= 0:
		return fmt.Errorf("invalid layers: %d (must be positive)", s.Layers)
	case s.Dim <= 0:
		return fmt.Errorf("invalid dim: %d (must be positive)", s.Dim)
	case s.HiddenDim <= 0:
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", s.HiddenDim)
	case s.VocabSize <= 0:
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", s.VocabSize)
	}
	return nil
}

func norm(dim int) *Container {
	w := NewParameter(dim)
	for i := range w.Data {
		w.Data[i] = 1
	}
	return NewContainer("rmsnorm").AddParam("weight", w)
}

func layerNorm(dim int) *Container {
	w := NewParameter(dim)
	for i := range w.Data {
		w.Data[i] = 1
	}
	return NewContainer("layernorm").AddParam("weight", w).AddParam("bias", NewParameter(dim))
}

func embedding(rng *rand.Rand, vocab, dim int) *Container {
	w := NewParameter(vocab, dim)
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64() * 0.02)
	}
	return NewContainer("embedding").AddParam("weight", w)
}
