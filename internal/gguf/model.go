package gguf

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-binarize/internal/nn"
)

// Float32s decodes an F32 or F16 tensor. Quantized storage types are
// rejected: fine-tuning starts from full-precision weights.
func (t *TensorInfo) Float32s() ([]float32, error) {
	n := int(t.Numel())
	out := make([]float32, n)
	switch t.Type {
	case GGMLTypeF32:
		if len(t.Data) < 4*n {
			return nil, fmt.Errorf("tensor %s: short data", t.Name)
		}
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
	case GGMLTypeF16:
		if len(t.Data) < 2*n {
			return nil, fmt.Errorf("tensor %s: short data", t.Name)
		}
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
	default:
		return nil, fmt.Errorf("tensor %s: unsupported type %s (need F32 or F16)", t.Name, t.Type)
	}
	return out, nil
}

// blockTensors maps GGUF block tensor suffixes to their place in the tree.
var blockTensors = []struct {
	gguf, group, name string
}{
	{"attn_q", "self_attn", "q_proj"},
	{"attn_k", "self_attn", "k_proj"},
	{"attn_v", "self_attn", "v_proj"},
	{"attn_output", "self_attn", "o_proj"},
	{"ffn_gate", "mlp", "gate_proj"},
	{"ffn_up", "mlp", "up_proj"},
	{"ffn_down", "mlp", "down_proj"},
}

// BuildModel instantiates a LLaMA-shaped tree from a GGUF file. The layout
// matches nn.NewLlama; a missing output.weight is tied to the embedding.
func BuildModel(f *GGUFFile) (*nn.Container, error) {
	report := Analyze(f)
	if report.BlockCount == 0 {
		return nil, fmt.Errorf("gguf: no transformer blocks found")
	}
	b := builder{f: f}

	layers := nn.NewContainer("module_list")
	for i := 0; i < report.BlockCount; i++ {
		prefix := "blk." + strconv.Itoa(i) + "."
		groups := map[string]*nn.Container{
			"self_attn": nn.NewContainer("attention"),
			"mlp":       nn.NewContainer("mlp"),
		}
		for _, bt := range blockTensors {
			l, err := b.linear(prefix + bt.gguf)
			if err != nil {
				return nil, err
			}
			groups[bt.group].Add(bt.name, l)
		}
		block := nn.NewContainer("decoder_layer").
			Add("self_attn", groups["self_attn"]).
			Add("mlp", groups["mlp"]).
			Add("input_layernorm", b.norm(prefix+"attn_norm.weight")).
			Add("post_attention_layernorm", b.norm(prefix+"ffn_norm.weight"))
		layers.Add(strconv.Itoa(i), block)
	}

	embed := b.param("token_embd.weight", 2)
	model := nn.NewContainer("llama_model").
		Add("embed_tokens", nn.NewContainer("embedding").AddParam("weight", embed)).
		Add("layers", layers).
		Add("norm", b.norm("output_norm.weight"))

	var head *nn.Linear
	if _, ok := f.Tensor("output.weight"); ok {
		head, _ = b.linear("output")
	} else if embed != nil {
		head, _ = nn.NewLinear(embed.Clone(), nil)
	}
	if b.err != nil {
		return nil, b.err
	}
	return nn.NewContainer("causal_lm").Add("model", model).Add("lm_head", head), nil
}

// builder records the first failure so callers can chain lookups.
type builder struct {
	f   *GGUFFile
	err error
}

func (b *builder) param(name string, rank int) *nn.Parameter {
	if b.err != nil {
		return nil
	}
	t, ok := b.f.Tensor(name)
	if !ok {
		b.err = fmt.Errorf("gguf: missing tensor %s", name)
		return nil
	}
	if len(t.Dimensions) != rank {
		b.err = fmt.Errorf("gguf: tensor %s has %d dims, want %d", name, len(t.Dimensions), rank)
		return nil
	}
	data, err := t.Float32s()
	if err != nil {
		b.err = err
		return nil
	}
	// GGUF lists the fastest-varying dimension first.
	shape := make([]int, rank)
	for i, d := range t.Dimensions {
		shape[rank-1-i] = int(d)
	}
	return nn.NewParameterFrom(data, shape...)
}

func (b *builder) linear(base string) (*nn.Linear, error) {
	w := b.param(base+".weight", 2)
	if b.err != nil {
		return nil, b.err
	}
	var bias *nn.Parameter
	if _, ok := b.f.Tensor(base + ".bias"); ok {
		if bias = b.param(base+".bias", 1); b.err != nil {
			return nil, b.err
		}
	}
	l, err := nn.NewLinear(w, bias)
	if err != nil {
		b.err = fmt.Errorf("gguf: %s: %w", base, err)
	}
	return l, b.err
}

func (b *builder) norm(name string) *nn.Container {
	return nn.NewContainer("rmsnorm").AddParam("weight", b.param(name, 1))
}
