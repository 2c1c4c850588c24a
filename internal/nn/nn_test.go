package nn

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func smallLlama(t *testing.T, layers int) *Container {
	t.Helper()
	m, err := NewLlama(LlamaSpec{Layers: layers, Dim: 8, HiddenDim: 16, VocabSize: 32}, 1)
	if err != nil {
		t.Fatalf("NewLlama: %v", err)
	}
	return m
}

func TestIndexIncludesRoot(t *testing.T) {
	m := smallLlama(t, 2)
	idx, err := Index(m)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if idx[""] != Module(m) {
		t.Error("expected root under empty key")
	}
	for _, name := range []string{
		"model",
		"model.layers.0.self_attn.q_proj",
		"model.layers.1.mlp.down_proj",
		"lm_head",
	} {
		if _, ok := idx[name]; !ok {
			t.Errorf("missing %s", name)
		}
	}
	// every non-root entry must have a resolvable parent
	for name := range idx {
		if name == "" {
			continue
		}
		parent, _ := SplitParent(name)
		if _, ok := idx[parent]; !ok {
			t.Errorf("parent %q of %q not indexed", parent, name)
		}
	}
}

func TestDenseLinearsOrder(t *testing.T) {
	m := smallLlama(t, 1)
	linears, err := DenseLinears(m)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, l := range linears {
		names = append(names, l.Name)
	}
	want := []string{
		"model.layers.0.self_attn.q_proj",
		"model.layers.0.self_attn.k_proj",
		"model.layers.0.self_attn.v_proj",
		"model.layers.0.self_attn.o_proj",
		"model.layers.0.mlp.gate_proj",
		"model.layers.0.mlp.up_proj",
		"model.layers.0.mlp.down_proj",
		"lm_head",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("linear order mismatch (-want +got):\n%s", diff)
	}
}

func TestSplitParent(t *testing.T) {
	tests := []struct {
		name       string
		wantParent string
		wantKey    string
	}{
		{"lm_head", "", "lm_head"},
		{"model.layers.3.mlp.up_proj", "model.layers.3.mlp", "up_proj"},
		{"a.b", "a", "b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, k := SplitParent(tt.name)
			if p != tt.wantParent || k != tt.wantKey {
				t.Errorf("SplitParent(%q) = (%q, %q), want (%q, %q)", tt.name, p, k, tt.wantParent, tt.wantKey)
			}
		})
	}
}

func TestSetChildKeepsPosition(t *testing.T) {
	c := NewContainer("").
		Add("a", NewContainer("x")).
		Add("b", NewContainer("y"))
	repl := NewContainer("z")
	if err := c.SetChild("a", repl); err != nil {
		t.Fatal(err)
	}
	kids := c.Children()
	if kids[0].Key != "a" || kids[0].Module != Module(repl) {
		t.Errorf("expected replacement at position 0, got %+v", kids[0])
	}
	if err := c.SetChild("missing", repl); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestWalkRejectsSharedModule(t *testing.T) {
	shared := NewContainer("shared")
	root := NewContainer("").Add("a", shared).Add("b", shared)
	if _, err := Index(root); err == nil {
		t.Error("expected error for module reachable twice")
	}
}

func TestFreezeAll(t *testing.T) {
	m := smallLlama(t, 2)
	params, _ := Parameters(m)
	for _, p := range params[:5] {
		p.Param.RequiresGrad = true
	}
	n, err := FreezeAll(m)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 flipped, got %d", n)
	}
	trainable, total, _ := CountTrainable(m)
	if trainable != 0 {
		t.Errorf("expected 0 trainable, got %d of %d", trainable, total)
	}
}

func TestLinearForward(t *testing.T) {
	l, err := NewLinear(
		NewParameterFrom([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		NewParameterFrom([]float32{0.5, -1}, 2),
	)
	if err != nil {
		t.Fatal(err)
	}
	y, err := l.Forward([]float32{1, 0, -1, 2, 2, 2}, 2)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{1 - 3 + 0.5, 4 - 6 - 1, 12 + 0.5, 30 - 1}
	if diff := cmp.Diff(want, y); diff != "" {
		t.Errorf("forward mismatch (-want +got):\n%s", diff)
	}
	if _, err := l.Forward([]float32{1, 2}, 1); err == nil {
		t.Error("expected shape error")
	}
}

func TestOPTShape(t *testing.T) {
	m, err := NewOPT(LlamaSpec{Layers: 3, Dim: 4, HiddenDim: 8, VocabSize: 10}, 7)
	if err != nil {
		t.Fatal(err)
	}
	layers, err := Lookup(m, "model.decoder.layers")
	if err != nil {
		t.Fatal(err)
	}
	if got := len(layers.Children()); got != 3 {
		t.Errorf("expected 3 blocks, got %d", got)
	}
	fc1, _ := Lookup(m, "model.decoder.layers.0.fc1")
	if l := fc1.(*Linear); l.Bias == nil || l.OutFeatures() != 8 {
		t.Errorf("unexpected fc1 %v", l)
	}
}

func TestRandomLinearDeterministic(t *testing.T) {
	a := RandomLinear(rand.New(rand.NewSource(3)), 4, 4, false)
	b := RandomLinear(rand.New(rand.NewSource(3)), 4, 4, false)
	if diff := cmp.Diff(a.Weight.Data, b.Weight.Data); diff != "" {
		t.Errorf("same seed should give same weights:\n%s", diff)
	}
}
