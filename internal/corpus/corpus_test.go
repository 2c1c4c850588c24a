package corpus

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-binarize/internal/errs"
)

func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTokenize(t *testing.T) {
	if diff := cmp.Diff([]int{'a', 'b', 'c'}, Tokenize("abcdef", 3)); diff != "" {
		t.Errorf("truncation (-want +got):\n%s", diff)
	}
	if got := Tokenize("hi", 0); len(got) != 2 {
		t.Errorf("expected default cap to keep 2 tokens, got %d", len(got))
	}
}

func TestLoadJSONL(t *testing.T) {
	path := writeJSONL(t,
		`{"text":"first example","meta":{"source":"a"}}`,
		``,
		`{"text":"second"}`,
		`{"text":"third"}`,
		`{"text":"fourth"}`,
	)
	tests := []struct {
		percent float64
		want    int
	}{
		{100, 4},
		{50, 2},
		{10, 1},
		{30, 2},
	}
	for _, tt := range tests {
		m, err := LoadJSONL(path, "text", tt.percent, 0)
		if err != nil {
			t.Fatal(err)
		}
		if m.Len() != tt.want {
			t.Errorf("percent %v: expected %d examples, got %d", tt.percent, tt.want, m.Len())
		}
	}

	m, _ := LoadJSONL(path, "text", 100, 5)
	if diff := cmp.Diff(Tokenize("first", 0), m.Batch(0).InputIDs); diff != "" {
		t.Errorf("first batch (-want +got):\n%s", diff)
	}
}

func TestLoadJSONLErrors(t *testing.T) {
	if _, err := LoadJSONL(writeJSONL(t, `{"body":"x"}`), "text", 100, 0); err == nil {
		t.Error("expected missing field error")
	}
	if _, err := LoadJSONL(writeJSONL(t, `{"text":3}`), "text", 100, 0); err == nil {
		t.Error("expected non-string field error")
	}
	if _, err := LoadJSONL(writeJSONL(t, `not json`), "text", 100, 0); err == nil {
		t.Error("expected parse error")
	}
	if _, err := LoadJSONL(filepath.Join(t.TempDir(), "missing.jsonl"), "text", 100, 0); err == nil {
		t.Error("expected open error")
	}
}

func TestPercentValidation(t *testing.T) {
	for _, p := range []float64{0, -1, 101} {
		if _, err := Sample(NewMemory(Batch{}), p); !errs.IsConfiguration(err) {
			t.Errorf("percent %v: expected ConfigurationError, got %v", p, err)
		}
	}
}

func TestSample(t *testing.T) {
	src := Synthetic(10, 4, 16, 1)
	out, err := Sample(src, 25)
	if err != nil {
		t.Fatal(err)
	}
	if out.Len() != 3 {
		t.Fatalf("expected 3 examples, got %d", out.Len())
	}
	if diff := cmp.Diff(src.Batch(2), out.Batch(2)); diff != "" {
		t.Errorf("sample should keep leading examples:\n%s", diff)
	}
}

func TestSyntheticDeterministic(t *testing.T) {
	a, b := Synthetic(3, 8, 32, 7), Synthetic(3, 8, 32, 7)
	for i := 0; i < a.Len(); i++ {
		if diff := cmp.Diff(a.Batch(i), b.Batch(i)); diff != "" {
			t.Errorf("batch %d differs:\n%s", i, diff)
		}
		for _, id := range a.Batch(i).InputIDs {
			if id < 0 || id >= 32 {
				t.Errorf("id %d out of vocab", id)
			}
		}
	}
}

func TestGroup(t *testing.T) {
	src := NewMemory(Batch{[]int{1}}, Batch{[]int{2, 3}}, Batch{[]int{4}}, Batch{[]int{5}}, Batch{[]int{6}})
	got, err := Group(src, 2)
	if err != nil {
		t.Fatal(err)
	}
	var ids [][]int
	for i := 0; i < got.Len(); i++ {
		ids = append(ids, got.Batch(i).InputIDs)
	}
	want := [][]int{{1, 2, 3}, {4, 5}, {6}}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("Group (-want +got):\n%s", diff)
	}

	if same, _ := Group(src, 1); same != Source(src) {
		t.Error("size 1 should return the source unchanged")
	}
	if _, err := Group(src, 0); !errs.IsConfiguration(err) {
		t.Errorf("expected configuration error, got %v", err)
	}
}
