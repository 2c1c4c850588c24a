// Package corpus provides tokenized training batches.
package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/logger"
)

// DefaultMaxLen caps the token count of a single example.
const DefaultMaxLen = 512

// Batch is one training example.
type Batch struct {
	InputIDs []int
}

// Source is an indexable training corpus.
type Source interface {
	Len() int
	Batch(i int) Batch
}

// Memory is a corpus held in memory.
type Memory struct {
	batches []Batch
}

func NewMemory(batches ...Batch) *Memory {
	return &Memory{batches: batches}
}

func (m *Memory) Len() int          { return len(m.batches) }
func (m *Memory) Batch(i int) Batch { return m.batches[i] }

// Add appends a batch.
func (m *Memory) Add(b Batch) { m.batches = append(m.batches, b) }

// Tokenize maps text to byte-level token ids, truncated to maxLen.
func Tokenize(text string, maxLen int) []int {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	n := len(text)
	if n > maxLen {
		n = maxLen
	}
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		ids[i] = int(text[i])
	}
	return ids
}

// FromTexts tokenizes each non-empty text into a batch.
func FromTexts(texts []string, maxLen int) *Memory {
	m := &Memory{}
	for _, t := range texts {
		if t == "" {
			continue
		}
		m.Add(Batch{InputIDs: Tokenize(t, maxLen)})
	}
	return m
}

// checkPercent validates a data percentage in (0, 100].
func checkPercent(percent float64) error {
	if math.IsNaN(percent) || percent <= 0 || percent > 100 {
		return errs.Config("data_percent", percent, "must be in (0, 100]")
	}
	return nil
}

// keep is the number of leading examples a percentage selects, at least one.
func keep(n int, percent float64) int {
	k := int(math.Ceil(float64(n) * percent / 100))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// Sample returns the leading percent of src.
func Sample(src Source, percent float64) (Source, error) {
	if err := checkPercent(percent); err != nil {
		return nil, err
	}
	if src.Len() == 0 {
		return src, nil
	}
	k := keep(src.Len(), percent)
	m := &Memory{batches: make([]Batch, k)}
	for i := 0; i < k; i++ {
		m.batches[i] = src.Batch(i)
	}
	return m, nil
}

// LoadJSONL reads one JSON object per line and tokenizes the string under
// field, keeping the leading percent of examples.
func LoadJSONL(path, field string, percent float64, maxLen int) (*Memory, error) {
	if err := checkPercent(percent); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var texts []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec map[string]json.RawMessage
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		v, ok := rec[field]
		if !ok {
			return nil, fmt.Errorf("%s:%d: missing field %q", path, line, field)
		}
		var text string
		if err := json.Unmarshal(v, &text); err != nil {
			return nil, fmt.Errorf("%s:%d: field %q is not a string", path, line, field)
		}
		texts = append(texts, text)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("corpus %s has no examples", path)
	}

	texts = texts[:keep(len(texts), percent)]
	m := FromTexts(texts, maxLen)
	logger.Log.Info("loaded corpus", "path", path, "examples", m.Len(), "percent", percent)
	return m, nil
}

// Synthetic builds n deterministic pseudo-random examples of length seqLen
// over a vocabulary of vocab ids.
func Synthetic(n, seqLen, vocab int, seed int64) *Memory {
	rng := rand.New(rand.NewSource(seed))
	m := &Memory{batches: make([]Batch, n)}
	for i := range m.batches {
		ids := make([]int, seqLen)
		for j := range ids {
			ids[j] = rng.Intn(vocab)
		}
		m.batches[i] = Batch{InputIDs: ids}
	}
	return m
}

// Group concatenates every size consecutive examples into one batch. The
// last batch may be shorter.
func Group(src Source, size int) (Source, error) {
	if size <= 0 {
		return nil, errs.Config("batch_size", size, "must be positive")
	}
	if size == 1 {
		return src, nil
	}
	m := &Memory{}
	for i := 0; i < src.Len(); i += size {
		var ids []int
		for j := i; j < min(i+size, src.Len()); j++ {
			ids = append(ids, src.Batch(j).InputIDs...)
		}
		m.batches = append(m.batches, Batch{InputIDs: ids})
	}
	return m, nil
}
