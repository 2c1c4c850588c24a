package gguf

import (
	"fmt"
	"strconv"
	"strings"
)

// AnalysisReport summarises a file's architecture and size.
type AnalysisReport struct {
	Architecture     string
	ModelName        string
	BlockCount       int
	HiddenSize       int
	IntermediateSize int
	VocabSize        int
	TensorCount      int
	TotalParameters  int64
	MemoryEstimate   int64
}

// Analyze reads architecture metadata, falling back to tensor shapes where
// a key is missing.
func Analyze(f *GGUFFile) *AnalysisReport {
	report := &AnalysisReport{TensorCount: len(f.Tensors)}
	report.Architecture, _ = f.KV["general.architecture"].(string)
	report.ModelName, _ = f.KV["general.name"].(string)
	arch := report.Architecture

	report.BlockCount = int(getKVInt(f.KV, arch+".block_count"))
	if report.BlockCount == 0 {
		report.BlockCount = countBlocks(f)
	}
	report.HiddenSize = int(getKVInt(f.KV, arch+".embedding_length", arch+".hidden_size"))
	report.IntermediateSize = int(getKVInt(f.KV, arch+".feed_forward_length", arch+".intermediate_size"))

	if t, ok := f.Tensor("token_embd.weight"); ok && len(t.Dimensions) == 2 {
		if report.HiddenSize == 0 {
			report.HiddenSize = int(t.Dimensions[0])
		}
		report.VocabSize = int(t.Dimensions[1])
	}
	if t, ok := f.Tensor("blk.0.ffn_up.weight"); ok && len(t.Dimensions) == 2 && report.IntermediateSize == 0 {
		report.IntermediateSize = int(t.Dimensions[1])
	}

	for _, t := range f.Tensors {
		report.TotalParameters += int64(t.Numel())
		if size := t.SizeBytes(); size > 0 {
			report.MemoryEstimate += int64(size)
		} else {
			report.MemoryEstimate += int64(t.Numel()) * 4
		}
	}
	return report
}

func countBlocks(f *GGUFFile) int {
	n := 0
	for _, t := range f.Tensors {
		rest, ok := strings.CutPrefix(t.Name, "blk.")
		if !ok {
			continue
		}
		idx, _, _ := strings.Cut(rest, ".")
		if i, err := strconv.Atoi(idx); err == nil && i+1 > n {
			n = i + 1
		}
	}
	return n
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if val, ok := kv[key]; ok {
			switch v := val.(type) {
			case uint64:
				return v
			case int64:
				return uint64(v)
			case uint32:
				return uint64(v)
			case int32:
				return uint64(v)
			case int:
				return uint64(v)
			}
		}
	}
	return 0
}

func (r *AnalysisReport) String() string {
	return fmt.Sprintf(`GGUF Model Analysis Report
============================
Architecture:      %s
Model Name:        %s
Blocks:            %d
Hidden Size:       %d
Intermediate Size: %d
Vocab Size:        %d
Tensors:           %d
Total Parameters:  %d
Memory Estimate:   %.2f MB
`,
		r.Architecture, r.ModelName, r.BlockCount, r.HiddenSize, r.IntermediateSize,
		r.VocabSize, r.TensorCount, r.TotalParameters, float64(r.MemoryEstimate)/1024/1024)
}
