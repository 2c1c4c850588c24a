package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-binarize/internal/errs"
	"github.com/23skdu/longbow-binarize/internal/logger"
	"github.com/23skdu/longbow-binarize/internal/metrics"
)

// Exists reports whether dir holds a complete checkpoint.
func Exists(dir string) bool {
	for _, f := range []string{TensorFile, ManifestFile} {
		if st, err := os.Stat(filepath.Join(dir, f)); err != nil || st.IsDir() {
			return false
		}
	}
	return true
}

// Save writes st into dir. The checkpoint is assembled in a sibling temp
// directory and renamed into place, so dir either holds the previous
// checkpoint or the new one, never a partial write.
func Save(st *State, dir string) (err error) {
	start := time.Now()
	defer func() {
		if err != nil {
			metrics.RecordCheckpointFailure("save")
		}
	}()

	if st.Meta.RunID == "" {
		st.Meta.RunID = uuid.NewString()
	}
	if st.Meta.CreatedAt.IsZero() {
		st.Meta.CreatedAt = time.Now().UTC()
	}
	st.Meta.Format = FormatV1

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("create checkpoint parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".tmp-")
	if err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(tmp)
		}
	}()

	size, err := writeTensors(st, filepath.Join(tmp, TensorFile))
	if err != nil {
		return err
	}
	manifest, err := json.MarshalIndent(st.Meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileSync(filepath.Join(tmp, ManifestFile), manifest); err != nil {
		return err
	}
	if err := syncDir(tmp); err != nil {
		return err
	}

	if err := swap(tmp, dir); err != nil {
		return err
	}
	_ = syncDir(parent)

	st.Path = dir
	total := size + int64(len(manifest))
	metrics.RecordCheckpoint(total)
	metrics.RecordStageDuration("checkpoint", time.Since(start))
	logger.Log.Info("checkpoint saved", "path", dir, "tensors", len(st.Tensors), "bytes", total)
	return nil
}

// swap moves tmp to dir, replacing any existing checkpoint there.
func swap(tmp, dir string) error {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := os.Rename(tmp, dir); err != nil {
			return fmt.Errorf("publish checkpoint: %w", err)
		}
		return nil
	}
	old := dir + ".old-" + uuid.NewString()[:8]
	if err := os.Rename(dir, old); err != nil {
		return fmt.Errorf("move previous checkpoint: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		if rerr := os.Rename(old, dir); rerr != nil {
			logger.Log.Error("failed to restore previous checkpoint", "path", dir, "error", rerr)
		}
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		logger.Log.Warn("failed to remove previous checkpoint", "path", old, "error", err)
	}
	return nil
}

func writeTensors(st *State, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create tensor file: %w", err)
	}
	defer f.Close()

	mem := memory.NewGoAllocator()
	rec := st.Record(mem)
	defer rec.Release()

	w, err := ipc.NewFileWriter(f, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err != nil {
		return 0, fmt.Errorf("open tensor writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return 0, fmt.Errorf("write tensors: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close tensor writer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync tensor file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Load reads the checkpoint in dir. Any read or decode problem is reported
// as a CorruptCheckpointError.
func Load(dir string) (*State, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		metrics.RecordCheckpointFailure("load")
		return nil, &errs.CorruptCheckpointError{Path: dir, Reason: "manifest unreadable", Err: err}
	}
	st := &State{Path: dir}
	if err := json.Unmarshal(raw, &st.Meta); err != nil {
		metrics.RecordCheckpointFailure("load")
		return nil, &errs.CorruptCheckpointError{Path: dir, Reason: "manifest invalid", Err: err}
	}
	if st.Meta.Format != FormatV1 {
		metrics.RecordCheckpointFailure("load")
		return nil, errs.Corrupt(dir, "unsupported format %d", st.Meta.Format)
	}

	tensors, err := readTensors(filepath.Join(dir, TensorFile))
	if err != nil {
		metrics.RecordCheckpointFailure("load")
		return nil, &errs.CorruptCheckpointError{Path: dir, Reason: "tensor file invalid", Err: err}
	}
	st.Tensors = tensors
	return st, nil
}

func readTensors(path string) ([]Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []Tensor
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, err
		}
		tensors, err := DecodeTensors(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, tensors...)
	}
	return out, nil
}
