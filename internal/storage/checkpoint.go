package storage

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"gonum.org/v1/gonum/mat"

	"github.com/lumix-ai/cil/internal/core"
)

type checkpoint struct {
	Task   int
	Names  []string
	Shapes [][2]int
	Data   [][]float64
}

// CheckpointStore saves network parameters as zstd-compressed gob files, one per task.
type CheckpointStore struct {
	Dir string
}

func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &CheckpointStore{Dir: dir}, nil
}

// Path returns the file of the checkpoint for prefix and task.
func (s *CheckpointStore) Path(prefix string, task int) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%d.ckpt.zst", prefix, task))
}

// Save writes params in order.
func (s *CheckpointStore) Save(prefix string, task int, params []*core.Param) error {
	ck := checkpoint{Task: task}
	for _, p := range params {
		r, c := p.Value.Dims()
		ck.Names = append(ck.Names, p.Name)
		ck.Shapes = append(ck.Shapes, [2]int{r, c})
		ck.Data = append(ck.Data, mat.DenseCopyOf(p.Value).RawMatrix().Data)
	}

	f, err := os.Create(s.Path(prefix, task))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("failed to start zstd writer: %w", err)
	}
	if err := gob.NewEncoder(zw).Encode(&ck); err != nil {
		zw.Close()
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	return f.Sync()
}

// Load copies a saved checkpoint into params, which must match it in count and shape.
func (s *CheckpointStore) Load(prefix string, task int, params []*core.Param) error {
	f, err := os.Open(s.Path(prefix, task))
	if err != nil {
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to start zstd reader: %w", err)
	}
	defer zr.Close()

	var ck checkpoint
	if err := gob.NewDecoder(zr).Decode(&ck); err != nil {
		return fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if len(ck.Data) != len(params) {
		return fmt.Errorf("checkpoint has %d tensors, network %d: %w", len(ck.Data), len(params), core.ErrDimensionMismatch)
	}
	for i, p := range params {
		r, c := p.Value.Dims()
		if ck.Shapes[i] != [2]int{r, c} {
			return fmt.Errorf("tensor %s is %v, network wants %dx%d: %w", ck.Names[i], ck.Shapes[i], r, c, core.ErrDimensionMismatch)
		}
		p.Value.Copy(mat.NewDense(r, c, ck.Data[i]))
	}
	return nil
}
