package learning

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lumix-ai/cil/internal/config"
	"github.com/lumix-ai/cil/internal/core"
	"github.com/lumix-ai/cil/internal/data"
	"github.com/lumix-ai/cil/internal/evaluation"
	"github.com/lumix-ai/cil/internal/memory"
	"github.com/lumix-ai/cil/internal/monitoring"
	"github.com/lumix-ai/cil/internal/storage"
)

// Learner variant names accepted by New.
const (
	ICaRLName = "icarl_t"
	DERName   = "der_t"
	MEMOName  = "memo_t"
)

// Learner is driven by the task stream once per task:
// IncrementalTrain, then EvalTask, then AfterTask.
type Learner interface {
	IncrementalTrain(ctx context.Context, dm *data.Manager) error
	// EvalTask scores the student on the test data of every class seen so far. nme is nil when
	// the learner keeps no class means.
	EvalTask(ctx context.Context) (cnn evaluation.Metrics, nme *evaluation.Metrics, err error)
	AfterTask()
	Confusion(ctx context.Context) (evaluation.Confusion, error)

	CurrentTask() int
	KnownClasses() int
	TotalClasses() int
	ExemplarSize() int
	Bounds() []int
	ParamCounts() ParamCounts
}

// ParamCounts - scalar weight totals of the student and the teacher
type ParamCounts struct {
	Student   int
	Trainable int
	Teacher   int
}

// Options carries everything a learner needs besides the data.
type Options struct {
	Config      *config.Config
	Seed        int64
	InDim       int
	Devices     []core.Device
	Memory      *memory.Manager
	Monitor     *monitoring.Monitor
	Checkpoints *storage.CheckpointStore
	Logger      zerolog.Logger
}

// New builds the learner named by model_name.
func New(opts Options) (Learner, error) {
	var (
		l   Learner
		err error
	)
	switch opts.Config.ModelName {
	case ICaRLName:
		l, err = NewICaRL(opts)
	case DERName:
		l, err = NewDER(opts)
	case MEMOName:
		l, err = NewMEMO(opts)
	default:
		return nil, fmt.Errorf("unknown model_name %q: %w", opts.Config.ModelName, core.ErrConfiguration)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build %s learner: %w", opts.Config.ModelName, err)
	}
	return l, nil
}
