// Package runner orchestrates training and evaluation of GNN models: it wires
// the feature preprocessing, the GNN and a prediction task (see the tasks
// package) into a gomlx trainer, with progress reporting and checkpointing.
//
// Typical usage:
//
//	backend, err := runner.NewBackend("auto")
//	ctx := context.New()
//	ctx.SetParams(...)
//	gnn.UploadFeatures(ctx, graph, selection)
//	r := runner.New(backend, ctx, selection, task)
//	err := r.Train(baseDir, trainDS, trainEvalDS, validEvalDS)
package runner

import (
	"fmt"
	"path"
	"time"

	"github.com/gomlx/gnnkit/gnn"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gnnkit/tasks"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/context/initializers"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamTrainSteps is the context parameter with the number of training steps.
	// The default is 100.
	ParamTrainSteps = "train_steps"

	// ParamCheckpointPath is the context parameter with the directory where to
	// save (and restore from) checkpoints. Empty disables checkpointing. Relative
	// paths are taken relative to the base directory given to [Runner.Train].
	ParamCheckpointPath = "checkpoint"

	// ParamNumCheckpoints is the number of past checkpoints to keep.
	// The default is 5.
	ParamNumCheckpoints = "num_checkpoints"
)

// checkpointSavePeriod between checkpoint saves during training.
const checkpointSavePeriod = 3 * time.Minute

// Runner holds everything needed to train or evaluate a GNN model for a task.
type Runner struct {
	backend   backends.Backend
	ctx       *context.Context
	selection gnn.FeatureSelection
	task      tasks.Task
}

// New creates a runner for the given task.
//
// The context `ctx` carries all hyperparameters (see the gnn package `Param...`
// variables and `optimizers.ParamOptimizer`), and must already have the frozen
// feature tables of the `selection` uploaded -- see [gnn.UploadFeatures].
//
// The sampling strategy is not fixed here: it travels as the `spec` of the
// datasets, so the same runner serves live-sampling and records-replay datasets
// alike.
func New(backend backends.Backend, ctx *context.Context, selection gnn.FeatureSelection, task tasks.Task) *Runner {
	return &Runner{
		backend:   backend,
		ctx:       ctx,
		selection: selection,
		task:      task,
	}
}

// BuildModel is the train.ModelFn of the runner: feature preprocessing, GNN
// message passing, task readout and logits.
func (r *Runner) BuildModel(ctx *context.Context, spec any, inputs []*Node) []*Node {
	ctx = ctx.WithInitializer(initializers.GlorotUniformFn(ctx))
	g := inputs[0].Graph()
	cosineschedule.New(ctx, g, gnn.DTypeFromContext(ctx)).FromContext().Done()

	// Scope checking is disabled: the GNN deliberately reuses kernels across
	// rounds and rules.
	ctxModel := ctx.In("model").Checked(false)
	strategy := spec.(*sampler.Strategy)
	states, _ := gnn.FeaturePreprocessing(ctxModel, strategy, r.selection, inputs)
	gnn.NodePrediction(ctxModel, strategy, states)
	readout := r.task.Readout(strategy, states)
	logits := r.task.Logits(ctxModel, readout)
	return []*Node{logits}
}

// NewTrainer creates a train.Trainer for the runner's model and task: the task
// loss and metrics, the optimizer from the context.
func (r *Runner) NewTrainer() *train.Trainer {
	trainMetrics, evalMetrics := r.task.Metrics()
	return train.NewTrainer(r.backend, r.ctx, r.BuildModel,
		r.task.Loss(),
		optimizers.FromContext(r.ctx),
		trainMetrics,
		evalMetrics)
}

// Train the model for [ParamTrainSteps] steps over `trainDS`, and report a final
// evaluation on the given eval datasets. If [ParamCheckpointPath] is set,
// training restarts from the latest checkpoint and saves periodically -- the
// frozen feature tables are excluded from saving.
func (r *Runner) Train(baseDir string, trainDS train.Dataset, evalDatasets ...train.Dataset) error {
	ctx := r.ctx
	baseDir = mldata.ReplaceTildeInDir(baseDir)

	// Context values (both parameters and variables) are reloaded from a
	// checkpoint; values we don't want overwritten are read before that.
	trainSteps := context.GetParamOr(ctx, ParamTrainSteps, 100)

	checkpoint, numCheckpointsToKeep, err := r.buildCheckpoint(baseDir)
	if err != nil {
		return err
	}
	if checkpoint != nil {
		globalStep := optimizers.GetGlobalStep(ctx)
		if globalStep != 0 {
			fmt.Printf("> restarting training from global_step=%d (training until %d)\n", globalStep, trainSteps)
		}
		if trainSteps <= int(globalStep) {
			fmt.Printf("> training already reached target %s=%d -- to train further, increase it. "+
				"Use Eval to get a reading on current performance.\n", ParamTrainSteps, trainSteps)
			return nil
		}
		trainSteps -= int(globalStep)
	}

	trainer := r.NewTrainer()
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop)

	if checkpoint != nil && numCheckpointsToKeep > 1 {
		train.PeriodicCallback(loop, checkpointSavePeriod, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	if _, err = loop.RunSteps(trainDS, trainSteps); err != nil {
		return errors.WithMessage(err, "while running training steps")
	}
	fmt.Printf("\t[Step %d] median train step: %s\n", loop.LoopStep, loop.MedianTrainStepDuration())
	if checkpoint != nil && numCheckpointsToKeep <= 1 {
		// Only one checkpoint kept: save at the end of training.
		if err = checkpoint.Save(); err != nil {
			klog.Errorf("Failed to save final checkpoint: %+v", err)
		}
	}

	if len(evalDatasets) == 0 {
		return nil
	}
	fmt.Println()
	if err = commandline.ReportEval(trainer, evalDatasets...); err != nil {
		return errors.WithMessage(err, "while reporting eval")
	}
	return nil
}

// Eval restores the model from [ParamCheckpointPath] and reports the evaluation
// on each of the given datasets.
func (r *Runner) Eval(baseDir string, datasets ...train.Dataset) error {
	ctx := r.ctx
	baseDir = mldata.ReplaceTildeInDir(baseDir)
	if context.GetParamOr(ctx, ParamCheckpointPath, "") == "" {
		return errors.Errorf("no checkpoint directory configured in the context parameter %q", ParamCheckpointPath)
	}
	checkpoint, _, err := r.buildCheckpoint(baseDir)
	if err != nil {
		return err
	}
	fmt.Printf("Model in %q trained for %d steps.\n", checkpoint.Dir(), optimizers.GetGlobalStep(ctx))

	trainer := r.NewTrainer()
	for _, ds := range datasets {
		start := time.Now()
		if err := commandline.ReportEval(trainer, ds); err != nil {
			return errors.WithMessagef(err, "while reporting eval on %q", ds.Name())
		}
		fmt.Printf("\telapsed %s (%s)\n", time.Since(start), ds.Name())
	}
	return nil
}

// buildCheckpoint sets up the checkpoints handler from [ParamCheckpointPath]: it
// loads the latest checkpoint if one exists and saves as training goes. The
// frozen feature tables uploaded by [gnn.UploadFeatures] are excluded from
// saving -- they take most of the space and are rebuilt from the graph.
//
// It returns a nil handler if no checkpoint path is configured.
func (r *Runner) buildCheckpoint(baseDir string) (checkpoint *checkpoints.Handler, numCheckpointsToKeep int, err error) {
	ctx := r.ctx
	checkpointPath := context.GetParamOr(ctx, ParamCheckpointPath, "")
	numCheckpointsToKeep = context.GetParamOr(ctx, ParamNumCheckpoints, 5)
	if checkpointPath == "" {
		return nil, numCheckpointsToKeep, nil
	}
	checkpointPath = mldata.ReplaceTildeInDir(checkpointPath)
	if !path.IsAbs(checkpointPath) {
		checkpointPath = path.Join(baseDir, checkpointPath)
	}

	builder := checkpoints.Build(ctx).Dir(checkpointPath)
	if numCheckpointsToKeep > 1 {
		builder = builder.Keep(numCheckpointsToKeep)
	}
	checkpoint, err = builder.Done()
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "while setting up checkpoint to %q (keep=%d)",
			checkpointPath, numCheckpointsToKeep)
	}

	var varsToExclude []*context.Variable
	ctx.InAbsPath(gnn.FeaturesScope).EnumerateVariablesInScope(func(v *context.Variable) {
		varsToExclude = append(varsToExclude, v)
	})
	checkpoint.ExcludeVarsFromSaving(varsToExclude...)
	return checkpoint, numCheckpointsToKeep, nil
}
