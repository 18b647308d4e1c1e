// gnn_train trains (or evaluates) a GNN on a converted OGB dataset, sampling
// subgraphs live with an HCL sampling spec, or replaying a pre-sampled records
// file (see graph_sampler).
//
// Hyperparameters are context settings, settable with --set, e.g.:
//
//	gnn_train --dataset=mag --data=~/work/gnnkit --spec=mag.hcl \
//	    --checkpoint=model01 --set="train_steps=10000;gnn_num_messages=6"
package main

import (
	"flag"
	"fmt"
	"path"
	"time"

	"github.com/gomlx/gnnkit/gnn"
	"github.com/gomlx/gnnkit/ogb"
	"github.com/gomlx/gnnkit/records"
	"github.com/gomlx/gnnkit/runner"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gnnkit/specfile"
	"github.com/gomlx/gnnkit/tasks"
	"github.com/gomlx/gomlx/ml/context"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDataset    = flag.String("dataset", "arxiv", "Converted OGB dataset: \"arxiv\" or \"mag\".")
	flagDataDir    = flag.String("data", "~/work/gnnkit", "Directory with the converted dataset files (see ogb_convert).")
	flagSpec       = flag.String("spec", "", "HCL sampling spec file. Required unless replaying --records without eval.")
	flagRecords    = flag.String("records", "", "Pre-sampled records file to train from, instead of sampling live.")
	flagTask       = flag.String("task", "classification", "Prediction task: \"classification\" predicts the seed label, \"regression\" its publication year.")
	flagEval       = flag.Bool("eval", false, "Run evaluation of a checkpointed model instead of training.")
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint subdirectory under the --data directory. Empty disables checkpoints.")
	flagExec       = flag.String("exec", "auto", "Execution strategy: \"auto\", \"cpu\", \"cuda\" or \"tpu\".")
)

func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		runner.ParamTrainSteps:     3000,
		runner.ParamNumCheckpoints: 3,

		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,

		layers.ParamDropoutRate:     0.2,
		activations.ParamActivation: "swish",

		gnn.ParamNumGraphUpdates: 2,
		gnn.ParamMessageDim:      128,
		gnn.ParamStateDim:        128,
		gnn.ParamPoolingType:     "mean|logsum",
		gnn.ParamEdgeDropoutRate: 0.0,
	})
	return ctx
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	must.M1(commandline.ParseContextSettings(ctx, *settings))

	backend := must.M1(runner.NewBackend(*flagExec))
	*flagDataDir = mldata.ReplaceTildeInDir(*flagDataDir)
	if *flagCheckpoint != "" {
		ctx.SetParam(runner.ParamCheckpointPath, path.Join(*flagDataDir, *flagCheckpoint))
	}

	fmt.Printf("Loading ogbn-%s ... ", *flagDataset)
	start := time.Now()
	ds, err := ogb.Load(*flagDataset, *flagDataDir)
	if err != nil {
		klog.Exitf("failed to load dataset (run ogb_convert first?): %+v", err)
	}
	fmt.Printf("elapsed: %s\n", time.Since(start))

	selection := gnn.FeatureSelection{ds.SeedNodeSet: {"embeddings"}}
	gnn.UploadFeatures(ctx, ds.Graph, selection)
	task, allLabels := buildTask(ds)
	r := runner.New(backend, ctx, selection, task)

	var spec *specfile.File
	if *flagSpec != "" {
		spec = must.M1(specfile.Load(*flagSpec))
	}

	if *flagEval {
		if spec == nil {
			klog.Exit("--eval requires --spec to build the evaluation samplers")
		}
		var evalDatasets []train.Dataset
		for _, split := range []string{"valid", "test"} {
			strategy := must.M1(buildStrategyForSplit(spec, ds, split))
			evalDatasets = append(evalDatasets, task.AttachLabels(strategy.NewDataset(split), allLabels))
		}
		must.M(r.Eval(*flagDataDir, evalDatasets...))
		return
	}

	var trainDS train.Dataset
	if *flagRecords != "" {
		// Replayed records already carry their labels.
		trainDS = must.M1(records.NewDataset("train", *flagRecords)).Infinite()
	} else {
		if spec == nil {
			klog.Exit("either --spec or --records must be set for training")
		}
		strategy := must.M1(buildStrategyForSplit(spec, ds, "train"))
		trainDS = task.AttachLabels(strategy.NewDataset("train").Shuffle().Infinite(), allLabels)
	}
	var evalDatasets []train.Dataset
	if spec != nil {
		for _, split := range []string{"train", "valid"} {
			strategy := must.M1(buildStrategyForSplit(spec, ds, split))
			name := split + "-eval"
			evalDatasets = append(evalDatasets, task.AttachLabels(strategy.NewDataset(name), allLabels))
		}
	}

	must.M(r.Train(*flagDataDir, trainDS, evalDatasets...))
}

// buildTask returns the prediction task and the per-seed labels tensor:
// classification of the OGB labels, or regression of the publication year.
func buildTask(ds *ogb.Dataset) (tasks.Task, *tensors.Tensor) {
	switch *flagTask {
	case "classification":
		return tasks.RootNodeClassification(ogb.LabelsFeatureName, ds.NumClasses), ds.Labels()
	case "regression":
		years := ds.Graph.NodeSets[ds.SeedNodeSet].Feature("years")
		return tasks.RootNodeRegression("years", 1), intToFloatLabels(years)
	default:
		klog.Exitf("unknown --task=%q: valid values are \"classification\" and \"regression\"", *flagTask)
		return nil, nil
	}
}

// intToFloatLabels converts an `(Int32)[n, 1]` feature to Float32, as regression
// losses expect.
func intToFloatLabels(t *tensors.Tensor) *tensors.Tensor {
	values := tensors.CopyFlatData[int32](t)
	converted := make([]float32, len(values))
	for ii, v := range values {
		converted[ii] = float32(v)
	}
	return tensors.FromFlatDataAndDimensions(converted, t.Shape().Dimensions...)
}

// buildStrategyForSplit builds the spec's sampling strategy with every seed
// block's split resolved to the requested dataset split.
func buildStrategyForSplit(spec *specfile.File, ds *ogb.Dataset, split string) (*sampler.Strategy, error) {
	indices, found := ds.Splits[split]
	if !found {
		return nil, errors.Errorf("dataset ogbn-%s has no split %q (it has train, valid and test)", ds.Name, split)
	}
	splits := make(map[string][]int32, len(ds.Splits))
	for name := range ds.Splits {
		splits[name] = indices
	}
	return spec.Build(ds.Graph, splits)
}
