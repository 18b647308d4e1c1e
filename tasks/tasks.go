// Package tasks defines prediction tasks on top of sampled subgraphs: how to
// read per-example activations out of the final GNN node states, the logits
// head, and the matching loss and metrics.
//
// A task plugs into the runner package: the runner builds the GNN over the
// sampling strategy, calls [Task.Readout] and [Task.Logits] for the prediction,
// and wires [Task.Loss] and [Task.Metrics] into the trainer. Labels reach the
// loss through the dataset: [Task.AttachLabels] wraps a sampling (or replay)
// dataset so it yields the label of each seed node, plus the seed mask so
// padded entries don't contribute to loss or metrics.
package tasks

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gnnkit/sampler"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/tensors"
)

// Task defines the prediction head of a GNN model.
type Task interface {
	// Name of the task, used in logs.
	Name() string

	// NumOutputs is the size of the last axis of the logits: the number of
	// classes for classification, the number of regressed values for regression.
	NumOutputs() int

	// Readout extracts the per-example activations, shaped `[batchSize, stateDim]`,
	// from the final GNN states.
	Readout(strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node]) *Node

	// Logits converts the readout activations to the task logits, shaped
	// `[batchSize, NumOutputs()]`.
	Logits(ctx *context.Context, activations *Node) *Node

	// Loss of the task.
	Loss() losses.LossFn

	// Metrics returns the metrics reported during training and during evaluation.
	Metrics() (trainMetrics, evalMetrics []metrics.Interface)

	// AttachLabels wraps the dataset so it yields the per-seed labels -- taken
	// from allLabels, shaped `[numNodes, 1]` -- followed by the seed mask.
	AttachLabels(ds train.Dataset, allLabels *tensors.Tensor) train.Dataset
}

// baseTask carries what all tasks share.
type baseTask struct {
	name       string
	numOutputs int
	lossFn     losses.LossFn

	trainMetrics, evalMetrics []metrics.Interface

	// maskLikeLabels controls the shape of the mask appended by AttachLabels:
	// regression losses expect it shaped like the labels (`[batch, numOutputs]`),
	// sparse classification losses expect `[batch]`.
	maskLikeLabels bool
}

func (t *baseTask) Name() string        { return t.name }
func (t *baseTask) NumOutputs() int     { return t.numOutputs }
func (t *baseTask) Loss() losses.LossFn { return t.lossFn }

func (t *baseTask) Metrics() (trainMetrics, evalMetrics []metrics.Interface) {
	return t.trainMetrics, t.evalMetrics
}

func (t *baseTask) Logits(ctx *context.Context, activations *Node) *Node {
	return layers.DenseWithBias(ctx.In("logits"), activations, t.numOutputs)
}

func (t *baseTask) AttachLabels(ds train.Dataset, allLabels *tensors.Tensor) train.Dataset {
	return &labelsDataset{
		Dataset:        ds,
		allLabels:      allLabels,
		maskLikeLabels: t.maskLikeLabels,
	}
}

// seedReadout returns the state of the seed rule: the root nodes of the sampled
// trees, shaped `[batchSize, stateDim]`.
func seedReadout(strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node]) *Node {
	seedRule := strategy.Seeds[0]
	state := states[seedRule.Name]
	if state == nil || state.Value == nil {
		Panicf("no state for seed rule %q -- was the GNN run before the readout?", seedRule.Name)
	}
	return state.Value
}

// RootNodeRegression is a task that regresses numOutputs values from the state
// of each sampled tree's root (seed) node.
//
// The default loss is the mean squared error; see [RegressionTask.WithLoss].
type RegressionTask struct {
	baseTask
	readout func(strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node]) *Node
}

// RootNodeRegression creates a regression task on the seed node states.
func RootNodeRegression(name string, numOutputs int) *RegressionTask {
	t := &RegressionTask{
		baseTask: baseTask{
			name:           name,
			numOutputs:     numOutputs,
			lossFn:         losses.MeanSquaredError,
			maskLikeLabels: true,
		},
		readout: seedReadout,
	}
	t.trainMetrics = []metrics.Interface{NewMovingAverageSquaredErrorMetric(0.01)}
	t.evalMetrics = []metrics.Interface{NewMeanSquaredErrorMetric(), NewMeanAbsoluteErrorMetric()}
	return t
}

// GraphRegression creates a regression task on the mean state of the whole
// sampled tree: every valid sampled node contributes equally to the pooled
// activations.
func GraphRegression(name string, numOutputs int) *RegressionTask {
	t := RootNodeRegression(name, numOutputs)
	t.readout = pooledReadout
	return t
}

// WithLoss replaces the task loss. See [MeanSquaredLogarithmicError],
// [MeanAbsolutePercentageError] and losses.MakeHuberLoss for the common
// regression alternatives. It returns the task for cascaded configuration.
func (t *RegressionTask) WithLoss(lossFn losses.LossFn) *RegressionTask {
	t.lossFn = lossFn
	return t
}

// WithMetrics replaces the task metrics. It returns the task for cascaded
// configuration.
func (t *RegressionTask) WithMetrics(trainMetrics, evalMetrics []metrics.Interface) *RegressionTask {
	t.trainMetrics = trainMetrics
	t.evalMetrics = evalMetrics
	return t
}

// Readout implements Task.
func (t *RegressionTask) Readout(strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node]) *Node {
	return t.readout(strategy, states)
}

// pooledReadout mask-averages all sampled node states into one activation vector
// per example.
func pooledReadout(strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node]) *Node {
	var pooled []*Node
	var poolRule func(rule *sampler.Rule)
	poolRule = func(rule *sampler.Rule) {
		state := states[rule.Name]
		if state != nil && state.Value != nil {
			value, mask := state.Value, state.Mask
			// Flatten intermediary axes to [batch, numNodes, stateDim].
			batchSize := value.Shape().Dimensions[0]
			stateDim := value.Shape().Dimensions[value.Rank()-1]
			value = Reshape(value, batchSize, -1, stateDim)
			if mask != nil {
				mask = Reshape(mask, batchSize, -1)
			}
			pooled = append(pooled, MaskedReduceMean(value, mask, 1))
		}
		for _, sub := range rule.Dependents {
			poolRule(sub)
		}
	}
	for _, seed := range strategy.Seeds {
		poolRule(seed)
	}
	if len(pooled) == 0 {
		Panicf("no node states to pool for graph readout")
	}
	if len(pooled) == 1 {
		return pooled[0]
	}
	sum := pooled[0]
	for _, p := range pooled[1:] {
		sum = Add(sum, p)
	}
	return DivScalar(sum, float64(len(pooled)))
}

// ClassificationTask predicts one of NumOutputs classes from the root (seed)
// node state, with a sparse categorical cross-entropy loss.
type ClassificationTask struct {
	baseTask
}

// RootNodeClassification creates a classification task on the seed node states.
func RootNodeClassification(name string, numClasses int) *ClassificationTask {
	t := &ClassificationTask{
		baseTask: baseTask{
			name:       name,
			numOutputs: numClasses,
			lossFn:     losses.SparseCategoricalCrossEntropyLogits,
		},
	}
	t.trainMetrics = []metrics.Interface{
		metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01),
	}
	t.evalMetrics = []metrics.Interface{
		metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc"),
	}
	return t
}

// Readout implements Task.
func (t *ClassificationTask) Readout(strategy *sampler.Strategy, states map[string]*sampler.ValueMask[*Node]) *Node {
	return seedReadout(strategy, states)
}
