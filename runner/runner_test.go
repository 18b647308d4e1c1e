package runner

import (
	"testing"

	"github.com/gomlx/gnnkit/gnn"
	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gnnkit/tasks"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraphAndStrategy(t *testing.T) (*hetgraph.Graph, *sampler.Strategy) {
	g := hetgraph.New()
	g.AddNodeSet("papers", 5)
	g.AddNodeSet("authors", 10)
	g.NodeSets["papers"].SetFeature("embeddings", tensors.FromValue([][]float32{
		{0.1, 0.2}, {0.3, 0.4}, {0.5, 0.6}, {0.7, 0.8}, {0.9, 1.0},
	}))
	g.AddEdgeSet("written_by", "authors", "papers",
		tensors.FromValue([][]int32{{0, 2}, {3, 2}, {4, 2}, {0, 3}, {0, 4}, {4, 4}, {7, 4}}), true)

	strategy := sampler.NewStrategy(g)
	seeds := strategy.Nodes("seeds", "papers", 2)
	seeds.FromEdges("authors", "written_by", 3)
	return g, strategy
}

func TestTrainAndEvalSmallModel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping training test in -short mode")
	}
	backend := graphtest.BuildTestBackend()
	g, strategy := testGraphAndStrategy(t)
	selection := gnn.FeatureSelection{"papers": {"embeddings"}}
	allLabels := tensors.FromValue([][]int32{{0}, {1}, {2}, {0}, {1}})
	task := tasks.RootNodeClassification("venue", 3)

	ctx := context.New()
	ctx.SetParams(map[string]any{
		gnn.ParamNumGraphUpdates:     1,
		gnn.ParamMessageDim:          4,
		gnn.ParamStateDim:            4,
		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 0.01,
		ParamTrainSteps:              4,
	})
	gnn.UploadFeatures(ctx, g, selection)

	trainDS := task.AttachLabels(strategy.NewDataset("train").Shuffle().Infinite(), allLabels)
	evalDS := task.AttachLabels(strategy.NewDataset("eval"), allLabels)

	r := New(backend, ctx, selection, task)
	require.NoError(t, r.Train(t.TempDir(), trainDS, evalDS))

	// The loss variable exists and the global step advanced by ParamTrainSteps.
	assert.EqualValues(t, 4, optimizers.GetGlobalStep(ctx))
}

func TestEvalRequiresCheckpoint(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, strategy := testGraphAndStrategy(t)
	task := tasks.RootNodeClassification("venue", 3)
	r := New(backend, context.New(), nil, task)
	err := r.Eval(t.TempDir(), strategy.NewDataset("eval"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ParamCheckpointPath)
}

func TestNewBackend(t *testing.T) {
	_, err := NewBackend("parameter-server")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parameter-server")
}
