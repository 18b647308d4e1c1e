package gnn

import (
	"testing"

	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gnnkit/sampler"
	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

const testBatchSize = 3

// testGraphAndStrategy builds a small papers/authors graph -- papers with dense
// features, authors purely latent -- and a 2-level sampling strategy over it.
func testGraphAndStrategy(t *testing.T) (*hetgraph.Graph, *sampler.Strategy) {
	g := hetgraph.New()
	g.AddNodeSet("papers", 5)
	g.AddNodeSet("authors", 10)
	papers := g.NodeSets["papers"]
	papers.SetFeature("embeddings", tensors.FromValue([][]float32{
		{0.1, 0.2, 0.3, 0.4},
		{0.5, 0.6, 0.7, 0.8},
		{0.9, 1.0, 1.1, 1.2},
		{1.3, 1.4, 1.5, 1.6},
		{1.7, 1.8, 1.9, 2.0},
	}))
	papers.SetFeature("year", tensors.FromValue([]float32{2011, 2012, 2013, 2014, 2015}))

	// Pairs are (author, paper): "writes" samples papers of an author, and
	// "written_by" the reverse direction.
	g.AddEdgeSet("writes", "authors", "papers",
		tensors.FromValue([][]int32{{0, 2}, {3, 2}, {4, 2}, {0, 3}, {0, 4}, {4, 4}, {7, 4}}), false)
	g.AddEdgeSet("written_by", "authors", "papers",
		tensors.FromValue([][]int32{{0, 2}, {3, 2}, {4, 2}, {0, 3}, {0, 4}, {4, 4}, {7, 4}}), true)

	strategy := sampler.NewStrategy(g)
	strategy.KeepDegrees = true
	seeds := strategy.Nodes("seeds", "papers", testBatchSize)
	authors := seeds.FromEdges("authors", "written_by", 4)
	authors.FromEdges("papersByAuthors", "writes", 2)
	return g, strategy
}

var testFeatures = FeatureSelection{"papers": {"embeddings", "year"}}

// runSeedPrediction samples one batch with the strategy and runs the full model
// (feature preprocessing + NodePrediction), returning the final seed state and mask.
func runSeedPrediction(t *testing.T, ctx *context.Context, g *hetgraph.Graph, strategy *sampler.Strategy) (value, mask *tensors.Tensor) {
	backend := graphtest.BuildTestBackend()
	UploadFeatures(ctx, g, testFeatures)

	_, inputs, _, err := strategy.NewDataset("test").Yield()
	require.NoError(t, err)

	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		ctx = ctx.In("model").Checked(false)
		states, _ := FeaturePreprocessing(ctx, strategy, testFeatures, inputs)
		NodePrediction(ctx, strategy, states)
		seedState := states["seeds"]
		return []*Node{seedState.Value, seedState.Mask}
	})
	args := make([]any, len(inputs))
	for ii, input := range inputs {
		args[ii] = input
	}
	outputs := exec.Call(args...)
	return outputs[0], outputs[1]
}

func TestNodePrediction(t *testing.T) {
	g, strategy := testGraphAndStrategy(t)
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumGraphUpdates: 2,
		ParamMessageDim:      8,
		ParamStateDim:        8,
	})
	value, mask := runSeedPrediction(t, ctx, g, strategy)
	require.NoError(t, value.Shape().Check(dtypes.Float32, testBatchSize, 8))
	require.NoError(t, mask.Shape().Check(dtypes.Bool, testBatchSize))
}

func TestNodePredictionSimultaneousWithLatentEmbeddings(t *testing.T) {
	g, strategy := testGraphAndStrategy(t)
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamNumGraphUpdates: 3, // Depth of the tree, so the leaves reach the seeds.
		ParamGraphUpdateType: "simultaneous",
		ParamMessageDim:      4,
		ParamStateDim:        4,
		ParamLatentEmbedSize: 4, // Authors get a learnable embedding table.
	})
	value, _ := runSeedPrediction(t, ctx, g, strategy)
	require.NoError(t, value.Shape().Check(dtypes.Float32, testBatchSize, 4))
}

func TestNodePredictionPoolingAndContext(t *testing.T) {
	for _, poolType := range []string{"mean", "sum", "logsum", "max", "mean|logsum|max"} {
		t.Run(poolType, func(t *testing.T) {
			g, strategy := testGraphAndStrategy(t)
			ctx := context.New()
			ctx.SetParams(map[string]any{
				ParamNumGraphUpdates: 1,
				ParamMessageDim:      4,
				ParamStateDim:        4,
				ParamPoolingType:     poolType,
			})
			value, _ := runSeedPrediction(t, ctx, g, strategy)
			require.NoError(t, value.Shape().Check(dtypes.Float32, testBatchSize, 4))
		})
	}

	t.Run("path_to_root", func(t *testing.T) {
		g, strategy := testGraphAndStrategy(t)
		ctx := context.New()
		ctx.SetParams(map[string]any{
			ParamNumGraphUpdates:       2,
			ParamMessageDim:            4,
			ParamStateDim:              4,
			ParamUsePathToRootStates:   true,
			ParamUpdateNumHiddenLayers: 1,
		})
		value, _ := runSeedPrediction(t, ctx, g, strategy)
		require.NoError(t, value.Shape().Check(dtypes.Float32, testBatchSize, 4))
	})
}

func TestUploadFeaturesValidation(t *testing.T) {
	g, _ := testGraphAndStrategy(t)
	ctx := context.New()
	require.Panics(t, func() {
		UploadFeatures(ctx, g, FeatureSelection{"movies": {"embeddings"}})
	})
	require.Panics(t, func() {
		UploadFeatures(ctx, g, FeatureSelection{"papers": {"abstract"}})
	})
}
