package tasks

import (
	"io"
	"testing"

	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStrategy(t *testing.T) *sampler.Strategy {
	g := hetgraph.New()
	g.AddNodeSet("papers", 5)
	g.AddNodeSet("authors", 10)
	pairs := tensors.FromValue([][]int32{
		{0, 2}, {3, 2}, {4, 2}, {0, 3}, {0, 4}, {4, 4}, {7, 4},
	})
	g.AddEdgeSet("written_by", "authors", "papers", pairs, true)
	strategy := sampler.NewStrategy(g)
	seeds := strategy.Nodes("seeds", "papers", 2)
	seeds.FromEdges("authors", "written_by", 3)
	return strategy
}

func TestTaskConstructors(t *testing.T) {
	reg := RootNodeRegression("paper_year", 1)
	assert.Equal(t, "paper_year", reg.Name())
	assert.Equal(t, 1, reg.NumOutputs())
	require.NotNil(t, reg.Loss())
	trainM, evalM := reg.Metrics()
	assert.NotEmpty(t, trainM)
	assert.NotEmpty(t, evalM)

	reg = reg.WithLoss(MeanSquaredLogarithmicError).
		WithMetrics(trainM, []metrics.Interface{NewMeanAbsolutePercentageErrorMetric()})
	_, evalM = reg.Metrics()
	require.Len(t, evalM, 1)

	graphReg := GraphRegression("citations", 2)
	assert.Equal(t, 2, graphReg.NumOutputs())

	cls := RootNodeClassification("venue", 349)
	assert.Equal(t, 349, cls.NumOutputs())
	trainM, evalM = cls.Metrics()
	require.Len(t, trainM, 1)
	require.Len(t, evalM, 1)
	assert.Contains(t, evalM[0].Name(), "Accuracy")
}

func TestAttachLabels(t *testing.T) {
	strategy := testStrategy(t)
	allLabels := tensors.FromValue([][]float32{{10}, {11}, {12}, {13}, {14}})

	task := RootNodeRegression("year", 1)
	ds := task.AttachLabels(strategy.NewDataset("train"), allLabels)
	assert.Equal(t, "train", ds.Name())

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 4) // seeds, seeds.mask, authors, authors.mask.
	require.Len(t, labels, 2)

	// Sequential sampling: first batch is seeds 0 and 1.
	require.NoError(t, labels[0].Shape().Check(dtypes.Float32, 2, 1))
	assert.Equal(t, []float32{10, 11}, tensors.CopyFlatData[float32](labels[0]))

	// Regression tasks reshape the mask to the labels dimensions.
	require.NoError(t, labels[1].Shape().Check(dtypes.Bool, 2, 1))
	assert.Equal(t, []bool{true, true}, tensors.CopyFlatData[bool](labels[1]))

	// The last batch of the epoch is padded, and so is its mask.
	var lastLabels []*tensors.Tensor
	for {
		_, _, yielded, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		lastLabels = yielded
	}
	assert.Equal(t, []bool{true, false}, tensors.CopyFlatData[bool](lastLabels[1]))
}

func TestAttachLabelsClassificationMaskShape(t *testing.T) {
	strategy := testStrategy(t)
	allLabels := tensors.FromValue([][]int32{{0}, {1}, {2}, {0}, {1}})

	task := RootNodeClassification("venue", 3)
	ds := task.AttachLabels(strategy.NewDataset("train"), allLabels)
	_, _, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, labels, 2)
	require.NoError(t, labels[0].Shape().Check(dtypes.Int32, 2, 1))
	// Sparse classification losses want the mask shaped [batch].
	require.NoError(t, labels[1].Shape().Check(dtypes.Bool, 2))
}

func TestAttachLabelsPassThrough(t *testing.T) {
	// A dataset that already yields labels (records replay) is left untouched.
	inner := &staticDataset{
		inputs: []*tensors.Tensor{tensors.FromValue([]int32{0, 1}), tensors.FromValue([]bool{true, true})},
		labels: []*tensors.Tensor{tensors.FromScalar(float32(7))},
	}
	task := RootNodeRegression("year", 1)
	ds := task.AttachLabels(inner, nil)
	_, _, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Equal(t, float32(7), tensors.ToScalar[float32](labels[0]))
}

type staticDataset struct {
	inputs, labels []*tensors.Tensor
}

func (ds *staticDataset) Name() string { return "static" }
func (ds *staticDataset) Reset()       {}
func (ds *staticDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return nil, ds.inputs, ds.labels, nil
}
