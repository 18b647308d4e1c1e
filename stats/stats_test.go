package stats

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gnnkit/records"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSampledFile(t *testing.T) string {
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

	path := filepath.Join(t.TempDir(), "samples.bin")
	w, err := records.Create(path, strategy, "label")
	require.NoError(t, err)
	ds := strategy.NewDataset("writer").WithSeed(3)
	label := float32(10)
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NoError(t, w.Write(append(inputs, tensors.FromScalar(label))))
		label += 10
	}
	require.NoError(t, w.Close())
	return path
}

func TestCollect(t *testing.T) {
	path := writeSampledFile(t)
	summary, err := Collect(path)
	require.NoError(t, err)

	// 5 papers in batches of 2.
	assert.Equal(t, 3, summary.NumRecords)
	require.Len(t, summary.Tensors, 5)

	byName := make(map[string]*TensorStats)
	for _, ts := range summary.Tensors {
		byName[ts.Name] = ts
	}

	seeds := byName["seeds"]
	require.NotNil(t, seeds)
	assert.False(t, seeds.IsMask)
	// All 5 papers, each once, masked positions excluded.
	assert.EqualValues(t, 5, seeds.Count)
	assert.Equal(t, 0.0, seeds.Min)
	assert.Equal(t, 4.0, seeds.Max)
	assert.Equal(t, 2.0, seeds.Mean)

	seedsMask := byName["seeds.mask"]
	require.NotNil(t, seedsMask)
	assert.True(t, seedsMask.IsMask)
	// 5 valid out of 3 batches * 2 slots.
	assert.InDelta(t, 5.0/6.0, seedsMask.FillRate, 1e-9)

	// Papers 0 and 1 have no authors, papers 2 and 4 have 3, paper 3 has 1:
	// 7 valid author samples in total, all within the author index range.
	authors := byName["authors"]
	require.NotNil(t, authors)
	assert.EqualValues(t, 7, authors.Count)
	assert.GreaterOrEqual(t, authors.Min, 0.0)
	assert.LessOrEqual(t, authors.Max, 9.0)
	authorsMask := byName["authors.mask"]
	assert.InDelta(t, 7.0/18.0, authorsMask.FillRate, 1e-9)

	label := byName["label"]
	require.NotNil(t, label)
	assert.EqualValues(t, 3, label.Count)
	assert.Equal(t, 10.0, label.Min)
	assert.Equal(t, 30.0, label.Max)
	assert.Equal(t, 20.0, label.Mean)
}

func TestRender(t *testing.T) {
	path := writeSampledFile(t)
	summary, err := Collect(path)
	require.NoError(t, err)
	rendered := summary.Render()
	assert.Contains(t, rendered, "seeds.mask")
	assert.Contains(t, rendered, "records=3")
	assert.Contains(t, rendered, summary.RunID)
}

func TestCollectMissingFile(t *testing.T) {
	_, err := Collect(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
