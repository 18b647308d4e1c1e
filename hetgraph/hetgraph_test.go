package hetgraph

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGraph builds the small author/paper graph used across the tests.
//
//	Author 0 writes papers 2, 3, 4.
//	Author 3 writes paper 2.
//	Author 4 writes papers 2, 4.
//	Author 7 writes paper 4.
func testGraph(t *testing.T) *Graph {
	g := New()
	g.AddNodeSet("paper", 5)
	g.AddNodeSet("author", 10)

	authorWritesPapers := tensors.FromValue([][]int32{
		{0, 2},
		{3, 2},
		{4, 2},
		{0, 3},
		{0, 4},
		{4, 4},
		{7, 4},
	})
	require.NoError(t, authorWritesPapers.Shape().Check(dtypes.Int32, 7, 2))

	g.AddEdgeSet("writes", "author", "paper", authorWritesPapers, false)
	g.AddEdgeSet("written_by", "author", "paper", authorWritesPapers, true)
	return g
}

func TestAddEdgeSet(t *testing.T) {
	g := testGraph(t)

	writes := g.EdgeSets["writes"]
	fmt.Printf("writes:\n\tStarts: \t%#v\n\tTargets:\t%#v\n", writes.Starts, writes.Targets)
	assert.EqualValues(t, []int32{3, 3, 3, 4, 6, 6, 6, 7, 7, 7}, writes.Starts)
	assert.EqualValues(t, []int32{2, 3, 4, 2, 2, 4, 4}, writes.Targets)
	assert.EqualValues(t, []int32{2, 4}, writes.TargetsOfSource(4))
	assert.EqualValues(t, []int32{}, writes.TargetsOfSource(9))
	assert.Equal(t, 7, writes.NumEdges())
	assert.Equal(t, 10, writes.NumSourceNodes())
	assert.Equal(t, 5, writes.NumTargetNodes())

	writtenBy := g.EdgeSets["written_by"]
	fmt.Printf("written_by:\n\tStarts: \t%#v\n\tTargets:\t%#v\n", writtenBy.Starts, writtenBy.Targets)
	assert.EqualValues(t, []int32{0, 0, 3, 4, 7}, writtenBy.Starts)
	assert.EqualValues(t, []int32{0, 3, 4, 0, 0, 4, 7}, writtenBy.Targets)
	assert.EqualValues(t, []int32{0, 4, 7}, writtenBy.TargetsOfSource(4))
	assert.EqualValues(t, []int32{}, writtenBy.TargetsOfSource(0))

	// Misuse panics.
	assert.Panics(t, func() { writes.TargetsOfSource(10) })
	assert.Panics(t, func() { g.AddNodeSet("paper", 3) })
	assert.Panics(t, func() { g.AddNodeSet("venues", 0) })
	badPairs := tensors.FromValue([][]int32{{0, 17}})
	assert.Panics(t, func() { g.AddEdgeSet("bad", "author", "paper", badPairs, false) })
}

func TestNodeFeatures(t *testing.T) {
	g := testGraph(t)
	papers := g.NodeSets["paper"]

	years := tensors.FromFlatDataAndDimensions([]int16{10, 11, 12, 13, 14}, 5, 1)
	papers.SetFeature("year", years)
	require.NoError(t, papers.Feature("year").Shape().Check(dtypes.Int16, 5, 1))

	// Wrong leading dimension.
	assert.Panics(t, func() { papers.SetFeature("bad", tensors.FromValue([]float32{1, 2, 3})) })
	assert.Panics(t, func() { papers.Feature("missing") })
}

func TestDegreeHistogram(t *testing.T) {
	g := testGraph(t)

	// Out-degrees of authors: 3, 0, 0, 1, 2, 0, 0, 1, 0, 0.
	counts, labels := g.DegreeHistogram("writes")
	assert.Equal(t, []string{"0", "1", "2-3"}, labels)
	assert.Equal(t, []int{6, 2, 2}, counts)

	// Out-degrees of papers ("written_by"): 0, 0, 3, 1, 3.
	counts, labels = g.DegreeHistogram("written_by")
	assert.Equal(t, []string{"0", "1", "2-3"}, labels)
	assert.Equal(t, []int{2, 1, 2}, counts)
}

func TestSaveLoad(t *testing.T) {
	g := testGraph(t)
	embeddings := tensors.FromShape(shapes.Make(dtypes.Float32, 5, 4))
	tensors.MutableFlatData[float32](embeddings, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(ii) / 2
		}
	})
	g.NodeSets["paper"].SetFeature("embeddings", embeddings)
	years := tensors.FromFlatDataAndDimensions([]int32{10, 11, 12, 13, 14}, 5, 1)
	g.NodeSets["paper"].SetFeature("years", years)

	path := filepath.Join(t.TempDir(), "graph.bin")
	require.NoError(t, g.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, g.NodeSets["author"].Count, loaded.NodeSets["author"].Count)
	assert.EqualValues(t, g.EdgeSets["writes"].Starts, loaded.EdgeSets["writes"].Starts)
	assert.EqualValues(t, g.EdgeSets["writes"].Targets, loaded.EdgeSets["writes"].Targets)
	assert.Equal(t, 5, loaded.EdgeSets["written_by"].NumTargetNodes())
	require.Contains(t, loaded.NodeSets["paper"].Features, "embeddings")
	assert.True(t, embeddings.Equal(loaded.NodeSets["paper"].Features["embeddings"]))
	assert.True(t, years.Equal(loaded.NodeSets["paper"].Features["years"]))
	// Node sets without features must round-trip too.
	assert.Empty(t, loaded.NodeSets["author"].Features)

	_, err = Load(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}
