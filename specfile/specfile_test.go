package specfile

import (
	"testing"

	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGraph() *hetgraph.Graph {
	g := hetgraph.New()
	g.AddNodeSet("papers", 5)
	g.AddNodeSet("authors", 10)
	pairs := tensors.FromValue([][]int32{
		{0, 2}, {3, 2}, {4, 2}, {0, 3}, {0, 4}, {4, 4}, {7, 4},
	})
	g.AddEdgeSet("writes", "authors", "papers", pairs, false)
	g.AddEdgeSet("written_by", "authors", "papers", pairs, true)
	return g
}

const testSpec = `
keep_degrees = true

seeds "seeds" {
  node_set = "papers"
  count    = 3
  split    = "train"
}

// Declared out of order on purpose: resolved after its "from" rule.
expand "papersByAuthors" {
  from         = "authors"
  edge_set     = "writes"
  count        = 2
  kernel_scope = "gnn:seeds"
}

expand "authors" {
  from     = "seeds"
  edge_set = "written_by"
  count    = 4
}

identity "seedsBase" {
  from = "seeds"
}
`

func TestParseAndBuild(t *testing.T) {
	f, err := Parse([]byte(testSpec), "test.hcl")
	require.NoError(t, err)
	assert.True(t, f.KeepDegrees)
	require.Len(t, f.Seeds, 1)
	require.Len(t, f.Expands, 2)
	require.Len(t, f.Identities, 1)
	assert.Equal(t, "train", f.Seeds[0].Split)

	splits := map[string][]int32{"train": {0, 2, 4}}
	strategy, err := f.Build(testGraph(), splits)
	require.NoError(t, err)
	assert.True(t, strategy.KeepDegrees)
	require.Len(t, strategy.Rules, 4)

	seeds := strategy.Rules["seeds"]
	require.NoError(t, seeds.Shape.Check(dtypes.Int32, 3))
	assert.Equal(t, []int32{0, 2, 4}, seeds.NodeSet)

	authors := strategy.Rules["authors"]
	require.NoError(t, authors.Shape.Check(dtypes.Int32, 3, 4))
	assert.Equal(t, "authors", authors.NodeSetName)

	papersByAuthors := strategy.Rules["papersByAuthors"]
	require.NoError(t, papersByAuthors.Shape.Check(dtypes.Int32, 3, 4, 2))
	assert.Equal(t, "gnn:seeds", papersByAuthors.ConvKernelScopeName)

	seedsBase := strategy.Rules["seedsBase"]
	assert.True(t, seedsBase.IsIdentitySubRule())
	require.NoError(t, seedsBase.Shape.Check(dtypes.Int32, 3, 1))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`seeds "s" { node_set = `), "broken.hcl")
	require.ErrorContains(t, err, "broken.hcl")

	// Unknown attributes are rejected.
	_, err = Parse([]byte(`seeds "s" { node_set = "papers"  count = 2  batch = 7 }`), "extra.hcl")
	require.Error(t, err)
}

func TestBuildErrors(t *testing.T) {
	f, err := Parse([]byte(`
seeds "s" {
  node_set = "papers"
  count    = 2
  split    = "validation"
}`), "test.hcl")
	require.NoError(t, err)
	_, err = f.Build(testGraph(), map[string][]int32{"train": {0, 1}})
	require.ErrorContains(t, err, `split "validation"`)

	f, err = Parse([]byte(`
seeds "s" {
  node_set = "papers"
  count    = 2
}
expand "dangling" {
  from     = "nosuch"
  edge_set = "written_by"
  count    = 2
}`), "test.hcl")
	require.NoError(t, err)
	_, err = f.Build(testGraph(), nil)
	require.ErrorContains(t, err, `"nosuch"`)

	f, err = Parse([]byte(`
expand "e" {
  from     = "x"
  edge_set = "writes"
  count    = 1
}`), "test.hcl")
	require.NoError(t, err)
	_, err = f.Build(testGraph(), nil)
	require.ErrorContains(t, err, "no seeds")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/no/such/file.hcl")
	require.Error(t, err)
}
