package ogb

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func writeGzipCSV(t *testing.T, dir, name, contents string) string {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(contents))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func TestCsvToTensor(t *testing.T) {
	dir := t.TempDir()
	path := writeGzipCSV(t, dir, "feat.csv.gz", "0.5,1.5\n-1,2\n0,3\n")

	got, err := csvToTensor(path, "", 3, 2, parseFloat32)
	require.NoError(t, err)
	assert.True(t, tensors.FromValue([][]float32{{0.5, 1.5}, {-1, 2}, {0, 3}}).Equal(got))

	// Caching: second call loads the saved tensor, not the CSV.
	cache := filepath.Join(dir, "feat.tensor")
	_, err = csvToTensor(path, cache, 3, 2, parseFloat32)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))
	got, err = csvToTensor(path, cache, 3, 2, parseFloat32)
	require.NoError(t, err)
	require.NoError(t, got.Shape().Check(dtypes.Float32, 3, 2))

	// Wrong row count is an error.
	path = writeGzipCSV(t, dir, "short.csv.gz", "1,2\n")
	_, err = csvToTensor(path, "", 3, 2, parseFloat32)
	require.ErrorContains(t, err, "expected 3")

	// Wrong column count is an error.
	path = writeGzipCSV(t, dir, "cols.csv.gz", "1,2,3\n")
	_, err = csvToTensor(path, "", 1, 2, parseFloat32)
	require.Error(t, err)
}

func TestCsvToPairsAndSplit(t *testing.T) {
	dir := t.TempDir()
	path := writeGzipCSV(t, dir, "edge.csv.gz", "0,1\n2,0\n1,1\n")
	pairs, err := csvToPairs(path)
	require.NoError(t, err)
	assert.True(t, tensors.FromValue([][]int32{{0, 1}, {2, 0}, {1, 1}}).Equal(pairs))

	empty := writeGzipCSV(t, dir, "empty.csv.gz", "")
	_, err = csvToPairs(empty)
	require.ErrorContains(t, err, "no edges")

	split, err := csvToSplit(writeGzipCSV(t, dir, "train.csv.gz", "3\n1\n4\n"))
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 1, 4}, split)
}

func TestToFloat16(t *testing.T) {
	src := tensors.FromValue([][]float32{{1, -2.5}, {0.25, 1024}})
	got := toFloat16(src)
	require.NoError(t, got.Shape().Check(dtypes.Float16, 2, 2))
	flat := tensors.CopyFlatData[float16.Float16](got)
	assert.Equal(t, float32(-2.5), flat[1].Float32())
	assert.Equal(t, float32(1024), flat[3].Float32())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	g := hetgraph.New()
	papers := g.AddNodeSet("papers", 3)
	papers.SetFeature(LabelsFeatureName, tensors.FromValue([][]int32{{0}, {2}, {1}}))
	g.AddEdgeSet("cites", "papers", "papers", tensors.FromValue([][]int32{{0, 1}, {2, 0}}), false)
	ds := &Dataset{
		Name:        "arxiv",
		Graph:       g,
		SeedNodeSet: "papers",
		NumClasses:  3,
		Splits:      map[string][]int32{"train": {0, 1}, "valid": {2}},
	}
	require.NoError(t, ds.save(dir))

	loaded, err := Load("arxiv", dir)
	require.NoError(t, err)
	assert.Equal(t, ds.SeedNodeSet, loaded.SeedNodeSet)
	assert.Equal(t, ds.NumClasses, loaded.NumClasses)
	assert.Equal(t, ds.Splits, loaded.Splits)
	assert.True(t, ds.Labels().Equal(loaded.Labels()))
	assert.Equal(t, 2, loaded.Graph.EdgeSets["cites"].NumEdges())

	// Convert finds converted files and loads them without downloading.
	reloaded, err := Convert("arxiv", dir, Options{})
	require.NoError(t, err)
	assert.Equal(t, ds.NumClasses, reloaded.NumClasses)
}

func TestConvertUnknownDataset(t *testing.T) {
	_, err := Convert("products", t.TempDir(), Options{})
	require.ErrorContains(t, err, `unknown OGB dataset "products"`)
}
