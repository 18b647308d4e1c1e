package records

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gomlx/types/tensors"
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

// writeTestFile samples every batch of one epoch into a record file, attaching a
// scalar label per record. Returns the path and the records written.
func writeTestFile(t *testing.T, strategy *sampler.Strategy) (path string, written [][]*tensors.Tensor) {
	path = filepath.Join(t.TempDir(), "samples.bin")
	w, err := Create(path, strategy, "label")
	require.NoError(t, err)
	assert.Equal(t, append(strategy.InputNames(), "label"), w.Header().TensorNames)

	ds := strategy.NewDataset("writer").WithSeed(7)
	for batch := 0; ; batch++ {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		record := append(inputs, tensors.FromScalar(float32(batch)))
		require.NoError(t, w.Write(record))
		written = append(written, record)
	}
	assert.Equal(t, len(written), w.NumRecords())
	require.NoError(t, w.Close())
	return
}

func TestWriteReadRoundTrip(t *testing.T) {
	strategy := testStrategy(t)
	path, written := writeTestFile(t, strategy)
	require.Len(t, written, 3) // 5 papers in batches of 2.

	r, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, r.Close()) }()

	header := r.Header()
	assert.Equal(t, FormatVersion, header.FormatVersion)
	assert.Equal(t, append(strategy.InputNames(), "label"), header.TensorNames)

	rebuilt := r.Strategy()
	assert.Equal(t, strategy.InputNames(), rebuilt.InputNames())

	for _, want := range written {
		record, err := r.Read()
		require.NoError(t, err)
		require.Len(t, record, len(want))
		for ii := range want {
			assert.True(t, want[ii].Equal(record[ii]), "tensor %q differs", header.TensorNames[ii])
		}
	}
	_, err = r.Read()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 3, r.NumRead())
}

func TestWriterRejectsWrongArity(t *testing.T) {
	strategy := testStrategy(t)
	path := filepath.Join(t.TempDir(), "samples.bin")
	w, err := Create(path, strategy)
	require.NoError(t, err)
	defer func() { require.NoError(t, w.Close()) }()

	err = w.Write([]*tensors.Tensor{tensors.FromScalar(int32(1))})
	require.ErrorContains(t, err, "tensors per record")
}

func TestTruncatedFile(t *testing.T) {
	strategy := testStrategy(t)
	path, _ := writeTestFile(t, strategy)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := filepath.Join(t.TempDir(), "truncated.bin")
	require.NoError(t, os.WriteFile(truncated, content[:len(content)-7], 0644))

	r, err := Open(truncated)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	for {
		_, err = r.Read()
		if err != nil {
			break
		}
	}
	require.NotEqual(t, io.EOF, err)
	require.ErrorContains(t, err, "truncated or corrupt")
}

func TestOpenErrors(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(garbage, []byte("not a gob stream"), 0644))
	_, err = Open(garbage)
	require.ErrorContains(t, err, "header")
}

func TestDatasetReplay(t *testing.T) {
	strategy := testStrategy(t)
	path, written := writeTestFile(t, strategy)

	ds, err := NewDataset("replay", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Close()) }()
	ds.Epochs(2)

	numInputs := strategy.NumInputs()
	var labels []float32
	numYields := 0
	for {
		spec, inputs, yieldedLabels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Same(t, ds.Strategy(), spec)
		require.Len(t, inputs, numInputs)
		require.Len(t, yieldedLabels, 1)
		labels = append(labels, tensors.ToScalar[float32](yieldedLabels[0]))
		numYields++
		require.LessOrEqual(t, numYields, 2*len(written), "dataset never exhausted")
	}
	// Two epochs, in file order.
	assert.Equal(t, []float32{0, 1, 2, 0, 1, 2}, labels)

	// Reset replays from the start.
	ds.Reset()
	_, _, yieldedLabels, err := ds.Yield()
	require.NoError(t, err)
	assert.Equal(t, float32(0), tensors.ToScalar[float32](yieldedLabels[0]))
}

func TestDatasetInputsMatchLiveSampling(t *testing.T) {
	strategy := testStrategy(t)
	path, written := writeTestFile(t, strategy)

	ds, err := NewDataset("replay", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, ds.Close()) }()

	states, remaining := sampler.MapInputsToStates[*tensors.Tensor](ds.Strategy(), written[0])
	require.Len(t, remaining, 1) // The label.
	require.Contains(t, states, "seeds")
	require.Contains(t, states, "authors")

	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	replayed, _ := sampler.MapInputsToStates[*tensors.Tensor](ds.Strategy(), inputs)
	assert.True(t, states["authors"].Value.Equal(replayed["authors"].Value))
	assert.True(t, states["authors"].Mask.Equal(replayed["authors"].Mask))
}

func TestDatasetYieldAfterClose(t *testing.T) {
	strategy := testStrategy(t)
	path, _ := writeTestFile(t, strategy)

	ds, err := NewDataset("closed", path)
	require.NoError(t, err)
	require.NoError(t, ds.Close())
	_, _, _, err = ds.Yield()
	require.ErrorContains(t, err, "closed")
}
