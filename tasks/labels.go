package tasks

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// labelsDataset wraps a sampling dataset and attaches, per example, the labels
// of the seed nodes and the seed mask, following the weights-and-mask
// convention of the losses package: padded seeds are masked out of the loss.
//
// It assumes inputs[0] are the sampled seed indices and inputs[1] their mask,
// the order every strategy dataset yields.
type labelsDataset struct {
	train.Dataset

	// allLabels is shaped `[numNodes, 1]`, indexed by seed node.
	allLabels *tensors.Tensor

	// maskLikeLabels reshapes the appended mask to the labels' dimensions
	// (`[batch, 1]`), as regression losses expect; otherwise it stays `[batch]`.
	maskLikeLabels bool
}

// Yield implements train.Dataset.
func (ds *labelsDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec, inputs, labels, err = ds.Dataset.Yield()
	if err != nil {
		return
	}
	if len(labels) > 0 {
		// Labels already stored with the samples (records replay): pass through.
		return
	}
	if len(inputs) < 2 {
		Panicf("dataset %q yielded %d inputs, expected at least seeds and their mask", ds.Name(), len(inputs))
	}
	seeds, mask := inputs[0], inputs[1]
	batchSize := seeds.Shape().Dimensions[0]

	gathered := gatherLabels(ds.allLabels, seeds)
	if ds.maskLikeLabels {
		mask = reshapeMask(mask, batchSize)
	}
	labels = []*tensors.Tensor{gathered, mask}
	return
}

// gatherLabels builds the `[batch, 1]` labels tensor for the given seed indices.
func gatherLabels(allLabels, seeds *tensors.Tensor) *tensors.Tensor {
	seedsData := tensors.CopyFlatData[int32](seeds)
	batchSize := len(seedsData)
	out := tensors.FromShape(shapes.Make(allLabels.DType(), batchSize, 1))
	switch allLabels.DType() {
	case dtypes.Int32:
		copyGathered[int32](out, allLabels, seedsData)
	case dtypes.Int64:
		copyGathered[int64](out, allLabels, seedsData)
	case dtypes.Float32:
		copyGathered[float32](out, allLabels, seedsData)
	case dtypes.Float64:
		copyGathered[float64](out, allLabels, seedsData)
	default:
		Panicf("unsupported labels dtype %s", allLabels.DType())
	}
	return out
}

func copyGathered[T interface {
	int32 | int64 | float32 | float64
}](out, allLabels *tensors.Tensor, seeds []int32) {
	source := tensors.CopyFlatData[T](allLabels)
	tensors.MutableFlatData[T](out, func(flat []T) {
		for ii, seed := range seeds {
			flat[ii] = source[seed]
		}
	})
}

// reshapeMask returns the seed mask shaped `[batch, 1]`.
func reshapeMask(mask *tensors.Tensor, batchSize int) *tensors.Tensor {
	data := tensors.CopyFlatData[bool](mask)
	return tensors.FromFlatDataAndDimensions(data, batchSize, 1)
}
