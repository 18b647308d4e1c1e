package tasks

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Regression losses beyond what the losses package ships. They follow the same
// conventions: labels[0] and predictions[0] must have the same shape, extra
// labels tensors shaped like labels[0] are taken as weights (or, for bool, as a
// mask), and the per-element losses are returned unreduced -- the trainer takes
// the mean.

// weightsAndMaskFromLabels finds optional weights and mask among the extra
// labels tensors: an extra tensor with weightsShape is taken as weights, one
// with the same dimensions but dtype Bool as a mask. labels[0] holds the actual
// labels and is skipped. When both are present, weights are zeroed where the
// mask is false.
func weightsAndMaskFromLabels(weightsShape shapes.Shape, labels []*Node) (weights, mask *Node) {
	maskShape := shapes.Make(dtypes.Bool, weightsShape.Dimensions...)
	for ii, extra := range labels[1:] {
		if weights == nil && extra.Shape().Equal(weightsShape) {
			weights = extra
		} else if mask == nil && extra.Shape().Equal(maskShape) {
			mask = extra
		} else {
			Panicf("unknown extra labels tensor: labels[%d].shape=%s -- weights would be shaped %s, a mask %s",
				ii+1, extra.Shape(), weightsShape, maskShape)
		}
	}
	if weights != nil && mask != nil {
		weights = Where(mask, weights, ZerosLike(weights))
	}
	return
}

// MeanSquaredLogarithmicError returns the squared difference of log(1+x) of
// labels and predictions. Useful when the labels span orders of magnitude and
// relative errors matter more than absolute ones. Labels and predictions are
// clipped at 0.
func MeanSquaredLogarithmicError(labels, predictions []*Node) (loss *Node) {
	predictions0, labels0 := predictions[0], labels[0]
	if !labels0.Shape().Equal(predictions0.Shape()) {
		Panicf("labels[0] (%s) and predictions[0] (%s) must have same shape", labels0.Shape(), predictions0.Shape())
	}
	weights, mask := weightsAndMaskFromLabels(labels0.Shape(), labels)

	logLabels := Log1P(MaxScalar(labels0, 0))
	logPredictions := Log1P(MaxScalar(predictions0, 0))
	loss = Square(Sub(logLabels, logPredictions))

	if weights != nil {
		loss = Mul(loss, weights)
	}
	if mask != nil {
		loss = Where(mask, loss, ZerosLike(loss))
	}
	return loss
}

// MeanAbsolutePercentageError returns `100 * |labels - predictions| / |labels|`,
// with the denominator clipped away from zero.
func MeanAbsolutePercentageError(labels, predictions []*Node) (loss *Node) {
	predictions0, labels0 := predictions[0], labels[0]
	if !labels0.Shape().Equal(predictions0.Shape()) {
		Panicf("labels[0] (%s) and predictions[0] (%s) must have same shape", labels0.Shape(), predictions0.Shape())
	}
	weights, mask := weightsAndMaskFromLabels(labels0.Shape(), labels)

	g := labels0.Graph()
	epsilon := Scalar(g, labels0.DType(), 1e-7)
	loss = Div(Abs(Sub(labels0, predictions0)), Max(Abs(labels0), epsilon))
	loss = MulScalar(loss, 100)

	if weights != nil {
		loss = Mul(loss, weights)
	}
	if mask != nil {
		loss = Where(mask, loss, ZerosLike(loss))
	}
	return loss
}
