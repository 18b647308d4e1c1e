package tasks

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/metrics"

	. "github.com/gomlx/gomlx/graph"
)

// Regression metrics, all masked means over the valid (unmasked) entries of the
// batch.

// NewMeanSquaredErrorMetric returns the mean squared error metric.
func NewMeanSquaredErrorMetric() metrics.Interface {
	return metrics.NewMeanMetric("Mean Squared Error", "#mse", metrics.LossMetricType,
		squaredErrorGraph, nil)
}

// NewMovingAverageSquaredErrorMetric returns a moving average version of the
// squared error, cheaper to track during training.
func NewMovingAverageSquaredErrorMetric(newExampleWeight float64) metrics.Interface {
	return metrics.NewExponentialMovingAverageMetric("Moving Average Squared Error", "~mse",
		metrics.LossMetricType, squaredErrorGraph, nil, newExampleWeight)
}

// NewMeanAbsoluteErrorMetric returns the mean absolute error metric.
func NewMeanAbsoluteErrorMetric() metrics.Interface {
	return metrics.NewMeanMetric("Mean Absolute Error", "#mae", metrics.LossMetricType,
		absoluteErrorGraph, nil)
}

// NewMeanSquaredLogarithmicErrorMetric returns the mean squared error of
// log(1+x), see [MeanSquaredLogarithmicError].
func NewMeanSquaredLogarithmicErrorMetric() metrics.Interface {
	return metrics.NewMeanMetric("Mean Squared Logarithmic Error", "#msle", metrics.LossMetricType,
		squaredLogErrorGraph, nil)
}

// NewMeanAbsolutePercentageErrorMetric returns the mean absolute percentage
// error, see [MeanAbsolutePercentageError].
func NewMeanAbsolutePercentageErrorMetric() metrics.Interface {
	return metrics.NewMeanMetric("Mean Absolute Percentage Error", "#mape", metrics.LossMetricType,
		absolutePercentageErrorGraph, nil)
}

func squaredErrorGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return maskedBatchMean(labels, Square(Sub(labels[0], predictions[0])))
}

func absoluteErrorGraph(_ *context.Context, labels, predictions []*Node) *Node {
	return maskedBatchMean(labels, Abs(Sub(labels[0], predictions[0])))
}

func squaredLogErrorGraph(_ *context.Context, labels, predictions []*Node) *Node {
	logLabels := Log1P(MaxScalar(labels[0], 0))
	logPredictions := Log1P(MaxScalar(predictions[0], 0))
	return maskedBatchMean(labels, Square(Sub(logLabels, logPredictions)))
}

func absolutePercentageErrorGraph(_ *context.Context, labels, predictions []*Node) *Node {
	labels0 := labels[0]
	epsilon := Scalar(labels0.Graph(), labels0.DType(), 1e-7)
	perElement := Div(Abs(Sub(labels0, predictions[0])), Max(Abs(labels0), epsilon))
	return maskedBatchMean(labels, MulScalar(perElement, 100))
}

// maskedBatchMean reduces the per-element values to a scalar mean, applying the
// weights and mask from the extra labels tensors. Masked-out elements don't
// count towards the denominator.
func maskedBatchMean(labels []*Node, perElement *Node) *Node {
	weights, mask := weightsAndMaskFromLabels(labels[0].Shape(), labels)
	if weights != nil {
		perElement = Mul(perElement, weights)
	}
	if mask == nil {
		return ReduceAllMean(perElement)
	}
	perElement = Where(mask, perElement, ZerosLike(perElement))
	count := ReduceAllSum(ConvertDType(mask, perElement.DType()))
	count = Max(count, Scalar(perElement.Graph(), perElement.DType(), 1))
	return Div(ReduceAllSum(perElement), count)
}
