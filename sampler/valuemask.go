package sampler

// ValueMask groups a sampled value tensor and its corresponding mask. The type
// parameter is `*tensors.Tensor` on the host side and `*graph.Node` inside model
// graphs.
//
// A nil Mask means the value is always valid (e.g. degree tensors). A nil Value
// with a valid Mask is used for latent node states before their first update.
type ValueMask[T any] struct {
	Value, Mask T
}
