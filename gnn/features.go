package gnn

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gnnkit/sampler"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gopjrt/dtypes"
)

var (
	// ParamDType context hyperparameter defines the dtype of the model: `float32`,
	// `float64`, `float16` or `bfloat16`. The default is `float32`.
	ParamDType = "gnn_dtype"

	// ParamLatentEmbedSize context hyperparameter defines the size of the learnable
	// embedding table created for node sets without any input features. The default
	// is 0, meaning those node sets start purely latent (nil state) and all their
	// information comes from the graph. It can be set per node set, by scoping it
	// under the node set name inside the "embeddings" scope.
	ParamLatentEmbedSize = "gnn_latent_embed_size"

	// ParamEmbedDropoutRate adds an extra dropout to the learnable embeddings. Many
	// embeddings are seen only once during training, so in validation/testing the
	// model will see many it never saw; dropout teaches it to handle missing (zero)
	// embeddings. The default is 0.
	ParamEmbedDropoutRate = "gnn_embed_dropout_rate"
)

// FeaturesScope is the absolute context scope under which [UploadFeatures] stores
// the frozen per-node-set feature tables.
const FeaturesScope = "/graph_features"

// FeatureSelection maps node set names to the names of the features used as model
// inputs, in the order they are concatenated. Node sets absent from the selection
// (or with an empty list) start latent -- see [ParamLatentEmbedSize].
type FeatureSelection map[string][]string

// UploadFeatures creates frozen (non-trainable) variables with the selected
// feature tables of the graph, so models can gather them during
// [FeaturePreprocessing]. They are stored under the [FeaturesScope] scope.
//
// It must be called on the context before the first model execution. It returns
// the context to allow cascaded calls.
func UploadFeatures(ctx *context.Context, g *hetgraph.Graph, selection FeatureSelection) *context.Context {
	ctxFeatures := ctx.InAbsPath(FeaturesScope)
	for nodeSetName, featureNames := range selection {
		ns, found := g.NodeSets[nodeSetName]
		if !found {
			Panicf("feature selection names node set %q, not in the graph", nodeSetName)
		}
		ctxNodeSet := ctxFeatures.In(nodeSetName)
		for _, featureName := range featureNames {
			v := ctxNodeSet.VariableWithValue(featureName, ns.Feature(featureName))
			v.Trainable = false
		}
	}
	return ctx
}

// featureTable retrieves one of the frozen feature tables uploaded with
// [UploadFeatures].
func featureTable(ctx *context.Context, g *Graph, nodeSetName, featureName string) *Node {
	v := ctx.GetVariableByScopeAndName(FeaturesScope+"/"+nodeSetName, featureName)
	if v == nil {
		Panicf("missing feature table %q for node set %q -- was UploadFeatures() called on the context with it selected?",
			featureName, nodeSetName)
	}
	return v.ValueGraph(g)
}

// DTypeFromContext returns the model dtype configured with [ParamDType].
func DTypeFromContext(ctx *context.Context) dtypes.DType {
	name := context.GetParamOr(ctx, ParamDType, "float32")
	dtype, err := dtypes.DTypeString(name)
	if err != nil || !dtype.IsFloat() {
		Panicf("invalid value %q for parameter %q: it must name a float dtype", name, ParamDType)
	}
	return dtype
}

// FeaturePreprocessing converts the inputs yielded by a sampling (or replay)
// dataset into the initial hidden states of the GNN, keyed by rule name.
//
// For each rule whose node set has features in the `selection`, the sampled node
// indices are used to gather the corresponding rows of the frozen feature tables
// (see [UploadFeatures]), concatenated on the last axis. Node sets without
// selected features get a learnable embedding table if [ParamLatentEmbedSize] is
// set, or start purely latent (nil state) otherwise.
//
// It returns the inputs it did not consume -- e.g. label tensors appended by the
// dataset.
func FeaturePreprocessing(ctx *context.Context, strategy *sampler.Strategy, selection FeatureSelection, inputs []*Node) (
	graphStates map[string]*sampler.ValueMask[*Node], remainingInputs []*Node) {
	g := inputs[0].Graph()
	graphStates, remainingInputs = sampler.MapInputsToStates[*Node](strategy, inputs)
	dtype := DTypeFromContext(ctx)
	dtypeEmbed := dtype
	if dtype == dtypes.Float16 || dtype == dtypes.BFloat16 {
		// Gathers (and the scatters of their auto-differentiation) are slow on
		// 16-bit dtypes on most accelerators, so the embedding lookups stay in
		// Float32 and only the result is converted.
		dtypeEmbed = dtypes.Float32
	}

	// Learnable embeddings shouldn't be initialized with GlorotUniform, but with
	// small random uniform values. Scope checking is disabled because every rule
	// over the same node set shares the same table.
	ctxEmbed := ctx.In("embeddings").Checked(false).
		WithInitializer(initializers.RandomUniformFn(ctx, -0.05, 0.05))
	embedDropoutRate := context.GetParamOr(ctx, ParamEmbedDropoutRate, 0.0)

	for name, rule := range strategy.Rules {
		state := graphStates[name]
		featureNames := selection[rule.NodeSetName]
		if len(featureNames) == 0 {
			ctxNodeSet := ctxEmbed.In(rule.NodeSetName)
			embedSize := context.GetParamOr(ctxNodeSet, ParamLatentEmbedSize, 0)
			if embedSize == 0 {
				// Purely latent: no information by itself, everything is propagated
				// through the graph. The mask is left unchanged.
				state.Value = nil
				continue
			}
			embedded := embedNodeIndices(ctxNodeSet, state, int(rule.NumNodes), embedSize, dtypeEmbed, embedDropoutRate)
			state.Value = ConvertDType(embedded, dtype)
			continue
		}
		parts := make([]*Node, 0, len(featureNames))
		indices := InsertAxes(state.Value, -1)
		for _, featureName := range featureNames {
			table := featureTable(ctx, g, rule.NodeSetName, featureName)
			gathered := Gather(table, indices)
			if gathered.Rank() == indices.Rank()-1 {
				// Scalar (rank-1) feature tables gather to one value per node.
				gathered = InsertAxes(gathered, -1)
			}
			parts = append(parts, ConvertDType(gathered, dtype))
		}
		state.Value = Concatenate(parts, -1)
	}
	return
}

// embedNodeIndices looks up a learnable embedding for the sampled node indices of
// a rule, masking out the padded entries.
func embedNodeIndices(ctx *context.Context, state *sampler.ValueMask[*Node], numNodes, embedSize int,
	dtypeEmbed dtypes.DType, embedDropoutRate float64) *Node {
	embedded := layers.Embedding(ctx, state.Value, dtypeEmbed, numNodes, embedSize, false)
	if state.Mask != nil {
		mask := state.Mask
		if embedDropoutRate > 0 {
			mask = layers.DropoutStatic(ctx, mask, embedDropoutRate)
		}
		embedded = Where(mask, embedded, ZerosLike(embedded))
	}
	return embedded
}
