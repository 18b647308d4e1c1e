// Package gnn builds GNN models over sampled subgraphs, loosely following
// [TF-GNN MtAlbis]: rounds of message passing along the sampling tree, each
// round convolving the states of the sampled nodes into their source nodes and
// updating the source states.
//
// The model structure is given by a [sampler.Strategy]; the initial node states
// come from [FeaturePreprocessing]. All hyperparameters are read from the
// context -- see the `Param...` variables -- and can be set per node set by
// scoping them under the corresponding [sampler.Rule.ConvKernelScopeName].
//
// [TF-GNN MtAlbis]: https://github.com/tensorflow/gnn/tree/main/tensorflow_gnn/models/mt_albis
package gnn

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gnnkit/sampler"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/xslices"
)

var (
	// ParamNumGraphUpdates is the context parameter that defines the number of
	// rounds of message passing ("graph updates") over the sampling tree.
	// The default is 2.
	ParamNumGraphUpdates = "gnn_num_messages"

	// ParamMessageDim context hyperparameter defines the dimension of the messages
	// calculated per edge. The default is 128.
	ParamMessageDim = "gnn_message_dim"

	// ParamStateDim context hyperparameter defines the dimension of the updated
	// hidden states per node. The default is 128.
	ParamStateDim = "gnn_node_state_dim"

	// ParamEdgeDropoutRate is applied to full edges, disabling the whole edge.
	// Default is 0.0, meaning no edge dropout.
	ParamEdgeDropoutRate = "gnn_edge_dropout_rate"

	// ParamPoolingType context hyperparameter defines how incoming messages in the
	// graph convolutions are pooled (reduced). It can take the values `mean`, `sum`,
	// `logsum` or `max`, or a combination of them separated by `|`.
	// The default is `mean|sum`.
	ParamPoolingType = "gnn_pooling_type"

	// ParamUpdateStateType context hyperparameter can take values `residual` or
	// `none`. The default is `residual`.
	ParamUpdateStateType = "gnn_update_state_type"

	// ParamUpdateNumHiddenLayers context hyperparameter defines the number of hidden
	// layers for the update kernel. The default is 0.
	ParamUpdateNumHiddenLayers = "gnn_update_num_hidden_layers"

	// ParamUsePathToRootStates context hyperparameter that if set allows each update
	// state to see the states of all nodes in its path to root.
	// Default is false.
	ParamUsePathToRootStates = "gnn_use_path_to_root"

	// ParamUseRootAsContext context hyperparameter that if set uses only the root
	// state as a context state seen by every update. Default is false.
	ParamUseRootAsContext = "gnn_use_root_as_context"

	// ParamGraphUpdateType context hyperparameter can take values `tree` or `simultaneous`.
	// Graph updates in `tree` fashion will update from the leaves all the way to the
	// seeds (the roots of the trees), for each round configured with [ParamNumGraphUpdates].
	// Graph updates in `simultaneous` fashion update all states from their dependents
	// "simultaneously": it requires [ParamNumGraphUpdates] to be at least the depth
	// of the sampling tree for the influence of the leaves to reach the roots.
	// The default is `tree`.
	ParamGraphUpdateType = "gnn_graph_update_type"
)

// NodePrediction performs graph convolutions from the leaf nodes to the seeds
// (the roots of the sampling trees), a "graph update", repeated
// [ParamNumGraphUpdates] times. After that the states of the seed nodes go
// through one extra update layer ("readout"), and the updated seed states in
// `graphStates` can be read out and converted to whatever matches the task.
//
// The `strategy` describes the convolutions and their order; `graphStates` maps
// rule names to their initial states, see [FeaturePreprocessing].
func NodePrediction(ctx *context.Context, strategy *sampler.Strategy, graphStates map[string]*sampler.ValueMask[*Node]) {
	numGraphUpdates := context.GetParamOr(ctx, ParamNumGraphUpdates, 2)
	graphUpdateType := context.GetParamOr(ctx, ParamGraphUpdateType, "tree")
	for round := range numGraphUpdates {
		switch graphUpdateType {
		case "tree":
			TreeGraphStateUpdate(ctxForGraphUpdateRound(ctx, round), strategy, graphStates)
		case "simultaneous":
			SimultaneousGraphStateUpdate(ctxForGraphUpdateRound(ctx, round), strategy, graphStates)
		default:
			Panicf("invalid value for %q: valid values are \"tree\" or \"simultaneous\"", ParamGraphUpdateType)
		}
	}
	ctxReadout := ctx.In("readout")
	for _, rule := range strategy.Seeds {
		seedState := graphStates[rule.Name]
		seedState.Value = updateState(ctxReadout.In(rule.ConvKernelScopeName), seedState.Value, seedState.Value, seedState.Mask)
	}
}

// ctxForGraphUpdateRound returns the context with scope for the given round of graph update.
func ctxForGraphUpdateRound(ctx *context.Context, n int) *context.Context {
	return ctx.In(fmt.Sprintf("graph_update_%d", n))
}

// TreeGraphStateUpdate takes `graphStates`, a map of rule names to their hidden
// states, and updates them by running graph convolutions in the reverse direction
// of the sampling rules in `strategy`, that is, from the leaves back to the roots
// of the trees -- trees rooted on the seed rules.
//
// All hyperparameters are read from the context `ctx`, and can be set for
// individual node sets by setting them in the scope `"gnn:"+rule.Name`, where
// `rule.Name` is the name of the corresponding rule in the given `strategy`.
//
// It updates all states in `graphStates` except the leaves. The masks are left
// unchanged.
func TreeGraphStateUpdate(ctx *context.Context, strategy *sampler.Strategy, graphStates map[string]*sampler.ValueMask[*Node]) {
	for _, rule := range strategy.Seeds {
		recursivelyApplyGraphConvolution(ctx, rule, nil, graphStates, true)
	}
}

// SimultaneousGraphStateUpdate executes one step of state update on all node sets
// of the graph "simultaneously". If the graph has a tree-like structure, one needs
// to call this at least `N` times, where `N` is the depth of the tree, for the
// signal to travel from the leaf nodes to the roots.
func SimultaneousGraphStateUpdate(ctx *context.Context, strategy *sampler.Strategy, graphStates map[string]*sampler.ValueMask[*Node]) {
	for _, rule := range strategy.Seeds {
		recursivelyApplyGraphConvolution(ctx, rule, nil, graphStates, false)
	}
}

func recursivelyApplyGraphConvolution(ctx *context.Context, rule *sampler.Rule,
	pathToRootStates []*Node,
	graphStates map[string]*sampler.ValueMask[*Node],
	dependentsUpdateFirst bool) {
	if rule.Name == "" || rule.ConvKernelScopeName == "" {
		Panicf("strategy's rule name=%q or kernel scope name=%q are empty, they both must be defined",
			rule.Name, rule.ConvKernelScopeName)
	}

	state, found := graphStates[rule.Name]
	if !found {
		Panicf("state for sampling rule %q not given in `graphStates`, states given: %v", rule.Name, xslices.Keys(graphStates))
	}

	// Leaf nodes are not updated.
	if len(rule.Dependents) == 0 {
		return
	}

	var subPathToRootStates []*Node
	useRootAsContext := context.GetParamOr(ctx, ParamUseRootAsContext, false)
	if context.GetParamOr(ctx, ParamUsePathToRootStates, false) || useRootAsContext {
		// subPathToRootStates is passed to the dependent rules. Each state gets a new
		// axis in between the sampling axes and the embedding axis, so it broadcasts
		// correctly at the deeper levels.
		subPathToRootStates = make([]*Node, 0, len(pathToRootStates)+1)
		for _, contextState := range pathToRootStates {
			subPathToRootStates = append(subPathToRootStates, InsertAxes(contextState, -2))
		}
		if state.Value != nil {
			// If useRootAsContext, only the root state is taken as context.
			if len(subPathToRootStates) == 0 || !useRootAsContext {
				subPathToRootStates = append(subPathToRootStates, InsertAxes(state.Value, -2))
			}
		}
	}

	// Collection of inputs used to update the current hidden state.
	var hasNewUpdateInputs bool
	updateInputs := make([]*Node, 0, len(rule.Dependents)+1+len(pathToRootStates))
	if state.Value != nil { // state.Value == nil for latent node sets, at their initial state.
		updateInputs = append(updateInputs, state.Value)
	}
	for _, contextState := range pathToRootStates {
		dims := make([]int, 0, rule.Shape.Rank()+1)
		dims = append(dims, rule.Shape.Dimensions...)
		dims = append(dims, contextState.Shape().Dimensions[contextState.Rank()-1])
		updateInputs = append(updateInputs, BroadcastToDims(contextState, dims...))
		hasNewUpdateInputs = true
	}

	// Update dependents and calculate their convolved messages: a depth-first-search
	// on the dependents.
	for _, dependent := range rule.Dependents {
		if dependentsUpdateFirst {
			recursivelyApplyGraphConvolution(ctx, dependent, subPathToRootStates, graphStates, dependentsUpdateFirst)
		}
		dependentState, found := graphStates[dependent.Name]
		if !found {
			Panicf("state for sampling rule %q not given in `graphStates`, states given: %v", dependent.Name, xslices.Keys(graphStates))
		}
		var dependentDegree *Node
		if degreePair := graphStates[sampler.NameForNodeDependentDegree(rule.Name, dependent.Name)]; degreePair != nil {
			dependentDegree = degreePair.Value
		}
		convolveCtx := ctx.In(dependent.ConvKernelScopeName).In("conv")
		if dependentState.Value != nil {
			updateInputs = append(updateInputs, convolveEdgeSet(convolveCtx, dependentState.Value, dependentState.Mask, dependentDegree))
			hasNewUpdateInputs = true
		}
		if !dependentsUpdateFirst {
			recursivelyApplyGraphConvolution(ctx, dependent, subPathToRootStates, graphStates, dependentsUpdateFirst)
		}
	}

	// Only update the state of the current rule if there was any new incoming input.
	if hasNewUpdateInputs {
		updateCtx := ctx.In(rule.UpdateKernelScopeName).In("update")
		state.Value = updateState(updateCtx, state.Value, Concatenate(updateInputs, -1), state.Mask)
	}
}

// convolveEdgeSet creates messages from the sampled states of a rule and pools
// them to the prefix dimensions of its source rule. This runs a convolution over
// the edge set that connects a Rule to its `SourceRule`.
//
// The context `ctx` must already have been properly scoped.
func convolveEdgeSet(ctx *context.Context, value, mask, degree *Node) *Node {
	messages, mask := edgeMessageGraph(ctx.In("message"), value, mask)
	return poolMessagesWithFixedShape(ctx, messages, mask, degree)
}

// edgeMessageGraph calculates the graph for messages being sent across edges.
// It takes as input the source node states already gathered for the edges: their
// shape should look like `[batch_size, ..., num_edges, source_node_state_dim]`.
func edgeMessageGraph(ctx *context.Context, gatheredStates, gatheredMask *Node) (messages, mask *Node) {
	messageDim := context.GetParamOr(ctx, ParamMessageDim, 128)
	messages = layers.DenseWithBias(ctx, gatheredStates, messageDim)
	messages = activations.ApplyFromContext(ctx, messages)

	mask = gatheredMask
	if mask != nil {
		edgeDropoutRate := context.GetParamOr(ctx, ParamEdgeDropoutRate, 0.0)
		if edgeDropoutRate > 0 {
			// Edge dropout applies to the mask: values disabled here mask the whole edge.
			mask = layers.DropoutStatic(ctx, gatheredMask, edgeDropoutRate)
		}
	}
	return
}

// poolMessagesWithFixedShape pools the messages according to [ParamPoolingType].
//
// Say `value` is shaped `[d_0, d_1, ..., d_{n-1}, d_n, e]`: `e` is the embedding
// dimension and axis `n` is reduced, so the returned shape is
// `[d_0, d_1, ..., d_{n-1}, k*e]`, where `k` is the number of pooling types
// configured. E.g.: with [ParamPoolingType] set to `mean|sum`, `k=2`.
//
// The `degree` parameter is optional; if given, the `sum` and `logsum` pooling
// scale the mean to the true degree of the source node, which corrects for the
// fixed sample size. It's expected to be shaped `[d_0, d_1, ..., d_{n-1}, 1]`.
//
// There are no training variables in this; `ctx` is only used for the
// hyperparameter configuration.
func poolMessagesWithFixedShape(ctx *context.Context, value, mask, degree *Node) *Node {
	poolTypes := context.GetParamOr(ctx, ParamPoolingType, "mean|sum")
	poolTypesList := strings.Split(poolTypes, "|")
	parts := make([]*Node, 0, len(poolTypesList))
	var pooled *Node
	for _, poolType := range poolTypesList {
		reduceAxis := value.Rank() - 2
		switch poolType {
		case "sum", "logsum":
			if degree == nil {
				pooled = MaskedReduceSum(value, mask, reduceAxis)
			} else {
				// Sum pondered by degree, that is, `mean(value)*degree`.
				pooled = MaskedReduceMean(value, mask, reduceAxis)
				pooled = Mul(pooled, ConvertDType(degree, pooled.DType()))
			}
			if poolType == "logsum" {
				pooled = MirroredLog1p(pooled)
			}
		case "mean":
			pooled = MaskedReduceMean(value, mask, reduceAxis)
		case "max":
			pooled = MaskedReduceMax(value, mask, reduceAxis)
			// Makes it 0 where every element is masked out.
			pooledMask := ReduceMax(mask, -1)
			pooled = Where(pooledMask, pooled, ZerosLike(pooled))
		default:
			Panicf("unknown graph convolution pooling type (%q) given in context: value given %q (of %q) -- valid values are sum, logsum, mean and max, or a combination of them separated by '|'",
				ParamPoolingType, poolType, poolTypes)
		}
		parts = append(parts, pooled)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Concatenate(parts, -1)
}

// updateState of a node set, given the `input` (a concatenation of the previous
// state and all pooled messages) and its `mask`. `prevState` is nil for latent
// node sets being updated for the first time.
func updateState(ctx *context.Context, prevState, input, mask *Node) *Node {
	updateType := context.GetParamOr(ctx, ParamUpdateStateType, "residual")
	if updateType != "residual" && updateType != "none" {
		Panicf("invalid GNN update type %q (given by parameter %q) -- valid values are 'residual' and 'none'",
			updateType, ParamUpdateStateType)
	}

	// Inputs, both the previous state and the pooled messages, pass through a dropout first.
	input = layers.DropoutFromContext(ctx, input)
	stateDim := context.GetParamOr(ctx, ParamStateDim, 128)
	numHiddenLayers := context.GetParamOr(ctx, ParamUpdateNumHiddenLayers, 0)
	state := input
	for ii := range numHiddenLayers {
		ctxHiddenLayer := ctx.In(fmt.Sprintf("hidden_%d", ii))
		state = layers.DenseWithBias(ctxHiddenLayer, state, stateDim)
		state = activations.ApplyFromContext(ctxHiddenLayer, state)
	}
	state = layers.DenseWithBias(ctx, state, stateDim)
	state = activations.ApplyFromContext(ctx, state)
	state = layers.DropoutFromContext(ctx, state)
	if updateType == "residual" && prevState != nil && prevState.Shape().Equal(state.Shape()) {
		state = Add(state, prevState)
	}
	state = layers.MaskedNormalizeFromContext(ctx.In("normalization"), state, mask)
	return state
}
