// Package sampler dynamically samples fixed-shape subgraphs ("sampling trees") out
// of a [hetgraph.Graph], to be used in GNNs.
//
// It always samples the same number of nodes per rule, padding whenever there are
// not enough elements to sample from. This way the resulting tensors always have
// the same shape -- required by XLA. Index 0 ([PaddingIndex]) is used for padding,
// and since 0 is also a valid node index, one must always check the mask tensors
// that accompany every sampled value tensor.
//
// There are three phases:
//
// (1) Build (or load) the full graph, with the hetgraph package:
//
//	g := hetgraph.New()
//	g.AddNodeSet("papers", numPapers)
//	g.AddNodeSet("authors", numAuthors)
//	g.AddEdgeSet("writes", "authors", "papers", edgesWrites, false)
//	g.AddEdgeSet("written_by", "authors", "papers", edgesWrites, true)
//
// (2) Create a strategy, a tree of sampling rules rooted on the seed nodes:
//
//	strategy := sampler.NewStrategy(g)
//	seeds := strategy.NodesFromSet("seeds", "papers", batchSize, trainSplit)
//	citations := seeds.FromEdges("citations", "cites", 8)
//	authors := seeds.FromEdges("authors", "written_by", 8)
//
// (3) Create datasets from the strategy and sample from them -- see [Strategy.NewDataset].
// The `spec` yielded by the dataset is the *Strategy itself, and
// [MapInputsToStates] converts the flat yielded tensors back to named
// value/mask pairs.
package sampler

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// PaddingIndex is used for all sampling not fulfilled. Notice 0 is also a valid
// node index, always use the accompanying mask to check whether a value is padding.
const PaddingIndex = 0

// Strategy defines what and how to sample out of a graph, as a tree of [Rule]s.
//
// Create it with [NewStrategy] -- which freezes the underlying graph topology --
// and add seed rules with [Strategy.Nodes] or [Strategy.NodesFromSet], expansions
// with [Rule.FromEdges]. Typically one creates one strategy per dataset split
// (train, validation, test), all over the same graph.
//
// Once a dataset is created from the strategy (see [Strategy.NewDataset]) the
// strategy itself is frozen and can no longer be changed.
type Strategy struct {
	// Graph the strategy samples from. It is nil for detached strategies
	// reconstructed from a [Spec] -- those describe the tree for model building,
	// but cannot sample.
	Graph *hetgraph.Graph

	// Rules map rule names to rules. It includes the Seeds.
	Rules map[string]*Rule

	// Seeds are the root rules, in creation order.
	Seeds []*Rule

	// KeepDegrees makes datasets also yield, for every edge expansion, the true
	// degree of each source node as an extra `(Int32)[..., 1]` tensor. Pooling
	// layers can use it to scale sums. It must be set before any rule dataset is
	// created.
	KeepDegrees bool

	frozen bool
}

// Rule defines one node of the sampling strategy tree.
//
// Seed rules (see [Rule.IsNode]) sample their nodes directly from a node set, or
// from a subset of it. Edge rules sample, for each node sampled by their source
// rule, a fixed number of its targets across one edge set.
type Rule struct {
	Strategy *Strategy

	// Name of the rule, unique within the strategy.
	Name string

	// NodeSetName of the nodes this rule samples.
	NodeSetName string

	// NumNodes is the total count of the node set.
	NumNodes int32

	// SourceRule this rule expands from, or nil for seed rules.
	SourceRule *Rule

	// Dependents are the rules expanding from this one, in creation order.
	Dependents []*Rule

	// EdgeSetName and EdgeSet used by edge rules. EdgeSet is nil on seed rules
	// and on detached strategies.
	EdgeSetName string
	EdgeSet     *hetgraph.EdgeSet

	// Count of nodes to sample. It defines the last dimension of Shape.
	Count int

	// Shape of the sampled value tensor: the source rule dimensions plus Count.
	// The mask tensor has the same dimensions with dtype Bool.
	Shape shapes.Shape

	// NodeSet optionally restricts a seed rule to a subset of valid node indices,
	// e.g. a train/validation/test split.
	NodeSet []int32

	// ConvKernelScopeName and UpdateKernelScopeName are the context scopes a GNN
	// uses for this rule's convolution and state-update kernels. They default to
	// a scope derived from the rule name; point them at another rule's scope to
	// share kernels across equivalent branches of the tree.
	ConvKernelScopeName   string
	UpdateKernelScopeName string
}

// NewStrategy creates an empty strategy over the graph, freezing the graph topology.
// Multiple strategies can be created over the same graph.
func NewStrategy(g *hetgraph.Graph) *Strategy {
	g.Frozen = true
	return &Strategy{
		Graph: g,
		Rules: make(map[string]*Rule),
	}
}

// IsNode returns whether this is a seed (root) rule, sampled from a node set as
// opposed to sampled from the edges of another rule.
func (r *Rule) IsNode() bool { return r.SourceRule == nil }

// IsIdentitySubRule returns whether this rule is an identity projection of its
// source rule -- see [Rule.IdentitySubRule].
func (r *Rule) IsIdentitySubRule() bool { return r.SourceRule != nil && r.EdgeSetName == "" }

// String returns an informative description of the rule.
func (r *Rule) String() string {
	if r.IsNode() {
		var subsetDesc string
		if r.NodeSet != nil {
			subsetDesc = fmt.Sprintf(", subset.size=%d", len(r.NodeSet))
		}
		return fmt.Sprintf("Rule %q: seed, nodeSet=%q, shape=%s%s", r.Name, r.NodeSetName, r.Shape, subsetDesc)
	}
	if r.IsIdentitySubRule() {
		return fmt.Sprintf("Rule %q: identity, nodeSet=%q, shape=%s, sourceRule=%q",
			r.Name, r.NodeSetName, r.Shape, r.SourceRule.Name)
	}
	return fmt.Sprintf("Rule %q: edge, nodeSet=%q, shape=%s, sourceRule=%q, edgeSet=%q",
		r.Name, r.NodeSetName, r.Shape, r.SourceRule.Name, r.EdgeSetName)
}

func (strategy *Strategy) checkMutable(name string) {
	if strategy.frozen {
		Panicf("strategy is frozen (a dataset was already created with NewDataset), cannot add rule %q", name)
	}
	if prev, found := strategy.Rules[name]; found {
		Panicf("rule named %q already exists: %s", name, prev)
	}
}

// Nodes creates a seed rule named `name` that samples `count` nodes from the given
// node set. When used for the seeds of a sampling tree, `count` is the batch size.
func (strategy *Strategy) Nodes(name, nodeSetName string, count int) *Rule {
	return strategy.NodesFromSet(name, nodeSetName, count, nil)
}

// NodesFromSet is like [Strategy.Nodes], but samples only from the node indices in
// `nodeSet` -- typically a train/validation/test split. A nil `nodeSet` samples
// from the whole node set.
func (strategy *Strategy) NodesFromSet(name, nodeSetName string, count int, nodeSet []int32) *Rule {
	strategy.checkMutable(name)
	if strategy.Graph == nil {
		Panicf("strategy is detached (reconstructed from a Spec), it cannot define new rules")
	}
	ns, found := strategy.Graph.NodeSets[nodeSetName]
	if !found {
		Panicf("unknown node set %q for rule %q", nodeSetName, name)
	}
	if count <= 0 {
		Panicf("rule %q count must be > 0, got %d", name, count)
	}
	if nodeSet != nil && len(nodeSet) == 0 {
		Panicf("rule %q given an empty node subset of node set %q -- there is nothing to sample; "+
			"pass nil to sample from the whole node set", name, nodeSetName)
	}
	for _, idx := range nodeSet {
		if idx < 0 || idx >= ns.Count {
			Panicf("rule %q given a node subset with index %d out of range for node set %q (%d nodes)",
				name, idx, nodeSetName, ns.Count)
		}
	}
	r := &Rule{
		Strategy:    strategy,
		Name:        name,
		NodeSetName: nodeSetName,
		NumNodes:    ns.Count,
		Count:       count,
		Shape:       shapes.Make(dtypes.Int32, count),
		NodeSet:     nodeSet,
	}
	r.setDefaultScopeNames()
	strategy.Rules[name] = r
	strategy.Seeds = append(strategy.Seeds, r)
	return r
}

// FromEdges creates a rule named `name` that samples, for each node sampled by `r`,
// up to `count` of its targets across the given edge set, randomly without
// replacement. Nodes with fewer than `count` targets get all of them, the rest of
// the row padded and masked out.
func (r *Rule) FromEdges(name, edgeSetName string, count int) *Rule {
	strategy := r.Strategy
	strategy.checkMutable(name)
	if strategy.Graph == nil {
		Panicf("strategy is detached (reconstructed from a Spec), it cannot define new rules")
	}
	es, found := strategy.Graph.EdgeSets[edgeSetName]
	if !found {
		Panicf("unknown edge set %q for rule %q", edgeSetName, name)
	}
	if es.Source != r.NodeSetName {
		Panicf("edge set %q samples from node set %q, but rule %q samples nodes of %q",
			edgeSetName, es.Source, r.Name, r.NodeSetName)
	}
	if count <= 0 {
		Panicf("rule %q count must be > 0, got %d", name, count)
	}
	dims := append(append([]int{}, r.Shape.Dimensions...), count)
	sub := &Rule{
		Strategy:    strategy,
		Name:        name,
		NodeSetName: es.Target,
		NumNodes:    int32(es.NumTargetNodes()),
		SourceRule:  r,
		EdgeSetName: edgeSetName,
		EdgeSet:     es,
		Count:       count,
		Shape:       shapes.Make(dtypes.Int32, dims...),
	}
	sub.setDefaultScopeNames()
	strategy.Rules[name] = sub
	r.Dependents = append(r.Dependents, sub)
	return sub
}

// IdentitySubRule creates a rule that repeats the nodes of `r` with an extra axis
// of dimension 1. It samples nothing new: it allows the GNN to treat the seed
// state update with the same kernel shapes as any other edge expansion, enabling
// kernel sharing across branches.
func (r *Rule) IdentitySubRule(name string) *Rule {
	strategy := r.Strategy
	strategy.checkMutable(name)
	dims := append(append([]int{}, r.Shape.Dimensions...), 1)
	sub := &Rule{
		Strategy:    strategy,
		Name:        name,
		NodeSetName: r.NodeSetName,
		NumNodes:    r.NumNodes,
		SourceRule:  r,
		Count:       1,
		Shape:       shapes.Make(dtypes.Int32, dims...),
	}
	sub.setDefaultScopeNames()
	strategy.Rules[name] = sub
	r.Dependents = append(r.Dependents, sub)
	return sub
}

// WithKernelScopeName sets the convolution kernel scope of the rule, usually to
// share kernels with an equivalent rule in another branch. Returns the rule to
// allow cascading calls.
func (r *Rule) WithKernelScopeName(scope string) *Rule {
	r.ConvKernelScopeName = scope
	return r
}

func (r *Rule) setDefaultScopeNames() {
	r.ConvKernelScopeName = "gnn:" + r.Name
	r.UpdateKernelScopeName = "gnn:" + r.Name
}

// String returns a multi-line description of the strategy rule tree.
func (strategy *Strategy) String() string {
	parts := make([]string, 0, 1+len(strategy.Rules))
	var frozenDesc string
	if strategy.frozen {
		frozenDesc = ", frozen"
	}
	if strategy.KeepDegrees {
		frozenDesc += ", keep-degrees"
	}
	parts = append(parts, fmt.Sprintf("Sampling strategy: %d rules%s", len(strategy.Rules), frozenDesc))
	for _, seed := range strategy.Seeds {
		parts = appendRulesRecursively(parts, seed, 1)
	}
	return strings.Join(parts, "\n")
}

func appendRulesRecursively(parts []string, rule *Rule, indent int) []string {
	parts = append(parts, fmt.Sprintf("%s> %s", strings.Repeat("  ", indent), rule))
	for _, sub := range rule.Dependents {
		parts = appendRulesRecursively(parts, sub, indent+1)
	}
	return parts
}

// NameForNodeDependentDegree returns the name of the input that holds the degrees
// of the edges from the rule to the given dependent rule, when
// [Strategy.KeepDegrees] is set.
func NameForNodeDependentDegree(ruleName, dependentName string) string {
	return fmt.Sprintf("[%s->%s].degree", ruleName, dependentName)
}

// InputNames returns, in order, the names of the tensors yielded by the strategy's
// datasets: for each rule (seeds first, then depth-first on dependents) its value
// and mask, plus one degree tensor per edge expansion if KeepDegrees is set.
func (strategy *Strategy) InputNames() []string {
	names := make([]string, 0, strategy.NumInputs())
	for _, seed := range strategy.Seeds {
		names = append(names, seed.Name, seed.Name+".mask")
		names = appendInputNamesRecursively(names, seed, strategy.KeepDegrees)
	}
	return names
}

func appendInputNamesRecursively(names []string, rule *Rule, keepDegrees bool) []string {
	for _, sub := range rule.Dependents {
		names = append(names, sub.Name, sub.Name+".mask")
		if keepDegrees {
			names = append(names, NameForNodeDependentDegree(rule.Name, sub.Name))
		}
		names = appendInputNamesRecursively(names, sub, keepDegrees)
	}
	return names
}

// NumInputs returns the number of tensors yielded per example by the strategy's
// datasets.
func (strategy *Strategy) NumInputs() int {
	n := 2 * len(strategy.Rules)
	if strategy.KeepDegrees {
		n += len(strategy.Rules) - len(strategy.Seeds)
	}
	return n
}

// MapInputsToStates maps the flat inputs yielded by a strategy dataset back to
// named value/mask pairs, keyed by rule name -- degree tensors are keyed by
// [NameForNodeDependentDegree] with a nil mask. It works both for tensors
// (`*tensors.Tensor`) and graph nodes (`*graph.Node`).
//
// It returns the inputs it did not consume -- e.g. label tensors appended by a
// dataset transformation.
func MapInputsToStates[T any](strategy *Strategy, inputs []T) (states map[string]*ValueMask[T], remaining []T) {
	if len(inputs) < strategy.NumInputs() {
		Panicf("strategy yields %d tensors per example, got only %d inputs", strategy.NumInputs(), len(inputs))
	}
	states = make(map[string]*ValueMask[T], len(strategy.Rules))
	pos := 0
	take := func() T {
		v := inputs[pos]
		pos++
		return v
	}
	var recurse func(rule *Rule)
	recurse = func(rule *Rule) {
		for _, sub := range rule.Dependents {
			states[sub.Name] = &ValueMask[T]{Value: take(), Mask: take()}
			if strategy.KeepDegrees {
				states[NameForNodeDependentDegree(rule.Name, sub.Name)] = &ValueMask[T]{Value: take()}
			}
			recurse(sub)
		}
	}
	for _, seed := range strategy.Seeds {
		states[seed.Name] = &ValueMask[T]{Value: take(), Mask: take()}
		recurse(seed)
	}
	return states, inputs[pos:]
}
