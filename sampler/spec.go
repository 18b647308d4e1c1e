package sampler

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Spec is the serializable form of a [Strategy]: the rule tree without the graph
// or the seed candidate subsets. It is stored in the header of sampled record
// files (see the records package), so offline training can rebuild the tree shape
// without the original graph.
//
// All fields are exported for gob.
type Spec struct {
	KeepDegrees bool

	// Rules in strategy order: seeds first, then depth-first dependents.
	Rules []RuleSpec
}

// RuleSpec is the serializable form of a [Rule].
type RuleSpec struct {
	Name        string
	NodeSetName string
	NumNodes    int32

	// SourceRule is empty for seed rules.
	SourceRule string

	// EdgeSetName is empty for seed and identity rules.
	EdgeSetName string

	// Identity marks identity sub-rules (Count is 1 for those).
	Identity bool

	Count int

	ConvKernelScopeName   string
	UpdateKernelScopeName string
}

// Spec extracts the serializable spec of the strategy.
func (strategy *Strategy) Spec() *Spec {
	spec := &Spec{
		KeepDegrees: strategy.KeepDegrees,
		Rules:       make([]RuleSpec, 0, len(strategy.Rules)),
	}
	var recurse func(rule *Rule)
	emit := func(rule *Rule) {
		rs := RuleSpec{
			Name:                  rule.Name,
			NodeSetName:           rule.NodeSetName,
			NumNodes:              rule.NumNodes,
			EdgeSetName:           rule.EdgeSetName,
			Identity:              rule.IsIdentitySubRule(),
			Count:                 rule.Count,
			ConvKernelScopeName:   rule.ConvKernelScopeName,
			UpdateKernelScopeName: rule.UpdateKernelScopeName,
		}
		if rule.SourceRule != nil {
			rs.SourceRule = rule.SourceRule.Name
		}
		spec.Rules = append(spec.Rules, rs)
	}
	recurse = func(rule *Rule) {
		for _, sub := range rule.Dependents {
			emit(sub)
			recurse(sub)
		}
	}
	for _, seed := range strategy.Seeds {
		emit(seed)
		recurse(seed)
	}
	return spec
}

// NewStrategy rebuilds a detached [Strategy] from the spec: the rule tree with
// shapes and kernel scopes, but no graph attached. A detached strategy can be used
// as the model-building spec for offline training on record files, but it cannot
// sample -- [Strategy.NewDataset] panics on it.
func (spec *Spec) NewStrategy() *Strategy {
	strategy := &Strategy{
		Rules:       make(map[string]*Rule, len(spec.Rules)),
		KeepDegrees: spec.KeepDegrees,
		frozen:      true,
	}
	for _, rs := range spec.Rules {
		rule := &Rule{
			Strategy:              strategy,
			Name:                  rs.Name,
			NodeSetName:           rs.NodeSetName,
			NumNodes:              rs.NumNodes,
			EdgeSetName:           rs.EdgeSetName,
			Count:                 rs.Count,
			ConvKernelScopeName:   rs.ConvKernelScopeName,
			UpdateKernelScopeName: rs.UpdateKernelScopeName,
		}
		if rs.SourceRule == "" {
			rule.Shape = shapes.Make(dtypes.Int32, rs.Count)
			strategy.Seeds = append(strategy.Seeds, rule)
		} else {
			source, found := strategy.Rules[rs.SourceRule]
			if !found {
				Panicf("spec rule %q references source rule %q that was not defined before it", rs.Name, rs.SourceRule)
			}
			dims := append(append([]int{}, source.Shape.Dimensions...), rs.Count)
			rule.Shape = shapes.Make(dtypes.Int32, dims...)
			rule.SourceRule = source
			source.Dependents = append(source.Dependents, rule)
		}
		if _, found := strategy.Rules[rs.Name]; found {
			Panicf("spec defines rule %q twice", rs.Name)
		}
		strategy.Rules[rs.Name] = rule
	}
	return strategy
}
