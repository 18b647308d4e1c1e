// Package specfile loads sampling strategy definitions from HCL files.
//
// A spec file declares the sampling tree that the graph_sampler command (and
// anyone else) builds a [sampler.Strategy] from:
//
//	keep_degrees = true
//
//	seeds "papers" {
//	  node_set = "papers"
//	  count    = 128
//	  split    = "train"
//	}
//
//	expand "citations" {
//	  from     = "papers"
//	  edge_set = "cites"
//	  count    = 8
//	}
//
//	expand "citationsAuthors" {
//	  from         = "citations"
//	  edge_set     = "written_by"
//	  count        = 4
//	  kernel_scope = "gnn:authors"
//	}
//
//	identity "papersBase" {
//	  from = "papers"
//	}
//
// Blocks may appear in any order, but an `expand` or `identity` block must name a
// `from` rule defined by another block. The optional `split` attribute of a seed
// block selects a node subset by name, resolved against the splits map given to
// [File.Build].
package specfile

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gnnkit/hetgraph"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/pkg/errors"
)

// File is the decoded form of a sampling spec file.
type File struct {
	// KeepDegrees corresponds to [sampler.Strategy.KeepDegrees].
	KeepDegrees bool `hcl:"keep_degrees,optional"`

	Seeds      []*SeedBlock     `hcl:"seeds,block"`
	Expands    []*ExpandBlock   `hcl:"expand,block"`
	Identities []*IdentityBlock `hcl:"identity,block"`
}

// SeedBlock declares a seed rule: `count` nodes sampled from a node set, or from
// one of its named splits.
type SeedBlock struct {
	Name    string `hcl:"name,label"`
	NodeSet string `hcl:"node_set"`
	Count   int    `hcl:"count"`
	Split   string `hcl:"split,optional"`
}

// ExpandBlock declares an edge expansion rule: up to `count` targets sampled across
// an edge set, for each node sampled by the `from` rule.
type ExpandBlock struct {
	Name        string `hcl:"name,label"`
	From        string `hcl:"from"`
	EdgeSet     string `hcl:"edge_set"`
	Count       int    `hcl:"count"`
	KernelScope string `hcl:"kernel_scope,optional"`
}

// IdentityBlock declares an identity sub-rule of the `from` rule -- see
// [sampler.Rule.IdentitySubRule].
type IdentityBlock struct {
	Name        string `hcl:"name,label"`
	From        string `hcl:"from"`
	KernelScope string `hcl:"kernel_scope,optional"`
}

// Load parses the sampling spec file at the given path.
func Load(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "sampling spec file %q", path)
	}
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to parse sampling spec file %q", path)
	}
	f := &File{}
	diags = gohcl.DecodeBody(hclFile.Body, nil, f)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to decode sampling spec file %q", path)
	}
	return f, nil
}

// Parse parses a sampling spec from memory. The filename is only used in error
// messages.
func Parse(src []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to parse sampling spec %q", filename)
	}
	f := &File{}
	diags = gohcl.DecodeBody(hclFile.Body, nil, f)
	if diags.HasErrors() {
		return nil, errors.Wrapf(diags, "failed to decode sampling spec %q", filename)
	}
	return f, nil
}

// Build creates a [sampler.Strategy] over the graph from the decoded spec.
//
// Seed blocks with a `split` attribute take their candidate subset from the splits
// map -- pass nil if no block uses splits. Expansion blocks are resolved in
// dependency order, so they may be declared in any order in the file.
func (f *File) Build(g *hetgraph.Graph, splits map[string][]int32) (strategy *sampler.Strategy, err error) {
	err = exceptions.TryCatch[error](func() {
		strategy = f.build(g, splits)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "invalid sampling spec")
	}
	return strategy, nil
}

func (f *File) build(g *hetgraph.Graph, splits map[string][]int32) *sampler.Strategy {
	strategy := sampler.NewStrategy(g)
	strategy.KeepDegrees = f.KeepDegrees
	if len(f.Seeds) == 0 {
		exceptions.Panicf("sampling spec defines no seeds block")
	}
	for _, block := range f.Seeds {
		if block.Split == "" {
			strategy.Nodes(block.Name, block.NodeSet, block.Count)
			continue
		}
		subset, found := splits[block.Split]
		if !found {
			exceptions.Panicf("seeds %q selects split %q, which is not among the %d known splits",
				block.Name, block.Split, len(splits))
		}
		strategy.NodesFromSet(block.Name, block.NodeSet, block.Count, subset)
	}

	// Sub-rule blocks can reference each other in any order: loop resolving the
	// ones whose `from` rule already exists, until nothing is left (or progress
	// stalls on an unknown/cyclic reference).
	type pending struct {
		name, from, edgeSet, kernelScope string
		count                            int
		identity                         bool
	}
	remaining := make([]pending, 0, len(f.Expands)+len(f.Identities))
	for _, block := range f.Expands {
		remaining = append(remaining, pending{
			name: block.Name, from: block.From, edgeSet: block.EdgeSet,
			kernelScope: block.KernelScope, count: block.Count,
		})
	}
	for _, block := range f.Identities {
		remaining = append(remaining, pending{
			name: block.Name, from: block.From,
			kernelScope: block.KernelScope, identity: true,
		})
	}
	for len(remaining) > 0 {
		progressed := false
		next := remaining[:0]
		for _, p := range remaining {
			source, found := strategy.Rules[p.from]
			if !found {
				next = append(next, p)
				continue
			}
			var rule *sampler.Rule
			if p.identity {
				rule = source.IdentitySubRule(p.name)
			} else {
				rule = source.FromEdges(p.name, p.edgeSet, p.count)
			}
			if p.kernelScope != "" {
				rule.WithKernelScopeName(p.kernelScope)
			}
			progressed = true
		}
		remaining = next
		if !progressed {
			exceptions.Panicf("block %q references rule %q, which is not defined by any seeds/expand/identity block (or the references are cyclic)",
				remaining[0].name, remaining[0].from)
		}
	}
	return strategy
}
