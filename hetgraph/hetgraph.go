// Package hetgraph holds large heterogeneous graphs in memory, as a collection of
// named node sets and edge sets.
//
// Node sets are dense: a node set with count N has valid indices 0 to N-1. Features
// can be attached to node sets as tensors whose leading dimension is the node count.
//
// Edge sets are stored in a compact CSR-like form (see [EdgeSet]), ordered by source
// node, which allows O(1) lookup of the targets of any source node -- the layout the
// subgraph sampler needs.
//
// A [Graph] can be saved and loaded with gob, features included, so conversion of a
// dataset (see the ogb sub-packages) needs to happen only once.
package hetgraph

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// NodeSet is a dense collection of nodes of one type: indices from 0 to Count-1 are
// all valid. Features are row-aligned to the node indices.
type NodeSet struct {
	Name  string
	Count int32

	// Features maps a feature name to a tensor whose leading dimension is Count.
	Features map[string]*tensors.Tensor
}

// EdgeSet connects nodes of the Source node set to nodes of the Target node set.
//
// Starts has one entry per source node (shifted by 1): the targets of source node
// `i` are `Targets[Starts[i-1]:Starts[i]]`, with the start taken as 0 for `i == 0`.
// A source node with no edges has an empty range. The number of source nodes is
// `len(Starts)`.
type EdgeSet struct {
	Name, Source, Target string

	// TargetCount is the total number of nodes of the target node set, including
	// nodes never referenced by an edge.
	TargetCount int32

	Starts  []int32
	Targets []int32
}

// NumSourceNodes of the source node set, including nodes without edges.
func (es *EdgeSet) NumSourceNodes() int { return len(es.Starts) }

// NumTargetNodes of the target node set, including nodes never referenced.
func (es *EdgeSet) NumTargetNodes() int { return int(es.TargetCount) }

// NumEdges in this edge set.
func (es *EdgeSet) NumEdges() int { return len(es.Targets) }

// TargetsOfSource returns the target nodes connected to the given source node.
// The returned slice aliases the EdgeSet storage, don't modify it.
func (es *EdgeSet) TargetsOfSource(src int32) []int32 {
	if src < 0 || int(src) >= len(es.Starts) {
		Panicf("invalid source node (%q) index %d for edge set %q (only %d source nodes)",
			es.Source, src, es.Name, len(es.Starts))
	}
	var start int32
	if src > 0 {
		start = es.Starts[src-1]
	}
	return es.Targets[start:es.Starts[src]]
}

// OutDegree of the given source node.
func (es *EdgeSet) OutDegree(src int32) int32 {
	return int32(len(es.TargetsOfSource(src)))
}

// Graph is a heterogeneous graph: named node sets and the edge sets connecting them.
//
// Build it with [New], [Graph.AddNodeSet] and [Graph.AddEdgeSet]. Once a sampler
// strategy is created on top of it, the graph is frozen and can no longer change.
type Graph struct {
	NodeSets map[string]*NodeSet
	EdgeSets map[string]*EdgeSet

	// Frozen is set when a sampler takes ownership of the graph topology.
	Frozen bool
}

// New creates a new empty Graph.
func New() *Graph {
	return &Graph{
		NodeSets: make(map[string]*NodeSet),
		EdgeSets: make(map[string]*EdgeSet),
	}
}

// AddNodeSet adds a dense node set with the given name and count, and returns it.
// All indices from 0 to count-1 are considered valid nodes.
//
// Sparse node sets (arbitrary int64 or string ids) are not supported: re-index them
// densely during dataset conversion.
func (g *Graph) AddNodeSet(name string, count int) *NodeSet {
	if g.Frozen {
		Panicf("Graph is frozen (a sampler strategy was created on it), cannot add node set %q", name)
	}
	if count > math.MaxInt32 {
		Panicf("graphs use int32 indices, node set %q count of %d is larger than the max possible", name, count)
	}
	if count <= 0 {
		Panicf("count of %d for node set %q invalid, it must be > 0", count, name)
	}
	if _, found := g.NodeSets[name]; found {
		Panicf("node set %q already exists", name)
	}
	ns := &NodeSet{
		Name:     name,
		Count:    int32(count),
		Features: make(map[string]*tensors.Tensor),
	}
	g.NodeSets[name] = ns
	return ns
}

// SetFeature attaches a feature tensor to the node set. The tensor's leading
// dimension must match the node set count. Replaces any previous feature with
// the same name.
func (ns *NodeSet) SetFeature(name string, t *tensors.Tensor) {
	if t.Rank() < 1 || t.Shape().Dimensions[0] != int(ns.Count) {
		Panicf("feature %q for node set %q must have leading dimension %d, got shape %s",
			name, ns.Name, ns.Count, t.Shape())
	}
	ns.Features[name] = t
}

// Feature returns the named feature tensor, or panics if not set.
func (ns *NodeSet) Feature(name string) *tensors.Tensor {
	t, found := ns.Features[name]
	if !found {
		Panicf("node set %q has no feature %q (features: %v)", ns.Name, name, maps.Keys(ns.Features))
	}
	return t
}

// AddEdgeSet adds an edge set connecting the source to the target node set, both of
// which must have been added with AddNodeSet already.
//
// The edges are given as `pairs`, a tensor shaped `(Int32)[N, 2]` of (source,
// target) node indices. Its contents are sorted in place by the source column (or
// target column if reverse), but no information is lost.
//
// If `reverse` is true the sampling direction of the edges is inverted: the pairs
// and the `source`/`target` arguments are still given in the original orientation,
// and are swapped internally. This is how the reverse version of an edge set
// ("written_by" out of "writes") is registered without duplicating the pair data.
func (g *Graph) AddEdgeSet(name, source, target string, pairs *tensors.Tensor, reverse bool) {
	if g.Frozen {
		Panicf("Graph is frozen (a sampler strategy was created on it), cannot add edge set %q", name)
	}
	if _, found := g.EdgeSets[name]; found {
		Panicf("edge set %q already exists", name)
	}
	if pairs.Rank() != 2 || pairs.DType() != dtypes.Int32 ||
		pairs.Shape().Dimensions[1] != 2 || pairs.Shape().Dimensions[0] == 0 {
		Panicf("invalid shape %s for edge pairs of %q: it must be shaped like (Int32)[N, 2]",
			pairs.Shape(), name)
	}
	srcSet, found := g.NodeSets[source]
	if !found {
		Panicf("unknown source node set %q for edge set %q", source, name)
	}
	tgtSet, found := g.NodeSets[target]
	if !found {
		Panicf("unknown target node set %q for edge set %q", target, name)
	}

	countSource, countTarget := srcSet.Count, tgtSet.Count
	columnSrc, columnTgt := 0, 1
	if reverse {
		columnSrc, columnTgt = 1, 0
		countSource, countTarget = countTarget, countSource
		source, target = target, source
	}

	tensors.MutableFlatData[int32](pairs, func(pairsData []int32) {
		sort.Sort(&pairsSorter{data: pairsData, sortColumn: columnSrc})

		numEdges := int32(len(pairsData) / 2)
		es := &EdgeSet{
			Name:        name,
			Source:      source,
			Target:      target,
			TargetCount: countTarget,
			Starts:      make([]int32, countSource),
			Targets:     make([]int32, numEdges),
		}
		currentSrc := int32(0)
		for row := int32(0); row < numEdges; row++ {
			src := pairsData[row<<1+int32(columnSrc)]
			tgt := pairsData[row<<1+int32(columnTgt)]
			if src < 0 || src >= countSource {
				Panicf("edge set %q has an edge with source index %d, but node set %q only has %d nodes",
					name, src, source, countSource)
			}
			if tgt < 0 || tgt >= countTarget {
				Panicf("edge set %q has an edge with target index %d, but node set %q only has %d nodes",
					name, tgt, target, countTarget)
			}
			es.Targets[row] = tgt
			for currentSrc < src {
				es.Starts[currentSrc] = row
				currentSrc++
			}
		}
		for ; currentSrc < countSource; currentSrc++ {
			es.Starts[currentSrc] = numEdges
		}
		g.EdgeSets[name] = es
	})
}

// pairsSorter sorts an (Int32)[N, 2] flat tensor of edge pairs by one of its columns.
type pairsSorter struct {
	data       []int32
	sortColumn int
}

func (p *pairsSorter) Len() int { return len(p.data) / 2 }
func (p *pairsSorter) Less(i, j int) bool {
	return p.data[i<<1+p.sortColumn] < p.data[j<<1+p.sortColumn]
}
func (p *pairsSorter) Swap(i, j int) {
	for column := 0; column < 2; column++ {
		p.data[i<<1+column], p.data[j<<1+column] = p.data[j<<1+column], p.data[i<<1+column]
	}
}

// String returns a multi-line description of the graph with humanized counts.
func (g *Graph) String() string {
	parts := make([]string, 0, 1+len(g.NodeSets)+len(g.EdgeSets))
	var frozenDesc string
	if g.Frozen {
		frozenDesc = ", frozen"
	}
	parts = append(parts, fmt.Sprintf("Graph: %d node sets, %d edge sets%s",
		len(g.NodeSets), len(g.EdgeSets), frozenDesc))
	for _, name := range sortedKeys(g.NodeSets) {
		ns := g.NodeSets[name]
		desc := fmt.Sprintf("\tNodeSet %q: %s nodes", name, humanize.Comma(int64(ns.Count)))
		if len(ns.Features) > 0 {
			featParts := make([]string, 0, len(ns.Features))
			for _, featName := range sortedKeys(ns.Features) {
				featParts = append(featParts, fmt.Sprintf("%s=%s", featName, ns.Features[featName].Shape()))
			}
			desc += fmt.Sprintf(", features: %s", strings.Join(featParts, ", "))
		}
		parts = append(parts, desc)
	}
	for _, name := range sortedKeys(g.EdgeSets) {
		es := g.EdgeSets[name]
		parts = append(parts, fmt.Sprintf("\tEdgeSet %q: [%q]->[%q], %s edges",
			name, es.Source, es.Target, humanize.Comma(int64(es.NumEdges()))))
	}
	return strings.Join(parts, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// DegreeHistogram counts source nodes of the edge set by out-degree, in power-of-two
// buckets: [0], [1], [2,3], [4,7], ... The second result holds the bucket labels.
func (g *Graph) DegreeHistogram(edgeSet string) (counts []int, labels []string) {
	es, found := g.EdgeSets[edgeSet]
	if !found {
		Panicf("unknown edge set %q (edge sets: %v)", edgeSet, maps.Keys(g.EdgeSets))
	}
	bucketOf := func(degree int32) int {
		if degree == 0 {
			return 0
		}
		return 1 + int(math.Ilogb(float64(degree)))
	}
	var maxBucket int
	for src := range es.Starts {
		maxBucket = max(maxBucket, bucketOf(es.OutDegree(int32(src))))
	}
	counts = make([]int, maxBucket+1)
	for src := range es.Starts {
		counts[bucketOf(es.OutDegree(int32(src)))]++
	}
	labels = make([]string, maxBucket+1)
	for b := range labels {
		switch b {
		case 0:
			labels[0] = "0"
		case 1:
			labels[1] = "1"
		default:
			labels[b] = fmt.Sprintf("%d-%d", 1<<(b-1), 1<<b-1)
		}
	}
	return
}

// gobNodeSet is the wire form of a NodeSet. The live NodeSet cannot be gob-encoded
// directly: tensors.Tensor has no exported fields, and gob rejects types with an
// unencodable field even when its value is nil. Feature tensors are serialized
// separately with tensors.GobSerialize, in the order of Features.
type gobNodeSet struct {
	Name     string
	Count    int32
	Features []string
}

// gobGraph is the wire form of a Graph. EdgeSet is plain data and travels as is.
type gobGraph struct {
	NodeSets map[string]*gobNodeSet
	EdgeSets map[string]*EdgeSet
}

// Save the graph to the given file, topology and features included.
func (g *Graph) Save(filePath string) (err error) {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save Graph", filePath)
	}
	enc := gob.NewEncoder(f)

	wire := gobGraph{
		NodeSets: make(map[string]*gobNodeSet, len(g.NodeSets)),
		EdgeSets: g.EdgeSets,
	}
	for name, ns := range g.NodeSets {
		wire.NodeSets[name] = &gobNodeSet{Name: ns.Name, Count: ns.Count, Features: sortedKeys(ns.Features)}
	}
	if err = enc.Encode(&wire); err != nil {
		return errors.WithMessagef(err, "encoding Graph to save to %q", filePath)
	}
	for _, name := range sortedKeys(g.NodeSets) {
		ns := g.NodeSets[name]
		for _, featName := range wire.NodeSets[name].Features {
			if err = ns.Features[featName].GobSerialize(enc); err != nil {
				return errors.WithMessagef(err, "encoding feature %q of node set %q to %q",
					featName, name, filePath)
			}
		}
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q after saving Graph", filePath)
	}
	return nil
}

// Load a graph previously saved with [Graph.Save].
// If filePath doesn't exist, it returns an error that can be checked with [os.IsNotExist].
func Load(filePath string) (g *Graph, err error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, errors.Wrapf(err, "opening %q to load Graph", filePath)
	}
	defer func() { _ = f.Close() }()
	dec := gob.NewDecoder(f)
	var wire gobGraph
	if err = dec.Decode(&wire); err != nil {
		return nil, errors.Wrapf(err, "decoding Graph from %q", filePath)
	}
	g = &Graph{
		NodeSets: make(map[string]*NodeSet, len(wire.NodeSets)),
		EdgeSets: wire.EdgeSets,
	}
	if g.EdgeSets == nil {
		g.EdgeSets = make(map[string]*EdgeSet)
	}
	for _, name := range sortedKeys(wire.NodeSets) {
		w := wire.NodeSets[name]
		ns := &NodeSet{
			Name:     w.Name,
			Count:    w.Count,
			Features: make(map[string]*tensors.Tensor, len(w.Features)),
		}
		for _, featName := range w.Features {
			t, err := tensors.GobDeserialize(dec)
			if err != nil {
				return nil, errors.WithMessagef(err, "decoding feature %q of node set %q from %q",
					featName, name, filePath)
			}
			ns.Features[featName] = t
		}
		g.NodeSets[name] = ns
	}
	return g, nil
}
