package sampler

import (
	"io"
	"math/rand/v2"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
)

// Dataset samples subgraphs according to a [Strategy], and implements the
// train.Dataset interface.
//
// Before the first call to [Dataset.Yield] it can be configured with the number of
// epochs, shuffling, or to loop indefinitely. The batch size is not configured
// here: it is the count of the strategy's seed rules.
//
// The Dataset is re-entrant, so it can be wrapped with data.Parallel -- except
// when seeded with [Dataset.WithSeed], which trades parallelism for reproducible
// sampling.
//
// No labels are generated, Yield returns nil labels: attach labels with a dataset
// transformation (see data.Map, or tasks.AttachLabels).
type Dataset struct {
	name                     string
	strategy                 *Strategy
	numEpochs                int
	shuffle, withReplacement bool

	// rng is set by WithSeed. When non-nil, the whole Yield runs under the mutex
	// and uses it, making sampling deterministic but serialized.
	rng *rand.Rand

	muSample                sync.Mutex
	currentEpoch            int
	frozen                  bool
	startOfEpoch, exhausted bool

	// seedsPosition indexes into each seed rule's candidates (or their shuffle).
	seedsPosition []int32

	// seedsShuffle holds the shuffled candidate seeds, when Shuffle is used.
	// Reshuffled at the start of every epoch.
	seedsShuffle [][]int32
}

// NewDataset creates a [Dataset] from the strategy. One can create multiple
// datasets from the same strategy, but once one is created the strategy is frozen
// and can no longer be modified.
func (strategy *Strategy) NewDataset(name string) *Dataset {
	if len(strategy.Seeds) == 0 {
		Panicf("cannot create a Dataset from a strategy with no seed rules -- see Strategy.Nodes and Strategy.NodesFromSet")
	}
	if strategy.Graph == nil {
		Panicf("cannot create a Dataset from a detached strategy (reconstructed from a Spec)")
	}
	strategy.frozen = true
	return &Dataset{
		name:          name,
		strategy:      strategy,
		numEpochs:     1,
		startOfEpoch:  true,
		seedsPosition: make([]int32, len(strategy.Seeds)),
	}
}

// Epochs configures the dataset to yield those many epochs. Default is 1.
//
// If there is more than one seed rule, an epoch finishes when the first of them is
// exhausted.
//
// It returns the dataset to allow cascading configuration calls.
func (ds *Dataset) Epochs(n int) *Dataset {
	ds.checkConfigurable()
	if ds.withReplacement {
		Panicf("cannot configure Epochs for a dataset configured WithReplacement")
	}
	if n <= 0 {
		Panicf("Dataset.Epochs(n) requires n > 0, got %d", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to loop over epochs indefinitely.
func (ds *Dataset) Infinite() *Dataset {
	ds.checkConfigurable()
	ds.numEpochs = -1
	return ds
}

// Shuffle configures the dataset to shuffle the seed candidates before sampling.
// They are reshuffled at every epoch, yielding random samples without replacement.
func (ds *Dataset) Shuffle() *Dataset {
	ds.checkConfigurable()
	ds.shuffle = true
	return ds
}

// WithReplacement configures the dataset to sample seeds with replacement. It
// implies Shuffle and Infinite.
func (ds *Dataset) WithReplacement() *Dataset {
	ds.checkConfigurable()
	ds.withReplacement = true
	return ds.Infinite().Shuffle()
}

// WithSeed makes all sampling deterministic, driven by a private generator seeded
// with `seed`. Deterministic datasets serialize their Yield calls, don't wrap them
// with data.Parallel.
func (ds *Dataset) WithSeed(seed uint64) *Dataset {
	ds.checkConfigurable()
	ds.rng = rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15))
	return ds
}

func (ds *Dataset) checkConfigurable() {
	if ds.frozen {
		Panicf("cannot change a Dataset that already started yielding results")
	}
}

var _ train.Dataset = &Dataset{}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the dataset after it was exhausted.
func (ds *Dataset) Reset() {
	ds.muSample.Lock()
	defer ds.muSample.Unlock()
	ds.frozen = true
	ds.startOfEpoch = true
	ds.exhausted = false
	ds.currentEpoch = 0
}

func (ds *Dataset) intN(n int) int {
	if ds.rng != nil {
		return ds.rng.IntN(n)
	}
	return rand.IntN(n)
}

// Yield implements train.Dataset. The returned spec is the *Strategy, and the
// inputs follow [Strategy.InputNames] order. Labels are nil.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	strategy := ds.strategy
	spec = strategy

	ds.muSample.Lock()
	var unlocked bool
	defer func() {
		if !unlocked {
			ds.muSample.Unlock()
		}
	}()

	if ds.exhausted {
		err = io.EOF
		return
	}
	ds.frozen = true
	if ds.startOfEpoch {
		ds.startEpoch()
	}

	// Seed sampling mutates the shared positions, it requires the lock.
	inputs = make([]*tensors.Tensor, 0, strategy.NumInputs())
	seedsTensors := make([]*tensors.Tensor, 0, 2*len(strategy.Seeds))
	for seedIdx, seedRule := range strategy.Seeds {
		seeds, mask := ds.sampleSeeds(seedIdx, seedRule)
		seedsTensors = append(seedsTensors, seeds, mask)
	}

	// Edge sampling only reads the graph. Unless deterministic, release the lock
	// so other goroutines can sample concurrently.
	if ds.rng == nil {
		ds.muSample.Unlock()
		unlocked = true
	}
	for seedIdx, seedRule := range strategy.Seeds {
		seeds, mask := seedsTensors[2*seedIdx], seedsTensors[2*seedIdx+1]
		inputs = append(inputs, seeds, mask)
		inputs = ds.recursivelySampleEdges(seedRule, seeds, mask, inputs)
	}
	return
}

// sampleSeeds returns the sampled seed indices and their mask. ds.muSample must be
// held.
func (ds *Dataset) sampleSeeds(seedIdx int, rule *Rule) (seeds, mask *tensors.Tensor) {
	seeds = tensors.FromScalarAndDimensions(int32(PaddingIndex), rule.Count)
	mask = tensors.FromScalarAndDimensions(false, rule.Count)

	tensors.MutableFlatData[int32](seeds, func(seedsData []int32) {
		tensors.MutableFlatData[bool](mask, func(maskData []bool) {
			switch {
			case ds.withReplacement:
				for ii := range rule.Count {
					maskData[ii] = true
				}
				if rule.NodeSet != nil {
					for ii := range rule.Count {
						seedsData[ii] = rule.NodeSet[ds.intN(len(rule.NodeSet))]
					}
				} else {
					for ii := range rule.Count {
						seedsData[ii] = int32(ds.intN(int(rule.NumNodes)))
					}
				}

			case ds.shuffle:
				// Take the next chunk of this epoch's shuffle.
				shuffle := ds.seedsShuffle[seedIdx]
				pos := ds.seedsPosition[seedIdx]
				numToSample := int32(min(len(shuffle)-int(pos), rule.Count))
				ds.seedsPosition[seedIdx] += numToSample
				if int(ds.seedsPosition[seedIdx]) >= len(shuffle) {
					ds.epochFinished()
				}
				copy(seedsData, shuffle[pos:pos+numToSample])
				for ii := range numToSample {
					maskData[ii] = true
				}

			default:
				// Sequential, in the original candidates order.
				pos := ds.seedsPosition[seedIdx]
				var numToSample int32
				if rule.NodeSet != nil {
					numToSample = int32(min(len(rule.NodeSet)-int(pos), rule.Count))
					ds.seedsPosition[seedIdx] += numToSample
					if int(ds.seedsPosition[seedIdx]) >= len(rule.NodeSet) {
						ds.epochFinished()
					}
					for ii := range numToSample {
						seedsData[ii] = rule.NodeSet[pos+ii]
						maskData[ii] = true
					}
				} else {
					numToSample = min(rule.NumNodes-pos, int32(rule.Count))
					ds.seedsPosition[seedIdx] += numToSample
					if ds.seedsPosition[seedIdx] >= rule.NumNodes {
						ds.epochFinished()
					}
					for ii := range numToSample {
						seedsData[ii] = pos + ii
						maskData[ii] = true
					}
				}
			}
		})
	})
	return
}

// recursivelySampleEdges samples the dependents of `rule` depth-first, appending
// the resulting tensors to `store` in [Strategy.InputNames] order.
func (ds *Dataset) recursivelySampleEdges(rule *Rule, nodes, mask *tensors.Tensor, store []*tensors.Tensor) []*tensors.Tensor {
	for _, sub := range rule.Dependents {
		subNodes, subMask, degrees := ds.sampleEdges(sub, nodes, mask)
		store = append(store, subNodes, subMask)
		if degrees != nil {
			store = append(store, degrees)
		}
		store = ds.recursivelySampleEdges(sub, subNodes, subMask, store)
	}
	return store
}

// sampleEdges samples one edge (or identity) rule given the already sampled source
// nodes. Returns nil degrees if the strategy is not keeping degrees.
func (ds *Dataset) sampleEdges(rule *Rule, srcNodes, srcMask *tensors.Tensor) (nodes, mask, degrees *tensors.Tensor) {
	srcData := tensors.CopyFlatData[int32](srcNodes)
	srcMaskData := tensors.CopyFlatData[bool](srcMask)

	nodes = tensors.FromScalarAndDimensions(int32(PaddingIndex), rule.Shape.Dimensions...)
	mask = tensors.FromScalarAndDimensions(false, rule.Shape.Dimensions...)
	var degreesData []int32
	if rule.Strategy.KeepDegrees {
		degreesData = make([]int32, len(srcData))
	}

	tensors.MutableFlatData[int32](nodes, func(nodesData []int32) {
		tensors.MutableFlatData[bool](mask, func(maskData []bool) {
			if rule.IsIdentitySubRule() {
				// Same data, the sub-rule only adds an axis of dimension 1.
				copy(nodesData, srcData)
				copy(maskData, srcMaskData)
				for ii := range degreesData {
					// Padded source rows have degree 0, like edge rules.
					if srcMaskData[ii] {
						degreesData[ii] = 1
					}
				}
				return
			}

			es := rule.EdgeSet
			sampledEdges := make([]int32, rule.Count) // Reused across source nodes.
			for fromIdx, fromValid := range srcMaskData {
				if !fromValid {
					continue
				}
				edges := es.TargetsOfSource(srcData[fromIdx])
				if len(edges) == 0 {
					continue
				}
				if degreesData != nil {
					degreesData[fromIdx] = int32(len(edges))
				}

				baseIdx := fromIdx * rule.Count
				if len(edges) <= rule.Count {
					// Fewer edges than we want to sample: take them all.
					for ii, tgt := range edges {
						nodesData[baseIdx+ii] = tgt
						maskData[baseIdx+ii] = true
					}
					continue
				}
				ds.randKOfN(sampledEdges, len(edges))
				for ii, edgeIdx := range sampledEdges {
					nodesData[baseIdx+ii] = edges[edgeIdx]
					maskData[baseIdx+ii] = true
				}
			}
		})
	})

	if degreesData != nil {
		degreesDims := append(append([]int{}, srcNodes.Shape().Dimensions...), 1)
		degrees = tensors.FromFlatDataAndDimensions(degreesData, degreesDims...)
	}
	return
}

// randKOfN stores k=len(values) random values without replacement out of 0..n-1.
func (ds *Dataset) randKOfN(values []int32, n int) {
	k := len(values)
	if k*k < n {
		ds.randKOfNLinear(values, n)
	} else {
		ds.randKOfNReservoir(values, n)
	}
}

// randKOfNLinear samples checking against previous choices: O(k^2), fast for the
// small k typical of sampling fan-outs.
func (ds *Dataset) randKOfNLinear(values []int32, n int) {
	for ii := range values {
		var x int32
	takeANumber:
		for {
			x = int32(ds.intN(n))
			for jj := range ii {
				if values[jj] == x {
					continue takeANumber
				}
			}
			break
		}
		values[ii] = x
	}
}

// randKOfNReservoir is standard reservoir sampling, O(n).
func (ds *Dataset) randKOfNReservoir(values []int32, n int) {
	k := len(values)
	for ii := range k {
		values[ii] = int32(ii)
	}
	for ii := k; ii < n; ii++ {
		pos := ds.intN(ii + 1)
		if pos < k {
			values[pos] = int32(ii)
		}
	}
}

// startEpoch resets the position counters and reshuffles where required.
func (ds *Dataset) startEpoch() {
	ds.startOfEpoch = false
	if ds.withReplacement {
		return
	}
	for ii := range ds.seedsPosition {
		ds.seedsPosition[ii] = 0
	}
	if !ds.shuffle {
		return
	}

	// First time: materialize the candidate lists to be shuffled.
	strategy := ds.strategy
	if ds.seedsShuffle == nil {
		ds.seedsShuffle = make([][]int32, len(strategy.Seeds))
		for ii, rule := range strategy.Seeds {
			if rule.NodeSet != nil {
				candidates := make([]int32, len(rule.NodeSet))
				copy(candidates, rule.NodeSet)
				ds.seedsShuffle[ii] = candidates
			} else {
				candidates := make([]int32, rule.NumNodes)
				for jj := range candidates {
					candidates[jj] = int32(jj)
				}
				ds.seedsShuffle[ii] = candidates
			}
		}
	}
	for _, shuffle := range ds.seedsShuffle {
		for ii := range shuffle {
			jj := ds.intN(len(shuffle))
			shuffle[ii], shuffle[jj] = shuffle[jj], shuffle[ii]
		}
	}
}

func (ds *Dataset) epochFinished() {
	ds.startOfEpoch = true
	ds.currentEpoch++
	if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
		ds.exhausted = true
	}
}
