// graph_sampler samples fixed-shape subgraphs out of a converted OGB dataset,
// following an HCL sampling spec, and writes them -- with the seed labels --
// to a records file for later replay, inspection or training.
//
// Example:
//
//	graph_sampler --dataset=mag --data=~/work/gnnkit --spec=mag.hcl \
//	    --split=train --num_batches=10000 --out=train.rec
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gnnkit/ogb"
	"github.com/gomlx/gnnkit/records"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gnnkit/specfile"
	"github.com/gomlx/gnnkit/tasks"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagDataset    = flag.String("dataset", "arxiv", "Converted OGB dataset to sample from: \"arxiv\" or \"mag\".")
	flagDataDir    = flag.String("data", "~/work/gnnkit", "Directory with the converted dataset files (see ogb_convert).")
	flagSpec       = flag.String("spec", "", "HCL sampling spec file. Required.")
	flagSplit      = flag.String("split", "train", "Dataset split the seeds are sampled from: \"train\", \"valid\" or \"test\".")
	flagNumBatches = flag.Int("num_batches", 1000, "Number of batches (sampled subgraphs) to write.")
	flagOut        = flag.String("out", "", "Output records file. Required.")
	flagSeed       = flag.Int64("seed", -1, "Random seed for reproducible sampling. Negative uses a random seed.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagSpec == "" || *flagOut == "" {
		klog.Exit("both --spec and --out must be set")
	}
	*flagDataDir = mldata.ReplaceTildeInDir(*flagDataDir)

	ds := must.M1(ogb.Load(*flagDataset, *flagDataDir))
	spec := must.M1(specfile.Load(*flagSpec))
	strategy := must.M1(buildStrategyForSplit(spec, ds, *flagSplit))
	fmt.Println(strategy)

	sampling := strategy.NewDataset(*flagSplit).Shuffle().Infinite()
	if *flagSeed >= 0 {
		sampling = sampling.WithSeed(uint64(*flagSeed))
	}
	// The seed labels (and their mask) are stored with each sampled batch, so the
	// records replay without the graph around.
	labeled := tasks.RootNodeClassification(ogb.LabelsFeatureName, ds.NumClasses).
		AttachLabels(sampling, ds.Labels())

	w := must.M1(records.Create(*flagOut, strategy, ogb.LabelsFeatureName, ogb.LabelsFeatureName+".mask"))
	bar := progressbar.Default(int64(*flagNumBatches), "sampling")
	for batch := 0; batch < *flagNumBatches; batch++ {
		_, inputs, labels, err := labeled.Yield()
		must.M(err)
		must.M(w.Write(append(inputs, labels...)))
		_ = bar.Add(1)
	}
	must.M(w.Close())
	fmt.Printf("\nwrote %d batches to %s (run %s)\n", w.NumRecords(), *flagOut, w.Header().RunID)
}

// buildStrategyForSplit builds the spec's sampling strategy with every seed
// block's split resolved to the requested dataset split -- so one spec file
// serves the train, valid and test samplers alike.
func buildStrategyForSplit(spec *specfile.File, ds *ogb.Dataset, split string) (*sampler.Strategy, error) {
	indices, found := ds.Splits[split]
	if !found {
		return nil, errors.Errorf("dataset ogbn-%s has no split %q (it has train, valid and test)", ds.Name, split)
	}
	splits := make(map[string][]int32, len(ds.Splits))
	for name := range ds.Splits {
		splits[name] = indices
	}
	return spec.Build(ds.Graph, splits)
}
