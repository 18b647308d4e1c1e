// ogb_convert downloads an OGB node-property-prediction dataset and converts it
// to the gnnkit graph format, caching everything under the --data directory.
//
// Example:
//
//	ogb_convert --dataset=mag --data=~/work/gnnkit --float16
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gnnkit/ogb"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagDataset = flag.String("dataset", "arxiv", "OGB dataset to convert: \"arxiv\" or \"mag\".")
	flagDataDir = flag.String("data", "~/work/gnnkit", "Directory to cache downloaded and converted dataset files.")
	flagFloat16 = flag.Bool("float16", false, "Store the node embeddings as float16, halving the converted size.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	*flagDataDir = mldata.ReplaceTildeInDir(*flagDataDir)

	start := time.Now()
	ds := must.M1(ogb.Convert(*flagDataset, *flagDataDir, ogb.Options{UseFloat16: *flagFloat16}))
	fmt.Printf("ogbn-%s ready in %s\n", ds.Name, time.Since(start))
	fmt.Println(ds.Graph)
	fmt.Printf("%d classes, seeds sampled from node set %q\n", ds.NumClasses, ds.SeedNodeSet)
	for _, splitName := range []string{"train", "valid", "test"} {
		fmt.Printf("\tsplit %q: %s seeds\n", splitName, humanize.Comma(int64(len(ds.Splits[splitName]))))
	}
}
