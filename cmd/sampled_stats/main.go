// sampled_stats prints per-tensor statistics of sampled records files: example
// counts, value ranges and means (padding excluded), and mask fill rates.
//
// Example:
//
//	sampled_stats train.rec valid.rec
package main

import (
	"flag"
	"fmt"

	"github.com/gomlx/gnnkit/stats"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if flag.NArg() == 0 {
		klog.Exit("no records files given: usage is sampled_stats <file.rec>...")
	}
	for _, path := range flag.Args() {
		summary := must.M1(stats.Collect(path))
		fmt.Println(summary.Render())
	}
}
