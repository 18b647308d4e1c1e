// print_training_data pretty-prints examples out of a sampled records file: the
// sampling strategy stored in the header and, per example, every tensor (sampled
// node indices, masks, degrees and labels) by name.
//
// Example:
//
//	print_training_data --input=train.rec --num_examples=2
package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/gomlx/gnnkit/records"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagInput       = flag.String("input", "", "Records file to print. Required.")
	flagNumExamples = flag.Int("num_examples", 2, "Number of examples to print. Zero prints only the header.")
	flagShapesOnly  = flag.Bool("shapes_only", false, "Print only the tensor shapes, not their values.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagInput == "" {
		klog.Exit("--input must be set")
	}

	r := must.M1(records.Open(*flagInput))
	defer func() { _ = r.Close() }()
	header := r.Header()
	fmt.Printf("%s: format v%d, run %s, %d tensors per example\n",
		*flagInput, header.FormatVersion, header.RunID, len(header.TensorNames))
	fmt.Println(r.Strategy())

	for ii := 0; ii < *flagNumExamples; ii++ {
		record, err := r.Read()
		if err == io.EOF {
			fmt.Printf("(only %d examples in the file)\n", ii)
			break
		}
		must.M(err)
		fmt.Printf("\nExample %d:\n", ii)
		for jj, name := range header.TensorNames {
			if *flagShapesOnly {
				fmt.Printf("  %s: %s\n", name, record[jj].Shape())
				continue
			}
			fmt.Printf("  %s: %s\n", name, record[jj])
		}
	}
}
