// Package ogb converts Open Graph Benchmark (OGB) node property prediction
// datasets into [hetgraph.Graph] files that the sampling pipeline consumes.
//
// Supported datasets are "arxiv" (ogbn-arxiv, a homogeneous citation graph) and
// "mag" (ogbn-mag, a heterogeneous academic graph). Conversion downloads the
// raw OGB zip, parses the gzipped CSV files into tensors, and saves a graph
// file plus the dataset metadata (labels feature, train/valid/test splits) next
// to it. Conversion only happens once: subsequent calls load the saved files.
package ogb

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/gomlx/gnnkit/hetgraph"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DownloadSubdir under the base data directory where raw OGB files are kept.
const DownloadSubdir = "downloads"

// Dataset is a converted OGB dataset: the graph plus everything the sampling
// and training pipeline needs that is not a plain node feature.
type Dataset struct {
	// Name of the dataset: "arxiv" or "mag".
	Name string

	// Graph with all node sets, edge sets and node features. Labels are attached
	// as the "labels" feature of the seed node set.
	Graph *hetgraph.Graph

	// SeedNodeSet is the node set carrying labels ("papers" for both datasets).
	SeedNodeSet string

	// NumClasses of the label feature.
	NumClasses int

	// Splits maps "train", "valid" and "test" to seed node indices.
	Splits map[string][]int32
}

// LabelsFeatureName is the node feature under which conversion stores the
// per-node class labels, shaped `(Int32)[numNodes, 1]`.
const LabelsFeatureName = "labels"

// Options for dataset conversion.
type Options struct {
	// UseFloat16 stores float node features (the paper embeddings) as float16,
	// halving the graph file and memory at a small precision cost.
	UseFloat16 bool
}

type converter struct {
	name      string
	convert   func(baseDir string, opts Options) (*Dataset, error)
	zipURL    string
	zipFile   string
	zipSubdir string
	zipSHA256 string
}

var converters = map[string]*converter{
	"arxiv": {
		name:      "arxiv",
		convert:   convertArxiv,
		zipURL:    "http://snap.stanford.edu/ogb/data/nodeproppred/arxiv.zip",
		zipFile:   "arxiv.zip",
		zipSubdir: "arxiv",
		// OGB doesn't publish checksums for arxiv.zip; left empty, which skips
		// verification.
		zipSHA256: "",
	},
	"mag": {
		name:      "mag",
		convert:   convertMag,
		zipURL:    "http://snap.stanford.edu/ogb/data/nodeproppred/mag.zip",
		zipFile:   "mag.zip",
		zipSubdir: "mag",
		zipSHA256: "2afe62ead87f2c301a7398796991d347db85b2d01c5442c95169372bf5a9fca4",
	},
}

// Convert downloads (if needed) and converts the named dataset under baseDir,
// saving the converted graph and metadata there. If the converted files already
// exist they are loaded instead.
func Convert(name, baseDir string, opts Options) (*Dataset, error) {
	conv, found := converters[name]
	if !found {
		return nil, errors.Errorf("unknown OGB dataset %q, supported: \"arxiv\", \"mag\"", name)
	}
	baseDir = mldata.ReplaceTildeInDir(baseDir)
	if mldata.FileExists(graphPath(baseDir, name)) && mldata.FileExists(metaPath(baseDir, name)) {
		return Load(name, baseDir)
	}
	if err := downloadZip(conv, baseDir); err != nil {
		return nil, err
	}
	ds, err := conv.convert(baseDir, opts)
	if err != nil {
		return nil, err
	}
	if err = ds.save(baseDir); err != nil {
		return nil, err
	}
	return ds, nil
}

// Load a previously converted dataset from baseDir.
func Load(name, baseDir string) (*Dataset, error) {
	baseDir = mldata.ReplaceTildeInDir(baseDir)
	f, err := os.Open(metaPath(baseDir, name))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open converted dataset %q in %q -- run the conversion first", name, baseDir)
	}
	defer func() { _ = f.Close() }()
	ds := &Dataset{}
	if err = gob.NewDecoder(f).Decode(ds); err != nil {
		return nil, errors.Wrapf(err, "failed to decode metadata of dataset %q from %q", name, baseDir)
	}
	ds.Graph, err = hetgraph.Load(graphPath(baseDir, name))
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load graph of dataset %q from %q", name, baseDir)
	}
	return ds, nil
}

func graphPath(baseDir, name string) string {
	return path.Join(baseDir, fmt.Sprintf("ogbn-%s-graph.bin", name))
}

func metaPath(baseDir, name string) string {
	return path.Join(baseDir, fmt.Sprintf("ogbn-%s-meta.bin", name))
}

func (ds *Dataset) save(baseDir string) error {
	if err := ds.Graph.Save(graphPath(baseDir, ds.Name)); err != nil {
		return err
	}
	f, err := os.Create(metaPath(baseDir, ds.Name))
	if err != nil {
		return errors.Wrapf(err, "failed to create metadata file for dataset %q in %q", ds.Name, baseDir)
	}
	// Graph is saved separately, don't gob it twice.
	meta := &Dataset{
		Name:        ds.Name,
		SeedNodeSet: ds.SeedNodeSet,
		NumClasses:  ds.NumClasses,
		Splits:      ds.Splits,
	}
	if err = gob.NewEncoder(f).Encode(meta); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode metadata of dataset %q", ds.Name)
	}
	return errors.Wrapf(f.Close(), "failed to close metadata file of dataset %q", ds.Name)
}

// Labels returns the labels feature of the seed node set.
func (ds *Dataset) Labels() *tensors.Tensor {
	return ds.Graph.NodeSets[ds.SeedNodeSet].Feature(LabelsFeatureName)
}

func downloadZip(conv *converter, baseDir string) error {
	downloadPath := path.Join(baseDir, DownloadSubdir)
	if err := os.MkdirAll(downloadPath, 0777); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "failed to create download directory %q", downloadPath)
	}
	zipPath := path.Join(downloadPath, conv.zipFile)
	err := mldata.DownloadAndUnzipIfMissing(conv.zipURL, zipPath, downloadPath,
		path.Join(downloadPath, conv.zipSubdir), conv.zipSHA256)
	if err != nil {
		return err
	}
	if mldata.FileExists(zipPath) {
		// The unzipped files are what we parse, drop the zip to save space.
		if err := os.Remove(zipPath); err != nil {
			return errors.Wrapf(err, "failed to remove %q", zipPath)
		}
	}
	return nil
}

// parseGzipCSV iterates over the rows of a gzipped CSV file.
func parseGzipCSV(filePath string, perRowFn func(row []string) error) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	r := csv.NewReader(gz)
	r.ReuseRecord = true
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "while reading gzip+csv %q", filePath)
		}
		if err = perRowFn(record); err != nil {
			return errors.WithMessagef(err, "while processing %q", filePath)
		}
	}
}

func parseFloat32(str string) (float32, error) {
	v, err := strconv.ParseFloat(str, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

func parseInt32(str string) (int32, error) {
	v, err := strconv.ParseInt(str, 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(v), nil
}

// csvToTensor parses a gzipped CSV of numbers into a `[numRows, numCols]` tensor.
// If outputFilePath is not empty, the parsed tensor is cached there, and loaded
// back on future calls.
func csvToTensor[E interface{ float32 | int32 }](inputFilePath, outputFilePath string, numRows, numCols int, parseFn func(string) (E, error)) (*tensors.Tensor, error) {
	if outputFilePath != "" && mldata.FileExists(outputFilePath) {
		t, err := tensors.Load(outputFilePath)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load cached %q, remove it so it can be regenerated", outputFilePath)
		}
		return t, nil
	}
	fmt.Printf("Parsing %d rows from %q\n", numRows, inputFilePath)
	t := tensors.FromShape(shapes.Make(dtypes.FromGenericsType[E](), numRows, numCols))
	var outerErr error
	tensors.MutableFlatData[E](t, func(flat []E) {
		rowNum, pos := 0, 0
		outerErr = parseGzipCSV(inputFilePath, func(row []string) error {
			if len(row) != numCols {
				return errors.Errorf("row %d has %d columns, expected %d", rowNum, len(row), numCols)
			}
			if rowNum >= numRows {
				rowNum++ // Keep counting, for the error below.
				return nil
			}
			for ii, cell := range row {
				value, err := parseFn(cell)
				if err != nil {
					return errors.Wrapf(err, "failed to parse row=%d, col=%d: %q", rowNum, ii, cell)
				}
				flat[pos] = value
				pos++
			}
			rowNum++
			return nil
		})
		if outerErr == nil && rowNum != numRows {
			outerErr = errors.Errorf("found %d rows in %q, expected %d -- did the file change?", rowNum, inputFilePath, numRows)
		}
	})
	if outerErr != nil {
		return nil, outerErr
	}
	if outputFilePath != "" {
		fmt.Printf("> saving to %q for faster access\n", outputFilePath)
		if err := t.Save(outputFilePath); err != nil {
			return nil, errors.WithMessagef(err, "parsed %q but failed to cache it at %q", inputFilePath, outputFilePath)
		}
	}
	return t, nil
}

// csvToPairs parses a gzipped CSV of edges (two node indices per row) into an
// `(Int32)[N, 2]` pairs tensor for [hetgraph.Graph.AddEdgeSet]. The row count is
// taken from the file.
func csvToPairs(inputFilePath string) (*tensors.Tensor, error) {
	var flat []int32
	rowNum := 0
	err := parseGzipCSV(inputFilePath, func(row []string) error {
		if len(row) != 2 {
			return errors.Errorf("edge row %d has %d columns, expected 2", rowNum, len(row))
		}
		for _, cell := range row {
			v, err := parseInt32(cell)
			if err != nil {
				return errors.Wrapf(err, "failed to parse edge row %d: %q", rowNum, cell)
			}
			flat = append(flat, v)
		}
		rowNum++
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rowNum == 0 {
		return nil, errors.Errorf("no edges found in %q", inputFilePath)
	}
	return tensors.FromFlatDataAndDimensions(flat, rowNum, 2), nil
}

// csvToSplit parses a gzipped CSV with one node index per row.
func csvToSplit(inputFilePath string) ([]int32, error) {
	var split []int32
	err := parseGzipCSV(inputFilePath, func(row []string) error {
		if len(row) != 1 {
			return errors.Errorf("split rows must have a single column, got %d", len(row))
		}
		v, err := parseInt32(row[0])
		if err != nil {
			return err
		}
		split = append(split, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return split, nil
}

// toFloat16 converts a float32 tensor to float16.
func toFloat16(t *tensors.Tensor) *tensors.Tensor {
	src := tensors.CopyFlatData[float32](t)
	out := tensors.FromShape(shapes.Make(dtypes.Float16, t.Shape().Dimensions...))
	tensors.MutableFlatData[float16.Float16](out, func(flat []float16.Float16) {
		for ii, v := range src {
			flat[ii] = float16.Fromfloat32(v)
		}
	})
	return out
}
