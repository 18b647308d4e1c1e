package ogb

import (
	"path"

	"github.com/gomlx/gnnkit/hetgraph"
)

// Constants of the ogbn-arxiv dataset, fixed by OGB.
var (
	ArxivNumPapers      = 169343
	ArxivEmbeddingsSize = 128
	ArxivNumClasses     = 40
)

const (
	arxivFeaturesCSV = "arxiv/raw/node-feat.csv.gz"
	arxivYearsCSV    = "arxiv/raw/node_year.csv.gz"
	arxivLabelsCSV   = "arxiv/raw/node-label.csv.gz"
	arxivEdgesCSV    = "arxiv/raw/edge.csv.gz"
	arxivSplitsDir   = "arxiv/split/time"
)

// convertArxiv parses the raw ogbn-arxiv files into a single-node-set graph:
// papers with their embeddings, years and labels, and a "cites" edge set plus
// its "cited_by" reverse.
func convertArxiv(baseDir string, opts Options) (*Dataset, error) {
	downloadDir := path.Join(baseDir, DownloadSubdir)

	embeddings, err := csvToTensor(path.Join(downloadDir, arxivFeaturesCSV),
		path.Join(baseDir, "arxiv_embeddings.tensor"),
		ArxivNumPapers, ArxivEmbeddingsSize, parseFloat32)
	if err != nil {
		return nil, err
	}
	if opts.UseFloat16 {
		embeddings = toFloat16(embeddings)
	}
	years, err := csvToTensor(path.Join(downloadDir, arxivYearsCSV), "",
		ArxivNumPapers, 1, parseInt32)
	if err != nil {
		return nil, err
	}
	labels, err := csvToTensor(path.Join(downloadDir, arxivLabelsCSV), "",
		ArxivNumPapers, 1, parseInt32)
	if err != nil {
		return nil, err
	}
	edges, err := csvToPairs(path.Join(downloadDir, arxivEdgesCSV))
	if err != nil {
		return nil, err
	}

	g := hetgraph.New()
	papers := g.AddNodeSet("papers", ArxivNumPapers)
	papers.SetFeature("embeddings", embeddings)
	papers.SetFeature("years", years)
	papers.SetFeature(LabelsFeatureName, labels)
	g.AddEdgeSet("cites", "papers", "papers", edges, false)
	g.AddEdgeSet("cited_by", "papers", "papers", edges, true)

	splits := make(map[string][]int32, 3)
	for _, splitName := range []string{"train", "valid", "test"} {
		split, err := csvToSplit(path.Join(downloadDir, arxivSplitsDir, splitName+".csv.gz"))
		if err != nil {
			return nil, err
		}
		splits[splitName] = split
	}

	return &Dataset{
		Name:        "arxiv",
		Graph:       g,
		SeedNodeSet: "papers",
		NumClasses:  ArxivNumClasses,
		Splits:      splits,
	}, nil
}
