package ogb

import (
	"path"

	"github.com/gomlx/gnnkit/hetgraph"
)

// Constants of the ogbn-mag dataset, fixed by OGB.
var (
	MagNumPapers        = 736389
	MagNumAuthors       = 1134649
	MagNumInstitutions  = 8740
	MagNumFieldsOfStudy = 59965
	MagEmbeddingsSize   = 128
	MagNumClasses       = 349 // Paper venues.
)

const (
	magFeaturesCSV  = "mag/raw/node-feat/paper/node-feat.csv.gz"
	magYearsCSV     = "mag/raw/node-feat/paper/node_year.csv.gz"
	magLabelsCSV    = "mag/raw/node-label/paper/node-label.csv.gz"
	magRelationsDir = "mag/raw/relations"
	magSplitsDir    = "mag/split/time/paper"
)

// magRelations maps each raw relation directory to the node sets it connects and
// the names of the forward and reverse edge sets we register for it.
var magRelations = []struct {
	dir, source, target, forward, reverse string
}{
	{"author___writes___paper", "authors", "papers", "writes", "written_by"},
	{"paper___cites___paper", "papers", "papers", "cites", "cited_by"},
	{"author___affiliated_with___institution", "authors", "institutions", "affiliated_with", "affiliations"},
	{"paper___has_topic___field_of_study", "papers", "fields_of_study", "has_topic", "topic_has_papers"},
}

// convertMag parses the raw ogbn-mag files into a heterogeneous graph of papers,
// authors, institutions and fields of study. Only papers have dense features;
// the other node sets are latent, their state is learned as embeddings.
func convertMag(baseDir string, opts Options) (*Dataset, error) {
	downloadDir := path.Join(baseDir, DownloadSubdir)

	embeddings, err := csvToTensor(path.Join(downloadDir, magFeaturesCSV),
		path.Join(baseDir, "mag_papers_embeddings.tensor"),
		MagNumPapers, MagEmbeddingsSize, parseFloat32)
	if err != nil {
		return nil, err
	}
	if opts.UseFloat16 {
		embeddings = toFloat16(embeddings)
	}
	years, err := csvToTensor(path.Join(downloadDir, magYearsCSV), "",
		MagNumPapers, 1, parseInt32)
	if err != nil {
		return nil, err
	}
	labels, err := csvToTensor(path.Join(downloadDir, magLabelsCSV), "",
		MagNumPapers, 1, parseInt32)
	if err != nil {
		return nil, err
	}

	g := hetgraph.New()
	papers := g.AddNodeSet("papers", MagNumPapers)
	papers.SetFeature("embeddings", embeddings)
	papers.SetFeature("years", years)
	papers.SetFeature(LabelsFeatureName, labels)
	g.AddNodeSet("authors", MagNumAuthors)
	g.AddNodeSet("institutions", MagNumInstitutions)
	g.AddNodeSet("fields_of_study", MagNumFieldsOfStudy)

	for _, rel := range magRelations {
		pairs, err := csvToPairs(path.Join(downloadDir, magRelationsDir, rel.dir, "edge.csv.gz"))
		if err != nil {
			return nil, err
		}
		g.AddEdgeSet(rel.forward, rel.source, rel.target, pairs, false)
		g.AddEdgeSet(rel.reverse, rel.source, rel.target, pairs, true)
	}

	splits := make(map[string][]int32, 3)
	for _, splitName := range []string{"train", "valid", "test"} {
		split, err := csvToSplit(path.Join(downloadDir, magSplitsDir, splitName+".csv.gz"))
		if err != nil {
			return nil, err
		}
		splits[splitName] = split
	}

	return &Dataset{
		Name:        "mag",
		Graph:       g,
		SeedNodeSet: "papers",
		NumClasses:  MagNumClasses,
		Splits:      splits,
	}, nil
}
