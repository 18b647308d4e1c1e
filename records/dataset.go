package records

import (
	"io"
	"sync"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Dataset replays a record file as a train.Dataset, in file order.
//
// The spec yielded is the detached *[sampler.Strategy] from the file header, so
// model building code works identically on live sampling datasets and on
// replayed ones. Tensors beyond the strategy's inputs (label tensors stored by
// the sampling pipeline) are yielded as labels.
type Dataset struct {
	name, path string
	strategy   *sampler.Strategy
	numInputs  int
	numEpochs  int

	mu           sync.Mutex
	reader       *Reader
	currentEpoch int
	frozen       bool
	exhausted    bool
}

// NewDataset opens the record file and returns a dataset replaying it once.
// Configure with [Dataset.Epochs] or [Dataset.Infinite] before the first Yield.
func NewDataset(name, path string) (*Dataset, error) {
	reader, err := Open(path)
	if err != nil {
		return nil, err
	}
	strategy := reader.Strategy()
	return &Dataset{
		name:      name,
		path:      path,
		strategy:  strategy,
		numInputs: strategy.NumInputs(),
		numEpochs: 1,
		reader:    reader,
	}, nil
}

// Epochs configures the dataset to replay the file those many times. Default is 1.
func (ds *Dataset) Epochs(n int) *Dataset {
	ds.checkConfigurable()
	if n <= 0 {
		Panicf("Dataset.Epochs(n) requires n > 0, got %d", n)
	}
	ds.numEpochs = n
	return ds
}

// Infinite configures the dataset to replay the file indefinitely.
func (ds *Dataset) Infinite() *Dataset {
	ds.checkConfigurable()
	ds.numEpochs = -1
	return ds
}

func (ds *Dataset) checkConfigurable() {
	if ds.frozen {
		Panicf("cannot change a Dataset that already started yielding results")
	}
}

// Strategy returns the detached sampling strategy from the file header.
func (ds *Dataset) Strategy() *sampler.Strategy { return ds.strategy }

var _ train.Dataset = &Dataset{}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the replay from the first record.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	ds.currentEpoch = 0
	ds.exhausted = false
	if err := ds.reopenLocked(); err != nil {
		Panicf("failed to reset records dataset %q: %+v", ds.name, err)
	}
}

func (ds *Dataset) reopenLocked() error {
	if ds.reader != nil {
		_ = ds.reader.Close()
		ds.reader = nil
	}
	reader, err := Open(ds.path)
	if err != nil {
		return err
	}
	ds.reader = reader
	return nil
}

// Yield implements train.Dataset. Inputs follow the strategy's input order; any
// extra stored tensors are returned as labels.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.frozen = true
	spec = ds.strategy

	if ds.exhausted {
		return nil, nil, nil, io.EOF
	}
	if ds.reader == nil {
		return nil, nil, nil, errors.Errorf("records dataset %q was closed", ds.name)
	}
	record, err := ds.reader.Read()
	if err == io.EOF {
		// End of one pass over the file.
		ds.currentEpoch++
		if ds.numEpochs > 0 && ds.currentEpoch >= ds.numEpochs {
			ds.exhausted = true
			return nil, nil, nil, io.EOF
		}
		if err = ds.reopenLocked(); err != nil {
			return nil, nil, nil, err
		}
		record, err = ds.reader.Read()
		if err == io.EOF {
			return nil, nil, nil, errors.Errorf("records file %q has no records", ds.path)
		}
	}
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = record[:ds.numInputs]
	if len(record) > ds.numInputs {
		labels = record[ds.numInputs:]
	}
	return
}

// Close closes the underlying file. The dataset cannot be used afterwards.
func (ds *Dataset) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.reader == nil {
		return nil
	}
	err := ds.reader.Close()
	ds.reader = nil
	return err
}
