// Package records reads and writes files of sampled subgraph examples, so that
// expensive graph sampling can run once (see the graph_sampler command) and
// training can replay the samples without the full graph in memory.
//
// A record file is a gob stream: a [Header] followed by zero or more records,
// each a fixed sequence of tensors in the order given by Header.TensorNames --
// the same order the sampling strategy yields them. The header carries the
// strategy [sampler.Spec], so readers can rebuild the (detached) strategy tree
// for model building without access to the original graph.
package records

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"

	"github.com/gomlx/gnnkit/sampler"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FormatVersion written on new files. Readers reject files with a version they
// don't know.
const FormatVersion = 1

// Header opens every record file.
type Header struct {
	// FormatVersion of the file, see [FormatVersion].
	FormatVersion int

	// RunID identifies the sampling run that produced the file. Shards of the
	// same run share the RunID.
	RunID uuid.UUID

	// Strategy that produced the samples, in its detached serializable form.
	Strategy *sampler.Spec

	// TensorNames gives the order and meaning of the tensors of each record. It
	// matches the strategy's input names, possibly followed by label tensor
	// names appended by the sampling pipeline.
	TensorNames []string
}

// Writer writes sampled records to a file. Create it with [Create], and always
// [Writer.Close] it: the output is buffered.
type Writer struct {
	file    *os.File
	buf     *bufio.Writer
	enc     *gob.Encoder
	header  Header
	written int
}

// Create creates a record file at the given path, writing its header. The extra
// labelNames are appended to the strategy's input names in the header, for
// pipelines that store label tensors alongside each sample.
func Create(path string, strategy *sampler.Strategy, labelNames ...string) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create records file %q", path)
	}
	header := Header{
		FormatVersion: FormatVersion,
		RunID:         uuid.New(),
		Strategy:      strategy.Spec(),
		TensorNames:   append(strategy.InputNames(), labelNames...),
	}
	w := &Writer{
		file:   file,
		buf:    bufio.NewWriter(file),
		header: header,
	}
	w.enc = gob.NewEncoder(w.buf)
	if err = w.enc.Encode(&w.header); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "failed to write header of records file %q", path)
	}
	return w, nil
}

// Header returns the header written at the start of the file.
func (w *Writer) Header() Header { return w.header }

// Write appends one record. It must have exactly one tensor per header name.
func (w *Writer) Write(inputs []*tensors.Tensor) error {
	if len(inputs) != len(w.header.TensorNames) {
		return errors.Errorf("records file %q stores %d tensors per record (%v), got %d",
			w.file.Name(), len(w.header.TensorNames), w.header.TensorNames, len(inputs))
	}
	for ii, t := range inputs {
		if err := t.GobSerialize(w.enc); err != nil {
			return errors.WithMessagef(err, "failed to write tensor %q of record #%d to %q",
				w.header.TensorNames[ii], w.written, w.file.Name())
		}
	}
	w.written++
	return nil
}

// NumRecords returns the number of records written so far.
func (w *Writer) NumRecords() int { return w.written }

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if err := w.buf.Flush(); err != nil {
		_ = w.file.Close()
		return errors.Wrapf(err, "failed to flush records file %q", w.file.Name())
	}
	return errors.Wrapf(w.file.Close(), "failed to close records file %q", w.file.Name())
}

// Reader reads back a record file written by [Writer].
type Reader struct {
	path   string
	file   *os.File
	dec    *gob.Decoder
	header Header
	read   int
}

// Open opens a record file and reads its header.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open records file %q", path)
	}
	r := &Reader{
		path: path,
		file: file,
		dec:  gob.NewDecoder(bufio.NewReader(file)),
	}
	if err = r.dec.Decode(&r.header); err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "failed to read header of records file %q", path)
	}
	if r.header.FormatVersion != FormatVersion {
		_ = file.Close()
		return nil, errors.Errorf("records file %q has format version %d, this code only reads version %d",
			path, r.header.FormatVersion, FormatVersion)
	}
	if r.header.Strategy == nil || len(r.header.TensorNames) == 0 {
		_ = file.Close()
		return nil, errors.Errorf("records file %q has an empty header", path)
	}
	return r, nil
}

// Header returns the file's header.
func (r *Reader) Header() Header { return r.header }

// Strategy rebuilds the detached sampling strategy stored in the header.
func (r *Reader) Strategy() *sampler.Strategy { return r.header.Strategy.NewStrategy() }

// Read returns the next record, or io.EOF (unwrapped) when the file is over. A
// file that ends mid-record returns an error instead.
func (r *Reader) Read() ([]*tensors.Tensor, error) {
	record := make([]*tensors.Tensor, len(r.header.TensorNames))
	for ii := range record {
		t, err := tensors.GobDeserialize(r.dec)
		if err != nil {
			if ii == 0 && errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, errors.WithMessagef(err, "records file %q truncated or corrupt at tensor %q of record #%d",
				r.path, r.header.TensorNames[ii], r.read)
		}
		record[ii] = t
	}
	r.read++
	return record, nil
}

// NumRead returns the number of records read so far.
func (r *Reader) NumRead() int { return r.read }

// Close closes the underlying file.
func (r *Reader) Close() error {
	return errors.Wrapf(r.file.Close(), "failed to close records file %q", r.path)
}
