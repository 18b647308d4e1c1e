// Package stats computes summary statistics over sampled record files, the
// backing of the sampled_stats command: how full the sampled tensors are (mask
// fill rates), and the value ranges of node indices, degrees and labels. It is
// the quick sanity check between sampling and training -- a fill rate near zero
// usually means a sampling count is too large, one stuck at 1.0 that the count
// is too small to ever pad.
package stats

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gnnkit/records"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// TensorStats accumulates statistics of one named tensor across all records.
type TensorStats struct {
	// Name of the tensor, from the file header.
	Name string

	// Shape of the tensor per record (they are fixed-shape).
	Shape string

	// IsMask is set for bool tensors; for those only FillRate is meaningful.
	IsMask bool

	// FillRate is the fraction of true values, for masks.
	FillRate float64

	// Count of values accumulated. For tensors with a sibling "<name>.mask" only
	// the valid (unmasked) values are counted.
	Count int64

	// Min, Max and Mean of the accumulated values.
	Min, Max, Mean float64
}

// Summary of one record file.
type Summary struct {
	Path       string
	RunID      string
	NumRecords int

	// Tensors in header order.
	Tensors []*TensorStats
}

type accumulator struct {
	stats    *TensorStats
	sum      float64
	trues    int64
	total    int64
	hasValue bool
}

func (a *accumulator) add(v float64) {
	if !a.hasValue || v < a.stats.Min {
		a.stats.Min = v
	}
	if !a.hasValue || v > a.stats.Max {
		a.stats.Max = v
	}
	a.hasValue = true
	a.sum += v
	a.stats.Count++
}

// Collect reads the whole record file and accumulates per-tensor statistics.
//
// Tensors paired with a "<name>.mask" sibling only accumulate their valid
// positions, so padding does not drag the statistics towards [sampler.PaddingIndex].
func Collect(path string) (*Summary, error) {
	r, err := records.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	header := r.Header()
	summary := &Summary{
		Path:  path,
		RunID: header.RunID.String(),
	}
	nameToIdx := make(map[string]int, len(header.TensorNames))
	accs := make([]*accumulator, len(header.TensorNames))
	for ii, name := range header.TensorNames {
		nameToIdx[name] = ii
		accs[ii] = &accumulator{stats: &TensorStats{Name: name}}
		summary.Tensors = append(summary.Tensors, accs[ii].stats)
	}

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		summary.NumRecords++
		for ii, t := range record {
			acc := accs[ii]
			if acc.stats.Shape == "" {
				acc.stats.Shape = t.Shape().String()
				acc.stats.IsMask = t.DType() == dtypes.Bool
			}
			var mask []bool
			if maskIdx, found := nameToIdx[acc.stats.Name+".mask"]; found {
				mask = tensors.CopyFlatData[bool](record[maskIdx])
			}
			if err := acc.accumulate(t, mask); err != nil {
				return nil, errors.WithMessagef(err, "tensor %q of record #%d in %q",
					acc.stats.Name, summary.NumRecords-1, path)
			}
		}
	}

	for _, acc := range accs {
		if acc.stats.IsMask {
			if acc.total > 0 {
				acc.stats.FillRate = float64(acc.trues) / float64(acc.total)
			}
			continue
		}
		if acc.stats.Count > 0 {
			acc.stats.Mean = acc.sum / float64(acc.stats.Count)
		}
	}
	return summary, nil
}

func (a *accumulator) accumulate(t *tensors.Tensor, mask []bool) error {
	take := func(ii int) bool { return mask == nil || mask[ii] }
	switch t.DType() {
	case dtypes.Bool:
		tensors.ConstFlatData[bool](t, func(flat []bool) {
			for _, v := range flat {
				a.total++
				if v {
					a.trues++
				}
			}
		})
	case dtypes.Int32:
		tensors.ConstFlatData[int32](t, func(flat []int32) {
			for ii, v := range flat {
				if take(ii) {
					a.add(float64(v))
				}
			}
		})
	case dtypes.Int64:
		tensors.ConstFlatData[int64](t, func(flat []int64) {
			for ii, v := range flat {
				if take(ii) {
					a.add(float64(v))
				}
			}
		})
	case dtypes.Float32:
		tensors.ConstFlatData[float32](t, func(flat []float32) {
			for ii, v := range flat {
				if take(ii) {
					a.add(float64(v))
				}
			}
		})
	case dtypes.Float64:
		tensors.ConstFlatData[float64](t, func(flat []float64) {
			for ii, v := range flat {
				if take(ii) {
					a.add(v)
				}
			}
		})
	default:
		return errors.Errorf("unsupported dtype %s for statistics", t.DType())
	}
	return nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.Color("75")).Padding(0, 1, 0, 1)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}

func formatValue(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return humanize.Comma(int64(v))
	}
	return fmt.Sprintf("%.4g", v)
}

// Render formats the summary as a table for the terminal.
func (s *Summary) Render() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Sampled records: %s", s.Path)))
	sb.WriteString(fmt.Sprintf("\nrun=%s, records=%s\n", s.RunID, humanize.Comma(int64(s.NumRecords))))

	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Tensor", "Shape", "Fill / Count", "Min", "Mean", "Max")
	for _, ts := range s.Tensors {
		if ts.IsMask {
			table.Row(ts.Name, ts.Shape, fmt.Sprintf("%.1f%%", 100*ts.FillRate), "", "", "")
			continue
		}
		table.Row(ts.Name, ts.Shape, humanize.Comma(ts.Count),
			formatValue(ts.Min), formatValue(ts.Mean), formatValue(ts.Max))
	}
	sb.WriteString(table.Render())
	sb.WriteString("\n")
	return sb.String()
}
