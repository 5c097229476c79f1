// Package mtx parses and writes MatrixMarket coordinate files, the sparse
// matrix format emitted by the 10x CellRanger pipeline.  A file consists of a
// banner line, optional comment lines, a size line, and one entry per
// nonzero value with 1-based row/column indices.  For example:
//
// %%MatrixMarket matrix coordinate integer general
// % comment
// 3 2 4
// 1 1 5
// 3 1 1
// 2 2 7
// 3 2 2
//
// Entries may appear in any order.  The parsed matrix is stored in
// compressed sparse column form, with row indices sorted within each column,
// since downstream consumers iterate per cell (column).
package mtx

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const scanBufferSize = 1024 * 1024 * 16 // 16 MB

// Matrix is a sparse matrix in compressed sparse column form.  Rows are
// features and columns are cell barcodes.  All fields are exported so that a
// Matrix can pass through encoding/gob unchanged.
type Matrix struct {
	// Rows and Cols are the declared matrix dimensions.
	Rows, Cols int
	// ColPtr has length Cols+1.  The nonzero entries of column j live at
	// positions [ColPtr[j], ColPtr[j+1]) of RowIdx and Val.
	ColPtr []int
	// RowIdx holds the 0-based row index of each nonzero, sorted in
	// increasing order within each column.
	RowIdx []int32
	// Val holds the value of each nonzero.
	Val []float64
}

// NNZ returns the number of stored nonzero entries.
func (m *Matrix) NNZ() int { return len(m.Val) }

// Col returns the row indices and values of column j.  The returned slices
// alias the matrix and must not be modified.
func (m *Matrix) Col(j int) ([]int32, []float64) {
	s, e := m.ColPtr[j], m.ColPtr[j+1]
	return m.RowIdx[s:e], m.Val[s:e]
}

// colSorter orders one column's entries by row index.
type colSorter struct {
	rows []int32
	vals []float64
}

func (s colSorter) Len() int           { return len(s.rows) }
func (s colSorter) Less(i, j int) bool { return s.rows[i] < s.rows[j] }
func (s colSorter) Swap(i, j int) {
	s.rows[i], s.rows[j] = s.rows[j], s.rows[i]
	s.vals[i], s.vals[j] = s.vals[j], s.vals[i]
}

// Read parses a MatrixMarket coordinate file.  Both the "integer" and "real"
// field types are accepted; values are stored as float64 either way.
// Negative values, out-of-range indices, duplicate entries, and entry counts
// that disagree with the size line are errors.
func Read(r io.Reader) (*Matrix, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, scanBufferSize)

	if !scanner.Scan() {
		return nil, errors.New("mtx: empty input")
	}
	banner := strings.Fields(scanner.Text())
	if len(banner) < 4 || banner[0] != "%%MatrixMarket" || banner[1] != "matrix" || banner[2] != "coordinate" {
		return nil, errors.Errorf("mtx: unsupported banner %q, want %%%%MatrixMarket matrix coordinate", scanner.Text())
	}
	switch banner[3] {
	case "integer", "real":
	default:
		return nil, errors.Errorf("mtx: unsupported field type %q", banner[3])
	}
	if len(banner) >= 5 && banner[4] != "general" {
		return nil, errors.Errorf("mtx: unsupported symmetry %q, only general is handled", banner[4])
	}

	var (
		rows, cols, nnz int
		sized           bool
	)
	m := &Matrix{}
	var (
		entryRow []int32
		entryCol []int32
		entryVal []float64
	)
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if len(line) == 0 || line[0] == '%' {
			continue
		}
		f := strings.Fields(line)
		if !sized {
			if len(f) != 3 {
				return nil, errors.Errorf("mtx:%d: malformed size line %q", lineno, line)
			}
			var err error
			if rows, err = strconv.Atoi(f[0]); err != nil {
				return nil, errors.Wrapf(err, "mtx:%d: bad row count", lineno)
			}
			if cols, err = strconv.Atoi(f[1]); err != nil {
				return nil, errors.Wrapf(err, "mtx:%d: bad column count", lineno)
			}
			if nnz, err = strconv.Atoi(f[2]); err != nil {
				return nil, errors.Wrapf(err, "mtx:%d: bad entry count", lineno)
			}
			if rows <= 0 || cols <= 0 || nnz < 0 {
				return nil, errors.Errorf("mtx:%d: invalid dimensions %dx%d nnz=%d", lineno, rows, cols, nnz)
			}
			sized = true
			entryRow = make([]int32, 0, nnz)
			entryCol = make([]int32, 0, nnz)
			entryVal = make([]float64, 0, nnz)
			continue
		}
		if len(f) != 3 {
			return nil, errors.Errorf("mtx:%d: malformed entry %q", lineno, line)
		}
		i, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, errors.Wrapf(err, "mtx:%d: bad row index", lineno)
		}
		j, err := strconv.Atoi(f[1])
		if err != nil {
			return nil, errors.Wrapf(err, "mtx:%d: bad column index", lineno)
		}
		v, err := strconv.ParseFloat(f[2], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "mtx:%d: bad value", lineno)
		}
		if i < 1 || i > rows || j < 1 || j > cols {
			return nil, errors.Errorf("mtx:%d: index (%d,%d) outside %dx%d matrix", lineno, i, j, rows, cols)
		}
		if v < 0 {
			return nil, errors.Errorf("mtx:%d: negative count %g", lineno, v)
		}
		entryRow = append(entryRow, int32(i-1))
		entryCol = append(entryCol, int32(j-1))
		entryVal = append(entryVal, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "mtx: read")
	}
	if !sized {
		return nil, errors.New("mtx: missing size line")
	}
	if len(entryVal) != nnz {
		return nil, errors.Errorf("mtx: size line declares %d entries, found %d", nnz, len(entryVal))
	}

	// Counting sort by column, then order rows within each column.
	m.Rows, m.Cols = rows, cols
	m.ColPtr = make([]int, cols+1)
	for _, j := range entryCol {
		m.ColPtr[j+1]++
	}
	for j := 0; j < cols; j++ {
		m.ColPtr[j+1] += m.ColPtr[j]
	}
	m.RowIdx = make([]int32, nnz)
	m.Val = make([]float64, nnz)
	next := make([]int, cols)
	copy(next, m.ColPtr[:cols])
	for k, j := range entryCol {
		p := next[j]
		m.RowIdx[p] = entryRow[k]
		m.Val[p] = entryVal[k]
		next[j]++
	}
	for j := 0; j < cols; j++ {
		s, e := m.ColPtr[j], m.ColPtr[j+1]
		sort.Sort(colSorter{m.RowIdx[s:e], m.Val[s:e]})
		for k := s + 1; k < e; k++ {
			if m.RowIdx[k] == m.RowIdx[k-1] {
				return nil, errors.Errorf("mtx: duplicate entry at (%d,%d)", m.RowIdx[k]+1, j+1)
			}
		}
	}
	return m, nil
}

// Write emits m in MatrixMarket coordinate real format, column-major.
func (m *Matrix) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "%%%%MatrixMarket matrix coordinate real general\n%d %d %d\n", m.Rows, m.Cols, m.NNZ()); err != nil {
		return errors.Wrap(err, "mtx: write header")
	}
	for j := 0; j < m.Cols; j++ {
		rows, vals := m.Col(j)
		for k, i := range rows {
			if _, err := fmt.Fprintf(bw, "%d %d %g\n", i+1, j+1, vals[k]); err != nil {
				return errors.Wrap(err, "mtx: write entry")
			}
		}
	}
	return errors.Wrap(bw.Flush(), "mtx: flush")
}

// ReadLabels reads a label list with one record per line, as in the
// CellRanger features.tsv and barcodes.tsv companions of a matrix file.
// Lines are split on tabs and the given 0-based column is returned; column 0
// of a single-column file is the whole line.  Blank lines are skipped.
func ReadLabels(r io.Reader, column int) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(nil, scanBufferSize)
	var labels []string
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if column >= len(cols) {
			return nil, errors.Errorf("mtx: label line %d has %d columns, want at least %d", lineno, len(cols), column+1)
		}
		labels = append(labels, cols[column])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "mtx: read labels")
	}
	if len(labels) == 0 {
		return nil, errors.New("mtx: empty label list")
	}
	return labels, nil
}
