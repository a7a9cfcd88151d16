// Package gcpio reads and writes the text formats for sparse tensors and
// Kruskal decompositions: one "i j k ... value" line per stored entry with
// 1-based coordinates for tensors, and a factor-matrix listing for models.
// An optional "sptensor" header carries the exact shape; without it the
// shape is inferred from the largest coordinate seen per mode.
package gcpio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/sparsefold/sparsefold/types/ktensor"
	"github.com/sparsefold/sparsefold/types/sptensor"
)

// ReadSparse parses a sparse tensor in coordinate text format.
func ReadSparse(r io.Reader) (*sptensor.Sparse, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)

	var dims []int
	var coords [][]int
	var values []float64
	declared := -1
	lineNo := 0

	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "%") || strings.HasPrefix(fields[0], "#") {
			continue
		}
		if fields[0] == "sptensor" {
			// Header: "sptensor" then ndims, the dims, and the entry count
			// on following lines.
			header, err := readInts(sc, 1)
			if err != nil {
				return nil, errors.WithMessage(err, "reading sparse tensor header")
			}
			dims, err = readInts(sc, header[0])
			if err != nil {
				return nil, errors.WithMessage(err, "reading sparse tensor dimensions")
			}
			counts, err := readInts(sc, 1)
			if err != nil {
				return nil, errors.WithMessage(err, "reading sparse tensor entry count")
			}
			declared = counts[0]
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("line %d: entry needs at least one coordinate and a value", lineNo)
		}
		c := make([]int, len(fields)-1)
		for m, f := range fields[:len(fields)-1] {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: bad coordinate %q", lineNo, f)
			}
			c[m] = v - 1
		}
		v, err := strconv.ParseFloat(fields[len(fields)-1], 64)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: bad value %q", lineNo, fields[len(fields)-1])
		}
		coords = append(coords, c)
		values = append(values, v)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading sparse tensor")
	}
	if len(values) == 0 {
		return nil, errors.New("sparse tensor input has no entries")
	}
	if declared >= 0 && declared != len(values) {
		return nil, errors.Errorf("header declares %d entries, found %d", declared, len(values))
	}
	if dims == nil {
		dims = make([]int, len(coords[0]))
		for _, c := range coords {
			for m, cm := range c {
				if cm+1 > dims[m] {
					dims[m] = cm + 1
				}
			}
		}
	}
	return sptensor.FromCOO(dims, coords, values)
}

func readInts(sc *bufio.Scanner, n int) ([]int, error) {
	var out []int
	for len(out) < n {
		if !sc.Scan() {
			return nil, errors.Errorf("expected %d more integers, input ended", n-len(out))
		}
		for _, f := range strings.Fields(sc.Text()) {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, errors.Wrapf(err, "bad integer %q", f)
			}
			out = append(out, v)
		}
	}
	if len(out) != n {
		return nil, errors.Errorf("expected %d integers, got %d", n, len(out))
	}
	return out, nil
}

// WriteSparse writes a sparse tensor in coordinate text format with the
// "sptensor" header.
func WriteSparse(w io.Writer, x *sptensor.Sparse) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "sptensor")
	fmt.Fprintln(bw, x.NumModes())
	for m := 0; m < x.NumModes(); m++ {
		if m > 0 {
			fmt.Fprint(bw, " ")
		}
		fmt.Fprint(bw, x.Dim(m))
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, x.NNZ())
	for i := 0; i < x.NNZ(); i++ {
		for m := 0; m < x.NumModes(); m++ {
			fmt.Fprintf(bw, "%d ", x.Coord(i, m)+1)
		}
		fmt.Fprintf(bw, "%.15g\n", x.Value(i))
	}
	return errors.Wrap(bw.Flush(), "writing sparse tensor")
}

// WriteKtensor writes a Kruskal decomposition: header, weights, then each
// mode's factor matrix row by row.
func WriteKtensor(w io.Writer, k *ktensor.Ktensor) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "ktensor")
	fmt.Fprintln(bw, k.NumModes())
	for m, d := range k.Dims() {
		if m > 0 {
			fmt.Fprint(bw, " ")
		}
		fmt.Fprint(bw, d)
	}
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, k.Rank())
	for r, wr := range k.Weights() {
		if r > 0 {
			fmt.Fprint(bw, " ")
		}
		fmt.Fprintf(bw, "%.15g", wr)
	}
	fmt.Fprintln(bw)
	for m := 0; m < k.NumModes(); m++ {
		f := k.Factor(m)
		fmt.Fprintln(bw, "matrix")
		fmt.Fprintf(bw, "%d %d\n", f.Rows(), f.Cols())
		for i := 0; i < f.Rows(); i++ {
			for j := 0; j < f.Cols(); j++ {
				if j > 0 {
					fmt.Fprint(bw, " ")
				}
				fmt.Fprintf(bw, "%.15g", f.At(i, j))
			}
			fmt.Fprintln(bw)
		}
	}
	return errors.Wrap(bw.Flush(), "writing ktensor")
}

// ReadKtensor parses what WriteKtensor writes.
func ReadKtensor(r io.Reader) (*ktensor.Ktensor, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != "ktensor" {
		return nil, errors.New("ktensor input missing header")
	}
	header, err := readInts(sc, 1)
	if err != nil {
		return nil, errors.WithMessage(err, "reading ktensor mode count")
	}
	nd := header[0]
	dims, err := readInts(sc, nd)
	if err != nil {
		return nil, errors.WithMessage(err, "reading ktensor dimensions")
	}
	rk, err := readInts(sc, 1)
	if err != nil {
		return nil, errors.WithMessage(err, "reading ktensor rank")
	}
	rank := rk[0]
	weights, err := readFloats(sc, rank)
	if err != nil {
		return nil, errors.WithMessage(err, "reading ktensor weights")
	}
	k := ktensor.New(rank, dims)
	copy(k.Weights(), weights)
	for m := 0; m < nd; m++ {
		if !sc.Scan() || strings.TrimSpace(sc.Text()) != "matrix" {
			return nil, errors.Errorf("mode %d: missing matrix header", m)
		}
		shape, err := readInts(sc, 2)
		if err != nil {
			return nil, errors.WithMessagef(err, "mode %d: reading matrix shape", m)
		}
		if shape[0] != dims[m] || shape[1] != rank {
			return nil, errors.Errorf("mode %d: matrix is %dx%d, want %dx%d", m, shape[0], shape[1], dims[m], rank)
		}
		data, err := readFloats(sc, dims[m]*rank)
		if err != nil {
			return nil, errors.WithMessagef(err, "mode %d: reading matrix entries", m)
		}
		copy(k.Factor(m).Data(), data)
	}
	return k, nil
}

func readFloats(sc *bufio.Scanner, n int) ([]float64, error) {
	var out []float64
	for len(out) < n {
		if !sc.Scan() {
			return nil, errors.Errorf("expected %d more values, input ended", n-len(out))
		}
		for _, f := range strings.Fields(sc.Text()) {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "bad value %q", f)
			}
			out = append(out, v)
		}
	}
	if len(out) != n {
		return nil, errors.Errorf("expected %d values, got %d", n, len(out))
	}
	return out, nil
}
