// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

// GenoSource is the narrow view of a genotype matrix (samples x
// variants, additive 0/1/2 coding with possible dosages) that
// clumping, association, and scoring consume. Implementations must be
// safe for concurrent column reads.
type GenoSource interface {
	Dims() (rows, cols int)
	// Col copies column j into dst (len >= rows) and returns it.
	Col(j int, dst []float64) []float64
}

// ColStats holds per-column sums over a row subset, the
// column-statistics collaborator contract.
type ColStats struct {
	N     int
	Sum   []float64
	SumSq []float64
}

// ColumnStats computes per-column sum and sum of squares over the
// given rows and cols; nil means all.
func ColumnStats(g GenoSource, rows, cols []int) ColStats {
	nrow, ncol := g.Dims()
	if cols == nil {
		cols = iotaInts(ncol)
	}
	st := ColStats{
		N:     len(rows),
		Sum:   make([]float64, len(cols)),
		SumSq: make([]float64, len(cols)),
	}
	if rows == nil {
		st.N = nrow
	}
	buf := make([]float64, nrow)
	for k, j := range cols {
		col := g.Col(j, buf)
		if rows == nil {
			for _, v := range col {
				st.Sum[k] += v
				st.SumSq[k] += v * v
			}
		} else {
			for _, i := range rows {
				v := col[i]
				st.Sum[k] += v
				st.SumSq[k] += v * v
			}
		}
	}
	return st
}

// Variance returns the sample variance of column k.
func (st ColStats) Variance(k int) float64 {
	n := float64(st.N)
	if n < 2 {
		return 0
	}
	return (st.SumSq[k] - st.Sum[k]*st.Sum[k]/n) / (n - 1)
}

// denseGeno is a row-major in-memory genotype matrix, e.g. loaded from
// a .npy file.
type denseGeno struct {
	rows, cols int
	data       []float64
}

func (g *denseGeno) Dims() (int, int) { return g.rows, g.cols }

func (g *denseGeno) Col(j int, dst []float64) []float64 {
	dst = dst[:g.rows]
	for i := 0; i < g.rows; i++ {
		dst[i] = g.data[i*g.cols+j]
	}
	return dst
}

// ReadGenoNpy loads a samples x variants genotype matrix from a .npy
// file.
func ReadGenoNpy(filename string) (GenoSource, error) {
	data, rows, cols, err := readNpyMatrix(filename)
	if err != nil {
		return nil, err
	}
	return &denseGeno{rows: rows, cols: cols, data: data}, nil
}

func iotaInts(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}
