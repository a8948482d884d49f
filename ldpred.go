// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bufio"
	"math"

	"github.com/kshedden/gonpy"
)

// sumstatsScale converts marginal GWAS effects to the correlation
// scale the LD matrix lives on: betaHat[j] = beta[j] / scale[j] with
// scale[j] = sqrt(n_eff[j]*se[j]^2 + beta[j]^2). Solver outputs are
// converted back by multiplying by scale.
func sumstatsScale(df []DFBeta) (betaHat, scale []float64, err error) {
	betaHat = make([]float64, len(df))
	scale = make([]float64, len(df))
	for j, d := range df {
		if d.NEff <= 0 {
			return nil, nil, inputErrorf("variant %d: effective sample size %g is not positive", j, d.NEff)
		}
		if d.BetaSE <= 0 {
			return nil, nil, inputErrorf("variant %d: standard error %g is not positive", j, d.BetaSE)
		}
		s := math.Sqrt(d.NEff*d.BetaSE*d.BetaSE + d.Beta*d.Beta)
		scale[j] = s
		betaHat[j] = d.Beta / s
	}
	return betaHat, scale, nil
}

func checkH2(h2 float64) error {
	if !(h2 > 0) || math.IsInf(h2, 0) {
		return &InvalidHyperparameterError{Name: "h2", Value: h2}
	}
	return nil
}

func checkP(p float64) error {
	if !(p > 0) || p > 1 {
		return &InvalidHyperparameterError{Name: "p", Value: p}
	}
	return nil
}

// writeNpyMatrix writes a row-major rows x cols float64 matrix to a
// .npy file; cols == 0 writes a 1-D vector.
func writeNpyMatrix(filename string, data []float64, rows, cols int) error {
	f, err := createFile(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	if cols > 0 {
		npw.Shape = []int{rows, cols}
	} else {
		npw.Shape = []int{rows}
	}
	err = npw.WriteFloat64(data)
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// readNpyMatrix reads a float64 .npy file as a row-major matrix; 1-D
// input comes back with cols == 1.
func readNpyMatrix(filename string) (data []float64, rows, cols int, err error) {
	rdr, err := gonpy.NewFileReader(filename)
	if err != nil {
		return nil, 0, 0, err
	}
	data, err = rdr.GetFloat64()
	if err != nil {
		return nil, 0, 0, err
	}
	switch len(rdr.Shape) {
	case 1:
		rows, cols = rdr.Shape[0], 1
	case 2:
		rows, cols = rdr.Shape[0], rdr.Shape[1]
		if rdr.ColumnMajor {
			rm := make([]float64, len(data))
			for i := 0; i < rows; i++ {
				for j := 0; j < cols; j++ {
					rm[i*cols+j] = data[j*rows+i]
				}
			}
			data = rm
		}
	default:
		return nil, 0, 0, inputErrorf("%s: expected 1- or 2-dimensional array, got shape %v", filename, rdr.Shape)
	}
	return data, rows, cols, nil
}
