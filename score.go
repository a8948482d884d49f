// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// Score multiplies panel genotypes by one or more weight vectors:
// scores[i][k] = sum_j geno[i, col_j] * weights[j][k], where col_j is
// the panel column of matched variant j. weights is row-major
// (variants x k).
func Score(g GenoSource, table *MatchedTable, weights []float64, k int) (*mat.Dense, error) {
	nrow, ncol := g.Dims()
	m := len(table.Variants)
	if k <= 0 || len(weights) != m*k {
		return nil, inputErrorf("weight matrix has %d values, expected %d variants x %d columns", len(weights), m, k)
	}
	x := mat.NewDense(nrow, m, nil)
	buf := make([]float64, nrow)
	for j, v := range table.Variants {
		if v.Col < 0 || v.Col >= ncol {
			return nil, inputErrorf("matched variant %d refers to panel column %d, outside 0..%d", j, v.Col, ncol-1)
		}
		col := g.Col(v.Col, buf)
		for i := 0; i < nrow; i++ {
			x.Set(i, j, col[i])
		}
	}
	w := mat.NewDense(m, k, weights)
	var scores mat.Dense
	scores.Mul(x, w)
	return &scores, nil
}

type scorecmd struct{}

func (cmd *scorecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	genoFilename := flags.String("geno", "", "genotype matrix `file` (.npy, samples x panel variants)")
	matchedFilename := flags.String("matched", "matched.gob.gz", "matched table `file`")
	weightsFilename := flags.String("weights", "", "weights `file` (.npy vector or matrix from inf/grid/auto)")
	outputFilename := flags.String("o", "scores.npy", "output scores `file` (.npy, samples x weight columns)")
	csvFilename := flags.String("csv-out", "", "also write scores to csv `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *genoFilename == "" || *weightsFilename == "" {
		err = inputErrorf("must provide -geno and -weights")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	g, err := ReadGenoNpy(*genoFilename)
	if err != nil {
		return 1
	}
	table, err := ReadMatchedTable(*matchedFilename)
	if err != nil {
		return 1
	}
	weights, wrows, wcols, err := readNpyMatrix(*weightsFilename)
	if err != nil {
		return 1
	}
	if wrows != len(table.Variants) {
		err = inputErrorf("weights have %d rows but matched table has %d variants", wrows, len(table.Variants))
		return 1
	}
	scores, err := Score(g, table, weights, wcols)
	if err != nil {
		return 1
	}
	nrow, k := scores.Dims()
	log.Printf("score: %d samples x %d weight columns over %d variants", nrow, k, wrows)

	flat := make([]float64, nrow*k)
	for i := 0; i < nrow; i++ {
		copy(flat[i*k:(i+1)*k], scores.RawRowView(i))
	}
	err = writeNpyMatrix(*outputFilename, flat, nrow, k)
	if err != nil {
		return 1
	}
	if *csvFilename != "" {
		var f io.WriteCloser
		f, err = createFile(*csvFilename)
		if err != nil {
			return 1
		}
		defer f.Close()
		bufw := bufio.NewWriter(f)
		for i := 0; i < nrow; i++ {
			fmt.Fprint(bufw, strconv.Itoa(i))
			for c := 0; c < k; c++ {
				fmt.Fprintf(bufw, ",%g", scores.At(i, c))
			}
			fmt.Fprintln(bufw)
		}
		err = bufw.Flush()
		if err != nil {
			return 1
		}
		err = f.Close()
		if err != nil {
			return 1
		}
	}
	return 0
}
