// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// InfOptions bounds the conjugate-gradient solve.
type InfOptions struct {
	Tol     float64 // relative residual target, default 1e-8
	MaxIter int     // default 10 * number of variants
}

// InfResult carries the solution plus convergence diagnostics.
type InfResult struct {
	Beta       []float64 // per-variant weights, allele scale
	Iterations int
	Residual   float64
}

// LDpredInf solves the infinitesimal model
// (R + (m/h2) I) beta = betaHat by conjugate gradient over the banded
// LD matrix.
func LDpredInf(bm *BandedMatrix, df []DFBeta, h2 float64, opts InfOptions) (*InfResult, error) {
	if err := checkH2(h2); err != nil {
		return nil, err
	}
	m := bm.NRow()
	if len(df) != m {
		return nil, inputErrorf("df_beta has %d variants but matrix has %d", len(df), m)
	}
	betaHat, scale, err := sumstatsScale(df)
	if err != nil {
		return nil, err
	}
	if opts.Tol <= 0 {
		opts.Tol = 1e-8
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = 10 * m
	}
	shrink := float64(m) / h2

	x := make([]float64, m)
	r := make([]float64, m)
	copy(r, betaHat)
	p := make([]float64, m)
	copy(p, betaHat)
	bnorm := math.Sqrt(floats.Dot(betaHat, betaHat))
	if bnorm == 0 {
		return &InfResult{Beta: x}, nil
	}
	rs := floats.Dot(r, r)
	iters := 0
	for ; iters < opts.MaxIter; iters++ {
		if math.Sqrt(rs)/bnorm <= opts.Tol {
			break
		}
		ap, err := bm.Mul(p)
		if err != nil {
			return nil, err
		}
		floats.AddScaled(ap, shrink, p)
		alpha := rs / floats.Dot(p, ap)
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		rsNew := floats.Dot(r, r)
		floats.Scale(rsNew/rs, p)
		floats.Add(p, r)
		rs = rsNew
	}
	res := math.Sqrt(rs) / bnorm
	if res > opts.Tol {
		return nil, &ConvergenceError{Iterations: iters, Residual: res, Tolerance: opts.Tol}
	}
	for j := range x {
		x[j] *= scale[j]
	}
	return &InfResult{Beta: x, Iterations: iters, Residual: res}, nil
}

type infcmd struct{}

func (cmd *infcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	matchedFilename := flags.String("matched", "matched.gob.gz", "matched table `file`")
	corrFilename := flags.String("corr", "corr.bmat", "banded correlation store `file`")
	outputFilename := flags.String("o", "beta_inf.npy", "output weights `file` (.npy)")
	h2 := flags.Float64("h2", 0, "heritability estimate (required, > 0)")
	tol := flags.Float64("tol", 1e-8, "conjugate gradient relative residual tolerance")
	maxIter := flags.Int("max-iter", 0, "conjugate gradient iteration budget (0 = 10x variants)")
	cacheBlocks := flags.Int("cache-blocks", 32, "banded store block cache size")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	table, err := ReadMatchedTable(*matchedFilename)
	if err != nil {
		return 1
	}
	bm, err := openBandedForTable(*corrFilename, table, *cacheBlocks)
	if err != nil {
		return 1
	}
	defer bm.Close()

	result, err := LDpredInf(bm, table.DFBeta(), *h2, InfOptions{Tol: *tol, MaxIter: *maxIter})
	if err != nil {
		return 1
	}
	log.Printf("ldpred-inf: %d variants, converged in %d iterations (residual %.3g)", bm.NRow(), result.Iterations, result.Residual)
	err = writeNpyMatrix(*outputFilename, result.Beta, len(result.Beta), 0)
	if err != nil {
		return 1
	}
	return 0
}
