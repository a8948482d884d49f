// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GridParam is one hyperparameter setting for the grid solver.
type GridParam struct {
	P      float64
	H2     float64
	Sparse bool
}

// GridResult is the outcome of one grid point. Err is set when this
// point failed numerically; sibling points are unaffected.
type GridResult struct {
	Param      GridParam
	Beta       []float64 // allele scale; nil if Err != nil
	NumNonZero int
	Err        error
}

// GridOptions controls the deterministic grid solver.
type GridOptions struct {
	NumIter int // passes over all variants per grid point (default 100)
	Threads int // concurrent grid points (default GOMAXPROCS)
}

// LDpredGrid runs the deterministic expectation version of the
// LDpred2 update for every grid point. No randomness anywhere:
// identical inputs give bit-identical outputs. Points run in parallel;
// the shared banded store is accessed read-only.
func LDpredGrid(ctx context.Context, bm *BandedMatrix, df []DFBeta, params []GridParam, opts GridOptions) ([]GridResult, error) {
	m := bm.NRow()
	if len(df) != m {
		return nil, inputErrorf("df_beta has %d variants but matrix has %d", len(df), m)
	}
	if len(params) == 0 {
		return nil, inputErrorf("empty hyperparameter grid")
	}
	for _, prm := range params {
		if err := checkH2(prm.H2); err != nil {
			return nil, err
		}
		if err := checkP(prm.P); err != nil {
			return nil, err
		}
	}
	betaHat, scale, err := sumstatsScale(df)
	if err != nil {
		return nil, err
	}
	if opts.NumIter <= 0 {
		opts.NumIter = 100
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.GOMAXPROCS(0)
	}

	results := make([]GridResult, len(params))
	throttle := throttle{Max: opts.Threads}
	for g := range params {
		g := g
		throttle.Go(func() error {
			results[g] = gridPoint(ctx, bm, df, betaHat, scale, params[g], opts.NumIter)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// gridPoint runs NumIter full passes of the spike-and-slab expectation
// update for a single (p, h2, sparse) setting.
func gridPoint(ctx context.Context, bm *BandedMatrix, df []DFBeta, betaHat, scale []float64, prm GridParam, numIter int) GridResult {
	m := len(betaHat)
	curr := make([]float64, m)
	sigma2 := prm.H2 / (prm.P * float64(m))
	postp := make([]float64, m)
	for it := 0; it < numIter; it++ {
		if err := ctx.Err(); err != nil {
			return GridResult{Param: prm, Err: err}
		}
		for j := 0; j < m; j++ {
			dot, err := bm.ColDot(j, curr)
			if err != nil {
				return GridResult{Param: prm, Err: err}
			}
			res := betaHat[j] - (dot - curr[j])
			nj := df[j].NEff
			c1 := sigma2 * nj
			c2 := 1 / (1 + 1/c1)
			c3 := c2 * res
			c4 := c2 / nj
			pp := 1 / (1 + (1-prm.P)/prm.P*math.Sqrt(1+c1)*math.Exp(-c3*c3/(2*c4)))
			postp[j] = pp
			curr[j] = pp * c3
		}
	}
	nonzero := 0
	for j := range curr {
		if prm.Sparse && postp[j] < prm.P {
			curr[j] = 0
		}
		if curr[j] != 0 {
			nonzero++
		}
		curr[j] *= scale[j]
	}
	return GridResult{Param: prm, Beta: curr, NumNonZero: nonzero}
}

// ParseGrid parses a grid description like
// "p=0.01,0.1;h2=0.1,0.3;sparse=false,true" into the cartesian product
// of settings.
func ParseGrid(s string) ([]GridParam, error) {
	ps := []float64{0.01}
	h2s := []float64{0.1}
	sparses := []bool{false}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, inputErrorf("bad grid component %q", part)
		}
		vals := strings.Split(kv[1], ",")
		switch strings.TrimSpace(kv[0]) {
		case "p":
			ps = ps[:0]
			for _, v := range vals {
				x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
				if err != nil {
					return nil, inputErrorf("bad grid p value %q", v)
				}
				ps = append(ps, x)
			}
		case "h2":
			h2s = h2s[:0]
			for _, v := range vals {
				x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
				if err != nil {
					return nil, inputErrorf("bad grid h2 value %q", v)
				}
				h2s = append(h2s, x)
			}
		case "sparse":
			sparses = sparses[:0]
			for _, v := range vals {
				b, err := strconv.ParseBool(strings.TrimSpace(v))
				if err != nil {
					return nil, inputErrorf("bad grid sparse value %q", v)
				}
				sparses = append(sparses, b)
			}
		default:
			return nil, inputErrorf("unknown grid dimension %q", kv[0])
		}
	}
	var grid []GridParam
	for _, sparse := range sparses {
		for _, h2 := range h2s {
			for _, p := range ps {
				grid = append(grid, GridParam{P: p, H2: h2, Sparse: sparse})
			}
		}
	}
	return grid, nil
}

type gridcmd struct{}

func (cmd *gridcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "beta_grid.npy", "output weights `file` (.npy, one column per grid point)")
	paramsFilename := flags.String("params-out", "", "also write per-grid-point settings and diagnostics to csv `file`")
	gridSpec := flags.String("grid", "p=0.001,0.01,0.1;h2=0.1,0.3;sparse=false", "hyperparameter grid")
	numIter := flags.Int("n-iter", 100, "passes per grid point")
	threads := flags.Int("threads", runtime.GOMAXPROCS(0), "concurrent grid points")
	cacheBlocks := flags.Int("cache-blocks", 64, "banded store block cache size")
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

	grid, err := ParseGrid(*gridSpec)
	if err != nil {
		return 2
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

	results, err := LDpredGrid(context.Background(), bm, table.DFBeta(), grid, GridOptions{NumIter: *numIter, Threads: *threads})
	if err != nil {
		return 1
	}
	m := bm.NRow()
	out := make([]float64, m*len(results))
	ok := 0
	for g, r := range results {
		if r.Err != nil {
			log.Warnf("grid point %d (p=%g h2=%g sparse=%v) failed: %s", g, r.Param.P, r.Param.H2, r.Param.Sparse, r.Err)
			for j := 0; j < m; j++ {
				out[j*len(results)+g] = math.NaN()
			}
			continue
		}
		ok++
		for j, v := range r.Beta {
			out[j*len(results)+g] = v
		}
	}
	log.Printf("ldpred-grid: %d variants, %d/%d grid points succeeded", m, ok, len(results))
	err = writeNpyMatrix(*outputFilename, out, m, len(results))
	if err != nil {
		return 1
	}
	if *paramsFilename != "" {
		err = writeGridParams(*paramsFilename, results)
		if err != nil {
			return 1
		}
	}
	return 0
}

func writeGridParams(filename string, results []GridResult) error {
	f, err := createFile(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	w.Write([]string{"index", "p", "h2", "sparse", "num_nonzero", "error"})
	for g, r := range results {
		errmsg := ""
		if r.Err != nil {
			errmsg = r.Err.Error()
		}
		w.Write([]string{
			strconv.Itoa(g),
			strconv.FormatFloat(r.Param.P, 'g', -1, 64),
			strconv.FormatFloat(r.Param.H2, 'g', -1, 64),
			strconv.FormatBool(r.Param.Sparse),
			strconv.Itoa(r.NumNonZero),
			errmsg,
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Close()
}
