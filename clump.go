// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"sort"

	log "github.com/sirupsen/logrus"
)

// ClumpOptions configures local LD clumping.
type ClumpOptions struct {
	// R2 is the pairwise r-squared threshold above which the
	// lower-frequency column is excluded.
	R2 float64
	// Ploidy converts mean genotype to allele frequency (2 for
	// diploid data).
	Ploidy int
	// Rows restricts the computation to a sample subset; nil means
	// all samples.
	Rows []int
	// Cols restricts to a variant subset; nil means all variants.
	Cols []int
}

// LocalClump greedily prunes correlated columns: columns are visited
// in decreasing minor-allele-frequency order (ties broken by input
// order); each surviving column anchors the exclusion of every other
// surviving column whose squared Pearson correlation with it exceeds
// the threshold. Returned mask is indexed like opts.Cols; true means
// keep. The quadratic scan is only acceptable on a bounded local
// region; genome-wide runs must chunk first.
func LocalClump(g GenoSource, opts ClumpOptions) ([]bool, error) {
	nrow, ncol := g.Dims()
	if opts.R2 < 0 || opts.R2 > 1 {
		return nil, inputErrorf("r2 threshold must be in [0,1], got %g", opts.R2)
	}
	if opts.Ploidy <= 0 {
		opts.Ploidy = 2
	}
	cols := opts.Cols
	if cols == nil {
		cols = iotaInts(ncol)
	}
	n := nrow
	if opts.Rows != nil {
		n = len(opts.Rows)
	}
	if n < 2 {
		return nil, inputErrorf("need at least 2 samples, have %d", n)
	}

	st := ColumnStats(g, opts.Rows, cols)
	fn := float64(n)
	maf := make([]float64, len(cols))
	deno := make([]float64, len(cols))
	for k := range cols {
		af := st.Sum[k] / fn / float64(opts.Ploidy)
		if af > 0.5 {
			af = 1 - af
		}
		maf[k] = af
		deno[k] = st.SumSq[k] - st.Sum[k]*st.Sum[k]/fn // (n-1) * var
	}
	order := iotaInts(len(cols))
	sort.SliceStable(order, func(a, b int) bool { return maf[order[a]] > maf[order[b]] })

	// materialize the needed columns once, centered scan happens on
	// raw values using the one-pass covariance formula
	data := make([][]float64, len(cols))
	buf := make([]float64, nrow)
	for k, j := range cols {
		col := g.Col(j, buf)
		sub := make([]float64, n)
		if opts.Rows == nil {
			copy(sub, col)
		} else {
			for x, i := range opts.Rows {
				sub[x] = col[i]
			}
		}
		data[k] = sub
	}

	keep := make([]bool, len(cols))
	excluded := make([]bool, len(cols))
	for _, k := range order {
		if excluded[k] {
			continue
		}
		keep[k] = true
		if deno[k] == 0 {
			// monomorphic anchor is uncorrelated with everything
			continue
		}
		xk := data[k]
		for _, l := range order {
			if l == k || excluded[l] || keep[l] || deno[l] == 0 {
				continue
			}
			xl := data[l]
			var sxy float64
			for i := 0; i < n; i++ {
				sxy += xk[i] * xl[i]
			}
			num := sxy - st.Sum[k]*st.Sum[l]/fn
			if num*num > opts.R2*deno[k]*deno[l] {
				excluded[l] = true
			}
		}
	}
	return keep, nil
}

type clumpcmd struct{}

func (cmd *clumpcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	genoFilename := flags.String("geno", "", "genotype matrix `file` (.npy, samples x variants)")
	outputFilename := flags.String("o", "keep.csv", "output keep mask `file` (one 0/1 row per variant)")
	r2 := flags.Float64("r2", 0.2, "exclude columns with pairwise r-squared above this")
	ploidy := flags.Int("ploidy", 2, "ploidy for allele frequency computation")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *genoFilename == "" {
		err = inputErrorf("must provide -geno")
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
	keep, err := LocalClump(g, ClumpOptions{R2: *r2, Ploidy: *ploidy})
	if err != nil {
		return 1
	}
	kept := 0
	f, err := createFile(*outputFilename)
	if err != nil {
		return 1
	}
	defer f.Close()
	for _, k := range keep {
		if k {
			kept++
			fmt.Fprintln(f, "1")
		} else {
			fmt.Fprintln(f, "0")
		}
	}
	err = f.Close()
	if err != nil {
		return 1
	}
	log.Printf("clump: kept %d of %d variants at r2 threshold %g", kept, len(keep), *r2)
	return 0
}
