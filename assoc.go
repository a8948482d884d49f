// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bufio"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat/distuv"
)

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

var glmGaussianConfig = &glm.Config{
	Family:    glm.NewFamily(glm.GaussianFamily),
	FitMethod: "IRLS",
	Log:       stdlog.New(io.Discard, "", 0),
}

// AssocResult is one per-variant univariate regression.
type AssocResult struct {
	Beta   float64
	BetaSE float64
	P      float64
}

// UnivariateRegression regresses outcome on each genotype column
// separately (plus an intercept): logistic when binary is true,
// linear otherwise. Columns where the fit fails (e.g. singular or
// monomorphic) come back as NaN.
func UnivariateRegression(g GenoSource, outcome []float64, binary bool, threads int) ([]AssocResult, error) {
	nrow, ncol := g.Dims()
	if len(outcome) != nrow {
		return nil, inputErrorf("phenotype has %d samples but genotype matrix has %d rows", len(outcome), nrow)
	}
	if binary {
		for i, y := range outcome {
			if y != 0 && y != 1 {
				return nil, inputErrorf("sample %d: binary outcome must be 0 or 1, got %g", i, y)
			}
		}
	}
	if threads <= 0 {
		threads = runtime.GOMAXPROCS(0)
	}
	config := glmConfig
	if !binary {
		config = glmGaussianConfig
	}
	constants := make([]statmodel.Dtype, nrow)
	for i := range constants {
		constants[i] = 1
	}
	y := make([]statmodel.Dtype, nrow)
	for i, v := range outcome {
		y[i] = statmodel.Dtype(v)
	}

	results := make([]AssocResult, ncol)
	var failed int64
	throttle := throttle{Max: threads}
	for j := 0; j < ncol; j++ {
		j := j
		throttle.Go(func() error {
			results[j] = fitOne(g, j, y, constants, config)
			if math.IsNaN(results[j].Beta) {
				atomic.AddInt64(&failed, 1)
			}
			return nil
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	if failed > 0 {
		log.Warnf("assoc: %d of %d columns failed to fit", failed, ncol)
	}
	return results, nil
}

func fitOne(g GenoSource, j int, y, constants []statmodel.Dtype, config *glm.Config) (res AssocResult) {
	res = AssocResult{Beta: math.NaN(), BetaSE: math.NaN(), P: math.NaN()}
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			res = AssocResult{Beta: math.NaN(), BetaSE: math.NaN(), P: math.NaN()}
		}
	}()
	nrow := len(y)
	col := g.Col(j, make([]float64, nrow))
	variant := make([]statmodel.Dtype, nrow)
	for i, v := range col {
		variant[i] = statmodel.Dtype(v)
	}
	data := [][]statmodel.Dtype{y, variant, constants}
	names := []string{"outcome", "variant", "constants"}
	dataset := statmodel.NewDataset(data, names)
	model, err := glm.NewGLM(dataset, "outcome", names[1:], config)
	if err != nil {
		return res
	}
	result := model.Fit()
	params := result.Params()
	stderrs := result.StdErr()
	if len(params) < 1 || len(stderrs) < 1 || stderrs[0] == 0 {
		return res
	}
	z := params[0] / stderrs[0]
	return AssocResult{
		Beta:   params[0],
		BetaSE: stderrs[0],
		P:      2 * distuv.UnitNormal.Survival(math.Abs(z)),
	}
}

// readPhenotypes reads a two-column csv (sample, value) with a header
// row; row order must match the genotype matrix.
func readPhenotypes(filename string) (ids []string, values []float64, err error) {
	f, err := zopen(filename)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	csvr := csv.NewReader(bufio.NewReader(f))
	rows, err := csvr.ReadAll()
	if err != nil {
		return nil, nil, inputErrorf("reading phenotype file: %s", err)
	}
	if len(rows) < 2 || len(rows[0]) < 2 {
		return nil, nil, inputErrorf("phenotype file needs a header and at least one (sample,value) row")
	}
	for _, row := range rows[1:] {
		v, err := strconv.ParseFloat(row[1], 64)
		if err != nil {
			return nil, nil, inputErrorf("bad phenotype value %q for sample %q", row[1], row[0])
		}
		ids = append(ids, row[0])
		values = append(values, v)
	}
	return ids, values, nil
}

type assoccmd struct{}

func (cmd *assoccmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	phenoFilename := flags.String("pheno", "", "phenotype csv `file` (sample,value; rows matching the genotype matrix)")
	panelFilename := flags.String("panel", "", "panel variant `file` (.bim) supplying chr/pos/alleles for the output")
	outputFilename := flags.String("o", "sumstats.tsv", "output summary statistics `file`")
	binary := flags.Bool("binary", true, "treat the phenotype as case/control (logistic regression)")
	threads := flags.Int("threads", runtime.GOMAXPROCS(0), "concurrent regressions")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *genoFilename == "" || *phenoFilename == "" || *panelFilename == "" {
		err = inputErrorf("must provide -geno, -pheno, and -panel")
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
	_, pheno, err := readPhenotypes(*phenoFilename)
	if err != nil {
		return 1
	}
	panel, err := ReadPanelBim(*panelFilename)
	if err != nil {
		return 1
	}
	_, ncol := g.Dims()
	if len(panel) != ncol {
		err = inputErrorf("panel has %d variants but genotype matrix has %d columns", len(panel), ncol)
		return 1
	}

	results, err := UnivariateRegression(g, pheno, *binary, *threads)
	if err != nil {
		return 1
	}

	neff := float64(len(pheno))
	if *binary {
		var ncase, nctrl float64
		for _, y := range pheno {
			if y == 1 {
				ncase++
			} else {
				nctrl++
			}
		}
		neff = EffectiveN(ncase, nctrl)
	}

	f, err := createFile(*outputFilename)
	if err != nil {
		return 1
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	fmt.Fprintln(bufw, "chr\tpos\ta0\ta1\tbeta\tbeta_se\tn_eff\tp")
	written := 0
	for j, r := range results {
		if math.IsNaN(r.Beta) {
			continue
		}
		pv := panel[j]
		fmt.Fprintf(bufw, "%d\t%d\t%s\t%s\t%g\t%g\t%g\t%g\n", pv.Chr, pv.Pos, pv.A0, pv.A1, r.Beta, r.BetaSE, neff, r.P)
		written++
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = f.Close()
	if err != nil {
		return 1
	}
	log.Printf("assoc: wrote %d of %d variants", written, len(results))
	return 0
}
