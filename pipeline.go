// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// PipelineConfig is the TOML layout for an end-to-end run:
// match -> corr -> auto -> score.
type PipelineConfig struct {
	Input struct {
		Sumstats   string
		Panel      string
		Corr       string
		Genotypes  string
		GeneticMap string `toml:"genetic_map"`
	}
	Match struct {
		StrandFlip bool `toml:"strand_flip"`
	}
	Corr struct {
		WindowCM  float64 `toml:"window_cm"`
		WindowBP  int     `toml:"window_bp"`
		BlockCols int     `toml:"block_cols"`
	}
	Auto struct {
		H2Init  float64   `toml:"h2_init"`
		PInit   []float64 `toml:"p_init"`
		BurnIn  int       `toml:"burn_in"`
		NumIter int       `toml:"n_iter"`
		Seed    uint64
		Threads int
	}
	Output struct {
		Dir string
	}
}

// RunPipeline executes the configured stages, writing intermediate and
// final artifacts into the output directory.
func RunPipeline(ctx context.Context, config *PipelineConfig) error {
	if config.Input.Sumstats == "" || config.Input.Panel == "" || config.Input.Corr == "" {
		return inputErrorf("pipeline config needs input.sumstats, input.panel, and input.corr")
	}
	outdir := config.Output.Dir
	if outdir == "" {
		outdir = "."
	}
	err := os.MkdirAll(outdir, 0777)
	if err != nil {
		return err
	}

	sumstats, err := ReadSumStats(config.Input.Sumstats, defaultSumstatsColumns())
	if err != nil {
		return err
	}
	panel, err := ReadPanelBim(config.Input.Panel)
	if err != nil {
		return err
	}
	table, err := Match(sumstats, panel, MatchOptions{StrandFlip: config.Match.StrandFlip, DropDupSumstats: true})
	if err != nil {
		return err
	}
	c := table.Counts
	log.Printf("pipeline: matched %d of %d rows (%d swapped, %d flipped, %d ambiguous)", c.NMatched, c.NInput, c.NSwapped, c.NStrandFlipped, c.NAmbiguous)
	matchedFilename := filepath.Join(outdir, "matched.gob.gz")
	err = WriteMatchedTable(table, matchedFilename)
	if err != nil {
		return err
	}

	src, err := ReadDenseCorrNpy(config.Input.Corr)
	if err != nil {
		return err
	}
	if src.Dim() != len(table.Variants) {
		return inputErrorf("correlation matrix has %d variants but matched table has %d", src.Dim(), len(table.Variants))
	}
	var pos []float64
	var window float64
	if config.Corr.WindowBP > 0 {
		window = float64(config.Corr.WindowBP)
		pos, err = bandPositions(table, nil, window)
	} else {
		if config.Input.GeneticMap == "" {
			return inputErrorf("pipeline config needs input.genetic_map (or corr.window_bp)")
		}
		var gmap *GeneticMap
		gmap, err = ReadGeneticMap(config.Input.GeneticMap)
		if err != nil {
			return err
		}
		window = config.Corr.WindowCM
		if window <= 0 {
			window = 3
		}
		pos, err = bandPositions(table, gmap, window)
	}
	if err != nil {
		return err
	}
	corrFilename := filepath.Join(outdir, "corr.bmat")
	err = BuildBandedMatrix(corrFilename, src, pos, window, table.PositionFingerprint(), config.Corr.BlockCols)
	if err != nil {
		return err
	}

	bm, err := openBandedForTable(corrFilename, table, 64)
	if err != nil {
		return err
	}
	defer bm.Close()
	h2Init := config.Auto.H2Init
	if h2Init <= 0 {
		h2Init = 0.3
	}
	pInits := config.Auto.PInit
	if len(pInits) == 0 {
		pInits = []float64{0.0001, 0.001, 0.01, 0.1}
	}
	results, err := LDpredAuto(ctx, bm, table.DFBeta(), h2Init, pInits, AutoOptions{
		BurnIn:  config.Auto.BurnIn,
		NumIter: config.Auto.NumIter,
		Seed:    config.Auto.Seed,
		Threads: config.Auto.Threads,
	})
	if err != nil {
		return err
	}
	keep := FilterChains(results)
	avg, kept := AverageChains(results, keep)
	if kept == 0 {
		return fmt.Errorf("all %d chains diverged or were filtered out", len(results))
	}
	log.Printf("pipeline: averaged %d of %d chains", kept, len(results))
	err = writeNpyMatrix(filepath.Join(outdir, "beta_auto.npy"), avg, len(avg), 0)
	if err != nil {
		return err
	}

	if config.Input.Genotypes == "" {
		return nil
	}
	g, err := ReadGenoNpy(config.Input.Genotypes)
	if err != nil {
		return err
	}
	scores, err := Score(g, table, avg, 1)
	if err != nil {
		return err
	}
	nrow, _ := scores.Dims()
	flat := make([]float64, nrow)
	for i := 0; i < nrow; i++ {
		flat[i] = scores.At(i, 0)
	}
	return writeNpyMatrix(filepath.Join(outdir, "scores.npy"), flat, nrow, 0)
}

type pipelinecmd struct{}

func (cmd *pipelinecmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	configFilename := flags.String("config", "prs.toml", "pipeline configuration `file` (toml)")
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

	var config PipelineConfig
	_, err = toml.DecodeFile(*configFilename, &config)
	if err != nil {
		return 1
	}
	if config.Auto.Threads <= 0 {
		config.Auto.Threads = runtime.GOMAXPROCS(0)
	}
	err = RunPipeline(context.Background(), &config)
	if err != nil {
		return 1
	}
	return 0
}
