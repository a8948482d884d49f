// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// ChainResult is the terminal state of one Gibbs chain.
type ChainResult struct {
	Chain    int
	PInit    float64
	Beta     []float64 // posterior-mean weights, allele scale; nil if diverged before sampling
	PostP    []float64 // posterior inclusion probabilities
	H2       float64   // mean h2 over sampling iterations
	P        float64   // mean p over sampling iterations
	H2Path   []float64 // one entry per completed iteration
	PPath    []float64
	Diverged bool
	Err      error // *DivergedChainError when Diverged
}

// AutoOptions controls the sampler.
type AutoOptions struct {
	BurnIn  int    // burn-in iterations (default 500)
	NumIter int    // sampling iterations (default 200)
	Seed    uint64 // base RNG seed; chain i uses Seed+i
	Threads int    // concurrent chains (default GOMAXPROCS)
	// Checkpoint, when non-nil, persists chain state periodically
	// and resumes interrupted chains.
	Checkpoint *AutoCheckpoint
}

// chainState is the per-chain Gibbs state. It is also the unit
// persisted by AutoCheckpoint.
type chainState struct {
	Iter     int
	Curr     []float64 // current effect vector, correlation scale
	AvgBeta  []float64 // accumulated posterior mean (sampling phase)
	AvgPostP []float64
	NSampled int
	H2       float64
	P        float64
	H2Path   []float64
	PPath    []float64
}

// LDpredAuto runs one Gibbs chain per entry of pInits, each estimating
// (h2, p) online. A diverged chain is reported in its result, never as
// an error; ctx cancellation aborts the whole run.
func LDpredAuto(ctx context.Context, bm *BandedMatrix, df []DFBeta, h2Init float64, pInits []float64, opts AutoOptions) ([]ChainResult, error) {
	m := bm.NRow()
	if len(df) != m {
		return nil, inputErrorf("df_beta has %d variants but matrix has %d", len(df), m)
	}
	if len(pInits) == 0 {
		return nil, inputErrorf("need at least one p_init chain")
	}
	if err := checkH2(h2Init); err != nil {
		return nil, err
	}
	for _, p := range pInits {
		if err := checkP(p); err != nil {
			return nil, err
		}
	}
	betaHat, scale, err := sumstatsScale(df)
	if err != nil {
		return nil, err
	}
	if opts.BurnIn <= 0 {
		opts.BurnIn = 500
	}
	if opts.NumIter <= 0 {
		opts.NumIter = 200
	}
	if opts.Threads <= 0 {
		opts.Threads = runtime.GOMAXPROCS(0)
	}
	if opts.Seed == 0 {
		opts.Seed = uint64(time.Now().UnixNano())
	}

	results := make([]ChainResult, len(pInits))
	throttle := throttle{Max: opts.Threads}
	for chain := range pInits {
		chain := chain
		throttle.Go(func() error {
			results[chain] = runChain(ctx, bm, df, betaHat, scale, h2Init, pInits[chain], chain, opts)
			return ctx.Err()
		})
	}
	if err := throttle.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runChain(ctx context.Context, bm *BandedMatrix, df []DFBeta, betaHat, scale []float64, h2Init, pInit float64, chain int, opts AutoOptions) ChainResult {
	m := len(betaHat)
	st := &chainState{
		Curr:     make([]float64, m),
		AvgBeta:  make([]float64, m),
		AvgPostP: make([]float64, m),
		H2:       h2Init,
		P:        pInit,
	}
	if opts.Checkpoint != nil {
		if saved, err := opts.Checkpoint.load(chain); err != nil {
			log.Warnf("chain %d: ignoring unreadable checkpoint: %s", chain, err)
		} else if saved != nil && len(saved.Curr) == m {
			st = saved
			log.Printf("chain %d: resuming from iteration %d", chain, st.Iter)
		}
	}

	src := rand.NewSource(opts.Seed + uint64(chain))
	rng := rand.New(src)
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: src}

	total := opts.BurnIn + opts.NumIter
	lastSave := time.Now()
	for ; st.Iter < total; st.Iter++ {
		if err := ctx.Err(); err != nil {
			return ChainResult{Chain: chain, PInit: pInit, Err: err}
		}
		sampling := st.Iter >= opts.BurnIn
		sigma2 := st.H2 / (st.P * float64(m))
		for j := 0; j < m; j++ {
			dot, err := bm.ColDot(j, st.Curr)
			if err != nil {
				return ChainResult{Chain: chain, PInit: pInit, Err: err}
			}
			res := betaHat[j] - (dot - st.Curr[j])
			nj := df[j].NEff
			c1 := sigma2 * nj
			c2 := 1 / (1 + 1/c1)
			c3 := c2 * res
			c4 := c2 / nj
			postp := 1 / (1 + (1-st.P)/st.P*math.Sqrt(1+c1)*math.Exp(-c3*c3/(2*c4)))
			if rng.Float64() < postp {
				st.Curr[j] = c3 + math.Sqrt(c4)*normal.Rand()
			} else {
				st.Curr[j] = 0
			}
			if sampling {
				st.AvgBeta[j] += postp * c3
				st.AvgPostP[j] += postp
			}
		}
		rb, err := bm.Mul(st.Curr)
		if err != nil {
			return ChainResult{Chain: chain, PInit: pInit, Err: err}
		}
		h2est := floats.Dot(st.Curr, rb)
		nnz := 0
		for _, v := range st.Curr {
			if v != 0 {
				nnz++
			}
		}
		pest := float64(nnz) / float64(m)
		st.H2Path = append(st.H2Path, h2est)
		st.PPath = append(st.PPath, pest)
		if math.IsNaN(h2est) || math.IsInf(h2est, 0) || h2est < 0 {
			derr := &DivergedChainError{Chain: chain, Iteration: st.Iter, H2: h2est}
			log.Warnf("%s", derr)
			return ChainResult{
				Chain: chain, PInit: pInit,
				H2Path: st.H2Path, PPath: st.PPath,
				Diverged: true, Err: derr,
			}
		}
		// a pass where nothing was drawn carries the previous
		// estimates forward instead of collapsing sigma2 to zero
		if h2est > 0 {
			st.H2 = h2est
		}
		if nnz > 0 {
			st.P = math.Min(math.Max(pest, 1/float64(m)), 1)
		}
		if sampling {
			st.NSampled++
		}
		if opts.Checkpoint != nil && time.Since(lastSave) >= opts.Checkpoint.Interval {
			lastSave = time.Now()
			if err := opts.Checkpoint.save(chain, st); err != nil {
				log.Warnf("chain %d: checkpoint save failed: %s", chain, err)
			}
		}
	}

	beta := make([]float64, m)
	postp := make([]float64, m)
	ns := float64(st.NSampled)
	for j := 0; j < m; j++ {
		beta[j] = st.AvgBeta[j] / ns * scale[j]
		postp[j] = st.AvgPostP[j] / ns
	}
	h2, p := 0.0, 0.0
	for it := opts.BurnIn; it < total; it++ {
		h2 += st.H2Path[it]
		p += st.PPath[it]
	}
	h2 /= float64(opts.NumIter)
	p /= float64(opts.NumIter)
	return ChainResult{
		Chain: chain, PInit: pInit,
		Beta: beta, PostP: postp,
		H2: h2, P: p,
		H2Path: st.H2Path, PPath: st.PPath,
	}
}

// FilterChains marks the chains to keep for averaging: non-diverged
// chains whose weight scale (median absolute deviation of the
// posterior-mean effects) is within 3 MADs of the cross-chain median.
func FilterChains(results []ChainResult) []bool {
	keep := make([]bool, len(results))
	var scales []float64
	for _, r := range results {
		if !r.Diverged && r.Err == nil && r.Beta != nil {
			scales = append(scales, mad(r.Beta))
		}
	}
	if len(scales) == 0 {
		return keep
	}
	center := median(scales)
	spread := madAbout(scales, center)
	for i, r := range results {
		if r.Diverged || r.Err != nil || r.Beta == nil {
			continue
		}
		if spread == 0 || math.Abs(mad(r.Beta)-center) <= 3*spread {
			keep[i] = true
		}
	}
	return keep
}

// AverageChains returns the mean effect vector over kept chains.
func AverageChains(results []ChainResult, keep []bool) ([]float64, int) {
	var avg []float64
	kept := 0
	for i, r := range results {
		if !keep[i] {
			continue
		}
		if avg == nil {
			avg = make([]float64, len(r.Beta))
		}
		floats.Add(avg, r.Beta)
		kept++
	}
	if kept > 0 {
		floats.Scale(1/float64(kept), avg)
	}
	return avg, kept
}

func median(x []float64) float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func mad(x []float64) float64 {
	return madAbout(x, median(x))
}

func madAbout(x []float64, center float64) float64 {
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - center)
	}
	return median(dev)
}

type autocmd struct{}

func (cmd *autocmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	outputFilename := flags.String("o", "beta_auto.npy", "output averaged weights `file` (.npy)")
	pathFilename := flags.String("path-out", "", "write per-chain (h2, p) iteration paths to csv `file`")
	h2Init := flags.Float64("h2-init", 0.3, "initial heritability estimate")
	pInitSpec := flags.String("p-init", "0.0001,0.001,0.01,0.1", "comma-separated initial causal fractions, one chain each")
	burnIn := flags.Int("burn-in", 500, "burn-in iterations per chain")
	numIter := flags.Int("n-iter", 200, "sampling iterations per chain")
	seed := flags.Uint64("random-seed", 0, "PRNG seed (0 = time-based)")
	threads := flags.Int("threads", runtime.GOMAXPROCS(0), "concurrent chains")
	cacheBlocks := flags.Int("cache-blocks", 64, "banded store block cache size")
	checkpointFilename := flags.String("checkpoint", "", "bolt database `file` for periodic chain checkpoints")
	checkpointSecs := flags.Float64("checkpoint-seconds", 60, "seconds between checkpoint saves")
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

	var pInits []float64
	for _, s := range strings.Split(*pInitSpec, ",") {
		p, err2 := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err2 != nil {
			err = inputErrorf("bad -p-init value %q", s)
			return 2
		}
		pInits = append(pInits, p)
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

	opts := AutoOptions{BurnIn: *burnIn, NumIter: *numIter, Seed: *seed, Threads: *threads}
	if *checkpointFilename != "" {
		opts.Checkpoint, err = OpenAutoCheckpoint(*checkpointFilename, time.Duration(*checkpointSecs*float64(time.Second)))
		if err != nil {
			return 1
		}
		defer opts.Checkpoint.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results, err := LDpredAuto(ctx, bm, table.DFBeta(), *h2Init, pInits, opts)
	if err != nil {
		return 1
	}
	keep := FilterChains(results)
	avg, kept := AverageChains(results, keep)
	for _, r := range results {
		status := "ok"
		if r.Diverged {
			status = "diverged"
		} else if r.Err != nil {
			status = "failed"
		} else if !keep[r.Chain] {
			status = "filtered"
		}
		log.Printf("chain %d: p_init=%g h2=%.4g p=%.4g %s", r.Chain, r.PInit, r.H2, r.P, status)
	}
	if kept == 0 {
		err = fmt.Errorf("all %d chains diverged or were filtered out", len(results))
		return 1
	}
	log.Printf("ldpred-auto: averaging %d of %d chains", kept, len(results))
	err = writeNpyMatrix(*outputFilename, avg, len(avg), 0)
	if err != nil {
		return 1
	}
	if *pathFilename != "" {
		err = writeChainPaths(*pathFilename, results, keep)
		if err != nil {
			return 1
		}
	}
	return 0
}

func writeChainPaths(filename string, results []ChainResult, keep []bool) error {
	f, err := createFile(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintln(f, "chain,p_init,iteration,h2,p,kept")
	for i, r := range results {
		for it := range r.H2Path {
			fmt.Fprintf(f, "%d,%g,%d,%g,%g,%v\n", r.Chain, r.PInit, it, r.H2Path[it], r.PPath[it], keep[i])
		}
	}
	return f.Close()
}
