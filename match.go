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

// MatchOptions controls allele reconciliation.
type MatchOptions struct {
	// StrandFlip also tries the DNA complement of both alleles
	// before giving up on a row.
	StrandFlip bool
	// DropDupSumstats drops summary-statistics rows that hit a
	// panel variant already claimed by an earlier row; when false,
	// such a collision is fatal.
	DropDupSumstats bool
}

type chrpos struct {
	chr, pos int
}

// Match reconciles summary statistics against a reference panel and
// returns the matched table, in panel position order. Rows with no
// counterpart are dropped and counted; zero overlap is a
// *NoOverlapError.
func Match(sumstats []SumStat, panel []PanelVariant, opts MatchOptions) (*MatchedTable, error) {
	byPos := make(map[chrpos][]int, len(panel))
	for i, pv := range panel {
		k := chrpos{pv.Chr, pv.Pos}
		byPos[k] = append(byPos[k], i)
	}

	var t MatchedTable
	t.Counts.NInput = len(sumstats)
	claimed := make(map[int]bool, len(sumstats))
	for _, ss := range sumstats {
		cands := byPos[chrpos{ss.Chr, ss.Pos}]
		matched := false
		for _, pi := range cands {
			pv := panel[pi]
			dir, flipped, ok := reconcileAlleles(ss.A0, ss.A1, pv.A0, pv.A1, opts.StrandFlip)
			if !ok {
				continue
			}
			if matched {
				// multi-allelic site: keep first match only
				t.Counts.NDupPanel++
				break
			}
			if claimed[pi] {
				t.Counts.NDupSumstats++
				if !opts.DropDupSumstats {
					return nil, inputErrorf("summary statistics contain multiple rows matching panel variant %d:%d %s/%s", pv.Chr, pv.Pos, pv.A0, pv.A1)
				}
				break
			}
			claimed[pi] = true
			mv := MatchedVariant{
				Variant:   pv.Variant,
				Beta:      float64(dir) * ss.Beta,
				BetaSE:    ss.BetaSE,
				NEff:      ss.NEff,
				Col:       pv.Col,
				Direction: dir,
				Flipped:   flipped,
				Ambiguous: opts.StrandFlip && palindromic(ss.A0, ss.A1),
			}
			t.Variants = append(t.Variants, mv)
			t.Counts.NMatched++
			if dir < 0 {
				t.Counts.NSwapped++
			}
			if flipped {
				t.Counts.NStrandFlipped++
			}
			if mv.Ambiguous {
				t.Counts.NAmbiguous++
			}
			matched = true
		}
		if !matched {
			t.Counts.NDropped++
		}
	}
	if t.Counts.NMatched == 0 {
		return nil, &NoOverlapError{NInput: len(sumstats), NPanel: len(panel)}
	}
	sort.SliceStable(t.Variants, func(i, j int) bool {
		a, b := t.Variants[i], t.Variants[j]
		if a.Chr != b.Chr {
			return a.Chr < b.Chr
		}
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		return a.Col < b.Col
	})
	return &t, nil
}

// reconcileAlleles compares a summary-statistics allele pair with a
// panel pair. Returns the effect direction (+1 same orientation, -1
// alleles swapped), whether a strand flip was needed, and whether any
// match was found at all. Palindromic pairs (A/T, C/G) match in their
// given orientation; the caller flags them as ambiguous because their
// strand cannot be determined.
func reconcileAlleles(a0, a1, b0, b1 string, strandFlip bool) (dir int, flipped, ok bool) {
	if a0 == b0 && a1 == b1 {
		return 1, false, true
	}
	if a0 == b1 && a1 == b0 {
		return -1, false, true
	}
	if !strandFlip {
		return 0, false, false
	}
	c0, ok0 := complementAllele(a0)
	c1, ok1 := complementAllele(a1)
	if !ok0 || !ok1 {
		return 0, false, false
	}
	if c0 == b0 && c1 == b1 {
		return 1, true, true
	}
	if c0 == b1 && c1 == b0 {
		return -1, true, true
	}
	return 0, false, false
}

type matchcmd struct{}

func (cmd *matchcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	sumstatsFilename := flags.String("sumstats", "", "summary statistics tsv `file` (may be gzipped)")
	panelFilename := flags.String("panel", "", "reference panel variant `file` (.bim layout)")
	outputFilename := flags.String("o", "matched.gob.gz", "output matched table `file`")
	strandFlip := flags.Bool("strand-flip", true, "attempt strand flips when alleles do not match")
	dropDups := flags.Bool("drop-dup-sumstats", true, "drop (instead of fail on) sumstats rows matching an already-claimed panel variant")
	cols := defaultSumstatsColumns()
	cols.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}
	if *sumstatsFilename == "" || *panelFilename == "" {
		err = inputErrorf("must provide -sumstats and -panel")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	sumstats, err := ReadSumStats(*sumstatsFilename, cols)
	if err != nil {
		return 1
	}
	panel, err := ReadPanelBim(*panelFilename)
	if err != nil {
		return 1
	}
	table, err := Match(sumstats, panel, MatchOptions{StrandFlip: *strandFlip, DropDupSumstats: *dropDups})
	if err != nil {
		return 1
	}
	c := table.Counts
	log.Printf("matched %d of %d sumstats rows against %d panel variants (%d swapped, %d strand-flipped, %d ambiguous, %d dropped)",
		c.NMatched, c.NInput, len(panel), c.NSwapped, c.NStrandFlipped, c.NAmbiguous, c.NDropped)
	err = WriteMatchedTable(table, *outputFilename)
	if err != nil {
		return 1
	}
	return 0
}
