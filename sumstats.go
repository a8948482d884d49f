// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bufio"
	"encoding/csv"
	"flag"
	"io"
	"math"
	"strconv"
	"strings"
)

// sumstatsColumns maps summary-statistics header names onto the fields
// Match needs. Either n-eff or both n-case and n-control must be
// present; in the latter case the effective sample size is derived.
type sumstatsColumns struct {
	Chr      string
	Pos      string
	A0       string
	A1       string
	Beta     string
	BetaSE   string
	NEff     string
	NCase    string
	NControl string
	P        string
}

func defaultSumstatsColumns() *sumstatsColumns {
	return &sumstatsColumns{
		Chr:      "chr",
		Pos:      "pos",
		A0:       "a0",
		A1:       "a1",
		Beta:     "beta",
		BetaSE:   "beta_se",
		NEff:     "n_eff",
		NCase:    "n_case",
		NControl: "n_control",
		P:        "p",
	}
}

func (c *sumstatsColumns) Flags(flags *flag.FlagSet) {
	flags.StringVar(&c.Chr, "col-chr", c.Chr, "sumstats column `name` for chromosome")
	flags.StringVar(&c.Pos, "col-pos", c.Pos, "sumstats column `name` for position")
	flags.StringVar(&c.A0, "col-a0", c.A0, "sumstats column `name` for reference allele")
	flags.StringVar(&c.A1, "col-a1", c.A1, "sumstats column `name` for effect allele")
	flags.StringVar(&c.Beta, "col-beta", c.Beta, "sumstats column `name` for effect size")
	flags.StringVar(&c.BetaSE, "col-beta-se", c.BetaSE, "sumstats column `name` for effect standard error")
	flags.StringVar(&c.NEff, "col-n-eff", c.NEff, "sumstats column `name` for effective sample size")
	flags.StringVar(&c.NCase, "col-n-case", c.NCase, "sumstats column `name` for case count")
	flags.StringVar(&c.NControl, "col-n-control", c.NControl, "sumstats column `name` for control count")
	flags.StringVar(&c.P, "col-p", c.P, "sumstats column `name` for p-value (optional)")
}

// ReadSumStats reads a tab- or comma-separated summary statistics file
// (gzip-transparent) with a header row.
func ReadSumStats(filename string, cols *sumstatsColumns) ([]SumStat, error) {
	f, err := zopen(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSumStats(f, cols)
}

// ParseSumStats is ReadSumStats on an open reader.
func ParseSumStats(rdr io.Reader, cols *sumstatsColumns) ([]SumStat, error) {
	bufr := bufio.NewReaderSize(rdr, 1<<20)
	first, err := bufr.Peek(4096)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, err
	}
	comma := '\t'
	if line := strings.SplitN(string(first), "\n", 2)[0]; !strings.ContainsRune(line, '\t') && strings.ContainsRune(line, ',') {
		comma = ','
	}
	csvr := csv.NewReader(bufr)
	csvr.Comma = comma
	csvr.ReuseRecord = true

	header, err := csvr.Read()
	if err != nil {
		return nil, inputErrorf("reading sumstats header: %s", err)
	}
	idx := map[string]int{}
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	col := func(name string) (int, bool) {
		i, ok := idx[name]
		return i, ok && name != ""
	}
	chrI, ok := col(cols.Chr)
	if !ok {
		return nil, inputErrorf("sumstats: missing required column %q", cols.Chr)
	}
	posI, ok := col(cols.Pos)
	if !ok {
		return nil, inputErrorf("sumstats: missing required column %q", cols.Pos)
	}
	a0I, ok := col(cols.A0)
	if !ok {
		return nil, inputErrorf("sumstats: missing required column %q", cols.A0)
	}
	a1I, ok := col(cols.A1)
	if !ok {
		return nil, inputErrorf("sumstats: missing required column %q", cols.A1)
	}
	betaI, ok := col(cols.Beta)
	if !ok {
		return nil, inputErrorf("sumstats: missing required column %q", cols.Beta)
	}
	seI, ok := col(cols.BetaSE)
	if !ok {
		return nil, inputErrorf("sumstats: missing required column %q", cols.BetaSE)
	}
	neffI, haveNEff := col(cols.NEff)
	ncaseI, haveNCase := col(cols.NCase)
	nctrlI, haveNCtrl := col(cols.NControl)
	if !haveNEff && !(haveNCase && haveNCtrl) {
		return nil, inputErrorf("sumstats: need column %q, or both %q and %q", cols.NEff, cols.NCase, cols.NControl)
	}
	pI, haveP := col(cols.P)

	var out []SumStat
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, inputErrorf("reading sumstats row %d: %s", len(out)+2, err)
		}
		var ss SumStat
		ss.Chr, err = parseChr(rec[chrI])
		if err != nil {
			return nil, inputErrorf("sumstats row %d: %s", len(out)+2, err)
		}
		ss.Pos, err = strconv.Atoi(rec[posI])
		if err != nil {
			return nil, inputErrorf("sumstats row %d: bad position %q", len(out)+2, rec[posI])
		}
		ss.A0 = strings.ToUpper(rec[a0I])
		ss.A1 = strings.ToUpper(rec[a1I])
		ss.Beta, err = strconv.ParseFloat(rec[betaI], 64)
		if err != nil {
			return nil, inputErrorf("sumstats row %d: bad beta %q", len(out)+2, rec[betaI])
		}
		ss.BetaSE, err = strconv.ParseFloat(rec[seI], 64)
		if err != nil {
			return nil, inputErrorf("sumstats row %d: bad beta_se %q", len(out)+2, rec[seI])
		}
		if haveNEff {
			ss.NEff, err = strconv.ParseFloat(rec[neffI], 64)
			if err != nil {
				return nil, inputErrorf("sumstats row %d: bad n_eff %q", len(out)+2, rec[neffI])
			}
		} else {
			ncase, err1 := strconv.ParseFloat(rec[ncaseI], 64)
			nctrl, err2 := strconv.ParseFloat(rec[nctrlI], 64)
			if err1 != nil || err2 != nil {
				return nil, inputErrorf("sumstats row %d: bad case/control counts", len(out)+2)
			}
			ss.NEff = EffectiveN(ncase, nctrl)
		}
		if haveP {
			ss.P, _ = strconv.ParseFloat(rec[pI], 64)
		} else {
			ss.P = math.NaN()
		}
		out = append(out, ss)
	}
	return out, nil
}

// ReadPanelBim reads a PLINK .bim file: chromosome, variant ID,
// genetic distance, position, allele 1 (effect), allele 2. The panel
// column index is the row order.
func ReadPanelBim(filename string) ([]PanelVariant, error) {
	f, err := zopen(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParsePanelBim(f)
}

// ParsePanelBim is ReadPanelBim on an open reader.
func ParsePanelBim(rdr io.Reader) ([]PanelVariant, error) {
	var out []PanelVariant
	scanner := bufio.NewScanner(bufio.NewReaderSize(rdr, 1<<20))
	scanner.Buffer(nil, 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			return nil, inputErrorf("panel row %d: expected 6 .bim columns, got %d", len(out)+1, len(fields))
		}
		chr, err := parseChr(fields[0])
		if err != nil {
			return nil, inputErrorf("panel row %d: %s", len(out)+1, err)
		}
		pos, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, inputErrorf("panel row %d: bad position %q", len(out)+1, fields[3])
		}
		out = append(out, PanelVariant{
			Variant: Variant{
				Chr: chr,
				Pos: pos,
				ID:  fields[1],
				A1:  strings.ToUpper(fields[4]),
				A0:  strings.ToUpper(fields[5]),
			},
			Col: len(out),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseChr(s string) (int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "chr"), "CHR")
	switch strings.ToUpper(s) {
	case "X":
		return 23, nil
	case "Y":
		return 24, nil
	case "MT", "M":
		return 26, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, inputErrorf("bad chromosome %q", s)
	}
	return n, nil
}
