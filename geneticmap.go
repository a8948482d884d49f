// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"
)

// GeneticMap converts physical positions to genetic positions
// (centiMorgans) by linear interpolation between map records.
type GeneticMap struct {
	byChr map[int]*chrMap
}

type chrMap struct {
	bp []int
	cm []float64
}

// ReadGeneticMap reads a whitespace-separated map file with records
// (chr, bp, cM); a header line is skipped if present.
func ReadGeneticMap(filename string) (*GeneticMap, error) {
	f, err := zopen(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseGeneticMap(f)
}

// ParseGeneticMap is ReadGeneticMap on an open reader.
func ParseGeneticMap(rdr io.Reader) (*GeneticMap, error) {
	gm := &GeneticMap{byChr: map[int]*chrMap{}}
	scanner := bufio.NewScanner(bufio.NewReaderSize(rdr, 1<<20))
	scanner.Buffer(nil, 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		chr, err := parseChr(fields[0])
		if err != nil {
			if line == 1 {
				// header
				continue
			}
			return nil, inputErrorf("genetic map line %d: %s", line, err)
		}
		bp, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, inputErrorf("genetic map line %d: bad position %q", line, fields[1])
		}
		cm, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, inputErrorf("genetic map line %d: bad cM value %q", line, fields[2])
		}
		m := gm.byChr[chr]
		if m == nil {
			m = &chrMap{}
			gm.byChr[chr] = m
		}
		m.bp = append(m.bp, bp)
		m.cm = append(m.cm, cm)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for chr, m := range gm.byChr {
		if !sort.IntsAreSorted(m.bp) {
			return nil, inputErrorf("genetic map records for chromosome %d are not sorted by position", chr)
		}
	}
	return gm, nil
}

// Interpolate returns the genetic position of (chr, bp). Positions
// outside the map range are clamped to the first/last record;
// chromosomes absent from the map fall back to 1 cM per Mb.
func (gm *GeneticMap) Interpolate(chr, bp int) float64 {
	m := gm.byChr[chr]
	if m == nil || len(m.bp) == 0 {
		return float64(bp) / 1e6
	}
	i := sort.SearchInts(m.bp, bp)
	if i == 0 {
		return m.cm[0]
	}
	if i == len(m.bp) {
		return m.cm[len(m.cm)-1]
	}
	if m.bp[i] == m.bp[i-1] {
		return m.cm[i]
	}
	frac := float64(bp-m.bp[i-1]) / float64(m.bp[i]-m.bp[i-1])
	return m.cm[i-1] + frac*(m.cm[i]-m.cm[i-1])
}
