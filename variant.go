// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	"golang.org/x/crypto/blake2b"
)

// Variant identifies a biallelic site. A0/A1 follow the summary
// statistics convention: A1 is the effect allele.
type Variant struct {
	Chr int
	Pos int
	A0  string
	A1  string
	ID  string
}

// SumStat is one row of GWAS summary statistics.
type SumStat struct {
	Variant
	Beta   float64
	BetaSE float64
	NEff   float64
	P      float64
}

// PanelVariant is one reference panel site; Col is its column index in
// the panel genotype matrix.
type PanelVariant struct {
	Variant
	Col int
}

// MatchedVariant is one row of the matched table: a summary-statistics
// row reconciled against a panel site. Beta is already sign-adjusted
// by Direction; BetaSE is not (direction does not affect it).
type MatchedVariant struct {
	Variant
	Beta      float64
	BetaSE    float64
	NEff      float64
	Col       int
	Direction int // +1 alleles as given, -1 alleles swapped
	Flipped   bool
	Ambiguous bool // palindromic pair, strand not resolvable
}

// MatchCounts reports what happened to every input row.
type MatchCounts struct {
	NInput         int
	NMatched       int
	NSwapped       int
	NStrandFlipped int
	NAmbiguous     int
	NDupPanel      int
	NDupSumstats   int
	NDropped       int
}

// MatchedTable is the unit shared by all solvers: variants in panel
// position order plus the join diagnostics.
type MatchedTable struct {
	Variants []MatchedVariant
	Counts   MatchCounts
}

// PositionFingerprint hashes (chr,pos) of every row, in order. The same
// value is embedded in a banded correlation store built from this
// table, so solvers can refuse a store built from different variants.
func (t *MatchedTable) PositionFingerprint() [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	var buf [16]byte
	for _, v := range t.Variants {
		binary.LittleEndian.PutUint64(buf[:8], uint64(v.Chr))
		binary.LittleEndian.PutUint64(buf[8:], uint64(v.Pos))
		h.Write(buf[:])
	}
	var sum [blake2b.Size256]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Positions returns per-row physical positions as float64, for banded
// window computation.
func (t *MatchedTable) Positions() []float64 {
	pos := make([]float64, len(t.Variants))
	for i, v := range t.Variants {
		pos[i] = float64(v.Pos)
	}
	return pos
}

// DFBeta extracts the (beta, beta_se, n_eff) triples the solvers
// consume.
func (t *MatchedTable) DFBeta() []DFBeta {
	df := make([]DFBeta, len(t.Variants))
	for i, v := range t.Variants {
		df[i] = DFBeta{Beta: v.Beta, BetaSE: v.BetaSE, NEff: v.NEff}
	}
	return df
}

// DFBeta is one per-variant effect/standard-error/sample-size triple.
type DFBeta struct {
	Beta   float64
	BetaSE float64
	NEff   float64
}

// EffectiveN is the usual effective sample size for a case-control
// GWAS.
func EffectiveN(nCase, nControl float64) float64 {
	if nCase <= 0 || nControl <= 0 {
		return 0
	}
	return 4 / (1/nCase + 1/nControl)
}

var complementBase = map[byte]byte{'A': 'T', 'T': 'A', 'C': 'G', 'G': 'C'}

func complementAllele(a string) (string, bool) {
	b := make([]byte, len(a))
	for i := len(a) - 1; i >= 0; i-- {
		c, ok := complementBase[a[i]]
		if !ok {
			return "", false
		}
		b[len(a)-1-i] = c
	}
	return string(b), true
}

// palindromic reports whether the allele pair is its own strand
// complement (A/T or C/G), which makes strand flips undetectable.
func palindromic(a0, a1 string) bool {
	c, ok := complementAllele(a1)
	return ok && c == a0
}

// WriteMatchedTable stores a matched table as a pgzip-compressed gob
// stream.
func WriteMatchedTable(t *MatchedTable, filename string) error {
	f, err := createFile(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriterSize(f, 1<<20)
	gzw := pgzip.NewWriter(bufw)
	err = gob.NewEncoder(gzw).Encode(t)
	if err != nil {
		return err
	}
	err = gzw.Close()
	if err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// ReadMatchedTable loads a table written by WriteMatchedTable.
func ReadMatchedTable(filename string) (*MatchedTable, error) {
	f, err := zopen(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var t MatchedTable
	err = gob.NewDecoder(bufio.NewReaderSize(f, 1<<20)).Decode(&t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func createFile(filename string) (*os.File, error) {
	return os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
}

// zopen returns a reader for the given file, transparently
// decompressing the input if fnm ends with ".gz" or ".gob.gz" or
// similar.
func zopen(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil || !strings.HasSuffix(fnm, ".gz") {
		return f, err
	}
	rdr, err := pgzip.NewReader(bufio.NewReaderSize(f, 4*1024*1024))
	if err != nil {
		f.Close()
		return nil, err
	}
	return gzipr{rdr, f}, nil
}

// gzipr wraps a ReadCloser and a Closer, presenting a single Close()
// method that closes both wrapped objects.
type gzipr struct {
	io.ReadCloser
	io.Closer
}

func (gr gzipr) Close() error {
	e1 := gr.ReadCloser.Close()
	e2 := gr.Closer.Close()
	if e1 != nil {
		return e1
	}
	return e2
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
