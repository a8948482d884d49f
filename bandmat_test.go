// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"math"

	"gopkg.in/check.v1"
)

type bandmatSuite struct{}

var _ = check.Suite(&bandmatSuite{})

// testCorr is an explicit symmetric matrix with LD decaying away from
// the diagonal.
type testCorr struct {
	n int
}

func (t *testCorr) Dim() int { return t.n }

func (t *testCorr) At(i, j int) float64 {
	if i == j {
		return 1
	}
	d := j - i
	if d < 0 {
		d = -d
	}
	return math.Pow(0.5, float64(d))
}

func (s *bandmatSuite) buildRoundTrip(c *check.C, n, blockCols, cacheBlocks int, window float64) *BandedMatrix {
	pos := make([]float64, n)
	for i := range pos {
		pos[i] = float64(i)
	}
	fnm := c.MkDir() + "/corr.bmat"
	err := BuildBandedMatrix(fnm, &testCorr{n: n}, pos, window, [32]byte{1, 2, 3}, blockCols)
	c.Assert(err, check.IsNil)
	bm, err := OpenBandedMatrix(fnm, cacheBlocks)
	c.Assert(err, check.IsNil)
	return bm
}

func (s *bandmatSuite) TestGetSymmetricAndBanded(c *check.C) {
	n := 17
	window := 3.0
	bm := s.buildRoundTrip(c, n, 4, 2, window)
	defer bm.Close()
	c.Check(bm.NRow(), check.Equals, n)
	c.Check(bm.Window(), check.Equals, window)
	c.Check(bm.Fingerprint(), check.Equals, [32]byte{1, 2, 3})
	src := &testCorr{n: n}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			vij, err := bm.Get(i, j)
			c.Assert(err, check.IsNil)
			vji, err := bm.Get(j, i)
			c.Assert(err, check.IsNil)
			c.Check(vij, check.Equals, vji)
			if math.Abs(float64(i-j)) > window {
				c.Check(vij, check.Equals, 0.0)
			} else {
				c.Check(vij, check.Equals, src.At(i, j))
			}
		}
	}
	_, err := bm.Get(-1, 0)
	c.Check(err, check.FitsTypeOf, &InputError{})
	_, err = bm.Get(0, n)
	c.Check(err, check.FitsTypeOf, &InputError{})
}

func (s *bandmatSuite) TestMulMatchesDenseBandedProduct(c *check.C) {
	n := 13
	window := 4.0
	bm := s.buildRoundTrip(c, n, 3, 1, window)
	defer bm.Close()
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i%5) - 2
	}
	got, err := bm.Mul(x)
	c.Assert(err, check.IsNil)
	src := &testCorr{n: n}
	for i := 0; i < n; i++ {
		want := 0.0
		for j := 0; j < n; j++ {
			if math.Abs(float64(i-j)) <= window {
				want += src.At(i, j) * x[j]
			}
		}
		c.Check(math.Abs(got[i]-want) < 1e-12, check.Equals, true)
	}

	dot, err := bm.ColDot(5, x)
	c.Assert(err, check.IsNil)
	c.Check(math.Abs(dot-got[5]) < 1e-12, check.Equals, true)

	_, err = bm.Mul(x[:n-1])
	c.Check(err, check.FitsTypeOf, &InputError{})
}

func (s *bandmatSuite) TestForEachInColTouchesOnlyBand(c *check.C) {
	n := 10
	window := 2.0
	bm := s.buildRoundTrip(c, n, 4, 4, window)
	defer bm.Close()
	for j := 0; j < n; j++ {
		seen := map[int]bool{}
		err := bm.ForEachInCol(j, func(i int, v float64) {
			seen[i] = true
			c.Check(math.Abs(float64(i-j)) <= window, check.Equals, true)
			c.Check(v, check.Not(check.Equals), 0.0)
		})
		c.Assert(err, check.IsNil)
		c.Check(seen[j], check.Equals, true)
	}
}

func (s *bandmatSuite) TestBuildRejectsBadInput(c *check.C) {
	fnm := c.MkDir() + "/corr.bmat"
	err := BuildBandedMatrix(fnm, &testCorr{n: 3}, []float64{0, 1}, 1, [32]byte{}, 0)
	c.Check(err, check.FitsTypeOf, &InputError{})
	err = BuildBandedMatrix(fnm, &testCorr{n: 3}, []float64{0, 2, 1}, 1, [32]byte{}, 0)
	c.Check(err, check.FitsTypeOf, &InputError{})
	err = BuildBandedMatrix(fnm, &testCorr{n: 3}, []float64{0, 1, 2}, 0, [32]byte{}, 0)
	c.Check(err, check.FitsTypeOf, &InputError{})
}

func (s *bandmatSuite) TestOpenRejectsWrongTable(c *check.C) {
	table := &MatchedTable{Variants: []MatchedVariant{
		{Variant: Variant{Chr: 1, Pos: 100}},
		{Variant: Variant{Chr: 1, Pos: 200}},
	}}
	pos := table.Positions()
	fnm := c.MkDir() + "/corr.bmat"
	err := BuildBandedMatrix(fnm, &testCorr{n: 2}, pos, 1000, table.PositionFingerprint(), 0)
	c.Assert(err, check.IsNil)

	bm, err := openBandedForTable(fnm, table, 2)
	c.Assert(err, check.IsNil)
	bm.Close()

	other := &MatchedTable{Variants: []MatchedVariant{
		{Variant: Variant{Chr: 1, Pos: 100}},
		{Variant: Variant{Chr: 1, Pos: 201}},
	}}
	_, err = openBandedForTable(fnm, other, 2)
	c.Check(err, check.FitsTypeOf, &InputError{})

	short := &MatchedTable{Variants: table.Variants[:1]}
	_, err = openBandedForTable(fnm, short, 2)
	c.Check(err, check.FitsTypeOf, &InputError{})
}

func (s *bandmatSuite) TestOpenRejectsNonStore(c *check.C) {
	fnm := c.MkDir() + "/not-a-store"
	f, err := createFile(fnm)
	c.Assert(err, check.IsNil)
	f.Write(make([]byte, 64))
	f.Close()
	_, err = OpenBandedMatrix(fnm, 1)
	c.Check(err, check.NotNil)
}

func (s *bandmatSuite) TestBandPositionsSeparateChromosomes(c *check.C) {
	table := &MatchedTable{Variants: []MatchedVariant{
		{Variant: Variant{Chr: 1, Pos: 100}},
		{Variant: Variant{Chr: 1, Pos: 500}},
		{Variant: Variant{Chr: 2, Pos: 50}},
	}}
	pos, err := bandPositions(table, nil, 300)
	c.Assert(err, check.IsNil)
	c.Check(pos[1]-pos[0], check.Equals, 400.0)
	c.Check(pos[2]-pos[1] > 300, check.Equals, true)
}
