// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"gopkg.in/check.v1"
)

type scoreSuite struct{}

var _ = check.Suite(&scoreSuite{})

func (s *scoreSuite) TestScore(c *check.C) {
	// 3 samples x 4 panel columns; the matched table selects panel
	// columns 2 and 0, in that order.
	g := &denseGeno{rows: 3, cols: 4, data: []float64{
		0, 9, 1, 9,
		1, 9, 2, 9,
		2, 9, 0, 9,
	}}
	table := &MatchedTable{Variants: []MatchedVariant{
		{Col: 2},
		{Col: 0},
	}}
	weights := []float64{
		1, 10,
		2, 20,
	}
	scores, err := Score(g, table, weights, 2)
	c.Assert(err, check.IsNil)
	nrow, k := scores.Dims()
	c.Check(nrow, check.Equals, 3)
	c.Check(k, check.Equals, 2)
	// sample 0: geno (1, 0) -> (1*1+0*2, 1*10+0*20)
	c.Check(scores.At(0, 0), check.Equals, 1.0)
	c.Check(scores.At(0, 1), check.Equals, 10.0)
	// sample 1: geno (2, 1)
	c.Check(scores.At(1, 0), check.Equals, 4.0)
	c.Check(scores.At(1, 1), check.Equals, 40.0)
	// sample 2: geno (0, 2)
	c.Check(scores.At(2, 0), check.Equals, 4.0)
	c.Check(scores.At(2, 1), check.Equals, 40.0)
}

func (s *scoreSuite) TestScoreRejectsBadInput(c *check.C) {
	g := &denseGeno{rows: 2, cols: 2, data: make([]float64, 4)}
	table := &MatchedTable{Variants: []MatchedVariant{{Col: 0}}}
	_, err := Score(g, table, []float64{1, 2}, 0)
	c.Check(err, check.FitsTypeOf, &InputError{})
	_, err = Score(g, table, []float64{1, 2}, 1)
	c.Check(err, check.FitsTypeOf, &InputError{})

	bad := &MatchedTable{Variants: []MatchedVariant{{Col: 5}}}
	_, err = Score(g, bad, []float64{1}, 1)
	c.Check(err, check.FitsTypeOf, &InputError{})
}
