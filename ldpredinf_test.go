// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"math"

	"gopkg.in/check.v1"
)

type infSuite struct{}

var _ = check.Suite(&infSuite{})

type identityCorr struct {
	n int
}

func (t *identityCorr) Dim() int { return t.n }

func (t *identityCorr) At(i, j int) float64 {
	if i == j {
		return 1
	}
	return 0
}

// buildIdentityBand writes a banded store whose band holds nothing but
// the unit diagonal: positions are spaced far wider than the window.
func buildIdentityBand(c *check.C, m int) *BandedMatrix {
	pos := make([]float64, m)
	for i := range pos {
		pos[i] = float64(i) * 1000
	}
	fnm := c.MkDir() + "/identity.bmat"
	err := BuildBandedMatrix(fnm, &identityCorr{n: m}, pos, 1, [32]byte{}, 4)
	c.Assert(err, check.IsNil)
	bm, err := OpenBandedMatrix(fnm, 4)
	c.Assert(err, check.IsNil)
	return bm
}

// testDF builds m df_beta rows with distinct effects and standard
// errors.
func testDF(m int) []DFBeta {
	df := make([]DFBeta, m)
	for j := range df {
		df[j] = DFBeta{
			Beta:   0.1 * float64(j+1) * float64(1-2*(j%2)),
			BetaSE: 0.01 + 0.001*float64(j),
			NEff:   10000,
		}
	}
	return df
}

func (s *infSuite) TestInfIdentityClosedForm(c *check.C) {
	// With R == I the model is (1 + m/h2) x = betaHat, and the scale
	// factors cancel: beta_inf[j] = beta[j] / (1 + m/h2).
	m := 20
	bm := buildIdentityBand(c, m)
	defer bm.Close()
	df := testDF(m)
	h2 := 0.5
	result, err := LDpredInf(bm, df, h2, InfOptions{})
	c.Assert(err, check.IsNil)
	c.Check(result.Beta, check.HasLen, m)
	c.Check(result.Residual <= 1e-8, check.Equals, true)
	shrink := 1 + float64(m)/h2
	for j := range df {
		c.Check(math.Abs(result.Beta[j]-df[j].Beta/shrink) < 1e-9, check.Equals, true)
	}
}

func (s *infSuite) TestInfTinyHeritabilityShrinksToZero(c *check.C) {
	m := 10
	bm := buildIdentityBand(c, m)
	defer bm.Close()
	result, err := LDpredInf(bm, testDF(m), 1e-9, InfOptions{})
	c.Assert(err, check.IsNil)
	for _, v := range result.Beta {
		c.Check(math.Abs(v) < 1e-8, check.Equals, true)
	}
}

func (s *infSuite) TestInfRejectsBadHyperparameters(c *check.C) {
	m := 4
	bm := buildIdentityBand(c, m)
	defer bm.Close()
	for _, h2 := range []float64{0, -0.1, math.NaN(), math.Inf(1)} {
		_, err := LDpredInf(bm, testDF(m), h2, InfOptions{})
		c.Check(err, check.FitsTypeOf, &InvalidHyperparameterError{})
	}
	_, err := LDpredInf(bm, testDF(m-1), 0.5, InfOptions{})
	c.Check(err, check.FitsTypeOf, &InputError{})

	df := testDF(m)
	df[2].BetaSE = 0
	_, err = LDpredInf(bm, df, 0.5, InfOptions{})
	c.Check(err, check.FitsTypeOf, &InputError{})
	df = testDF(m)
	df[1].NEff = -5
	_, err = LDpredInf(bm, df, 0.5, InfOptions{})
	c.Check(err, check.FitsTypeOf, &InputError{})
}

func (s *infSuite) TestInfReportsNonConvergence(c *check.C) {
	// Identity LD converges in one CG step, so use a store with real
	// off-diagonal structure.
	m := 30
	pos := make([]float64, m)
	for i := range pos {
		pos[i] = float64(i)
	}
	fnm := c.MkDir() + "/corr.bmat"
	err := BuildBandedMatrix(fnm, &testCorr{n: m}, pos, 3, [32]byte{}, 8)
	c.Assert(err, check.IsNil)
	bm, err := OpenBandedMatrix(fnm, 4)
	c.Assert(err, check.IsNil)
	defer bm.Close()

	_, err = LDpredInf(bm, testDF(m), 0.5, InfOptions{Tol: 1e-12, MaxIter: 0})
	c.Assert(err, check.IsNil)
	_, err = LDpredInf(bm, testDF(m), 0.5, InfOptions{Tol: 1e-12, MaxIter: 1})
	c.Check(err, check.FitsTypeOf, &ConvergenceError{})
	cerr := err.(*ConvergenceError)
	c.Check(cerr.Iterations, check.Equals, 1)
	c.Check(cerr.Residual > cerr.Tolerance, check.Equals, true)
}

func (s *infSuite) TestInfZeroEffects(c *check.C) {
	m := 5
	bm := buildIdentityBand(c, m)
	defer bm.Close()
	df := make([]DFBeta, m)
	for j := range df {
		df[j] = DFBeta{Beta: 0, BetaSE: 0.01, NEff: 1000}
	}
	result, err := LDpredInf(bm, df, 0.5, InfOptions{})
	c.Assert(err, check.IsNil)
	c.Check(result.Iterations, check.Equals, 0)
	for _, v := range result.Beta {
		c.Check(v, check.Equals, 0.0)
	}
}
