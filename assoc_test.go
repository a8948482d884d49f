// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"math"
	"os"

	"gopkg.in/check.v1"
	"gonum.org/v1/gonum/stat"
)

type assocSuite struct{}

var _ = check.Suite(&assocSuite{})

func (s *assocSuite) TestLinearRegressionMatchesOLS(c *check.C) {
	geno := []float64{0, 1, 2, 1, 0, 2, 1, 1, 0, 2}
	// y = 1 + 0.5 x plus fixed residuals, so the fit is not exact and
	// standard errors stay positive
	resid := []float64{0.1, -0.2, 0.15, 0.05, -0.1, -0.05, 0.2, -0.15, 0.1, -0.1}
	nrow := len(geno)
	outcome := make([]float64, nrow)
	data := make([]float64, nrow)
	for i := range geno {
		outcome[i] = 1 + 0.5*geno[i] + resid[i]
		data[i] = geno[i]
	}
	g := &denseGeno{rows: nrow, cols: 1, data: data}

	results, err := UnivariateRegression(g, outcome, false, 1)
	c.Assert(err, check.IsNil)
	c.Assert(results, check.HasLen, 1)
	_, wantBeta := stat.LinearRegression(geno, outcome, nil, false)
	c.Check(math.Abs(results[0].Beta-wantBeta) < 1e-6, check.Equals, true)
	c.Check(results[0].BetaSE > 0, check.Equals, true)
	c.Check(results[0].P > 0 && results[0].P < 0.05, check.Equals, true)
}

func (s *assocSuite) TestLogisticRegression(c *check.C) {
	// two columns: a real (non-separating) signal and a monomorphic
	// column that cannot be fit
	g := &denseGeno{rows: 12, cols: 2, data: []float64{
		0, 1,
		0, 1,
		1, 1,
		2, 1,
		2, 1,
		1, 1,
		0, 1,
		1, 1,
		2, 1,
		0, 1,
		1, 1,
		2, 1,
	}}
	outcome := []float64{0, 0, 0, 1, 1, 0, 1, 1, 1, 0, 1, 1}
	results, err := UnivariateRegression(g, outcome, true, 2)
	c.Assert(err, check.IsNil)
	c.Assert(results, check.HasLen, 2)
	c.Check(math.IsNaN(results[0].Beta), check.Equals, false)
	c.Check(results[0].BetaSE > 0, check.Equals, true)
	c.Check(results[0].P > 0 && results[0].P <= 1, check.Equals, true)
	c.Check(math.IsNaN(results[1].Beta), check.Equals, true)
}

func (s *assocSuite) TestRegressionRejectsBadInput(c *check.C) {
	g := &denseGeno{rows: 4, cols: 1, data: []float64{0, 1, 2, 1}}
	_, err := UnivariateRegression(g, []float64{0, 1}, false, 1)
	c.Check(err, check.FitsTypeOf, &InputError{})
	_, err = UnivariateRegression(g, []float64{0, 1, 2, 0}, true, 1)
	c.Check(err, check.FitsTypeOf, &InputError{})
}

func (s *assocSuite) TestReadPhenotypes(c *check.C) {
	fnm := c.MkDir() + "/pheno.csv"
	err := os.WriteFile(fnm, []byte("sample,status\nS1,0\nS2,1\nS3,0\n"), 0666)
	c.Assert(err, check.IsNil)
	ids, values, err := readPhenotypes(fnm)
	c.Assert(err, check.IsNil)
	c.Check(ids, check.DeepEquals, []string{"S1", "S2", "S3"})
	c.Check(values, check.DeepEquals, []float64{0, 1, 0})

	err = os.WriteFile(fnm, []byte("sample,status\nS1,yes\n"), 0666)
	c.Assert(err, check.IsNil)
	_, _, err = readPhenotypes(fnm)
	c.Check(err, check.FitsTypeOf, &InputError{})

	err = os.WriteFile(fnm, []byte("sample,status\n"), 0666)
	c.Assert(err, check.IsNil)
	_, _, err = readPhenotypes(fnm)
	c.Check(err, check.FitsTypeOf, &InputError{})
}
