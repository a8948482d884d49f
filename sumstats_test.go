// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"math"
	"strings"

	"gopkg.in/check.v1"
)

type sumstatsSuite struct{}

var _ = check.Suite(&sumstatsSuite{})

func (s *sumstatsSuite) TestParseSumStatsTab(c *check.C) {
	in := "chr\tpos\ta0\ta1\tbeta\tbeta_se\tn_eff\tp\n" +
		"chr1\t12345\tt\tg\t-0.25\t0.05\t45000\t1e-8\n" +
		"X\t555\tA\tC\t0.1\t0.02\t45000\t0.5\n"
	out, err := ParseSumStats(strings.NewReader(in), defaultSumstatsColumns())
	c.Assert(err, check.IsNil)
	c.Assert(out, check.HasLen, 2)
	c.Check(out[0].Chr, check.Equals, 1)
	c.Check(out[0].Pos, check.Equals, 12345)
	c.Check(out[0].A0, check.Equals, "T")
	c.Check(out[0].A1, check.Equals, "G")
	c.Check(out[0].Beta, check.Equals, -0.25)
	c.Check(out[0].BetaSE, check.Equals, 0.05)
	c.Check(out[0].NEff, check.Equals, 45000.0)
	c.Check(out[0].P, check.Equals, 1e-8)
	c.Check(out[1].Chr, check.Equals, 23)
}

func (s *sumstatsSuite) TestParseSumStatsCommaAndRenamedColumns(c *check.C) {
	in := "CHROM,BP,REF,ALT,b,se,neff\n" +
		"2,100,A,G,0.5,0.1,1000\n"
	cols := defaultSumstatsColumns()
	cols.Chr = "CHROM"
	cols.Pos = "BP"
	cols.A0 = "REF"
	cols.A1 = "ALT"
	cols.Beta = "b"
	cols.BetaSE = "se"
	cols.NEff = "neff"
	out, err := ParseSumStats(strings.NewReader(in), cols)
	c.Assert(err, check.IsNil)
	c.Assert(out, check.HasLen, 1)
	c.Check(out[0].Chr, check.Equals, 2)
	c.Check(out[0].NEff, check.Equals, 1000.0)
	// no p column: NaN, not zero
	c.Check(math.IsNaN(out[0].P), check.Equals, true)
}

func (s *sumstatsSuite) TestParseSumStatsDerivesEffectiveN(c *check.C) {
	in := "chr\tpos\ta0\ta1\tbeta\tbeta_se\tn_case\tn_control\n" +
		"1\t100\tA\tG\t0.5\t0.1\t1000\t3000\n"
	out, err := ParseSumStats(strings.NewReader(in), defaultSumstatsColumns())
	c.Assert(err, check.IsNil)
	c.Assert(out, check.HasLen, 1)
	c.Check(out[0].NEff, check.Equals, EffectiveN(1000, 3000))
	c.Check(out[0].NEff, check.Equals, 3000.0)
}

func (s *sumstatsSuite) TestParseSumStatsMissingColumns(c *check.C) {
	cols := defaultSumstatsColumns()
	for _, in := range []string{
		"pos\ta0\ta1\tbeta\tbeta_se\tn_eff\n",
		"chr\tpos\ta0\ta1\tbeta\tbeta_se\n",
		"chr\tpos\ta0\ta1\tbeta\tbeta_se\tn_case\n",
	} {
		_, err := ParseSumStats(strings.NewReader(in), cols)
		c.Check(err, check.FitsTypeOf, &InputError{})
	}
}

func (s *sumstatsSuite) TestParseSumStatsBadValues(c *check.C) {
	cols := defaultSumstatsColumns()
	header := "chr\tpos\ta0\ta1\tbeta\tbeta_se\tn_eff\n"
	for _, row := range []string{
		"1\tabc\tA\tG\t0.5\t0.1\t1000\n",
		"chrQ\t100\tA\tG\t0.5\t0.1\t1000\n",
		"1\t100\tA\tG\txyz\t0.1\t1000\n",
		"1\t100\tA\tG\t0.5\t0.1\n", // short record
	} {
		_, err := ParseSumStats(strings.NewReader(header+row), cols)
		c.Check(err, check.FitsTypeOf, &InputError{})
	}
}

func (s *sumstatsSuite) TestParsePanelBim(c *check.C) {
	in := "1\trs001\t0\t86303\tT\tG\n" +
		"1 rs002 0 86331 a g\n" +
		"\n" +
		"chrX\trs003\t0.5\t1000\tC\tT\n"
	out, err := ParsePanelBim(strings.NewReader(in))
	c.Assert(err, check.IsNil)
	c.Assert(out, check.HasLen, 3)
	c.Check(out[0].ID, check.Equals, "rs001")
	c.Check(out[0].A1, check.Equals, "T")
	c.Check(out[0].A0, check.Equals, "G")
	c.Check(out[0].Col, check.Equals, 0)
	c.Check(out[1].A1, check.Equals, "A")
	c.Check(out[1].Col, check.Equals, 1)
	c.Check(out[2].Chr, check.Equals, 23)
	c.Check(out[2].Col, check.Equals, 2)

	_, err = ParsePanelBim(strings.NewReader("1\trs001\t0\t86303\tT\n"))
	c.Check(err, check.FitsTypeOf, &InputError{})
	_, err = ParsePanelBim(strings.NewReader("1\trs001\t0\tabc\tT\tG\n"))
	c.Check(err, check.FitsTypeOf, &InputError{})
}

func (s *sumstatsSuite) TestParseChr(c *check.C) {
	for in, want := range map[string]int{
		"1": 1, "22": 22, "chr9": 9, "CHR10": 10,
		"X": 23, "chrX": 23, "Y": 24, "MT": 26, "chrM": 26,
	} {
		got, err := parseChr(in)
		c.Assert(err, check.IsNil)
		c.Check(got, check.Equals, want)
	}
	_, err := parseChr("Q")
	c.Check(err, check.FitsTypeOf, &InputError{})
}

func (s *sumstatsSuite) TestGeneticMapInterpolate(c *check.C) {
	in := "chr position cM\n" +
		"1 1000 0\n" +
		"1 3000 2\n" +
		"1 5000 3\n" +
		"2 1000 0\n" +
		"2 2000 5\n"
	gm, err := ParseGeneticMap(strings.NewReader(in))
	c.Assert(err, check.IsNil)
	c.Check(gm.Interpolate(1, 2000), check.Equals, 1.0)
	c.Check(gm.Interpolate(1, 4000), check.Equals, 2.5)
	// clamped outside the record range
	c.Check(gm.Interpolate(1, 10), check.Equals, 0.0)
	c.Check(gm.Interpolate(1, 99999), check.Equals, 3.0)
	c.Check(gm.Interpolate(2, 1500), check.Equals, 2.5)
	// absent chromosome falls back to 1 cM / Mb
	c.Check(gm.Interpolate(9, 2000000), check.Equals, 2.0)

	_, err = ParseGeneticMap(strings.NewReader("1 3000 2\n1 1000 0\n"))
	c.Check(err, check.FitsTypeOf, &InputError{})
}
