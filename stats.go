// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
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
	corrFilename := flags.String("corr", "", "banded correlation store `file` (optional)")
	outputFilename := flags.String("o", "-", "output `file`")
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

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = createFile(*outputFilename)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = cmd.doStats(*matchedFilename, *corrFilename, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

func (cmd *statscmd) doStats(matchedFilename, corrFilename string, output io.Writer) error {
	var ret struct {
		Counts            MatchCounts
		Variants          int
		VariantsByChr     map[int]int
		NEffMean          float64
		NEffStdDev        float64
		BetaMeanAbs       float64
		AmbiguousFraction float64
		Corr              *struct {
			Variants int
			Window   float64
		} `json:",omitempty"`
	}

	table, err := ReadMatchedTable(matchedFilename)
	if err != nil {
		return err
	}
	ret.Counts = table.Counts
	ret.Variants = len(table.Variants)
	ret.VariantsByChr = map[int]int{}
	neff := make([]float64, len(table.Variants))
	for i, v := range table.Variants {
		ret.VariantsByChr[v.Chr]++
		neff[i] = v.NEff
		if v.Beta < 0 {
			ret.BetaMeanAbs -= v.Beta
		} else {
			ret.BetaMeanAbs += v.Beta
		}
	}
	if len(table.Variants) > 0 {
		ret.BetaMeanAbs /= float64(len(table.Variants))
		ret.NEffMean, ret.NEffStdDev = stat.MeanStdDev(neff, nil)
		ret.AmbiguousFraction = float64(table.Counts.NAmbiguous) / float64(len(table.Variants))
	}

	if corrFilename != "" {
		bm, err := OpenBandedMatrix(corrFilename, 1)
		if err != nil {
			return err
		}
		defer bm.Close()
		ret.Corr = &struct {
			Variants int
			Window   float64
		}{Variants: bm.NRow(), Window: bm.Window()}
	}

	return json.NewEncoder(output).Encode(ret)
}
