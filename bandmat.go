// Copyright (C) The OpenPRS Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package prs

import (
	"bufio"
	"bytes"
	"container/list"
	"encoding/binary"
	"encoding/gob"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"sync"

	"github.com/james-bowman/sparse"
	"github.com/klauspost/pgzip"
	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
)

const bandMagic = "openprs-bandcorr\x01"

// CorrSource is any symmetric correlation matrix the banded store can
// be built from. Only the upper triangle (i <= j) is ever read.
type CorrSource interface {
	Dim() int
	At(i, j int) float64
}

type bandHeader struct {
	Magic       string
	NRow        int
	Window      float64
	BlockCols   int
	Fingerprint [32]byte
}

type blockSpan struct {
	Offset int64
	Length int64
}

// bandBlock is the serialized form of one column-range of the store:
// for each column, the full in-band column (both triangles) as a
// contiguous run of rows starting at Start.
type bandBlock struct {
	FirstCol int
	Start    []int
	Vals     [][]float64
}

// BandedMatrix is a read handle on an on-disk sparse banded symmetric
// correlation matrix. It is safe for concurrent use by multiple
// goroutines once opened; writes happen only in BuildBandedMatrix.
type BandedMatrix struct {
	f      *os.File
	header bandHeader
	index  []blockSpan

	mu    sync.Mutex
	cache map[int]*list.Element
	lru   *list.List
	max   int
}

type cacheEnt struct {
	id  int
	csr *sparse.CSR
}

// BuildBandedMatrix constructs the on-disk store from a correlation
// source and a nondecreasing per-variant position vector (physical or
// genetic). Entries with |pos[i]-pos[j]| > window are not stored.
// fingerprint ties the store to the matched table it was built from.
func BuildBandedMatrix(filename string, src CorrSource, pos []float64, window float64, fingerprint [32]byte, blockCols int) error {
	n := src.Dim()
	if len(pos) != n {
		return inputErrorf("position vector length %d does not match matrix dimension %d", len(pos), n)
	}
	for i := 1; i < n; i++ {
		if pos[i] < pos[i-1] {
			return inputErrorf("positions must be nondecreasing (position %d < position %d)", i, i-1)
		}
	}
	if window <= 0 {
		return inputErrorf("window must be positive, got %g", window)
	}
	if blockCols <= 0 {
		blockCols = 256
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriterSize(f, 1<<24)

	var hdrbuf bytes.Buffer
	err = gob.NewEncoder(&hdrbuf).Encode(bandHeader{
		Magic:       bandMagic,
		NRow:        n,
		Window:      window,
		BlockCols:   blockCols,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return err
	}
	var lenbuf [8]byte
	binary.LittleEndian.PutUint64(lenbuf[:], uint64(hdrbuf.Len()))
	if _, err = bufw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err = bufw.Write(hdrbuf.Bytes()); err != nil {
		return err
	}
	offset := int64(8 + hdrbuf.Len())

	nblocks := (n + blockCols - 1) / blockCols
	index := make([]blockSpan, 0, nblocks)
	lo := 0
	hi := 0
	var stored int64
	for b := 0; b < nblocks; b++ {
		first := b * blockCols
		last := first + blockCols
		if last > n {
			last = n
		}
		blk := bandBlock{
			FirstCol: first,
			Start:    make([]int, last-first),
			Vals:     make([][]float64, last-first),
		}
		for j := first; j < last; j++ {
			for lo < j && pos[j]-pos[lo] > window {
				lo++
			}
			if hi < j {
				hi = j
			}
			for hi+1 < n && pos[hi+1]-pos[j] <= window {
				hi++
			}
			vals := make([]float64, hi-lo+1)
			for i := lo; i <= hi; i++ {
				// read the upper triangle only; mirror below
				if i <= j {
					vals[i-lo] = src.At(i, j)
				} else {
					vals[i-lo] = src.At(j, i)
				}
			}
			blk.Start[j-first] = lo
			blk.Vals[j-first] = vals
			stored += int64(len(vals))
		}
		var blkbuf bytes.Buffer
		gzw := pgzip.NewWriter(&blkbuf)
		err = gob.NewEncoder(gzw).Encode(blk)
		if err != nil {
			return err
		}
		err = gzw.Close()
		if err != nil {
			return err
		}
		if _, err = bufw.Write(blkbuf.Bytes()); err != nil {
			return err
		}
		index = append(index, blockSpan{Offset: offset, Length: int64(blkbuf.Len())})
		offset += int64(blkbuf.Len())
	}

	var idxbuf bytes.Buffer
	err = gob.NewEncoder(&idxbuf).Encode(index)
	if err != nil {
		return err
	}
	if _, err = bufw.Write(idxbuf.Bytes()); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(lenbuf[:], uint64(offset))
	if _, err = bufw.Write(lenbuf[:]); err != nil {
		return err
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	err = f.Sync()
	if err != nil {
		return err
	}
	log.Printf("banded store: %d variants, %d blocks, %d stored entries (%.2f%% of dense)",
		n, nblocks, stored, 100*float64(stored)/float64(n)/float64(n))
	return f.Close()
}

// OpenBandedMatrix opens a store written by BuildBandedMatrix, keeping
// at most cacheBlocks decompressed blocks in memory.
func OpenBandedMatrix(filename string, cacheBlocks int) (*BandedMatrix, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	var lenbuf [8]byte
	if _, err = f.ReadAt(lenbuf[:], 0); err != nil {
		f.Close()
		return nil, err
	}
	hdrlen := int64(binary.LittleEndian.Uint64(lenbuf[:]))
	var hdr bandHeader
	err = gob.NewDecoder(io.NewSectionReader(f, 8, hdrlen)).Decode(&hdr)
	if err != nil || hdr.Magic != bandMagic {
		f.Close()
		return nil, inputErrorf("%s is not a banded correlation store", filename)
	}
	if _, err = f.ReadAt(lenbuf[:], fi.Size()-8); err != nil {
		f.Close()
		return nil, err
	}
	idxoff := int64(binary.LittleEndian.Uint64(lenbuf[:]))
	var index []blockSpan
	err = gob.NewDecoder(io.NewSectionReader(f, idxoff, fi.Size()-8-idxoff)).Decode(&index)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading block index: %w", err)
	}
	if cacheBlocks <= 0 {
		cacheBlocks = 32
	}
	return &BandedMatrix{
		f:      f,
		header: hdr,
		index:  index,
		cache:  make(map[int]*list.Element, cacheBlocks),
		lru:    list.New(),
		max:    cacheBlocks,
	}, nil
}

func (bm *BandedMatrix) Close() error { return bm.f.Close() }

// NRow returns the number of variants (rows == columns).
func (bm *BandedMatrix) NRow() int { return bm.header.NRow }

// Window returns the bandwidth the store was built with.
func (bm *BandedMatrix) Window() float64 { return bm.header.Window }

// Fingerprint returns the matched-table fingerprint recorded at build
// time.
func (bm *BandedMatrix) Fingerprint() [32]byte { return bm.header.Fingerprint }

// block returns the decoded block containing column j, consulting the
// LRU cache first.
func (bm *BandedMatrix) block(j int) (*sparse.CSR, int, error) {
	id := j / bm.header.BlockCols
	bm.mu.Lock()
	defer bm.mu.Unlock()
	if el, ok := bm.cache[id]; ok {
		bm.lru.MoveToFront(el)
		return el.Value.(cacheEnt).csr, id * bm.header.BlockCols, nil
	}
	span := bm.index[id]
	gzr, err := pgzip.NewReader(io.NewSectionReader(bm.f, span.Offset, span.Length))
	if err != nil {
		return nil, 0, fmt.Errorf("block %d: %w", id, err)
	}
	var blk bandBlock
	err = gob.NewDecoder(gzr).Decode(&blk)
	if err != nil {
		return nil, 0, fmt.Errorf("block %d: %w", id, err)
	}
	err = gzr.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("block %d: %w", id, err)
	}
	csr := blockToCSR(&blk, bm.header.NRow)
	bm.cache[id] = bm.lru.PushFront(cacheEnt{id: id, csr: csr})
	for bm.lru.Len() > bm.max {
		el := bm.lru.Back()
		delete(bm.cache, el.Value.(cacheEnt).id)
		bm.lru.Remove(el)
	}
	return csr, blk.FirstCol, nil
}

// blockToCSR assembles a CSR with one sparse row per stored column:
// row r holds column (FirstCol+r) of the correlation matrix.
func blockToCSR(blk *bandBlock, nrow int) *sparse.CSR {
	rows := len(blk.Vals)
	ia := make([]int, rows+1)
	nnz := 0
	for r := range blk.Vals {
		nnz += len(blk.Vals[r])
		ia[r+1] = nnz
	}
	ja := make([]int, 0, nnz)
	data := make([]float64, 0, nnz)
	for r := range blk.Vals {
		for k, v := range blk.Vals[r] {
			ja = append(ja, blk.Start[r]+k)
			data = append(data, v)
		}
	}
	return sparse.NewCSR(rows, nrow, ia, ja, data)
}

// Get returns the correlation between variants i and j; zero outside
// the band. Get(i,j) == Get(j,i) always.
func (bm *BandedMatrix) Get(i, j int) (float64, error) {
	if i < 0 || j < 0 || i >= bm.header.NRow || j >= bm.header.NRow {
		return 0, inputErrorf("index (%d,%d) out of range for %d-variant matrix", i, j, bm.header.NRow)
	}
	csr, first, err := bm.block(j)
	if err != nil {
		return 0, err
	}
	return csr.At(j-first, i), nil
}

// ForEachInCol calls fn for every stored entry of column j.
func (bm *BandedMatrix) ForEachInCol(j int, fn func(i int, v float64)) error {
	csr, first, err := bm.block(j)
	if err != nil {
		return err
	}
	csr.DoRowNonZero(j-first, func(_, i int, v float64) { fn(i, v) })
	return nil
}

// ColDot returns the dot product of column j with x, touching only
// stored entries.
func (bm *BandedMatrix) ColDot(j int, x []float64) (float64, error) {
	var sum float64
	err := bm.ForEachInCol(j, func(i int, v float64) { sum += v * x[i] })
	return sum, err
}

// Mul computes y = R x over stored entries only.
func (bm *BandedMatrix) Mul(x []float64) ([]float64, error) {
	n := bm.header.NRow
	if len(x) != n {
		return nil, inputErrorf("vector length %d does not match matrix dimension %d", len(x), n)
	}
	y := make([]float64, n)
	for b := range bm.index {
		first := b * bm.header.BlockCols
		csr, _, err := bm.block(first)
		if err != nil {
			return nil, err
		}
		csr.DoNonZero(func(r, i int, v float64) {
			y[i] += v * x[first+r]
		})
	}
	return y, nil
}

// denseCorr adapts a row-major or column-major dense float64 matrix
// (e.g. from a .npy file) to CorrSource.
type denseCorr struct {
	n        int
	data     []float64
	colMajor bool
}

func (d *denseCorr) Dim() int { return d.n }

func (d *denseCorr) At(i, j int) float64 {
	if d.colMajor {
		return d.data[j*d.n+i]
	}
	return d.data[i*d.n+j]
}

// ReadDenseCorrNpy loads a square float64 .npy correlation matrix.
func ReadDenseCorrNpy(filename string) (CorrSource, error) {
	rdr, err := gonpy.NewFileReader(filename)
	if err != nil {
		return nil, err
	}
	if len(rdr.Shape) != 2 || rdr.Shape[0] != rdr.Shape[1] {
		return nil, inputErrorf("%s: expected a square matrix, got shape %v", filename, rdr.Shape)
	}
	data, err := rdr.GetFloat64()
	if err != nil {
		return nil, err
	}
	return &denseCorr{n: rdr.Shape[0], data: data, colMajor: rdr.ColumnMajor}, nil
}

type corrcmd struct{}

func (cmd *corrcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	matchedFilename := flags.String("matched", "matched.gob.gz", "matched table `file` (see 'prs match')")
	corrFilename := flags.String("corr", "", "dense correlation matrix `file` (.npy, square, variant order == matched table order)")
	outputFilename := flags.String("o", "corr.bmat", "output banded store `file`")
	windowCM := flags.Float64("window-cm", 3, "window size in `centiMorgans` (needs -genetic-map)")
	windowBP := flags.Int("window-bp", 0, "window size in `basepairs` (overrides -window-cm)")
	mapFilename := flags.String("genetic-map", "", "genetic map `file` (chr, bp, cM records) for -window-cm")
	blockCols := flags.Int("block-cols", 256, "columns per compressed block")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	if *corrFilename == "" {
		err = inputErrorf("must provide -corr")
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	table, err := ReadMatchedTable(*matchedFilename)
	if err != nil {
		return 1
	}
	src, err := ReadDenseCorrNpy(*corrFilename)
	if err != nil {
		return 1
	}
	if src.Dim() != len(table.Variants) {
		err = inputErrorf("correlation matrix has %d variants but matched table has %d", src.Dim(), len(table.Variants))
		return 1
	}

	var pos []float64
	var window float64
	if *windowBP > 0 {
		window = float64(*windowBP)
		pos, err = bandPositions(table, nil, window)
	} else {
		if *mapFilename == "" {
			err = inputErrorf("must provide -genetic-map for -window-cm (or use -window-bp)")
			return 2
		}
		var gmap *GeneticMap
		gmap, err = ReadGeneticMap(*mapFilename)
		if err != nil {
			return 1
		}
		window = *windowCM
		pos, err = bandPositions(table, gmap, window)
	}
	if err != nil {
		return 1
	}

	err = BuildBandedMatrix(*outputFilename, src, pos, window, table.PositionFingerprint(), *blockCols)
	if err != nil {
		return 1
	}
	return 0
}

// bandPositions maps matched variants onto a single nondecreasing
// position axis: physical basepairs (gmap == nil) or interpolated
// centiMorgans, with consecutive chromosomes separated by more than
// the window so no band spans a chromosome boundary.
func bandPositions(table *MatchedTable, gmap *GeneticMap, window float64) ([]float64, error) {
	pos := make([]float64, len(table.Variants))
	offset := 0.0
	lastChr := 0
	prev := 0.0
	for i, v := range table.Variants {
		p := float64(v.Pos)
		if gmap != nil {
			p = gmap.Interpolate(v.Chr, v.Pos)
		}
		if i > 0 && v.Chr != lastChr {
			offset = prev + 2*window - p
		}
		lastChr = v.Chr
		pos[i] = p + offset
		if i > 0 && pos[i] < prev {
			return nil, inputErrorf("matched table is not sorted by position at row %d (%d:%d)", i, v.Chr, v.Pos)
		}
		prev = pos[i]
	}
	return pos, nil
}

// openBandedForTable opens a banded store and verifies it was built
// from the given matched table.
func openBandedForTable(filename string, table *MatchedTable, cacheBlocks int) (*BandedMatrix, error) {
	bm, err := OpenBandedMatrix(filename, cacheBlocks)
	if err != nil {
		return nil, err
	}
	if bm.NRow() != len(table.Variants) {
		bm.Close()
		return nil, inputErrorf("banded store has %d variants but matched table has %d", bm.NRow(), len(table.Variants))
	}
	if bm.Fingerprint() != table.PositionFingerprint() {
		bm.Close()
		return nil, inputErrorf("banded store %s was not built from this matched table", filename)
	}
	return bm, nil
}
