// Package sink implements the output side of per-cell quantification:
// the per-cell sparse abundance record, the feature TSV, the gene-name
// file, and the optional Matrix-Market, arborescence, and bootstrap
// side files.
//
// A single Writer serialises every cell's output behind one mutex --
// grounded on pileup/snp/output.go's paired-TSV writer idiom, adapted
// to one struct holding every output stream a cell might touch instead
// of two ref/alt streams.
package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

const featureCodeMito = 1 << 0
const featureCodeRibo = 1 << 1

// FeatureRow is one cell's line in the feature TSV.
type FeatureRow struct {
	Barcode        string
	RawReads       uint64
	MappedReads    uint64
	DedupUMIs      float64
	MappingRate    float64
	DedupRate      float64
	MeanAlpha      float64
	MeanOverMax    float64
	GenesAboveMean int
	FeatureCode    uint8
	MitoFrac       float64
	RiboFrac       float64
}

// ArboBucket mirrors geneec.ArboBucket without importing it, so sink
// stays a leaf package in the dependency order.
type ArboBucket struct {
	Length int
	Count  int
}

// BootBlock is the optional per-cell bootstrap side record.
type BootBlock struct {
	Mean     []float64
	Variance []float64
	Samples  [][]float64
}

type mtxEntry struct {
	cell  int32
	gene  int32
	value float32
}

// Opts configures a Writer. AbundancePath and FeaturesPath are always
// created; GeneNamesPath, ArboPath, BootPath and MtxPath left empty
// disable that output stream.
type Opts struct {
	AbundancePath string
	FeaturesPath  string
	GeneNamesPath string
	ArboPath      string
	BootPath      string
	MtxPath       string

	NumGenes int
	NumCells int
}

// Writer is the single output sink a dispatcher hands to every worker.
type Writer struct {
	mu sync.Mutex

	numGenes int

	abundance   file.File
	abundanceBW *bufio.Writer

	features    file.File
	featuresTSV *tsv.Writer

	arbo   file.File
	boot   file.File
	mtxBuf []mtxEntry

	mtxPath  string
	numCells int
}

// NewWriter opens every configured output stream and writes the
// gene-name file up front.
func NewWriter(ctx context.Context, geneNames []string, opts Opts) (w *Writer, err error) {
	w = &Writer{numGenes: opts.NumGenes, mtxPath: opts.MtxPath, numCells: opts.NumCells}
	defer func() {
		if err != nil {
			w.closeQuiet(ctx)
		}
	}()

	if w.abundance, err = file.Create(ctx, opts.AbundancePath); err != nil {
		return nil, errors.E(err, "sink: creating abundance file", opts.AbundancePath)
	}
	w.abundanceBW = bufio.NewWriter(w.abundance.Writer(ctx))

	if w.features, err = file.Create(ctx, opts.FeaturesPath); err != nil {
		return nil, errors.E(err, "sink: creating features file", opts.FeaturesPath)
	}
	w.featuresTSV = tsv.NewWriter(w.features.Writer(ctx))
	w.writeFeatureHeader()

	if opts.ArboPath != "" {
		if w.arbo, err = file.Create(ctx, opts.ArboPath); err != nil {
			return nil, errors.E(err, "sink: creating arborescence file", opts.ArboPath)
		}
	}
	if opts.BootPath != "" {
		if w.boot, err = file.Create(ctx, opts.BootPath); err != nil {
			return nil, errors.E(err, "sink: creating bootstrap file", opts.BootPath)
		}
	}

	if opts.GeneNamesPath != "" {
		genesFile, err := file.Create(ctx, opts.GeneNamesPath)
		if err != nil {
			return nil, errors.E(err, "sink: creating gene-name file", opts.GeneNamesPath)
		}
		gw := bufio.NewWriter(genesFile.Writer(ctx))
		for _, name := range geneNames {
			if _, err := gw.WriteString(name); err != nil {
				return nil, errors.E(err, "sink: writing gene-name file")
			}
			if err := gw.WriteByte('\n'); err != nil {
				return nil, errors.E(err, "sink: writing gene-name file")
			}
		}
		if err := gw.Flush(); err != nil {
			return nil, errors.E(err, "sink: flushing gene-name file")
		}
		if err := genesFile.Close(ctx); err != nil {
			return nil, errors.E(err, "sink: closing gene-name file")
		}
	}

	return w, nil
}

func (w *Writer) writeFeatureHeader() {
	w.featuresTSV.WriteString("barcode")
	w.featuresTSV.WriteString("raw_reads")
	w.featuresTSV.WriteString("mapped_reads")
	w.featuresTSV.WriteString("dedup_umis")
	w.featuresTSV.WriteString("mapping_rate")
	w.featuresTSV.WriteString("dedup_rate")
	w.featuresTSV.WriteString("mean_alpha")
	w.featuresTSV.WriteString("mean_over_max")
	w.featuresTSV.WriteString("genes_above_mean")
	_ = w.featuresTSV.EndLine()
}

// WriteCell emits one cell's full output: the feature row, then the
// sparse abundance record, then (when present) the arborescence and
// bootstrap blocks, in that order -- the only ordering this package
// promises within a cell; cross-cell ordering is whatever order
// dispatch hands cells to WriteCell. cellIdx is the cell's 0-based
// position, used only for the 1-indexed Matrix-Market triplets.
func (w *Writer) WriteCell(cellIdx int32, row FeatureRow, alpha []float64, perGeneArbo [][]ArboBucket, boot *BootBlock, fragmentsTotal uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeFeatureRow(row); err != nil {
		return err
	}
	if err := writeAbundanceRecord(w.abundanceBW, alpha); err != nil {
		return errors.E(err, "sink: writing abundance record for", row.Barcode)
	}
	if w.arbo != nil {
		if err := w.writeArboBlock(row.Barcode, perGeneArbo, fragmentsTotal, alpha); err != nil {
			return err
		}
	}
	if w.boot != nil && boot != nil {
		if err := w.writeBootBlock(boot); err != nil {
			return err
		}
	}
	if w.mtxPath != "" {
		for g, v := range alpha {
			if v != 0 {
				w.mtxBuf = append(w.mtxBuf, mtxEntry{cell: cellIdx, gene: int32(g), value: float32(v)})
			}
		}
	}
	return nil
}

func (w *Writer) writeFeatureRow(row FeatureRow) error {
	t := w.featuresTSV
	t.WriteString(row.Barcode)
	t.WriteInt64(int64(row.RawReads))
	t.WriteInt64(int64(row.MappedReads))
	t.WriteString(strconv.FormatFloat(row.DedupUMIs, 'g', -1, 64))
	t.WriteString(strconv.FormatFloat(row.MappingRate, 'g', -1, 64))
	t.WriteString(strconv.FormatFloat(row.DedupRate, 'g', -1, 64))
	t.WriteString(strconv.FormatFloat(row.MeanAlpha, 'g', -1, 64))
	t.WriteString(strconv.FormatFloat(row.MeanOverMax, 'g', -1, 64))
	t.WriteInt64(int64(row.GenesAboveMean))
	if row.FeatureCode&featureCodeMito != 0 {
		t.WriteString(strconv.FormatFloat(row.MitoFrac, 'g', -1, 64))
	}
	if row.FeatureCode&featureCodeRibo != 0 {
		t.WriteString(strconv.FormatFloat(row.RiboFrac, 'g', -1, 64))
	}
	return t.EndLine()
}

// writeArboBlock writes the "barcode #expressed total_frags" header
// line followed by one "gid k (len, count)*k" line per gene that has
// at least one arborescence bucket.
func (w *Writer) writeArboBlock(barcode string, perGeneArbo [][]ArboBucket, fragmentsTotal uint64, alpha []float64) error {
	expressed := 0
	for _, v := range alpha {
		if v != 0 {
			expressed++
		}
	}
	bw := bufio.NewWriter(w.arbo.Writer(context.Background()))
	if _, err := fmt.Fprintf(bw, "%s\t%d\t%d\n", barcode, expressed, fragmentsTotal); err != nil {
		return err
	}
	for g, buckets := range perGeneArbo {
		if len(buckets) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%d\t%d", g, len(buckets)); err != nil {
			return err
		}
		for _, b := range buckets {
			if _, err := fmt.Fprintf(bw, "\t(%d, %d)", b.Length, b.Count); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprint(bw, "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (w *Writer) writeBootBlock(boot *BootBlock) error {
	bw := bufio.NewWriter(w.boot.Writer(context.Background()))
	for _, v := range boot.Mean {
		if _, err := fmt.Fprintf(bw, "%g\t", v); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(bw, "\n"); err != nil {
		return err
	}
	for _, v := range boot.Variance {
		if _, err := fmt.Fprintf(bw, "%g\t", v); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(bw, "\n"); err != nil {
		return err
	}
	for _, sample := range boot.Samples {
		for _, v := range sample {
			if _, err := fmt.Fprintf(bw, "%g\t", v); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Close flushes and closes every open stream, and writes the buffered
// Matrix-Market file, if one was requested.
func (w *Writer) Close(ctx context.Context) (err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	set := func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}

	if w.abundanceBW != nil {
		set(w.abundanceBW.Flush())
	}
	if w.abundance != nil {
		set(w.abundance.Close(ctx))
	}
	if w.featuresTSV != nil {
		set(w.featuresTSV.Flush())
	}
	if w.features != nil {
		set(w.features.Close(ctx))
	}
	if w.arbo != nil {
		set(w.arbo.Close(ctx))
	}
	if w.boot != nil {
		set(w.boot.Close(ctx))
	}
	if w.mtxPath != "" {
		set(w.writeMtx(ctx))
	}
	return err
}

func (w *Writer) closeQuiet(ctx context.Context) {
	if w.abundance != nil {
		_ = w.abundance.Close(ctx)
	}
	if w.features != nil {
		_ = w.features.Close(ctx)
	}
	if w.arbo != nil {
		_ = w.arbo.Close(ctx)
	}
	if w.boot != nil {
		_ = w.boot.Close(ctx)
	}
}

func (w *Writer) writeMtx(ctx context.Context) error {
	f, err := file.Create(ctx, w.mtxPath)
	if err != nil {
		return errors.E(err, "sink: creating matrix-market file", w.mtxPath)
	}
	gz := gzip.NewWriter(f.Writer(ctx))
	if _, err := fmt.Fprintf(gz, "%%%%MatrixMarket matrix coordinate real general\n"); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(gz, "%d %d %d\n", w.numCells, w.numGenes, len(w.mtxBuf)); err != nil {
		return err
	}
	for _, e := range w.mtxBuf {
		if _, err := fmt.Fprintf(gz, "%d %d %g\n", e.cell+1, e.gene+1, e.value); err != nil {
			return err
		}
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close(ctx)
}

// writeAbundanceRecord writes the sparse record: a ceil(G/8)-byte
// MSB-first flag bitmap, followed by one little-endian float32 per set
// bit, in ascending gene order.
func writeAbundanceRecord(w *bufio.Writer, alpha []float64) error {
	numGenes := len(alpha)
	bitmap := make([]byte, (numGenes+7)/8)
	for g, v := range alpha {
		if v != 0 {
			bitmap[g/8] |= 0x80 >> uint(g%8)
		}
	}
	if _, err := w.Write(bitmap); err != nil {
		return err
	}
	var buf [4]byte
	for g, v := range alpha {
		if v == 0 {
			continue
		}
		bits := math.Float32bits(float32(v))
		buf[0] = byte(bits)
		buf[1] = byte(bits >> 8)
		buf[2] = byte(bits >> 16)
		buf[3] = byte(bits >> 24)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// ReadAbundanceRecord is the inverse of writeAbundanceRecord, exported
// for round-trip testing and for the repackaging stage this core hands
// off to.
func ReadAbundanceRecord(r *bufio.Reader, numGenes int) ([]float64, error) {
	nbytes := (numGenes + 7) / 8
	bitmap := make([]byte, nbytes)
	if _, err := io.ReadFull(r, bitmap); err != nil {
		return nil, err
	}
	alpha := make([]float64, numGenes)
	for g := 0; g < numGenes; g++ {
		if bitmap[g/8]&(0x80>>uint(g%8)) == 0 {
			continue
		}
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		bits := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
		alpha[g] = float64(math.Float32frombits(bits))
	}
	return alpha, nil
}
