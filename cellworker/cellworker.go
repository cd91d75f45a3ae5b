// Package cellworker drives one cell through the gene-EC builder,
// EM/VBEM, and optional bootstrap, then computes its feature row and
// hands everything to the output sink.
package cellworker

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/grailbio/base/log"

	"github.com/bioforge/scquant/aggregate"
	"github.com/bioforge/scquant/bootstrap"
	"github.com/bioforge/scquant/ecindex"
	"github.com/bioforge/scquant/em"
	"github.com/bioforge/scquant/geneec"
	"github.com/bioforge/scquant/geneindex"
	"github.com/bioforge/scquant/priors"
	"github.com/bioforge/scquant/sink"
)

const (
	featureCodeMito = 1 << 0
	featureCodeRibo = 1 << 1
)

// ProtocolInfo describes the read layout a barcode/UMI extraction
// front end would need: it has no reader of its own here, but exists
// as the hook point a barcode-layout plugin binds to without touching
// Process's signature.
type ProtocolInfo struct {
	UMILength     int
	BarcodeLength int
}

// Opts configures how every cell in a run is processed. Populated once
// by the dispatcher (or cmd/scquant-core) and shared read-only across
// workers.
type Opts struct {
	NumGenes     int
	Protocol     ProtocolInfo
	EditDistance int
	Naive        bool

	InitUniform bool
	UseVBEM     bool
	NoEM        bool
	VBPrior     float64 // scalar fallback prior mass, used when useVBEM and no prior table is loaded

	NumBootstraps    uint32
	UseAllBootstraps bool

	DumpArborescences bool

	MitoGenes map[int32]bool
	RiboGenes map[int32]bool
}

// Cell is the dispatcher's view of one cell.
type Cell struct {
	Index      int32
	Barcode    string
	MappedUMIs uint64
	RawReads   uint64
}

// Process runs one cell end to end. A non-nil error is always a fatal
// input-integrity violation; per-cell numerical failures are absorbed
// here, recorded into shard, and reported by returning nil with no
// sink write.
func Process(
	idx *ecindex.Index,
	genes *geneindex.Index,
	orderedKeys []ecindex.TxGroupKey,
	cell Cell,
	opts Opts,
	priorTable *priors.Table,
	rng *rand.Rand,
	writer *sink.Writer,
	shard *aggregate.Shard) error {
	if cell.MappedUMIs == 0 {
		shard.AddSkipped()
		return nil
	}

	geneOpts := geneec.Opts{
		UMILength:         opts.Protocol.UMILength,
		EditDistance:      opts.EditDistance,
		Naive:             opts.Naive,
		DumpArborescences: opts.DumpArborescences,
	}
	res, err := geneec.Build(idx, genes, orderedKeys, cell.Index, geneOpts)
	if err != nil {
		return fmt.Errorf("cellworker: cell %d (%s): %w", cell.Index, cell.Barcode, err)
	}
	if res.FragmentsTotal != cell.MappedUMIs {
		return fmt.Errorf("cellworker: cell %d (%s): fragment count %d does not match expected mapped-UMI total %d",
			cell.Index, cell.Barcode, res.FragmentsTotal, cell.MappedUMIs)
	}

	var alpha []float64
	if opts.NoEM {
		alpha = res.GeneAlphas
	} else {
		var prior []float64
		if opts.UseVBEM {
			if priorTable != nil {
				prior = priorTable.Vector(cell.Barcode)
				priorTable.DowngradeTier2(prior, res.Tiers)
			} else {
				prior = make([]float64, opts.NumGenes)
				for g := range prior {
					prior[g] = opts.VBPrior
				}
			}
		}
		var ok bool
		alpha, ok = em.Run(res.GeneECs, res.GeneAlphas, em.Opts{
			NumGenes:    opts.NumGenes,
			UseVBEM:     opts.UseVBEM,
			InitUniform: opts.InitUniform,
			Prior:       prior,
		})
		if !ok {
			log.Printf("cellworker: cell %d (%s): EM/VBEM numerical collapse, skipping", cell.Index, cell.Barcode)
			shard.AddSkipped()
			return nil
		}
	}

	var boot *sink.BootBlock
	if opts.NumBootstraps > 0 {
		bootRes, ok := bootstrap.Run(res.GeneECs, alpha, bootstrap.Opts{
			NumGenes:         opts.NumGenes,
			NumBootstraps:    opts.NumBootstraps,
			UseAllBootstraps: opts.UseAllBootstraps,
			InitUniform:      opts.InitUniform,
			Rand:             rng,
		})
		if !ok {
			log.Printf("cellworker: cell %d (%s): bootstrap failed, skipping", cell.Index, cell.Barcode)
			shard.AddSkipped()
			return nil
		}
		boot = &sink.BootBlock{Mean: bootRes.Mean, Variance: bootRes.Variance, Samples: bootRes.Samples}
	}

	row := buildFeatureRow(cell, alpha, opts)
	var perGeneArbo [][]sink.ArboBucket
	if opts.DumpArborescences {
		perGeneArbo = aggregatePerGeneArbo(res, opts.NumGenes)
	}

	if err := writer.WriteCell(cell.Index, row, alpha, perGeneArbo, boot, res.FragmentsTotal); err != nil {
		return fmt.Errorf("cellworker: cell %d (%s): %w", cell.Index, cell.Barcode, err)
	}

	shard.Add(sumAlpha(alpha), countExpressed(alpha), res.TotalUniEdges, res.TotalBiEdges)
	return nil
}

func buildFeatureRow(cell Cell, alpha []float64, opts Opts) sink.FeatureRow {
	dedup := sumAlpha(alpha)
	row := sink.FeatureRow{
		Barcode:     cell.Barcode,
		RawReads:    cell.RawReads,
		MappedReads: cell.MappedUMIs,
		DedupUMIs:   dedup,
	}
	if cell.RawReads > 0 {
		row.MappingRate = float64(cell.MappedUMIs) / float64(cell.RawReads)
	}
	if cell.MappedUMIs > 0 {
		row.DedupRate = 1 - dedup/float64(cell.MappedUMIs)
	}

	expressed := 0
	max := 0.0
	for _, v := range alpha {
		if v > 0 {
			expressed++
		}
		if v > max {
			max = v
		}
	}
	if expressed > 0 {
		row.MeanAlpha = dedup / float64(expressed)
	}
	if max > 0 {
		row.MeanOverMax = row.MeanAlpha / max
	}
	for _, v := range alpha {
		if v > row.MeanAlpha {
			row.GenesAboveMean++
		}
	}

	if len(opts.MitoGenes) > 0 {
		row.FeatureCode |= featureCodeMito
		row.MitoFrac = fraction(alpha, opts.MitoGenes, dedup)
	}
	if len(opts.RiboGenes) > 0 {
		row.FeatureCode |= featureCodeRibo
		row.RiboFrac = fraction(alpha, opts.RiboGenes, dedup)
	}
	return row
}

func fraction(alpha []float64, geneSet map[int32]bool, total float64) float64 {
	if total <= 0 {
		return 0
	}
	sum := 0.0
	for g := range geneSet {
		if int(g) < len(alpha) {
			sum += alpha[g]
		}
	}
	return sum / total
}

func sumAlpha(alpha []float64) float64 {
	sum := 0.0
	for _, v := range alpha {
		sum += v
	}
	return sum
}

func countExpressed(alpha []float64) int {
	n := 0
	for _, v := range alpha {
		if v > 0 {
			n++
		}
	}
	return n
}

// aggregatePerGeneArbo folds the builder's per-gene-EC arborescence
// histograms into one histogram per gene, since the output block is
// keyed by gene, not by gene EC: a multi-gene EC's histogram is
// credited to every gene it touches.
func aggregatePerGeneArbo(res geneec.Result, numGenes int) [][]sink.ArboBucket {
	perGene := make([]map[int]int, numGenes)
	for i, ec := range res.GeneECs {
		if i >= len(res.Arborescences) {
			break
		}
		for _, g := range ec.Labels {
			if perGene[g] == nil {
				perGene[g] = make(map[int]int)
			}
			for _, b := range res.Arborescences[i] {
				perGene[g][b.Length] += b.Count
			}
		}
	}
	out := make([][]sink.ArboBucket, numGenes)
	for g, m := range perGene {
		if len(m) == 0 {
			continue
		}
		lengths := make([]int, 0, len(m))
		for l := range m {
			lengths = append(lengths, l)
		}
		sort.Ints(lengths)
		buckets := make([]sink.ArboBucket, 0, len(lengths))
		for _, l := range lengths {
			buckets = append(buckets, sink.ArboBucket{Length: l, Count: m[l]})
		}
		out[g] = buckets
	}
	return out
}
