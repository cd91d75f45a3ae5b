// Command scquant-core is a thin driver that wires the gene-EC
// builder, EM/VBEM kernel, bootstrap driver, and dispatcher together.
// Command-line parsing proper (barcode/UMI extraction, global EC-map
// construction from raw alignments) is out of scope for this core; a
// real deployment feeds a populated ecindex.Index and geneindex.Index
// in, the way this binary's loadInputs hook is meant to be replaced.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"

	"github.com/bioforge/scquant/cellworker"
	"github.com/bioforge/scquant/dispatch"
	"github.com/bioforge/scquant/ecindex"
	"github.com/bioforge/scquant/geneindex"
	"github.com/bioforge/scquant/priors"
	"github.com/bioforge/scquant/sink"
)

var (
	numThreads       = flag.Int("numThreads", 1, "worker thread count (1 = single-threaded)")
	seed             = flag.Int64("seed", 1, "top-level PRNG seed for bootstrap resampling")
	useVBEM          = flag.Bool("useVBEM", false, "select VBEM over EM")
	initUniform      = flag.Bool("initUniform", false, "override warm-start with 1/G")
	numBootstraps    = flag.Uint("numBootstraps", 0, "number of bootstrap replicates (0 disables)")
	noEM             = flag.Bool("noEM", false, "emit pre-EM geneAlphas directly, disabling ambiguity resolution")
	naiveEqclass     = flag.Bool("naiveEqclass", false, "skip the UMI-graph reduction, dedup by UMI-set cardinality")
	umiEditDistance  = flag.Int("umiEditDistance", 1, "UMI collapse edit distance, 0 or 1")
	dumpArborescence = flag.Bool("dumpArborescences", false, "emit the per-gene arborescence-size histogram")
	dumpMtx          = flag.Bool("dumpMtx", false, "emit a gzip-compressed Matrix-Market abundance file")
	vbPrior          = flag.Float64("vbPrior", 1e-2, "scalar VBEM prior mass used when no prior matrix is loaded")
	vbemNorm         = flag.Float64("vbemNorm", 1.0, "normalisation constant applied to a loaded prior matrix")
	priorDir         = flag.String("vbemPriorDir", "", "directory containing quants_mat.csv/_cols.txt/_rows.txt")
	mitoGeneFile     = flag.String("mitoGeneFile", "", "newline-delimited mitochondrial gene name list, enables the mito feature column")
	riboGeneFile     = flag.String("riboGeneFile", "", "newline-delimited ribosomal gene name list, enables the ribo feature column")
	outDir           = flag.String("outDir", ".", "output directory for abundance/features/gene-name files")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	if *numBootstraps > 0 && *noEM {
		log.Fatalf("scquant-core: numBootstraps > 0 is incompatible with noEM")
	}
	if *useVBEM && !*initUniform && *priorDir == "" {
		log.Fatalf("scquant-core: useVBEM requires either initUniform or a vbemPriorDir")
	}
	if *umiEditDistance != 0 && *umiEditDistance != 1 {
		log.Fatalf("scquant-core: umiEditDistance must be 0 or 1, got %d", *umiEditDistance)
	}

	ctx := context.Background()
	genes, idx, cells, err := loadInputs(ctx)
	if err != nil {
		log.Fatalf("scquant-core: loading inputs: %v", err)
	}

	var priorTable *priors.Table
	if *priorDir != "" {
		if priorTable, err = loadPriorTable(*priorDir, genes); err != nil {
			log.Fatalf("scquant-core: loading prior matrix: %v", err)
		}
	}

	arboPath := ""
	if *dumpArborescence {
		arboPath = *outDir + "/arborescence_dump.txt"
	}
	writer, err := sink.NewWriter(ctx, genes.Names(), sink.Opts{
		AbundancePath: *outDir + "/quants_mat.bin",
		FeaturesPath:  *outDir + "/featureDump.txt",
		GeneNamesPath: *outDir + "/quants_mat_cols.txt",
		ArboPath:      arboPath,
		MtxPath:       mtxPathIfRequested(*dumpMtx, *outDir),
		NumGenes:      genes.Len(),
		NumCells:      len(cells),
	})
	if err != nil {
		log.Fatalf("scquant-core: opening output sink: %v", err)
	}

	cwOpts := cellworker.Opts{
		NumGenes:          genes.Len(),
		Protocol:          cellworker.ProtocolInfo{UMILength: 16},
		EditDistance:      *umiEditDistance,
		Naive:             *naiveEqclass,
		InitUniform:       *initUniform,
		UseVBEM:           *useVBEM,
		NoEM:              *noEM,
		VBPrior:           *vbPrior,
		NumBootstraps:     uint32(*numBootstraps),
		DumpArborescences: *dumpArborescence,
		MitoGenes:         loadGeneNameSet(*mitoGeneFile, genes),
		RiboGenes:         loadGeneNameSet(*riboGeneFile, genes),
	}

	totals, err := dispatch.Run(idx, genes, cells, cwOpts, priorTable, writer, dispatch.Opts{
		NumThreads: *numThreads,
		Seed:       *seed,
	})
	if err != nil {
		log.Fatalf("scquant-core: dispatch failed: %v", err)
	}
	if err := writer.Close(ctx); err != nil {
		log.Fatalf("scquant-core: closing output sink: %v", err)
	}

	log.Printf("scquant-core: done. dedupUMIs=%.0f expressedGenes=%d skippedCells=%d",
		totals.DedupCounts, totals.ExpressedGenes, totals.SkippedCells)
}

func mtxPathIfRequested(requested bool, outDir string) string {
	if !requested {
		return ""
	}
	return outDir + "/quants_mat.mtx.gz"
}

// loadGeneNameSet reads an optional mito/ribo gene-name file into the
// dense gene-ID set cellworker needs for its feature-row fractions. An
// empty path is not an error: the feature column is simply left off.
func loadGeneNameSet(path string, genes *geneindex.Index) map[int32]bool {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("scquant-core: reading gene name file %s: %v", path, err)
	}
	return geneindex.LoadGeneNameSet(genes, data)
}

// loadInputs is the seam for the external collaborator that builds the
// global EC index and gene/cell tables from raw alignments -- out of
// scope for this core. This stub lets the binary compile and exercise
// the wiring; real deployments replace it with an actual loader.
func loadInputs(ctx context.Context) (*geneindex.Index, *ecindex.Index, []cellworker.Cell, error) {
	_ = ctx
	idx := ecindex.NewBuilder()
	idx.Freeze()
	genes, err := geneindex.New(nil, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return genes, idx, nil, nil
}

func loadPriorTable(dir string, genes *geneindex.Index) (*priors.Table, error) {
	rowsFile, err := os.Open(dir + "/quants_mat_rows.txt")
	if err != nil {
		return nil, err
	}
	defer rowsFile.Close()
	colsFile, err := os.Open(dir + "/quants_mat_cols.txt")
	if err != nil {
		return nil, err
	}
	defer colsFile.Close()
	matrixFile, err := os.Open(dir + "/quants_mat.csv")
	if err != nil {
		return nil, err
	}
	defer matrixFile.Close()

	return priors.Load(rowsFile, colsFile, matrixFile, genes.Name, genes.GeneID, genes.Len(), *vbemNorm)
}
