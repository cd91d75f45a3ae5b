// Package dispatch partitions the cell list across worker goroutines
// and aggregates global counters.
//
// Workers are spawned via github.com/grailbio/base/traverse.Each (the
// same goroutine-pool primitive pileup/snp/pileup.go's main loop
// uses), but each goroutine body runs an atomic fetch-and-increment
// loop against a shared cursor instead of traverse.Each's default
// static partitioning -- cell cost is skewed (deeply sequenced cells
// cost far more than sparse ones), so a work-stealing cursor balances
// load where static ranges would not.
package dispatch

import (
	"math/rand"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"

	"github.com/bioforge/scquant/aggregate"
	"github.com/bioforge/scquant/cellworker"
	"github.com/bioforge/scquant/ecindex"
	"github.com/bioforge/scquant/geneindex"
	"github.com/bioforge/scquant/priors"
	"github.com/bioforge/scquant/sink"
)

// Opts configures the dispatcher.
type Opts struct {
	NumThreads int
	// Seed is the top-level bootstrap RNG seed; each worker derives its
	// own stream as baseSeed*31 + workerIdx.
	Seed int64
}

func numWorkers(requested int) int {
	if requested < 1 {
		return 1
	}
	w := requested - 1
	if w < 1 {
		return 1
	}
	return w
}

// Run spawns workers over cells, returns the joined aggregate totals.
// A non-nil error is the first fatal input-integrity violation or
// writer failure surfaced by any worker -- the dispatcher treats only
// numerical per-cell failures as survivable.
func Run(
	idx *ecindex.Index,
	genes *geneindex.Index,
	cells []cellworker.Cell,
	cwOpts cellworker.Opts,
	priorTable *priors.Table,
	writer *sink.Writer,
	opts Opts) (aggregate.Totals, error) {
	orderedKeys := idx.Keys()
	numCells := int64(len(cells))
	var cursor int64 = -1

	workers := numWorkers(opts.NumThreads)
	shards := make([]*aggregate.Shard, workers)
	errOnce := errors.Once{}

	log.Printf("dispatch: starting %d workers over %d cells", workers, numCells)

	err := traverse.Each(workers, func(workerIdx int) error {
		shard := &aggregate.Shard{}
		shards[workerIdx] = shard
		rng := rand.New(rand.NewSource(opts.Seed*31 + int64(workerIdx)))

		for {
			i := atomic.AddInt64(&cursor, 1)
			if i >= numCells {
				return nil
			}
			cell := cells[i]
			if err := cellworker.Process(idx, genes, orderedKeys, cell, cwOpts, priorTable, rng, writer, shard); err != nil {
				errOnce.Set(err)
				return err
			}
		}
	})
	if err != nil {
		return aggregate.Totals{}, errOnce.Err
	}

	totals := aggregate.Join(shards)
	log.Printf("dispatch: done, dedupUMIs=%.0f expressedGenes=%d directedEdges=%d undirectedEdges=%d skippedCells=%d",
		totals.DedupCounts, totals.ExpressedGenes, totals.DirectedEdges, totals.UndirectedEdges, totals.SkippedCells)
	return totals, nil
}
