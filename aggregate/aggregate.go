// Package aggregate holds the process-wide monotonic counters every
// worker contributes to: total deduplicated UMIs, total expressed-gene
// count, and directed/undirected UMI-graph edge counts.
//
// Thread-local shards are reduced at join rather than a single atomic
// double (there is no portable lock-free atomic float64 add in Go's
// sync/atomic, and a CAS-retry loop contends under load for no benefit
// here since every worker's shard is private until Join). One Shard
// per worker; Join sums them.
package aggregate

// Shard is one worker's private running totals. A worker owns its
// Shard exclusively -- no locking, no atomics -- until the dispatcher
// calls Join after every worker has exited.
type Shard struct {
	DedupCounts     float64
	ExpressedGenes  int64
	DirectedEdges   int64
	UndirectedEdges int64
	SkippedCells    int64
}

// Add folds one cell's contribution into the shard.
func (s *Shard) Add(dedupCount float64, expressedGenes int, directedEdges, undirectedEdges uint64) {
	s.DedupCounts += dedupCount
	s.ExpressedGenes += int64(expressedGenes)
	s.DirectedEdges += int64(directedEdges)
	s.UndirectedEdges += int64(undirectedEdges)
}

// AddSkipped records one inactive or failed cell.
func (s *Shard) AddSkipped() {
	s.SkippedCells++
}

// Totals is the joined, process-wide result.
type Totals struct {
	DedupCounts     float64
	ExpressedGenes  int64
	DirectedEdges   int64
	UndirectedEdges int64
	SkippedCells    int64
}

// Join reduces every worker's shard into one Totals, read once at
// dispatcher shutdown.
func Join(shards []*Shard) Totals {
	var t Totals
	for _, s := range shards {
		if s == nil {
			continue
		}
		t.DedupCounts += s.DedupCounts
		t.ExpressedGenes += s.ExpressedGenes
		t.DirectedEdges += s.DirectedEdges
		t.UndirectedEdges += s.UndirectedEdges
		t.SkippedCells += s.SkippedCells
	}
	return t
}
