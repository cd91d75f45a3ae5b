package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinSumsIndependentShards(t *testing.T) {
	a := &Shard{}
	a.Add(10, 2, 3, 1)
	b := &Shard{}
	b.Add(5, 1, 0, 2)
	b.AddSkipped()

	totals := Join([]*Shard{a, b, nil})
	assert.Equal(t, 15.0, totals.DedupCounts)
	assert.Equal(t, int64(3), totals.ExpressedGenes)
	assert.Equal(t, int64(3), totals.DirectedEdges)
	assert.Equal(t, int64(3), totals.UndirectedEdges)
	assert.Equal(t, int64(1), totals.SkippedCells)
}

func TestJoinEmpty(t *testing.T) {
	totals := Join(nil)
	assert.Equal(t, Totals{}, totals)
}
