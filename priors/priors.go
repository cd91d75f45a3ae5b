// Package priors materialises per-cell Dirichlet prior vectors for
// VBEM from an external matrix of a previous run's point estimates:
// quants_mat_rows.txt (cell names), quants_mat_cols.txt (gene names),
// quants_mat.csv (the matrix itself).
//
// There is no precedent elsewhere in this tree for reading a CSV
// matrix, so this is the one component justified as a direct
// encoding/csv use (see DESIGN.md) rather than a pack-sourced library.
package priors

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Table is a loaded prior matrix, aligned against the current run's
// gene index once at startup.
type Table struct {
	cellRow     map[string]int
	geneCol     map[int]int // current gene id -> column in matrix
	matrix      [][]float64
	numGenes    int
	priorWeight float64
}

// Load reads the three prior artefacts. geneID maps a gene name to its
// id in the current run (genes the prior doesn't know about are simply
// never looked up; genes the current run doesn't know about are
// dropped from the column alignment).
func Load(rows, cols io.Reader, matrixCSV io.Reader, geneName func(id int32) string, geneID func(name string) (int32, bool), numGenes int, vbemNorm float64) (*Table, error) {
	cellNames, err := readLines(rows)
	if err != nil {
		return nil, errors.E(err, "priors: reading quants_mat_rows.txt")
	}
	colNames, err := readLines(cols)
	if err != nil {
		return nil, errors.E(err, "priors: reading quants_mat_cols.txt")
	}

	r := csv.NewReader(matrixCSV)
	r.FieldsPerRecord = -1
	var matrix [][]float64
	matrixSum := 0.0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.E(err, "priors: malformed quants_mat.csv")
		}
		row := make([]float64, len(record))
		for i, field := range record {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, errors.E(err, "priors: non-numeric entry in quants_mat.csv")
			}
			row[i] = v
			matrixSum += v
		}
		matrix = append(matrix, row)
	}
	if len(matrix) != len(cellNames) {
		return nil, errors.E("priors: quants_mat_rows.txt count does not match quants_mat.csv row count")
	}

	t := &Table{
		cellRow:  make(map[string]int, len(cellNames)),
		geneCol:  make(map[int]int, len(colNames)),
		matrix:   matrix,
		numGenes: numGenes,
	}
	for i, name := range cellNames {
		t.cellRow[name] = i
	}
	for col, name := range colNames {
		gid, ok := geneID(name)
		if !ok {
			log.Printf("priors: gene %q from prior matrix not found in current gene index, dropping column", name)
			continue
		}
		t.geneCol[int(gid)] = col
	}
	if matrixSum <= 0 {
		return nil, errors.E("priors: quants_mat.csv sums to zero, cannot normalise")
	}
	t.priorWeight = vbemNorm / matrixSum
	return t, nil
}

// PriorWeight is the global vbemNorm / Σmatrix normaliser, precomputed
// once at Load time.
func (t *Table) PriorWeight() float64 { return t.priorWeight }

// Vector builds the prior vector for one cell. Every gene starts at the
// uniform priorWeight·1e-2 baseline; cells present in the prior matrix
// then add their matched-column weight on top of it. Cells absent from
// the prior matrix (e.g. new barcodes since the prior run) are left at
// the baseline alone.
func (t *Table) Vector(barcode string) []float64 {
	prior := make([]float64, t.numGenes)
	baseline := t.priorWeight * 1e-2
	for g := range prior {
		prior[g] = baseline
	}
	row, ok := t.cellRow[barcode]
	if !ok {
		return prior
	}
	matrixRow := t.matrix[row]
	for gid, col := range t.geneCol {
		if col < len(matrixRow) {
			prior[gid] += matrixRow[col] * t.priorWeight
		}
	}
	return prior
}

// DowngradeTier2 overwrites the prior entries of tier-2 genes with
// priorWeight·1e-2, the worker-side step applied just before VBEM.
func (t *Table) DowngradeTier2(prior []float64, tiers []uint8) {
	fallback := t.priorWeight * 1e-2
	for g, tier := range tiers {
		if tier == 2 {
			prior[g] = fallback
		}
	}
}

func readLines(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}
