// Package review turns a bundle's entries into bounded batches for human
// review and maps grid selections back onto entries.
package review

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/ciliaq-tools/roicull/internal/ledger"
)

// ErrCancelled is returned by a reviewer when the operator aborts the run.
// Completed sessions stay completed; the current session is abandoned.
var ErrCancelled = errors.New("review cancelled")

// Cell addresses one position in a review grid, 1-based in both axes, with
// rows filling left to right.
type Cell struct {
	Row int
	Col int
}

// Batch is one screenful of entries laid out on a columns-wide grid. The
// last row may be partial.
type Batch struct {
	Entries []*ledger.Entry
	Columns int
}

// Rows returns the number of grid rows the batch occupies.
func (b *Batch) Rows() int {
	if b.Columns < 1 {
		return 0
	}
	return (len(b.Entries) + b.Columns - 1) / b.Columns
}

// At resolves a grid cell to its entry. Cells past the final partial row are
// an error, as is anything outside the grid.
func (b *Batch) At(c Cell) (*ledger.Entry, error) {
	if c.Row < 1 || c.Col < 1 || c.Col > b.Columns {
		return nil, fmt.Errorf("cell (%d, %d) outside a %d-column grid", c.Row, c.Col, b.Columns)
	}
	idx := (c.Row-1)*b.Columns + c.Col - 1
	if idx >= len(b.Entries) {
		return nil, fmt.Errorf("cell (%d, %d) past the last entry of the batch", c.Row, c.Col)
	}
	return b.Entries[idx], nil
}

// Apply marks the entries behind the selected cells for culling. The first
// unresolvable cell aborts with no indication of which earlier cells were
// already applied, so callers should treat an error as a retry of the whole
// selection.
func (b *Batch) Apply(cells []Cell) error {
	for _, c := range cells {
		e, err := b.At(c)
		if err != nil {
			return err
		}
		e.Culled = true
		e.MarkedCulled = true
	}
	return nil
}

// Reviewer presents batches to the operator and reports which cells were
// selected for culling.
type Reviewer interface {
	Review(b *Batch) ([]Cell, error)
}

// Pool flattens the reviewable entries of the given ledgers into one
// randomly ordered sequence, blinding which file an entry came from.
// Entries already culled never re-enter review.
func Pool(ledgers ...*ledger.Ledger) []*ledger.Entry {
	var pool []*ledger.Entry
	for _, l := range ledgers {
		for _, e := range l.Entries() {
			if e.Culled {
				continue
			}
			pool = append(pool, e)
		}
	}
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})
	return pool
}

// Slice cuts a pool into batches of at most columns*maxRows entries,
// preserving pool order.
func Slice(pool []*ledger.Entry, columns, maxRows int) []*Batch {
	if columns < 1 || maxRows < 1 {
		return nil
	}
	capacity := columns * maxRows

	var batches []*Batch
	for start := 0; start < len(pool); start += capacity {
		end := start + capacity
		if end > len(pool) {
			end = len(pool)
		}
		batches = append(batches, &Batch{
			Entries: pool[start:end],
			Columns: columns,
		})
	}
	return batches
}
