// Package export writes the retained entries of a run to a Parquet dataset
// for downstream analysis.
package export

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/ciliaq-tools/roicull/internal/bundle"
)

// Record is one retained entry in the exported dataset.
type Record struct {
	SourceFile string  `parquet:"source_file"`
	ItemID     string  `parquet:"item_id"`
	X          float64 `parquet:"x"`
	Y          float64 `parquet:"y"`

	// Calibration is the unit-per-pixel factor of the source file, repeated
	// per row so the dataset stands alone.
	Calibration float64 `parquet:"calibration"`
}

// Retained writes every entry that survived review across the given bundles
// to a Parquet file at path, returning the number of rows written. Entries
// culled in the file or marked during review are excluded.
func Retained(path string, bundles []*bundle.Bundle) (int, error) {
	records := Collect(bundles)

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	writer := parquet.NewGenericWriter[Record](file)
	if len(records) > 0 {
		if _, err := writer.Write(records); err != nil {
			return 0, fmt.Errorf("failed to write export rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize export file: %w", err)
	}

	slog.Info("Retained entries exported", "path", path, "rows", len(records), "bundles", len(bundles))

	return len(records), nil
}

// Collect gathers the retained entries of the bundles as export records.
func Collect(bundles []*bundle.Bundle) []Record {
	var records []Record
	for _, b := range bundles {
		l := b.Ledger()
		if l == nil {
			continue
		}
		for _, e := range l.Entries() {
			if e.Culled || e.MarkedCulled {
				continue
			}
			records = append(records, Record{
				SourceFile:  b.ROIFilename(),
				ItemID:      e.ID,
				X:           e.X,
				Y:           e.Y,
				Calibration: l.Calibration(),
			})
		}
	}
	return records
}

// Load reads an exported dataset back, mainly for verification.
func Load(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat export file: %w", err)
	}

	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}

	reader := parquet.NewGenericReader[Record](pf)
	defer reader.Close()

	var records []Record
	rows := make([]Record, 128)
	for {
		n, err := reader.Read(rows)
		if n > 0 {
			records = append(records, rows[:n]...)
		}
		if err != nil {
			break
		}
	}
	return records, nil
}
