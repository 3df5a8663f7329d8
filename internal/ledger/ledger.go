package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Region markers within an annotation file, in the order they must appear.
const (
	settingsMarker = "Settings:"
	historyMarker  = "History:"
	resultsMarker  = "Results:"

	commentPrefix = "#"

	calibrationKeyword = "Calibration"

	// Field offsets within a normalized row. The settings block carries
	// {keyword, value} starting at column 1; data rows carry {id, x, y}
	// starting at column 2.
	settingsOffset = 1
	dataOffset     = 2
)

// ErrIntegrity reports that the annotation file on disk no longer matches
// the parsed entries, meaning it was modified outside this process.
var ErrIntegrity = errors.New("annotation file integrity violation")

// Entry is one annotated point within a ledger. Culled is the persisted
// exclusion state; MarkedCulled is set only when this session newly excluded
// the entry, which drives history recording on save.
type Entry struct {
	ID           string
	X            float64
	Y            float64
	Culled       bool
	MarkedCulled bool
}

// Ledger is the parsed, mutable representation of one annotation file plus
// its rewrite logic. Entries are append-only during parse; cull state is the
// only mutation afterwards.
type Ledger struct {
	path    string
	entries []*Entry

	rowCount    int
	headerLen   int
	historyLen  int
	dataLen     int
	calibration float64

	srcColumn    int
	tabDelimited bool
}

// Parse reads an annotation file into a Ledger. The file must contain a
// results marker; settings and history regions are optional. Rows with fewer
// than the expected column count are skipped, not errors.
func Parse(path string, srcColumn int, tabDelimited bool) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read annotation file: %w", err)
	}

	rows := splitLines(string(data))

	settings := 0
	for i, row := range rows {
		if strings.HasPrefix(row, settingsMarker) {
			settings = i
			break
		}
	}

	history := 0
	for i := settings + 1; i < len(rows); i++ {
		if strings.HasPrefix(rows[i], historyMarker) {
			history = i
			break
		}
	}

	results := -1
	for i := history + 1; i < len(rows); i++ {
		if strings.HasPrefix(rows[i], resultsMarker) {
			results = i
			break
		}
	}
	if results < 0 {
		return nil, fmt.Errorf("no %q marker found in %s", resultsMarker, path)
	}

	// No history region: treat it as zero-length, coincident with results.
	if history == 0 {
		history = results
	}

	slog.Debug("Located annotation regions", "path", path, "settings", settings, "history", history, "results", results)

	calibration := 1.0
	for i := settings + 1; i < history-1; i++ {
		cols := normalizeFields(rows[i])
		if len(cols) < settingsOffset+3 {
			continue
		}
		if strings.HasPrefix(cols[settingsOffset], calibrationKeyword) {
			divisor, err := strconv.ParseFloat(strings.TrimSpace(cols[settingsOffset+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid calibration value %q in %s: %w", cols[settingsOffset+1], path, err)
			}
			calibration = 1 / divisor
			slog.Debug("Found calibration", "path", path, "calibration", calibration)
			break
		}
	}

	l := &Ledger{
		path:         path,
		calibration:  calibration,
		srcColumn:    srcColumn,
		tabDelimited: tabDelimited,
	}

	// Data rows begin two lines after the results marker; the line in
	// between is the column header.
	processed := 0
	for i := results + 2; i < len(rows); i++ {
		culled := strings.HasPrefix(rows[i], commentPrefix)

		cols := normalizeFields(rows[i])
		if len(cols) < dataOffset+3 {
			slog.Debug("Skipping short row", "path", path, "line", i+1, "columns", len(cols))
			continue
		}

		id := strings.TrimSpace(cols[dataOffset])
		xs := strings.TrimSpace(cols[dataOffset+1])
		ys := strings.TrimSpace(cols[dataOffset+2])
		if id == "" || xs == "" || ys == "" {
			continue
		}

		x, err := strconv.ParseFloat(xs, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid x value %q at line %d of %s: %w", xs, i+1, path, err)
		}
		y, err := strconv.ParseFloat(ys, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid y value %q at line %d of %s: %w", ys, i+1, path, err)
		}

		l.entries = append(l.entries, &Entry{ID: id, X: x, Y: y, Culled: culled})
		processed++
	}

	l.rowCount = len(rows)
	l.headerLen = history
	l.historyLen = results - history
	l.dataLen = processed

	slog.Debug("Parsed annotation file", "path", path, "rows", l.rowCount, "entries", processed, "calibration", calibration)

	return l, nil
}

// Validate confirms the parsed metadata is consistent with the entries. A
// violation is reported, never auto-corrected.
func (l *Ledger) Validate() error {
	if len(l.entries) == 0 {
		return fmt.Errorf("no entries parsed from %s", l.path)
	}
	if l.dataLen < 1 {
		return fmt.Errorf("no data rows recorded for %s", l.path)
	}
	if l.dataLen != len(l.entries) {
		return fmt.Errorf("data length %d inconsistent with %d entries in %s: %w", l.dataLen, len(l.entries), l.path, ErrIntegrity)
	}
	return nil
}

// Entries returns the parsed entries in file order.
func (l *Ledger) Entries() []*Entry { return l.entries }

// Count returns the number of parsed entries.
func (l *Ledger) Count() int { return len(l.entries) }

// CulledCount returns how many entries are currently excluded.
func (l *Ledger) CulledCount() int {
	n := 0
	for _, e := range l.entries {
		if e.Culled {
			n++
		}
	}
	return n
}

// Calibration returns the reciprocal of the calibration divisor found in the
// settings region, 1.0 when absent.
func (l *Ledger) Calibration() float64 { return l.calibration }

// RowCount returns the total line count of the source file.
func (l *Ledger) RowCount() int { return l.rowCount }

// HeaderLen returns the number of lines before the history region.
func (l *Ledger) HeaderLen() int { return l.headerLen }

// HistoryLen returns the number of lines in the history region, zero when
// the file had none.
func (l *Ledger) HistoryLen() int { return l.historyLen }

// DataLen returns the number of data rows successfully parsed.
func (l *Ledger) DataLen() int { return l.dataLen }

// SourceFile returns the path the ledger was parsed from.
func (l *Ledger) SourceFile() string { return l.path }

// markedIDs returns the identifiers newly excluded this session, in entry
// order.
func (l *Ledger) markedIDs() []string {
	var ids []string
	for _, e := range l.entries {
		if e.MarkedCulled {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// normalizeFields splits a row on both tab and comma. Source files mix the
// two freely; all downstream logic sees one field list.
func normalizeFields(row string) []string {
	return strings.Split(strings.ReplaceAll(row, "\t", ","), ",")
}

// joinFields re-emits fields using the configured output delimiter.
func (l *Ledger) joinFields(cols []string) string {
	if l.tabDelimited {
		return strings.Join(cols, "\t")
	}
	return strings.Join(cols, ",")
}

// splitLines splits file content into lines, tolerating both LF and CRLF
// endings and ignoring a trailing terminator.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
