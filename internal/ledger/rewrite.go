package ledger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// activeSuffix marks the working copy of an annotation file that the
	// engine is allowed to mutate; the original never carries it.
	activeSuffix  = "-active"
	workingSuffix = "-working"

	historyTimeFormat = "01/02/2006 @ 15:04"

	// resultsScanLimit bounds how many lines may sit between the end of
	// the history region and the results marker during rewrite.
	resultsScanLimit = 10
)

// DetermineChanges is the side-effect-free preview of SaveChanges: it
// reports whether a commit would modify the file and returns the
// human-readable change summary, without touching disk.
func (l *Ledger) DetermineChanges() (bool, []string) {
	ids := l.markedIDs()
	if len(ids) == 0 {
		return false, []string{fmt.Sprintf("num ROI=%d, deleted=0", len(l.entries))}
	}
	return true, []string{fmt.Sprintf("num ROI=%d, deleted=%d, IDs=%s", len(l.entries), len(ids), formatIDs(ids))}
}

// SaveChanges commits the in-memory cull state back to the active file and
// writes the stripped (retained rows only) companion into groupPath. The
// sequence is: snapshot the active file to a working copy, rewrite the
// active file from the working copy with culled rows comment-marked and a
// new history line, then archive the result under its canonical name in
// groupPath. Row identifier mismatches abort the commit; short rows are
// recorded and skipped.
func (l *Ledger) SaveChanges(groupPath string) (bool, []string, []string) {
	var errs, msgs []string

	ids := l.markedIDs()

	roiPath := l.path
	roiFilename := strings.ReplaceAll(filepath.Base(roiPath), activeSuffix, "")
	ext := filepath.Ext(roiFilename)
	base := strings.TrimSuffix(roiFilename, ext)

	workingPath := filepath.Join(groupPath, strings.ReplaceAll(filepath.Base(roiPath), activeSuffix, workingSuffix))
	strippedPath := filepath.Join(groupPath, base+"-stripped"+ext)

	slog.Debug("Saving ledger changes", "file", roiFilename, "culled", len(ids), "group", groupPath)

	if err := copyFile(roiPath, workingPath); err != nil {
		errs = append(errs, fmt.Sprintf("failed to snapshot active file: %v", err))
		return false, errs, msgs
	}

	data, err := os.ReadFile(workingPath)
	if err != nil {
		errs = append(errs, fmt.Sprintf("failed to read working copy: %v", err))
		return false, errs, msgs
	}
	lines := splitLines(string(data))

	outActive, err := os.Create(roiPath)
	if err != nil {
		errs = append(errs, fmt.Sprintf("failed to open active file for rewrite: %v", err))
		return false, errs, msgs
	}
	outStripped, err := os.Create(strippedPath)
	if err != nil {
		outActive.Close()
		errs = append(errs, fmt.Sprintf("failed to open stripped file: %v", err))
		return false, errs, msgs
	}

	rowErrs, err := l.rewrite(lines, ids, roiFilename, outActive, outStripped)
	if cerr := outActive.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if cerr := outStripped.Close(); err == nil && cerr != nil {
		err = cerr
	}

	// Skipped rows are reported but do not fail the commit.
	errs = append(errs, rowErrs...)

	if err != nil {
		// The working copy is the last good snapshot; keep it so
		// nothing is lost.
		errs = append(errs, fmt.Sprintf("failed to save: %v", err))
		return false, errs, msgs
	}

	// Archive the rewritten active file under its canonical name.
	if err := copyFile(roiPath, filepath.Join(groupPath, roiFilename)); err != nil {
		errs = append(errs, fmt.Sprintf("failed to archive rewritten file: %v", err))
		return false, errs, msgs
	}
	if err := os.Remove(workingPath); err != nil {
		slog.Warn("Unable to remove working copy", "path", workingPath, "err", err)
	}

	// The marks are now persisted; fold them into the durable cull state.
	for _, e := range l.entries {
		if e.MarkedCulled {
			e.Culled = true
			e.MarkedCulled = false
		}
	}

	msgs = append(msgs, fmt.Sprintf("num ROI=%d, deleted=%d, IDs=%s", len(l.entries), len(ids), formatIDs(ids)))

	return true, errs, msgs
}

// rewrite streams the working-copy lines to the active and stripped outputs.
// Only the history region and the data rows are touched; every other line
// passes through unchanged. Skipped-row problems come back as non-fatal
// messages alongside any fatal error.
func (l *Ledger) rewrite(lines []string, culledIDs []string, roiFilename string, active, stripped io.Writer) ([]string, error) {
	var rowErrs []string
	cursor := 0

	// Header block, verbatim.
	for ; cursor < l.headerLen && cursor < len(lines); cursor++ {
		if err := writeLine(active, lines[cursor]); err != nil {
			return rowErrs, err
		}
	}

	// History region: synthesize one when the file had none, otherwise
	// insert the new history line before the first blank line of the
	// existing block.
	historyLine := fmt.Sprintf("    %s: %d items culled - %s", time.Now().Format(historyTimeFormat), len(culledIDs), formatIDs(culledIDs))

	if l.historyLen == 0 {
		for _, line := range []string{historyMarker, historyLine, ""} {
			if err := writeLine(active, line); err != nil {
				return rowErrs, err
			}
		}
	} else {
		inserted := false
		for i := 0; i < l.historyLen && cursor < len(lines); i++ {
			line := lines[cursor]
			cursor++
			if !inserted && strings.TrimSpace(line) == "" {
				if err := writeLine(active, historyLine); err != nil {
					return rowErrs, err
				}
				inserted = true
			}
			if err := writeLine(active, line); err != nil {
				return rowErrs, err
			}
		}
		if !inserted {
			if err := writeLine(active, historyLine); err != nil {
				return rowErrs, err
			}
		}
	}

	// Position on the results marker, passing through any interleaved
	// blank lines. A marker that never shows up means the active file was
	// corrupted outside this process.
	found := false
	for scanned := 0; scanned < resultsScanLimit && cursor < len(lines); scanned++ {
		line := lines[cursor]
		cursor++
		if err := writeLine(active, line); err != nil {
			return rowErrs, err
		}
		if strings.TrimSpace(line) == resultsMarker {
			found = true
			break
		}
	}
	if !found {
		return rowErrs, fmt.Errorf("unable to locate %q marker in %s: %w", resultsMarker, roiFilename, ErrIntegrity)
	}

	// Column header line, verbatim.
	if cursor < len(lines) {
		if err := writeLine(active, lines[cursor]); err != nil {
			return rowErrs, err
		}
		cursor++
	}

	// Walk the data rows in lockstep with the parsed entries. Rows too
	// short to carry an identifier were skipped by the parser too, so they
	// consume a line but not an entry.
	entryIdx := 0
	for entryIdx < len(l.entries) && cursor < len(lines) {
		line := lines[cursor]
		cursor++

		cols := normalizeFields(line)
		if len(cols) < dataOffset+3 {
			slog.Warn("Unexpected column count during rewrite", "file", roiFilename, "line", cursor, "columns", len(cols))
			rowErrs = append(rowErrs, fmt.Sprintf("row at line %d has %d columns, skipped", cursor, len(cols)))
			continue
		}

		entry := l.entries[entryIdx]
		entryIdx++

		if strings.TrimSpace(cols[dataOffset]) != entry.ID {
			return rowErrs, fmt.Errorf("row identifier %q does not match entry %q in %s: %w", cols[dataOffset], entry.ID, roiFilename, ErrIntegrity)
		}

		culled := entry.Culled || entry.MarkedCulled
		if culled && !strings.HasPrefix(cols[0], commentPrefix) {
			if err := writeLine(active, commentPrefix+" "+l.joinFields(cols)); err != nil {
				return rowErrs, err
			}
		} else {
			if err := writeLine(active, l.joinFields(cols)); err != nil {
				return rowErrs, err
			}
		}

		if !culled {
			if l.srcColumn > len(cols) {
				return rowErrs, fmt.Errorf("source column %d outside a %d-column row in %s", l.srcColumn, len(cols), roiFilename)
			}
			cols[l.srcColumn-1] = roiFilename
			if err := writeLine(stripped, l.joinFields(cols)); err != nil {
				return rowErrs, err
			}
		}
	}

	if entryIdx < len(l.entries) {
		return rowErrs, fmt.Errorf("rows ended before entry %q in %s: %w", l.entries[entryIdx].ID, roiFilename, ErrIntegrity)
	}

	// Trailing lines beyond the parsed data rows, verbatim.
	for ; cursor < len(lines); cursor++ {
		if err := writeLine(active, lines[cursor]); err != nil {
			return rowErrs, err
		}
	}

	return rowErrs, nil
}

func writeLine(w io.Writer, line string) error {
	if _, err := io.WriteString(w, line+"\n"); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func formatIDs(ids []string) string {
	return "[" + strings.Join(ids, ", ") + "]"
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}
