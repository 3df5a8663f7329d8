package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// parseFixture writes content next to a Group_1 directory and parses it.
func parseFixture(t *testing.T, content string) (*Ledger, string, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "sample_CQ-active.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	groupPath := filepath.Join(dir, "Group_1")
	if err := os.MkdirAll(groupPath, 0755); err != nil {
		t.Fatalf("Failed to create group dir: %v", err)
	}

	l, err := Parse(path, 1, false)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	return l, path, groupPath
}

// resultRows extracts the data rows of an annotation file, delimiter
// normalized, so rewritten output can be compared to the original.
func resultRows(t *testing.T, path string) []string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}

	lines := splitLines(string(data))
	results := -1
	for i, line := range lines {
		if strings.HasPrefix(line, resultsMarker) {
			results = i
			break
		}
	}
	if results < 0 {
		t.Fatalf("No results marker in %s", path)
	}

	var rows []string
	for _, line := range lines[results+2:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, strings.Join(normalizeFields(line), ","))
	}
	return rows
}

func TestSaveChangesScenario(t *testing.T) {
	// 100 data rows, 3 pre-culled; mark 2 more and commit.
	l, path, groupPath := parseFixture(t, buildAnnotationFile(100, map[int]bool{10: true, 20: true, 30: true}, true))

	if l.DataLen() != 100 {
		t.Fatalf("Expected data length 100, got %d", l.DataLen())
	}
	if l.CulledCount() != 3 {
		t.Fatalf("Expected 3 pre-culled entries, got %d", l.CulledCount())
	}

	for _, e := range l.Entries() {
		if e.ID == "40" || e.ID == "50" {
			e.Culled = true
			e.MarkedCulled = true
		}
	}

	ok, errs, msgs := l.SaveChanges(groupPath)
	if !ok {
		t.Fatalf("SaveChanges failed: %v", errs)
	}
	if len(errs) != 0 {
		t.Errorf("Unexpected errors: %v", errs)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "deleted=2") {
		t.Errorf("Unexpected messages: %v", msgs)
	}

	// The active file gains a history line reporting the two new culls
	// and now carries 5 commented data rows.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read active file: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "2 items culled - [40, 50]") {
		t.Error("Missing history line for newly culled entries")
	}

	commented := 0
	for _, row := range resultRows(t, path) {
		if strings.HasPrefix(row, commentPrefix) {
			commented++
		}
	}
	if commented != 5 {
		t.Errorf("Expected 5 commented rows, got %d", commented)
	}

	// The stripped file holds only the 95 retained rows, with the source
	// filename written into column 1.
	strippedPath := filepath.Join(groupPath, "sample_CQ-stripped.txt")
	stripped, err := os.ReadFile(strippedPath)
	if err != nil {
		t.Fatalf("Failed to read stripped file: %v", err)
	}
	rows := splitLines(string(stripped))
	if len(rows) != 95 {
		t.Errorf("Expected 95 stripped rows, got %d", len(rows))
	}
	for _, row := range rows {
		if !strings.HasPrefix(row, "sample_CQ.txt,") {
			t.Errorf("Stripped row missing source filename column: %q", row)
			break
		}
	}

	// The rewritten active file is archived under its canonical name and
	// the working snapshot is cleaned up.
	if _, err := os.Stat(filepath.Join(groupPath, "sample_CQ.txt")); err != nil {
		t.Errorf("Archived copy missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(groupPath, "sample_CQ-working.txt")); !os.IsNotExist(err) {
		t.Error("Working snapshot was not removed")
	}
}

func TestSaveChangesNoCullsPreservesResultRows(t *testing.T) {
	content := buildAnnotationFile(25, map[int]bool{7: true}, true)
	l, path, groupPath := parseFixture(t, content)

	before := resultRows(t, path)

	ok, errs, _ := l.SaveChanges(groupPath)
	if !ok {
		t.Fatalf("SaveChanges failed: %v", errs)
	}

	after := resultRows(t, path)
	if len(before) != len(after) {
		t.Fatalf("Row count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("Row %d changed: %q -> %q", i, before[i], after[i])
		}
	}
}

func TestSaveChangesIdempotentStripped(t *testing.T) {
	l, _, groupPath := parseFixture(t, buildAnnotationFile(12, nil, true))

	l.Entries()[2].Culled = true
	l.Entries()[2].MarkedCulled = true

	ok, errs, _ := l.SaveChanges(groupPath)
	if !ok {
		t.Fatalf("First SaveChanges failed: %v", errs)
	}

	strippedPath := filepath.Join(groupPath, "sample_CQ-stripped.txt")
	first, err := os.ReadFile(strippedPath)
	if err != nil {
		t.Fatalf("Failed to read stripped file: %v", err)
	}

	ok, errs, _ = l.SaveChanges(groupPath)
	if !ok {
		t.Fatalf("Second SaveChanges failed: %v", errs)
	}
	second, err := os.ReadFile(strippedPath)
	if err != nil {
		t.Fatalf("Failed to re-read stripped file: %v", err)
	}

	if string(first) != string(second) {
		t.Error("Stripped output differs between identical saves")
	}
}

func TestSaveChangesSynthesizesHistory(t *testing.T) {
	l, path, groupPath := parseFixture(t, buildAnnotationFile(4, nil, false))

	if l.HistoryLen() != 0 {
		t.Fatalf("Expected no history region, got length %d", l.HistoryLen())
	}

	l.Entries()[0].Culled = true
	l.Entries()[0].MarkedCulled = true

	ok, errs, _ := l.SaveChanges(groupPath)
	if !ok {
		t.Fatalf("SaveChanges failed: %v", errs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read active file: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, historyMarker) {
		t.Error("History section was not synthesized")
	}
	if !strings.Contains(content, "1 items culled - [1]") {
		t.Error("Missing synthesized history line")
	}
	if !strings.Contains(content, resultsMarker) {
		t.Error("Results marker lost during rewrite")
	}
}

func TestSaveChangesIntegrityMismatch(t *testing.T) {
	content := buildAnnotationFile(5, nil, true)
	l, path, groupPath := parseFixture(t, content)

	// Tamper with a row identifier behind the ledger's back.
	tampered := strings.Replace(content, "a\tb\t3\t", "a\tb\t99\t", 1)
	if err := os.WriteFile(path, []byte(tampered), 0644); err != nil {
		t.Fatalf("Failed to tamper with file: %v", err)
	}

	ok, errs, _ := l.SaveChanges(groupPath)
	if ok {
		t.Fatal("Expected SaveChanges to fail on identifier mismatch")
	}
	if len(errs) == 0 || !strings.Contains(errs[0], "integrity") {
		t.Errorf("Expected integrity error, got: %v", errs)
	}

	// The working snapshot must survive so the operator can recover.
	if _, err := os.Stat(filepath.Join(groupPath, "sample_CQ-working.txt")); err != nil {
		t.Errorf("Working snapshot missing after failed save: %v", err)
	}
}

func TestSaveChangesSrcColumnOutsideRow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample_CQ-active.txt")
	if err := os.WriteFile(path, []byte(buildAnnotationFile(5, nil, true)), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	groupPath := filepath.Join(dir, "Group_1")
	if err := os.MkdirAll(groupPath, 0755); err != nil {
		t.Fatalf("Failed to create group dir: %v", err)
	}

	// Column 8 does not exist in the 5-column row format.
	l, err := Parse(path, 8, false)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ok, errs, _ := l.SaveChanges(groupPath)
	if ok {
		t.Fatal("Expected SaveChanges to fail on an out-of-range source column")
	}
	if len(errs) == 0 || !strings.Contains(errs[0], "column") {
		t.Errorf("Expected a column error, got: %v", errs)
	}

	// The working snapshot survives the aborted commit.
	if _, err := os.Stat(filepath.Join(groupPath, "sample_CQ-working.txt")); err != nil {
		t.Errorf("Working snapshot missing after failed save: %v", err)
	}
}

func TestSaveChangesRecordsSkippedShortRows(t *testing.T) {
	content := buildAnnotationFile(5, nil, true)
	// Wedge a malformed row between data rows 2 and 3.
	content = strings.Replace(content, "a\tb\t3\t", "x\ty\na\tb\t3\t", 1)

	l, path, groupPath := parseFixture(t, content)
	if l.Count() != 5 {
		t.Fatalf("Expected the short row to be skipped at parse, got %d entries", l.Count())
	}

	ok, errs, _ := l.SaveChanges(groupPath)
	if !ok {
		t.Fatalf("SaveChanges failed: %v", errs)
	}
	if len(errs) != 1 || !strings.Contains(errs[0], "columns") {
		t.Errorf("Expected the skipped row recorded as a non-fatal error, got: %v", errs)
	}

	// The short row is written to neither output.
	if rows := resultRows(t, path); len(rows) != 5 {
		t.Errorf("Expected 5 rewritten rows, got %d", len(rows))
	}
	stripped, err := os.ReadFile(filepath.Join(groupPath, "sample_CQ-stripped.txt"))
	if err != nil {
		t.Fatalf("Failed to read stripped file: %v", err)
	}
	if rows := splitLines(string(stripped)); len(rows) != 5 {
		t.Errorf("Expected 5 stripped rows, got %d", len(rows))
	}
}

func TestSaveChangesTabDelimited(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample_CQ-active.txt")
	content := strings.ReplaceAll(buildAnnotationFile(3, nil, true), "\t", ",")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	groupPath := filepath.Join(dir, "Group_1")
	if err := os.MkdirAll(groupPath, 0755); err != nil {
		t.Fatalf("Failed to create group dir: %v", err)
	}

	l, err := Parse(path, 1, true)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	ok, errs, _ := l.SaveChanges(groupPath)
	if !ok {
		t.Fatalf("SaveChanges failed: %v", errs)
	}

	// Comma input, tab output: all emitted rows use the configured
	// delimiter.
	for _, row := range resultRows(t, path) {
		if !strings.Contains(row, ",") {
			t.Errorf("Expected normalized row, got %q", row)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read active file: %v", err)
	}
	sawData := false
	for _, line := range splitLines(string(data)) {
		if strings.Contains(line, "\t") {
			sawData = true
		}
	}
	if !sawData {
		t.Error("Expected tab-delimited rows in rewritten file")
	}
}
