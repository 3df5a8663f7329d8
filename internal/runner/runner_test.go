package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ciliaq-tools/roicull/internal/config"
	"github.com/ciliaq-tools/roicull/internal/review"
)

func annotationContent(rows int) string {
	var b strings.Builder
	b.WriteString("Header\n")
	b.WriteString("Settings:\n")
	b.WriteString("\tCalibration:\t1.0\tunits\n")
	b.WriteString("\n")
	b.WriteString("History:\n")
	b.WriteString("\n")
	b.WriteString("Results:\n")
	b.WriteString("\t\tID\tX\tY\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&b, "a\tb\t%d\t%d.0\t%d.0\n", i, i, i)
	}
	return b.String()
}

// sourceDir lays out a source directory with renderer output and annotation
// files for the given sample roots.
func sourceDir(t *testing.T, roots []string, rows int) string {
	t.Helper()
	dir := t.TempDir()
	for _, root := range roots {
		if err := os.WriteFile(filepath.Join(dir, root+"_CQ_RP.tif"), []byte("tif"), 0644); err != nil {
			t.Fatalf("Failed to write image: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, root+"_CQ.txt"), []byte(annotationContent(rows)), 0644); err != nil {
			t.Fatalf("Failed to write annotation: %v", err)
		}
	}
	return dir
}

// scriptedReviewer selects a fixed set of cells on every batch and answers
// every confirmation the same way.
type scriptedReviewer struct {
	cells   []review.Cell
	approve bool
	cancel  bool

	batches   int
	confirmed int
}

func (s *scriptedReviewer) Review(b *review.Batch) ([]review.Cell, error) {
	if s.cancel {
		return nil, review.ErrCancelled
	}
	s.batches++
	return s.cells, nil
}

func (s *scriptedReviewer) Confirm(prompt string) (bool, error) {
	s.confirmed++
	return s.approve, nil
}

func TestRunCullsAndArchives(t *testing.T) {
	dir := sourceDir(t, []string{"sample_A_scene1"}, 10)

	opts := config.Default()
	opts.ROIPerSession = 0

	rev := &scriptedReviewer{cells: []review.Cell{{Row: 1, Col: 1}}, approve: true}
	r := New(dir, opts, rev)

	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if r.Sessions().Count() != 1 {
		t.Fatalf("Expected one session, got %d", r.Sessions().Count())
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !r.Sessions().AllComplete() {
		t.Error("Expected the session to be complete")
	}
	if rev.batches != 1 {
		t.Errorf("Expected one pooled batch, got %d", rev.batches)
	}
	if rev.confirmed != 1 {
		t.Errorf("Expected one confirmation, got %d", rev.confirmed)
	}

	// One entry was culled: the active copy gains a history line and a
	// commented row, the stripped file drops the row.
	groupPath := filepath.Join(dir, "Group_1")
	active, err := os.ReadFile(filepath.Join(dir, "sample_A_scene1_CQ-active.txt"))
	if err != nil {
		t.Fatalf("Active copy missing: %v", err)
	}
	if !strings.Contains(string(active), "1 items culled") {
		t.Error("Missing history line in active copy")
	}

	stripped, err := os.ReadFile(filepath.Join(groupPath, "sample_A_scene1_CQ-stripped.txt"))
	if err != nil {
		t.Fatalf("Stripped file missing: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(stripped), "\n"), "\n")
	if len(lines) != 9 {
		t.Errorf("Expected 9 retained rows, got %d", len(lines))
	}

	if _, err := os.Stat(filepath.Join(groupPath, "sample_A_scene1_CQ.txt")); err != nil {
		t.Errorf("Archived copy missing: %v", err)
	}

	// The original annotation files are never touched.
	original, err := os.ReadFile(filepath.Join(dir, "sample_A_scene1_CQ.txt"))
	if err != nil {
		t.Fatalf("Original annotation missing: %v", err)
	}
	if string(original) != annotationContent(10) {
		t.Error("Original annotation file was modified")
	}

	// The run report names the session and resolved files.
	report, err := os.ReadFile(filepath.Join(groupPath, "README.txt"))
	if err != nil {
		t.Fatalf("Report missing: %v", err)
	}
	if !strings.Contains(string(report), "Session 1 of 1") {
		t.Error("Report missing session block")
	}
	if !strings.Contains(string(report), "sample_A_scene1_CQ.txt") {
		t.Error("Report did not resolve bundle ids to filenames")
	}
}

func TestRunCancelKeepsFilesUntouched(t *testing.T) {
	dir := sourceDir(t, []string{"sample_A_scene1"}, 5)

	opts := config.Default()
	opts.ROIPerSession = 0

	rev := &scriptedReviewer{cancel: true}
	r := New(dir, opts, rev)

	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Expected a cancelled run to end cleanly, got %v", err)
	}

	if r.Sessions().AllComplete() {
		t.Error("Cancelled session must not be complete")
	}

	active, err := os.ReadFile(filepath.Join(dir, "sample_A_scene1_CQ-active.txt"))
	if err != nil {
		t.Fatalf("Active copy missing: %v", err)
	}
	if string(active) != annotationContent(5) {
		t.Error("Active copy changed despite cancellation")
	}

	// Nothing was committed, so the group directory stays empty and a later
	// reset run can reuse it.
	entries, err := os.ReadDir(filepath.Join(dir, "Group_1"))
	if err != nil {
		t.Fatalf("Group directory missing: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected an empty group directory after cancel, found %d entries", len(entries))
	}
}

func TestRunContinuesPastFailedSave(t *testing.T) {
	dir := sourceDir(t, []string{"sample_A_scene1", "sample_B_scene1"}, 10)

	opts := config.Default()
	opts.ROIPerSession = 10

	rev := &scriptedReviewer{approve: true}
	r := New(dir, opts, rev)

	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if r.Sessions().Count() != 2 {
		t.Fatalf("Expected two sessions, got %d", r.Sessions().Count())
	}

	// Break one bundle's working copy so its save fails mid-run.
	if err := os.Remove(filepath.Join(dir, "sample_A_scene1_CQ-active.txt")); err != nil {
		t.Fatalf("Failed to remove working copy: %v", err)
	}

	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("Expected the run to report the failed save")
	}
	if !strings.Contains(err.Error(), "save") {
		t.Errorf("Unexpected run error: %v", err)
	}

	// The failure is recorded, not fatal: every session still runs to the
	// end and the intact bundle commits normally.
	if !r.Sessions().AllComplete() {
		t.Error("Expected both sessions processed despite the failed save")
	}

	groupPath := filepath.Join(dir, "Group_1")
	if _, err := os.Stat(filepath.Join(groupPath, "sample_B_scene1_CQ.txt")); err != nil {
		t.Errorf("Intact bundle was not archived: %v", err)
	}

	report, err := os.ReadFile(filepath.Join(groupPath, "README.txt"))
	if err != nil {
		t.Fatalf("Report missing: %v", err)
	}
	if got := strings.Count(string(report), "Session "); got != 2 {
		t.Errorf("Expected both session blocks in the report, got %d", got)
	}
	if !strings.Contains(string(report), "error:") {
		t.Error("Expected the failed save recorded in the report")
	}
}

func TestRunDeclinedConfirmationDropsMarks(t *testing.T) {
	dir := sourceDir(t, []string{"sample_A_scene1"}, 5)

	opts := config.Default()
	opts.ROIPerSession = 0

	rev := &scriptedReviewer{cells: []review.Cell{{Row: 1, Col: 1}}, approve: false}
	r := New(dir, opts, rev)

	if err := r.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if r.Sessions().AllComplete() {
		t.Error("Declined session must not be complete")
	}
	for _, b := range r.Repository().Bundles() {
		for _, e := range b.Ledger().Entries() {
			if e.MarkedCulled || e.Culled {
				t.Error("Marks must be dropped after a declined confirmation")
			}
		}
	}
}

func TestRunResumesCompletedRun(t *testing.T) {
	dir := sourceDir(t, []string{"sample_A_scene1"}, 5)

	opts := config.Default()
	opts.ROIPerSession = 0

	first := New(dir, opts, &scriptedReviewer{approve: true})
	if err := first.Setup(); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// A second runner restores the snapshot and has nothing left to do.
	rev := &scriptedReviewer{approve: true}
	second := New(dir, opts, rev)
	if err := second.Setup(); err != nil {
		t.Fatalf("Second setup failed: %v", err)
	}
	if !second.Sessions().AllComplete() {
		t.Error("Expected the restored run to be complete")
	}
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}
	if rev.batches != 0 {
		t.Errorf("Expected no review on a completed run, got %d batches", rev.batches)
	}
}
