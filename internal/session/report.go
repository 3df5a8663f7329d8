package session

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReportFileName is the human-readable run log written into each group
// directory alongside the archived annotation files.
const ReportFileName = "README.txt"

// reportTimeFormat matches the timestamp style used in rewritten history
// lines.
const reportTimeFormat = "01/02/2006 @ 15:04:05"

// messagePattern picks apart the per-bundle messages emitted during a save
// so the report can name files instead of internal ids.
var messagePattern = regexp.MustCompile(`slide=(\d+),\s*bundle=(\d+),\s*(.*)`)

// SessionReport collects what happened during one session for the group
// report.
type SessionReport struct {
	Session  *Session
	Started  time.Time
	Finished time.Time
	Messages []string
	Problems []string
}

// writeReportHeader starts the group report with run identification and the
// active options, serialized in the same shape the snapshot uses. Written
// lazily when the first session completes, so a run that commits nothing
// leaves the group directory empty and reusable.
func (m *Manager) writeReportHeader() error {
	path, err := m.GroupPath()
	if err != nil {
		return err
	}

	reportPath := filepath.Join(path, ReportFileName)
	if _, err := os.Stat(reportPath); err == nil {
		// Header already written by an earlier session or run.
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Curation run report\n")
	fmt.Fprintf(&b, "===================\n\n")
	fmt.Fprintf(&b, "Group:    %d\n", m.groupNum)
	fmt.Fprintf(&b, "Source:   %s\n", m.srcPath)
	fmt.Fprintf(&b, "Sessions: %d\n", len(m.sessions))
	fmt.Fprintf(&b, "Created:  %s\n\n", time.Now().Format(reportTimeFormat))

	b.WriteString("Options:\n")
	opts, err := yaml.Marshal(m.opts)
	if err != nil {
		return fmt.Errorf("failed to serialize options for report: %w", err)
	}
	for _, line := range strings.Split(strings.TrimRight(string(opts), "\n"), "\n") {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	b.WriteString("\n")

	if err := os.WriteFile(reportPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write group report: %w", err)
	}
	return nil
}

// AppendSessionReport appends one session's outcome to the group report,
// translating bundle ids in messages back to annotation filenames. The
// group header is written on the first append.
func (m *Manager) AppendSessionReport(report SessionReport) error {
	path, err := m.GroupPath()
	if err != nil {
		return err
	}

	if err := m.writeReportHeader(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %d of %d\n", report.Session.ID, len(m.sessions))
	fmt.Fprintf(&b, "  started:  %s\n", report.Started.Format(reportTimeFormat))
	fmt.Fprintf(&b, "  finished: %s\n", report.Finished.Format(reportTimeFormat))
	fmt.Fprintf(&b, "  bundles:  %d\n", len(report.Session.Bundles))

	for _, msg := range report.Messages {
		fmt.Fprintf(&b, "  %s\n", m.resolveMessage(msg))
	}
	for _, p := range report.Problems {
		fmt.Fprintf(&b, "  error: %s\n", p)
	}
	b.WriteString("\n")

	f, err := os.OpenFile(filepath.Join(path, ReportFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open group report: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to append to group report: %w", err)
	}
	return nil
}

// resolveMessage rewrites "slide=N, bundle=M, ..." messages to name the
// slide root and annotation file. Messages in any other shape pass through
// unchanged.
func (m *Manager) resolveMessage(msg string) string {
	match := messagePattern.FindStringSubmatch(msg)
	if match == nil {
		return msg
	}

	slideID, _ := strconv.Atoi(match[1])
	bundleID, _ := strconv.Atoi(match[2])
	rest := match[3]

	slideName := fmt.Sprintf("slide %s", match[1])
	if root, ok := m.slides.Root(slideID); ok {
		slideName = root
	}

	fileName := fmt.Sprintf("bundle %s", match[2])
	if b := m.repo.FindByID(bundleID); b != nil {
		fileName = strings.Replace(b.ROIFilename(), "-active", "", 1)
	}

	return fmt.Sprintf("%s / %s: %s", slideName, fileName, rest)
}
