package session

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/ciliaq-tools/roicull/internal/bundle"
	"github.com/ciliaq-tools/roicull/internal/config"
	"github.com/ciliaq-tools/roicull/internal/slide"
)

const (
	// GroupDirPrefix names the numbered per-run output directories.
	GroupDirPrefix = "Group_"

	// StateFileName is the scheduler snapshot kept beside the source
	// files.
	StateFileName = ".session_state.yaml"
)

var groupDirPattern = regexp.MustCompile(`^` + GroupDirPrefix + `([0-9]+)$`)

// BundleRef is the persisted identity of a session member. Sessions hold
// identities rather than live bundles so membership survives process
// restarts.
type BundleRef struct {
	Index     int    `yaml:"index"`
	ID        int    `yaml:"bid"`
	ImagePath string `yaml:"image_path"`
	ROIPath   string `yaml:"roi_path"`
	ROICount  int    `yaml:"roi_count"`
	Enabled   bool   `yaml:"is_enabled"`
	SlideRoot string `yaml:"slide_root"`
}

// Session is one bounded, resumable chunk of bundles scheduled for a single
// review pass. Membership is frozen at creation; only the completion flag
// changes afterwards.
type Session struct {
	ID       int
	Bundles  []BundleRef
	Complete bool
}

// ROITotal sums the recorded ROI counts of the session's members.
func (s *Session) ROITotal() int {
	total := 0
	for _, ref := range s.Bundles {
		total += ref.ROICount
	}
	return total
}

// Manager partitions enabled bundles into sessions, persists scheduling
// state, and manages the numbered output-group directories.
type Manager struct {
	repo   *bundle.Repository
	slides *slide.Manager
	opts   config.Options

	sessions []*Session

	srcPath   string
	groupPath string
	groupNum  int
}

// NewManager wires the scheduler to its collaborators. srcPath is the
// directory holding the image and annotation files.
func NewManager(repo *bundle.Repository, slides *slide.Manager, opts config.Options, srcPath string) *Manager {
	return &Manager{
		repo:    repo,
		slides:  slides,
		opts:    opts,
		srcPath: srcPath,
	}
}

// Options returns the processing options the scheduler carries, which a
// snapshot restore may have replaced.
func (m *Manager) Options() config.Options { return m.opts }

// Sessions returns all sessions in creation order.
func (m *Manager) Sessions() []*Session { return m.sessions }

// Count returns the number of sessions.
func (m *Manager) Count() int { return len(m.sessions) }

// CompletedCount returns how many sessions are complete.
func (m *Manager) CompletedCount() int {
	n := 0
	for _, s := range m.sessions {
		if s.Complete {
			n++
		}
	}
	return n
}

// AllComplete reports whether every session has been processed.
func (m *Manager) AllComplete() bool {
	return m.CompletedCount() == len(m.sessions)
}

// GroupNum returns the current output-group number, zero before setup.
func (m *Manager) GroupNum() int { return m.groupNum }

// GroupPath returns the current output-group directory.
func (m *Manager) GroupPath() (string, error) {
	if m.groupNum == 0 || m.groupPath == "" {
		return "", fmt.Errorf("output group path requested before setup")
	}
	return m.groupPath, nil
}

// SetupGroupPath selects the output-group directory for this run: the
// highest-numbered existing group directory when it is still empty,
// otherwise the next number. The directory is created if absent.
func (m *Manager) SetupGroupPath() (string, error) {
	if m.srcPath == "" {
		return "", fmt.Errorf("source path not set, unable to determine output path")
	}

	entries, err := os.ReadDir(m.srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to scan source directory: %w", err)
	}

	highest := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		match := groupDirPattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		num, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		if num > highest {
			highest = num
		}
	}

	if highest == 0 {
		m.groupNum = 1
	} else {
		m.groupNum = highest
		target := filepath.Join(m.srcPath, fmt.Sprintf("%s%d", GroupDirPrefix, m.groupNum))
		contents, err := os.ReadDir(target)
		if err == nil && len(contents) > 0 {
			m.groupNum++
		}
	}

	m.groupPath = filepath.Join(m.srcPath, fmt.Sprintf("%s%d", GroupDirPrefix, m.groupNum))
	if err := os.MkdirAll(m.groupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create output group directory: %w", err)
	}

	slog.Info("Output group selected", "group", m.groupNum, "path", m.groupPath)

	return m.groupPath, nil
}

// CreateSessions shuffles the enabled, non-empty bundles and folds them into
// sessions, closing a session once its running ROI count reaches
// roiPerSession. A target of zero or less puts everything in one session.
// State is persisted immediately after creation.
func (m *Manager) CreateSessions(roiPerSession int) error {
	if _, err := m.SetupGroupPath(); err != nil {
		return err
	}

	shuffled := append([]*bundle.Bundle(nil), m.repo.Bundles()...)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	var current *Session
	for _, b := range shuffled {
		if !m.repo.Enabled(b, m.slides) {
			slog.Debug("Skipping disabled bundle", "id", b.ID)
			continue
		}
		if b.ROICount() == 0 {
			slog.Debug("Skipping bundle with no entries", "id", b.ID)
			continue
		}

		if current == nil {
			current = &Session{ID: len(m.sessions) + 1}
			m.sessions = append(m.sessions, current)
		}

		current.Bundles = append(current.Bundles, m.makeRef(b, len(current.Bundles)))

		if roiPerSession > 0 && current.ROITotal() >= roiPerSession {
			current = nil
		}
	}

	slog.Info("Sessions created", "sessions", len(m.sessions), "target_roi", roiPerSession)

	return m.SaveState()
}

// MarkComplete freezes a session as processed and persists the change.
func (m *Manager) MarkComplete(s *Session) error {
	s.Complete = true
	return m.SaveState()
}

// ResolveBundles maps a session's persisted membership back to live bundles
// via the repository, preserving membership order.
func (m *Manager) ResolveBundles(s *Session) ([]*bundle.Bundle, error) {
	bundles := make([]*bundle.Bundle, 0, len(s.Bundles))
	for _, ref := range s.Bundles {
		b := m.repo.Find(ref.ImagePath, ref.ROIPath)
		if b == nil {
			return nil, fmt.Errorf("session %d references unknown bundle %d (%s)", s.ID, ref.ID, ref.ROIPath)
		}
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// Enabled reports whether a session member currently participates,
// consulting the live slide state.
func (m *Manager) Enabled(b *bundle.Bundle) bool {
	return m.repo.Enabled(b, m.slides)
}

// Reset discards all scheduling state, including the underlying repository
// and slide collections.
func (m *Manager) Reset() {
	m.sessions = nil
	m.groupNum = 0
	m.groupPath = ""
	m.slides.Reset()
	m.repo.Reset()
}

func (m *Manager) makeRef(b *bundle.Bundle, index int) BundleRef {
	root := ""
	if b.SlideID != 0 {
		if r, ok := m.slides.Root(b.SlideID); ok {
			root = r
		}
	}
	return BundleRef{
		Index:     index,
		ID:        b.ID,
		ImagePath: b.ImgPath,
		ROIPath:   b.ROIPath,
		ROICount:  b.ROICount(),
		Enabled:   m.repo.Enabled(b, m.slides),
		SlideRoot: root,
	}
}
