package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ciliaq-tools/roicull/internal/config"
	"github.com/ciliaq-tools/roicull/internal/slide"
)

// SchemaVersion gates snapshot restore. A file written by any other version
// is backed up and ignored rather than partially interpreted.
const SchemaVersion = "1.2"

// invalidSuffix marks a snapshot file set aside after a failed restore.
const invalidSuffix = ".invalid"

type snapshot struct {
	Header   snapshotHeader    `yaml:"header"`
	Options  config.Options    `yaml:"options"`
	Group    snapshotGroup     `yaml:"group"`
	Slides   []snapshotSlide   `yaml:"slides"`
	Sessions []snapshotSession `yaml:"sessions"`
}

type snapshotHeader struct {
	Path          string `yaml:"path"`
	NumSessions   int    `yaml:"num_sessions"`
	NumSlides     int    `yaml:"num_slides"`
	SchemaVersion string `yaml:"schema_version"`
}

type snapshotGroup struct {
	Path string `yaml:"path"`
	Num  int    `yaml:"num"`
}

type snapshotSlide struct {
	ID      int    `yaml:"id"`
	Root    string `yaml:"root"`
	Enabled bool   `yaml:"is_enabled"`
}

type snapshotSession struct {
	ID       int         `yaml:"id"`
	Complete bool        `yaml:"is_complete"`
	Bundles  []BundleRef `yaml:"bundles"`
}

// StatePath returns the snapshot location beside the source files.
func (m *Manager) StatePath() string {
	return filepath.Join(m.srcPath, StateFileName)
}

// SaveState writes the full scheduling state to the snapshot file,
// replacing any previous snapshot atomically enough for a single writer.
func (m *Manager) SaveState() error {
	snap := snapshot{
		Header: snapshotHeader{
			Path:          m.srcPath,
			NumSessions:   len(m.sessions),
			NumSlides:     m.slides.Len(),
			SchemaVersion: SchemaVersion,
		},
		Options: m.opts,
		Group: snapshotGroup{
			Path: m.groupPath,
			Num:  m.groupNum,
		},
	}

	for _, s := range m.slides.Slides() {
		snap.Slides = append(snap.Slides, snapshotSlide{
			ID:      s.ID,
			Root:    s.Root,
			Enabled: s.Enabled,
		})
	}

	for _, s := range m.sessions {
		snap.Sessions = append(snap.Sessions, snapshotSession{
			ID:       s.ID,
			Complete: s.Complete,
			Bundles:  s.Bundles,
		})
	}

	data, err := yaml.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("failed to serialize session state: %w", err)
	}
	if err := os.WriteFile(m.StatePath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}

	slog.Debug("Session state saved", "path", m.StatePath(), "sessions", len(m.sessions))

	return nil
}

// RestoreState rebuilds the full scheduling state from the snapshot file.
// It returns false when no usable snapshot exists, which includes a snapshot
// written under a different schema version: that file is renamed with an
// ".invalid" suffix and the caller starts clean. A snapshot that passes the
// version gate but no longer matches the files on disk is an error.
func (m *Manager) RestoreState() (bool, error) {
	data, err := os.ReadFile(m.StatePath())
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read session state: %w", err)
	}

	var snap snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		slog.Warn("Session state is not parseable, setting it aside", "path", m.StatePath(), "error", err)
		return false, m.setAsideState()
	}

	if snap.Header.SchemaVersion != SchemaVersion {
		slog.Warn("Session state schema mismatch, setting it aside",
			"found", snap.Header.SchemaVersion,
			"expected", SchemaVersion)
		return false, m.setAsideState()
	}

	if len(snap.Sessions) == 0 {
		slog.Warn("Session state holds no sessions, scheduling fresh", "path", m.StatePath())
		return false, nil
	}

	if len(snap.Sessions) != snap.Header.NumSessions {
		return false, fmt.Errorf("session state lists %d sessions but records %d", snap.Header.NumSessions, len(snap.Sessions))
	}
	if len(snap.Slides) != snap.Header.NumSlides {
		return false, fmt.Errorf("session state lists %d slides but records %d", snap.Header.NumSlides, len(snap.Slides))
	}

	m.opts = snap.Options
	m.groupPath = snap.Group.Path
	m.groupNum = snap.Group.Num

	restored := make([]*slide.Slide, 0, len(snap.Slides))
	for _, s := range snap.Slides {
		restored = append(restored, &slide.Slide{
			ID:      s.ID,
			Root:    s.Root,
			Enabled: s.Enabled,
		})
	}
	m.slides.Load(restored)

	m.sessions = nil
	for _, rec := range snap.Sessions {
		sess := &Session{ID: rec.ID, Complete: rec.Complete, Bundles: rec.Bundles}
		m.sessions = append(m.sessions, sess)

		for _, ref := range rec.Bundles {
			b, err := m.repo.GetOrCreate(ref.ImagePath, ref.ROIPath, ref.ID)
			if err != nil {
				return false, fmt.Errorf("failed to restore bundle %d: %w", ref.ID, err)
			}
			if b.ROICount() != ref.ROICount {
				return false, fmt.Errorf("annotation file %s changed since last run: recorded %d entries, found %d",
					b.ROIFilename(), ref.ROICount, b.ROICount())
			}
			b.SetEnabled(ref.Enabled)
			if ref.SlideRoot != "" {
				if s := m.slides.Find(ref.SlideRoot); s != nil {
					b.SlideID = s.ID
					s.AddBundle(b.ID)
				}
			}
		}
	}

	slog.Info("Session state restored",
		"sessions", len(m.sessions),
		"complete", m.CompletedCount(),
		"group", m.groupNum)

	return true, nil
}

// setAsideState renames the unusable snapshot so the next save starts fresh
// while keeping the evidence around.
func (m *Manager) setAsideState() error {
	backup := m.StatePath() + invalidSuffix
	if err := os.Rename(m.StatePath(), backup); err != nil {
		return fmt.Errorf("failed to set aside invalid session state: %w", err)
	}
	slog.Info("Invalid session state moved", "backup", backup)
	return nil
}
