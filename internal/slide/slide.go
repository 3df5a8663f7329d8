package slide

import (
	"log/slog"
	"sort"
)

// DefaultMinRootLen is the minimum shared-prefix length before two filenames
// are considered scenes of the same slide.
const DefaultMinRootLen = 4

// Slide is a cluster of bundles believed to originate from the same physical
// sample, identified by the shared root of their filenames. Bundles are
// referenced by id; the repository stays the owner.
type Slide struct {
	ID      int
	Root    string
	Enabled bool

	BundleIDs []int
}

// ROISum sums per-bundle ROI counts supplied by the caller, typically for a
// status table.
func (s *Slide) ROISum(count func(bundleID int) int) int {
	total := 0
	for _, id := range s.BundleIDs {
		total += count(id)
	}
	return total
}

// AddBundle records a bundle as a member. Attachment is idempotent.
func (s *Slide) AddBundle(bundleID int) {
	for _, id := range s.BundleIDs {
		if id == bundleID {
			return
		}
	}
	s.BundleIDs = append(s.BundleIDs, bundleID)
}

// covers reports whether filename belongs to this slide: the slide root must
// be a prefix of the filename, treating underscore and space as the same
// character.
func (s *Slide) covers(filename string) bool {
	if len(filename) < len(s.Root) {
		return false
	}
	for i := 0; i < len(s.Root); i++ {
		a, b := s.Root[i], filename[i]
		if a == b {
			continue
		}
		if (a == '_' || a == ' ') && (b == '_' || b == ' ') {
			continue
		}
		return false
	}
	return true
}

// Manager owns the authoritative slide collection for a run. Slides are
// created once per detected root and never deleted, only toggled.
type Manager struct {
	slides []*Slide
	nextID int
}

// NewManager returns an empty slide manager.
func NewManager() *Manager {
	return &Manager{}
}

// AddRoot registers a root filename pattern, returning the existing slide if
// the root was seen before.
func (m *Manager) AddRoot(root string) *Slide {
	for _, s := range m.slides {
		if s.Root == root {
			slog.Debug("Slide root already registered", "root", root)
			return s
		}
	}

	m.nextID++
	s := &Slide{ID: m.nextID, Root: root, Enabled: true}
	m.slides = append(m.slides, s)
	return s
}

// Find returns the first slide whose root covers the filename, or nil.
func (m *Manager) Find(filename string) *Slide {
	if filename == "" {
		return nil
	}
	for _, s := range m.slides {
		if s.covers(filename) {
			return s
		}
	}
	return nil
}

// FindByID returns the slide with the given id, or nil.
func (m *Manager) FindByID(id int) *Slide {
	for _, s := range m.slides {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Enabled implements the repository's slide lookup.
func (m *Manager) Enabled(slideID int) (bool, bool) {
	if s := m.FindByID(slideID); s != nil {
		return s.Enabled, true
	}
	return false, false
}

// Root implements the repository's slide lookup.
func (m *Manager) Root(slideID int) (string, bool) {
	if s := m.FindByID(slideID); s != nil {
		return s.Root, true
	}
	return "", false
}

// Slides returns all slides in creation order.
func (m *Manager) Slides() []*Slide { return m.slides }

// Len returns the number of registered slides.
func (m *Manager) Len() int { return len(m.slides) }

// Reset discards every slide and restarts id allocation.
func (m *Manager) Reset() {
	m.slides = nil
	m.nextID = 0
}

// Load replaces the slide collection from restored state, keeping future id
// allocation ahead of every restored id.
func (m *Manager) Load(slides []*Slide) {
	m.slides = slides
	m.nextID = 0
	for _, s := range slides {
		if s.ID > m.nextID {
			m.nextID = s.ID
		}
	}
}

// DetectRoots clusters filenames into candidate slide roots. Filenames are
// sorted and adjacent pairs compared at their first differing character:
// a divergence past minLen truncates both to the shared root, an earlier
// divergence keeps the filenames as distinct roots.
func DetectRoots(filenames []string, minLen int) []string {
	if len(filenames) == 0 {
		return nil
	}
	if minLen <= 0 {
		minLen = DefaultMinRootLen
	}

	sorted := append([]string(nil), filenames...)
	sort.Strings(sorted)

	var roots []string
	add := func(root string) {
		for _, r := range roots {
			if r == root {
				return
			}
		}
		roots = append(roots, root)
	}

	current := sorted[0]
	for _, name := range sorted[1:] {
		if name == current {
			continue
		}

		pos := firstDifference(current, name)
		if pos >= minLen {
			// Shared root: truncate at the divergence point.
			root := name[:pos]
			add(root)
			current = root
			continue
		}

		// Divergence too early: the accumulated root stands alone and
		// the new filename seeds the next cluster.
		add(current)
		current = name
	}
	add(current)

	slog.Debug("Detected slide roots", "scenes", len(filenames), "roots", len(roots))

	return roots
}

// Attach registers the detected roots and assigns each filename to its
// covering slide, returning the assignment by filename. Filenames with no
// covering slide get a slide of their own, so every bundle ends up attached.
func (m *Manager) Attach(filenames []string, minLen int) map[string]*Slide {
	for _, root := range DetectRoots(filenames, minLen) {
		m.AddRoot(root)
	}

	assigned := make(map[string]*Slide, len(filenames))
	for _, name := range filenames {
		s := m.Find(name)
		if s == nil {
			s = m.AddRoot(name)
		}
		assigned[name] = s
	}
	return assigned
}

func firstDifference(a, b string) int {
	max := len(a)
	if len(b) < max {
		max = len(b)
	}
	for i := 0; i < max; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return max
}
