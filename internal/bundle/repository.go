package bundle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ciliaq-tools/roicull/internal/ledger"
)

// Bundle pairs one image artifact with one annotation file under a single
// identity. Slide membership is tracked by slide id rather than a pointer;
// the slide manager owns the authoritative slide collection.
type Bundle struct {
	ID      int
	ImgPath string
	ROIPath string

	// SlideID is zero until the bundle is attached to a slide.
	SlideID int

	enabled bool
	info    *ledger.Ledger
}

// ImageFilename returns the base name of the image artifact.
func (b *Bundle) ImageFilename() string { return filepath.Base(b.ImgPath) }

// ROIFilename returns the base name of the annotation file.
func (b *Bundle) ROIFilename() string { return filepath.Base(b.ROIPath) }

// Ledger returns the parsed annotation ledger owned by this bundle.
func (b *Bundle) Ledger() *ledger.Ledger { return b.info }

// ROICount returns the number of parsed entries.
func (b *Bundle) ROICount() int {
	if b.info == nil {
		return 0
	}
	return b.info.Count()
}

// SetEnabled records the bundle's own enabled flag. It is consulted only
// when the bundle is not attached to a slide.
func (b *Bundle) SetEnabled(enabled bool) { b.enabled = enabled }

// SelfEnabled returns the bundle's own flag, ignoring slide membership. The
// repository's Enabled consults the slide first.
func (b *Bundle) SelfEnabled() bool { return b.enabled }

// SlideLookup resolves slide enablement and roots by id. The slide manager
// satisfies this; keeping it an interface avoids an import cycle and the
// original's pointer cycle.
type SlideLookup interface {
	Enabled(slideID int) (bool, bool)
	Root(slideID int) (string, bool)
}

// Repository owns every bundle created during a run, keyed by the
// (image path, annotation path) pair. IDs are allocated by the repository;
// externally supplied ids (snapshot restore) advance the allocator so later
// automatic ids never collide.
type Repository struct {
	bundles []*Bundle
	nextID  int

	srcColumn    int
	tabDelimited bool
}

// NewRepository returns an empty repository. The delimiter options are
// forwarded to each bundle's ledger at parse time.
func NewRepository(srcColumn int, tabDelimited bool) *Repository {
	return &Repository{srcColumn: srcColumn, tabDelimited: tabDelimited}
}

// GetOrCreate returns the existing bundle for the path pair, or creates one.
// Pass id < 0 to auto-assign. Both paths must reference existing files; the
// annotation file is parsed eagerly.
func (r *Repository) GetOrCreate(imagePath, roiPath string, id int) (*Bundle, error) {
	if imagePath == "" {
		return nil, fmt.Errorf("image path not specified")
	}
	if roiPath == "" {
		return nil, fmt.Errorf("annotation path not specified")
	}

	if b := r.Find(imagePath, roiPath); b != nil {
		return b, nil
	}

	if _, err := os.Stat(imagePath); err != nil {
		return nil, fmt.Errorf("image path is not a file: %w", err)
	}
	if _, err := os.Stat(roiPath); err != nil {
		return nil, fmt.Errorf("annotation path is not a file: %w", err)
	}

	if id < 0 {
		r.nextID++
		id = r.nextID
	} else if id > r.nextID {
		r.nextID = id
	}

	info, err := ledger.Parse(roiPath, r.srcColumn, r.tabDelimited)
	if err != nil {
		return nil, fmt.Errorf("failed to parse annotation file for bundle %d: %w", id, err)
	}

	b := &Bundle{
		ID:      id,
		ImgPath: imagePath,
		ROIPath: roiPath,
		enabled: true,
		info:    info,
	}
	r.bundles = append(r.bundles, b)

	slog.Debug("Bundle created", "id", id, "image", b.ImageFilename(), "roi_count", b.ROICount())

	return b, nil
}

// Find returns the bundle for the exact path pair, or nil.
func (r *Repository) Find(imagePath, roiPath string) *Bundle {
	for _, b := range r.bundles {
		if b.ImgPath == imagePath && b.ROIPath == roiPath {
			return b
		}
	}
	return nil
}

// FindByID returns the bundle with the given id, or nil.
func (r *Repository) FindByID(id int) *Bundle {
	for _, b := range r.bundles {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// Enabled reports whether a bundle participates in scheduling. A slide
// attachment overrides the bundle's own flag.
func (r *Repository) Enabled(b *Bundle, slides SlideLookup) bool {
	if b.SlideID != 0 && slides != nil {
		if enabled, ok := slides.Enabled(b.SlideID); ok {
			return enabled
		}
	}
	return b.enabled
}

// Bundles returns all bundles in creation order.
func (r *Repository) Bundles() []*Bundle { return r.bundles }

// Len returns the number of registered bundles.
func (r *Repository) Len() int { return len(r.bundles) }

// Reset discards every bundle and restarts id allocation.
func (r *Repository) Reset() {
	r.bundles = nil
	r.nextID = 0
}
