// Package discover scans a source directory for rendered image files and
// pairs each with its annotation file, creating the working copy the engine
// edits so the original annotation is never touched.
package discover

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// imagePattern matches rendered review images. The optional numeric infix
// between the marker and the RP suffix appears when the renderer tiles
// large scenes.
var imagePattern = regexp.MustCompile(`^(.+)_CQ_(?:(\d+_\d+)_)?RP\.tif$`)

const (
	annotationMarker = "_CQ"
	annotationExt    = ".txt"
	activeMark       = "-active.txt"
)

// Pair is one reviewable unit: a rendered image and the working copy of its
// annotation file.
type Pair struct {
	Root      string
	ImagePath string
	ROIPath   string
}

// Result is everything a scan found, including images that could not be
// paired and are therefore skipped.
type Result struct {
	Pairs     []Pair
	Unmatched []string
	Ambiguous []string
}

// Scan walks the source directory, pairs each rendered image with its
// annotation file and ensures a working copy exists beside it. A tiled
// scene pairs with the annotation carrying the same tile infix. Images
// whose annotation file is missing, or that match more than one annotation
// file, are reported and skipped, not fatal.
func Scan(dir string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan source directory: %w", err)
	}

	result := &Result{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := imagePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		root, infix := match[1], match[2]

		stem := root + annotationMarker
		if infix != "" {
			stem += "_" + infix
		}

		activePath := filepath.Join(dir, stem+activeMark)
		if _, err := os.Stat(activePath); err != nil {
			candidates := []string{stem + annotationExt}
			if infix != "" {
				candidates = append(candidates, root+annotationMarker+annotationExt)
			}
			var existing []string
			for _, c := range candidates {
				if _, err := os.Stat(filepath.Join(dir, c)); err == nil {
					existing = append(existing, c)
				}
			}
			if len(existing) == 0 {
				slog.Warn("Image has no annotation file", "image", entry.Name())
				result.Unmatched = append(result.Unmatched, entry.Name())
				continue
			}
			if len(existing) > 1 {
				slog.Warn("Image matches more than one annotation file", "image", entry.Name(), "candidates", existing)
				result.Ambiguous = append(result.Ambiguous, entry.Name())
				continue
			}
			if err := copyFile(filepath.Join(dir, existing[0]), activePath); err != nil {
				return nil, fmt.Errorf("failed to create working copy for %s: %w", entry.Name(), err)
			}
			slog.Info("Working copy created", "annotation", filepath.Base(activePath))
		}

		result.Pairs = append(result.Pairs, Pair{
			Root:      root,
			ImagePath: filepath.Join(dir, entry.Name()),
			ROIPath:   activePath,
		})
	}

	sort.Slice(result.Pairs, func(i, j int) bool {
		return result.Pairs[i].ImagePath < result.Pairs[j].ImagePath
	})

	slog.Info("Source directory scanned",
		"pairs", len(result.Pairs),
		"unmatched", len(result.Unmatched),
		"ambiguous", len(result.Ambiguous))

	return result, nil
}

// ImageFilenames returns the base names of the paired images, the input for
// slide detection.
func (r *Result) ImageFilenames() []string {
	names := make([]string, 0, len(r.Pairs))
	for _, p := range r.Pairs {
		names = append(names, filepath.Base(p.ImagePath))
	}
	return names
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
