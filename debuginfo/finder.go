// Package debuginfo locates the separate debug file belonging to a stripped
// binary.
//
// A debug file is only ever reported when its own build ID equals the
// binary's. A same-named file from another build would yield wrong offsets
// downstream, so existence alone never counts.
package debuginfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var ErrDebugFileNotFound = errors.New("no debug file with a matching build ID")

// DefaultDebugDirs is the system-wide debug file root.
var DefaultDebugDirs = []string{"/usr/lib/debug"}

// Rejected is a debug file that exists but belongs to another build.
type Rejected struct {
	Path    string `json:"path"`
	BuildID string `json:"build_id,omitempty" yaml:"build_id,omitempty"`
	Err     string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Candidate is the outcome of a debug file search.
type Candidate struct {
	BuildID       string     `json:"build_id" yaml:"build_id"`
	DebugLink     string     `json:"debug_link,omitempty" yaml:"debug_link,omitempty"`
	SearchedPaths []string   `json:"searched_paths" yaml:"searched_paths"`
	MatchedPath   string     `json:"matched_path,omitempty" yaml:"matched_path,omitempty"`
	Rejected      []Rejected `json:"rejected,omitempty" yaml:"rejected,omitempty"`
}

// Finder searches the conventional debug file locations.
type Finder struct {
	logger    *zap.SugaredLogger
	debugDirs []string
}

// NewFinder returns a Finder searching debugDirs, or DefaultDebugDirs when
// debugDirs is empty.
func NewFinder(logger *zap.SugaredLogger, debugDirs []string) *Finder {
	if len(debugDirs) == 0 {
		debugDirs = DefaultDebugDirs
	}

	return &Finder{
		logger:    logger,
		debugDirs: debugDirs,
	}
}

// BuildIDPath is the build ID split path below root: the first two hex
// characters name a directory, the rest plus ".debug" the file.
func BuildIDPath(root, buildID string) string {
	if len(buildID) < 3 {
		return ""
	}

	return filepath.Join(root, ".build-id", buildID[:2], buildID[2:]+".debug")
}

// Binary names the file whose debug file is searched for.
type Binary struct {
	// Path is where the tracer reads the binary.
	Path string
	// MappedPath is the path the target process maps the binary under. It
	// places the debug root mirror. Empty means Path.
	MappedPath string
	// RootView, when set, is the target's root directory as the tracer sees
	// it. Debug roots are then also searched inside the target's filesystem.
	RootView string
}

func (b Binary) mappedPath() string {
	if b.MappedPath == "" {
		return b.Path
	}

	return b.MappedPath
}

// withinRootView reports whether Path was reached through RootView, in
// which case it means nothing to the host's debug roots.
func (b Binary) withinRootView() bool {
	if b.RootView == "" {
		return false
	}

	rel, err := filepath.Rel(b.RootView, b.Path)

	return err == nil && rel != ".." && !strings.HasPrefix(rel, "../")
}

// SearchPaths lists the locations checked for b, in priority order. link is
// the debug link name, or empty to use the binary's basename plus ".debug".
func (f *Finder) SearchPaths(b Binary, buildID, link string) []string {
	dir := filepath.Dir(b.Path)
	base := filepath.Base(b.Path)

	if link == "" {
		link = base + ".debug"
	}

	roots := make([]string, 0, 2*len(f.debugDirs))
	for _, root := range f.debugDirs {
		roots = append(roots, root)
		if b.RootView != "" {
			roots = append(roots, filepath.Join(b.RootView, root))
		}
	}

	var paths []string

	for _, root := range roots {
		if p := BuildIDPath(root, buildID); p != "" {
			paths = append(paths, p)
		}
	}

	if link != base {
		paths = append(paths, filepath.Join(dir, link))
	}

	paths = append(paths, filepath.Join(dir, ".debug", link))

	mirrorDirs := []string{filepath.Dir(b.mappedPath())}
	if b.MappedPath != "" && !b.withinRootView() {
		mirrorDirs = append(mirrorDirs, dir)
	}

	for _, mirrored := range mirrorDirs {
		for _, root := range roots {
			paths = append(paths, filepath.Join(root, mirrored, link))
		}
	}

	seen := make(map[string]bool, len(paths))
	out := paths[:0]

	for _, p := range paths {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}

	return out
}

// FindDebugFile searches for the debug file of the binary at path. It fails
// with ErrNoBuildID, without searching, when the binary has no build ID, and
// with ErrDebugFileNotFound, alongside the populated Candidate, when no
// searched file carries the same build ID.
func (f *Finder) FindDebugFile(path string) (*Candidate, error) {
	return f.Find(Binary{Path: path})
}

// Find is FindDebugFile for a binary seen from outside the target's mount
// namespace.
func (f *Finder) Find(b Binary) (*Candidate, error) {
	path := b.Path

	buildID, err := ReadBuildID(path)
	if err != nil {
		return nil, err
	}

	c := &Candidate{BuildID: buildID}

	link, err := ReadDebugLink(path)
	if err == nil {
		c.DebugLink = link.Name
	} else if !errors.Is(err, ErrNoDebugLink) {
		f.logger.Debugw("couldn't read debug link", "path", path, "err", err)
	}

	for _, p := range f.SearchPaths(b, buildID, c.DebugLink) {
		c.SearchedPaths = append(c.SearchedPaths, p)

		if _, err := os.Stat(p); err != nil {
			continue
		}

		id, err := ReadBuildID(p)
		if err != nil {
			c.Rejected = append(c.Rejected, Rejected{Path: p, Err: err.Error()})
			continue
		}

		if id != buildID {
			f.logger.Infow("ignoring debug file from another build",
				"path", p, "build_id", id, "want", buildID)
			c.Rejected = append(c.Rejected, Rejected{Path: p, BuildID: id})
			continue
		}

		c.MatchedPath = p

		return c, nil
	}

	return c, fmt.Errorf("%w: %s (build ID %s)", ErrDebugFileNotFound, path, buildID)
}
