// Package resolve turns a binary mapped into a target process into an ordered
// list of paths under which the tracer may be able to see the same file.
//
// The textual path recorded in /proc/PID/maps is only meaningful inside the
// target's mount namespace. Each strategy reinterprets it once, most likely
// first, so callers can stop at the first candidate that verifies.
package resolve

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tcassar-diss/uprobediag/proc"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var ErrBinaryNotMapped = errors.New("binary not mapped into process")

// Origin records how a candidate path was derived.
type Origin string

const (
	Direct            Origin = "direct"
	RootPrefixed      Origin = "rootPrefixed"
	PathStrip         Origin = "pathStrip"
	ViaExecutableLink Origin = "viaExecutableLink"
)

// DefaultStripPrefixes are prefixes under which containers and sandboxes
// commonly see host paths. /var/lib/snapd/hostfs is where snap confinement
// exposes the host root.
var DefaultStripPrefixes = []string{"/host", "/rootfs", "/run/host", "/var/lib/snapd/hostfs"}

// Candidate is one hypothesis for where the mapped binary is visible to the
// tracer. Existence and inode are evaluated on first use.
type Candidate struct {
	Path   string
	Origin Origin
	// MappedInode is the inode recorded in the target's maps entry, or 0
	// when unknown.
	MappedInode uint64

	statted bool
	exists  bool
	dev     uint64
	inode   uint64
}

// NewCandidate returns an unevaluated candidate.
func NewCandidate(path string, origin Origin) *Candidate {
	return &Candidate{Path: path, Origin: origin}
}

func (c *Candidate) stat() {
	if c.statted {
		return
	}
	c.statted = true

	var st unix.Stat_t
	if err := unix.Stat(c.Path, &st); err != nil {
		return
	}

	c.exists = true
	c.dev = uint64(st.Dev)
	c.inode = st.Ino
}

// Exists reports whether the path resolves on the tracer's filesystem.
func (c *Candidate) Exists() bool {
	c.stat()
	return c.exists
}

// Inode is the inode number of the file, or 0 when it doesn't exist.
func (c *Candidate) Inode() uint64 {
	c.stat()
	return c.inode
}

// Mismatch reports whether the path exists but is a different file from the
// one the target has mapped. Any regular file accepts a uprobe, so such a
// candidate must never be tested.
func (c *Candidate) Mismatch() bool {
	return c.MappedInode != 0 && c.Exists() && c.Inode() != c.MappedInode
}

// Usable reports whether the candidate exists and is the mapped file.
func (c *Candidate) Usable() bool {
	return c.Exists() && !c.Mismatch()
}

type fileID struct {
	dev   uint64
	inode uint64
}

// RootViewer exposes a process's root filesystem view.
type RootViewer interface {
	RootView(pid int) string
}

// Resolver produces candidate paths for a mapped binary.
type Resolver struct {
	logger        *zap.SugaredLogger
	roots         RootViewer
	stripPrefixes []string
}

// NewResolver returns a Resolver. A nil stripPrefixes means
// DefaultStripPrefixes.
func NewResolver(logger *zap.SugaredLogger, roots RootViewer, stripPrefixes []string) *Resolver {
	if stripPrefixes == nil {
		stripPrefixes = DefaultStripPrefixes
	}

	cleaned := make([]string, 0, len(stripPrefixes))
	for _, p := range stripPrefixes {
		p = filepath.Clean(p)
		if p == "/" || p == "." {
			continue
		}
		cleaned = append(cleaned, p)
	}

	return &Resolver{
		logger:        logger,
		roots:         roots,
		stripPrefixes: cleaned,
	}
}

// MappedPath returns the first executable mapping whose basename matches m.
func MappedPath(pc *proc.Context, m Matcher) (proc.Mapping, error) {
	for _, mapping := range pc.Mappings {
		if !mapping.Executable() || mapping.Anonymous() {
			continue
		}

		if m.Match(mapping.Basename()) {
			return mapping, nil
		}
	}

	return proc.Mapping{}, fmt.Errorf("%w: no executable mapping matching %q in pid %d", ErrBinaryNotMapped, m, pc.PID)
}

// Resolve returns the candidates for the binary matching m, in priority
// order: direct, rootPrefixed, pathStrip, viaExecutableLink. Existing
// candidates that denote the same file as an earlier one are dropped, and
// existing candidates whose inode differs from the mapping's are marked as
// mismatched.
func (r *Resolver) Resolve(pc *proc.Context, m Matcher) ([]*Candidate, error) {
	mapping, err := MappedPath(pc, m)
	if err != nil {
		return nil, err
	}

	mapped := mapping.Path

	var emitted []*Candidate
	emitted = append(emitted, r.direct(mapped)...)
	emitted = append(emitted, r.rootPrefixed(pc.PID, mapped)...)
	emitted = append(emitted, r.pathStrip(mapped)...)
	emitted = append(emitted, r.viaExecutableLink(pc.ExecutableLink, m)...)

	seen := make(map[fileID]*Candidate)
	candidates := make([]*Candidate, 0, len(emitted))

	for _, c := range emitted {
		c.MappedInode = mapping.Inode

		if c.Mismatch() {
			r.logger.Infow("candidate is a different file than the mapped one",
				"path", c.Path, "origin", c.Origin, "inode", c.Inode(), "mapped_inode", mapping.Inode)
		}

		if c.Exists() {
			id := fileID{dev: c.dev, inode: c.inode}
			if first, ok := seen[id]; ok {
				r.logger.Debugw("dropping candidate denoting an already listed file",
					"path", c.Path, "origin", c.Origin, "same_as", first.Path)
				continue
			}
			seen[id] = c
		}

		candidates = append(candidates, c)
	}

	r.logger.Debugw("resolved candidate paths",
		"pid", pc.PID,
		"mapped", mapped,
		"deleted", mapping.Deleted,
		"emitted", len(emitted),
		"kept", len(candidates),
	)

	return candidates, nil
}

func (r *Resolver) direct(mapped string) []*Candidate {
	return []*Candidate{NewCandidate(mapped, Direct)}
}

func (r *Resolver) rootPrefixed(pid int, mapped string) []*Candidate {
	if r.roots == nil {
		return nil
	}

	return []*Candidate{NewCandidate(filepath.Join(r.roots.RootView(pid), mapped), RootPrefixed)}
}

// pathStrip only strips leading prefixes: a prefix deeper in the path would
// be a directory of the binary's own filesystem, not a mount of the host's.
func (r *Resolver) pathStrip(mapped string) []*Candidate {
	var out []*Candidate

	for _, prefix := range r.stripPrefixes {
		rest, ok := strings.CutPrefix(mapped, prefix)
		if !ok || !strings.HasPrefix(rest, "/") {
			continue
		}

		out = append(out, NewCandidate(rest, PathStrip))
	}

	return out
}

func (r *Resolver) viaExecutableLink(exe string, m Matcher) []*Candidate {
	if exe == "" || !m.Match(filepath.Base(exe)) {
		return nil
	}

	return []*Candidate{NewCandidate(exe, ViaExecutableLink)}
}
