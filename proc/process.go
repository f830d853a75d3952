// Package proc reads process identity facts out of procfs: command line,
// executable link, memory mappings and namespace identifiers.
//
// Every read is a fresh point-in-time snapshot. Nothing is cached between
// calls to Load.
package proc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultRoot is where procfs is normally mounted.
const DefaultRoot = "/proc"

var ErrProcessNotFound = errors.New("process not found")

// Context is an immutable snapshot of one process.
type Context struct {
	PID            int
	CommandLine    []string
	ExecutableLink string
	// Mappings reflects a single read of the maps file and goes stale as the
	// process maps and unmaps files.
	Mappings         []Mapping
	Namespaces       map[NamespaceKind]NamespaceID
	TracerNamespaces map[NamespaceKind]NamespaceID
}

// Introspector loads process snapshots from a procfs mount.
type Introspector struct {
	logger *zap.SugaredLogger
	root   string
}

// NewIntrospector returns an Introspector reading from root. An empty root
// means DefaultRoot.
func NewIntrospector(logger *zap.SugaredLogger, root string) *Introspector {
	if root == "" {
		root = DefaultRoot
	}

	return &Introspector{
		logger: logger,
		root:   root,
	}
}

// Root is the procfs mount point in use.
func (i *Introspector) Root() string {
	return i.root
}

// PIDDir is the procfs directory of pid.
func (i *Introspector) PIDDir(pid int) string {
	return filepath.Join(i.root, strconv.Itoa(pid))
}

// RootView is the path through which the target's whole filesystem, as seen
// from inside its mount namespace, is reachable.
func (i *Introspector) RootView(pid int) string {
	return filepath.Join(i.PIDDir(pid), "root")
}

// Load snapshots pid. Only a missing process is fatal; every other field is
// read best-effort and left empty when the read fails.
func (i *Introspector) Load(pid int) (*Context, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: invalid pid %d", ErrProcessNotFound, pid)
	}

	dir := i.PIDDir(pid)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrProcessNotFound, dir)
		}

		return nil, fmt.Errorf("failed to stat %s: %w", dir, err)
	}

	ctx := &Context{PID: pid}

	cmdline, err := readCmdline(filepath.Join(dir, "cmdline"))
	if err != nil {
		i.logger.Debugw("couldn't read command line", "pid", pid, "err", err)
	}
	ctx.CommandLine = cmdline

	exe, err := os.Readlink(filepath.Join(dir, "exe"))
	if err != nil {
		i.logger.Debugw("couldn't read executable link", "pid", pid, "err", err)
	}
	ctx.ExecutableLink = strings.TrimSuffix(exe, deletedSuffix)

	mappings, err := ReadMaps(filepath.Join(dir, "maps"))
	if err != nil {
		i.logger.Debugw("couldn't read memory mappings", "pid", pid, "err", err)
	}
	ctx.Mappings = mappings

	ctx.Namespaces = readNamespaces(i.logger, filepath.Join(dir, "ns"))
	ctx.TracerNamespaces = readNamespaces(i.logger, filepath.Join(i.root, "self", "ns"))

	return ctx, nil
}

func readCmdline(path string) ([]string, error) {
	bts, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var args []string
	for _, a := range strings.Split(string(bts), "\x00") {
		if a != "" {
			args = append(args, a)
		}
	}

	return args, nil
}
