// Package proctest builds fake procfs trees for tests.
package proctest

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// FS is a fake procfs rooted in a temporary directory.
type FS struct {
	t    *testing.T
	Root string
}

// Process describes one fake /proc/PID entry. Zero-valued fields are not
// written, which mimics a read failure for that field.
type Process struct {
	PID        int
	Cmdline    []string
	Exe        string
	Maps       []string
	Namespaces map[string]string
	// RootFS, when set, is the directory /proc/PID/root links to.
	RootFS string
}

// New creates an empty fake procfs.
func New(t *testing.T) *FS {
	t.Helper()

	return &FS{t: t, Root: t.TempDir()}
}

// Add writes p into the fake procfs.
func (fs *FS) Add(p Process) {
	fs.t.Helper()

	dir := filepath.Join(fs.Root, strconv.Itoa(p.PID))
	fs.write(dir, p)
}

// SetSelf writes the tracer's own entry, reachable as /proc/self.
func (fs *FS) SetSelf(p Process) {
	fs.t.Helper()

	fs.write(filepath.Join(fs.Root, "self"), p)
}

func (fs *FS) write(dir string, p Process) {
	require.NoError(fs.t, os.MkdirAll(dir, 0o755))

	if p.Cmdline != nil {
		cmdline := strings.Join(p.Cmdline, "\x00") + "\x00"
		require.NoError(fs.t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
	}

	if p.Exe != "" {
		require.NoError(fs.t, os.Symlink(p.Exe, filepath.Join(dir, "exe")))
	}

	if p.Maps != nil {
		maps := strings.Join(p.Maps, "\n") + "\n"
		require.NoError(fs.t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0o644))
	}

	if len(p.Namespaces) > 0 {
		nsDir := filepath.Join(dir, "ns")
		require.NoError(fs.t, os.MkdirAll(nsDir, 0o755))

		for kind, id := range p.Namespaces {
			require.NoError(fs.t, os.Symlink(id, filepath.Join(nsDir, kind)))
		}
	}

	if p.RootFS != "" {
		require.NoError(fs.t, os.Symlink(p.RootFS, filepath.Join(dir, "root")))
	}
}

// MapsLine renders an executable, file-backed maps line for path.
func MapsLine(start uint64, perms string, inode uint64, path string) string {
	return fmt.Sprintf("%012x-%012x %s 00000000 08:01 %d                          %s",
		start, start+0x1000, perms, inode, path)
}

// Inode returns the inode number of path, for maps lines that must agree
// with a real file.
func Inode(t *testing.T, path string) uint64 {
	t.Helper()

	var st unix.Stat_t
	require.NoError(t, unix.Stat(path, &st))

	return st.Ino
}
