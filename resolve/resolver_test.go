package resolve_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/uprobediag/proc"
	"github.com/tcassar-diss/uprobediag/proc/proctest"
	"github.com/tcassar-diss/uprobediag/resolve"
	"go.uber.org/zap/zaptest"
)

func writeBinary(t *testing.T, path string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("\x7fELF not really"), 0o755))
}

func load(t *testing.T, fs *proctest.FS, pid int) (*proc.Introspector, *proc.Context) {
	t.Helper()

	in := proc.NewIntrospector(zaptest.NewLogger(t).Sugar(), fs.Root)
	pc, err := in.Load(pid)
	require.NoError(t, err)

	return in, pc
}

func origins(cs []*resolve.Candidate) []resolve.Origin {
	out := make([]resolve.Origin, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Origin)
	}

	return out
}

func requireNoDuplicateFiles(t *testing.T, cs []*resolve.Candidate) {
	t.Helper()

	seen := make(map[uint64]string)
	for _, c := range cs {
		if !c.Exists() {
			continue
		}

		first, ok := seen[c.Inode()]
		require.False(t, ok, "%s and %s denote the same file", first, c.Path)
		seen[c.Inode()] = c.Path
	}
}

func TestResolve_DirectlyVisible(t *testing.T) {
	host := t.TempDir()
	bin := filepath.Join(host, "usr", "bin", "ceph-osd")
	writeBinary(t, bin)

	fs := proctest.New(t)
	fs.Add(proctest.Process{
		PID: 100,
		Exe: bin,
		Maps: []string{
			proctest.MapsLine(0x555500000000, "r--p", proctest.Inode(t, bin), bin),
			proctest.MapsLine(0x555500001000, "r-xp", proctest.Inode(t, bin), bin),
		},
		RootFS: "/",
	})

	in, pc := load(t, fs, 100)
	r := resolve.NewResolver(zaptest.NewLogger(t).Sugar(), in, nil)

	cs, err := r.Resolve(pc, resolve.Substring("ceph-osd"))
	require.NoError(t, err)

	require.Len(t, cs, 1)
	require.Equal(t, resolve.Direct, cs[0].Origin)
	require.Equal(t, bin, cs[0].Path)
	require.True(t, cs[0].Exists())
	require.NotZero(t, cs[0].Inode())
}

func TestResolve_OnlyThroughRootView(t *testing.T) {
	container := t.TempDir()
	inside := "/uprobediag-test-nonexistent/usr/bin/app"
	writeBinary(t, filepath.Join(container, inside))

	fs := proctest.New(t)
	fs.Add(proctest.Process{
		PID:    200,
		Exe:    inside,
		Maps:   []string{proctest.MapsLine(0x400000, "r-xp", proctest.Inode(t, filepath.Join(container, inside)), inside)},
		RootFS: container,
	})

	in, pc := load(t, fs, 200)
	r := resolve.NewResolver(zaptest.NewLogger(t).Sugar(), in, []string{})

	cs, err := r.Resolve(pc, resolve.Substring("app"))
	require.NoError(t, err)

	require.Equal(t, []resolve.Origin{resolve.Direct, resolve.RootPrefixed, resolve.ViaExecutableLink}, origins(cs))

	require.False(t, cs[0].Exists())
	require.Zero(t, cs[0].Inode())

	require.True(t, cs[1].Exists())
	require.Equal(t, filepath.Join(fs.Root, "200", "root", inside), cs[1].Path)

	require.False(t, cs[2].Exists())
}

func TestResolve_PathStrip(t *testing.T) {
	host := t.TempDir()
	bin := filepath.Join(host, "bin", "agent")
	writeBinary(t, bin)

	mapped := "/uprobediag-sandbox" + bin

	fs := proctest.New(t)
	fs.Add(proctest.Process{
		PID:  300,
		Maps: []string{proctest.MapsLine(0x400000, "r-xp", proctest.Inode(t, bin), mapped)},
	})

	in, pc := load(t, fs, 300)
	r := resolve.NewResolver(zaptest.NewLogger(t).Sugar(), in, []string{"/uprobediag-sandbox", "/uprobediag-sand"})

	cs, err := r.Resolve(pc, resolve.Substring("agent"))
	require.NoError(t, err)

	// "/uprobediag-sand" isn't a path component prefix of mapped
	require.Equal(t, []resolve.Origin{resolve.Direct, resolve.RootPrefixed, resolve.PathStrip}, origins(cs))
	require.Equal(t, bin, cs[2].Path)
	require.True(t, cs[2].Exists())
	requireNoDuplicateFiles(t, cs)
}

func TestResolve_DeduplicatesKeepingHighestPriority(t *testing.T) {
	host := t.TempDir()
	bin := filepath.Join(host, "app")
	writeBinary(t, bin)

	link := filepath.Join(host, "app-link")
	require.NoError(t, os.Symlink(bin, link))

	fs := proctest.New(t)
	fs.Add(proctest.Process{
		PID:    400,
		Exe:    link,
		Maps:   []string{proctest.MapsLine(0x400000, "r-xp", proctest.Inode(t, bin), bin)},
		RootFS: "/",
	})

	in, pc := load(t, fs, 400)
	r := resolve.NewResolver(zaptest.NewLogger(t).Sugar(), in, nil)

	cs, err := r.Resolve(pc, resolve.Substring("app"))
	require.NoError(t, err)

	require.Len(t, cs, 1)
	require.Equal(t, resolve.Direct, cs[0].Origin)
	requireNoDuplicateFiles(t, cs)
}

func TestResolve_SnapHostfs(t *testing.T) {
	host := t.TempDir()
	bin := filepath.Join(host, "bin", "agent")
	writeBinary(t, bin)

	mapped := "/var/lib/snapd/hostfs" + bin

	fs := proctest.New(t)
	fs.Add(proctest.Process{
		PID:  310,
		Maps: []string{proctest.MapsLine(0x400000, "r-xp", proctest.Inode(t, bin), mapped)},
	})

	in, pc := load(t, fs, 310)
	r := resolve.NewResolver(zaptest.NewLogger(t).Sugar(), in, nil)

	cs, err := r.Resolve(pc, resolve.Substring("agent"))
	require.NoError(t, err)

	require.Equal(t, []resolve.Origin{resolve.Direct, resolve.RootPrefixed, resolve.PathStrip}, origins(cs))
	require.Equal(t, bin, cs[2].Path)
	require.True(t, cs[2].Usable())
}

// A host file at the mapped path that isn't the mapped binary must be
// reported, not treated as the target.
func TestResolve_DecoyAtMappedPath(t *testing.T) {
	host := t.TempDir()
	container := t.TempDir()

	decoy := filepath.Join(host, "usr", "bin", "app")
	writeBinary(t, decoy)

	inside := filepath.Join(container, decoy)
	writeBinary(t, inside)

	fs := proctest.New(t)
	fs.Add(proctest.Process{
		PID:    320,
		Maps:   []string{proctest.MapsLine(0x400000, "r-xp", proctest.Inode(t, inside), decoy)},
		RootFS: container,
	})

	in, pc := load(t, fs, 320)
	r := resolve.NewResolver(zaptest.NewLogger(t).Sugar(), in, []string{})

	cs, err := r.Resolve(pc, resolve.Substring("app"))
	require.NoError(t, err)

	require.Equal(t, []resolve.Origin{resolve.Direct, resolve.RootPrefixed}, origins(cs))

	require.True(t, cs[0].Exists())
	require.True(t, cs[0].Mismatch())
	require.False(t, cs[0].Usable())

	require.False(t, cs[1].Mismatch())
	require.True(t, cs[1].Usable())
}

func TestResolve_UnknownInodeNeverMismatches(t *testing.T) {
	host := t.TempDir()
	bin := filepath.Join(host, "app")
	writeBinary(t, bin)

	fs := proctest.New(t)
	fs.Add(proctest.Process{
		PID:  330,
		Maps: []string{proctest.MapsLine(0x400000, "r-xp", 0, bin)},
	})

	in, pc := load(t, fs, 330)
	r := resolve.NewResolver(zaptest.NewLogger(t).Sugar(), in, []string{})

	cs, err := r.Resolve(pc, resolve.Substring("app"))
	require.NoError(t, err)
	require.False(t, cs[0].Mismatch())
	require.True(t, cs[0].Usable())
}

func TestResolve_NotMapped(t *testing.T) {
	fs := proctest.New(t)
	fs.Add(proctest.Process{
		PID: 500,
		Maps: []string{
			proctest.MapsLine(0x400000, "r--p", 9, "/usr/bin/app"),
			proctest.MapsLine(0x500000, "r-xp", 10, "/usr/lib/libc.so.6"),
		},
	})

	in, pc := load(t, fs, 500)
	r := resolve.NewResolver(zaptest.NewLogger(t).Sugar(), in, nil)

	_, err := r.Resolve(pc, resolve.Substring("app"))
	require.ErrorIs(t, err, resolve.ErrBinaryNotMapped)
}

func TestParseMatcher(t *testing.T) {
	m, err := resolve.ParseMatcher("re:^ceph-(osd|mon)$")
	require.NoError(t, err)
	require.True(t, m.Match("ceph-osd"))
	require.False(t, m.Match("ceph-osd.debug"))

	m, err = resolve.ParseMatcher("osd")
	require.NoError(t, err)
	require.True(t, m.Match("ceph-osd"))
	require.False(t, m.Match(""))

	_, err = resolve.ParseMatcher("re:(")
	require.Error(t, err)

	_, err = resolve.ParseMatcher("")
	require.Error(t, err)
}
