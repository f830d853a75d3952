package uprobe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/uprobediag/debuginfo/elftest"
	"github.com/tcassar-diss/uprobediag/uprobe/uprobetest"
	"go.uber.org/zap/zaptest"
)

func TestParseDefinitions(t *testing.T) {
	listing := `p:uprobes/uprobediag_12_1 /usr/bin/app:0x0000000000000000
r:mygroup/ret_probe /lib/libc.so.6:0x0000000000029dc0 arg1=%ax
garbage line

p:bare /bin/true:0x10
`

	require.Equal(t, []Definition{
		{Type: 'p', Group: "uprobes", Name: "uprobediag_12_1", Target: "/usr/bin/app:0x0000000000000000"},
		{Type: 'r', Group: "mygroup", Name: "ret_probe", Target: "/lib/libc.so.6:0x0000000000029dc0"},
		{Type: 'p', Name: "bare", Target: "/bin/true:0x10"},
	}, ParseDefinitions(listing))

	require.True(t, Listed(listing, "ret_probe"))
	require.False(t, Listed(listing, "uprobediag_12"))
}

func TestTraceFS(t *testing.T) {
	dir := t.TempDir()

	_, err := FindTraceFS([]string{dir})
	require.ErrorIs(t, err, ErrTraceFSNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "uprobe_events"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "error_log"), []byte("a\nb\nc\n"), 0o644))

	tfs, err := FindTraceFS([]string{filepath.Join(dir, "missing"), dir})
	require.NoError(t, err)
	require.Equal(t, dir, tfs.Dir())

	require.NoError(t, tfs.Append("p:one /bin/true:0x0"))
	require.NoError(t, tfs.Append("p:two /bin/true:0x0"))

	listing, err := tfs.Read()
	require.NoError(t, err)
	require.Equal(t, "p:one /bin/true:0x0\np:two /bin/true:0x0\n", listing)

	tail, err := tfs.ErrorLog(2)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, tail)
}

func TestOffsetPolicy(t *testing.T) {
	dir := t.TempDir()
	bin := elftest.Write(t, filepath.Join(dir, "app"), elftest.Spec{EntryOffset: 0x80})
	noLoad := elftest.Write(t, filepath.Join(dir, "noload"), elftest.Spec{NoLoad: true})

	off, err := DefaultOffsetPolicy().For(bin)
	require.NoError(t, err)
	require.Zero(t, off)

	off, err = OffsetPolicy{Mode: FixedOffset, Fixed: 0x1234}.For(bin)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1234), off)

	off, err = OffsetPolicy{Mode: EntryOffset}.For(bin)
	require.NoError(t, err)
	require.Equal(t, uint64(0x80), off)

	_, err = OffsetPolicy{Mode: EntryOffset}.For(noLoad)
	require.ErrorIs(t, err, ErrEntryNotMapped)

	_, err = OffsetPolicy{Mode: "middle"}.For(bin)
	require.Error(t, err)
}

func TestCleanupStale(t *testing.T) {
	k := uprobetest.NewKernel()
	p := NewProber(zaptest.NewLogger(t).Sugar(), k, &ProberCfg{Prefix: "diagtest"})

	k.Define("diagtest_111_1", "/bin/a:0x0")
	k.Define("diagtest_111_2", "/bin/a:0x0")
	k.Define("diagtest_222_1", "/bin/b:0x0")
	k.Define("diagtest_333_1", "/bin/c:0x0")
	k.Define("someone_else_111_1", "/bin/d:0x0")

	calls := 0
	p.alive = func(_ context.Context, pid int) (bool, error) {
		calls++
		switch pid {
		case 222:
			return true, nil
		case 333:
			return false, errors.New("boom")
		default:
			return false, nil
		}
	}

	removed, err := p.CleanupStale(context.Background())
	require.Error(t, err)
	require.ElementsMatch(t, []string{"diagtest_111_1", "diagtest_111_2"}, removed)

	// liveness is checked once per pid
	require.Equal(t, 3, calls)

	listing, err := k.Read()
	require.NoError(t, err)
	require.True(t, Listed(listing, "diagtest_222_1"))
	require.True(t, Listed(listing, "diagtest_333_1"))
	require.True(t, Listed(listing, "someone_else_111_1"))
	require.False(t, Listed(listing, "diagtest_111_1"))
}
