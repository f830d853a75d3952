package uprobe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tcassar-diss/uprobediag/proc/proctest"
	"github.com/tcassar-diss/uprobediag/resolve"
	"github.com/tcassar-diss/uprobediag/uprobe/uprobetest"
	"go.uber.org/zap/zaptest"
)

func newTestProber(t *testing.T, k *uprobetest.Kernel) *Prober {
	t.Helper()

	return NewProber(zaptest.NewLogger(t).Sugar(), k, &ProberCfg{Prefix: "diagtest"})
}

func writeFile(t *testing.T, path string) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("\x7fELF"), 0o755))

	return path
}

func TestTestAttach_Success(t *testing.T) {
	k := uprobetest.NewKernel()
	p := newTestProber(t, k)
	bin := writeFile(t, filepath.Join(t.TempDir(), "app"))

	res, err := p.TestAttach(context.Background(), bin, 0)
	require.NoError(t, err)

	require.True(t, res.RegistrationSucceeded)
	require.True(t, res.ListedAfterRegistration)
	require.True(t, res.CleanupSucceeded)
	require.False(t, res.ConsultKernelLog)
	require.True(t, res.Success())

	listing, err := k.Read()
	require.NoError(t, err)
	require.Empty(t, listing)

	require.Equal(t, []string{
		"p:" + res.ProbeName + " " + bin + ":0x0",
		"-:" + res.ProbeName,
	}, k.Writes)
}

func TestTestAttach_Idempotent(t *testing.T) {
	k := uprobetest.NewKernel()
	k.Define("other_tool_probe", "/usr/bin/true:0x10")

	p := newTestProber(t, k)
	bin := writeFile(t, filepath.Join(t.TempDir(), "app"))

	before, err := k.Read()
	require.NoError(t, err)

	first, err := p.TestAttach(context.Background(), bin, 0x40)
	require.NoError(t, err)

	after, err := k.Read()
	require.NoError(t, err)
	require.Equal(t, before, after)

	second, err := p.TestAttach(context.Background(), bin, 0x40)
	require.NoError(t, err)

	after, err = k.Read()
	require.NoError(t, err)
	require.Equal(t, before, after)

	require.NotEqual(t, first.ProbeName, second.ProbeName)
	require.Equal(t, first.RegistrationSucceeded, second.RegistrationSucceeded)
	require.Equal(t, first.ListedAfterRegistration, second.ListedAfterRegistration)
}

func TestTestAttach_Denied(t *testing.T) {
	k := uprobetest.NewKernel()
	p := newTestProber(t, k)

	res, err := p.TestAttach(context.Background(), "/uprobediag-test-nonexistent/app", 0)
	require.ErrorIs(t, err, ErrAttachDenied)

	require.False(t, res.RegistrationSucceeded)
	require.False(t, res.Success())
	require.True(t, res.ConsultKernelLog)
	require.True(t, res.CleanupSucceeded)
	require.NotEmpty(t, res.Err)

	// deletion is written even though nothing was registered
	require.Equal(t, "-:"+res.ProbeName, k.Writes[len(k.Writes)-1])
}

func TestTestAttach_AcceptedButNotListed(t *testing.T) {
	k := uprobetest.NewKernel()
	k.Hide = true
	p := newTestProber(t, k)
	bin := writeFile(t, filepath.Join(t.TempDir(), "app"))

	res, err := p.TestAttach(context.Background(), bin, 0)
	require.ErrorIs(t, err, ErrNotListed)

	require.True(t, res.RegistrationSucceeded)
	require.False(t, res.ListedAfterRegistration)
	require.False(t, res.Success())
	require.True(t, res.CleanupSucceeded)
}

func TestTestAttach_ReleasedOnCancel(t *testing.T) {
	k := uprobetest.NewKernel()
	p := NewProber(zaptest.NewLogger(t).Sugar(), k, &ProberCfg{Settle: 500 * time.Millisecond})
	bin := writeFile(t, filepath.Join(t.TempDir(), "app"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := p.TestAttach(ctx, bin, 0)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, res.RegistrationSucceeded)
	require.True(t, res.CleanupSucceeded)

	listing, err := k.Read()
	require.NoError(t, err)
	require.Empty(t, listing)
}

func TestTestAttach_Leak(t *testing.T) {
	k := uprobetest.NewKernel()
	k.FailDelete = true
	p := newTestProber(t, k)
	bin := writeFile(t, filepath.Join(t.TempDir(), "app"))

	res, err := p.TestAttach(context.Background(), bin, 0)
	require.ErrorIs(t, err, ErrProbeLeaked)
	require.True(t, res.Success())
	require.False(t, res.CleanupSucceeded)
}

func TestNewProber_CapsSettle(t *testing.T) {
	p := NewProber(zaptest.NewLogger(t).Sugar(), uprobetest.NewKernel(), &ProberCfg{Settle: time.Hour})
	require.Equal(t, MaxSettle, p.settle)
	require.Equal(t, DefaultPrefix, p.prefix)
}

func mappedAs(c *resolve.Candidate, inode uint64) *resolve.Candidate {
	c.MappedInode = inode
	return c
}

func TestFirstAttachable(t *testing.T) {
	dir := t.TempDir()
	decoy := writeFile(t, filepath.Join(dir, "direct", "app"))
	target := writeFile(t, filepath.Join(dir, "root", "app"))
	inode := proctest.Inode(t, target)

	k := uprobetest.NewKernel()
	p := newTestProber(t, k)

	candidates := []*resolve.Candidate{
		mappedAs(resolve.NewCandidate(filepath.Join(dir, "missing", "app"), resolve.Direct), inode),
		mappedAs(resolve.NewCandidate(decoy, resolve.RootPrefixed), inode),
		mappedAs(resolve.NewCandidate(target, resolve.PathStrip), inode),
		mappedAs(resolve.NewCandidate(target+"-never-tested", resolve.ViaExecutableLink), inode),
	}

	results, accepted := p.FirstAttachable(context.Background(), candidates, DefaultOffsetPolicy())
	require.NotNil(t, accepted)
	require.Equal(t, target, accepted.Path)

	// the decoy would be accepted like any regular file, but is never tried
	require.Len(t, results, 1)
	require.Equal(t, "pathStrip", results[0].Origin)
	require.True(t, results[0].Success())

	for _, w := range k.Writes {
		require.NotContains(t, w, decoy)
	}

	listing, err := k.Read()
	require.NoError(t, err)
	require.Empty(t, listing)
}

func TestFirstAttachable_ContinuesAfterDenial(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, filepath.Join(dir, "root", "app"))

	denied := filepath.Join(dir, "host", "app")
	require.NoError(t, os.MkdirAll(filepath.Dir(denied), 0o755))
	require.NoError(t, os.Link(target, denied))

	inode := proctest.Inode(t, target)

	k := uprobetest.NewKernel()
	k.Deny[denied] = true

	p := newTestProber(t, k)

	candidates := []*resolve.Candidate{
		mappedAs(resolve.NewCandidate(denied, resolve.Direct), inode),
		mappedAs(resolve.NewCandidate(target, resolve.RootPrefixed), inode),
	}

	results, accepted := p.FirstAttachable(context.Background(), candidates, DefaultOffsetPolicy())
	require.NotNil(t, accepted)
	require.Equal(t, target, accepted.Path)

	require.Len(t, results, 2)
	require.False(t, results[0].Success())
	require.True(t, results[0].ConsultKernelLog)
	require.True(t, results[1].Success())
}

func TestTestAttach_WhitespaceInPath(t *testing.T) {
	k := uprobetest.NewKernel()
	p := newTestProber(t, k)
	bin := writeFile(t, filepath.Join(t.TempDir(), "my app", "bin"))

	res, err := p.TestAttach(context.Background(), bin, 0)
	require.ErrorIs(t, err, ErrInvalidProbePath)
	require.NotErrorIs(t, err, ErrAttachDenied)

	require.False(t, res.RegistrationSucceeded)
	require.False(t, res.ConsultKernelLog)
	require.False(t, res.Success())
	require.NotEmpty(t, res.Err)
	require.Empty(t, k.Writes)
}

func TestFirstAttachable_NoneAccepted(t *testing.T) {
	k := uprobetest.NewKernel()
	p := newTestProber(t, k)

	candidates := []*resolve.Candidate{
		resolve.NewCandidate("/uprobediag-test-nonexistent/app", resolve.Direct),
	}

	results, accepted := p.FirstAttachable(context.Background(), candidates, DefaultOffsetPolicy())
	require.Nil(t, accepted)
	require.Empty(t, results)
}
