// Package uprobe tests whether the kernel accepts a uprobe on a given file,
// without installing any instrumentation.
//
// A test is a create, verify, delete cycle on uprobe_events. The definition is
// never enabled, so no breakpoint is written into the target's text. The
// deletion runs on every exit path so no definition outlives the test.
package uprobe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/tcassar-diss/uprobediag/resolve"
	"go.uber.org/zap"
)

const (
	DefaultPrefix = "uprobediag"
	DefaultSettle = 50 * time.Millisecond
	// MaxSettle bounds the pause between registration and read-back.
	MaxSettle = time.Second
)

var (
	ErrAttachDenied = errors.New("kernel rejected uprobe definition")
	ErrNotListed    = errors.New("uprobe accepted but not listed")
	ErrProbeLeaked  = errors.New("uprobe definition could not be removed")

	// ErrInvalidProbePath is returned for paths uprobe_events can't express.
	// The definition is whitespace separated and has no quoting.
	ErrInvalidProbePath = errors.New("path cannot be written to uprobe_events")
)

// ProberCfg configures a Prober.
type ProberCfg struct {
	// Prefix starts every synthetic probe name.
	Prefix string
	// Settle is the pause between registration and read-back, capped at
	// MaxSettle.
	Settle time.Duration
}

// DefaultProberCfg is the default probe prefix and settle period.
func DefaultProberCfg() *ProberCfg {
	return &ProberCfg{
		Prefix: DefaultPrefix,
		Settle: DefaultSettle,
	}
}

// Result is the outcome of one attach test.
type Result struct {
	Candidate *resolve.Candidate `json:"-" yaml:"-"`

	Path      string `json:"path"`
	Origin    string `json:"origin,omitempty" yaml:"origin,omitempty"`
	ProbeName string `json:"probe_name" yaml:"probe_name"`
	Offset    uint64 `json:"offset"`

	RegistrationSucceeded   bool `json:"registration_succeeded" yaml:"registration_succeeded"`
	ListedAfterRegistration bool `json:"listed_after_registration" yaml:"listed_after_registration"`
	CleanupSucceeded        bool `json:"cleanup_succeeded" yaml:"cleanup_succeeded"`
	// ConsultKernelLog is set when the kernel refused the definition; the
	// reason is only in the kernel's tracing error log.
	ConsultKernelLog bool `json:"consult_kernel_log" yaml:"consult_kernel_log"`

	Err string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Success reports whether the kernel accepted and listed the probe.
func (r *Result) Success() bool {
	return r.RegistrationSucceeded && r.ListedAfterRegistration
}

// Prober runs attach tests against a ControlFile.
type Prober struct {
	logger  *zap.SugaredLogger
	control ControlFile
	prefix  string
	settle  time.Duration
	pid     int
	seq     atomic.Uint64

	// alive is swapped in tests.
	alive func(ctx context.Context, pid int) (bool, error)
}

// NewProber returns a Prober. Probe names embed the caller's pid so
// concurrent runs on one host never collide.
func NewProber(logger *zap.SugaredLogger, control ControlFile, cfg *ProberCfg) *Prober {
	if cfg == nil {
		cfg = DefaultProberCfg()
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	settle := cfg.Settle
	if settle > MaxSettle {
		settle = MaxSettle
	}

	return &Prober{
		logger:  logger,
		control: control,
		prefix:  prefix,
		settle:  settle,
		pid:     os.Getpid(),
		alive:   defaultAlive,
	}
}

func (p *Prober) nextName() string {
	return fmt.Sprintf("%s_%d_%d", p.prefix, p.pid, p.seq.Add(1))
}

// TestAttach defines a uprobe on path at offset, checks that it's listed,
// and removes it again. The removal is attempted whatever happened before it,
// including cancellation of ctx.
func (p *Prober) TestAttach(ctx context.Context, path string, offset uint64) (res *Result, err error) {
	res = &Result{
		Path:      path,
		Offset:    offset,
		ProbeName: p.nextName(),
	}

	if strings.ContainsAny(path, " \t\n\r\v\f") {
		err = fmt.Errorf("%w: %q contains whitespace", ErrInvalidProbePath, path)
		res.Err = err.Error()
		return res, err
	}

	defer func() {
		res.CleanupSucceeded = p.release(res.ProbeName)
		if !res.CleanupSucceeded {
			err = multierror.Append(err, fmt.Errorf("%w: %s", ErrProbeLeaked, res.ProbeName)).ErrorOrNil()
		}

		if err != nil {
			res.Err = err.Error()
		}
	}()

	def := fmt.Sprintf("p:%s %s:0x%x", res.ProbeName, path, offset)

	p.logger.Debugw("registering synthetic uprobe", "definition", def)

	if werr := p.control.Append(def); werr != nil {
		res.ConsultKernelLog = true
		return res, fmt.Errorf("%w: %s: %w", ErrAttachDenied, path, werr)
	}
	res.RegistrationSucceeded = true

	if p.settle > 0 {
		t := time.NewTimer(p.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return res, ctx.Err()
		case <-t.C:
		}
	}

	listing, rerr := p.control.Read()
	if rerr != nil {
		return res, fmt.Errorf("failed to read back uprobe definitions: %w", rerr)
	}

	res.ListedAfterRegistration = Listed(listing, res.ProbeName)
	if !res.ListedAfterRegistration {
		return res, fmt.Errorf("%w: %s", ErrNotListed, res.ProbeName)
	}

	return res, nil
}

// release removes name. It counts as released when the deletion is accepted
// or the probe is confirmed absent afterwards.
func (p *Prober) release(name string) bool {
	werr := p.control.Append("-:" + name)
	if werr == nil {
		return true
	}

	listing, rerr := p.control.Read()
	if rerr == nil && !Listed(listing, name) {
		return true
	}

	p.logger.Warnw("failed to remove synthetic uprobe", "name", name, "err", werr, "read_err", rerr)

	return false
}

// FirstAttachable tests the existing candidates in order and stops at the
// first one the kernel accepts. Candidates that are a different file than the
// mapped one are never tested. It returns every attempt made and the
// accepted candidate, or nil when none was accepted.
func (p *Prober) FirstAttachable(
	ctx context.Context,
	candidates []*resolve.Candidate,
	policy OffsetPolicy,
) ([]*Result, *resolve.Candidate) {
	var results []*Result

	for _, c := range candidates {
		if !c.Exists() {
			p.logger.Debugw("skipping candidate missing on tracer filesystem", "path", c.Path, "origin", c.Origin)
			continue
		}

		if c.Mismatch() {
			p.logger.Infow("skipping candidate that is not the mapped file",
				"path", c.Path, "origin", c.Origin, "inode", c.Inode(), "mapped_inode", c.MappedInode)
			continue
		}

		if ctx.Err() != nil {
			return results, nil
		}

		offset, err := policy.For(c.Path)
		if err != nil {
			results = append(results, &Result{
				Candidate: c,
				Path:      c.Path,
				Origin:    string(c.Origin),
				Err:       err.Error(),
			})
			continue
		}

		res, err := p.TestAttach(ctx, c.Path, offset)
		res.Candidate = c
		res.Origin = string(c.Origin)
		results = append(results, res)

		if !res.Success() {
			p.logger.Infow("attach test failed", "path", c.Path, "origin", c.Origin, "err", err)
			continue
		}

		if err != nil {
			p.logger.Warnw("attach test succeeded with errors", "path", c.Path, "err", err)
		}

		p.logger.Infow("attach test succeeded", "path", c.Path, "origin", c.Origin, "probe", res.ProbeName)

		return results, c
	}

	return results, nil
}
