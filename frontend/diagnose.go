// Package frontend runs a complete uprobe diagnosis and renders its findings.
//
// Diagnose drives the core components in the fixed order process
// introspection, path resolution alongside namespace comparison, attach
// testing, then debug file discovery. Only a missing process aborts a run;
// every other failure is recorded against the step that raised it so the
// rest of the report is still produced.
package frontend

import (
	"context"
	"errors"
	"fmt"

	"github.com/tcassar-diss/uprobediag/debuginfo"
	"github.com/tcassar-diss/uprobediag/proc"
	"github.com/tcassar-diss/uprobediag/resolve"
	"github.com/tcassar-diss/uprobediag/uprobe"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidRequest = errors.New("invalid diagnosis request")

// Step names a stage of the diagnosis.
type Step string

const (
	StepResolve   Step = "resolve"
	StepAttach    Step = "attach"
	StepDebugFile Step = "debug_file"
)

// Error kinds recorded in a StepError.
const (
	KindBinaryNotMapped    = "binary_not_mapped"
	KindNoVisibleCandidate = "no_visible_candidate"
	KindInodeMismatch      = "inode_mismatch"
	KindAttachDenied       = "attach_denied"
	KindNotListed          = "not_listed"
	KindControlUnavailable = "control_unavailable"
	KindNoBinaryPath       = "no_binary_path"
	KindNoBuildID          = "no_build_id"
	KindDebugFileNotFound  = "debug_file_not_found"
	KindOther              = "error"
)

// StepError is a failure confined to one step.
type StepError struct {
	Step    Step   `json:"step"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Step, e.Message)
}

// Request selects what to diagnose.
type Request struct {
	PID     int
	Matcher resolve.Matcher
	// BinaryPath, when set, is used for the debug file lookup instead of the
	// resolved path. It lets that step run even when the binary isn't
	// mapped.
	BinaryPath string
}

// CandidateReport is a resolved candidate as reported. Mismatch marks a path
// that exists but is a different file than the one the target maps.
type CandidateReport struct {
	Path     string         `json:"path"`
	Origin   resolve.Origin `json:"origin"`
	Exists   bool           `json:"exists"`
	Inode    uint64         `json:"inode,omitempty" yaml:"inode,omitempty"`
	Mismatch bool           `json:"mismatch,omitempty" yaml:"mismatch,omitempty"`
}

// Diagnosis is the aggregate finding of one run.
type Diagnosis struct {
	PID            int      `json:"pid"`
	Matcher        string   `json:"matcher"`
	CommandLine    []string `json:"command_line,omitempty" yaml:"command_line,omitempty"`
	ExecutableLink string   `json:"executable_link,omitempty" yaml:"executable_link,omitempty"`

	Namespaces map[proc.NamespaceKind]proc.NamespaceRelation `json:"namespaces"`

	MappedPath     string            `json:"mapped_path,omitempty" yaml:"mapped_path,omitempty"`
	MappedInode    uint64            `json:"mapped_inode,omitempty" yaml:"mapped_inode,omitempty"`
	MappingDeleted bool              `json:"mapping_deleted,omitempty" yaml:"mapping_deleted,omitempty"`
	Candidates     []CandidateReport `json:"candidates"`

	AttachResults  []*uprobe.Result `json:"attach_results"`
	AttachablePath string           `json:"attachable_path,omitempty" yaml:"attachable_path,omitempty"`
	KernelLog      []string         `json:"kernel_log,omitempty" yaml:"kernel_log,omitempty"`

	DebugBinaryPath string               `json:"debug_binary_path,omitempty" yaml:"debug_binary_path,omitempty"`
	DebugFile       *debuginfo.Candidate `json:"debug_file,omitempty" yaml:"debug_file,omitempty"`

	Errors []StepError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

// Failed returns the error recorded for step, if any.
func (d *Diagnosis) Failed(step Step) (StepError, bool) {
	for _, e := range d.Errors {
		if e.Step == step {
			return e, true
		}
	}

	return StepError{}, false
}

func (d *Diagnosis) fail(step Step, kind string, err error) {
	d.Errors = append(d.Errors, StepError{Step: step, Kind: kind, Message: err.Error()})
}

// KernelLogReader exposes the kernel's tracing error log.
type KernelLogReader interface {
	ErrorLog(n int) ([]string, error)
}

// Diagnoser runs diagnoses with one configuration.
type Diagnoser struct {
	logger   *zap.SugaredLogger
	cfg      *Config
	procs    *proc.Introspector
	resolver *resolve.Resolver
	finder   *debuginfo.Finder

	// prober is nil when no control file could be opened; controlErr says
	// why.
	prober     *uprobe.Prober
	controlErr error
	kernelLog  KernelLogReader
}

// OpenControl finds the uprobe control file described by cfg.
func OpenControl(cfg *Config) (*uprobe.TraceFS, error) {
	return uprobe.FindTraceFS(cfg.TraceFSDirs)
}

// NewDiagnoser returns a Diagnoser testing attachability through control. A
// nil control disables attach testing; each diagnosis then records
// controlErr against the attach step. When control also implements
// KernelLogReader its error log is attached to denied attach tests.
func NewDiagnoser(logger *zap.SugaredLogger, cfg *Config, control uprobe.ControlFile, controlErr error) *Diagnoser {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	procs := proc.NewIntrospector(logger, cfg.ProcRoot)

	d := &Diagnoser{
		logger:     logger,
		cfg:        cfg,
		procs:      procs,
		resolver:   resolve.NewResolver(logger, procs, cfg.StripPrefixes),
		finder:     debuginfo.NewFinder(logger, cfg.DebugDirs),
		controlErr: controlErr,
	}

	if control != nil {
		d.prober = uprobe.NewProber(logger, control, cfg.ProberCfg())
		d.kernelLog, _ = control.(KernelLogReader)
	} else if d.controlErr == nil {
		d.controlErr = uprobe.ErrTraceFSNotFound
	}

	return d
}

// Introspector is the process introspector used by d.
func (d *Diagnoser) Introspector() *proc.Introspector {
	return d.procs
}

// Resolver is the path resolver used by d.
func (d *Diagnoser) Resolver() *resolve.Resolver {
	return d.resolver
}

// Finder is the debug file finder used by d.
func (d *Diagnoser) Finder() *debuginfo.Finder {
	return d.finder
}

// Prober is the attach prober used by d, or nil with the reason attach
// testing is unavailable.
func (d *Diagnoser) Prober() (*uprobe.Prober, error) {
	return d.prober, d.controlErr
}

// Diagnose runs every step for req. It fails only when the process doesn't
// exist; other failures are recorded in the returned Diagnosis.
func (d *Diagnoser) Diagnose(ctx context.Context, req Request) (*Diagnosis, error) {
	if req.Matcher == nil {
		return nil, fmt.Errorf("%w: no binary matcher", ErrInvalidRequest)
	}

	pc, err := d.procs.Load(req.PID)
	if err != nil {
		return nil, fmt.Errorf("failed to load process context: %w", err)
	}

	diag := &Diagnosis{
		PID:            pc.PID,
		Matcher:        req.Matcher.String(),
		CommandLine:    pc.CommandLine,
		ExecutableLink: pc.ExecutableLink,
	}

	var (
		candidates []*resolve.Candidate
		resolveErr error
	)

	// both steps only read pc
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		diag.Namespaces = pc.CompareAll()
		return nil
	})

	g.Go(func() error {
		if mapping, err := resolve.MappedPath(pc, req.Matcher); err == nil {
			diag.MappedPath = mapping.Path
			diag.MappedInode = mapping.Inode
			diag.MappingDeleted = mapping.Deleted
		}

		candidates, resolveErr = d.resolver.Resolve(pc, req.Matcher)
		return nil
	})

	_ = g.Wait()

	if resolveErr != nil {
		kind := KindOther
		if errors.Is(resolveErr, resolve.ErrBinaryNotMapped) {
			kind = KindBinaryNotMapped
		}
		diag.fail(StepResolve, kind, resolveErr)
	}

	for _, c := range candidates {
		diag.Candidates = append(diag.Candidates, CandidateReport{
			Path:   c.Path,
			Origin: c.Origin,
			Exists:   c.Exists(),
			Inode:    c.Inode(),
			Mismatch: c.Mismatch(),
		})
	}

	var attachable *resolve.Candidate
	if resolveErr == nil {
		attachable = d.attach(ctx, diag, candidates)
	}

	d.findDebugFile(diag, req, pc, candidates, attachable)

	d.logger.Infow("diagnosis complete",
		"pid", diag.PID,
		"matcher", diag.Matcher,
		"candidates", len(diag.Candidates),
		"attachable", diag.AttachablePath,
		"step_errors", len(diag.Errors),
	)

	return diag, nil
}

func (d *Diagnoser) attach(ctx context.Context, diag *Diagnosis, candidates []*resolve.Candidate) *resolve.Candidate {
	if d.prober == nil {
		diag.fail(StepAttach, KindControlUnavailable, d.controlErr)
		return nil
	}

	visible, mismatched := 0, 0
	for _, c := range candidates {
		switch {
		case c.Usable():
			visible++
		case c.Mismatch():
			mismatched++
		}
	}

	if visible == 0 {
		if mismatched > 0 {
			diag.fail(StepAttach, KindInodeMismatch,
				fmt.Errorf("%d candidate paths exist but none is the mapped file (inode %d)", mismatched, diag.MappedInode))
			return nil
		}

		diag.fail(StepAttach, KindNoVisibleCandidate,
			fmt.Errorf("none of %d candidate paths exist on the tracer's filesystem", len(candidates)))
		return nil
	}

	results, attachable := d.prober.FirstAttachable(ctx, candidates, d.cfg.OffsetPolicy())
	diag.AttachResults = results

	if attachable != nil {
		diag.AttachablePath = attachable.Path
		return attachable
	}

	kind := KindOther
	consultLog := false

	for _, res := range results {
		switch {
		case res.ConsultKernelLog:
			kind = KindAttachDenied
			consultLog = true
		case res.RegistrationSucceeded && !res.ListedAfterRegistration && kind == KindOther:
			kind = KindNotListed
		}
	}

	if err := ctx.Err(); err != nil {
		diag.fail(StepAttach, KindOther, err)
	} else {
		diag.fail(StepAttach, kind, fmt.Errorf("kernel accepted none of %d visible candidates", visible))
	}

	if consultLog && d.kernelLog != nil && d.cfg.KernelLogLines > 0 {
		lines, err := d.kernelLog.ErrorLog(d.cfg.KernelLogLines)
		if err != nil {
			d.logger.Debugw("couldn't read kernel error log", "err", err)
		}
		diag.KernelLog = lines
	}

	return nil
}

// debugBinary picks the file whose debug file is searched: an explicit path,
// else the attachable candidate, else the first visible candidate that is
// the mapped file. The mapped path places the debug root mirror, and the
// target's root view is searched too unless it shares the tracer's mount
// namespace.
func (d *Diagnoser) debugBinary(
	diag *Diagnosis,
	req Request,
	pc *proc.Context,
	candidates []*resolve.Candidate,
	attachable *resolve.Candidate,
) (debuginfo.Binary, bool) {
	if req.BinaryPath != "" {
		return debuginfo.Binary{Path: req.BinaryPath}, true
	}

	chosen := attachable
	if chosen == nil {
		for _, c := range candidates {
			if c.Usable() {
				chosen = c
				break
			}
		}
	}

	if chosen == nil {
		return debuginfo.Binary{}, false
	}

	b := debuginfo.Binary{Path: chosen.Path, MappedPath: diag.MappedPath}
	if chosen.Origin == resolve.RootPrefixed || diag.Namespaces[proc.MountNS] != proc.Same {
		b.RootView = d.procs.RootView(pc.PID)
	}

	return b, true
}

func (d *Diagnoser) findDebugFile(
	diag *Diagnosis,
	req Request,
	pc *proc.Context,
	candidates []*resolve.Candidate,
	attachable *resolve.Candidate,
) {
	b, ok := d.debugBinary(diag, req, pc, candidates, attachable)
	if !ok {
		diag.fail(StepDebugFile, KindNoBinaryPath, errors.New("no visible binary to read a build ID from"))
		return
	}
	diag.DebugBinaryPath = b.Path

	c, err := d.finder.Find(b)
	diag.DebugFile = c

	switch {
	case err == nil:
	case errors.Is(err, debuginfo.ErrNoBuildID):
		diag.fail(StepDebugFile, KindNoBuildID, err)
	case errors.Is(err, debuginfo.ErrDebugFileNotFound):
		diag.fail(StepDebugFile, KindDebugFileNotFound, err)
	default:
		diag.fail(StepDebugFile, KindOther, err)
	}
}
