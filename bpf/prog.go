package bpf

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

// Counter is a loaded hit counting program and its map.
type Counter struct {
	logger *zap.SugaredLogger
	hits   *ebpf.Map
	prog   *ebpf.Program
}

// counterInstructions increments slot 0 of hits on every invocation.
func counterInstructions(hits *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		// key = 0 on the stack
		asm.StoreImm(asm.RFP, -4, 0, asm.Word),
		asm.LoadMapPtr(asm.R1, hits.FD()),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "exit"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("exit"),
		asm.Return(),
	}
}

// LoadCounter will load the counter program. It needs CAP_BPF (or root) and
// lifts the memlock rlimit on kernels that still account BPF memory there.
func LoadCounter(logger *zap.SugaredLogger) (*Counter, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock rlimit: %w", err)
	}

	hits, err := newHitsMap()
	if err != nil {
		return nil, err
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         hitsName,
		Type:         ebpf.Kprobe,
		Instructions: counterInstructions(hits),
		License:      "GPL",
	})
	if err != nil {
		hits.Close()
		return nil, fmt.Errorf("failed to load counter program: %w", err)
	}

	return &Counter{
		logger: logger,
		hits:   hits,
		prog:   prog,
	}, nil
}

// Close releases the program and map.
func (c *Counter) Close() error {
	return errors.Join(c.prog.Close(), c.hits.Close())
}

// Observation is the result of one Watch.
type Observation struct {
	Path    string        `json:"path"`
	Target  string        `json:"target"`
	PID     int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	Window  time.Duration `json:"window"`
	Elapsed time.Duration `json:"elapsed"`
	Hits    uint64        `json:"hits"`
}

// Fired reports whether the probe was hit at least once.
func (o *Observation) Fired() bool {
	return o.Hits > 0
}

// Watch attaches the counter to target in the binary at path, restricted to
// pid when pid > 0, and counts hits for at most window. Cancelling ctx ends
// the window early; the hits seen so far are still reported.
func (c *Counter) Watch(
	ctx context.Context,
	path string,
	target Target,
	pid int,
	window time.Duration,
) (*Observation, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}

	if window <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrBadWindow, window)
	}

	if err := initHitsMap(c.hits); err != nil {
		return nil, fmt.Errorf("failed to initialise maps: %w", err)
	}

	ex, err := link.OpenExecutable(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open executable %s: %w", path, err)
	}

	opts := &link.UprobeOptions{PID: pid}

	symbol := target.Symbol
	if symbol == "" {
		symbol = fmt.Sprintf("uprobediag_0x%x", target.Offset)
		opts.Address = target.Offset
	}

	up, err := ex.Uprobe(symbol, c.prog, opts)
	if errors.Is(err, link.ErrNoSymbol) {
		return nil, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, target, path)
	} else if err != nil {
		return nil, fmt.Errorf("failed to attach uprobe at %s in %s: %w", target, path, err)
	}
	defer up.Close()

	c.logger.Infow("watching for hits", "path", path, "target", target.String(), "pid", pid, "window", window)

	start := time.Now()
	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.logger.Infow("stopping watch: context cancelled")
	case <-timer.C:
	}

	hits, err := readHitsMap(c.hits)
	if err != nil {
		return nil, err
	}

	return &Observation{
		Path:    path,
		Target:  target.String(),
		PID:     pid,
		Window:  window,
		Elapsed: time.Since(start),
		Hits:    hits,
	}, nil
}
