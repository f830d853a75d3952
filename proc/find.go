package proc

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// FindByExecutable returns the pids of live processes whose executable
// basename contains name. Processes whose executable can't be read are
// skipped.
func FindByExecutable(ctx context.Context, logger *zap.SugaredLogger, name string) ([]int, error) {
	processes, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list system processes: %w", err)
	}

	var pids []int

	for _, p := range processes {
		exe, err := p.ExeWithContext(ctx)
		if err != nil {
			logger.Debugw("couldn't get executable for process, ignoring", "pid", p.Pid, "err", err)
			continue
		}

		if strings.Contains(filepath.Base(exe), name) {
			pids = append(pids, int(p.Pid))
		}
	}

	return pids, nil
}

// Alive reports whether pid still exists.
func Alive(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}
