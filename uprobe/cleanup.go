package uprobe

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/tcassar-diss/uprobediag/proc"
)

func defaultAlive(ctx context.Context, pid int) (bool, error) {
	return proc.Alive(ctx, pid)
}

// CleanupStale removes synthetic probes left behind by runs that died before
// their deletion could be written, i.e. probes carrying this Prober's prefix
// whose embedded pid no longer exists. It returns the removed names.
func (p *Prober) CleanupStale(ctx context.Context) ([]string, error) {
	listing, err := p.control.Read()
	if err != nil {
		return nil, fmt.Errorf("couldn't read uprobe definitions: %w", err)
	}

	pattern, err := regexp.Compile(fmt.Sprintf(`^%s_([0-9]+)_[0-9]+$`, regexp.QuoteMeta(p.prefix)))
	if err != nil {
		return nil, fmt.Errorf("pattern generation failed: %w", err)
	}

	var (
		removed []string
		errs    *multierror.Error
	)

	liveness := make(map[int]bool)

	for _, d := range ParseDefinitions(listing) {
		match := pattern.FindStringSubmatch(d.Name)
		if match == nil {
			continue
		}

		pid, err := strconv.Atoi(match[1])
		if err != nil || pid == p.pid {
			continue
		}

		alive, ok := liveness[pid]
		if !ok {
			alive, err = p.alive(ctx, pid)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("couldn't check pid %d: %w", pid, err))
				continue
			}
			liveness[pid] = alive
		}

		if alive {
			continue
		}

		if err := p.control.Append("-:" + d.Name); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to remove %s: %w", d.Name, err))
			continue
		}

		p.logger.Infow("removed stale synthetic uprobe", "name", d.Name, "owner_pid", pid)
		removed = append(removed, d.Name)
	}

	return removed, errs.ErrorOrNil()
}
