package uprobe

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrTraceFSNotFound = errors.New("tracefs uprobe_events not found")

// DefaultTraceFSDirs are the usual tracefs mount points, newest first.
var DefaultTraceFSDirs = []string{"/sys/kernel/tracing", "/sys/kernel/debug/tracing"}

// ControlFile is the kernel's append-only uprobe definition interface.
type ControlFile interface {
	// Append writes a single definition or deletion line.
	Append(line string) error
	// Read returns the currently defined probes, one per line.
	Read() (string, error)
}

// TraceFS is the uprobe_events file of a mounted tracefs.
type TraceFS struct {
	dir string
}

// FindTraceFS returns the first of dirs holding a uprobe_events file. An
// empty dirs means DefaultTraceFSDirs.
func FindTraceFS(dirs []string) (*TraceFS, error) {
	if len(dirs) == 0 {
		dirs = DefaultTraceFSDirs
	}

	for _, d := range dirs {
		if _, err := os.Stat(filepath.Join(d, "uprobe_events")); err == nil {
			return &TraceFS{dir: d}, nil
		}
	}

	return nil, fmt.Errorf("%w: tried %s", ErrTraceFSNotFound, strings.Join(dirs, ", "))
}

// Dir is the tracefs mount point.
func (t *TraceFS) Dir() string {
	return t.dir
}

func (t *TraceFS) eventsPath() string {
	return filepath.Join(t.dir, "uprobe_events")
}

// Append writes line to uprobe_events. The file is opened in append mode:
// opening it with O_TRUNC would drop every uprobe on the system.
func (t *TraceFS) Append(line string) error {
	f, err := os.OpenFile(t.eventsPath(), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", t.eventsPath(), err)
	}

	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %q: %w", line, err)
	}

	return f.Close()
}

// Read returns the contents of uprobe_events.
func (t *TraceFS) Read() (string, error) {
	bts, err := os.ReadFile(t.eventsPath())
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", t.eventsPath(), err)
	}

	return string(bts), nil
}

// ErrorLog returns the last n lines of the kernel's tracing error_log, where
// the reason for a rejected definition is recorded.
func (t *TraceFS) ErrorLog(n int) ([]string, error) {
	f, err := os.Open(filepath.Join(t.dir, "error_log"))
	if err != nil {
		return nil, fmt.Errorf("failed to open error_log: %w", err)
	}
	defer f.Close()

	var lines []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning error_log: %w", err)
	}

	return lines, nil
}

// Definition is one parsed line of uprobe_events.
type Definition struct {
	Type   byte // 'p' or 'r'
	Group  string
	Name   string
	Target string
}

// ParseDefinitions parses a uprobe_events listing, skipping lines it doesn't
// understand.
func ParseDefinitions(listing string) []Definition {
	var defs []Definition

	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		head := fields[0]
		if len(head) < 3 || head[1] != ':' || (head[0] != 'p' && head[0] != 'r') {
			continue
		}

		d := Definition{Type: head[0]}

		event := head[2:]
		if group, name, ok := strings.Cut(event, "/"); ok {
			d.Group, d.Name = group, name
		} else {
			d.Name = event
		}

		if len(fields) > 1 {
			d.Target = fields[1]
		}

		defs = append(defs, d)
	}

	return defs
}

// Listed reports whether a probe called name appears in listing.
func Listed(listing, name string) bool {
	for _, d := range ParseDefinitions(listing) {
		if d.Name == name {
			return true
		}
	}

	return false
}
