package frontend

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/tcassar-diss/uprobediag/proc"
	"gopkg.in/yaml.v3"
)

var ErrUnknownFormat = errors.New("unknown report format")

// Reporter renders a Diagnosis for an operator.
type Reporter interface {
	Report(w io.Writer, d *Diagnosis) error
}

// Formats lists the names accepted by NewReporter.
var Formats = []string{"text", "json", "yaml"}

// NewReporter returns the Reporter for format. Text reports are colourised
// unless noColor is set or the output isn't a terminal.
func NewReporter(format string, noColor bool) (Reporter, error) {
	switch format {
	case "", "text":
		return &TextReporter{NoColor: noColor}, nil
	case "json":
		return JSONReporter{}, nil
	case "yaml":
		return YAMLReporter{}, nil
	default:
		return nil, fmt.Errorf("%w: %q (expected one of %s)", ErrUnknownFormat, format, strings.Join(Formats, ", "))
	}
}

// Encode writes v to w as indented JSON or YAML.
func Encode(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode as JSON: %w", err)
		}

		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode as YAML: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

type JSONReporter struct{}

func (JSONReporter) Report(w io.Writer, d *Diagnosis) error {
	return Encode(w, "json", d)
}

type YAMLReporter struct{}

func (YAMLReporter) Report(w io.Writer, d *Diagnosis) error {
	return Encode(w, "yaml", d)
}

// TextReporter renders a human readable report followed by suggested next
// steps.
type TextReporter struct {
	NoColor bool
}

func (r *TextReporter) paint(attr color.Attribute) *color.Color {
	c := color.New(attr)
	if r.NoColor {
		c.DisableColor()
	}

	return c
}

func (r *TextReporter) mark(ok bool) string {
	if ok {
		return r.paint(color.FgGreen).Sprint("yes")
	}

	return r.paint(color.FgRed).Sprint("no")
}

func (r *TextReporter) Report(w io.Writer, d *Diagnosis) error {
	var b strings.Builder

	bold := r.paint(color.Bold)
	red := r.paint(color.FgRed)
	green := r.paint(color.FgGreen)

	bold.Fprintf(&b, "Process %d\n", d.PID)
	if len(d.CommandLine) > 0 {
		fmt.Fprintf(&b, "  command line: %s\n", strings.Join(d.CommandLine, " "))
	}
	if d.ExecutableLink != "" {
		fmt.Fprintf(&b, "  executable:   %s\n", d.ExecutableLink)
	}

	bold.Fprintln(&b, "\nNamespaces (target vs tracer)")
	for _, kind := range proc.NamespaceKinds {
		rel, ok := d.Namespaces[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "  %-7s %s\n", kind, rel)
	}

	bold.Fprintf(&b, "\nBinary matching %s\n", d.Matcher)
	if d.MappedPath != "" {
		deleted := ""
		if d.MappingDeleted {
			deleted = red.Sprint(" (deleted on disk)")
		}
		fmt.Fprintf(&b, "  mapped as %s (inode %d)%s\n", d.MappedPath, d.MappedInode, deleted)
	}

	if len(d.Candidates) > 0 {
		t := tablewriter.NewWriter(&b)
		t.SetHeader([]string{"Path", "Origin", "Exists", "Inode", "Mapped File"})
		for _, c := range d.Candidates {
			mapped := r.mark(c.Exists && !c.Mismatch)
			if c.Mismatch {
				mapped = r.paint(color.FgRed).Sprint("other file")
			}
			t.Append([]string{c.Path, string(c.Origin), r.mark(c.Exists), strconv.FormatUint(c.Inode, 10), mapped})
		}
		t.Render()
	}

	if len(d.AttachResults) > 0 {
		bold.Fprintln(&b, "\nAttach tests")

		t := tablewriter.NewWriter(&b)
		t.SetHeader([]string{"Path", "Offset", "Registered", "Listed", "Removed"})
		for _, res := range d.AttachResults {
			t.Append([]string{
				res.Path,
				fmt.Sprintf("0x%x", res.Offset),
				r.mark(res.RegistrationSucceeded),
				r.mark(res.ListedAfterRegistration),
				r.mark(res.CleanupSucceeded),
			})
		}
		t.Render()
	}

	if d.AttachablePath != "" {
		fmt.Fprintf(&b, "  attachable: %s\n", green.Sprint(d.AttachablePath))
	}

	if len(d.KernelLog) > 0 {
		bold.Fprintln(&b, "\nKernel tracing error log")
		for _, line := range d.KernelLog {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}

	if dbg := d.DebugFile; dbg != nil {
		bold.Fprintf(&b, "\nDebug file for %s\n", d.DebugBinaryPath)
		fmt.Fprintf(&b, "  build ID: %s\n", dbg.BuildID)
		if dbg.DebugLink != "" {
			fmt.Fprintf(&b, "  debug link: %s\n", dbg.DebugLink)
		}
		for _, p := range dbg.SearchedPaths {
			fmt.Fprintf(&b, "  searched %s\n", p)
		}
		for _, rej := range dbg.Rejected {
			reason := rej.Err
			if reason == "" {
				reason = "build ID " + rej.BuildID
			}
			fmt.Fprintf(&b, "  %s %s (%s)\n", red.Sprint("rejected"), rej.Path, reason)
		}
		if dbg.MatchedPath != "" {
			fmt.Fprintf(&b, "  %s %s\n", green.Sprint("matched"), dbg.MatchedPath)
		}
	}

	if len(d.Errors) > 0 {
		bold.Fprintln(&b, "\nFailed steps")
		for _, e := range d.Errors {
			fmt.Fprintf(&b, "  %s [%s] %s\n", red.Sprint(e.Step), e.Kind, e.Message)
		}
	}

	if advice := Advice(d); len(advice) > 0 {
		bold.Fprintln(&b, "\nNext steps")
		for _, a := range advice {
			fmt.Fprintf(&b, "  - %s\n", a)
		}
	}

	_, err := io.WriteString(w, b.String())

	return err
}

// Advice suggests what to try next for every failed step of d.
func Advice(d *Diagnosis) []string {
	var out []string

	if d.Namespaces[proc.MountNS] == proc.Different {
		out = append(out, "the target runs in another mount namespace: paths from its maps are only valid through "+
			fmt.Sprintf("/proc/%d/root", d.PID))
	}

	for _, e := range d.Errors {
		switch e.Kind {
		case KindBinaryNotMapped:
			out = append(out, fmt.Sprintf("no executable mapping matches %s: check the name against /proc/%d/maps, "+
				"or pass the binary path to still look up its debug file", d.Matcher, d.PID))
		case KindNoVisibleCandidate:
			out = append(out, "the binary isn't visible from the tracer: run with the host procfs mounted "+
				"(proc_root = \"/host/proc\") or add the container's mount prefix to strip_prefixes")
		case KindInodeMismatch:
			out = append(out, "paths matching the mapped one belong to another file: the tracer sees a different "+
				fmt.Sprintf("filesystem than the target, so go through /proc/%d/root or fix strip_prefixes", d.PID))
		case KindAttachDenied:
			out = append(out, "the kernel refused the probe: read the tracing error_log, and check lockdown, "+
				"SELinux or AppArmor denials in the kernel log")
		case KindNotListed:
			out = append(out, "the probe was accepted but never listed: another tool may be rewriting uprobe_events")
		case KindControlUnavailable:
			out = append(out, "uprobe_events isn't reachable: run as root and mount tracefs "+
				"(mount -t tracefs nodev /sys/kernel/tracing)")
		case KindNoBuildID:
			out = append(out, "the binary has no build ID so no separate debug file can be matched: "+
				"keep debug sections in the binary or rebuild with -Wl,--build-id")
		case KindDebugFileNotFound:
			id := ""
			if d.DebugFile != nil {
				id = d.DebugFile.BuildID
			}
			out = append(out, fmt.Sprintf("install the debug symbol package for this exact build, or fetch it "+
				"with DEBUGINFOD_URLS set: debuginfod-find debuginfo %s", id))
		case KindNoBinaryPath:
			out = append(out, "no binary path was available for the debug file lookup: pass one explicitly")
		}
	}

	if d.AttachablePath != "" {
		out = append(out, fmt.Sprintf("probes attach at %s: if they still don't fire, watch the function "+
			"to check the code path runs (uprobediag watch)", d.AttachablePath))
	}

	return out
}
