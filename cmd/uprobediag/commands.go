package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/tcassar-diss/uprobediag/bpf"
	"github.com/tcassar-diss/uprobediag/debuginfo"
	"github.com/tcassar-diss/uprobediag/frontend"
	"github.com/tcassar-diss/uprobediag/offsets"
	"github.com/tcassar-diss/uprobediag/proc"
	"github.com/tcassar-diss/uprobediag/resolve"
	"github.com/tcassar-diss/uprobediag/uprobe"
	"github.com/urfave/cli/v2"
)

func uprobeMode(s string) uprobe.OffsetMode {
	return uprobe.OffsetMode(s)
}

// output renders v with text in text mode, or encodes it otherwise.
func output(v any, text func(w io.Writer) error) error {
	if s.format == "" || s.format == "text" {
		return text(os.Stdout)
	}

	return frontend.Encode(os.Stdout, s.format, v)
}

func requireArgs(cCtx *cli.Context, n int) error {
	if nArgs := cCtx.Args().Len(); nArgs < n {
		_ = cli.ShowSubcommandHelp(cCtx)

		return cli.Exit(fmt.Sprintf("\nERROR: Too few arguments! Expected %d, got %d", n, nArgs), 1)
	}

	return nil
}

// targetPID accepts a pid or an executable name matching exactly one live
// process.
func targetPID(ctx context.Context, arg string) (int, error) {
	if pid, err := strconv.Atoi(arg); err == nil {
		return pid, nil
	}

	pids, err := proc.FindByExecutable(ctx, s.logger, arg)
	if err != nil {
		return 0, fmt.Errorf("failed to look up processes named %q: %w", arg, err)
	}

	switch len(pids) {
	case 0:
		return 0, fmt.Errorf("%w: no process named %q", proc.ErrProcessNotFound, arg)
	case 1:
		return pids[0], nil
	default:
		return 0, fmt.Errorf("%d processes match %q, pick one: %v", len(pids), arg, pids)
	}
}

func newDiagnoser() *frontend.Diagnoser {
	control, err := frontend.OpenControl(s.cfg)
	if err != nil {
		s.logger.Warnw("attach testing unavailable", "err", err)
		return frontend.NewDiagnoser(s.logger, s.cfg, nil, err)
	}

	return frontend.NewDiagnoser(s.logger, s.cfg, control, nil)
}

func diagnoseCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagnose",
		Usage:     "run every check against a process and suggest next steps",
		ArgsUsage: "<pid|process-name> <binary-name|re:pattern>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "binary",
				Usage: "binary to look up debug files for, even if it isn't mapped",
			},
		},
		Action: func(cCtx *cli.Context) error {
			if err := requireArgs(cCtx, 2); err != nil {
				return err
			}

			reporter, err := frontend.NewReporter(s.format, s.noColor)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			pid, err := targetPID(cCtx.Context, cCtx.Args().Get(0))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			matcher, err := resolve.ParseMatcher(cCtx.Args().Get(1))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt)
			defer cancel()

			diag, err := newDiagnoser().Diagnose(ctx, frontend.Request{
				PID:        pid,
				Matcher:    matcher,
				BinaryPath: cCtx.String("binary"),
			})
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			if err := reporter.Report(os.Stdout, diag); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}

			if len(diag.Errors) > 0 {
				return cli.Exit("", 3)
			}

			return nil
		},
	}
}

func candidatesCommand() *cli.Command {
	return &cli.Command{
		Name:      "candidates",
		Usage:     "list the paths under which the tracer may see a mapped binary",
		ArgsUsage: "<pid|process-name> <binary-name|re:pattern>",
		Action: func(cCtx *cli.Context) error {
			if err := requireArgs(cCtx, 2); err != nil {
				return err
			}

			pid, err := targetPID(cCtx.Context, cCtx.Args().Get(0))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			matcher, err := resolve.ParseMatcher(cCtx.Args().Get(1))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			d := frontend.NewDiagnoser(s.logger, s.cfg, nil, nil)

			pc, err := d.Introspector().Load(pid)
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			candidates, err := d.Resolver().Resolve(pc, matcher)
			if err != nil {
				return cli.Exit(err.Error(), 3)
			}

			reports := make([]frontend.CandidateReport, 0, len(candidates))
			for _, c := range candidates {
				reports = append(reports, frontend.CandidateReport{
					Path:     c.Path,
					Origin:   c.Origin,
					Exists:   c.Exists(),
					Inode:    c.Inode(),
					Mismatch: c.Mismatch(),
				})
			}

			return output(reports, func(w io.Writer) error {
				t := tablewriter.NewWriter(w)
				t.SetHeader([]string{"Path", "Origin", "Exists", "Inode", "Other File"})
				for _, r := range reports {
					t.Append([]string{
						r.Path,
						string(r.Origin),
						strconv.FormatBool(r.Exists),
						strconv.FormatUint(r.Inode, 10),
						strconv.FormatBool(r.Mismatch),
					})
				}
				t.Render()

				return nil
			})
		},
	}
}

func attachCommand() *cli.Command {
	return &cli.Command{
		Name:      "attach",
		Usage:     "check the kernel accepts a uprobe on a file, without enabling it",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "offset",
				Usage: "file offset to test, e.g. 0x1a2b; defaults to the configured offset policy",
			},
		},
		Action: func(cCtx *cli.Context) error {
			if err := requireArgs(cCtx, 1); err != nil {
				return err
			}

			path := cCtx.Args().Get(0)

			prober, err := newDiagnoser().Prober()
			if prober == nil {
				return cli.Exit(fmt.Sprintf("attach testing unavailable: %v", err), 2)
			}

			var offset uint64
			if cCtx.IsSet("offset") {
				offset, err = strconv.ParseUint(cCtx.String("offset"), 0, 64)
			} else {
				offset, err = s.cfg.OffsetPolicy().For(path)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("failed to choose offset: %v", err), 1)
			}

			ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt)
			defer cancel()

			res, attachErr := prober.TestAttach(ctx, path, offset)

			if err := output(res, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s at 0x%x: registered=%t listed=%t removed=%t\n",
					res.Path, res.Offset, res.RegistrationSucceeded, res.ListedAfterRegistration, res.CleanupSucceeded)
				if attachErr != nil {
					fmt.Fprintf(w, "error: %v\n", attachErr)
				}
				if res.ConsultKernelLog {
					fmt.Fprintln(w, "the kernel's reason is in the tracing error_log")
				}
				return err
			}); err != nil {
				return err
			}

			if !res.Success() {
				return cli.Exit("", 3)
			}

			return nil
		},
	}
}

func debugFileCommand() *cli.Command {
	return &cli.Command{
		Name:      "debugfile",
		Usage:     "find the separate debug file matching a binary's build ID",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mapped-as",
				Usage: "path the binary is mapped under in the target, used for the debug root mirror",
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "target root directory as seen from here, also searched for debug roots",
			},
		},
		Action: func(cCtx *cli.Context) error {
			if err := requireArgs(cCtx, 1); err != nil {
				return err
			}

			f := debuginfo.NewFinder(s.logger, s.cfg.DebugDirs)

			c, findErr := f.Find(debuginfo.Binary{
				Path:       cCtx.Args().Get(0),
				MappedPath: cCtx.String("mapped-as"),
				RootView:   cCtx.String("root"),
			})
			if c == nil {
				return cli.Exit(findErr.Error(), 3)
			}

			if err := output(c, func(w io.Writer) error {
				fmt.Fprintf(w, "build ID: %s\n", c.BuildID)
				for _, p := range c.SearchedPaths {
					fmt.Fprintf(w, "searched %s\n", p)
				}
				for _, r := range c.Rejected {
					fmt.Fprintf(w, "rejected %s (build ID %s)\n", r.Path, r.BuildID)
				}
				if c.MatchedPath != "" {
					_, err := fmt.Fprintf(w, "matched  %s\n", c.MatchedPath)
					return err
				}
				return nil
			}); err != nil {
				return err
			}

			if findErr != nil {
				return cli.Exit(findErr.Error(), 3)
			}

			return nil
		},
	}
}

func offsetsCommand() *cli.Command {
	return &cli.Command{
		Name:      "offsets",
		Usage:     "check a precomputed function offset table for zero offsets",
		ArgsUsage: "<table.json>",
		Action: func(cCtx *cli.Context) error {
			if err := requireArgs(cCtx, 1); err != nil {
				return err
			}

			rep, err := offsets.CheckFile(cCtx.Args().Get(0))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			if err := output(rep, func(w io.Writer) error {
				return writeOffsets(w, rep)
			}); err != nil {
				return err
			}

			if !rep.HasValidOffsets {
				return cli.Exit("", 3)
			}

			return nil
		},
	}
}

func writeOffsets(w io.Writer, rep *offsets.Report) error {
	var b strings.Builder

	if rep.Version != "" {
		fmt.Fprintf(&b, "version: %s\n", rep.Version)
	}

	if !rep.HasFunc2PC {
		b.WriteString("no mod_func2pc in table\n")
	}

	for _, m := range rep.Modules {
		fmt.Fprintf(&b, "\nmodule %s\n", m.Module)
		if m.Empty() {
			b.WriteString("  no functions\n")
			continue
		}
		for _, fo := range m.InvalidFunctions {
			fmt.Fprintf(&b, "  invalid %s: %q\n", fo.Function, fo.Offset)
		}
		for _, fo := range m.Sample {
			fmt.Fprintf(&b, "  ok      %s: %s\n", fo.Function, fo.Offset)
		}
		fmt.Fprintf(&b, "  %d valid, %d invalid\n", m.Valid, m.Invalid)
	}

	if !rep.HasFunc2VF {
		b.WriteString("\nno mod_func2vf in table\n")
	}
	mods := make([]string, 0, len(rep.VariableInfo))
	for mod := range rep.VariableInfo {
		mods = append(mods, mod)
	}
	sort.Strings(mods)

	for _, mod := range mods {
		fmt.Fprintf(&b, "\nmodule %s: %d functions with variable info\n", mod, rep.VariableInfo[mod])
	}

	if rep.HasValidOffsets {
		b.WriteString("\ntable has valid function offsets\n")
	} else {
		b.WriteString("\ntable has no valid function offsets: the binary was probably stripped when the table " +
			"was generated; install its debug file and regenerate\n")
	}

	_, err := io.WriteString(w, b.String())

	return err
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "remove synthetic probes left behind by runs that no longer exist",
		Action: func(cCtx *cli.Context) error {
			prober, err := newDiagnoser().Prober()
			if prober == nil {
				return cli.Exit(fmt.Sprintf("cleanup unavailable: %v", err), 2)
			}

			removed, cleanErr := prober.CleanupStale(cCtx.Context)

			if err := output(removed, func(w io.Writer) error {
				for _, name := range removed {
					fmt.Fprintf(w, "removed %s\n", name)
				}
				return nil
			}); err != nil {
				return err
			}

			if cleanErr != nil {
				return cli.Exit(cleanErr.Error(), 3)
			}

			return nil
		},
	}
}

func parseTarget(arg string) (bpf.Target, error) {
	if strings.HasPrefix(arg, "0x") {
		off, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			return bpf.Target{}, fmt.Errorf("invalid offset %q: %w", arg, err)
		}

		return bpf.NewOffsetTarget(off), nil
	}

	return bpf.NewSymbolTarget(arg), nil
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "attach a counting uprobe for a bounded window to see if a code path runs",
		ArgsUsage: "<path> <symbol|0xoffset>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "pid",
				Usage: "only count hits from this process",
			},
			&cli.DurationFlag{
				Name:  "window",
				Value: 10 * time.Second,
				Usage: "how long to wait for hits",
			},
		},
		Action: func(cCtx *cli.Context) error {
			if err := requireArgs(cCtx, 2); err != nil {
				return err
			}

			target, err := parseTarget(cCtx.Args().Get(1))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			counter, err := bpf.LoadCounter(s.logger)
			if err != nil {
				return cli.Exit(fmt.Sprintf("failed to load counter: %v", err), 2)
			}
			defer counter.Close()

			ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt)
			defer cancel()

			obs, err := counter.Watch(ctx, cCtx.Args().Get(0), target, cCtx.Int("pid"), cCtx.Duration("window"))
			if errors.Is(err, bpf.ErrSymbolNotFound) {
				return cli.Exit(fmt.Sprintf("%v: the binary is probably stripped, find its debug file with "+
					"'uprobediag debugfile' or attach by offset", err), 3)
			} else if err != nil {
				return cli.Exit(err.Error(), 2)
			}

			if err := output(obs, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "%s in %s: %d hits in %s\n", obs.Target, obs.Path, obs.Hits, obs.Elapsed.Round(time.Millisecond))
				return err
			}); err != nil {
				return err
			}

			if !obs.Fired() {
				return cli.Exit("no hits: the code path didn't run during the window", 3)
			}

			return nil
		},
	}
}

func programsCommand() *cli.Command {
	return &cli.Command{
		Name:  "programs",
		Usage: "list BPF programs loaded in the kernel",
		Action: func(cCtx *cli.Context) error {
			progs, err := bpf.LoadedPrograms()
			if err != nil {
				s.logger.Warnw("program listing incomplete", "err", err)
			}

			return output(progs, func(w io.Writer) error {
				t := tablewriter.NewWriter(w)
				t.SetHeader([]string{"ID", "Name", "Type"})
				for _, p := range progs {
					t.Append([]string{strconv.FormatUint(uint64(p.ID), 10), p.Name, p.Type})
				}
				t.Render()

				return nil
			})
		},
	}
}
