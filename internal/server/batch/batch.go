// Package batch implements the reconciliation command line tool.
package batch

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/motivearchive/internal/common"
	"github.com/dmitrijs2005/motivearchive/internal/flagx"
	"github.com/dmitrijs2005/motivearchive/internal/server/models"
	"github.com/dmitrijs2005/motivearchive/internal/server/services"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitFailures = 2
	ExitLocked   = 3
)

var flags = flagx.NewSet([]string{"-kinds", "--kinds"}, "-apply", "--apply", "-v", "--v")

// Options are the tool's own flags.
type Options struct {
	Apply   bool
	Kinds   []models.OwnerKind
	Verbose bool
}

// ParseArgs reads -apply, -kinds and -v from args. Configuration flags are
// ignored here and handled by the config package.
func ParseArgs(args []string) (Options, error) {
	var (
		opts  Options
		kinds string
	)

	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&opts.Apply, "apply", false, "write repairs (dry run otherwise)")
	fs.StringVar(&kinds, "kinds", "", "comma separated owner kinds (car,project,gallery)")
	fs.BoolVar(&opts.Verbose, "v", false, "print every repair")

	if err := fs.Parse(flags.Filter(args)); err != nil {
		return Options{}, err
	}

	if kinds != "" {
		for _, name := range strings.Split(kinds, ",") {
			k, err := models.ParseOwnerKind(name)
			if err != nil {
				return Options{}, err
			}
			opts.Kinds = append(opts.Kinds, k)
		}
	}
	return opts, nil
}

// Runner runs one reconciliation.
type Runner interface {
	Run(ctx context.Context, opts services.RunOptions) (*services.RunResult, error)
}

// Execute runs a reconciliation, prints its report to out and returns the
// process exit code.
func Execute(ctx context.Context, r Runner, opts Options, out io.Writer) int {
	res, err := r.Run(ctx, services.RunOptions{DryRun: !opts.Apply, Kinds: opts.Kinds})
	if res != nil {
		PrintReport(out, res, opts.Verbose)
	}
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		if errors.Is(err, common.ErrLocked) {
			return ExitLocked
		}
		return ExitError
	}
	if !res.Report.OK() {
		return ExitFailures
	}
	return ExitOK
}

// PrintReport writes a human readable summary of res.
func PrintReport(w io.Writer, res *services.RunResult, verbose bool) {
	rep := res.Report

	mode := "apply"
	if res.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "run %s (%s) in %s\n", res.ID, mode, res.FinishedAt.Sub(res.StartedAt))
	fmt.Fprintf(w, "planned: %d  applied: %d  failed: %d  conflicts: %d  orphans: %d  skipped: %d\n",
		rep.Planned, len(rep.Applied), len(rep.Failed), len(rep.Conflicts), len(rep.Orphans), len(rep.Errors))

	if verbose {
		for _, p := range rep.Pending {
			fmt.Fprintf(w, "  pending   %s\n", p)
		}
		for _, a := range rep.Applied {
			fmt.Fprintf(w, "  applied   %s\n", a)
		}
		for _, o := range rep.Orphans {
			fmt.Fprintf(w, "  orphan    image/%s\n", o.Hex())
		}
	}
	for _, f := range rep.Failed {
		fmt.Fprintf(w, "  failed    %s\n", f.Error())
	}
	for _, c := range rep.Conflicts {
		fmt.Fprintf(w, "  conflict  %s\n", c.Error())
	}
	for _, e := range rep.Errors {
		fmt.Fprintf(w, "  skipped   %s\n", e.Error())
	}
}
