// Command bar is the thin CLI driver over the archive/fsadapter/config
// packages (§6): argument parsing, traversal, and result printing live
// here; every actual archive operation is delegated to the bar module.
// Dispatch shape (global flags, verb table, per-verb flag.NewFlagSet)
// is grounded on cmd/distri/distri.go's own command-table main.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/baresque/bar"
	"github.com/baresque/bar/internal/diag"
)

// Exit codes (§6).
const (
	exitOK             = 0
	exitGeneric        = 1
	exitInvalidUsage   = 2
	exitIOError        = 3
	exitCryptoError    = 4
	exitSignatureError = 5
	exitEntriesDiffer  = 6
	exitInternal       = 128
)

var debug = flag.Bool("debug", false, "format error messages with additional detail")
var debugResources = flag.Bool("debug-resources", false, "track worker threads and open storage handles, reporting any left open on exit")

type verb struct {
	fn   func(ctx context.Context, args []string) error
	help string
}

func main() {
	flag.Parse()
	ctx, canc := bar.InterruptibleContext()
	defer canc()

	if *debugResources {
		diag.Enable()
		defer reportResources()
	}

	verbs := map[string]verb{
		"create":  {cmdCreate, "create an archive from a directory tree"},
		"list":    {cmdList, "list the entries in an archive"},
		"compare": {cmdCompare, "compare an archive's entries against the live filesystem"},
		"test":    {cmdTest, "verify every entry reads back without error"},
		"restore": {cmdRestore, "extract an archive's entries to the filesystem"},
		"convert": {cmdConvert, "rewrite an archive under a different compress/crypt configuration"},
	}

	args := os.Args[1:]
	if len(args) == 0 {
		usage(verbs)
		os.Exit(exitInvalidUsage)
	}
	name, rest := args[0], args[1:]
	if name == "help" || name == "-help" || name == "--help" {
		usage(verbs)
		os.Exit(exitOK)
	}
	v, ok := verbs[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "bar: unknown command %q\n", name)
		usage(verbs)
		os.Exit(exitInvalidUsage)
	}

	if err := v.fn(ctx, rest); err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "bar %s: %+v\n", name, err)
		} else {
			fmt.Fprintf(os.Stderr, "bar %s: %v\n", name, err)
		}
		os.Exit(exitCode(err))
	}
}

// reportResources prints whatever diag still has registered once the
// command has returned: nonzero counts or a nonempty thread roster
// here mean something leaked a handle or exited without its
// deregister func running.
func reportResources() {
	if threads := diag.Threads(); len(threads) > 0 {
		fmt.Fprintf(os.Stderr, "bar: %d thread(s) still registered at exit:\n", len(threads))
		for _, t := range threads {
			fmt.Fprintf(os.Stderr, "\t%s (id %d)\n", t.Name, t.ID)
		}
	}
	for kind, count := range diag.OpenCounts() {
		if count != 0 {
			fmt.Fprintf(os.Stderr, "bar: %d %s(s) still open at exit\n", count, kind)
		}
	}
}

func usage(verbs map[string]verb) {
	fmt.Fprintf(os.Stderr, "bar [-flags] <command> [-flags] <args>\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	for _, name := range []string{"create", "list", "compare", "test", "restore", "convert"} {
		fmt.Fprintf(os.Stderr, "\t%-8s %s\n", name, verbs[name].help)
	}
}

// exitCode maps a bar.Kind onto §6's exit code table; unrecognized
// errors (not a *bar.Error) fall back to exitGeneric rather than
// exitInternal, since exitInternal is reserved for bar's own
// programming-error signal (bar.Internal).
func exitCode(err error) int {
	if _, ok := err.(*bar.Error); !ok {
		return exitGeneric
	}
	switch bar.KindOf(err) {
	case bar.IO, bar.FileNotFound, bar.PermissionDenied, bar.EndOfFile, bar.EndOfArchive:
		return exitIOError
	case bar.DecryptFail, bar.WrongPassword, bar.DeflateFail, bar.InflateFail, bar.InvalidDeviceBlockSize:
		return exitCryptoError
	case bar.InvalidSignature, bar.NoPublicSignatureKey:
		return exitSignatureError
	case bar.EntriesDiffer, bar.EntryIncomplete, bar.EntrySizeMismatch:
		return exitEntriesDiffer
	case bar.Internal:
		return exitInternal
	default:
		return exitGeneric
	}
}
