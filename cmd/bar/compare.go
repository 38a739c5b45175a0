package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/baresque/bar"
	"github.com/baresque/bar/archive"
	"github.com/baresque/bar/fsadapter"
	"github.com/baresque/bar/worker"
)

func cmdCompare(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("compare", flag.ExitOnError)
	f := &commonFlags{}
	registerCommonFlags(fset, f)
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) != 2 {
		return usageError("compare <archive-path> <root-directory>")
	}
	archivePath, root := rest[0], rest[1]

	opts, err := readOptionsFromFlags(f)
	if err != nil {
		return err
	}
	r, err := archive.OpenArchive(openVolumes(archivePath), opts)
	if err != nil {
		return err
	}
	defer r.CloseArchive()

	adapter := &fsadapter.LocalAdapter{NoAtime: f.noAtime, NoCache: f.noCache}

	var differences int64
	var stderrMu sync.Mutex
	reportDiff := func(name, reason string) {
		atomic.AddInt64(&differences, 1)
		stderrMu.Lock()
		fmt.Fprintf(os.Stderr, "bar: %s: %s\n", name, reason)
		stderrMu.Unlock()
	}

	compareOne := func(entry bar.Entry, body io.Reader, fullPath string) error {
		live, statErr := adapter.Stat(fullPath)
		if statErr != nil {
			if bar.KindOf(statErr) == bar.FileNotFound {
				io.Copy(io.Discard, body)
				reportDiff(entry.Name, "missing on disk")
				return nil
			}
			return statErr
		}

		mismatch, reason := compareEntry(entry, live)
		if entry.Kind == bar.KindFile || entry.Kind == bar.KindImage {
			same, err := compareContent(body, fullPath)
			if err != nil {
				return err
			}
			if !same {
				mismatch, reason = true, "content differs"
			}
		} else {
			io.Copy(io.Discard, body)
		}

		if mismatch {
			reportDiff(entry.Name, reason)
		}
		return nil
	}

	if f.maxThreads > 1 {
		process := func(ctx context.Context, d worker.Descriptor) error {
			ci := d.CryptInfo.(archive.CryptInfo)
			view, err := r.Seek(d.SequenceID, d.Offset, ci)
			if err != nil {
				return err
			}
			defer view.CloseArchive()
			entry, body, err := view.ReadEntry()
			if err != nil {
				return err
			}
			defer body.Close()
			if !matchesFilters(entry.Name, f) {
				io.Copy(io.Discard, body)
				return nil
			}
			fullPath := filepath.Join(root, fsadapter.FromArchivePath(entry.Name))
			return compareOne(entry, body, fullPath)
		}
		dispatch := func(post func(worker.Descriptor) error) error {
			return dispatchEntries(r, f, archivePath, post)
		}
		onResult := func(d worker.Descriptor, err error) error {
			return poolOnResult(f, d, err)
		}
		if err := runEntryPool(ctx, opts.Cancel, f.maxThreads, process, dispatch, onResult); err != nil {
			return err
		}
	} else {
		for {
			_, ok, err := r.NextEntry()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			entry, body, err := r.ReadEntry()
			if err != nil {
				if err2 := logStopOrContinue(f, archivePath, err); err2 != nil {
					return err2
				}
				continue
			}
			if !matchesFilters(entry.Name, f) {
				io.Copy(io.Discard, body)
				body.Close()
				continue
			}
			fullPath := filepath.Join(root, fsadapter.FromArchivePath(entry.Name))
			err = compareOne(entry, body, fullPath)
			body.Close()
			if err != nil {
				return err
			}
		}
	}

	if differences > 0 {
		return bar.Errorf(bar.EntriesDiffer, "%d entr(ies) differ", differences)
	}
	fmt.Fprintf(os.Stdout, "no differences\n")
	return nil
}

func compareEntry(entry bar.Entry, live bar.FileInfo) (bool, string) {
	switch {
	case entry.Info.Size != live.Size && (entry.Kind == bar.KindFile || entry.Kind == bar.KindImage):
		return true, "size differs"
	case !entry.Info.MTime.Equal(live.MTime):
		return true, "mtime differs"
	case entry.Info.Mode != live.Mode:
		return true, "mode differs"
	}
	return false, ""
}

func compareContent(archived io.Reader, path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, bar.Wrap(bar.IO, "opening "+path, err)
	}
	defer f.Close()

	const bufSize = 64 * 1024
	ba, bb := make([]byte, bufSize), make([]byte, bufSize)
	for {
		na, erra := io.ReadFull(archived, ba)
		nb, errb := io.ReadFull(f, bb)
		if na != nb {
			return false, nil
		}
		if string(ba[:na]) != string(bb[:nb]) {
			return false, nil
		}
		doneA := erra == io.EOF || erra == io.ErrUnexpectedEOF
		doneB := errb == io.EOF || errb == io.ErrUnexpectedEOF
		if doneA != doneB {
			return false, nil
		}
		if doneA {
			return true, nil
		}
		if erra != nil {
			return false, bar.Wrap(bar.IO, "reading archived payload", erra)
		}
		if errb != nil {
			return false, bar.Wrap(bar.IO, "reading "+path, errb)
		}
	}
}
