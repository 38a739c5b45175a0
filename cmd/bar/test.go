package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/baresque/bar"
	"github.com/baresque/bar/archive"
	"github.com/baresque/bar/crypt"
	"github.com/baresque/bar/fragment"
	"github.com/baresque/bar/worker"
)

func cmdTest(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("test", flag.ExitOnError)
	f := &commonFlags{}
	registerCommonFlags(fset, f)
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) != 1 {
		return usageError("test <archive-path>")
	}

	opts, err := readOptionsFromFlags(f)
	if err != nil {
		return err
	}
	r, err := archive.OpenArchive(openVolumes(rest[0]), opts)
	if err != nil {
		return err
	}
	defer r.CloseArchive()

	reg := fragment.New()
	var count int64

	testOne := func(entry bar.Entry, body io.Reader) error {
		if _, err := io.Copy(io.Discard, body); err != nil {
			return err
		}
		node, err := reg.FindOrCreate(entry.Key(), entry.Info.Size)
		if err != nil {
			return err
		}
		node.AddRange(entry.FragmentOffset, entry.FragmentSize)
		atomic.AddInt64(&count, 1)
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
			return testOne(entry, body)
		}
		dispatch := func(post func(worker.Descriptor) error) error {
			return dispatchEntries(r, f, rest[0], post)
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
				if err2 := logStopOrContinue(f, rest[0], err); err2 != nil {
					return err2
				}
				continue
			}
			err = testOne(entry, body)
			body.Close()
			if err != nil {
				if err2 := logStopOrContinue(f, entry.Name, err); err2 != nil {
					return err2
				}
				continue
			}
		}
	}

	if !f.skipVerify {
		if state := r.VerifySignatures(); state != crypt.StateOK && state != crypt.StateSkipped {
			return bar.Errorf(bar.InvalidSignature, "signature verification failed: %v", state)
		}
	}

	if !f.noFragmentsCheck {
		var incomplete int
		reg.Each(func(n *fragment.Node) {
			if !n.IsComplete() {
				incomplete++
				fmt.Fprintf(os.Stderr, "bar: %s: incomplete, uncovered ranges %v\n", n.Name(), n.Uncovered())
			}
		})
		if incomplete > 0 {
			return bar.Errorf(bar.EntryIncomplete, "%d entr(ies) incomplete", incomplete)
		}
	}

	fmt.Fprintf(os.Stdout, "%d entries ok\n", count)
	return nil
}
