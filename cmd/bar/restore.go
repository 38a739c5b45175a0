package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/baresque/bar"
	"github.com/baresque/bar/archive"
	"github.com/baresque/bar/crypt"
	"github.com/baresque/bar/fragment"
	"github.com/baresque/bar/fsadapter"
	"github.com/baresque/bar/worker"
)

func cmdRestore(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("restore", flag.ExitOnError)
	f := &commonFlags{}
	registerCommonFlags(fset, f)
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) != 2 {
		return usageError("restore <archive-path> <destination-directory>")
	}
	archivePath, dest := rest[0], rest[1]

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
	reg := fragment.New()
	var pendingMu sync.Mutex
	var pendingMeta []bar.Entry

	addPending := func(entry bar.Entry) {
		if entry.Kind == bar.KindFile || entry.Kind == bar.KindImage || entry.Kind == bar.KindHardlink {
			pendingMu.Lock()
			pendingMeta = append(pendingMeta, entry)
			pendingMu.Unlock()
		}
	}

	restoreOne := func(entry bar.Entry, body io.Reader) error {
		target := filepath.Join(dest, fsadapter.FromArchivePath(entry.Name))
		if err := restoreEntry(adapter, entry, body, dest, target, reg); err != nil {
			return err
		}
		addPending(entry)
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
			return restoreOne(entry, body)
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
				if err2 := logStopOrContinue(f, rest[0], err); err2 != nil {
					return err2
				}
				continue
			}
			if !matchesFilters(entry.Name, f) {
				io.Copy(io.Discard, body)
				body.Close()
				continue
			}

			err = restoreOne(entry, body)
			body.Close()
			if err != nil {
				if err2 := logStopOrContinue(f, entry.Name, err); err2 != nil {
					return err2
				}
				continue
			}
		}
	}

	for _, entry := range pendingMeta {
		target := filepath.Join(dest, fsadapter.FromArchivePath(entry.Name))
		if err := adapter.SetMeta(target, entry.Info); err != nil {
			if err2 := logStopOrContinue(f, entry.Name, err); err2 != nil {
				return err2
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

	return nil
}

// restoreEntry materializes one entry under target, dispatching on
// entry.Kind the way the archive's writer dispatched when it captured
// the entry (§4.C/D/E). dest is the restore root, needed to resolve
// HardlinkNames independently of target's own directory.
func restoreEntry(adapter *fsadapter.LocalAdapter, entry bar.Entry, body io.Reader, dest, target string, reg *fragment.Registry) error {
	switch entry.Kind {
	case bar.KindDirectory:
		return adapter.MakeDirectory(target, entry.Info.Mode)

	case bar.KindLink:
		io.Copy(io.Discard, body)
		return adapter.MakeLink(entry.Info.LinkTarget, target)

	case bar.KindSpecial:
		io.Copy(io.Discard, body)
		return adapter.MakeSpecial(target, entry.Info)

	case bar.KindHardlink:
		if len(entry.HardlinkNames) == 0 {
			return bar.Errorf(bar.CorruptData, "hardlink entry %q has no names", entry.Name)
		}
		first := entry.HardlinkNames[0]
		firstPath := filepath.Join(dest, fsadapter.FromArchivePath(first))
		if err := writeFragment(adapter, entry, body, firstPath, reg); err != nil {
			return err
		}
		for _, peer := range entry.HardlinkNames[1:] {
			if peer == first {
				continue
			}
			peerPath := filepath.Join(dest, fsadapter.FromArchivePath(peer))
			if err := adapter.MakeLink(firstPath, peerPath); err != nil {
				return err
			}
		}
		return nil

	default: // KindFile, KindImage
		return writeFragment(adapter, entry, body, target, reg)
	}
}

// writeFragment streams body into target at entry.FragmentOffset,
// tracking coverage in reg so a later completeness pass can detect
// gaps left by a volume that was never supplied (§4.F). reg is shared
// across concurrent workers (--max-threads): Node and Registry guard
// their own state internally.
func writeFragment(adapter *fsadapter.LocalAdapter, entry bar.Entry, body io.Reader, target string, reg *fragment.Registry) error {
	node, err := reg.FindOrCreate(entry.Key(), entry.Info.Size)
	if err != nil {
		return err
	}

	h, err := adapter.OpenFragment(target, entry.Info.Mode, entry.FragmentOffset == 0)
	if err != nil {
		return err
	}
	defer h.Close()

	if _, err := h.Seek(int64(entry.FragmentOffset), io.SeekStart); err != nil {
		return bar.Wrap(bar.IO, "seeking "+target, err)
	}
	n, err := io.Copy(h, body)
	if err != nil {
		return bar.Wrap(bar.IO, "writing "+target, err)
	}
	node.AddRange(entry.FragmentOffset, uint64(n))
	return nil
}
