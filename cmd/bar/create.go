package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/baresque/bar"
	"github.com/baresque/bar/archive"
	"github.com/baresque/bar/fsadapter"
	"golang.org/x/sys/unix"
)

type walkedFile struct {
	relPath  string
	fullPath string
	info     bar.FileInfo
	isDir    bool
	inode    inodeKey
	hasInode bool
}

type inodeKey struct{ dev, ino uint64 }

func cmdCreate(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	f := &commonFlags{}
	registerCommonFlags(fset, f)
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) != 2 {
		return usageError("create <archive-path> <root-directory>")
	}
	archivePath, root := rest[0], rest[1]

	adapter := &fsadapter.LocalAdapter{NoAtime: f.noAtime, NoCache: f.noCache}

	var files []walkedFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return logStopOrContinue(f, path, bar.Wrap(bar.IO, "walking "+path, err))
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = fsadapter.ToArchivePath(rel)
		if !matchesFilters(rel, f) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := adapter.Stat(path)
		if err != nil {
			return logStopOrContinue(f, path, err)
		}
		wf := walkedFile{relPath: rel, fullPath: path, info: info, isDir: d.IsDir()}
		if st, err := os.Lstat(path); err == nil {
			if sys, ok := st.Sys().(*unix.Stat_t); ok && !d.IsDir() {
				wf.inode = inodeKey{dev: uint64(sys.Dev), ino: sys.Ino}
				wf.hasInode = sys.Nlink > 1
			}
		}
		files = append(files, wf)
		return nil
	})
	if err != nil {
		return err
	}

	groups := map[inodeKey][]int{}
	for i, wf := range files {
		if wf.hasInode {
			groups[wf.inode] = append(groups[wf.inode], i)
		}
	}

	wopts, err := writeOptionsFromFlags(f)
	if err != nil {
		return err
	}
	w, err := archive.CreateArchive(openVolumes(archivePath), wopts)
	if err != nil {
		return err
	}

	emitted := map[inodeKey]bool{}
	for i, wf := range files {
		if wf.hasInode {
			if emitted[wf.inode] {
				continue
			}
			emitted[wf.inode] = true
			peers := groups[wf.inode]
			names := make([]string, len(peers))
			for j, idx := range peers {
				names[j] = files[idx].relPath
			}
			entry := bar.Entry{
				Kind:          bar.KindHardlink,
				Name:          wf.relPath,
				Info:          wf.info,
				HardlinkNames: names,
			}
			if err := writeOneEntry(w, adapter, entry, wf.fullPath, f); err != nil {
				return err
			}
			continue
		}

		kind := entryKind(wf, f.rawImages)
		entry := bar.Entry{Kind: kind, Name: wf.relPath, Info: wf.info}
		var fullPath string
		if kind == bar.KindFile || kind == bar.KindImage {
			fullPath = wf.fullPath
		}
		if err := writeOneEntry(w, adapter, entry, fullPath, f); err != nil {
			return err
		}
	}

	return w.CloseArchive(wopts.Signer != nil)
}

// entryKind classifies a walked path (§4.D). rawImages gates the one
// ambiguous case: a block device is ordinarily captured as a
// device-node placeholder (KindSpecial, recreated with mknod on
// restore) but with --raw-images is instead captured as a KindImage
// entry whose payload is the device's own content, read back in
// size/blockSize blocks like any other payload-bearing entry.
func entryKind(wf walkedFile, rawImages bool) bar.EntryKind {
	switch {
	case wf.isDir:
		return bar.KindDirectory
	case wf.info.LinkTarget != "":
		return bar.KindLink
	case rawImages && wf.info.Special == bar.SpecialBlockDevice:
		return bar.KindImage
	case wf.info.Special != 0:
		return bar.KindSpecial
	default:
		return bar.KindFile
	}
}

func writeOneEntry(w *archive.Writer, adapter *fsadapter.LocalAdapter, entry bar.Entry, fullPath string, f *commonFlags) error {
	if fullPath == "" {
		if err := w.WriteEntry(entry, nil); err != nil {
			return logStopOrContinue(f, entry.Name, err)
		}
		return nil
	}
	h, err := adapter.Open(fullPath)
	if err != nil {
		return logStopOrContinue(f, entry.Name, err)
	}
	defer h.Close()
	if err := w.WriteEntry(entry, h); err != nil {
		return logStopOrContinue(f, entry.Name, fmt.Errorf("writing %s: %w", entry.Name, err))
	}
	return nil
}
