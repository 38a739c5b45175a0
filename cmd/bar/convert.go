package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/baresque/bar"
	"github.com/baresque/bar/archive"
	"github.com/baresque/bar/fragment"
)

// cmdConvert rewrites an archive under a different compress/crypt
// configuration: every entry is read from the source, unmodified
// except for the destination's own byte-compression and encryption,
// and streamed straight into the new archive's writer.
//
// The destination Writer always starts a payload-bearing entry at
// fragment offset 0 and splits it into volumes on its own terms, so a
// source entry that arrived split across the source's volumes (§4.F)
// must be reassembled in full before it can be handed to WriteEntry;
// reassembly buffers those few split entries in memory by name.
func cmdConvert(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("convert", flag.ExitOnError)
	src := &commonFlags{}
	registerCommonFlags(fset, src)
	dstAlgorithm := fset.String("to-compress-algorithm", "none", "destination byte compressor: none, zip, bzip2, lzma, zstd")
	dstCrypt := fset.String("to-crypt-algorithm", "none", "destination cipher: none, aes128-ctr, aes256-ctr, twofish256-ctr, blowfish-cbc")
	dstPassword := fset.String("to-crypt-password", "", "destination password (or set $BAR_PASSWORD)")
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) != 2 {
		return usageError("convert <source-archive> <destination-archive>")
	}
	srcPath, dstPath := rest[0], rest[1]

	ropts, err := readOptionsFromFlags(src)
	if err != nil {
		return err
	}
	r, err := archive.OpenArchive(openVolumes(srcPath), ropts)
	if err != nil {
		return err
	}
	defer r.CloseArchive()

	balg, err := parseByteAlgorithm(*dstAlgorithm)
	if err != nil {
		return err
	}
	calg, err := parseCryptAlgorithm(*dstCrypt)
	if err != nil {
		return err
	}
	partSize, err := parsePartSize(src.partSize)
	if err != nil {
		return err
	}
	wopts := archive.WriteOptions{
		ByteAlgorithm:  balg,
		CryptAlgorithm: calg,
		Password:       resolvePassword(*dstPassword),
		PartSize:       partSize,
	}
	w, err := archive.CreateArchive(openVolumes(dstPath), wopts)
	if err != nil {
		return err
	}

	reg := fragment.New()
	pending := map[string]*pendingConvert{}
	count := 0

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
			if err2 := logStopOrContinue(src, srcPath, err); err2 != nil {
				return err2
			}
			continue
		}

		if !hasConvertPayload(entry.Kind) {
			io.Copy(io.Discard, body)
			body.Close()
			entry.FragmentOffset, entry.FragmentSize = 0, entry.Info.Size
			if err := w.WriteEntry(entry, nil); err != nil {
				return err
			}
			count++
			continue
		}

		if entry.Complete() {
			entry.FragmentOffset = 0
			werr := w.WriteEntry(entry, body)
			body.Close()
			if werr != nil {
				return werr
			}
			count++
			continue
		}

		key := entry.Key()
		pc, ok := pending[key]
		if !ok {
			pc = &pendingConvert{entry: entry, buf: make([]byte, entry.Info.Size)}
			pending[key] = pc
		}
		_, rerr := io.ReadFull(body, pc.buf[entry.FragmentOffset:entry.FragmentOffset+entry.FragmentSize])
		body.Close()
		if rerr != nil {
			return bar.Wrap(bar.IO, "reassembling "+entry.Name, rerr)
		}
		node, err := reg.FindOrCreate(key, entry.Info.Size)
		if err != nil {
			return err
		}
		node.AddRange(entry.FragmentOffset, entry.FragmentSize)
		if node.IsComplete() {
			delete(pending, key)
			pc.entry.FragmentOffset, pc.entry.FragmentSize = 0, pc.entry.Info.Size
			if err := w.WriteEntry(pc.entry, bytes.NewReader(pc.buf)); err != nil {
				return err
			}
			count++
		}
	}

	if len(pending) > 0 {
		for name := range pending {
			fmt.Fprintf(os.Stderr, "bar: %s: never completed, dropped from destination\n", name)
		}
	}

	if err := w.CloseArchive(wopts.Signer != nil); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%d entries converted\n", count)
	return nil
}

type pendingConvert struct {
	entry bar.Entry
	buf   []byte
}

func hasConvertPayload(kind bar.EntryKind) bool {
	switch kind {
	case bar.KindFile, bar.KindImage, bar.KindHardlink:
		return true
	default:
		return false
	}
}
