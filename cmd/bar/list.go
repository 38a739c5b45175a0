package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/baresque/bar/archive"
)

func cmdList(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("list", flag.ExitOnError)
	f := &commonFlags{}
	registerCommonFlags(fset, f)
	fset.Parse(args)
	rest := fset.Args()
	if len(rest) != 1 {
		return usageError("list <archive-path>")
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
			return err
		}
		_, copyErr := io.Copy(io.Discard, body)
		if err := body.Close(); err != nil && copyErr == nil {
			copyErr = err
		}
		if copyErr != nil {
			return copyErr
		}
		fmt.Fprintf(os.Stdout, "%s\t%10d\t%s\n", entry.Kind, entry.Info.Size, entry.Name)
	}
	return nil
}

func usageError(syntax string) error {
	fmt.Fprintf(os.Stderr, "usage: bar %s\n", syntax)
	os.Exit(exitInvalidUsage)
	return nil
}
