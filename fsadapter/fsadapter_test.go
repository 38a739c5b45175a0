package fsadapter

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/baresque/bar"
)

func TestLocalAdapterFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	a := &LocalAdapter{}

	p := filepath.Join(dir, "hello.txt")
	wh, err := a.Create(p, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wh.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := wh.Close(); err != nil {
		t.Fatal(err)
	}

	exists, err := a.Exists(p)
	if err != nil || !exists {
		t.Fatalf("Exists: %v %v", exists, err)
	}

	rh, err := a.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	defer rh.Close()
	got, err := io.ReadAll(rh)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}

	info, err := a.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 5 {
		t.Fatalf("got size %d, want 5", info.Size)
	}
}

func TestLocalAdapterDirectoryAndRename(t *testing.T) {
	dir := t.TempDir()
	a := &LocalAdapter{}

	sub := filepath.Join(dir, "a", "b")
	if err := a.MakeDirectory(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(sub, "f")
	if wh, err := a.Create(p, 0o644); err != nil {
		t.Fatal(err)
	} else {
		wh.Close()
	}
	names, err := a.ListDirectory(sub)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "f" {
		t.Fatalf("got %v", names)
	}

	newp := filepath.Join(sub, "g")
	if err := a.Rename(p, newp); err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.Exists(newp); !ok {
		t.Fatal("renamed file missing")
	}
	if ok, _ := a.Exists(p); ok {
		t.Fatal("old name still present after rename")
	}
}

func TestLocalAdapterSymlink(t *testing.T) {
	dir := t.TempDir()
	a := &LocalAdapter{}

	target := filepath.Join(dir, "target")
	if wh, err := a.Create(target, 0o644); err != nil {
		t.Fatal(err)
	} else {
		wh.Close()
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	got, err := a.ReadLink(link)
	if err != nil {
		t.Fatal(err)
	}
	if got != target {
		t.Fatalf("got %q, want %q", got, target)
	}

	info, err := a.Stat(link)
	if err != nil {
		t.Fatal(err)
	}
	if info.LinkTarget != target {
		t.Fatalf("Stat LinkTarget = %q, want %q", info.LinkTarget, target)
	}
}

func TestLocalAdapterHardlink(t *testing.T) {
	dir := t.TempDir()
	a := &LocalAdapter{}

	p := filepath.Join(dir, "orig")
	if wh, err := a.Create(p, 0o644); err != nil {
		t.Fatal(err)
	} else {
		wh.Write([]byte("x"))
		wh.Close()
	}
	peer := filepath.Join(dir, "peer")
	if err := a.MakeLink(p, peer); err != nil {
		t.Fatal(err)
	}
	info, err := a.Stat(peer)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 1 {
		t.Fatalf("got size %d, want 1", info.Size)
	}
}

func TestLocalAdapterMissingFileErrorKind(t *testing.T) {
	dir := t.TempDir()
	a := &LocalAdapter{}
	_, err := a.Open(filepath.Join(dir, "nope"))
	if bar.KindOf(err) != bar.FileNotFound {
		t.Fatalf("got %v, want FILE_NOT_FOUND", err)
	}
}

func TestLocalAdapterSetMeta(t *testing.T) {
	dir := t.TempDir()
	a := &LocalAdapter{}
	p := filepath.Join(dir, "f")
	if wh, err := a.Create(p, 0o644); err != nil {
		t.Fatal(err)
	} else {
		wh.Close()
	}
	info, err := a.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	info.Mode = 0o600
	if err := a.SetMeta(p, info); err != nil {
		t.Fatal(err)
	}
	got, err := a.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != 0o600 {
		t.Fatalf("got mode %o, want 0600", got.Mode)
	}
}

func TestLocalAdapterGetFileSystemInfo(t *testing.T) {
	dir := t.TempDir()
	a := &LocalAdapter{}
	fsi, err := a.GetFileSystemInfo(dir)
	if err != nil {
		t.Fatal(err)
	}
	if fsi.BlockSize == 0 {
		t.Fatal("got zero block size")
	}
}

func TestToArchivePath(t *testing.T) {
	if got := ToArchivePath(filepath.Join("a", "b", "c")); got != "a/b/c" {
		t.Fatalf("got %q", got)
	}
}
