package main

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/baresque/bar"
	"github.com/baresque/bar/archive"
	"github.com/baresque/bar/compress"
	"github.com/baresque/bar/crypt"
)

// commonFlags holds the subset of §6's CLI surface shared by every
// verb that opens or creates an archive.
type commonFlags struct {
	byteAlgorithm  string
	cryptAlgorithm string
	cryptPassword  string
	partSize       string
	include        stringListFlag
	exclude        stringListFlag
	skipVerify     bool
	forceVerify    bool
	noFragmentsCheck bool
	noStopOnError  bool
	noCache        bool
	noAtime        bool
	maxThreads     int
	tmpDirectory   string
	rawImages      bool
	cryptPublicKey  string
	cryptPrivateKey string
}

// stringListFlag accumulates repeated -include/-exclude flags.
type stringListFlag []string

func (f *stringListFlag) String() string { return strings.Join(*f, ",") }
func (f *stringListFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func parseByteAlgorithm(s string) (compress.ByteAlgorithm, error) {
	switch s {
	case "", "none":
		return compress.ByteNone, nil
	case "zip":
		return compress.ByteZip, nil
	case "bzip2":
		return compress.ByteBzip2, nil
	case "lzma":
		return compress.ByteLZMA, nil
	case "zstd":
		return compress.ByteZstd, nil
	default:
		return 0, bar.Errorf(bar.CorruptData, "unknown --compress-algorithm %q", s)
	}
}

func parseCryptAlgorithm(s string) (crypt.Algorithm, error) {
	switch s {
	case "", "none":
		return crypt.None, nil
	case "aes128-ctr":
		return crypt.AES128CTR, nil
	case "aes256-ctr":
		return crypt.AES256CTR, nil
	case "twofish256-ctr":
		return crypt.Twofish256CTR, nil
	case "blowfish-cbc":
		return crypt.BlowfishCBC, nil
	default:
		return 0, bar.Errorf(bar.CorruptData, "unknown --crypt-algorithm %q", s)
	}
}

// resolvePassword returns explicit, falling back to $BAR_PASSWORD
// (§6's environment variable), and finally an empty string. Nothing
// prompts for a password; callers use the empty string as given.
func resolvePassword(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return os.Getenv("BAR_PASSWORD")
}

// parsePartSize parses a plain byte count or a k/m/g-suffixed size
// for --archive-part-size, mirroring config's unit-suffix parsing
// without pulling in the whole descriptor-table machinery for one
// flag.
func parsePartSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	mult := int64(1)
	switch suffix := s[len(s)-1]; suffix {
	case 'k', 'K':
		mult, s = 1024, s[:len(s)-1]
	case 'm', 'M':
		mult, s = 1024*1024, s[:len(s)-1]
	case 'g', 'G':
		mult, s = 1024*1024*1024, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, bar.Wrap(bar.CorruptData, "parsing --archive-part-size "+strconv.Quote(s), err)
	}
	return n * mult, nil
}

// loadPublicKey reads a PEM-encoded PKIX RSA public key from path, for
// --crypt-public-key (§6). PEM/X.509 parsing is boundary code over a
// user-supplied key file; none of the pack's crypto libraries parse
// key material, so this stays on the standard library (see
// DESIGN.md).
func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, bar.Wrap(bar.CorruptData, "parsing --crypt-public-key "+path, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, bar.Errorf(bar.CorruptData, "--crypt-public-key %s is not an RSA public key", path)
	}
	return rsaPub, nil
}

// loadPrivateKey reads a PEM-encoded PKCS#1 or PKCS#8 RSA private key
// from path, for --crypt-private-key: the counterpart needed to open
// an archive CreateArchive wrote under --crypt-public-key, since
// unwrapping the KEY envelope takes the private half.
func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return nil, nil
	}
	block, err := readPEMBlock(path)
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, bar.Wrap(bar.CorruptData, "parsing --crypt-private-key "+path, err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, bar.Errorf(bar.CorruptData, "--crypt-private-key %s is not an RSA private key", path)
	}
	return rsaKey, nil
}

func readPEMBlock(path string) (*pem.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, bar.Wrap(bar.IO, "reading "+path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, bar.Errorf(bar.CorruptData, "%s does not contain a PEM block", path)
	}
	return block, nil
}

// openVolumes resolves an archive path argument to a VolumeProvider:
// DirVolumes rooted at the path's directory with the path's base name
// as pattern, so a single-volume archive is just the plain file and a
// split archive gets ".NNN" suffixes appended by DirVolumes itself.
func openVolumes(path string) archive.VolumeProvider {
	return archive.DirVolumes{Dir: filepath.Dir(path), Pattern: filepath.Base(path)}
}

func interactivePasswordCallback(f *commonFlags) archive.PasswordCallback {
	password := resolvePassword(f.cryptPassword)
	tried := false
	return func(purpose string, retry bool) (string, bool) {
		if !tried {
			tried = true
			return password, true
		}
		// A non-interactive CLI invocation offers the configured
		// password exactly once; a real terminal prompt is left to
		// an interactive wrapper, matching the "invoked at most once
		// per (purpose, archive)" contract when no terminal is
		// attached.
		return "", false
	}
}

func readOptionsFromFlags(f *commonFlags) (archive.ReadOptions, error) {
	calg, err := parseCryptAlgorithm(f.cryptAlgorithm)
	if err != nil {
		return archive.ReadOptions{}, err
	}
	priv, err := loadPrivateKey(f.cryptPrivateKey)
	if err != nil {
		return archive.ReadOptions{}, err
	}
	return archive.ReadOptions{
		CryptAlgorithm:        calg,
		PasswordCallback:      interactivePasswordCallback(f),
		PrivateKey:            priv,
		SkipUnknownChunks:     true,
		ForceVerifySignatures: f.forceVerify,
		SkipVerifySignatures:  f.skipVerify,
	}, nil
}

func writeOptionsFromFlags(f *commonFlags) (archive.WriteOptions, error) {
	balg, err := parseByteAlgorithm(f.byteAlgorithm)
	if err != nil {
		return archive.WriteOptions{}, err
	}
	calg, err := parseCryptAlgorithm(f.cryptAlgorithm)
	if err != nil {
		return archive.WriteOptions{}, err
	}
	partSize, err := parsePartSize(f.partSize)
	if err != nil {
		return archive.WriteOptions{}, err
	}
	pub, err := loadPublicKey(f.cryptPublicKey)
	if err != nil {
		return archive.WriteOptions{}, err
	}
	password := ""
	if pub == nil {
		password = resolvePassword(f.cryptPassword)
	}
	return archive.WriteOptions{
		ByteAlgorithm:  balg,
		CryptAlgorithm: calg,
		Password:       password,
		PublicKey:      pub,
		PartSize:       partSize,
		TmpDir:         f.tmpDirectory,
	}, nil
}

// matchesFilters reports whether name passes --include/--exclude.
// Flag order does not matter and any matching exclude wins: a name
// must match some include (or no includes were given) and no exclude
// to be selected.
func matchesFilters(name string, f *commonFlags) bool {
	if len(f.include) > 0 {
		matched := false
		for _, pat := range f.include {
			if ok, _ := filepath.Match(pat, name); ok {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, pat := range f.exclude {
		if ok, _ := filepath.Match(pat, name); ok {
			return false
		}
	}
	return true
}

// registerCommonFlags wires up §6's shared flag surface on fset,
// matching cmd/distri/pack.go's per-verb flag.NewFlagSet convention.
func registerCommonFlags(fset *flag.FlagSet, f *commonFlags) {
	fset.StringVar(&f.byteAlgorithm, "compress-algorithm", "none", "byte compressor: none, zip, bzip2, lzma, zstd")
	fset.StringVar(&f.cryptAlgorithm, "crypt-algorithm", "none", "cipher: none, aes128-ctr, aes256-ctr, twofish256-ctr, blowfish-cbc")
	fset.StringVar(&f.cryptPassword, "crypt-password", "", "password (or set $BAR_PASSWORD)")
	fset.StringVar(&f.cryptPublicKey, "crypt-public-key", "", "PEM-encoded RSA public key file for public-key mode (create); mutually exclusive with --crypt-password")
	fset.StringVar(&f.cryptPrivateKey, "crypt-private-key", "", "PEM-encoded RSA private key file to unwrap a public-key-mode archive (list/compare/test/restore/convert)")
	fset.StringVar(&f.partSize, "archive-part-size", "", "split into volumes of this size (accepts k/m/g suffix)")
	fset.Var(&f.include, "include", "glob pattern to include (repeatable)")
	fset.Var(&f.exclude, "exclude", "glob pattern to exclude (repeatable)")
	fset.BoolVar(&f.skipVerify, "skip-verify-signatures", false, "don't verify SIGN chunks")
	fset.BoolVar(&f.forceVerify, "force-verify-signatures", false, "fail if no public key is available to verify signatures")
	fset.BoolVar(&f.noFragmentsCheck, "no-fragments-check", false, "don't fail restore/compare on incomplete fragment coverage")
	fset.BoolVar(&f.noStopOnError, "no-stop-on-error", false, "log per-entry errors and continue instead of aborting")
	fset.BoolVar(&f.noCache, "no-cache", false, "drop page-cache pages behind streaming reads")
	fset.BoolVar(&f.noAtime, "no-atime", false, "preserve access time on source files read during create")
	fset.IntVar(&f.maxThreads, "max-threads", 0, "worker thread count (0: sequential, no pool)")
	fset.StringVar(&f.tmpDirectory, "tmp-directory", "", "directory for temporary files (defaults to $TMPDIR)")
	fset.BoolVar(&f.rawImages, "raw-images", false, "capture block devices as raw KindImage entries instead of device-node placeholders")
}

func logStopOrContinue(f *commonFlags, name string, err error) error {
	if f.noStopOnError {
		fmt.Fprintf(os.Stderr, "bar: %s: %v\n", name, err)
		return nil
	}
	return err
}
