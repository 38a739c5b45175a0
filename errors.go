package bar

import "golang.org/x/xerrors"

// Kind identifies one of the closed set of error conditions the
// archive engine can report. Callers switch on Kind rather than on
// error strings; the taxonomy is closed by design (§7 of the
// specification this package implements).
type Kind int

const (
	_ Kind = iota
	IO
	CorruptData
	UnknownChunk
	UnsupportedVersion
	WrongPassword
	NoPublicSignatureKey
	InvalidSignature
	DecryptFail
	DeflateFail
	InflateFail
	DeltaSourceNotFound
	EntriesDiffer
	EntryIncomplete
	EntrySizeMismatch
	WrongEntryType
	FileNotFound
	PermissionDenied
	InvalidDeviceBlockSize
	EndOfFile
	EndOfArchive
	InsufficientMemory
	Aborted
	FunctionNotSupported
	Timeout
	Internal
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO"
	case CorruptData:
		return "CORRUPT_DATA"
	case UnknownChunk:
		return "UNKNOWN_CHUNK"
	case UnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case WrongPassword:
		return "WRONG_PASSWORD"
	case NoPublicSignatureKey:
		return "NO_PUBLIC_SIGNATURE_KEY"
	case InvalidSignature:
		return "INVALID_SIGNATURE"
	case DecryptFail:
		return "DECRYPT_FAIL"
	case DeflateFail:
		return "DEFLATE_FAIL"
	case InflateFail:
		return "INFLATE_FAIL"
	case DeltaSourceNotFound:
		return "DELTA_SOURCE_NOT_FOUND"
	case EntriesDiffer:
		return "ENTRIES_DIFFER"
	case EntryIncomplete:
		return "ENTRY_INCOMPLETE"
	case EntrySizeMismatch:
		return "ENTRY_SIZE_MISMATCH"
	case WrongEntryType:
		return "WRONG_ENTRY_TYPE"
	case FileNotFound:
		return "FILE_NOT_FOUND"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	case InvalidDeviceBlockSize:
		return "INVALID_DEVICE_BLOCK_SIZE"
	case EndOfFile:
		return "END_OF_FILE"
	case EndOfArchive:
		return "END_OF_ARCHIVE"
	case InsufficientMemory:
		return "INSUFFICIENT_MEMORY"
	case Aborted:
		return "ABORTED"
	case FunctionNotSupported:
		return "FUNCTION_NOT_SUPPORTED"
	case Timeout:
		return "TIMEOUT"
	case Internal:
		return "INTERNAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type returned across package
// boundaries in bar. Kind is stable API; Msg and the wrapped cause
// are for humans.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// callers can write errors.Is(err, bar.Errorf(bar.CorruptData, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds an *Error, wrapping cause (if non-nil) with
// xerrors.Errorf in the same %w-annotated style the rest of this
// module uses for plain propagation.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: xerrors.Errorf(format, args...).Error()}
}

// Wrap attaches kind to an underlying error from a collaborator
// (storage adapter, compressor, …), preserving it for errors.As/Is.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error,
// and Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
