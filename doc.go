// Package bar implements the core archive engine of bar, a backup
// archiver: the on-disk container format, the per-entry streaming
// pipeline (delta, byte compression, encryption, chunk framing), the
// fragment bookkeeping that reconciles multi-part entries, and the
// worker pool used to compare and restore entries in parallel.
//
// Argument parsing, traversal, logging/progress reporting, remote
// storage transports and volume-changer scripting are intentionally
// not part of this package; see the fsadapter.StorageAdapter and
// related collaborator interfaces for the seams where those live.
package bar
