// Package wal implements the write-ahead log: page-sized frames with
// per-frame checksums and session salts, commit markers, crash
// recovery, and checkpointing back into the main file.
package wal

import "errors"

var (
	// ErrCorrupted indicates a frame that failed its CRC check.
	ErrCorrupted = errors.New("wal: corrupted frame")

	// ErrSaltMismatch indicates a frame from an earlier log generation.
	ErrSaltMismatch = errors.New("wal: salt mismatch")

	// ErrTruncated indicates a frame cut short by the end of the file.
	ErrTruncated = errors.New("wal: truncated frame")

	// ErrLogClosed indicates an operation on a closed log.
	ErrLogClosed = errors.New("wal: log closed")
)
