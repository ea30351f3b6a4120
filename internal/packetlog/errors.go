package packetlog

import (
	"errors"
	"fmt"
)

// Validation failures reported by ReadHeader. Each is wrapped in a
// *MetadataError; compare with errors.Is.
var (
	ErrFilesizeMeasure         = errors.New("cannot measure file size")
	ErrInsufficientlyLargeFile = errors.New("file too small to be a packet log")
	ErrIncompleteLog           = errors.New("recording was interrupted before the log was finalized")
	ErrUnknownFileType         = errors.New("not a packet log")
	ErrDamagedFile             = errors.New("packet log is damaged")
	ErrTruncatedLog            = errors.New("packet log is truncated")
	ErrEmptyLog                = errors.New("packet log contains no packets")
)

// MetadataError is returned by ReadHeader when a file cannot be accepted.
type MetadataError struct {
	Path string
	// Kind is one of the Err* sentinels above.
	Kind   error
	Detail string
	Err    error
}

func (e *MetadataError) Error() string {
	msg := e.Path + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MetadataError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func metaErr(path string, kind error, err error, format string, args ...any) *MetadataError {
	return &MetadataError{Path: path, Kind: kind, Err: err, Detail: fmt.Sprintf(format, args...)}
}

// IterationError wraps any failure while reading packets from a log. The
// reader that returned it cannot be used any further.
type IterationError struct {
	File string
	Err  error
}

func (e *IterationError) Error() string {
	return fmt.Sprintf("reading packets from %s: %v", e.File, e.Err)
}

func (e *IterationError) Unwrap() error { return e.Err }
