// Package enginerr defines the engine's error kinds and propagation
// helpers. Errors of a named kind wrap one of these sentinels so callers
// can branch on kind with errors.Is/errors.Cause while still getting a
// wrapped, contextual message; programmer errors such as an unknown
// transaction or page id are plain errors with no sentinel.
package enginerr

import "github.com/pkg/errors"

var (
	// ErrDuplicateRowID: insert of a row_id already present in the index.
	ErrDuplicateRowID = errors.New("DUPLICATE_ROW_ID")
	// ErrMissing: read/update/delete of an absent row_id.
	ErrMissing = errors.New("MISSING")
	// ErrLockTimeout: lock wait exceeded the configured timeout.
	ErrLockTimeout = errors.New("LOCK_TIMEOUT")
	// ErrBufferExhausted: every buffer frame is pinned; fetch cannot proceed.
	ErrBufferExhausted = errors.New("BUFFER_EXHAUSTED")
	// ErrIOError: the disk store failed a read, write, or flush.
	ErrIOError = errors.New("IO_ERROR")
	// ErrCorruptLog: a persisted redo log, index, or double-write blob
	// failed to decode.
	ErrCorruptLog = errors.New("CORRUPT_LOG")
	// ErrCorruptPage: a page blob failed to decode.
	ErrCorruptPage = errors.New("CORRUPT_PAGE")
	// ErrPageAllocFailed: the buffer pool could not allocate a fresh page.
	ErrPageAllocFailed = errors.New("PAGE_ALLOC_FAILED")
	// ErrInvalidTxState: an operation was attempted against a transaction
	// not in the state it requires (programmer error).
	ErrInvalidTxState = errors.New("invalid transaction state")
)

// Is reports whether err wraps target anywhere in its cause chain.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Wrap attaches context to err while preserving its cause chain, so
// errors.Is against one of the sentinels above still succeeds.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is Wrap with a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}
