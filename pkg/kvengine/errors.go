package kvengine

import (
	"errors"
	"fmt"
	"time"

	"github.com/smoyergh/hsekv/pkg/elog"
)

// ErrWriteConflict is the transient-conflict category of spec §7.1: an
// optimistic commit detected a conflicting writer. The host's retry loop
// catches and retries it. Inside the engine, capped-store reclamation
// abandons its pass on it, oplog reclamation logs it and defers the
// pass, and cursor creation retries it with backoff.
var ErrWriteConflict = errors.New("hsekv: write conflict")

// ErrDuplicateKey is returned by a unique index insert when the key
// already exists under a different record id and duplicates are not
// allowed (spec §4.6, §7.3).
var ErrDuplicateKey = errors.New("hsekv: duplicate key")

// ErrKeyTooLong is returned when an index key exceeds the configured
// maximum (spec §7.4).
var ErrKeyTooLong = errors.New("hsekv: index key too long")

// ErrFixedLengthUpdate is returned when an oplog update would change a
// record's length; oplog updates must be fixed-length (spec §7.5).
var ErrFixedLengthUpdate = errors.New("hsekv: oplog update changed record length")

// ErrIdentNotFound is returned when an operation names an ident that
// was never created, or was already dropped.
var ErrIdentNotFound = errors.New("hsekv: ident not found")

// FatalError wraps an invariant violation (spec §7.2): a value expected
// to exist is missing, a chunk count mismatch, a corrupt metadata blob.
// The functions that detect one (value decoding, record and oplog
// lookups, ident-config loading at Open) return it as an ordinary error; the process terminates only
// where Crash is called.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hsekv: fatal invariant violation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("hsekv: fatal invariant violation: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// fatalFlushDelay is how long Crash sleeps before logging and exiting,
// giving buffered log sinks a chance to flush (spec §7.2).
const fatalFlushDelay = 50 * time.Millisecond

// Crash reports an invariant violation and terminates the process. It
// never returns. Callers use it exactly where spec §7.2 requires a
// crash rather than an unwind: corrupt metadata, missing chunks,
// impossible counter states.
func Crash(reason string, err error) {
	fe := &FatalError{Reason: reason, Err: err}
	elog.Logger.Error().Err(fe).Msg("invariant violation, crashing")
	elog.FatalAfterDelay(fe.Error(), fatalFlushDelay)
}
