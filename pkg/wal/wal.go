//go:build linux

// Package wal implements a crash-durable write-ahead log that mirrors
// every record to two files, intended to live on distinct physical
// devices so that a latent sector error on one device never loses an
// acknowledged record.
//
// The write path is asynchronous: Append encodes the record into two
// direct-I/O buffers and queues a write→fsync chain per file on an
// io_uring; Flush blocks until every in-flight record is durable on both
// files. Replay surfaces the records reconciled from both files at Open.
//
// A WAL is a single-writer resource. Append, Flush, Replay, and Close
// must not be called concurrently; a caller that needs concurrent access
// serializes through its own mutex or a dedicated writer goroutine.
package wal

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"

	"github.com/marmos91/duowal/internal/logger"
	"github.com/marmos91/duowal/pkg/record"
	"github.com/marmos91/duowal/pkg/uring"
)

// DefaultRingEntries is the submission queue depth used when Config
// leaves RingEntries zero. Each append queues four entries (two
// write→fsync chains) and submits them to the kernel immediately.
const DefaultRingEntries = 128

// Config configures a WAL instance.
type Config struct {
	// PrimaryPath and SecondaryPath are the two log files. Durability
	// against latent sector errors holds only when they reside on
	// distinct physical devices; the WAL does not enforce this.
	PrimaryPath   string
	SecondaryPath string

	// RingEntries is the io_uring submission queue depth. Defaults to
	// DefaultRingEntries when zero.
	RingEntries uint32

	// VerifyReads enables post-fsync read-back verification: after both
	// fsyncs complete, the record is read back from each file and checked
	// against what was written before the operation completes.
	VerifyReads bool

	// Metrics receives instrumentation events. Nil disables metrics with
	// zero overhead.
	Metrics Metrics
}

func (c *Config) validate() error {
	if c.PrimaryPath == "" || c.SecondaryPath == "" {
		return errors.New("both log paths are required")
	}
	if c.PrimaryPath == c.SecondaryPath {
		return errors.New("primary and secondary paths must differ")
	}
	return nil
}

// WAL is a dual-file write-ahead log. See the package documentation for
// the concurrency contract.
type WAL struct {
	cfg Config

	primary   *os.File
	secondary *os.File
	ring      *uring.Ring

	nextSequence uint64
	writeOffset  int64
	pending      []*pendingOp

	state     RecoveryState
	recovered []record.Record

	poisoned bool
	closed   bool
}

// Open opens (creating if needed) both log files, reconciles their
// contents, and returns a WAL positioned after the last durable record.
func Open(cfg Config) (*WAL, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RingEntries == 0 {
		cfg.RingEntries = DefaultRingEntries
	}

	state, recovered, err := recoverLogs(cfg.PrimaryPath, cfg.SecondaryPath)
	if err != nil {
		return nil, err
	}

	primary, err := openLogFile(cfg.PrimaryPath)
	if err != nil {
		return nil, err
	}
	secondary, err := openLogFile(cfg.SecondaryPath)
	if err != nil {
		primary.Close()
		return nil, err
	}

	ring, err := uring.New(cfg.RingEntries)
	if err != nil {
		primary.Close()
		secondary.Close()
		return nil, fmt.Errorf("create ring: %w", err)
	}

	w := &WAL{
		cfg:          cfg,
		primary:      primary,
		secondary:    secondary,
		ring:         ring,
		nextSequence: state.HighestSequence + 1,
		writeOffset:  state.NextWriteOffset,
		state:        state,
		recovered:    recovered,
	}

	if cfg.Metrics != nil {
		cfg.Metrics.ObserveRecovery(state.ValidRecordCount, state.NextWriteOffset)
	}
	logger.Info("WAL opened",
		"primary", cfg.PrimaryPath,
		"secondary", cfg.SecondaryPath,
		"highest_sequence", state.HighestSequence,
		"write_offset", state.NextWriteOffset,
		"verify_reads", cfg.VerifyReads)

	return w, nil
}

// openLogFile opens a log file for direct synchronous writes. Filesystems
// without O_DIRECT support (EINVAL) fall back to O_DSYNC only.
func openLogFile(path string) (*os.File, error) {
	f, err := directio.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_DSYNC, 0o644)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, unix.EINVAL) {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	logger.Debug("O_DIRECT unsupported, falling back to O_DSYNC", "path", path)
	f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|unix.O_DSYNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Append assigns the next sequence to payload and queues it for durable
// mirrored writes at the current write offset. The returned sequence is a
// reservation, not a durability guarantee: the record is durable only
// once a subsequent Flush returns nil.
//
// All allocations and ring capacity checks happen before the sequence is
// consumed, so an Append that fails on them leaves the WAL exactly as it
// was. A failure while queueing the secondary chain or submitting to the
// ring poisons the WAL. No failed Append consumes a sequence.
func (w *WAL) Append(payload []byte) (uint64, error) {
	if w.closed {
		return 0, ErrClosed
	}
	if w.poisoned {
		return 0, ErrPoisoned
	}

	sequence := w.nextSequence
	if sequence > uring.MaxSequence {
		return 0, fmt.Errorf("sequence space exhausted at %d", sequence)
	}

	primary, err := record.Encode(sequence, payload)
	if err != nil {
		return 0, err
	}
	paddedSize := len(primary)

	// The secondary copy is a memcpy of the encoded primary buffer, which
	// avoids recomputing the checksum.
	secondary := directio.AlignedBlock(paddedSize)
	copy(secondary, primary)

	var verify []byte
	if w.cfg.VerifyReads {
		verify = directio.AlignedBlock(paddedSize)
	}

	// Each append needs four submission slots; reserve them before any
	// SQE is pushed so the two chains are queued all-or-nothing.
	if w.ring.SQSpace() < 4 {
		return 0, uring.ErrRingFull
	}

	op := &pendingOp{
		sequence:    sequence,
		offset:      w.writeOffset,
		primary:     primary,
		secondary:   secondary,
		verify:      verify,
		outstanding: 4,
		stage:       stageWriting,
	}

	if err := w.ring.SubmitWriteChain(int(w.primary.Fd()), op.primary, op.offset,
		sequence, uring.TagPrimaryWrite, uring.TagPrimaryFsync); err != nil {
		return 0, err
	}
	if err := w.ring.SubmitWriteChain(int(w.secondary.Fd()), op.secondary, op.offset,
		sequence, uring.TagSecondaryWrite, uring.TagSecondaryFsync); err != nil {
		// The primary chain is already queued; the WAL can no longer
		// guarantee mirrored submission order.
		w.poisoned = true
		return 0, err
	}

	w.pending = append(w.pending, op)

	if _, err := w.ring.Submit(); err != nil {
		w.poisoned = true
		return 0, fmt.Errorf("submit append %d: %w", sequence, err)
	}

	w.nextSequence++
	w.writeOffset += int64(paddedSize)

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.ObserveAppend(paddedSize)
	}

	return sequence, nil
}

// Flush blocks until every pending record is durable on both files (and,
// when read-back verification is enabled, read back and matched). Any
// in-flight failure poisons the WAL and surfaces ErrOperationFailed; the
// remedy is Close followed by a fresh Open.
func (w *WAL) Flush() error {
	if w.closed {
		return ErrClosed
	}
	if w.poisoned {
		return ErrPoisoned
	}

	start := time.Now()
	drained := 0

	for len(w.pending) > 0 {
		if _, err := w.ring.SubmitAndWait(1); err != nil {
			w.poisoned = true
			return err
		}
		if _, err := w.ring.Drain(w.applyCompletion); err != nil {
			w.poisoned = true
			return err
		}

		var failed *pendingOp
		kept := w.pending[:0]
		for _, op := range w.pending {
			switch op.stage {
			case stageCompleted:
				op.release()
				drained++
			default:
				if op.stage == stageFailed && failed == nil {
					failed = op
				}
				// Failed ops stay in the table: the kernel may still hold
				// their buffers, and Close drains them before teardown.
				kept = append(kept, op)
			}
		}
		// Drop released tail references so completed ops become collectable.
		for i := len(kept); i < len(w.pending); i++ {
			w.pending[i] = nil
		}
		w.pending = kept

		if failed != nil {
			w.poisoned = true
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.IncFlushFailure()
			}
			logger.Error("record failed durability",
				"sequence", failed.sequence, "error", failed.err)
			return fmt.Errorf("%w: sequence %d: %v", ErrOperationFailed, failed.sequence, failed.err)
		}
	}

	if w.cfg.Metrics != nil {
		w.cfg.Metrics.ObserveFlush(drained, time.Since(start))
	}

	return nil
}

// applyCompletion is the per-tag state machine invoked by ring.Drain for
// every harvested completion.
func (w *WAL) applyCompletion(sequence uint64, tag uring.Tag, res int32) error {
	op := w.findPending(sequence)
	if op == nil {
		return fmt.Errorf("%w: sequence %d tag %s", ErrUnknownSequence, sequence, tag)
	}
	op.outstanding--

	if res < 0 {
		op.stage = stageFailed
		op.err = fmt.Errorf("%s: %w", tag, unix.Errno(-res))
		return nil
	}

	switch tag {
	case uring.TagPrimaryWrite, uring.TagSecondaryWrite:
		// The linked fsync is still in flight; no stage change.

	case uring.TagPrimaryFsync:
		op.primarySynced = true
		return w.maybeComplete(op)

	case uring.TagSecondaryFsync:
		op.secondarySynced = true
		return w.maybeComplete(op)

	case uring.TagPrimaryVerify:
		if !w.checkVerifyRead(op, res, uring.TagPrimaryVerify) {
			return nil
		}
		// The primary copy checked out; read back the secondary into the
		// same buffer.
		if err := w.ring.SubmitVerifyRead(int(w.secondary.Fd()), op.verify, op.offset,
			op.sequence, uring.TagSecondaryVerify); err != nil {
			return err
		}
		op.outstanding++

	case uring.TagSecondaryVerify:
		if !w.checkVerifyRead(op, res, uring.TagSecondaryVerify) {
			return nil
		}
		op.stage = stageCompleted

	default:
		return fmt.Errorf("completion with unknown tag %d for sequence %d", tag, sequence)
	}

	return nil
}

// maybeComplete advances an op once an fsync completion lands: completed
// when both files are synced, or on to read-back verification when that
// mode is enabled.
func (w *WAL) maybeComplete(op *pendingOp) error {
	if op.stage == stageFailed {
		return nil
	}
	if !op.primarySynced || !op.secondarySynced {
		op.stage = stageSyncing
		return nil
	}
	if !w.cfg.VerifyReads {
		op.stage = stageCompleted
		return nil
	}

	op.stage = stageVerifying
	if err := w.ring.SubmitVerifyRead(int(w.primary.Fd()), op.verify, op.offset,
		op.sequence, uring.TagPrimaryVerify); err != nil {
		return err
	}
	op.outstanding++
	return nil
}

// checkVerifyRead validates a completed read-back. Returns false after
// marking the op failed.
func (w *WAL) checkVerifyRead(op *pendingOp, res int32, tag uring.Tag) bool {
	if int(res) != len(op.verify) {
		op.stage = stageFailed
		op.err = fmt.Errorf("%s: short read %d of %d", tag, res, len(op.verify))
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.IncVerifyFailure()
		}
		return false
	}

	_, result := verifyBuffer(op.verify, op.sequence)
	if result != verifyOK {
		op.stage = stageFailed
		if result == verifyChecksumMismatch {
			op.err = fmt.Errorf("%s: %w", tag, ErrChecksumMismatch)
		} else {
			op.err = fmt.Errorf("%s: read back malformed record", tag)
		}
		if w.cfg.Metrics != nil {
			w.cfg.Metrics.IncVerifyFailure()
		}
		return false
	}

	return true
}

// findPending locates the pending op for a sequence. The table is in
// sequence order and a successful Flush empties it, so a linear scan
// suffices.
func (w *WAL) findPending(sequence uint64) *pendingOp {
	for _, op := range w.pending {
		if op.sequence == sequence {
			return op
		}
	}
	return nil
}

// Replay invokes fn for every record reconciled at Open, in strict
// ascending sequence order. Records appended since Open are not included.
// fn's first error stops the replay and is returned.
func (w *WAL) Replay(fn func(sequence uint64, payload []byte) error) error {
	if w.closed {
		return ErrClosed
	}
	for _, rec := range w.recovered {
		if err := fn(rec.Sequence, rec.Payload); err != nil {
			return err
		}
	}
	return nil
}

// State returns the recovery state computed at Open.
func (w *WAL) State() RecoveryState {
	return w.state
}

// NextSequence returns the sequence the next Append will assign.
func (w *WAL) NextSequence() uint64 {
	return w.nextSequence
}

// Close flushes pending work and releases the ring and both descriptors.
// A poisoned WAL closes without flushing, but only after draining the
// ring: the kernel holds pointers into pending buffers until their
// completions arrive, so tearing down early would hand it freed memory.
func (w *WAL) Close() error {
	if w.closed {
		return nil
	}

	var flushErr error
	if !w.poisoned {
		flushErr = w.Flush()
	}
	if w.poisoned {
		w.drainAbandoned()
	}

	w.closed = true

	if err := w.ring.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := w.primary.Close(); err != nil && flushErr == nil {
		flushErr = err
	}
	if err := w.secondary.Close(); err != nil && flushErr == nil {
		flushErr = err
	}

	return flushErr
}

// drainAbandoned waits out completions for a poisoned WAL so that no
// kernel reference to a pending buffer survives Close. Results are
// discarded; an op leaves the table only once every completion it
// submitted has been harvested. A cancelled linked fsync still posts a
// completion (ECANCELED), so the counts always converge.
func (w *WAL) drainAbandoned() {
	for len(w.pending) > 0 {
		minComplete := uint32(0)
		for _, op := range w.pending {
			if op.outstanding > 0 {
				minComplete = 1
			}
		}
		if _, err := w.ring.SubmitAndWait(minComplete); err != nil {
			return
		}
		if _, err := w.ring.Drain(func(sequence uint64, tag uring.Tag, res int32) error {
			if op := w.findPending(sequence); op != nil {
				op.outstanding--
			}
			return nil
		}); err != nil {
			return
		}

		kept := w.pending[:0]
		for _, op := range w.pending {
			if op.outstanding <= 0 {
				op.release()
				continue
			}
			kept = append(kept, op)
		}
		for i := len(kept); i < len(w.pending); i++ {
			w.pending[i] = nil
		}
		w.pending = kept
	}
}
