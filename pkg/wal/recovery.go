//go:build linux

package wal

import (
	"fmt"
	"os"

	"github.com/marmos91/duowal/pkg/record"
)

// RecoveryState is the outcome of reconciling the two log files on open.
type RecoveryState struct {
	// HighestSequence is the largest sequence s such that every sequence
	// in [1, s] has a valid record in at least one file. Zero for an
	// empty log.
	HighestSequence uint64

	// NextWriteOffset is the file offset at which the next append lands:
	// the sum of the padded sizes of all reconciled records.
	NextWriteOffset int64

	// ValidRecordCount is the number of reconciled records, equal to
	// HighestSequence by the contiguity requirement.
	ValidRecordCount int
}

// scanFile reads records sequentially from offset 0 until the first
// anomaly: a short or failed read, a framing error, or a checksum
// mismatch. The log is contiguous by construction, so a torn suffix is
// indistinguishable from an unwritten tail and the scan never looks past
// the first invalid record. Payloads in the returned records are owned
// copies.
func scanFile(f *os.File) []record.Record {
	var (
		records []record.Record
		offset  int64
		header  [record.HeaderSize]byte
	)

	for {
		if _, err := f.ReadAt(header[:], offset); err != nil {
			return records
		}

		h, err := record.ParseHeader(header[:])
		if err != nil {
			return records
		}

		payload := make([]byte, h.Length)
		if _, err := f.ReadAt(payload, offset+record.HeaderSize); err != nil {
			return records
		}

		if record.Checksum(h.Sequence, h.Length, payload) != h.Checksum {
			return records
		}

		records = append(records, record.Record{
			Sequence: h.Sequence,
			Length:   h.Length,
			Checksum: h.Checksum,
			Payload:  payload,
		})
		offset += int64(record.PaddedSize(len(payload)))
	}
}

// reconcile merges the per-file record lists into the recovery state and
// the replayable record set. Starting at sequence 1 it walks upward until
// the first sequence present in neither file; that gap truncates the log.
// When both files hold a record for a sequence the primary wins (both
// copies carry identical bytes unless hardware diverged them, in which
// case the per-file scan already rejected the damaged copy).
func reconcile(primary, secondary []record.Record) (RecoveryState, []record.Record) {
	primaryBySeq := make(map[uint64]record.Record, len(primary))
	for _, rec := range primary {
		primaryBySeq[rec.Sequence] = rec
	}
	secondaryBySeq := make(map[uint64]record.Record, len(secondary))
	for _, rec := range secondary {
		secondaryBySeq[rec.Sequence] = rec
	}

	var (
		state      RecoveryState
		reconciled []record.Record
	)
	for seq := uint64(1); ; seq++ {
		rec, ok := primaryBySeq[seq]
		if !ok {
			rec, ok = secondaryBySeq[seq]
		}
		if !ok {
			return state, reconciled
		}

		reconciled = append(reconciled, rec)
		state.HighestSequence = seq
		state.NextWriteOffset += int64(record.PaddedSize(len(rec.Payload)))
		state.ValidRecordCount++
	}
}

// recoverLogs scans both paths through plain read-only descriptors and
// reconciles them. Missing files scan as empty logs. The scan bypasses
// the WAL's O_DIRECT descriptors: after fsync the page cache is coherent
// with the device, and buffered sequential reads avoid alignment
// constraints during startup.
func recoverLogs(primaryPath, secondaryPath string) (RecoveryState, []record.Record, error) {
	primary, err := scanPath(primaryPath)
	if err != nil {
		return RecoveryState{}, nil, err
	}
	secondary, err := scanPath(secondaryPath)
	if err != nil {
		return RecoveryState{}, nil, err
	}

	state, reconciled := reconcile(primary, secondary)
	return state, reconciled, nil
}

func scanPath(path string) ([]record.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s for recovery: %w", path, err)
	}
	defer f.Close()

	return scanFile(f), nil
}

// Inspect reports the recovery state of a log pair without opening a WAL
// on it. It never writes; the files may be owned by another process.
func Inspect(primaryPath, secondaryPath string) (RecoveryState, error) {
	state, _, err := recoverLogs(primaryPath, secondaryPath)
	return state, err
}
