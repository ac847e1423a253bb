//go:build linux

package wal

import (
	"github.com/marmos91/duowal/pkg/record"
)

// verifyResult classifies a read-back buffer against the record that was
// written.
type verifyResult uint8

const (
	// verifyOK: the buffer holds the expected record and its checksum holds.
	verifyOK verifyResult = iota

	// verifyChecksumMismatch: framing and sequence match but the payload
	// checksum does not. The payload on this device is damaged; the other
	// copy is the remedy.
	verifyChecksumMismatch

	// verifyIOError: the buffer is not a well-framed record for the
	// expected sequence. A torn header is indistinguishable from a wrong
	// sector, so all structural failures collapse here.
	verifyIOError
)

// verifyBuffer decides whether buf contains the record written for
// expectedSequence. Checks in order: framing (via record.Decode), sequence
// match, payload checksum.
func verifyBuffer(buf []byte, expectedSequence uint64) (record.Record, verifyResult) {
	rec, err := record.Decode(buf)
	if err != nil {
		return record.Record{}, verifyIOError
	}
	if rec.Sequence != expectedSequence {
		return record.Record{}, verifyIOError
	}
	if !rec.VerifyChecksum() {
		return rec, verifyChecksumMismatch
	}
	return rec, verifyOK
}
