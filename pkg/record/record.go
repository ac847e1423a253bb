// Package record implements the on-disk record format of the duowal log.
//
// Each record is a fixed 20-byte little-endian header followed by the
// payload and zero padding up to the next 512-byte boundary:
//
//	Offset  Size  Field
//	0       4     magic (0x57414C52, "WALR")
//	4       8     sequence (uint64, >= 1)
//	12      4     payload length (uint32)
//	16      4     CRC-32C of sequence-LE(8) || length-LE(4) || payload
//	20      len   payload
//	20+len  pad   zero bytes to the next 512-byte boundary
//
// The 512-byte alignment is the minimum direct-I/O block size; Encode
// returns buffers whose address and length satisfy O_DIRECT requirements.
package record

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/ncw/directio"
)

const (
	// Magic identifies the start of a record ("WALR" little-endian).
	Magic = 0x57414C52

	// HeaderSize is the fixed record header size in bytes.
	HeaderSize = 20

	// Alignment is the on-disk record alignment. Every encoded record is
	// padded to a multiple of this size and written at a multiple of it.
	Alignment = 512

	// MaxPayloadSize is the largest payload Encode accepts. The length
	// field is a uint32 and the header occupies 20 bytes of the frame.
	MaxPayloadSize = 1<<32 - HeaderSize - 1
)

// Framing errors. Recovery treats any of these as end of log.
var (
	// ErrBufferTooSmall is returned when a buffer cannot hold a record header.
	ErrBufferTooSmall = errors.New("buffer too small for record header")

	// ErrInvalidMagic is returned when the magic bytes do not match.
	ErrInvalidMagic = errors.New("invalid record magic")

	// ErrInvalidSequence is returned for the reserved sequence number zero.
	ErrInvalidSequence = errors.New("invalid record sequence")

	// ErrInvalidLength is returned when the header length overruns the buffer.
	ErrInvalidLength = errors.New("invalid record length")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is a decoded view of an encoded record. Payload borrows from the
// buffer passed to Decode; callers that outlive the buffer must copy it.
type Record struct {
	Sequence uint64
	Length   uint32
	Checksum uint32
	Payload  []byte
}

// Header holds the fixed header fields of a record without its payload.
type Header struct {
	Sequence uint64
	Length   uint32
	Checksum uint32
}

// PaddedSize returns the on-disk size of a record with the given payload
// length: header plus payload, rounded up to the next Alignment boundary.
func PaddedSize(payloadLen int) int {
	return (HeaderSize + payloadLen + Alignment - 1) / Alignment * Alignment
}

// Encode frames sequence and payload into a freshly allocated buffer
// suitable for direct I/O. The buffer length is PaddedSize(len(payload))
// and all bytes past the payload are zero.
func Encode(sequence uint64, payload []byte) ([]byte, error) {
	if sequence == 0 {
		return nil, ErrInvalidSequence
	}
	if uint64(len(payload)) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	buf := directio.AlignedBlock(PaddedSize(len(payload)))

	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint64(buf[4:12], sequence)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[16:20], Checksum(sequence, uint32(len(payload)), payload))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// Decode parses a record from buf. The checksum is not verified; call
// VerifyChecksum on the result. Decode never reads past buf and is safe
// on arbitrary input.
func Decode(buf []byte) (Record, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Record{}, err
	}
	if uint64(h.Length)+HeaderSize > uint64(len(buf)) {
		return Record{}, ErrInvalidLength
	}

	return Record{
		Sequence: h.Sequence,
		Length:   h.Length,
		Checksum: h.Checksum,
		Payload:  buf[HeaderSize : HeaderSize+int(h.Length)],
	}, nil
}

// ParseHeader validates and extracts the fixed header fields from buf.
// Unlike Decode it does not require the payload to be present, so the
// recovery scanner can read a header first and size the payload read
// from the length field.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrBufferTooSmall
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Header{}, ErrInvalidMagic
	}
	seq := binary.LittleEndian.Uint64(buf[4:12])
	if seq == 0 {
		return Header{}, ErrInvalidSequence
	}

	return Header{
		Sequence: seq,
		Length:   binary.LittleEndian.Uint32(buf[12:16]),
		Checksum: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// Checksum computes the CRC-32C (Castagnoli) of
// sequence-LE(8) || length-LE(4) || payload.
func Checksum(sequence uint64, length uint32, payload []byte) uint32 {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[0:8], sequence)
	binary.LittleEndian.PutUint32(hdr[8:12], length)

	crc := crc32.Update(0, castagnoli, hdr[:])
	return crc32.Update(crc, castagnoli, payload)
}

// VerifyChecksum recomputes the record checksum and compares it against
// the stored value.
func (r Record) VerifyChecksum() bool {
	return r.Checksum == Checksum(r.Sequence, r.Length, r.Payload)
}
