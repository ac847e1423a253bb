package record

import (
	"errors"
	"testing"
)

// FuzzDecode feeds arbitrary bytes to Decode. It must never panic or read
// past the input, and may only fail with the framing error kinds.
func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0x52, 0x4C, 0x41, 0x57})
	f.Add(make([]byte, HeaderSize))
	f.Add(make([]byte, Alignment))

	if seed, err := Encode(42, []byte("hello")); err == nil {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		rec, err := Decode(data)
		if err != nil {
			switch {
			case errors.Is(err, ErrBufferTooSmall),
				errors.Is(err, ErrInvalidMagic),
				errors.Is(err, ErrInvalidSequence),
				errors.Is(err, ErrInvalidLength):
			default:
				t.Fatalf("Decode() returned non-framing error %v", err)
			}
			return
		}

		if rec.Sequence == 0 {
			t.Error("decoded record with zero sequence")
		}
		if int(rec.Length) != len(rec.Payload) {
			t.Errorf("Length = %d but payload is %d bytes", rec.Length, len(rec.Payload))
		}
		if HeaderSize+len(rec.Payload) > len(data) {
			t.Error("payload view extends past input")
		}

		// Checksum verification must also stay within bounds.
		rec.VerifyChecksum()
	})
}
