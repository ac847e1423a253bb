package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payloadSizes := []int{0, 1, 5, 100, 491, 492, 493, 511, 512, 1000, 4096, 10000}

	for _, size := range payloadSizes {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}

		for _, seq := range []uint64{1, 2, 42, 1 << 40, 1<<56 - 1} {
			buf, err := Encode(seq, payload)
			if err != nil {
				t.Fatalf("Encode(%d, %d bytes) error = %v", seq, size, err)
			}

			rec, err := Decode(buf)
			if err != nil {
				t.Fatalf("Decode() error = %v (seq=%d size=%d)", err, seq, size)
			}

			if rec.Sequence != seq {
				t.Errorf("Sequence = %d, want %d", rec.Sequence, seq)
			}
			if int(rec.Length) != size {
				t.Errorf("Length = %d, want %d", rec.Length, size)
			}
			if !bytes.Equal(rec.Payload, payload) {
				t.Errorf("payload mismatch for seq=%d size=%d", seq, size)
			}
			if !rec.VerifyChecksum() {
				t.Errorf("VerifyChecksum() = false for seq=%d size=%d", seq, size)
			}
		}
	}
}

func TestEncodeAlignment(t *testing.T) {
	for _, size := range []int{0, 1, 491, 492, 493, 1024, 5000} {
		buf, err := Encode(1, make([]byte, size))
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}

		if len(buf) == 0 || len(buf)%Alignment != 0 {
			t.Errorf("len = %d, want positive multiple of %d", len(buf), Alignment)
		}
		if len(buf) != PaddedSize(size) {
			t.Errorf("len = %d, want PaddedSize(%d) = %d", len(buf), size, PaddedSize(size))
		}

		for i := HeaderSize + size; i < len(buf); i++ {
			if buf[i] != 0 {
				t.Fatalf("padding byte %d = %#x, want 0", i, buf[i])
			}
		}
	}
}

func TestEncodeKnownLayout(t *testing.T) {
	// seq=42, payload "hello": header bytes are fixed by the format.
	buf, err := Encode(42, []byte("hello"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	if len(buf) != 512 {
		t.Fatalf("len = %d, want 512", len(buf))
	}

	wantMagic := []byte{0x52, 0x4C, 0x41, 0x57}
	if !bytes.Equal(buf[0:4], wantMagic) {
		t.Errorf("magic bytes = % X, want % X", buf[0:4], wantMagic)
	}

	wantSeq := []byte{0x2A, 0, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(buf[4:12], wantSeq) {
		t.Errorf("sequence bytes = % X, want % X", buf[4:12], wantSeq)
	}

	wantLen := []byte{0x05, 0, 0, 0}
	if !bytes.Equal(buf[12:16], wantLen) {
		t.Errorf("length bytes = % X, want % X", buf[12:16], wantLen)
	}

	wantSum := Checksum(42, 5, []byte("hello"))
	if got := binary.LittleEndian.Uint32(buf[16:20]); got != wantSum {
		t.Errorf("checksum = %#x, want %#x", got, wantSum)
	}

	if !bytes.Equal(buf[20:25], []byte("hello")) {
		t.Errorf("payload = %q, want %q", buf[20:25], "hello")
	}
	for i := 25; i < 512; i++ {
		if buf[i] != 0 {
			t.Fatalf("byte %d = %#x, want 0", i, buf[i])
		}
	}
}

func TestEncodeInvalidSequence(t *testing.T) {
	if _, err := Encode(0, []byte("data")); !errors.Is(err, ErrInvalidSequence) {
		t.Errorf("Encode(0, ...) error = %v, want ErrInvalidSequence", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	valid, err := Encode(7, []byte("payload"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{
			name:    "empty buffer",
			mutate:  func(b []byte) []byte { return nil },
			wantErr: ErrBufferTooSmall,
		},
		{
			name:    "short header",
			mutate:  func(b []byte) []byte { return b[:HeaderSize-1] },
			wantErr: ErrBufferTooSmall,
		},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[0] ^= 0xFF
				return b
			},
			wantErr: ErrInvalidMagic,
		},
		{
			name: "zero sequence",
			mutate: func(b []byte) []byte {
				for i := 4; i < 12; i++ {
					b[i] = 0
				}
				return b
			},
			wantErr: ErrInvalidSequence,
		},
		{
			name: "length overruns buffer",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[12:16], uint32(len(b)))
				return b
			},
			wantErr: ErrInvalidLength,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, len(valid))
			copy(buf, valid)

			if _, err := Decode(tt.mutate(buf)); !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCorruptionDetection(t *testing.T) {
	payload := []byte("corruption detection target")
	valid, err := Encode(9, payload)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	// Flipping any bit within the framed bytes must surface as either a
	// decode failure or a checksum failure.
	framed := HeaderSize + len(payload)
	for byteIdx := 0; byteIdx < framed; byteIdx++ {
		for bit := 0; bit < 8; bit++ {
			buf := make([]byte, len(valid))
			copy(buf, valid)
			buf[byteIdx] ^= 1 << bit

			rec, err := Decode(buf)
			if err != nil {
				continue
			}
			if rec.VerifyChecksum() {
				t.Fatalf("bit flip at byte %d bit %d went undetected", byteIdx, bit)
			}
		}
	}
}

func TestChecksumDeterministic(t *testing.T) {
	a := Checksum(3, 4, []byte("abcd"))
	b := Checksum(3, 4, []byte("abcd"))
	if a != b {
		t.Errorf("Checksum not deterministic: %#x vs %#x", a, b)
	}

	if Checksum(3, 4, []byte("abcd")) == Checksum(4, 4, []byte("abcd")) {
		t.Error("checksum ignores sequence")
	}
	if Checksum(3, 4, []byte("abcd")) == Checksum(3, 4, []byte("abce")) {
		t.Error("checksum ignores payload")
	}
}

func TestPaddedSize(t *testing.T) {
	tests := []struct {
		payloadLen int
		want       int
	}{
		{0, 512},
		{1, 512},
		{491, 512},
		{492, 512},
		{493, 1024},
		{1004, 1024},
		{1005, 1536},
	}

	for _, tt := range tests {
		if got := PaddedSize(tt.payloadLen); got != tt.want {
			t.Errorf("PaddedSize(%d) = %d, want %d", tt.payloadLen, got, tt.want)
		}
	}
}

func TestParseHeaderShortPayloadBuffer(t *testing.T) {
	// ParseHeader accepts a bare header even when the payload is absent,
	// so the recovery scanner can size its payload read from the length
	// field.
	full, err := Encode(11, []byte("0123456789"))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	h, err := ParseHeader(full[:HeaderSize])
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.Sequence != 11 || h.Length != 10 {
		t.Errorf("header = %+v, want sequence 11 length 10", h)
	}

	// Decode on the same truncated buffer must reject the length instead.
	if _, err := Decode(full[:HeaderSize]); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Decode(header only) error = %v, want ErrInvalidLength", err)
	}
}
