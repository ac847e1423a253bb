//go:build linux

package uring

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPackUnpackUserData(t *testing.T) {
	tests := []struct {
		sequence uint64
		tag      Tag
	}{
		{1, TagPrimaryWrite},
		{1, TagSecondaryFsync},
		{42, TagPrimaryVerify},
		{1 << 40, TagSecondaryWrite},
		{MaxSequence, TagSecondaryVerify},
	}

	for _, tt := range tests {
		ud := PackUserData(tt.sequence, tt.tag)
		seq, tag := UnpackUserData(ud)
		if seq != tt.sequence || tag != tt.tag {
			t.Errorf("round trip (%d, %s) = (%d, %s)", tt.sequence, tt.tag, seq, tag)
		}
	}
}

func TestTagString(t *testing.T) {
	names := map[Tag]string{
		TagPrimaryWrite:    "primary_write",
		TagPrimaryFsync:    "primary_fsync",
		TagPrimaryVerify:   "primary_verify",
		TagSecondaryWrite:  "secondary_write",
		TagSecondaryFsync:  "secondary_fsync",
		TagSecondaryVerify: "secondary_verify",
	}
	for tag, want := range names {
		if got := tag.String(); got != want {
			t.Errorf("Tag(%d).String() = %s, want %s", uint8(tag), got, want)
		}
	}
}

// newTestRing skips when the kernel or sandbox does not provide io_uring.
func newTestRing(t *testing.T, entries uint32) *Ring {
	t.Helper()

	ring, err := New(entries)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { ring.Close() })
	return ring
}

func TestWriteChainAndDrain(t *testing.T) {
	ring := newTestRing(t, 8)

	path := filepath.Join(t.TempDir(), "chain")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i)
	}

	if err := ring.SubmitWriteChain(int(f.Fd()), buf, 0, 7, TagPrimaryWrite, TagPrimaryFsync); err != nil {
		t.Fatalf("SubmitWriteChain() error = %v", err)
	}

	// Two completions: the write, then its linked fsync.
	seen := map[Tag]int32{}
	for len(seen) < 2 {
		if _, err := ring.SubmitAndWait(1); err != nil {
			t.Fatalf("SubmitAndWait() error = %v", err)
		}
		_, err := ring.Drain(func(sequence uint64, tag Tag, res int32) error {
			if sequence != 7 {
				t.Errorf("completion sequence = %d, want 7", sequence)
			}
			seen[tag] = res
			return nil
		})
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
	}

	if res := seen[TagPrimaryWrite]; res != 512 {
		t.Errorf("write res = %d, want 512", res)
	}
	if res, ok := seen[TagPrimaryFsync]; !ok || res < 0 {
		t.Errorf("fsync res = %d (present=%v), want >= 0", res, ok)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Error("file content does not match written buffer")
	}
}

func TestVerifyReadRoundTrip(t *testing.T) {
	ring := newTestRing(t, 8)

	path := filepath.Join(t.TempDir(), "verify")
	content := bytes.Repeat([]byte{0xAB}, 512)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	buf := make([]byte, 512)
	if err := ring.SubmitVerifyRead(int(f.Fd()), buf, 0, 9, TagPrimaryVerify); err != nil {
		t.Fatalf("SubmitVerifyRead() error = %v", err)
	}

	if _, err := ring.SubmitAndWait(1); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}

	var drained int
	_, err = ring.Drain(func(sequence uint64, tag Tag, res int32) error {
		drained++
		if sequence != 9 || tag != TagPrimaryVerify {
			t.Errorf("completion = (%d, %s), want (9, primary_verify)", sequence, tag)
		}
		if res != 512 {
			t.Errorf("read res = %d, want 512", res)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if drained != 1 {
		t.Errorf("drained %d completions, want 1", drained)
	}

	if !bytes.Equal(buf, content) {
		t.Error("read-back buffer does not match file content")
	}
}

func TestRingFull(t *testing.T) {
	ring := newTestRing(t, 4)

	path := filepath.Join(t.TempDir(), "full")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	defer f.Close()

	buf := make([]byte, 512)

	// Fill the queue without submitting; the ring has four slots and each
	// chain takes two.
	for i := 0; i < 2; i++ {
		if err := ring.SubmitWriteChain(int(f.Fd()), buf, int64(i*512), uint64(i+1),
			TagPrimaryWrite, TagPrimaryFsync); err != nil {
			t.Fatalf("SubmitWriteChain(%d) error = %v", i, err)
		}
	}

	err = ring.SubmitWriteChain(int(f.Fd()), buf, 1024, 3, TagPrimaryWrite, TagPrimaryFsync)
	if err != ErrRingFull {
		t.Errorf("SubmitWriteChain() on full ring = %v, want ErrRingFull", err)
	}

	// Drain everything so Close tears down with no kernel references.
	if _, err := ring.SubmitAndWait(4); err != nil {
		t.Fatalf("SubmitAndWait() error = %v", err)
	}
	for drained := 0; drained < 4; {
		n, err := ring.Drain(func(uint64, Tag, int32) error { return nil })
		if err != nil {
			t.Fatalf("Drain() error = %v", err)
		}
		drained += n
		if n == 0 {
			if _, err := ring.SubmitAndWait(1); err != nil {
				t.Fatalf("SubmitAndWait() error = %v", err)
			}
		}
	}
}

func TestClosedRing(t *testing.T) {
	ring := newTestRing(t, 4)
	if err := ring.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	buf := make([]byte, 512)
	if err := ring.SubmitWriteChain(0, buf, 0, 1, TagPrimaryWrite, TagPrimaryFsync); err != ErrRingClosed {
		t.Errorf("SubmitWriteChain() after close = %v, want ErrRingClosed", err)
	}
	if _, err := ring.Submit(); err != ErrRingClosed {
		t.Errorf("Submit() after close = %v, want ErrRingClosed", err)
	}
	if _, err := ring.Drain(func(uint64, Tag, int32) error { return nil }); err != ErrRingClosed {
		t.Errorf("Drain() after close = %v, want ErrRingClosed", err)
	}

	// Close is idempotent.
	if err := ring.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
