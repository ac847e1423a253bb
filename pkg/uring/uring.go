//go:build linux

// Package uring is a thin io_uring submission/completion ring used by the
// WAL to chain writes to fsyncs without syscall-per-operation overhead.
//
// The ring is deliberately minimal: it knows three operations (write,
// fsync, read), correlates completions with in-flight work through the
// 64-bit SQE user_data, and leaves all operation state to the caller.
// user_data packs the record sequence into the high 56 bits and an
// operation tag into the low byte, so a single completion identifies both
// the record and which leg of its write/fsync/verify protocol finished.
//
// The ring is not safe for concurrent use; it is owned by a single WAL
// instance (see package wal).
package uring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Tag identifies which leg of a record's durability protocol a submission
// belongs to. It occupies the low byte of the SQE user_data.
type Tag uint8

const (
	TagPrimaryWrite    Tag = 0
	TagPrimaryFsync    Tag = 1
	TagPrimaryVerify   Tag = 2
	TagSecondaryWrite  Tag = 3
	TagSecondaryFsync  Tag = 4
	TagSecondaryVerify Tag = 5
)

// String returns a short name for the tag, used in error messages.
func (t Tag) String() string {
	switch t {
	case TagPrimaryWrite:
		return "primary_write"
	case TagPrimaryFsync:
		return "primary_fsync"
	case TagPrimaryVerify:
		return "primary_verify"
	case TagSecondaryWrite:
		return "secondary_write"
	case TagSecondaryFsync:
		return "secondary_fsync"
	case TagSecondaryVerify:
		return "secondary_verify"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// MaxSequence is the largest sequence number representable in user_data:
// 56 bits of sequence, 8 bits of tag.
const MaxSequence = 1<<56 - 1

var (
	// ErrRingFull is returned when the submission queue lacks free slots.
	ErrRingFull = errors.New("submission ring full")

	// ErrRingClosed is returned for operations on a closed ring.
	ErrRingClosed = errors.New("ring is closed")
)

// PackUserData encodes a sequence and tag into SQE user_data.
func PackUserData(sequence uint64, tag Tag) uint64 {
	return sequence<<8 | uint64(tag)
}

// UnpackUserData decodes SQE user_data back into sequence and tag.
func UnpackUserData(userData uint64) (uint64, Tag) {
	return userData >> 8, Tag(userData & 0xFF)
}

// sqe mirrors struct io_uring_sqe from the kernel ABI (64 bytes).
type sqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64
	addr        uint64
	len         uint32
	opFlags     uint32 // rw_flags / fsync_flags union
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	_           [2]uint64
}

// cqe mirrors struct io_uring_cqe from the kernel ABI (16 bytes).
type cqe struct {
	userData uint64
	res      int32
	flags    uint32
}

// Ring wraps an io_uring instance: the ring file descriptor plus the
// mmap'd submission queue, completion queue, and SQE array.
//
// Buffers referenced by submitted SQEs are pinned by contract: the kernel
// holds their raw addresses until the matching CQE has been drained, so
// callers must keep them reachable and unmoved for that entire window.
type Ring struct {
	fd      int
	entries uint32

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray unsafe.Pointer // *[n]uint32
	sqes    unsafe.Pointer // *[n]sqe

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   unsafe.Pointer // *[n]cqe

	// tail mirrors *sqTail; queued counts SQEs pushed but not yet passed
	// to io_uring_enter.
	tail   uint32
	queued uint32

	closed bool
}

// New creates an io_uring instance with the given submission queue depth.
// The kernel rounds entries up to a power of two.
func New(entries uint32) (*Ring, error) {
	if entries == 0 {
		return nil, errors.New("ring entries must be positive")
	}

	params := &unix.IoUringParams{}
	fd, err := unix.IoUringSetup(entries, params)
	if err != nil {
		return nil, fmt.Errorf("io_uring_setup: %w", err)
	}

	r := &Ring{fd: fd, entries: params.Sq_entries}
	if err := r.mapRings(params); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

// mapRings mmaps the SQ ring, CQ ring, and SQE array, honoring the
// single-mmap feature on kernels that offer it.
func (r *Ring) mapRings(params *unix.IoUringParams) error {
	sqSize := int(params.Sq_off.Array + params.Sq_entries*4)
	cqSize := int(params.Cq_off.Cqes + params.Cq_entries*uint32(unsafe.Sizeof(cqe{})))

	singleMmap := params.Features&unix.IORING_FEAT_SINGLE_MMAP != 0
	if singleMmap {
		if cqSize > sqSize {
			sqSize = cqSize
		}
		cqSize = sqSize
	}

	sqMem, err := unix.Mmap(r.fd, unix.IORING_OFF_SQ_RING, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	r.sqMem = sqMem

	if singleMmap {
		r.cqMem = sqMem
	} else {
		cqMem, err := unix.Mmap(r.fd, unix.IORING_OFF_CQ_RING, cqSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMem)
			return fmt.Errorf("mmap cq ring: %w", err)
		}
		r.cqMem = cqMem
	}

	sqeMem, err := unix.Mmap(r.fd, unix.IORING_OFF_SQES,
		int(params.Sq_entries)*int(unsafe.Sizeof(sqe{})),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()
		return fmt.Errorf("mmap sqes: %w", err)
	}
	r.sqeMem = sqeMem

	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqMem[params.Sq_off.Head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqMem[params.Sq_off.Tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqMem[params.Sq_off.Ring_mask]))
	r.sqArray = unsafe.Pointer(&r.sqMem[params.Sq_off.Array])
	r.sqes = unsafe.Pointer(&r.sqeMem[0])

	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqMem[params.Cq_off.Head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqMem[params.Cq_off.Tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqMem[params.Cq_off.Ring_mask]))
	r.cqes = unsafe.Pointer(&r.cqMem[params.Cq_off.Cqes])

	r.tail = atomic.LoadUint32(r.sqTail)

	return nil
}

// SQSpace returns the number of free submission queue slots.
func (r *Ring) SQSpace() uint32 {
	head := atomic.LoadUint32(r.sqHead)
	return r.entries - (r.tail - head)
}

// pushSQE copies s into the next free SQE slot and publishes it to the
// submission queue tail. The entry is handed to the kernel on the next
// Submit/SubmitAndWait.
func (r *Ring) pushSQE(s *sqe) error {
	head := atomic.LoadUint32(r.sqHead)
	if r.tail-head >= r.entries {
		return ErrRingFull
	}

	idx := r.tail & r.sqMask
	*(*sqe)(unsafe.Add(r.sqes, uintptr(idx)*unsafe.Sizeof(sqe{}))) = *s
	*(*uint32)(unsafe.Add(r.sqArray, uintptr(idx)*4)) = idx

	r.tail++
	atomic.StoreUint32(r.sqTail, r.tail)
	r.queued++

	return nil
}

// SubmitWriteChain queues a pwrite of buf at off followed by an fdatasync
// of the same descriptor. The write carries IOSQE_IO_LINK, so the kernel
// starts the fsync only after the write succeeds; a failed write cancels
// the fsync, which then surfaces its own failure completion.
//
// Both entries are queued or neither: the call fails with ErrRingFull when
// fewer than two submission slots are free. Nothing reaches the kernel
// until Submit or SubmitAndWait is called.
func (r *Ring) SubmitWriteChain(fd int, buf []byte, off int64, sequence uint64, writeTag, fsyncTag Tag) error {
	if r.closed {
		return ErrRingClosed
	}
	if r.SQSpace() < 2 {
		return ErrRingFull
	}

	write := sqe{
		opcode:   unix.IORING_OP_WRITE,
		flags:    unix.IOSQE_IO_LINK,
		fd:       int32(fd),
		off:      uint64(off),
		addr:     uint64(uintptr(unsafe.Pointer(&buf[0]))),
		len:      uint32(len(buf)),
		userData: PackUserData(sequence, writeTag),
	}
	fsync := sqe{
		opcode:   unix.IORING_OP_FSYNC,
		fd:       int32(fd),
		opFlags:  unix.IORING_FSYNC_DATASYNC,
		userData: PackUserData(sequence, fsyncTag),
	}

	if err := r.pushSQE(&write); err != nil {
		return err
	}
	return r.pushSQE(&fsync)
}

// SubmitVerifyRead queues a pread of len(buf) bytes at off into buf.
func (r *Ring) SubmitVerifyRead(fd int, buf []byte, off int64, sequence uint64, tag Tag) error {
	if r.closed {
		return ErrRingClosed
	}

	read := sqe{
		opcode:   unix.IORING_OP_READ,
		fd:       int32(fd),
		off:      uint64(off),
		addr:     uint64(uintptr(unsafe.Pointer(&buf[0]))),
		len:      uint32(len(buf)),
		userData: PackUserData(sequence, tag),
	}
	return r.pushSQE(&read)
}

// Submit hands all queued SQEs to the kernel without waiting.
func (r *Ring) Submit() (int, error) {
	return r.enter(0)
}

// SubmitAndWait hands all queued SQEs to the kernel and blocks until at
// least minComplete completions are available.
func (r *Ring) SubmitAndWait(minComplete uint32) (int, error) {
	return r.enter(minComplete)
}

func (r *Ring) enter(minComplete uint32) (int, error) {
	if r.closed {
		return 0, ErrRingClosed
	}

	var flags uint32
	if minComplete > 0 {
		flags |= unix.IORING_ENTER_GETEVENTS
	}

	for {
		n, err := unix.IoUringEnter(r.fd, r.queued, minComplete, flags, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("io_uring_enter: %w", err)
		}
		r.queued -= uint32(n)
		return n, nil
	}
}

// Drain harvests every ready completion, decoding user_data and invoking
// fn for each. It returns the number of completions consumed. If fn
// returns an error the drain stops and that error is returned; the
// offending completion is still consumed.
func (r *Ring) Drain(fn func(sequence uint64, tag Tag, res int32) error) (int, error) {
	if r.closed {
		return 0, ErrRingClosed
	}

	n := 0
	for {
		head := atomic.LoadUint32(r.cqHead)
		tail := atomic.LoadUint32(r.cqTail)
		if head == tail {
			return n, nil
		}

		c := (*cqe)(unsafe.Add(r.cqes, uintptr(head&r.cqMask)*unsafe.Sizeof(cqe{})))
		userData, res := c.userData, c.res
		atomic.StoreUint32(r.cqHead, head+1)
		n++

		sequence, tag := UnpackUserData(userData)
		if err := fn(sequence, tag, res); err != nil {
			return n, err
		}
	}
}

// Close unmaps the rings and closes the ring descriptor. In-flight
// operations must be drained first; the kernel may still hold buffer
// addresses for any undrained submission.
func (r *Ring) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	r.unmap()
	if err := unix.Close(r.fd); err != nil {
		return fmt.Errorf("close ring fd: %w", err)
	}
	return nil
}

func (r *Ring) unmap() {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.cqMem != nil {
		if &r.cqMem[0] != &r.sqMem[0] {
			unix.Munmap(r.cqMem)
		}
		r.cqMem = nil
	}
	if r.sqMem != nil {
		unix.Munmap(r.sqMem)
		r.sqMem = nil
	}
}
