// Package bdev defines the block device contract every nexus child
// implements. A transport (in-memory, file, network target) only has to
// satisfy Device; the nexus never looks at what is behind it.
package bdev

import (
	"context"
	"errors"
	"fmt"
)

// ReservationAreaSize is the size of the fixed reservation area every
// device carries next to its data region.
const ReservationAreaSize = 8 * 1024

var (
	ErrClosed       = errors.New("bdev: device closed")
	ErrOutOfRange   = errors.New("bdev: I/O out of range")
	ErrBadBuffer    = errors.New("bdev: buffer length does not match I/O length")
	ErrAreaTooSmall = errors.New("bdev: record larger than reservation area")
	ErrUnknownOp    = errors.New("bdev: unknown I/O operation")
)

// Op is the direction of an I/O.
type Op uint8

const (
	OpRead Op = iota
	OpWrite
	OpUnmap
	OpFlush
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpUnmap:
		return "unmap"
	case OpFlush:
		return "flush"
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	switch s {
	case "read":
		return OpRead, nil
	case "write":
		return OpWrite, nil
	case "unmap":
		return OpUnmap, nil
	case "flush":
		return OpFlush, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownOp, s)
}

// HasData reports whether the op carries a payload in Buf.
func (op Op) HasData() bool {
	return op == OpRead || op == OpWrite
}

// IO describes one logical I/O. Offset and Blocks are in device blocks.
// Buf is owned by the caller for the duration of the call; it must be
// exactly Blocks*BlockSize bytes for reads and writes and is ignored
// otherwise. Initiator is optional and only used for reservation checks.
type IO struct {
	Op        Op
	Offset    uint64
	Blocks    uint64
	Buf       []byte
	Initiator string
}

// End returns the first block past the I/O.
func (io *IO) End() uint64 {
	return io.Offset + io.Blocks
}

func (io *IO) String() string {
	return fmt.Sprintf("%s[%d+%d]", io.Op, io.Offset, io.Blocks)
}

// Geometry is the block layout of a device.
type Geometry struct {
	BlockSize  uint32
	BlockCount uint64
}

// Size returns the data size in bytes.
func (g Geometry) Size() uint64 {
	return uint64(g.BlockSize) * g.BlockCount
}

// Device is the child contract. Submit blocks until the device completes
// the I/O; callers that want concurrency issue it from their own goroutine
// and collect the completion on a channel. Timeouts are the transport's
// business and surface as ordinary errors.
type Device interface {
	Name() string
	Geometry() Geometry
	Submit(ctx context.Context, io *IO) error
	PersistReservation(ctx context.Context, record []byte) error
	ReadReservation(ctx context.Context) ([]byte, error)
	Close() error
}

// ValidateIO checks bounds and buffer size of io against g.
func ValidateIO(io *IO, g Geometry) error {
	switch io.Op {
	case OpFlush:
		return nil
	case OpRead, OpWrite, OpUnmap:
	default:
		return fmt.Errorf("%w: %d", ErrUnknownOp, io.Op)
	}
	if io.Blocks == 0 {
		return fmt.Errorf("%w: zero length %s", ErrOutOfRange, io)
	}
	if io.Offset >= g.BlockCount || io.Blocks > g.BlockCount-io.Offset {
		return fmt.Errorf("%w: %s beyond %d blocks", ErrOutOfRange, io, g.BlockCount)
	}
	if io.Op.HasData() && uint64(len(io.Buf)) != io.Blocks*uint64(g.BlockSize) {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrBadBuffer, io, len(io.Buf), io.Blocks*uint64(g.BlockSize))
	}
	return nil
}
