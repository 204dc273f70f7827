// Package blockvol implements a file-backed block device. A volume file is
// a superblock, a fixed reservation area and a flat data region addressed
// by LBA. It has no dependency on the nexus that consumes it.
package blockvol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

// CreateOptions configures a new block volume.
type CreateOptions struct {
	VolumeSize uint64 // required, logical size in bytes
	BlockSize  uint32 // default 4KB
}

// ErrVolumeClosed is returned when an operation is attempted on a closed BlockVol.
var ErrVolumeClosed = fmt.Errorf("blockvol: volume closed: %w", bdev.ErrClosed)

const closeDrainTimeout = 5 * time.Second

// BlockVol is a bdev.Device over a single file.
type BlockVol struct {
	fd             *os.File
	path           string
	super          Superblock
	healthy        atomic.Bool
	closed         atomic.Bool
	opsOutstanding atomic.Int64 // in-flight Read/Write/Trim/SyncCache ops
	opsDrained     chan struct{}
}

var _ bdev.Device = (*BlockVol)(nil)

// CreateBlockVol creates a new block volume file at path.
func CreateBlockVol(path string, opts CreateOptions) (*BlockVol, error) {
	if opts.VolumeSize == 0 {
		return nil, ErrInvalidVolumeSize
	}

	sb, err := NewSuperblock(opts.VolumeSize, opts)
	if err != nil {
		return nil, fmt.Errorf("blockvol: create superblock: %w", err)
	}
	sb.CreatedAt = uint64(time.Now().Unix())
	if err := sb.Validate(); err != nil {
		return nil, err
	}

	fd, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockvol: create file: %w", err)
	}

	if err := fd.Truncate(int64(sb.DataOffset + opts.VolumeSize)); err != nil {
		fd.Close()
		os.Remove(path)
		return nil, fmt.Errorf("blockvol: truncate: %w", err)
	}

	if _, err := sb.WriteTo(fd); err != nil {
		fd.Close()
		os.Remove(path)
		return nil, fmt.Errorf("blockvol: write superblock: %w", err)
	}

	if err := fd.Sync(); err != nil {
		fd.Close()
		os.Remove(path)
		return nil, fmt.Errorf("blockvol: sync: %w", err)
	}

	glog.V(1).Infof("blockvol: created %s size=%d blockSize=%d", path, sb.VolumeSize, sb.BlockSize)
	return newBlockVol(fd, path, sb), nil
}

// OpenBlockVol opens an existing block volume file.
func OpenBlockVol(path string) (*BlockVol, error) {
	fd, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("blockvol: open file: %w", err)
	}

	sb, err := ReadSuperblock(fd)
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("blockvol: read superblock: %w", err)
	}
	if err := sb.Validate(); err != nil {
		fd.Close()
		return nil, fmt.Errorf("blockvol: validate superblock: %w", err)
	}
	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("blockvol: stat: %w", err)
	}
	if uint64(st.Size()) < sb.DataOffset+sb.VolumeSize {
		fd.Close()
		return nil, fmt.Errorf("%w: file is %d bytes, need %d", ErrInvalidSuperblock, st.Size(), sb.DataOffset+sb.VolumeSize)
	}

	glog.V(1).Infof("blockvol: opened %s size=%d blockSize=%d", path, sb.VolumeSize, sb.BlockSize)
	return newBlockVol(fd, path, sb), nil
}

func newBlockVol(fd *os.File, path string, sb Superblock) *BlockVol {
	v := &BlockVol{
		fd:         fd,
		path:       path,
		super:      sb,
		opsDrained: make(chan struct{}, 1),
	}
	v.healthy.Store(true)
	return v
}

// beginOp increments the in-flight ops counter. Returns ErrVolumeClosed if
// the volume is already closed, so callers must not proceed.
func (v *BlockVol) beginOp() error {
	v.opsOutstanding.Add(1)
	if v.closed.Load() {
		v.endOp()
		return ErrVolumeClosed
	}
	return nil
}

// endOp decrements the in-flight ops counter and signals the drain channel
// if this was the last op and the volume is closing.
func (v *BlockVol) endOp() {
	if v.opsOutstanding.Add(-1) == 0 && v.closed.Load() {
		select {
		case v.opsDrained <- struct{}{}:
		default:
		}
	}
}

func (v *BlockVol) ioFailed(err error) error {
	if v.healthy.Swap(false) {
		glog.Errorf("blockvol %s: marking unhealthy: %v", v.path, err)
	}
	return err
}

// WriteLBA writes data at the given logical block address.
// Data length must be a multiple of BlockSize.
func (v *BlockVol) WriteLBA(lba uint64, data []byte) error {
	if err := v.beginOp(); err != nil {
		return err
	}
	defer v.endOp()
	if err := ValidateRange(lba, uint32(len(data)), v.super.VolumeSize, v.super.BlockSize); err != nil {
		return err
	}
	off := int64(v.super.DataOffset + lba*uint64(v.super.BlockSize))
	if _, err := v.fd.WriteAt(data, off); err != nil {
		return v.ioFailed(fmt.Errorf("blockvol: WriteLBA pwrite at %d: %w", off, err))
	}
	return nil
}

// ReadLBA reads data at the given logical block address.
// length is in bytes and must be a multiple of BlockSize.
func (v *BlockVol) ReadLBA(lba uint64, length uint32) ([]byte, error) {
	result := make([]byte, length)
	if err := v.readInto(lba, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (v *BlockVol) readInto(lba uint64, buf []byte) error {
	if err := v.beginOp(); err != nil {
		return err
	}
	defer v.endOp()
	if err := ValidateRange(lba, uint32(len(buf)), v.super.VolumeSize, v.super.BlockSize); err != nil {
		return err
	}
	off := int64(v.super.DataOffset + lba*uint64(v.super.BlockSize))
	if _, err := v.fd.ReadAt(buf, off); err != nil {
		return v.ioFailed(fmt.Errorf("blockvol: ReadLBA pread at %d: %w", off, err))
	}
	return nil
}

// Trim deallocates blocks. Subsequent reads return zeros.
func (v *BlockVol) Trim(lba uint64, length uint32) error {
	if err := v.beginOp(); err != nil {
		return err
	}
	defer v.endOp()
	if err := ValidateRange(lba, length, v.super.VolumeSize, v.super.BlockSize); err != nil {
		return err
	}
	off := int64(v.super.DataOffset + lba*uint64(v.super.BlockSize))
	if _, err := v.fd.WriteAt(make([]byte, length), off); err != nil {
		return v.ioFailed(fmt.Errorf("blockvol: Trim at %d: %w", off, err))
	}
	return nil
}

// SyncCache makes all previously completed writes durable.
func (v *BlockVol) SyncCache() error {
	if err := v.beginOp(); err != nil {
		return err
	}
	defer v.endOp()
	if err := v.fd.Sync(); err != nil {
		return v.ioFailed(fmt.Errorf("blockvol: sync: %w", err))
	}
	return nil
}

// Name is the volume file path.
func (v *BlockVol) Name() string {
	return v.path
}

func (v *BlockVol) Geometry() bdev.Geometry {
	return bdev.Geometry{
		BlockSize:  v.super.BlockSize,
		BlockCount: v.super.VolumeSize / uint64(v.super.BlockSize),
	}
}

// Submit runs one bdev I/O against the volume.
func (v *BlockVol) Submit(ctx context.Context, io *bdev.IO) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := bdev.ValidateIO(io, v.Geometry()); err != nil {
		return err
	}
	bs := uint64(v.super.BlockSize)
	switch io.Op {
	case bdev.OpRead:
		return v.readInto(io.Offset, io.Buf)
	case bdev.OpWrite:
		return v.WriteLBA(io.Offset, io.Buf)
	case bdev.OpUnmap:
		return v.Trim(io.Offset, uint32(io.Blocks*bs))
	case bdev.OpFlush:
		return v.SyncCache()
	}
	return bdev.ErrUnknownOp
}

// PersistReservation overwrites the reservation area with record,
// zero padded, and syncs it.
func (v *BlockVol) PersistReservation(ctx context.Context, record []byte) error {
	if len(record) > int(v.super.ReservationSize) {
		return fmt.Errorf("%w: %d bytes", bdev.ErrAreaTooSmall, len(record))
	}
	if err := v.beginOp(); err != nil {
		return err
	}
	defer v.endOp()
	area := make([]byte, v.super.ReservationSize)
	copy(area, record)
	if _, err := v.fd.WriteAt(area, int64(v.super.ReservationOffset)); err != nil {
		return v.ioFailed(fmt.Errorf("blockvol: write reservation area: %w", err))
	}
	if err := v.fd.Sync(); err != nil {
		return v.ioFailed(fmt.Errorf("blockvol: sync reservation area: %w", err))
	}
	return nil
}

func (v *BlockVol) ReadReservation(ctx context.Context) ([]byte, error) {
	if err := v.beginOp(); err != nil {
		return nil, err
	}
	defer v.endOp()
	area := make([]byte, v.super.ReservationSize)
	if _, err := v.fd.ReadAt(area, int64(v.super.ReservationOffset)); err != nil {
		return nil, v.ioFailed(fmt.Errorf("blockvol: read reservation area: %w", err))
	}
	return area, nil
}

// Path returns the file path of the block volume.
func (v *BlockVol) Path() string {
	return v.path
}

// Info returns volume metadata.
func (v *BlockVol) Info() VolumeInfo {
	return VolumeInfo{
		UUID:       v.super.UUID,
		VolumeSize: v.super.VolumeSize,
		BlockSize:  v.super.BlockSize,
		CreatedAt:  time.Unix(int64(v.super.CreatedAt), 0),
		Healthy:    v.healthy.Load(),
	}
}

// VolumeInfo contains read-only volume metadata.
type VolumeInfo struct {
	UUID       [16]byte
	VolumeSize uint64
	BlockSize  uint32
	CreatedAt  time.Time
	Healthy    bool
}

// Close drains in-flight ops, syncs and closes the file. A second Close is
// a no-op.
func (v *BlockVol) Close() error {
	if v.closed.Swap(true) {
		return nil
	}

	// beginOp now fails, so only existing ops remain. Wait for them (bounded).
	if v.opsOutstanding.Load() > 0 {
		select {
		case <-v.opsDrained:
		case <-time.After(closeDrainTimeout):
			glog.Warningf("blockvol %s: closing with %d ops still in flight", v.path, v.opsOutstanding.Load())
		}
	}

	syncErr := v.fd.Sync()
	closeErr := v.fd.Close()
	if syncErr != nil && !errors.Is(syncErr, os.ErrClosed) {
		return syncErr
	}
	return closeErr
}
