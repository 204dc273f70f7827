// Package memdev is a sparse in-memory block device. Unwritten and unmapped
// blocks read back as zeros. It backs "malloc" children and most tests.
package memdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

type block struct {
	lba  uint64
	data []byte
}

func blockLess(a, b block) bool {
	return a.lba < b.lba
}

// Device is an in-memory bdev.Device.
type Device struct {
	name     string
	geometry bdev.Geometry

	mu     sync.RWMutex
	blocks *btree.BTreeG[block]
	resv   []byte
	closed bool
}

var _ bdev.Device = (*Device)(nil)

// New creates a device of blockCount blocks of blockSize bytes.
func New(name string, blockSize uint32, blockCount uint64) (*Device, error) {
	if blockSize == 0 || blockSize%512 != 0 {
		return nil, fmt.Errorf("memdev %s: block size %d must be a multiple of 512", name, blockSize)
	}
	if blockCount == 0 {
		return nil, fmt.Errorf("memdev %s: block count must be > 0", name)
	}
	return &Device{
		name:     name,
		geometry: bdev.Geometry{BlockSize: blockSize, BlockCount: blockCount},
		blocks:   btree.NewG[block](16, blockLess),
		resv:     make([]byte, bdev.ReservationAreaSize),
	}, nil
}

func (d *Device) Name() string {
	return d.name
}

func (d *Device) Geometry() bdev.Geometry {
	return d.geometry
}

func (d *Device) Submit(ctx context.Context, io *bdev.IO) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := bdev.ValidateIO(io, d.geometry); err != nil {
		return err
	}
	bs := uint64(d.geometry.BlockSize)
	switch io.Op {
	case bdev.OpRead:
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return bdev.ErrClosed
		}
		for i := uint64(0); i < io.Blocks; i++ {
			dst := io.Buf[i*bs : (i+1)*bs]
			if b, ok := d.blocks.Get(block{lba: io.Offset + i}); ok {
				copy(dst, b.data)
			} else {
				clear(dst)
			}
		}
	case bdev.OpWrite:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return bdev.ErrClosed
		}
		for i := uint64(0); i < io.Blocks; i++ {
			data := make([]byte, bs)
			copy(data, io.Buf[i*bs:(i+1)*bs])
			d.blocks.ReplaceOrInsert(block{lba: io.Offset + i, data: data})
		}
	case bdev.OpUnmap:
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return bdev.ErrClosed
		}
		var doomed []block
		d.blocks.AscendRange(block{lba: io.Offset}, block{lba: io.End()}, func(b block) bool {
			doomed = append(doomed, b)
			return true
		})
		for _, b := range doomed {
			d.blocks.Delete(b)
		}
	case bdev.OpFlush:
		d.mu.RLock()
		defer d.mu.RUnlock()
		if d.closed {
			return bdev.ErrClosed
		}
	}
	return nil
}

func (d *Device) PersistReservation(ctx context.Context, record []byte) error {
	if len(record) > bdev.ReservationAreaSize {
		return fmt.Errorf("%w: %d bytes", bdev.ErrAreaTooSmall, len(record))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return bdev.ErrClosed
	}
	clear(d.resv)
	copy(d.resv, record)
	return nil
}

func (d *Device) ReadReservation(ctx context.Context) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, bdev.ErrClosed
	}
	out := make([]byte, len(d.resv))
	copy(out, d.resv)
	return out, nil
}

// Allocated returns the number of blocks holding data.
func (d *Device) Allocated() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.blocks.Len()
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.blocks.Clear(false)
	return nil
}
