package blockvol

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

const testBlock = 4096

func TestBlockVol(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "submit_write_read_unmap", run: testSubmitWriteReadUnmap},
		{name: "submit_rejects_bad_io", run: testSubmitRejectsBadIO},
		{name: "overwrite_and_trim", run: testOverwriteAndTrim},
		{name: "reopen_keeps_data_and_identity", run: testReopenKeepsDataAndIdentity},
		{name: "open_rejects_foreign_files", run: testOpenRejectsForeignFiles},
		{name: "create_refuses_existing_file", run: testCreateRefusesExistingFile},
		{name: "geometry_and_info", run: testGeometryAndInfo},
		{name: "closed_volume", run: testClosedVolume},
		{name: "close_waits_for_inflight_io", run: testCloseWaitsForInflightIO},
		{name: "reservation_area", run: testReservationArea},
		{name: "superblock_codec", run: testSuperblockCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func newVol(t *testing.T, blocks uint64) *BlockVol {
	t.Helper()
	v, err := CreateBlockVol(filepath.Join(t.TempDir(), "child.blk"), CreateOptions{
		VolumeSize: blocks * testBlock,
		BlockSize:  testBlock,
	})
	require.NoError(t, err)
	return v
}

func pattern(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n*testBlock)
}

func submit(t *testing.T, v *BlockVol, op bdev.Op, lba, blocks uint64, buf []byte) {
	t.Helper()
	require.NoError(t, v.Submit(context.Background(), &bdev.IO{Op: op, Offset: lba, Blocks: blocks, Buf: buf}))
}

func testSubmitWriteReadUnmap(t *testing.T) {
	v := newVol(t, 32)
	defer v.Close()

	submit(t, v, bdev.OpWrite, 4, 3, pattern(3, 'w'))
	submit(t, v, bdev.OpFlush, 0, 0, nil)
	submit(t, v, bdev.OpUnmap, 5, 1, nil)

	buf := make([]byte, 4*testBlock)
	submit(t, v, bdev.OpRead, 3, 4, buf)
	want := bytes.Join([][]byte{pattern(1, 0), pattern(1, 'w'), pattern(1, 0), pattern(1, 'w')}, nil)
	assert.Equal(t, want, buf)
}

func testSubmitRejectsBadIO(t *testing.T) {
	v := newVol(t, 16)
	defer v.Close()
	ctx := context.Background()

	err := v.Submit(ctx, &bdev.IO{Op: bdev.OpRead, Offset: 15, Blocks: 2, Buf: make([]byte, 2*testBlock)})
	assert.ErrorIs(t, err, bdev.ErrOutOfRange)

	err = v.Submit(ctx, &bdev.IO{Op: bdev.OpWrite, Offset: 0, Blocks: 1, Buf: make([]byte, 512)})
	assert.ErrorIs(t, err, bdev.ErrBadBuffer)

	err = v.Submit(ctx, &bdev.IO{Op: bdev.Op(42), Offset: 0, Blocks: 1})
	assert.ErrorIs(t, err, bdev.ErrUnknownOp)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err = v.Submit(cancelled, &bdev.IO{Op: bdev.OpFlush})
	assert.ErrorIs(t, err, context.Canceled)
}

func testOverwriteAndTrim(t *testing.T) {
	v := newVol(t, 8)
	defer v.Close()

	require.NoError(t, v.WriteLBA(0, pattern(3, 'a')))
	require.NoError(t, v.WriteLBA(2, pattern(1, 'b')))
	require.NoError(t, v.Trim(1, testBlock))

	got, err := v.ReadLBA(0, 3*testBlock)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join([][]byte{pattern(1, 'a'), pattern(1, 0), pattern(1, 'b')}, nil), got)

	assert.ErrorIs(t, v.Trim(0, 100), ErrAlignment)
}

func testReopenKeepsDataAndIdentity(t *testing.T) {
	v := newVol(t, 16)
	path, id := v.Path(), v.Info().UUID
	require.NoError(t, v.WriteLBA(9, pattern(1, 'p')))
	require.NoError(t, v.SyncCache())
	require.NoError(t, v.Close())

	v2, err := OpenBlockVol(path)
	require.NoError(t, err)
	defer v2.Close()

	got, err := v2.ReadLBA(9, testBlock)
	require.NoError(t, err)
	assert.Equal(t, pattern(1, 'p'), got)
	assert.Equal(t, id, v2.Info().UUID)
	assert.Equal(t, path, v2.Name())
}

func testOpenRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, make([]byte, 2*SuperblockSize), 0644))
	_, err := OpenBlockVol(plain)
	assert.ErrorIs(t, err, ErrNotBlockVol)

	// zero the block size field: magic(4) version(2) flags(2) uuid(16) size(8)
	v := newVol(t, 16)
	bad := v.Path()
	v.Close()
	f, err := os.OpenFile(bad, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 4), 32)
	require.NoError(t, err)
	f.Close()
	_, err = OpenBlockVol(bad)
	assert.ErrorIs(t, err, ErrInvalidSuperblock)

	v = newVol(t, 16)
	short := v.Path()
	v.Close()
	require.NoError(t, os.Truncate(short, SuperblockSize+bdev.ReservationAreaSize+testBlock))
	_, err = OpenBlockVol(short)
	assert.ErrorIs(t, err, ErrInvalidSuperblock)

	_, err = OpenBlockVol(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func testCreateRefusesExistingFile(t *testing.T) {
	v := newVol(t, 4)
	defer v.Close()

	_, err := CreateBlockVol(v.Path(), CreateOptions{VolumeSize: 4 * testBlock})
	assert.ErrorIs(t, err, os.ErrExist)

	_, err = CreateBlockVol(filepath.Join(t.TempDir(), "empty"), CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidVolumeSize)
}

func testGeometryAndInfo(t *testing.T) {
	v := newVol(t, 256)
	defer v.Close()

	assert.Equal(t, bdev.Geometry{BlockSize: testBlock, BlockCount: 256}, v.Geometry())
	info := v.Info()
	assert.Equal(t, uint64(256*testBlock), info.VolumeSize)
	assert.Equal(t, uint32(testBlock), info.BlockSize)
	assert.True(t, info.Healthy)
	assert.WithinDuration(t, time.Now(), info.CreatedAt, time.Minute)
}

func testClosedVolume(t *testing.T) {
	v := newVol(t, 4)
	require.NoError(t, v.Close())
	assert.NoError(t, v.Close(), "second close is a no-op")

	assert.ErrorIs(t, v.WriteLBA(0, pattern(1, 'x')), ErrVolumeClosed)
	_, err := v.ReadLBA(0, testBlock)
	assert.ErrorIs(t, err, bdev.ErrClosed)
	_, err = v.ReadReservation(context.Background())
	assert.ErrorIs(t, err, bdev.ErrClosed)
}

func testCloseWaitsForInflightIO(t *testing.T) {
	v := newVol(t, 64)
	for i := uint64(0); i < 8; i++ {
		require.NoError(t, v.WriteLBA(i, pattern(1, byte(i+1))))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []error
	)
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				var err error
				if g%2 == 0 {
					_, err = v.ReadLBA(uint64(i%8), testBlock)
				} else {
					err = v.WriteLBA(uint64(8+i%56), pattern(1, byte(i)))
				}
				if err == nil {
					continue
				}
				if !errors.Is(err, ErrVolumeClosed) {
					mu.Lock()
					failures = append(failures, err)
					mu.Unlock()
				}
				return
			}
		}(g)
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, v.Close())
	wg.Wait()
	assert.Empty(t, failures, "in-flight I/O only ever sees ErrVolumeClosed")
}

func testReservationArea(t *testing.T) {
	v := newVol(t, 8)
	ctx := context.Background()

	area, err := v.ReadReservation(ctx)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, bdev.ReservationAreaSize), area, "fresh area is zero")

	full := bytes.Repeat([]byte{'r'}, bdev.ReservationAreaSize)
	require.NoError(t, v.PersistReservation(ctx, full))
	got, err := v.ReadLBA(0, testBlock)
	require.NoError(t, err)
	assert.Equal(t, pattern(1, 0), got, "reservation write stays out of the data region")

	require.NoError(t, v.WriteLBA(0, pattern(1, 'd')))
	area, err = v.ReadReservation(ctx)
	require.NoError(t, err)
	assert.Equal(t, full, area, "data write stays out of the reservation area")

	assert.ErrorIs(t, v.PersistReservation(ctx, make([]byte, bdev.ReservationAreaSize+1)), bdev.ErrAreaTooSmall)

	require.NoError(t, v.PersistReservation(ctx, []byte("gen-7")))
	path := v.Path()
	require.NoError(t, v.Close())

	v2, err := OpenBlockVol(path)
	require.NoError(t, err)
	defer v2.Close()
	area, err = v2.ReadReservation(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("gen-7"), area[:5])
	assert.Equal(t, make([]byte, bdev.ReservationAreaSize-5), area[5:], "shorter record is zero padded")
}

func testSuperblockCodec(t *testing.T) {
	sb, err := NewSuperblock(8*testBlock, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), sb.BlockSize, "default block size")
	sb.CreatedAt = 1700000000

	var buf bytes.Buffer
	n, err := sb.WriteTo(&buf)
	require.NoError(t, err)
	assert.EqualValues(t, SuperblockSize, n)

	got, err := ReadSuperblock(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, sb, got)
	assert.NoError(t, got.Validate())

	raw := buf.Bytes()
	raw[4] = CurrentVersion + 1
	_, err = ReadSuperblock(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = NewSuperblock(0, CreateOptions{})
	assert.ErrorIs(t, err, ErrInvalidVolumeSize)

	odd := sb
	odd.VolumeSize = 8*testBlock + 1
	assert.ErrorIs(t, odd.Validate(), ErrInvalidSuperblock)
}
