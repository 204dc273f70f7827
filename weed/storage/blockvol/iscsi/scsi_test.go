package iscsi

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
	"github.com/seaweedfs/sw-block/weed/storage/bdev/memdev"
	"github.com/seaweedfs/sw-block/weed/storage/reservation"
)

// mockFrontend implements Frontend over a block map.
type mockFrontend struct {
	geometry bdev.Geometry
	healthy  bool
	blocks   map[uint64][]byte // LBA -> data
	resv     *reservation.Manager
	syncErr  error
	readErr  error
	writeErr error
	trimErr  error
}

func newMockDevice(volumeSize uint64) *mockFrontend {
	area, err := memdev.New("resv", 512, 1)
	if err != nil {
		panic(err)
	}
	source := reservation.ReplicaSourceFunc(func(ctx context.Context) ([]reservation.Replica, error) {
		return []reservation.Replica{area}, nil
	})
	return &mockFrontend{
		geometry: bdev.Geometry{BlockSize: 4096, BlockCount: volumeSize / 4096},
		healthy:  true,
		blocks:   make(map[uint64][]byte),
		resv:     reservation.NewManager("mock", source, 0),
	}
}

func (m *mockFrontend) SubmitIO(ctx context.Context, io *bdev.IO) error {
	if io.Initiator != "" {
		if err := m.resv.CheckAccess(io.Initiator, io.Op != bdev.OpRead); err != nil {
			return err
		}
	}
	bs := uint64(m.geometry.BlockSize)
	switch io.Op {
	case bdev.OpRead:
		if m.readErr != nil {
			return m.readErr
		}
		for i := uint64(0); i < io.Blocks; i++ {
			dst := io.Buf[i*bs : (i+1)*bs]
			clear(dst)
			if data, ok := m.blocks[io.Offset+i]; ok {
				copy(dst, data)
			}
		}
	case bdev.OpWrite:
		if m.writeErr != nil {
			return m.writeErr
		}
		for i := uint64(0); i < io.Blocks; i++ {
			block := make([]byte, bs)
			copy(block, io.Buf[i*bs:])
			m.blocks[io.Offset+i] = block
		}
	case bdev.OpUnmap:
		if m.trimErr != nil {
			return m.trimErr
		}
		for i := uint64(0); i < io.Blocks; i++ {
			delete(m.blocks, io.Offset+i)
		}
	case bdev.OpFlush:
		return m.syncErr
	}
	return nil
}

func (m *mockFrontend) Geometry() bdev.Geometry { return m.geometry }
func (m *mockFrontend) IsHealthy() bool         { return m.healthy }
func (m *mockFrontend) AccessState(path string) reservation.AccessState {
	return m.resv.AccessState(path)
}
func (m *mockFrontend) Reservations() *reservation.Manager { return m.resv }

func run(h *SCSIHandler, cdb [16]byte, dataOut []byte) SCSIResult {
	return h.HandleCommand(context.Background(), cdb, dataOut)
}

func cdbOf(op uint8, set func(c []byte)) [16]byte {
	var cdb [16]byte
	cdb[0] = op
	if set != nil {
		set(cdb[:])
	}
	return cdb
}

func assertSense(t *testing.T, r SCSIResult, key, asc uint8) {
	t.Helper()
	assert.Equal(t, SCSIStatusCheckCond, r.Status)
	assert.Equal(t, key, r.SenseKey)
	assert.Equal(t, asc, r.SenseASC)
}

func TestSCSIMetadata(t *testing.T) {
	const tib = uint64(1) << 40
	tests := []struct {
		name      string
		size      uint64
		unhealthy bool
		cdb       [16]byte
		check     func(t *testing.T, r SCSIResult)
	}{
		{
			name: "test_unit_ready",
			cdb:  cdbOf(ScsiTestUnitReady, nil),
			check: func(t *testing.T, r SCSIResult) {
				assert.Equal(t, SCSIStatusGood, r.Status)
			},
		},
		{
			name:      "test_unit_ready_degraded_to_nothing",
			unhealthy: true,
			cdb:       cdbOf(ScsiTestUnitReady, nil),
			check: func(t *testing.T, r SCSIResult) {
				assertSense(t, r, SenseNotReady, ASCNotReady)
				assert.Equal(t, ASCQNotReady, r.SenseASCQ)
			},
		},
		{
			name: "inquiry_standard",
			cdb:  cdbOf(ScsiInquiry, func(c []byte) { binary.BigEndian.PutUint16(c[3:5], 96) }),
			check: func(t *testing.T, r SCSIResult) {
				require.Len(t, r.Data, 96)
				assert.Equal(t, uint8(0x00), r.Data[0], "direct access block device")
				assert.Equal(t, "SeaweedF", string(r.Data[8:16]))
				assert.Equal(t, "SwBlock Nexus   ", string(r.Data[16:32]))
				assert.NotZero(t, r.Data[7]&0x02, "CmdQue")
			},
		},
		{
			name: "inquiry_truncated_to_allocation",
			cdb:  cdbOf(ScsiInquiry, func(c []byte) { binary.BigEndian.PutUint16(c[3:5], 10) }),
			check: func(t *testing.T, r SCSIResult) {
				assert.Len(t, r.Data, 10)
			},
		},
		{
			name: "vpd_supported_pages",
			cdb:  cdbOf(ScsiInquiry, func(c []byte) { c[1], c[2] = 0x01, 0x00; binary.BigEndian.PutUint16(c[3:5], 255) }),
			check: func(t *testing.T, r SCSIResult) {
				require.Len(t, r.Data, 7)
				assert.Equal(t, []byte{0x00, 0x80, 0x83}, r.Data[4:7])
			},
		},
		{
			name: "vpd_serial",
			cdb:  cdbOf(ScsiInquiry, func(c []byte) { c[1], c[2] = 0x01, 0x80; binary.BigEndian.PutUint16(c[3:5], 255) }),
			check: func(t *testing.T, r SCSIResult) {
				assert.Equal(t, uint8(0x80), r.Data[1])
				assert.Equal(t, "SWB00001", string(r.Data[4:]))
			},
		},
		{
			name: "vpd_device_identification",
			cdb:  cdbOf(ScsiInquiry, func(c []byte) { c[1], c[2] = 0x01, 0x83; binary.BigEndian.PutUint16(c[3:5], 255) }),
			check: func(t *testing.T, r SCSIResult) {
				assert.Equal(t, uint8(0x83), r.Data[1])
				assert.Equal(t, uint16(12), binary.BigEndian.Uint16(r.Data[2:4]))
			},
		},
		{
			name: "vpd_unknown_page",
			cdb:  cdbOf(ScsiInquiry, func(c []byte) { c[1], c[2] = 0x01, 0xff }),
			check: func(t *testing.T, r SCSIResult) {
				assertSense(t, r, SenseIllegalRequest, ASCInvalidFieldInCDB)
			},
		},
		{
			name: "read_capacity_10",
			size: 100 * 4096,
			cdb:  cdbOf(ScsiReadCapacity10, nil),
			check: func(t *testing.T, r SCSIResult) {
				require.Len(t, r.Data, 8)
				assert.Equal(t, uint32(99), binary.BigEndian.Uint32(r.Data[0:4]))
				assert.Equal(t, uint32(4096), binary.BigEndian.Uint32(r.Data[4:8]))
			},
		},
		{
			name: "read_capacity_10_overflow",
			size: (1<<32 + 1) * 4096,
			cdb:  cdbOf(ScsiReadCapacity10, nil),
			check: func(t *testing.T, r SCSIResult) {
				assert.Equal(t, uint32(0xFFFFFFFF), binary.BigEndian.Uint32(r.Data[0:4]))
			},
		},
		{
			name: "read_capacity_16",
			size: 3 * tib,
			cdb: cdbOf(ScsiReadCapacity16, func(c []byte) {
				c[1] = ScsiSAReadCapacity16
				binary.BigEndian.PutUint32(c[10:14], 32)
			}),
			check: func(t *testing.T, r SCSIResult) {
				require.Len(t, r.Data, 32)
				assert.Equal(t, 3*tib/4096-1, binary.BigEndian.Uint64(r.Data[0:8]))
				assert.NotZero(t, r.Data[14]&0x80, "LBPME")
			},
		},
		{
			name: "read_capacity_16_bad_service_action",
			cdb:  cdbOf(ScsiReadCapacity16, func(c []byte) { c[1] = 0x05 }),
			check: func(t *testing.T, r SCSIResult) {
				assertSense(t, r, SenseIllegalRequest, ASCInvalidOpcode)
			},
		},
		{
			name: "mode_sense_6",
			cdb:  cdbOf(ScsiModeSense6, func(c []byte) { c[4] = 255 }),
			check: func(t *testing.T, r SCSIResult) {
				require.Len(t, r.Data, 4)
				assert.Zero(t, r.Data[2]&0x80, "write protect")
			},
		},
		{
			name: "report_luns",
			cdb:  cdbOf(ScsiReportLuns, func(c []byte) { binary.BigEndian.PutUint32(c[6:10], 256) }),
			check: func(t *testing.T, r SCSIResult) {
				assert.Equal(t, uint32(8), binary.BigEndian.Uint32(r.Data[0:4]))
			},
		},
		{
			name: "unknown_opcode",
			cdb:  cdbOf(0xff, nil),
			check: func(t *testing.T, r SCSIResult) {
				assertSense(t, r, SenseIllegalRequest, ASCInvalidOpcode)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := tt.size
			if size == 0 {
				size = 1 << 20
			}
			dev := newMockDevice(size)
			dev.healthy = !tt.unhealthy
			tt.check(t, run(NewSCSIHandler(dev, "iqn.a", "port1"), tt.cdb, nil))
		})
	}
}

func TestSCSIData(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "write_read_roundtrip", run: testWriteReadRoundtrip},
		{name: "out_of_range", run: testOutOfRange},
		{name: "short_data_out", run: testShortDataOut},
		{name: "zero_length_transfer", run: testZeroLengthTransfer},
		{name: "unmap", run: testUnmap},
		{name: "unmap_bad_parameter_list", run: testUnmapBadParameterList},
		{name: "device_errors", run: testDeviceErrors},
		{name: "build_sense_data", run: testBuildSenseData},
		{name: "ana_inaccessible_path", run: testANAInaccessiblePath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func rw16(op uint8, lba uint64, blocks uint32) [16]byte {
	return cdbOf(op, func(c []byte) {
		binary.BigEndian.PutUint64(c[2:10], lba)
		binary.BigEndian.PutUint32(c[10:14], blocks)
	})
}

func rw10(op uint8, lba uint32, blocks uint16) [16]byte {
	return cdbOf(op, func(c []byte) {
		binary.BigEndian.PutUint32(c[2:6], lba)
		binary.BigEndian.PutUint16(c[7:9], blocks)
	})
}

func unmapList(ranges ...[2]uint64) []byte {
	out := make([]byte, 8+16*len(ranges))
	binary.BigEndian.PutUint16(out[0:2], uint16(len(out)-2))
	binary.BigEndian.PutUint16(out[2:4], uint16(16*len(ranges)))
	for i, r := range ranges {
		binary.BigEndian.PutUint64(out[8+16*i:], r[0])
		binary.BigEndian.PutUint32(out[16+16*i:], uint32(r[1]))
	}
	return out
}

func testWriteReadRoundtrip(t *testing.T) {
	dev := newMockDevice(100 * 4096)
	h := NewSCSIHandler(dev, "iqn.a", "port1")

	data := make([]byte, 2*4096)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.Equal(t, SCSIStatusGood, run(h, rw16(ScsiWrite16, 50, 2), data).Status)
	assert.Equal(t, data[:4096], dev.blocks[50])
	assert.Equal(t, data[4096:], dev.blocks[51])

	r := run(h, rw10(ScsiRead10, 50, 2), nil)
	require.Equal(t, SCSIStatusGood, r.Status)
	assert.Equal(t, data, r.Data)

	r = run(h, rw16(ScsiRead16, 51, 1), nil)
	require.Equal(t, SCSIStatusGood, r.Status)
	assert.Equal(t, data[4096:], r.Data)

	r = run(h, rw10(ScsiRead10, 7, 1), nil)
	require.Equal(t, SCSIStatusGood, r.Status)
	assert.Equal(t, make([]byte, 4096), r.Data, "unwritten block")
}

func testOutOfRange(t *testing.T) {
	h := NewSCSIHandler(newMockDevice(10*4096), "iqn.a", "port1")
	assertSense(t, run(h, rw10(ScsiWrite10, 9, 2), make([]byte, 2*4096)), SenseIllegalRequest, ASCLBAOutOfRange)
	assertSense(t, run(h, rw10(ScsiRead10, 10, 1), nil), SenseIllegalRequest, ASCLBAOutOfRange)
	assertSense(t, run(h, rw16(ScsiRead16, 1<<63, 1), nil), SenseIllegalRequest, ASCLBAOutOfRange)
}

func testShortDataOut(t *testing.T) {
	h := NewSCSIHandler(newMockDevice(10*4096), "iqn.a", "port1")
	assertSense(t, run(h, rw10(ScsiWrite10, 0, 2), make([]byte, 4096)), SenseIllegalRequest, ASCInvalidFieldInCDB)
}

func testZeroLengthTransfer(t *testing.T) {
	dev := newMockDevice(10 * 4096)
	dev.readErr = errors.New("must not be called")
	h := NewSCSIHandler(dev, "iqn.a", "port1")
	assert.Equal(t, SCSIStatusGood, run(h, rw10(ScsiRead10, 0, 0), nil).Status)
}

func testUnmap(t *testing.T) {
	dev := newMockDevice(100 * 4096)
	h := NewSCSIHandler(dev, "iqn.a", "port1")
	for _, lba := range []uint64{3, 7, 8, 20} {
		dev.blocks[lba] = bytes.Repeat([]byte{0xff}, 4096)
	}

	require.Equal(t, SCSIStatusGood, run(h, cdbOf(ScsiUnmap, nil), unmapList([2]uint64{3, 1}, [2]uint64{7, 2})).Status)
	assert.Len(t, dev.blocks, 1)
	assert.Contains(t, dev.blocks, uint64(20))

	r := run(h, cdbOf(ScsiUnmap, nil), unmapList([2]uint64{99, 2}))
	assertSense(t, r, SenseIllegalRequest, ASCLBAOutOfRange)
}

func testUnmapBadParameterList(t *testing.T) {
	h := NewSCSIHandler(newMockDevice(100*4096), "iqn.a", "port1")
	assertSense(t, run(h, cdbOf(ScsiUnmap, nil), []byte{1, 2, 3}), SenseIllegalRequest, ASCInvalidFieldInCDB)

	list := unmapList([2]uint64{1, 1})
	binary.BigEndian.PutUint16(list[2:4], 12) // not a whole descriptor
	assertSense(t, run(h, cdbOf(ScsiUnmap, nil), list), SenseIllegalRequest, ASCInvalidFieldInCDB)

	binary.BigEndian.PutUint16(list[2:4], 32) // longer than the list
	assertSense(t, run(h, cdbOf(ScsiUnmap, nil), list), SenseIllegalRequest, ASCInvalidFieldInCDB)
}

func testDeviceErrors(t *testing.T) {
	dev := newMockDevice(100 * 4096)
	h := NewSCSIHandler(dev, "iqn.a", "port1")
	boom := errors.New("io error")

	dev.readErr = boom
	assertSense(t, run(h, rw10(ScsiRead10, 0, 1), nil), SenseMediumError, 0x11)

	dev.writeErr = boom
	assertSense(t, run(h, rw10(ScsiWrite10, 0, 1), make([]byte, 4096)), SenseMediumError, 0x0C)

	dev.trimErr = boom
	assertSense(t, run(h, cdbOf(ScsiUnmap, nil), unmapList([2]uint64{0, 1})), SenseMediumError, 0x0C)

	assert.Equal(t, SCSIStatusGood, run(h, cdbOf(ScsiSyncCache10, nil), nil).Status)
	dev.syncErr = boom
	assertSense(t, run(h, cdbOf(ScsiSyncCache16, nil), nil), SenseHardwareError, 0x00)
}

func testBuildSenseData(t *testing.T) {
	data := BuildSenseData(SenseIllegalRequest, ASCInvalidOpcode, ASCQLuk)
	require.Len(t, data, 18)
	assert.Equal(t, uint8(0x70), data[0])
	assert.Equal(t, SenseIllegalRequest, data[2])
	assert.Equal(t, uint8(10), data[7])
	assert.Equal(t, ASCInvalidOpcode, data[12])
}

func testANAInaccessiblePath(t *testing.T) {
	dev := newMockDevice(100 * 4096)
	require.NoError(t, dev.resv.SetAccessState(context.Background(), "port1", reservation.Inaccessible))

	r := run(NewSCSIHandler(dev, "iqn.a", "port1"), rw10(ScsiRead10, 0, 1), nil)
	assertSense(t, r, SenseNotReady, ASCNotReady)
	assert.Equal(t, ASCQStandby, r.SenseASCQ)

	assert.Equal(t, SCSIStatusGood, run(NewSCSIHandler(dev, "iqn.a", "port2"), rw10(ScsiRead10, 0, 1), nil).Status)
	assert.Equal(t, SCSIStatusGood, run(NewSCSIHandler(dev, "iqn.a", "port1"), cdbOf(ScsiInquiry, nil), nil).Status,
		"INQUIRY works on an inaccessible path")
}
