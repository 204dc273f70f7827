// Package iscsi turns SCSI CDBs into nexus I/O and reservation calls. A
// target service embeds one SCSIHandler per I_T nexus and feeds it the
// commands it receives; the login, PDU and session layers of such a service
// live outside this module.
package iscsi

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/golang/glog"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
	"github.com/seaweedfs/sw-block/weed/storage/reservation"
)

// SCSI opcode constants (SPC-5 / SBC-4)
const (
	ScsiTestUnitReady     uint8 = 0x00
	ScsiInquiry           uint8 = 0x12
	ScsiModeSense6        uint8 = 0x1a
	ScsiReadCapacity10    uint8 = 0x25
	ScsiRead10            uint8 = 0x28
	ScsiWrite10           uint8 = 0x2a
	ScsiSyncCache10       uint8 = 0x35
	ScsiUnmap             uint8 = 0x42
	ScsiPersistReserveIn  uint8 = 0x5e
	ScsiPersistReserveOut uint8 = 0x5f
	ScsiReportLuns        uint8 = 0xa0
	ScsiRead16            uint8 = 0x88
	ScsiWrite16           uint8 = 0x8a
	ScsiReadCapacity16    uint8 = 0x9e // SERVICE ACTION IN (16), SA=0x10
	ScsiSyncCache16       uint8 = 0x91
)

// Service action for READ CAPACITY (16)
const ScsiSAReadCapacity16 uint8 = 0x10

// PERSISTENT RESERVE IN service actions
const (
	PRInReadKeys        uint8 = 0x00
	PRInReadReservation uint8 = 0x01
)

// PERSISTENT RESERVE OUT service actions
const (
	PROutRegister uint8 = 0x00
	PROutReserve  uint8 = 0x01
	PROutRelease  uint8 = 0x02
	PROutPreempt  uint8 = 0x04
)

// SCSI status codes
const (
	SCSIStatusGood         uint8 = 0x00
	SCSIStatusCheckCond    uint8 = 0x02
	SCSIStatusBusy         uint8 = 0x08
	SCSIStatusResvConflict uint8 = 0x18
)

// SCSI sense keys
const (
	SenseNoSense        uint8 = 0x00
	SenseNotReady       uint8 = 0x02
	SenseMediumError    uint8 = 0x03
	SenseHardwareError  uint8 = 0x04
	SenseIllegalRequest uint8 = 0x05
	SenseAbortedCommand uint8 = 0x0b
)

// ASC/ASCQ pairs
const (
	ASCInvalidOpcode     uint8 = 0x20
	ASCQLuk              uint8 = 0x00
	ASCInvalidFieldInCDB uint8 = 0x24
	ASCInvalidFieldInPL  uint8 = 0x26
	ASCLBAOutOfRange     uint8 = 0x21
	ASCNotReady          uint8 = 0x04
	ASCQNotReady         uint8 = 0x03 // manual intervention required
	ASCQStandby          uint8 = 0x0b // target port in standby state
)

// Frontend is what the SCSI command handler needs from the device it
// exports. *nexus.Nexus implements it.
type Frontend interface {
	SubmitIO(ctx context.Context, io *bdev.IO) error
	Geometry() bdev.Geometry
	IsHealthy() bool
	AccessState(path string) reservation.AccessState
	Reservations() *reservation.Manager
}

// SCSIHandler processes SCSI commands of one I_T nexus: one initiator
// talking through one target port (path).
type SCSIHandler struct {
	dev       Frontend
	initiator string
	path      string
	vendorID  string // 8 bytes for INQUIRY
	prodID    string // 16 bytes for INQUIRY
	serial    string // for VPD page 0x80
}

// NewSCSIHandler creates a SCSI command handler for initiator reaching dev
// through path.
func NewSCSIHandler(dev Frontend, initiator, path string) *SCSIHandler {
	return &SCSIHandler{
		dev:       dev,
		initiator: initiator,
		path:      path,
		vendorID:  "SeaweedF",
		prodID:    "SwBlock Nexus   ",
		serial:    "SWB00001",
	}
}

// SCSIResult holds the result of a SCSI command execution.
type SCSIResult struct {
	Status    uint8  // SCSI status
	Data      []byte // Response data (for Data-In)
	SenseKey  uint8  // Sense key (if CHECK_CONDITION)
	SenseASC  uint8  // Additional sense code
	SenseASCQ uint8  // Additional sense code qualifier
}

// HandleCommand dispatches a SCSI CDB to the appropriate handler.
// dataOut contains any data sent by the initiator (for WRITE commands).
func (h *SCSIHandler) HandleCommand(ctx context.Context, cdb [16]byte, dataOut []byte) SCSIResult {
	opcode := cdb[0]

	switch opcode {
	case ScsiTestUnitReady:
		return h.testUnitReady()
	case ScsiInquiry:
		return h.inquiry(cdb)
	case ScsiModeSense6:
		return h.modeSense6(cdb)
	case ScsiReadCapacity10:
		return h.readCapacity10()
	case ScsiReadCapacity16:
		sa := cdb[1] & 0x1f
		if sa == ScsiSAReadCapacity16 {
			return h.readCapacity16(cdb)
		}
		return illegalRequest(ASCInvalidOpcode, ASCQLuk)
	case ScsiReportLuns:
		return h.reportLuns(cdb)
	case ScsiPersistReserveIn:
		return h.persistReserveIn(cdb)
	case ScsiPersistReserveOut:
		return h.persistReserveOut(ctx, cdb, dataOut)
	}

	if h.dev.AccessState(h.path) == reservation.Inaccessible {
		return SCSIResult{
			Status:    SCSIStatusCheckCond,
			SenseKey:  SenseNotReady,
			SenseASC:  ASCNotReady,
			SenseASCQ: ASCQStandby,
		}
	}

	switch opcode {
	case ScsiRead10:
		return h.read10(ctx, cdb)
	case ScsiRead16:
		return h.read16(ctx, cdb)
	case ScsiWrite10:
		return h.write10(ctx, cdb, dataOut)
	case ScsiWrite16:
		return h.write16(ctx, cdb, dataOut)
	case ScsiSyncCache10:
		return h.syncCache(ctx)
	case ScsiSyncCache16:
		return h.syncCache(ctx)
	case ScsiUnmap:
		return h.unmap(ctx, cdb, dataOut)
	default:
		return illegalRequest(ASCInvalidOpcode, ASCQLuk)
	}
}

// --- Metadata commands ---

func (h *SCSIHandler) testUnitReady() SCSIResult {
	if !h.dev.IsHealthy() {
		return SCSIResult{
			Status:    SCSIStatusCheckCond,
			SenseKey:  SenseNotReady,
			SenseASC:  ASCNotReady,
			SenseASCQ: ASCQNotReady,
		}
	}
	return SCSIResult{Status: SCSIStatusGood}
}

func (h *SCSIHandler) inquiry(cdb [16]byte) SCSIResult {
	evpd := cdb[1] & 0x01
	pageCode := cdb[2]
	allocLen := binary.BigEndian.Uint16(cdb[3:5])
	if allocLen == 0 {
		allocLen = 36
	}

	if evpd != 0 {
		return h.inquiryVPD(pageCode, allocLen)
	}

	// Standard INQUIRY response (SPC-5, Section 6.6.1)
	data := make([]byte, 96)
	data[0] = 0x00 // Peripheral device type: SBC (direct access block device)
	data[1] = 0x00 // RMB=0 (not removable)
	data[2] = 0x06 // SPC-4 version
	data[3] = 0x02 // Response data format = 2 (SPC-2+)
	data[4] = 91   // Additional length (96-5)
	data[5] = 0x00 // SCCS, ACC, TPGS, 3PC
	data[6] = 0x00 // Obsolete, EncServ, VS, MultiP
	data[7] = 0x02 // CmdQue=1 (supports command queuing)

	copy(data[8:16], padRight(h.vendorID, 8))
	copy(data[16:32], padRight(h.prodID, 16))
	copy(data[32:36], "0001")

	if int(allocLen) < len(data) {
		data = data[:allocLen]
	}
	return SCSIResult{Status: SCSIStatusGood, Data: data}
}

func (h *SCSIHandler) inquiryVPD(pageCode uint8, allocLen uint16) SCSIResult {
	switch pageCode {
	case 0x00: // Supported VPD pages
		data := []byte{
			0x00,       // device type
			0x00,       // page code
			0x00, 0x03, // page length
			0x00, // supported pages: 0x00
			0x80, //                  0x80 (serial)
			0x83, //                  0x83 (device identification)
		}
		if int(allocLen) < len(data) {
			data = data[:allocLen]
		}
		return SCSIResult{Status: SCSIStatusGood, Data: data}

	case 0x80: // Unit serial number
		serial := padRight(h.serial, 8)
		data := make([]byte, 4+len(serial))
		data[0] = 0x00
		data[1] = 0x80
		binary.BigEndian.PutUint16(data[2:4], uint16(len(serial)))
		copy(data[4:], serial)
		if int(allocLen) < len(data) {
			data = data[:allocLen]
		}
		return SCSIResult{Status: SCSIStatusGood, Data: data}

	case 0x83: // Device identification
		naaID := []byte{
			0x01,                                           // code set: binary
			0x03,                                           // identifier type: NAA
			0x00,                                           // reserved
			0x08,                                           // identifier length
			0x60, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, // NAA-6 fake
		}
		data := make([]byte, 4+len(naaID))
		data[0] = 0x00
		data[1] = 0x83
		binary.BigEndian.PutUint16(data[2:4], uint16(len(naaID)))
		copy(data[4:], naaID)
		if int(allocLen) < len(data) {
			data = data[:allocLen]
		}
		return SCSIResult{Status: SCSIStatusGood, Data: data}

	default:
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}
}

func (h *SCSIHandler) readCapacity10() SCSIResult {
	g := h.dev.Geometry()

	data := make([]byte, 8)
	// If >2TB (blocks > 0xFFFFFFFF), return 0xFFFFFFFF to signal use READ_CAPACITY_16
	if g.BlockCount > 0xFFFFFFFF {
		binary.BigEndian.PutUint32(data[0:4], 0xFFFFFFFF)
	} else {
		binary.BigEndian.PutUint32(data[0:4], uint32(g.BlockCount-1)) // last LBA
	}
	binary.BigEndian.PutUint32(data[4:8], g.BlockSize)

	return SCSIResult{Status: SCSIStatusGood, Data: data}
}

func (h *SCSIHandler) readCapacity16(cdb [16]byte) SCSIResult {
	allocLen := binary.BigEndian.Uint32(cdb[10:14])
	if allocLen < 32 {
		allocLen = 32
	}

	g := h.dev.Geometry()

	data := make([]byte, 32)
	binary.BigEndian.PutUint64(data[0:8], g.BlockCount-1) // last LBA
	binary.BigEndian.PutUint32(data[8:12], g.BlockSize)
	data[14] = 0x80 // LBPME, UNMAP is supported

	if allocLen < uint32(len(data)) {
		data = data[:allocLen]
	}
	return SCSIResult{Status: SCSIStatusGood, Data: data}
}

func (h *SCSIHandler) modeSense6(cdb [16]byte) SCSIResult {
	allocLen := cdb[4]
	if allocLen == 0 {
		allocLen = 4
	}

	data := make([]byte, 4)
	data[0] = 3    // Mode data length (3 bytes follow)
	data[1] = 0x00 // Medium type: default
	data[2] = 0x00 // Device-specific parameter (no write protect)
	data[3] = 0x00 // Block descriptor length = 0

	if int(allocLen) < len(data) {
		data = data[:allocLen]
	}
	return SCSIResult{Status: SCSIStatusGood, Data: data}
}

func (h *SCSIHandler) reportLuns(cdb [16]byte) SCSIResult {
	allocLen := binary.BigEndian.Uint32(cdb[6:10])
	if allocLen < 16 {
		allocLen = 16
	}

	// a single LUN 0
	data := make([]byte, 16)
	binary.BigEndian.PutUint32(data[0:4], 8)

	if allocLen < uint32(len(data)) {
		data = data[:allocLen]
	}
	return SCSIResult{Status: SCSIStatusGood, Data: data}
}

// --- Data commands ---

func (h *SCSIHandler) read10(ctx context.Context, cdb [16]byte) SCSIResult {
	lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
	transferLen := uint32(binary.BigEndian.Uint16(cdb[7:9]))
	return h.doRead(ctx, lba, transferLen)
}

func (h *SCSIHandler) read16(ctx context.Context, cdb [16]byte) SCSIResult {
	lba := binary.BigEndian.Uint64(cdb[2:10])
	transferLen := binary.BigEndian.Uint32(cdb[10:14])
	return h.doRead(ctx, lba, transferLen)
}

func (h *SCSIHandler) write10(ctx context.Context, cdb [16]byte, dataOut []byte) SCSIResult {
	lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
	transferLen := uint32(binary.BigEndian.Uint16(cdb[7:9]))
	return h.doWrite(ctx, lba, transferLen, dataOut)
}

func (h *SCSIHandler) write16(ctx context.Context, cdb [16]byte, dataOut []byte) SCSIResult {
	lba := binary.BigEndian.Uint64(cdb[2:10])
	transferLen := binary.BigEndian.Uint32(cdb[10:14])
	return h.doWrite(ctx, lba, transferLen, dataOut)
}

func (h *SCSIHandler) inRange(lba uint64, blocks uint32) bool {
	total := h.dev.Geometry().BlockCount
	return lba < total && uint64(blocks) <= total-lba
}

func (h *SCSIHandler) doRead(ctx context.Context, lba uint64, transferLen uint32) SCSIResult {
	if transferLen == 0 {
		return SCSIResult{Status: SCSIStatusGood}
	}
	if !h.inRange(lba, transferLen) {
		return illegalRequest(ASCLBAOutOfRange, ASCQLuk)
	}

	data := make([]byte, uint64(transferLen)*uint64(h.dev.Geometry().BlockSize))
	err := h.dev.SubmitIO(ctx, &bdev.IO{Op: bdev.OpRead, Offset: lba, Blocks: uint64(transferLen), Buf: data, Initiator: h.initiator})
	if err != nil {
		return h.ioFailed(err, 0x11) // Unrecovered read error
	}

	return SCSIResult{Status: SCSIStatusGood, Data: data}
}

func (h *SCSIHandler) doWrite(ctx context.Context, lba uint64, transferLen uint32, dataOut []byte) SCSIResult {
	if transferLen == 0 {
		return SCSIResult{Status: SCSIStatusGood}
	}
	if !h.inRange(lba, transferLen) {
		return illegalRequest(ASCLBAOutOfRange, ASCQLuk)
	}

	expectedBytes := uint64(transferLen) * uint64(h.dev.Geometry().BlockSize)
	if uint64(len(dataOut)) < expectedBytes {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}

	err := h.dev.SubmitIO(ctx, &bdev.IO{Op: bdev.OpWrite, Offset: lba, Blocks: uint64(transferLen), Buf: dataOut[:expectedBytes], Initiator: h.initiator})
	if err != nil {
		return h.ioFailed(err, 0x0C) // Write error
	}

	return SCSIResult{Status: SCSIStatusGood}
}

// SYNCHRONIZE CACHE is allowed under every reservation type, so it carries
// no initiator.
func (h *SCSIHandler) syncCache(ctx context.Context) SCSIResult {
	if err := h.dev.SubmitIO(ctx, &bdev.IO{Op: bdev.OpFlush}); err != nil {
		return SCSIResult{
			Status:    SCSIStatusCheckCond,
			SenseKey:  SenseHardwareError,
			SenseASC:  0x00,
			SenseASCQ: 0x00,
		}
	}
	return SCSIResult{Status: SCSIStatusGood}
}

func (h *SCSIHandler) unmap(ctx context.Context, cdb [16]byte, dataOut []byte) SCSIResult {
	if len(dataOut) < 8 {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}

	// 8 byte parameter list header, then 16 byte block descriptors
	blockDescLen := binary.BigEndian.Uint16(dataOut[2:4])

	if int(blockDescLen)+8 > len(dataOut) {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}
	if blockDescLen%16 != 0 {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}

	descData := dataOut[8 : 8+blockDescLen]
	for len(descData) >= 16 {
		lba := binary.BigEndian.Uint64(descData[0:8])
		numBlocks := binary.BigEndian.Uint32(descData[8:12])

		if numBlocks > 0 {
			if !h.inRange(lba, numBlocks) {
				return illegalRequest(ASCLBAOutOfRange, ASCQLuk)
			}
			err := h.dev.SubmitIO(ctx, &bdev.IO{Op: bdev.OpUnmap, Offset: lba, Blocks: uint64(numBlocks), Initiator: h.initiator})
			if err != nil {
				return h.ioFailed(err, 0x0C)
			}
		}
		descData = descData[16:]
	}

	return SCSIResult{Status: SCSIStatusGood}
}

func (h *SCSIHandler) ioFailed(err error, asc uint8) SCSIResult {
	if errors.Is(err, reservation.ErrConflict) {
		return SCSIResult{Status: SCSIStatusResvConflict}
	}
	glog.V(1).Infof("scsi %s: %v", h.initiator, err)
	return SCSIResult{
		Status:    SCSIStatusCheckCond,
		SenseKey:  SenseMediumError,
		SenseASC:  asc,
		SenseASCQ: 0x00,
	}
}

// BuildSenseData constructs a fixed-format sense data buffer (18 bytes).
func BuildSenseData(key, asc, ascq uint8) []byte {
	data := make([]byte, 18)
	data[0] = 0x70       // Response code: current errors, fixed format
	data[2] = key & 0x0f // Sense key
	data[7] = 10         // Additional sense length
	data[12] = asc       // ASC
	data[13] = ascq      // ASCQ
	return data
}

func illegalRequest(asc, ascq uint8) SCSIResult {
	return SCSIResult{
		Status:    SCSIStatusCheckCond,
		SenseKey:  SenseIllegalRequest,
		SenseASC:  asc,
		SenseASCQ: ascq,
	}
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	b := make([]byte, n)
	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}
	return string(b)
}
