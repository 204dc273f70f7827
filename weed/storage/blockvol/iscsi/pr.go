package iscsi

import (
	"context"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/golang/glog"

	"github.com/seaweedfs/sw-block/weed/storage/reservation"
)

// SPC persistent reservation type codes, mapped onto the nexus types.
var scsiTypes = map[uint8]reservation.Type{
	0x01: reservation.WriteExclusive,
	0x03: reservation.ExclusiveAccess,
	0x05: reservation.WriteExclusiveRegsOnly,
	0x06: reservation.ExclusiveAccessRegsOnly,
	0x07: reservation.WriteExclusiveAllRegs,
	0x08: reservation.ExclusiveAccessAllRegs,
}

func scsiTypeCode(t reservation.Type) uint8 {
	for code, rt := range scsiTypes {
		if rt == t {
			return code
		}
	}
	return 0
}

const ASCInternalTargetFailure uint8 = 0x44

func (h *SCSIHandler) persistReserveIn(cdb [16]byte) SCSIResult {
	allocLen := binary.BigEndian.Uint16(cdb[7:9])
	rec := h.dev.Reservations().Record()

	var data []byte
	switch cdb[1] & 0x1f {
	case PRInReadKeys:
		ids := make([]string, 0, len(rec.Registrants))
		for id := range rec.Registrants {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		data = make([]byte, 8+8*len(ids))
		binary.BigEndian.PutUint32(data[0:4], uint32(rec.Generation))
		binary.BigEndian.PutUint32(data[4:8], uint32(8*len(ids)))
		for i, id := range ids {
			binary.BigEndian.PutUint64(data[8+8*i:], rec.Registrants[id])
		}
	case PRInReadReservation:
		data = make([]byte, 8)
		binary.BigEndian.PutUint32(data[0:4], uint32(rec.Generation))
		if rec.Reserved() {
			binary.BigEndian.PutUint32(data[4:8], 16)
			desc := make([]byte, 16)
			// all-registrants reservations report key zero
			if !rec.Type.AllRegistrants() {
				binary.BigEndian.PutUint64(desc[0:8], rec.HolderKey)
			}
			desc[13] = scsiTypeCode(rec.Type) & 0x0f // scope LU, type
			data = append(data, desc...)
		}
	default:
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}

	if int(allocLen) < len(data) {
		data = data[:allocLen]
	}
	return SCSIResult{Status: SCSIStatusGood, Data: data}
}

func (h *SCSIHandler) persistReserveOut(ctx context.Context, cdb [16]byte, dataOut []byte) SCSIResult {
	if len(dataOut) < 24 {
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}
	key := binary.BigEndian.Uint64(dataOut[0:8])
	saKey := binary.BigEndian.Uint64(dataOut[8:16])
	m := h.dev.Reservations()

	var err error
	switch sa := cdb[1] & 0x1f; sa {
	case PROutRegister:
		err = h.register(ctx, m, key, saKey)
	case PROutReserve:
		t, ok := scsiTypes[cdb[2]&0x0f]
		if !ok {
			return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
		}
		if err = h.checkKey(m, key); err == nil {
			err = m.Reserve(ctx, h.initiator, t)
		}
	case PROutRelease:
		if err = h.checkKey(m, key); err == nil {
			err = m.Release(ctx, h.initiator)
		}
	case PROutPreempt:
		if saKey == 0 {
			return illegalRequest(ASCInvalidFieldInPL, ASCQLuk)
		}
		if err = h.checkKey(m, key); err == nil {
			err = m.Preempt(ctx, h.initiator, saKey)
		}
	default:
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}

	switch {
	case err == nil:
		return SCSIResult{Status: SCSIStatusGood}
	case errors.Is(err, reservation.ErrConflict):
		return SCSIResult{Status: SCSIStatusResvConflict}
	case errors.Is(err, reservation.ErrInvalidType):
		return illegalRequest(ASCInvalidFieldInCDB, ASCQLuk)
	}
	glog.Warningf("scsi %s: persistent reserve out: %v", h.initiator, err)
	return SCSIResult{
		Status:    SCSIStatusCheckCond,
		SenseKey:  SenseHardwareError,
		SenseASC:  ASCInternalTargetFailure,
		SenseASCQ: 0x00,
	}
}

// register adds the I_T nexus with saKey, or removes it when saKey is zero.
// Changing the key of an existing registration is refused.
func (h *SCSIHandler) register(ctx context.Context, m *reservation.Manager, key, saKey uint64) error {
	old, registered := m.Record().Registrants[h.initiator]
	if saKey == 0 {
		if !registered {
			return nil
		}
		return m.Unregister(ctx, h.initiator, key)
	}
	if registered && old != key {
		return reservation.ErrConflict
	}
	if !registered && key != 0 {
		return reservation.ErrConflict
	}
	return m.Register(ctx, h.initiator, saKey)
}

func (h *SCSIHandler) checkKey(m *reservation.Manager, key uint64) error {
	k, ok := m.Record().Registrants[h.initiator]
	if !ok || k != key {
		return reservation.ErrConflict
	}
	return nil
}
