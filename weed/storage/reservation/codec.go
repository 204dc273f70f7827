package reservation

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/minio/crc64nvme"
)

// On-disk layout, little endian:
//
//	magic[4] version u16 length u32 generation u64
//	holder str type u8 holderKey u64
//	registrants u32 { initiator str key u64 }
//	paths u32 { path str state u8 }
//	crc64 u64 (NVMe polynomial, over everything before it)
//
// str is a u16 length followed by the bytes. length counts every byte up to
// and excluding the checksum.
const (
	recordMagic   = "SWRV"
	recordVersion = 1
	headerSize    = 4 + 2 + 4
	checksumSize  = 8
)

// Encode serializes r. Map entries are written sorted, so equal records
// always encode to identical bytes.
func Encode(r *Record) []byte {
	var buf bytes.Buffer
	le := binary.LittleEndian
	buf.WriteString(recordMagic)
	buf.Write(le.AppendUint16(nil, recordVersion))
	buf.Write(make([]byte, 4)) // length, patched below
	buf.Write(le.AppendUint64(nil, r.Generation))
	writeString(&buf, r.Holder)
	buf.WriteByte(byte(r.Type))
	buf.Write(le.AppendUint64(nil, r.HolderKey))

	buf.Write(le.AppendUint32(nil, uint32(len(r.Registrants))))
	for _, initiator := range r.sortedRegistrants() {
		writeString(&buf, initiator)
		buf.Write(le.AppendUint64(nil, r.Registrants[initiator]))
	}
	buf.Write(le.AppendUint32(nil, uint32(len(r.Access))))
	for _, path := range r.sortedPaths() {
		writeString(&buf, path)
		buf.WriteByte(byte(r.Access[path]))
	}

	out := buf.Bytes()
	le.PutUint32(out[6:10], uint32(len(out)))
	return le.AppendUint64(out, crc64nvme.Checksum(out))
}

func writeString(buf *bytes.Buffer, s string) {
	buf.Write(binary.LittleEndian.AppendUint16(nil, uint16(len(s))))
	buf.WriteString(s)
}

// Decode parses a reservation area. Trailing padding after the record is
// ignored. An area that starts with zeros is blank and yields ErrNoRecord.
func Decode(area []byte) (*Record, error) {
	if len(area) < headerSize || bytes.Equal(area[:4], make([]byte, 4)) {
		return nil, ErrNoRecord
	}
	if string(area[:4]) != recordMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptRecord, area[:4])
	}
	le := binary.LittleEndian
	if v := le.Uint16(area[4:6]); v != recordVersion {
		return nil, fmt.Errorf("%w: version %d", ErrCorruptRecord, v)
	}
	length := int(le.Uint32(area[6:10]))
	if length < headerSize || length+checksumSize > len(area) {
		return nil, fmt.Errorf("%w: length %d", ErrCorruptRecord, length)
	}
	body := area[:length]
	if sum := le.Uint64(area[length:]); sum != crc64nvme.Checksum(body) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptRecord)
	}

	d := decoder{buf: body, off: headerSize}
	r := NewRecord()
	r.Generation = d.u64()
	r.Holder = d.str()
	r.Type = Type(d.u8())
	r.HolderKey = d.u64()
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		initiator := d.str()
		r.Registrants[initiator] = d.u64()
	}
	for n := d.u32(); n > 0 && d.err == nil; n-- {
		path := d.str()
		r.Access[path] = AccessState(d.u8())
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRecord, len(body)-d.off)
	}
	return r, nil
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.buf) {
		d.err = fmt.Errorf("%w: truncated at %d", ErrCorruptRecord, d.off)
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) str() string {
	n := 0
	if b := d.take(2); b != nil {
		n = int(binary.LittleEndian.Uint16(b))
	}
	return string(d.take(n))
}
