package blockvol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

const (
	SuperblockSize = 4096
	MagicSWBK      = "SWBK"
	CurrentVersion = 2
)

var (
	ErrNotBlockVol        = errors.New("blockvol: not a blockvol file (bad magic)")
	ErrUnsupportedVersion = errors.New("blockvol: unsupported version")
	ErrInvalidVolumeSize  = errors.New("blockvol: volume size must be > 0")
	ErrInvalidSuperblock  = errors.New("blockvol: invalid superblock")
)

// Superblock is the 4KB header at offset 0 of a blockvol file.
// The reservation area follows it, then the data region.
type Superblock struct {
	Magic             [4]byte
	Version           uint16
	Flags             uint16
	UUID              [16]byte
	VolumeSize        uint64 // logical size in bytes
	BlockSize         uint32
	ReservationOffset uint64
	ReservationSize   uint32
	DataOffset        uint64
	CreatedAt         uint64 // unix timestamp
}

// NewSuperblock creates a superblock with defaults and a fresh UUID.
func NewSuperblock(volumeSize uint64, opts CreateOptions) (Superblock, error) {
	if volumeSize == 0 {
		return Superblock{}, ErrInvalidVolumeSize
	}
	blockSize := opts.BlockSize
	if blockSize == 0 {
		blockSize = 4096
	}

	sb := Superblock{
		Version:           CurrentVersion,
		VolumeSize:        volumeSize,
		BlockSize:         blockSize,
		ReservationOffset: SuperblockSize,
		ReservationSize:   bdev.ReservationAreaSize,
		DataOffset:        SuperblockSize + bdev.ReservationAreaSize,
	}
	copy(sb.Magic[:], MagicSWBK)
	sb.UUID = uuid.New()
	return sb, nil
}

// WriteTo serializes the superblock to w as a 4096-byte block.
func (sb *Superblock) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, SuperblockSize)

	endian := binary.LittleEndian
	off := 0
	off += copy(buf[off:], sb.Magic[:])
	endian.PutUint16(buf[off:], sb.Version)
	off += 2
	endian.PutUint16(buf[off:], sb.Flags)
	off += 2
	off += copy(buf[off:], sb.UUID[:])
	endian.PutUint64(buf[off:], sb.VolumeSize)
	off += 8
	endian.PutUint32(buf[off:], sb.BlockSize)
	off += 4
	endian.PutUint64(buf[off:], sb.ReservationOffset)
	off += 8
	endian.PutUint32(buf[off:], sb.ReservationSize)
	off += 4
	endian.PutUint64(buf[off:], sb.DataOffset)
	off += 8
	endian.PutUint64(buf[off:], sb.CreatedAt)

	n, err := w.Write(buf)
	return int64(n), err
}

// ReadSuperblock reads and validates a superblock from r.
func ReadSuperblock(r io.Reader) (Superblock, error) {
	buf := make([]byte, SuperblockSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Superblock{}, fmt.Errorf("blockvol: read superblock: %w", err)
	}

	endian := binary.LittleEndian
	var sb Superblock
	off := 0
	copy(sb.Magic[:], buf[off:off+4])
	off += 4
	if string(sb.Magic[:]) != MagicSWBK {
		return Superblock{}, ErrNotBlockVol
	}

	sb.Version = endian.Uint16(buf[off:])
	off += 2
	if sb.Version != CurrentVersion {
		return Superblock{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, sb.Version, CurrentVersion)
	}

	sb.Flags = endian.Uint16(buf[off:])
	off += 2
	copy(sb.UUID[:], buf[off:off+16])
	off += 16
	sb.VolumeSize = endian.Uint64(buf[off:])
	off += 8
	if sb.VolumeSize == 0 {
		return Superblock{}, ErrInvalidVolumeSize
	}
	sb.BlockSize = endian.Uint32(buf[off:])
	off += 4
	sb.ReservationOffset = endian.Uint64(buf[off:])
	off += 8
	sb.ReservationSize = endian.Uint32(buf[off:])
	off += 4
	sb.DataOffset = endian.Uint64(buf[off:])
	off += 8
	sb.CreatedAt = endian.Uint64(buf[off:])

	return sb, nil
}

// Validate checks that the superblock fields are internally consistent.
func (sb *Superblock) Validate() error {
	if string(sb.Magic[:]) != MagicSWBK {
		return ErrNotBlockVol
	}
	if sb.Version != CurrentVersion {
		return fmt.Errorf("%w: got %d", ErrUnsupportedVersion, sb.Version)
	}
	if sb.VolumeSize == 0 {
		return ErrInvalidVolumeSize
	}
	if sb.BlockSize == 0 || sb.BlockSize%512 != 0 {
		return fmt.Errorf("%w: BlockSize %d", ErrInvalidSuperblock, sb.BlockSize)
	}
	if sb.ReservationOffset != SuperblockSize {
		return fmt.Errorf("%w: ReservationOffset=%d, expected %d", ErrInvalidSuperblock, sb.ReservationOffset, SuperblockSize)
	}
	if sb.ReservationSize != bdev.ReservationAreaSize {
		return fmt.Errorf("%w: ReservationSize=%d", ErrInvalidSuperblock, sb.ReservationSize)
	}
	if sb.DataOffset < sb.ReservationOffset+uint64(sb.ReservationSize) {
		return fmt.Errorf("%w: DataOffset %d overlaps reservation area", ErrInvalidSuperblock, sb.DataOffset)
	}
	if sb.VolumeSize%uint64(sb.BlockSize) != 0 {
		return fmt.Errorf("%w: VolumeSize %d not aligned to BlockSize %d", ErrInvalidSuperblock, sb.VolumeSize, sb.BlockSize)
	}
	return nil
}
