package blockvol

import (
	"errors"
	"fmt"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

var (
	ErrLBAOutOfBounds = fmt.Errorf("blockvol: LBA out of bounds: %w", bdev.ErrOutOfRange)
	ErrWritePastEnd   = fmt.Errorf("blockvol: I/O extends past end of volume: %w", bdev.ErrOutOfRange)
	ErrAlignment      = errors.New("blockvol: length not aligned to block size")
)

// validateLBA checks that lba addresses a block inside the volume.
func validateLBA(lba uint64, volumeSize uint64, blockSize uint32) error {
	if lba >= volumeSize/uint64(blockSize) {
		return fmt.Errorf("%w: lba=%d, blocks=%d", ErrLBAOutOfBounds, lba, volumeSize/uint64(blockSize))
	}
	return nil
}

// ValidateRange checks that [lba, lba+length) is block aligned and fits in
// the volume. length is in bytes. It is used for reads and trims too.
func ValidateRange(lba uint64, length uint32, volumeSize uint64, blockSize uint32) error {
	if err := validateLBA(lba, volumeSize, blockSize); err != nil {
		return err
	}
	if length == 0 || length%blockSize != 0 {
		return fmt.Errorf("%w: length=%d, blockSize=%d", ErrAlignment, length, blockSize)
	}
	blocks := uint64(length / blockSize)
	if lba+blocks > volumeSize/uint64(blockSize) {
		return fmt.Errorf("%w: lba=%d, blocks=%d", ErrWritePastEnd, lba, blocks)
	}
	return nil
}
