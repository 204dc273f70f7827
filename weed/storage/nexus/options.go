package nexus

import (
	"fmt"
	"time"
)

// Options tunes a nexus. Zero fields take the defaults of DefaultOptions.
type Options struct {
	// SegmentSize is the rebuild copy unit in bytes.
	SegmentSize uint64
	// MaxRebuildPasses bounds the re-copy passes over the dirty set after
	// the linear pass.
	MaxRebuildPasses int
	// A child faults once its read errors within ErrorWindow exceed
	// ErrorThreshold.
	ErrorThreshold int
	ErrorWindow    time.Duration
	ReactorDepth   int
	// ReconcileRetryInterval is the pause before the single reservation
	// reconciliation retry.
	ReconcileRetryInterval time.Duration
	// LockRetryInterval is how long a rebuild waits before retrying a
	// segment that has writes in flight.
	LockRetryInterval time.Duration
	// MaxLockRetries bounds the consecutive waits on one busy segment
	// before the rebuild fails.
	MaxLockRetries int
}

func DefaultOptions() Options {
	return Options{
		SegmentSize:            1 << 20,
		MaxRebuildPasses:       8,
		ErrorThreshold:         3,
		ErrorWindow:            10 * time.Second,
		ReactorDepth:           256,
		ReconcileRetryInterval: 100 * time.Millisecond,
		LockRetryInterval:      time.Millisecond,
		MaxLockRetries:         10000,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.SegmentSize == 0 {
		o.SegmentSize = d.SegmentSize
	}
	if o.MaxRebuildPasses == 0 {
		o.MaxRebuildPasses = d.MaxRebuildPasses
	}
	if o.ErrorThreshold == 0 {
		o.ErrorThreshold = d.ErrorThreshold
	}
	if o.ErrorWindow == 0 {
		o.ErrorWindow = d.ErrorWindow
	}
	if o.ReactorDepth == 0 {
		o.ReactorDepth = d.ReactorDepth
	}
	if o.ReconcileRetryInterval == 0 {
		o.ReconcileRetryInterval = d.ReconcileRetryInterval
	}
	if o.LockRetryInterval == 0 {
		o.LockRetryInterval = d.LockRetryInterval
	}
	if o.MaxLockRetries == 0 {
		o.MaxLockRetries = d.MaxLockRetries
	}
}

func (o *Options) validate(blockSize uint32) error {
	if o.SegmentSize%uint64(blockSize) != 0 {
		return fmt.Errorf("%w: segment size %d not a multiple of block size %d", ErrConfig, o.SegmentSize, blockSize)
	}
	if o.MaxRebuildPasses < 0 || o.ErrorThreshold < 0 || o.MaxLockRetries < 0 {
		return fmt.Errorf("%w: negative rebuild passes, error threshold or lock retries", ErrConfig)
	}
	return nil
}
