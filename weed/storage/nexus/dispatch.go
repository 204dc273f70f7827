package nexus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

// SubmitIO runs one I/O against the nexus. Reads go to a single Online
// child; writes, unmaps and flushes go to every child that must see them.
// Once the I/O has been handed to the children it runs to completion even
// if ctx is cancelled.
func (n *Nexus) SubmitIO(ctx context.Context, io *bdev.IO) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := n.submit(context.WithoutCancel(ctx), io)
	op := io.Op.String()
	stats.NexusIoCounter.WithLabelValues(n.name, op, stats.Result(err)).Inc()
	stats.NexusIoHistogram.WithLabelValues(n.name, op).Observe(time.Since(start).Seconds())
	return err
}

func (n *Nexus) submit(ctx context.Context, io *bdev.IO) error {
	if err := bdev.ValidateIO(io, n.geometry); err != nil {
		return err
	}
	if io.Initiator != "" {
		if err := n.resv.CheckAccess(io.Initiator, io.Op != bdev.OpRead); err != nil {
			return err
		}
	}
	if io.Op == bdev.OpRead {
		return n.read(ctx, io)
	}
	return n.fanOut(ctx, io)
}

// ReadAt reads len(buf) bytes starting at block lba.
func (n *Nexus) ReadAt(ctx context.Context, lba uint64, buf []byte) error {
	return n.SubmitIO(ctx, &bdev.IO{Op: bdev.OpRead, Offset: lba, Blocks: n.blocksOf(buf), Buf: buf})
}

// WriteAt writes buf starting at block lba.
func (n *Nexus) WriteAt(ctx context.Context, lba uint64, buf []byte) error {
	return n.SubmitIO(ctx, &bdev.IO{Op: bdev.OpWrite, Offset: lba, Blocks: n.blocksOf(buf), Buf: buf})
}

func (n *Nexus) Unmap(ctx context.Context, lba, blocks uint64) error {
	return n.SubmitIO(ctx, &bdev.IO{Op: bdev.OpUnmap, Offset: lba, Blocks: blocks})
}

func (n *Nexus) Flush(ctx context.Context) error {
	return n.SubmitIO(ctx, &bdev.IO{Op: bdev.OpFlush})
}

func (n *Nexus) blocksOf(buf []byte) uint64 {
	return uint64(len(buf)) / uint64(n.geometry.BlockSize)
}

// read tries one Online child and, on failure, exactly one other.
func (n *Nexus) read(ctx context.Context, io *bdev.IO) error {
	var tried *Child
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		var c *Child
		var err error
		if e := n.exec(func() {
			if n.shutdown {
				err = ErrShutdown
				return
			}
			if c = n.pickReader(tried); c != nil {
				c.begin()
			}
		}); e != nil {
			return e
		}
		if err != nil {
			return err
		}
		if c == nil {
			if tried == nil {
				return ErrNoHealthyChild
			}
			break
		}
		if attempt > 0 {
			stats.NexusIoRetryCounter.WithLabelValues(n.name).Inc()
		}
		lastErr = c.dev.Submit(ctx, io)
		n.exec(func() {
			c.end()
			if lastErr != nil {
				n.noteReadError(c, lastErr)
			}
		})
		if lastErr == nil {
			return nil
		}
		tried = c
	}
	return fmt.Errorf("%w: %s: %v", ErrIo, io, lastErr)
}

// pickReader round-robins over the Online children, skipping exclude.
func (n *Nexus) pickReader(exclude *Child) *Child {
	cnt := len(n.children)
	for i := 0; i < cnt; i++ {
		idx := (n.readCursor + i) % cnt
		c := n.children[idx]
		if c.state == ChildOnline && c != exclude {
			n.readCursor = idx + 1
			return c
		}
	}
	return nil
}

// noteReadError faults c once its errors inside the window exceed the
// threshold.
func (n *Nexus) noteReadError(c *Child, err error) {
	c.readErrors++
	stats.ChildErrorCounter.WithLabelValues(n.name, bdev.OpRead.String()).Inc()
	windowed := c.errWindow.Add(time.Now(), 1)
	glog.V(1).Infof("nexus %s: read error on %s (%d in window): %v", n.name, c.dev.Name(), windowed, err)
	if windowed > int64(n.opts.ErrorThreshold) && c.state != ChildFaulted {
		n.faultChild(c, FaultIoError, err)
	}
}

type fanTarget struct {
	c      *Child
	online bool
	err    error
}

// fanOut sends io to every Online child and every Recovering child whose
// rebuild already covers the range. Recovering children that cannot take
// it get the range marked dirty instead.
func (n *Nexus) fanOut(ctx context.Context, io *bdev.IO) error {
	var targets []*fanTarget
	var seq uint64
	var err error
	tracked := io.Op != bdev.OpFlush
	if e := n.exec(func() {
		targets, seq, err = n.planFanOut(io)
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.err = t.c.dev.Submit(ctx, io)
		}()
	}
	wg.Wait()

	acked := 0
	var firstErr error
	n.exec(func() {
		for _, t := range targets {
			t.c.end()
			if t.err != nil {
				if firstErr == nil {
					firstErr = t.err
				}
				t.c.writeErrors++
				stats.ChildErrorCounter.WithLabelValues(n.name, io.Op.String()).Inc()
				n.faultChild(t.c, FaultIoError, t.err)
				continue
			}
			if tracked {
				t.c.lastWriteSeq = seq
			}
			if t.online {
				acked++
			}
		}
		if tracked {
			lo, hi := segmentSpan(io.Offset, io.End(), n.segBlks)
			for s := lo; s <= hi; s++ {
				if n.segInflight[s]--; n.segInflight[s] == 0 {
					delete(n.segInflight, s)
				}
			}
		}
	})
	if acked == 0 {
		return fmt.Errorf("%w: %s: no online child acknowledged: %v", ErrIo, io, firstErr)
	}
	return nil
}

func (n *Nexus) planFanOut(io *bdev.IO) ([]*fanTarget, uint64, error) {
	if n.shutdown {
		return nil, 0, ErrShutdown
	}
	if n.countState(ChildOnline) == 0 {
		return nil, 0, ErrNoHealthyChild
	}
	tracked := io.Op != bdev.OpFlush
	var targets []*fanTarget
	for _, c := range n.children {
		switch c.state {
		case ChildOnline:
			targets = append(targets, &fanTarget{c: c, online: true})
		case ChildRecovering:
			switch {
			case !tracked:
				targets = append(targets, &fanTarget{c: c})
			case c.job != nil && c.job.covers(io.Offset, io.End()):
				targets = append(targets, &fanTarget{c: c})
			case c.job != nil:
				c.job.dirty.markRange(io.Offset, io.End(), n.segBlks)
			}
		}
	}
	var seq uint64
	if tracked {
		n.writeSeq++
		seq = n.writeSeq
		lo, hi := segmentSpan(io.Offset, io.End(), n.segBlks)
		for s := lo; s <= hi; s++ {
			n.segInflight[s]++
		}
	}
	for _, t := range targets {
		t.c.begin()
	}
	return targets, seq, nil
}
