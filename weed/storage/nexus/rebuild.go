package nexus

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

type RebuildState uint8

const (
	RebuildInit RebuildState = iota
	RebuildRunning
	RebuildPaused
	RebuildStopped
	RebuildFailed
	RebuildCompleted
)

var rebuildStateNames = [...]string{"init", "running", "paused", "stopped", "failed", "completed"}

func (s RebuildState) String() string {
	if int(s) < len(rebuildStateNames) {
		return rebuildStateNames[s]
	}
	return fmt.Sprintf("rebuild_state(%d)", uint8(s))
}

func (s RebuildState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RebuildState) UnmarshalText(text []byte) error {
	i, err := parseName(rebuildStateNames[:], text, "rebuild state")
	*s = RebuildState(i)
	return err
}

// Done reports whether s is final.
func (s RebuildState) Done() bool {
	return s >= RebuildStopped
}

// RebuildStats is a snapshot of a rebuild job.
type RebuildStats struct {
	Serial            uint64       `json:"serial"`
	State             RebuildState `json:"state"`
	Source            string       `json:"source,omitempty"`
	Target            string       `json:"target"`
	BlocksTotal       uint64       `json:"blocksTotal"`
	BlocksRecovered   uint64       `json:"blocksRecovered"`
	BlocksTransferred uint64       `json:"blocksTransferred"`
	BlocksRemaining   uint64       `json:"blocksRemaining"`
	Progress          int          `json:"progress"`
	SegmentSize       uint64       `json:"segmentSize"`
	BlockSize         uint32       `json:"blockSize"`
	Passes            int          `json:"passes"`
	StartTime         time.Time    `json:"startTime"`
	EndTime           *time.Time   `json:"endTime,omitempty"`
	Error             string       `json:"error,omitempty"`
}

// rebuildJob copies a Recovering child back into sync. Its fields belong to
// the nexus reactor; only run executes off it.
type rebuildJob struct {
	n      *Nexus
	serial uint64
	target *Child
	total  uint64

	state  RebuildState
	err    error
	source string
	// cursor is the first block the linear pass has not copied.
	cursor uint64
	// copying is the segment being copied when copyBusy is set. Writes
	// overlapping it are withheld from the target.
	copying  uint64
	copyBusy bool
	dirty    *dirtySet
	// pass is the dirty snapshot being re-copied, nil during the linear pass.
	pass        *dirtySet
	passes      int
	// lockRetries counts consecutive waits on a segment with writes in flight.
	lockRetries int
	badSources  map[string]bool
	transferred uint64
	startTime   time.Time
	endTime     time.Time

	final  RebuildStats
	notify []func(RebuildStats)
	wake   chan struct{}
	done   chan struct{}
}

func (n *Nexus) startJob(c *Child) *rebuildJob {
	n.jobSerial++
	j := &rebuildJob{
		n:          n,
		serial:     n.jobSerial,
		target:     c,
		total:      n.geometry.BlockCount,
		dirty:      newDirtySet(),
		badSources: map[string]bool{},
		startTime:  time.Now(),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	c.job = j
	if n.history == nil {
		n.history = map[string]*rebuildJob{}
	}
	n.history[c.id] = j
	glog.V(0).Infof("nexus %s: rebuild #%d of %s started", n.name, j.serial, c.dev.Name())
	go j.run()
	return j
}

// covers reports whether a write to blocks [first, end) may go to the
// target right now.
func (j *rebuildJob) covers(first, end uint64) bool {
	if end > j.cursor {
		return false
	}
	if j.copyBusy {
		lo, hi := segmentSpan(first, end, j.n.segBlks)
		if j.copying >= lo && j.copying <= hi {
			return false
		}
	}
	return true
}

func (j *rebuildJob) recovered() uint64 {
	if j.state == RebuildCompleted {
		return j.total
	}
	return j.cursor
}

func (j *rebuildJob) progress() int {
	if j.total == 0 {
		return 100
	}
	return int(j.recovered() * 100 / j.total)
}

func (j *rebuildJob) stats() RebuildStats {
	st := RebuildStats{
		Serial:            j.serial,
		State:             j.state,
		Source:            j.source,
		Target:            j.target.dev.Name(),
		BlocksTotal:       j.total,
		BlocksRecovered:   j.recovered(),
		BlocksTransferred: j.transferred,
		BlocksRemaining:   j.total - j.recovered(),
		Progress:          j.progress(),
		SegmentSize:       j.n.opts.SegmentSize,
		BlockSize:         j.n.geometry.BlockSize,
		Passes:            j.passes,
		StartTime:         j.startTime,
	}
	if !j.endTime.IsZero() {
		t := j.endTime
		st.EndTime = &t
	}
	if j.err != nil {
		st.Error = j.err.Error()
	}
	return st
}

func (j *rebuildJob) signal() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// endJob moves j to a final state exactly once. Completion brings the
// target Online, failure faults it, stop leaves it Recovering.
func (n *Nexus) endJob(j *rebuildJob, state RebuildState, err error) {
	if j.state.Done() {
		return
	}
	j.state = state
	j.err = err
	j.endTime = time.Now()
	j.copyBusy = false
	if j.target.job == j {
		j.target.job = nil
	}
	stats.RebuildJobCounter.WithLabelValues(n.name, state.String()).Inc()
	stats.RebuildProgressGauge.DeleteLabelValues(n.name, j.target.dev.Name())

	switch state {
	case RebuildCompleted:
		if err := n.transition(j.target, ChildOnline); err != nil {
			glog.Errorf("nexus %s: rebuild #%d: %v", n.name, j.serial, err)
		}
		j.target.lastWriteSeq = n.writeSeq
		j.target.resvStale = true
		glog.V(0).Infof("nexus %s: rebuild #%d of %s completed in %v after %d passes",
			n.name, j.serial, j.target.dev.Name(), j.endTime.Sub(j.startTime), j.passes)
	case RebuildFailed:
		glog.Errorf("nexus %s: rebuild #%d of %s failed: %v", n.name, j.serial, j.target.dev.Name(), err)
		n.faultChild(j.target, FaultRebuildFailed, err)
	default:
		glog.V(0).Infof("nexus %s: rebuild #%d of %s %s", n.name, j.serial, j.target.dev.Name(), state)
	}
	j.final = j.stats()
	j.notify = slices.Clone(n.listeners)
	j.signal()
}

type stepKind uint8

const (
	stepCopy stepKind = iota
	stepWait
	stepRetry
	stepExit
)

type rebuildStep struct {
	kind   stepKind
	seg    uint64
	offset uint64
	blocks uint64
	source *Child
}

func (j *rebuildJob) run() {
	defer func() {
		if j.final.State == RebuildCompleted {
			j.n.syncReservation(context.Background(), j.target)
		}
		for _, fn := range j.notify {
			fn(j.final)
		}
		close(j.done)
	}()
	n := j.n
	var buf []byte
	for {
		var step rebuildStep
		if err := n.exec(func() { step = j.plan() }); err != nil {
			glog.V(1).Infof("nexus %s: rebuild #%d abandoned: %v", n.name, j.serial, err)
			return
		}
		switch step.kind {
		case stepExit:
			return
		case stepWait:
			<-j.wake
			continue
		case stepRetry:
			time.Sleep(n.opts.LockRetryInterval)
			continue
		}

		size := step.blocks * uint64(n.geometry.BlockSize)
		if uint64(cap(buf)) < size {
			buf = make([]byte, size)
		}
		buf = buf[:size]
		readErr := step.source.dev.Submit(context.Background(), &bdev.IO{Op: bdev.OpRead, Offset: step.offset, Blocks: step.blocks, Buf: buf})

		var proceed bool
		if err := n.exec(func() { proceed = j.afterRead(step, readErr) }); err != nil || !proceed {
			if err != nil {
				return
			}
			continue
		}

		writeErr := j.target.dev.Submit(context.Background(), &bdev.IO{Op: bdev.OpWrite, Offset: step.offset, Blocks: step.blocks, Buf: buf})
		if err := n.exec(func() { j.afterWrite(step, writeErr) }); err != nil {
			return
		}
	}
}

// plan picks the next segment and pins source and target for it.
func (j *rebuildJob) plan() rebuildStep {
	n := j.n
	if j.state.Done() {
		return rebuildStep{kind: stepExit}
	}
	if j.state == RebuildPaused {
		return rebuildStep{kind: stepWait}
	}
	j.state = RebuildRunning
	if n.segmentHook != nil {
		n.segmentHook(j)
		switch {
		case j.state.Done():
			return rebuildStep{kind: stepExit}
		case j.state == RebuildPaused:
			return rebuildStep{kind: stepWait}
		}
	}

	seg, ok := j.nextSegment()
	if !ok {
		return rebuildStep{kind: stepExit}
	}
	if n.segInflight[seg] > 0 {
		if j.lockRetries++; j.lockRetries > n.opts.MaxLockRetries {
			n.endJob(j, RebuildFailed, fmt.Errorf("%w: segment %d still busy after %d retries", ErrRebuildFailed, seg, n.opts.MaxLockRetries))
			return rebuildStep{kind: stepExit}
		}
		return rebuildStep{kind: stepRetry}
	}
	j.lockRetries = 0
	src := n.pickSource(j)
	if src == nil {
		n.endJob(j, RebuildFailed, fmt.Errorf("%w: no healthy source for %s", ErrRebuildFailed, j.target.dev.Name()))
		return rebuildStep{kind: stepExit}
	}
	offset := seg * n.segBlks
	step := rebuildStep{
		kind:   stepCopy,
		seg:    seg,
		offset: offset,
		blocks: min(n.segBlks, j.total-offset),
		source: src,
	}
	j.source = src.dev.Name()
	j.copying, j.copyBusy = seg, true
	src.begin()
	j.target.begin()
	return step
}

// nextSegment returns the segment to copy next. It ends the job when there
// is nothing left or the dirty set will not drain.
func (j *rebuildJob) nextSegment() (uint64, bool) {
	n := j.n
	if j.cursor < j.total {
		return j.cursor / n.segBlks, true
	}
	for {
		if j.pass != nil {
			if seg, ok := j.pass.min(); ok {
				return seg, true
			}
		}
		if j.dirty.len() == 0 {
			n.endJob(j, RebuildCompleted, nil)
			return 0, false
		}
		if j.passes >= n.opts.MaxRebuildPasses {
			n.endJob(j, RebuildFailed, fmt.Errorf("%w: %d segments still dirty after %d passes",
				ErrRebuildNotConverged, j.dirty.len(), j.passes))
			return 0, false
		}
		j.pass, j.dirty = j.dirty, newDirtySet()
		j.passes++
		glog.V(1).Infof("nexus %s: rebuild #%d pass %d over %d dirty segments", n.name, j.serial, j.passes, j.pass.len())
	}
}

// pickSource returns the Online child with the fewest errors that has not
// already failed this job.
func (n *Nexus) pickSource(j *rebuildJob) *Child {
	var best *Child
	for _, c := range n.children {
		if c == j.target || c.state != ChildOnline || j.badSources[c.id] {
			continue
		}
		if best == nil || c.errorCount() < best.errorCount() {
			best = c
		}
	}
	return best
}

// afterRead reports whether the segment should be written to the target.
func (j *rebuildJob) afterRead(step rebuildStep, err error) bool {
	n := j.n
	step.source.end()
	if err != nil {
		glog.Warningf("nexus %s: rebuild #%d read segment %d from %s: %v", n.name, j.serial, step.seg, step.source.dev.Name(), err)
		j.badSources[step.source.id] = true
		n.noteReadError(step.source, err)
	}
	if err != nil || j.state.Done() {
		j.copyBusy = false
		j.target.end()
		return false
	}
	return true
}

func (j *rebuildJob) afterWrite(step rebuildStep, err error) {
	n := j.n
	j.target.end()
	j.copyBusy = false
	if j.state.Done() {
		return
	}
	if err != nil {
		j.target.writeErrors++
		stats.ChildErrorCounter.WithLabelValues(n.name, bdev.OpWrite.String()).Inc()
		n.endJob(j, RebuildFailed, fmt.Errorf("%w: write segment %d to %s: %v", ErrRebuildFailed, step.seg, j.target.dev.Name(), err))
		return
	}
	clear(j.badSources)
	j.transferred += step.blocks
	if j.pass == nil {
		j.cursor = step.offset + step.blocks
	} else {
		j.pass.remove(step.seg)
	}
	stats.RebuildSegmentCounter.WithLabelValues(n.name).Inc()
	stats.RebuildProgressGauge.WithLabelValues(n.name, j.target.dev.Name()).Set(float64(j.progress()))
}

func (n *Nexus) jobFor(id string) (*Child, *rebuildJob, error) {
	c, err := n.findChild(id)
	if err != nil {
		return nil, nil, err
	}
	if c.job == nil {
		return c, nil, fmt.Errorf("%w: no rebuild running for %s", ErrNotFound, c.dev.Name())
	}
	return c, c.job, nil
}

// StartRebuild starts a job for a Recovering child that has none, e.g.
// after an earlier job was stopped.
func (n *Nexus) StartRebuild(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	if e := n.exec(func() {
		var c *Child
		if c, err = n.findChild(id); err != nil {
			return
		}
		switch {
		case c.job != nil:
			err = fmt.Errorf("%w: %s is already rebuilding", ErrBusy, c.dev.Name())
		case c.state != ChildRecovering:
			err = fmt.Errorf("%w: %s is %s", ErrChildState, c.dev.Name(), c.state)
		case n.countState(ChildOnline) == 0:
			err = ErrNoHealthyChild
		default:
			n.startJob(c)
		}
	}); e != nil {
		return e
	}
	return err
}

// StopRebuild cancels the job at the next segment boundary and waits for
// it to exit. The child stays Recovering.
func (n *Nexus) StopRebuild(ctx context.Context, id string) error {
	var j *rebuildJob
	var err error
	if e := n.exec(func() {
		if _, j, err = n.jobFor(id); err == nil {
			n.endJob(j, RebuildStopped, nil)
		}
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Nexus) PauseRebuild(ctx context.Context, id string) error {
	var err error
	if e := n.exec(func() {
		var j *rebuildJob
		if _, j, err = n.jobFor(id); err == nil && j.state != RebuildPaused {
			j.state = RebuildPaused
			glog.V(0).Infof("nexus %s: rebuild #%d paused", n.name, j.serial)
		}
	}); e != nil {
		return e
	}
	return err
}

func (n *Nexus) ResumeRebuild(ctx context.Context, id string) error {
	var err error
	if e := n.exec(func() {
		var j *rebuildJob
		if _, j, err = n.jobFor(id); err == nil && j.state == RebuildPaused {
			j.state = RebuildRunning
			j.signal()
			glog.V(0).Infof("nexus %s: rebuild #%d resumed", n.name, j.serial)
		}
	}); e != nil {
		return e
	}
	return err
}

// RebuildStats returns the running job of a child, or its last one.
func (n *Nexus) RebuildStats(ctx context.Context, id string) (RebuildStats, error) {
	var st RebuildStats
	var err error
	if e := n.exec(func() {
		var c *Child
		if c, err = n.findChild(id); err != nil {
			return
		}
		j := n.history[c.id]
		if j == nil {
			err = fmt.Errorf("%w: no rebuild for %s", ErrNotFound, c.dev.Name())
			return
		}
		st = j.stats()
	}); e != nil {
		return st, e
	}
	return st, err
}

// WaitRebuild blocks until the latest job of a child ends and returns its
// final statistics and error.
func (n *Nexus) WaitRebuild(ctx context.Context, id string) (RebuildStats, error) {
	var j *rebuildJob
	var err error
	if e := n.exec(func() {
		var c *Child
		if c, err = n.findChild(id); err != nil {
			return
		}
		if j = n.history[c.id]; j == nil {
			err = fmt.Errorf("%w: no rebuild for %s", ErrNotFound, c.dev.Name())
		}
	}); e != nil {
		return RebuildStats{}, e
	}
	if err != nil {
		return RebuildStats{}, err
	}
	select {
	case <-j.done:
		return j.final, j.err
	case <-ctx.Done():
		return RebuildStats{}, ctx.Err()
	}
}
