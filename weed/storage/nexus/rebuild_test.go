package nexus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
	"github.com/seaweedfs/sw-block/weed/storage/fault"
	"github.com/seaweedfs/sw-block/weed/storage/reservation"
	"github.com/seaweedfs/sw-block/weed/util/reactor"
)

func TestRebuild(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T)
	}{
		{name: "scenario_b_dirty_write_recopied", run: testScenarioB},
		{name: "completion_is_idempotent", run: testCompletionIdempotent},
		{name: "pass_bound", run: testPassBound},
		{name: "busy_segment_bound", run: testBusySegmentBound},
		{name: "reservation_synced_on_completion", run: testReservationSyncedOnCompletion},
		{name: "remove_cancels_rebuild", run: testRemoveCancelsRebuild},
		{name: "stop_then_start", run: testStopThenStart},
		{name: "pause_resume", run: testPauseResume},
		{name: "never_read_from_recovering", run: testNeverReadFromRecovering},
		{name: "source_read_failure_switches_source", run: testSourceFailover},
		{name: "source_read_failure_without_alternative", run: testSourceFailureNoAlternative},
		{name: "target_write_failure", run: testTargetWriteFailure},
		{name: "covered_write_goes_to_target", run: testCoveredWrite},
		{name: "dirty_set", run: testDirtySet},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(t)
		})
	}
}

func testScenarioB(t *testing.T) {
	ctx := context.Background()
	n := newTestNexus(t, testOptions(), newMem(t, "a"), newMem(t, "b"))
	paused := pauseOnce(t, n)
	c := newMem(t, "c")
	_, err := n.AddChild(ctx, c)
	require.NoError(t, err)
	j := <-paused
	assert.Equal(t, ChildRecovering, childInfo(t, n, "c").State)
	assert.Equal(t, NexusDegraded, n.State())

	data := fill(1, 'B')
	require.NoError(t, n.WriteAt(ctx, 500, data))
	assert.Equal(t, make([]byte, testBlockSize), readDev(t, c, 500, 1), "write withheld from target")
	var dirty bool
	require.NoError(t, n.exec(func() { dirty = j.dirty.has(500 / n.segBlks) }))
	assert.True(t, dirty)

	require.NoError(t, n.ResumeRebuild(ctx, "c"))
	st, err := n.WaitRebuild(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, RebuildCompleted, st.State)
	assert.Equal(t, 1, st.Passes)
	assert.Equal(t, uint64(testBlockCount), st.BlocksRecovered)
	assert.Greater(t, st.BlocksTransferred, uint64(testBlockCount))
	assert.Equal(t, data, readDev(t, c, 500, 1))
	assert.Equal(t, ChildOnline, childInfo(t, n, "c").State)
	assert.Equal(t, NexusOpen, n.State())
}

func testCompletionIdempotent(t *testing.T) {
	ctx := context.Background()
	n := newTestNexus(t, testOptions(), newMem(t, "a"))
	var done []RebuildStats
	require.NoError(t, n.OnRebuildDone(func(st RebuildStats) { done = append(done, st) }))
	_, err := n.AddChild(ctx, newMem(t, "b"))
	require.NoError(t, err)
	_, err = n.WaitRebuild(ctx, "b")
	require.NoError(t, err)

	var j *rebuildJob
	require.NoError(t, n.exec(func() {
		c, _ := n.findChild("b")
		j = n.history[c.id]
		n.endJob(j, RebuildCompleted, nil)
		n.endJob(j, RebuildFailed, errors.New("late failure"))
	}))
	assert.Equal(t, RebuildCompleted, j.final.State)
	assert.Len(t, done, 1)
	assert.Equal(t, ChildOnline, childInfo(t, n, "b").State)
	assert.Equal(t, -1, childInfo(t, n, "b").RebuildProgress)
}

func testPassBound(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.MaxRebuildPasses = 2
	n := newTestNexus(t, opts, newMem(t, "a"))
	setHook(t, n, func(j *rebuildJob) {
		j.dirty.markRange(0, 1, n.segBlks)
	})
	_, err := n.AddChild(ctx, newMem(t, "b"))
	require.NoError(t, err)

	st, err := n.WaitRebuild(ctx, "b")
	assert.ErrorIs(t, err, ErrRebuildNotConverged)
	assert.Equal(t, RebuildFailed, st.State)
	assert.Equal(t, 2, st.Passes)
	ci := childInfo(t, n, "b")
	assert.Equal(t, ChildFaulted, ci.State)
	assert.Equal(t, FaultRebuildFailed, ci.Reason)
}

func testBusySegmentBound(t *testing.T) {
	ctx := context.Background()
	opts := testOptions()
	opts.MaxLockRetries = 3
	n := newTestNexus(t, opts, newMem(t, "a"))
	held := false
	setHook(t, n, func(j *rebuildJob) {
		if !held {
			held = true
			n.segInflight[0]++
		}
	})
	_, err := n.AddChild(ctx, newMem(t, "b"))
	require.NoError(t, err)

	st, err := n.WaitRebuild(ctx, "b")
	assert.ErrorIs(t, err, ErrRebuildFailed)
	assert.Equal(t, RebuildFailed, st.State)
	assert.Zero(t, st.BlocksRecovered)
	assert.Equal(t, ChildFaulted, childInfo(t, n, "b").State)
	require.NoError(t, n.exec(func() { delete(n.segInflight, 0) }))
}

func testReservationSyncedOnCompletion(t *testing.T) {
	ctx := context.Background()
	n := newTestNexus(t, testOptions(), newMem(t, "a"))
	paused := pauseOnce(t, n)
	b := newMem(t, "b")
	_, err := n.AddChild(ctx, b)
	require.NoError(t, err)
	<-paused

	resv := n.Reservations()
	require.NoError(t, resv.Register(ctx, "init1", 0x11))
	require.NoError(t, resv.Reserve(ctx, "init1", reservation.ExclusiveAccess))
	assert.True(t, childInfo(t, n, "b").Inconsistent, "recovering child missed the reserve")

	require.NoError(t, n.ResumeRebuild(ctx, "b"))
	st, err := n.WaitRebuild(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, RebuildCompleted, st.State)
	ci := childInfo(t, n, "b")
	assert.Equal(t, ChildOnline, ci.State)
	assert.False(t, ci.Inconsistent)

	area, err := b.ReadReservation(ctx)
	require.NoError(t, err)
	rec, err := reservation.Decode(area)
	require.NoError(t, err)
	assert.Equal(t, resv.Record().Generation, rec.Generation)
	assert.Equal(t, "init1", rec.Holder)

	// b alone is enough to bring the reservation back
	require.NoError(t, n.RemoveChild(ctx, "a"))
	n.r.Stop()
	r := reactor.New("rebuilt-"+t.Name(), 64)
	defer r.Stop()
	second, err := Create(ctx, CreateOptions{Name: "nx2", Children: []bdev.Device{b}}, testOptions(), r)
	require.NoError(t, err)
	got := second.Reservations().Record()
	assert.Equal(t, "init1", got.Holder)
	assert.Equal(t, reservation.ExclusiveAccess, got.Type)
}

func testRemoveCancelsRebuild(t *testing.T) {
	ctx := context.Background()
	n := newTestNexus(t, testOptions(), newMem(t, "a"))
	paused := pauseOnce(t, n)
	b := newMem(t, "b")
	_, err := n.AddChild(ctx, b)
	require.NoError(t, err)
	j := <-paused

	require.NoError(t, n.RemoveChild(ctx, "b"))
	<-j.done
	assert.Equal(t, RebuildStopped, j.final.State)
	assert.Zero(t, j.final.BlocksRecovered)
	assert.ErrorIs(t, b.Submit(ctx, &bdev.IO{Op: bdev.OpFlush}), bdev.ErrClosed)
	infos, err := n.Children()
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func testStopThenStart(t *testing.T) {
	ctx := context.Background()
	a := newMem(t, "a")
	n := newTestNexus(t, testOptions(), a)
	require.NoError(t, n.WriteAt(ctx, 900, fill(2, 'S')))
	paused := pauseOnce(t, n)
	b := newMem(t, "b")
	_, err := n.AddChild(ctx, b)
	require.NoError(t, err)
	<-paused

	assert.ErrorIs(t, n.StartRebuild(ctx, "b"), ErrBusy)
	require.NoError(t, n.StopRebuild(ctx, "b"))
	st, err := n.RebuildStats(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, RebuildStopped, st.State)
	assert.NotNil(t, st.EndTime)
	assert.ErrorIs(t, n.StopRebuild(ctx, "b"), ErrNotFound)
	assert.ErrorIs(t, n.StartRebuild(ctx, "a"), ErrChildState)

	require.NoError(t, n.StartRebuild(ctx, "b"))
	st, err = n.WaitRebuild(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Serial)
	assert.Equal(t, fill(2, 'S'), readDev(t, b, 900, 2))
}

func testPauseResume(t *testing.T) {
	ctx := context.Background()
	n := newTestNexus(t, testOptions(), newMem(t, "a"))
	paused := pauseOnce(t, n)
	_, err := n.AddChild(ctx, newMem(t, "b"))
	require.NoError(t, err)
	<-paused

	st, err := n.RebuildStats(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, RebuildPaused, st.State)
	assert.Equal(t, "b", st.Target)
	assert.Equal(t, uint64(testBlockCount), st.BlocksTotal)
	assert.Equal(t, 0, childInfo(t, n, "b").RebuildProgress)

	require.NoError(t, n.PauseRebuild(ctx, "b"))
	require.NoError(t, n.ResumeRebuild(ctx, "b"))
	st, err = n.WaitRebuild(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, RebuildCompleted, st.State)
	assert.ErrorIs(t, n.PauseRebuild(ctx, "b"), ErrNotFound)
}

func testNeverReadFromRecovering(t *testing.T) {
	ctx := context.Background()
	inj := fault.NewInjector()
	_, err := inj.Add(errorRule("c", bdev.OpRead))
	require.NoError(t, err)
	n := newTestNexus(t, testOptions(), newMem(t, "a"), newMem(t, "b"))
	paused := pauseOnce(t, n)
	_, err = n.AddChild(ctx, fault.Wrap(newMem(t, "c"), inj))
	require.NoError(t, err)
	<-paused

	buf := make([]byte, testBlockSize)
	for i := 0; i < 20; i++ {
		require.NoError(t, n.ReadAt(ctx, uint64(i), buf))
	}
	assert.Zero(t, inj.List()[0].Hits)
	require.NoError(t, n.StopRebuild(ctx, "c"))
}

func testSourceFailover(t *testing.T) {
	ctx := context.Background()
	inj := fault.NewInjector()
	_, err := inj.Add(fault.Rule{Device: "a", Op: bdev.OpRead, Action: fault.ActionError, EndAt: 1})
	require.NoError(t, err)
	a, b := newMem(t, "a"), newMem(t, "b")
	n := newTestNexus(t, testOptions(), fault.Wrap(a, inj), b)
	data := fill(4, 'F')
	require.NoError(t, n.WriteAt(ctx, 0, data))

	c := newMem(t, "c")
	_, err = n.AddChild(ctx, c)
	require.NoError(t, err)
	st, err := n.WaitRebuild(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, RebuildCompleted, st.State)
	assert.Equal(t, data, readDev(t, c, 0, 4))
	assert.Equal(t, uint64(1), childInfo(t, n, "a").ReadErrors)
	assert.Equal(t, ChildOnline, childInfo(t, n, "a").State)
}

func testSourceFailureNoAlternative(t *testing.T) {
	ctx := context.Background()
	inj := fault.NewInjector()
	_, err := inj.Add(errorRule("a", bdev.OpRead))
	require.NoError(t, err)
	n := newTestNexus(t, testOptions(), fault.Wrap(newMem(t, "a"), inj))

	_, err = n.AddChild(ctx, newMem(t, "b"))
	require.NoError(t, err)
	st, err := n.WaitRebuild(ctx, "b")
	assert.ErrorIs(t, err, ErrRebuildFailed)
	assert.Equal(t, RebuildFailed, st.State)
	ci := childInfo(t, n, "b")
	assert.Equal(t, ChildFaulted, ci.State)
	assert.Equal(t, FaultRebuildFailed, ci.Reason)
}

func testTargetWriteFailure(t *testing.T) {
	ctx := context.Background()
	inj := fault.NewInjector()
	_, err := inj.Add(errorRule("b", bdev.OpWrite))
	require.NoError(t, err)
	n := newTestNexus(t, testOptions(), newMem(t, "a"))

	_, err = n.AddChild(ctx, fault.Wrap(newMem(t, "b"), inj))
	require.NoError(t, err)
	_, err = n.WaitRebuild(ctx, "b")
	assert.ErrorIs(t, err, ErrRebuildFailed)
	ci := childInfo(t, n, "b")
	assert.Equal(t, ChildFaulted, ci.State)
	assert.Equal(t, FaultRebuildFailed, ci.Reason)
	assert.Equal(t, uint64(1), ci.WriteErrors)
	assert.Equal(t, NexusDegraded, n.State())
}

func testCoveredWrite(t *testing.T) {
	ctx := context.Background()
	n := newTestNexus(t, testOptions(), newMem(t, "a"))
	ch := make(chan *rebuildJob, 1)
	setHook(t, n, func(j *rebuildJob) {
		if j.cursor == 8*n.segBlks && j.state != RebuildPaused {
			j.state = RebuildPaused
			ch <- j
		}
	})
	b := newMem(t, "b")
	_, err := n.AddChild(ctx, b)
	require.NoError(t, err)
	j := <-ch

	data := fill(1, 'C')
	require.NoError(t, n.WriteAt(ctx, 1, data))
	assert.Equal(t, data, readDev(t, b, 1, 1))
	var dirty int
	require.NoError(t, n.exec(func() { dirty = j.dirty.len() }))
	assert.Zero(t, dirty)

	setHook(t, n, nil)
	require.NoError(t, n.ResumeRebuild(ctx, "b"))
	st, err := n.WaitRebuild(ctx, "b")
	require.NoError(t, err)
	assert.Zero(t, st.Passes)
}

func testDirtySet(t *testing.T) {
	d := newDirtySet()
	d.markRange(3, 5, 4)
	d.markRange(9, 10, 4)
	d.markRange(6, 6, 4)
	assert.Equal(t, 3, d.len())
	assert.True(t, d.has(1))
	assert.False(t, d.has(3))

	seg, ok := d.min()
	require.True(t, ok)
	assert.Equal(t, uint64(0), seg)
	d.remove(0)
	seg, _ = d.min()
	assert.Equal(t, uint64(1), seg)
}
