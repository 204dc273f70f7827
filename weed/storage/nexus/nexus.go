// Package nexus implements a virtual block device that synchronously
// replicates writes to a set of child devices, balances reads across them
// and rebuilds children that fell behind.
//
// All mutable nexus state lives on the nexus reactor. Public methods hop
// onto it with Call; device I/O runs on per-child goroutines and reports
// back the same way.
package nexus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/storage/bdev"
	"github.com/seaweedfs/sw-block/weed/storage/reservation"
	"github.com/seaweedfs/sw-block/weed/util/reactor"
)

// State is the aggregate health of a nexus.
type State uint8

const (
	NexusOpen State = iota
	NexusDegraded
	NexusFaulted
	NexusShutdown
)

var nexusStateNames = [...]string{"open", "degraded", "faulted", "shutdown"}

func (s State) String() string {
	if int(s) < len(nexusStateNames) {
		return nexusStateNames[s]
	}
	return fmt.Sprintf("nexus_state(%d)", uint8(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	i, err := parseName(nexusStateNames[:], text, "nexus state")
	*s = State(i)
	return err
}

// CreateOptions describes a new nexus. Size 0 means the size of the
// smallest child. UUID empty means a fresh one.
type CreateOptions struct {
	UUID     string
	Name     string
	Size     uint64
	Children []bdev.Device
}

type Nexus struct {
	uuid     string
	name     string
	geometry bdev.Geometry
	opts     Options
	segBlks  uint64
	r        *reactor.Reactor
	resv     *reservation.Manager
	registry *Registry

	// reactor owned
	children    []*Child
	writeSeq    uint64
	readCursor  int
	segInflight map[uint64]int
	shutdown    bool
	jobSerial   uint64
	history     map[string]*rebuildJob
	listeners   []func(RebuildStats)
	segmentHook func(j *rebuildJob)
}

// Create assembles a nexus over devices it takes ownership of on success.
// On error nothing was attached: the devices and the reactor still belong
// to the caller.
func Create(ctx context.Context, co CreateOptions, opts Options, r *reactor.Reactor) (*Nexus, error) {
	opts.applyDefaults()
	geometry, err := checkGeometry(co)
	if err != nil {
		return nil, err
	}
	if err := opts.validate(geometry.BlockSize); err != nil {
		return nil, err
	}
	id := co.UUID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: uuid %q: %v", ErrConfig, id, err)
	}
	name := co.Name
	if name == "" {
		name = id
	}

	n := &Nexus{
		uuid:        id,
		name:        name,
		geometry:    geometry,
		opts:        opts,
		segBlks:     opts.SegmentSize / uint64(geometry.BlockSize),
		r:           r,
		segInflight: map[uint64]int{},
	}
	n.resv = reservation.NewManager(name, reservation.ReplicaSourceFunc(n.reservationReplicas), opts.ReconcileRetryInterval)

	var replicas []reservation.Replica
	for _, d := range co.Children {
		replicas = append(replicas, d)
	}
	if err := n.resv.Reconcile(ctx, replicas); err != nil {
		return nil, err
	}
	n.resv.OnChange(n.markMissedReservation)

	err = n.exec(func() {
		for _, d := range co.Children {
			c := newChild(d, opts)
			n.children = append(n.children, c)
			n.transition(c, ChildOnline)
		}
	})
	if err != nil {
		return nil, err
	}
	glog.V(0).Infof("nexus %s: created %s with %d children, block size %d",
		n.name, humanize.IBytes(geometry.Size()), len(co.Children), geometry.BlockSize)
	return n, nil
}

func checkGeometry(co CreateOptions) (bdev.Geometry, error) {
	if len(co.Children) == 0 {
		return bdev.Geometry{}, fmt.Errorf("%w: no children", ErrConfig)
	}
	bs := co.Children[0].Geometry().BlockSize
	minSize := co.Children[0].Geometry().Size()
	names := map[string]bool{}
	for _, d := range co.Children {
		g := d.Geometry()
		if g.BlockSize != bs {
			return bdev.Geometry{}, fmt.Errorf("%w: child %s block size %d, expected %d", ErrConfig, d.Name(), g.BlockSize, bs)
		}
		if names[d.Name()] {
			return bdev.Geometry{}, fmt.Errorf("%w: child %s listed twice", ErrConfig, d.Name())
		}
		names[d.Name()] = true
		minSize = min(minSize, g.Size())
	}
	size := co.Size
	if size == 0 {
		size = minSize
	}
	if size%uint64(bs) != 0 {
		return bdev.Geometry{}, fmt.Errorf("%w: size %d not a multiple of block size %d", ErrConfig, size, bs)
	}
	for _, d := range co.Children {
		if d.Geometry().Size() < size {
			return bdev.Geometry{}, fmt.Errorf("%w: child %s is %s, smaller than %s",
				ErrConfig, d.Name(), humanize.IBytes(d.Geometry().Size()), humanize.IBytes(size))
		}
	}
	return bdev.Geometry{BlockSize: bs, BlockCount: size / uint64(bs)}, nil
}

// exec runs fn on the reactor and waits. It never gives up early: once a
// closure is queued the caller must see its effects.
func (n *Nexus) exec(fn func()) error {
	if err := n.r.Call(context.Background(), fn); err != nil {
		if errors.Is(err, reactor.ErrStopped) {
			return ErrShutdown
		}
		return err
	}
	return nil
}

func (n *Nexus) UUID() string {
	return n.uuid
}

func (n *Nexus) Name() string {
	return n.name
}

func (n *Nexus) Size() uint64 {
	return n.geometry.Size()
}

func (n *Nexus) Geometry() bdev.Geometry {
	return n.geometry
}

// Reservations is the reservation and ANA manager of the nexus.
func (n *Nexus) Reservations() *reservation.Manager {
	return n.resv
}

// AccessState returns the ANA state of a front-end path.
func (n *Nexus) AccessState(path string) reservation.AccessState {
	return n.resv.AccessState(path)
}

// OnReservationChange registers fn for committed reservation changes.
func (n *Nexus) OnReservationChange(fn reservation.ChangeFunc) {
	n.resv.OnChange(fn)
}

// OnRebuildDone registers fn to run, off the reactor, whenever a rebuild
// job ends.
func (n *Nexus) OnRebuildDone(fn func(RebuildStats)) error {
	return n.exec(func() {
		n.listeners = append(n.listeners, fn)
	})
}

func (n *Nexus) State() State {
	var s State
	if err := n.exec(func() { s = n.stateLocked() }); err != nil {
		return NexusShutdown
	}
	return s
}

func (n *Nexus) stateLocked() State {
	if n.shutdown {
		return NexusShutdown
	}
	online := n.countState(ChildOnline)
	switch {
	case online == 0:
		return NexusFaulted
	case online < len(n.children):
		return NexusDegraded
	}
	return NexusOpen
}

// IsHealthy reports whether the nexus can serve I/O.
func (n *Nexus) IsHealthy() bool {
	s := n.State()
	return s == NexusOpen || s == NexusDegraded
}

func (n *Nexus) Children() ([]ChildInfo, error) {
	var out []ChildInfo
	err := n.exec(func() {
		for _, c := range n.children {
			out = append(out, c.info())
		}
	})
	for i := range out {
		out[i].Inconsistent = out[i].Inconsistent || n.resv.Inconsistent(out[i].Device)
	}
	return out, err
}

func (n *Nexus) countState(s ChildState) int {
	cnt := 0
	for _, c := range n.children {
		if c.state == s {
			cnt++
		}
	}
	return cnt
}

func (n *Nexus) findChild(id string) (*Child, error) {
	for _, c := range n.children {
		if c.id == id || c.dev.Name() == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: child %s", ErrNotFound, id)
}

// transition moves c along the state machine and keeps metrics in step.
func (n *Nexus) transition(c *Child, to ChildState) error {
	if !CanTransition(c.state, to) {
		return fmt.Errorf("%w: child %s is %s, cannot become %s", ErrChildState, c.dev.Name(), c.state, to)
	}
	from := c.state
	c.state = to
	stats.ChildStateGauge.WithLabelValues(n.name, c.dev.Name(), from.String()).Set(0)
	stats.ChildStateGauge.WithLabelValues(n.name, c.dev.Name(), to.String()).Set(1)
	glog.V(0).Infof("nexus %s: child %s %s -> %s", n.name, c.dev.Name(), from, to)
	return nil
}

// faultChild marks c Faulted and fails any rebuild targeting it.
func (n *Nexus) faultChild(c *Child, reason FaultReason, cause error) {
	if c.state == ChildFaulted {
		return
	}
	if err := n.transition(c, ChildFaulted); err != nil {
		glog.Errorf("nexus %s: %v", n.name, err)
		return
	}
	c.reason = reason
	c.faultedAt = time.Now()
	stats.ChildFaultCounter.WithLabelValues(n.name, reason.String()).Inc()
	glog.Warningf("nexus %s: child %s faulted (%s): %v", n.name, c.dev.Name(), reason, cause)
	if c.job != nil {
		n.endJob(c.job, RebuildFailed, fmt.Errorf("%w: target faulted: %v", ErrRebuildFailed, cause))
	}
}

// AddChild attaches dev. With another child Online it starts out
// Recovering with a rebuild job, otherwise it is the only copy and goes
// straight Online.
func (n *Nexus) AddChild(ctx context.Context, dev bdev.Device) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g := dev.Geometry()
	if g.BlockSize != n.geometry.BlockSize || g.Size() < n.geometry.Size() {
		glog.Warningf("nexus %s: child %s %s (%s), not attached", n.name, dev.Name(), ChildFaulted, FaultConfigInvalid)
		return "", fmt.Errorf("%w: child %s geometry %d x %d does not fit %d x %d", ErrConfig,
			dev.Name(), g.BlockCount, g.BlockSize, n.geometry.BlockCount, n.geometry.BlockSize)
	}

	var c *Child
	var err error
	if e := n.exec(func() {
		if n.shutdown {
			err = ErrShutdown
			return
		}
		for _, x := range n.children {
			if x.dev.Name() == dev.Name() {
				err = fmt.Errorf("%w: child %s", ErrExists, dev.Name())
				return
			}
		}
		c = newChild(dev, n.opts)
		c.resvStale = true
		n.children = append(n.children, c)
		n.transition(c, ChildOnline)
		if n.countState(ChildOnline) > 1 {
			n.transition(c, ChildRecovering)
			n.startJob(c)
		} else {
			c.lastWriteSeq = n.writeSeq
		}
	}); e != nil {
		return "", e
	}
	if err != nil {
		return "", err
	}
	n.syncReservation(ctx, c)
	return c.id, nil
}

// markMissedReservation flags every child a committed mutation did not
// reach. It runs after the record is committed.
func (n *Nexus) markMissedReservation(*reservation.Record) {
	n.exec(func() {
		for _, c := range n.children {
			if c.state != ChildOnline {
				c.resvStale = true
			}
		}
	})
}

// syncReservation brings the reservation area of c up to the nexus record
// after c missed mutations. A failed write leaves c flagged inconsistent.
func (n *Nexus) syncReservation(ctx context.Context, c *Child) {
	attached := false
	if e := n.exec(func() { attached = slices.Contains(n.children, c) }); e != nil || !attached {
		return
	}
	err := n.resv.Sync(ctx, c.dev)
	if err != nil {
		glog.Warningf("nexus %s: %v", n.name, err)
	}
	n.exec(func() { c.resvStale = false })
}

// RemoveChild cancels any rebuild of the child, waits for its in-flight
// I/O and closes its device.
func (n *Nexus) RemoveChild(ctx context.Context, id string) error {
	var c *Child
	var job *rebuildJob
	var err error
	if e := n.exec(func() {
		if c, err = n.findChild(id); err != nil {
			return
		}
		if c.state == ChildOnline && n.countState(ChildOnline) == 1 {
			err = fmt.Errorf("%w: %s", ErrLastChild, c.dev.Name())
			return
		}
		job = c.job
		if job != nil {
			n.endJob(job, RebuildStopped, nil)
		}
		n.children = slices.DeleteFunc(n.children, func(x *Child) bool { return x == c })
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}
	if job != nil {
		<-job.done
	}
	n.detach(c)
	return nil
}

// detach waits for c to drain and closes its device. c must already be out
// of the child list.
func (n *Nexus) detach(c *Child) {
	var drained <-chan struct{}
	if err := n.exec(func() { drained = c.drained() }); err == nil {
		<-drained
	}
	if err := c.dev.Close(); err != nil {
		glog.Warningf("nexus %s: close child %s: %v", n.name, c.dev.Name(), err)
	}
	n.resv.Forget(c.dev.Name())
	stats.ChildStateGauge.DeletePartialMatch(map[string]string{"nexus": n.name, "child": c.dev.Name()})
	glog.V(0).Infof("nexus %s: child %s detached", n.name, c.dev.Name())
}

// OfflineChild takes an Online child out of service without detaching it.
func (n *Nexus) OfflineChild(ctx context.Context, id string) error {
	var err error
	if e := n.exec(func() {
		var c *Child
		if c, err = n.findChild(id); err != nil {
			return
		}
		if c.state == ChildOnline && n.countState(ChildOnline) == 1 {
			err = fmt.Errorf("%w: %s", ErrLastChild, c.dev.Name())
			return
		}
		err = n.transition(c, ChildOffline)
	}); e != nil {
		return e
	}
	return err
}

// OnlineChild brings an Offline child back. If it missed writes while
// another child stayed Online it is rebuilt first.
func (n *Nexus) OnlineChild(ctx context.Context, id string) error {
	var c *Child
	var stale bool
	var err error
	if e := n.exec(func() {
		if c, err = n.findChild(id); err != nil {
			return
		}
		if c.state != ChildOffline {
			err = fmt.Errorf("%w: child %s is %s", ErrChildState, c.dev.Name(), c.state)
			return
		}
		stale = c.lastWriteSeq < n.writeSeq && n.countState(ChildOnline) > 0
		if err = n.transition(c, ChildOnline); err != nil {
			return
		}
		c.resvStale = true
		if stale {
			n.transition(c, ChildRecovering)
			n.startJob(c)
		}
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}
	if !stale {
		// a rebuilt child is synced when its rebuild completes
		n.syncReservation(ctx, c)
	}
	return nil
}

// FaultChild faults a child on request.
func (n *Nexus) FaultChild(ctx context.Context, id string) error {
	var err error
	if e := n.exec(func() {
		var c *Child
		if c, err = n.findChild(id); err != nil {
			return
		}
		if c.state == ChildFaulted {
			err = fmt.Errorf("%w: child %s already faulted", ErrChildState, c.dev.Name())
			return
		}
		n.faultChild(c, FaultAdmin, errors.New("administrative request"))
	}); e != nil {
		return e
	}
	return err
}

// Destroy refuses while any rebuild runs. Otherwise it stops I/O, drains
// and closes every child, leaves the registry and stops the reactor.
func (n *Nexus) Destroy(ctx context.Context) error {
	var children []*Child
	var err error
	if e := n.exec(func() {
		if n.shutdown {
			err = ErrShutdown
			return
		}
		for _, c := range n.children {
			if c.job != nil {
				err = fmt.Errorf("%w: child %s is rebuilding", ErrBusy, c.dev.Name())
				return
			}
		}
		n.shutdown = true
		children = n.children
		n.children = nil
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	var g errgroup.Group
	for _, c := range children {
		g.Go(func() error {
			n.detach(c)
			return nil
		})
	}
	g.Wait()

	if n.registry != nil {
		n.registry.remove(n.uuid)
	}
	stats.DeleteNexusMetrics(n.name)
	n.r.Stop()
	glog.V(0).Infof("nexus %s: destroyed", n.name)
	return nil
}

// reservationReplicas lists the Online children for reservation persists.
func (n *Nexus) reservationReplicas(ctx context.Context) ([]reservation.Replica, error) {
	var out []reservation.Replica
	err := n.exec(func() {
		for _, c := range n.children {
			if c.state == ChildOnline {
				out = append(out, c.dev)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoHealthyChild
	}
	return out, nil
}
