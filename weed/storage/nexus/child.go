package nexus

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

// ChildState is the health of one replica.
type ChildState uint8

const (
	ChildInit ChildState = iota
	ChildOnline
	ChildRecovering
	ChildOffline
	ChildFaulted
)

var childStateNames = [...]string{"init", "online", "recovering", "offline", "faulted"}

func (s ChildState) String() string {
	if int(s) < len(childStateNames) {
		return childStateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s ChildState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var childTransitions = map[ChildState][]ChildState{
	ChildInit:       {ChildOnline, ChildFaulted},
	ChildOnline:     {ChildFaulted, ChildRecovering, ChildOffline},
	ChildRecovering: {ChildOnline, ChildFaulted},
	ChildOffline:    {ChildOnline, ChildFaulted},
}

// CanTransition reports whether the child state machine allows from -> to.
func CanTransition(from, to ChildState) bool {
	for _, s := range childTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FaultReason says why a child ended up Faulted.
type FaultReason uint8

const (
	FaultNone FaultReason = iota
	FaultIoError
	FaultRebuildFailed
	FaultCantOpen
	FaultConfigInvalid
	FaultAdmin
)

var faultReasonNames = [...]string{"", "io_error", "rebuild_failed", "cant_open", "config_invalid", "admin"}

func (r FaultReason) String() string {
	if int(r) < len(faultReasonNames) {
		return faultReasonNames[r]
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

func (r FaultReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Child is one replica of a nexus. Every field is owned by the nexus
// reactor.
type Child struct {
	id  string
	dev bdev.Device

	state     ChildState
	reason    FaultReason
	faultedAt time.Time

	// lastWriteSeq is the nexus write sequence of the newest write this
	// child acknowledged.
	lastWriteSeq uint64
	readErrors   uint64
	writeErrors  uint64
	errWindow    *stats.RoundRobinCounter

	inflight     int
	drainWaiters []chan struct{}

	// resvStale is set while the child is in service but its reservation
	// area may still lag the nexus record.
	resvStale bool

	job *rebuildJob
}

func newChild(dev bdev.Device, opts Options) *Child {
	return &Child{
		id:        uuid.NewString(),
		dev:       dev,
		state:     ChildInit,
		errWindow: stats.NewRoundRobinCounter(opts.ErrorWindow, 10),
	}
}

func (c *Child) ID() string {
	return c.id
}

func (c *Child) errorCount() uint64 {
	return c.readErrors + c.writeErrors
}

func (c *Child) begin() {
	c.inflight++
}

func (c *Child) end() {
	c.inflight--
	if c.inflight == 0 {
		for _, w := range c.drainWaiters {
			close(w)
		}
		c.drainWaiters = nil
	}
}

// drained returns a channel closed once nothing is in flight on the child.
func (c *Child) drained() <-chan struct{} {
	ch := make(chan struct{})
	if c.inflight == 0 {
		close(ch)
		return ch
	}
	c.drainWaiters = append(c.drainWaiters, ch)
	return ch
}

// ChildInfo is a point in time view of a child.
type ChildInfo struct {
	ID              string      `json:"id"`
	Device          string      `json:"device"`
	State           ChildState  `json:"state"`
	Reason          FaultReason `json:"reason,omitempty"`
	FaultedAt       *time.Time  `json:"faultedAt,omitempty"`
	ReadErrors      uint64      `json:"readErrors"`
	WriteErrors     uint64      `json:"writeErrors"`
	RebuildProgress int         `json:"rebuildProgress"`
	Inconsistent    bool        `json:"reservationInconsistent,omitempty"`
}

func (c *Child) info() ChildInfo {
	ci := ChildInfo{
		ID:              c.id,
		Device:          c.dev.Name(),
		State:           c.state,
		Reason:          c.reason,
		ReadErrors:      c.readErrors,
		WriteErrors:     c.writeErrors,
		RebuildProgress: -1,
		Inconsistent:    c.resvStale,
	}
	if !c.faultedAt.IsZero() {
		t := c.faultedAt
		ci.FaultedAt = &t
	}
	if c.job != nil {
		ci.RebuildProgress = c.job.progress()
	}
	return ci
}

func parseName(names []string, text []byte, kind string) (int, error) {
	for i, name := range names {
		if name == string(text) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, text)
}

func (s *ChildState) UnmarshalText(text []byte) error {
	i, err := parseName(childStateNames[:], text, "child state")
	*s = ChildState(i)
	return err
}

func (r *FaultReason) UnmarshalText(text []byte) error {
	i, err := parseName(faultReasonNames[:], text, "fault reason")
	*r = FaultReason(i)
	return err
}
