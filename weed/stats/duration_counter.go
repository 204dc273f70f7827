package stats

import (
	"sync"
	"time"
)

// RoundRobinCounter counts events over a sliding window made of fixed
// width slots. Slots older than the window are discarded lazily.
type RoundRobinCounter struct {
	slotWidth time.Duration
	counts    []int64
	epochs    []int64 // slot epoch each count belongs to
	mutex     sync.Mutex
}

// NewRoundRobinCounter covers window with the given number of slots.
func NewRoundRobinCounter(window time.Duration, slots int) *RoundRobinCounter {
	if slots <= 0 {
		slots = 1
	}
	width := window / time.Duration(slots)
	if width <= 0 {
		width = time.Nanosecond
	}
	return &RoundRobinCounter{
		slotWidth: width,
		counts:    make([]int64, slots),
		epochs:    make([]int64, slots),
	}
}

func (rrc *RoundRobinCounter) epoch(t time.Time) int64 {
	return t.UnixNano() / int64(rrc.slotWidth)
}

// Add records val at time t and returns the window total including it.
func (rrc *RoundRobinCounter) Add(t time.Time, val int64) int64 {
	rrc.mutex.Lock()
	defer rrc.mutex.Unlock()
	e := rrc.epoch(t)
	i := int(e % int64(len(rrc.counts)))
	if rrc.epochs[i] != e {
		rrc.epochs[i] = e
		rrc.counts[i] = 0
	}
	rrc.counts[i] += val
	return rrc.sumLocked(e)
}

// Sum returns the total over the window ending at t.
func (rrc *RoundRobinCounter) Sum(t time.Time) int64 {
	rrc.mutex.Lock()
	defer rrc.mutex.Unlock()
	return rrc.sumLocked(rrc.epoch(t))
}

func (rrc *RoundRobinCounter) sumLocked(now int64) (sum int64) {
	oldest := now - int64(len(rrc.counts)) + 1
	for i, c := range rrc.counts {
		if rrc.epochs[i] >= oldest && rrc.epochs[i] <= now {
			sum += c
		}
	}
	return
}

// Reset forgets everything.
func (rrc *RoundRobinCounter) Reset() {
	rrc.mutex.Lock()
	defer rrc.mutex.Unlock()
	clear(rrc.counts)
	clear(rrc.epochs)
}
