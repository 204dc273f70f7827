package reservation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/sw-block/weed/stats"
)

// Replica is the part of a child device the manager needs.
type Replica interface {
	Name() string
	PersistReservation(ctx context.Context, record []byte) error
	ReadReservation(ctx context.Context) ([]byte, error)
}

// ReplicaSource hands out the replicas a mutation must reach, normally the
// Online children of the nexus.
type ReplicaSource interface {
	ReservationReplicas(ctx context.Context) ([]Replica, error)
}

// ReplicaSourceFunc adapts a function to ReplicaSource.
type ReplicaSourceFunc func(ctx context.Context) ([]Replica, error)

func (f ReplicaSourceFunc) ReservationReplicas(ctx context.Context) ([]Replica, error) {
	return f(ctx)
}

// ChangeFunc is called with a copy of the record after every committed
// mutation, in commit order.
type ChangeFunc func(r *Record)

// Manager owns the authoritative in-memory record of one nexus.
type Manager struct {
	name          string
	source        ReplicaSource
	retryInterval time.Duration

	mu           sync.RWMutex
	record       *Record
	inconsistent map[string]bool
	listeners    []ChangeFunc
}

func NewManager(name string, source ReplicaSource, retryInterval time.Duration) *Manager {
	return &Manager{
		name:          name,
		source:        source,
		retryInterval: retryInterval,
		record:        NewRecord(),
		inconsistent:  map[string]bool{},
	}
}

// Record returns a copy of the current record.
func (m *Manager) Record() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record.Clone()
}

// Encoded returns the current record in its persisted form.
func (m *Manager) Encoded() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Encode(m.record)
}

// OnChange registers fn for every future committed mutation.
func (m *Manager) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Inconsistent reports whether the replica missed the latest persist.
func (m *Manager) Inconsistent(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inconsistent[name]
}

// Forget drops bookkeeping for a detached replica.
func (m *Manager) Forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inconsistent, name)
}

// Sync writes the current record to rep, which joined or came back after
// missing mutations. A replica the write fails on stays flagged
// inconsistent.
func (m *Manager) Sync(ctx context.Context, rep Replica) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.record.Generation == 0 {
		delete(m.inconsistent, rep.Name())
		return nil
	}
	if err := rep.PersistReservation(ctx, Encode(m.record)); err != nil {
		m.inconsistent[rep.Name()] = true
		return fmt.Errorf("sync reservation generation %d to %s: %w", m.record.Generation, rep.Name(), err)
	}
	delete(m.inconsistent, rep.Name())
	glog.V(1).Infof("nexus %s: reservation generation %d synced to %s", m.name, m.record.Generation, rep.Name())
	return nil
}

// CheckAccess returns ErrConflict when the reservation forbids initiator
// from reading (write=false) or writing.
func (m *Manager) CheckAccess(initiator string, write bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record.Allows(initiator, write) {
		return nil
	}
	return fmt.Errorf("%w: %s holds %s", ErrConflict, m.record.Holder, m.record.Type)
}

// AccessState returns the state of path. Paths never set are optimized.
func (m *Manager) AccessState(path string) AccessState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.record.Access[path]; ok {
		return s
	}
	return Optimized
}

// Register adds initiator with key. Registering again with the same key is
// a no-op; with another key it conflicts.
func (m *Manager) Register(ctx context.Context, initiator string, key uint64) error {
	return m.mutate(ctx, "register", func(r *Record) (bool, error) {
		if old, ok := r.Registrants[initiator]; ok {
			if old == key {
				return false, nil
			}
			return false, fmt.Errorf("%w: %s registered with another key", ErrConflict, initiator)
		}
		r.Registrants[initiator] = key
		return true, nil
	})
}

// Unregister removes initiator. A holder that unregisters gives up the
// reservation unless other registrants still share it.
func (m *Manager) Unregister(ctx context.Context, initiator string, key uint64) error {
	return m.mutate(ctx, "unregister", func(r *Record) (bool, error) {
		if err := checkKey(r, initiator, key); err != nil {
			return false, err
		}
		delete(r.Registrants, initiator)
		if r.Reserved() {
			if r.Type.AllRegistrants() {
				if len(r.Registrants) == 0 {
					clearReservation(r)
				}
			} else if r.Holder == initiator {
				clearReservation(r)
			}
		}
		return true, nil
	})
}

// Reserve acquires a reservation of type t for a registered initiator.
func (m *Manager) Reserve(ctx context.Context, initiator string, t Type) error {
	if !t.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidType, t)
	}
	return m.mutate(ctx, "reserve", func(r *Record) (bool, error) {
		key, ok := r.Registrants[initiator]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrNotRegistered, initiator)
		}
		if !r.Reserved() {
			r.Holder, r.Type, r.HolderKey = initiator, t, key
			return true, nil
		}
		if r.Type == t && r.IsHolder(initiator) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s holds %s", ErrConflict, r.Holder, r.Type)
	})
}

// Release gives up the reservation. Releasing something not held is a
// no-op.
func (m *Manager) Release(ctx context.Context, initiator string) error {
	return m.mutate(ctx, "release", func(r *Record) (bool, error) {
		if _, ok := r.Registrants[initiator]; !ok {
			return false, fmt.Errorf("%w: %s", ErrNotRegistered, initiator)
		}
		if !r.IsHolder(initiator) {
			return false, nil
		}
		clearReservation(r)
		return true, nil
	})
}

// Preempt removes every registrant registered with victimKey. If the
// reservation was held under that key it passes to initiator with the same
// type.
func (m *Manager) Preempt(ctx context.Context, initiator string, victimKey uint64) error {
	return m.mutate(ctx, "preempt", func(r *Record) (bool, error) {
		key, ok := r.Registrants[initiator]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrNotRegistered, initiator)
		}
		changed := false
		for id, k := range r.Registrants {
			if k == victimKey && id != initiator {
				delete(r.Registrants, id)
				changed = true
			}
		}
		if r.Reserved() && r.HolderKey == victimKey && r.Holder != initiator {
			r.Holder, r.HolderKey = initiator, key
			changed = true
		}
		return changed, nil
	})
}

// SetAccessState sets the ANA state of path.
func (m *Manager) SetAccessState(ctx context.Context, path string, s AccessState) error {
	if s < Optimized || s > Inaccessible {
		return fmt.Errorf("%w: %d", ErrInvalidAccessState, s)
	}
	return m.mutate(ctx, "set_access_state", func(r *Record) (bool, error) {
		if r.Access[path] == s {
			return false, nil
		}
		r.Access[path] = s
		return true, nil
	})
}

func checkKey(r *Record, initiator string, key uint64) error {
	k, ok := r.Registrants[initiator]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, initiator)
	}
	if k != key {
		return fmt.Errorf("%w: key mismatch for %s", ErrConflict, initiator)
	}
	return nil
}

func clearReservation(r *Record) {
	r.Holder, r.Type, r.HolderKey = "", TypeNone, 0
}

// mutate applies fn to a copy of the record. When fn reports a change the
// copy gets the next generation and is persisted to every replica before it
// becomes current. Mutations are serialized.
func (m *Manager) mutate(ctx context.Context, op string, fn func(r *Record) (bool, error)) (err error) {
	defer func() {
		stats.ReservationOpCounter.WithLabelValues(op, stats.Result(err)).Inc()
	}()

	m.mu.Lock()
	next := m.record.Clone()
	changed, err := fn(next)
	if err != nil || !changed {
		m.mu.Unlock()
		return err
	}
	next.Generation = m.record.Generation + 1

	if err = m.persistLocked(ctx, next); err != nil {
		m.mu.Unlock()
		return err
	}
	m.record = next
	listeners := append([]ChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	stats.ReservationGenerationGauge.WithLabelValues(m.name).Set(float64(next.Generation))
	glog.V(1).Infof("nexus %s: reservation %s committed generation %d", m.name, op, next.Generation)
	for _, l := range listeners {
		l(next.Clone())
	}
	return nil
}

// persistLocked writes next to every replica concurrently. Replicas that
// fail are flagged inconsistent; if none succeed the mutation is abandoned.
func (m *Manager) persistLocked(ctx context.Context, next *Record) error {
	replicas, err := m.source.ReservationReplicas(ctx)
	if err != nil {
		return err
	}
	if len(replicas) == 0 {
		return ErrNoReplicas
	}
	data := Encode(next)
	errs := make([]error, len(replicas))
	var g errgroup.Group
	for i, rep := range replicas {
		g.Go(func() error {
			errs[i] = rep.PersistReservation(ctx, data)
			return nil
		})
	}
	g.Wait()

	ok := 0
	for i, rep := range replicas {
		if errs[i] != nil {
			glog.Warningf("nexus %s: persist reservation generation %d to %s: %v", m.name, next.Generation, rep.Name(), errs[i])
			m.inconsistent[rep.Name()] = true
			continue
		}
		delete(m.inconsistent, rep.Name())
		ok++
	}
	if ok == 0 {
		return fmt.Errorf("%w: %w", ErrPersist, errors.Join(errs...))
	}
	return nil
}

// Reconcile adopts the highest generation record found on the replicas and
// rewrites every replica that disagrees. It tries once more after a failed
// attempt, then gives up with ErrReservationMismatch. Replicas flagged
// inconsistent are not trusted as a source but are repaired.
func (m *Manager) Reconcile(ctx context.Context, replicas []Replica) error {
	attempt := func() error {
		return m.reconcileOnce(ctx, replicas)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryInterval), 1), ctx)
	err := backoff.Retry(attempt, policy)
	stats.ReservationOpCounter.WithLabelValues("reconcile", stats.Result(err)).Inc()
	if err != nil {
		if errors.Is(err, ErrReservationMismatch) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrReservationMismatch, err)
	}
	return nil
}

func (m *Manager) reconcileOnce(ctx context.Context, replicas []Replica) error {
	areas := make([][]byte, len(replicas))
	g, gctx := errgroup.WithContext(ctx)
	for i, rep := range replicas {
		g.Go(func() error {
			area, err := rep.ReadReservation(gctx)
			if err != nil {
				return fmt.Errorf("read reservation from %s: %w", rep.Name(), err)
			}
			areas[i] = area
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Record
	var bestBytes []byte
	decoded := make([][]byte, len(replicas))
	for i, rep := range replicas {
		r, err := Decode(areas[i])
		if err != nil {
			if !errors.Is(err, ErrNoRecord) {
				glog.Warningf("nexus %s: ignoring reservation area of %s: %v", m.name, rep.Name(), err)
			}
			continue
		}
		enc := Encode(r)
		decoded[i] = enc
		if m.inconsistent[rep.Name()] {
			continue
		}
		switch {
		case best == nil || r.Generation > best.Generation:
			best, bestBytes = r, enc
		case r.Generation == best.Generation && !bytes.Equal(enc, bestBytes):
			return backoff.Permanent(fmt.Errorf("%w: %s disagrees at generation %d", ErrReservationMismatch, rep.Name(), r.Generation))
		}
	}
	if best == nil {
		if m.record.Generation == 0 {
			// every area blank: a fresh nexus
			return nil
		}
		best, bestBytes = m.record.Clone(), Encode(m.record)
	}
	if best.Generation < m.record.Generation {
		best, bestBytes = m.record.Clone(), Encode(m.record)
	}

	var repairErr []error
	for i, rep := range replicas {
		if bytes.Equal(decoded[i], bestBytes) {
			delete(m.inconsistent, rep.Name())
			continue
		}
		glog.V(0).Infof("nexus %s: repairing reservation on %s to generation %d", m.name, rep.Name(), best.Generation)
		if err := rep.PersistReservation(ctx, bestBytes); err != nil {
			m.inconsistent[rep.Name()] = true
			repairErr = append(repairErr, fmt.Errorf("repair %s: %w", rep.Name(), err))
			continue
		}
		delete(m.inconsistent, rep.Name())
	}
	m.record = best
	stats.ReservationGenerationGauge.WithLabelValues(m.name).Set(float64(best.Generation))
	return errors.Join(repairErr...)
}
