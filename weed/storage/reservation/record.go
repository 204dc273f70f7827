// Package reservation keeps the persistent reservation and ANA access
// state of one nexus, replicates it to every healthy child's reservation
// area and reconciles it from those areas when the nexus is assembled.
package reservation

import (
	"errors"
	"fmt"
	"maps"
	"sort"
)

var (
	ErrConflict            = errors.New("reservation conflict")
	ErrNotRegistered       = fmt.Errorf("initiator not registered: %w", ErrConflict)
	ErrInvalidType         = errors.New("invalid reservation type")
	ErrInvalidAccessState  = errors.New("invalid access state")
	ErrPersist             = errors.New("reservation not persisted to any replica")
	ErrNoReplicas          = errors.New("no healthy replica to persist reservation")
	ErrReservationMismatch = errors.New("reservation records cannot be reconciled")
	ErrNoRecord            = errors.New("reservation area is blank")
	ErrCorruptRecord       = errors.New("reservation record corrupt")
)

// Type is a reservation type, numbered as in NVMe.
type Type uint8

const (
	TypeNone Type = iota
	WriteExclusive
	ExclusiveAccess
	WriteExclusiveRegsOnly
	ExclusiveAccessRegsOnly
	WriteExclusiveAllRegs
	ExclusiveAccessAllRegs
)

var typeNames = map[Type]string{
	TypeNone:                "none",
	WriteExclusive:          "write_exclusive",
	ExclusiveAccess:         "exclusive_access",
	WriteExclusiveRegsOnly:  "write_exclusive_regs_only",
	ExclusiveAccessRegsOnly: "exclusive_access_regs_only",
	WriteExclusiveAllRegs:   "write_exclusive_all_regs",
	ExclusiveAccessAllRegs:  "exclusive_access_all_regs",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s && t != TypeNone {
			return t, nil
		}
	}
	return TypeNone, fmt.Errorf("%w: %q", ErrInvalidType, s)
}

func (t Type) valid() bool {
	return t >= WriteExclusive && t <= ExclusiveAccessAllRegs
}

// AllRegistrants reports whether every registrant is a holder.
func (t Type) AllRegistrants() bool {
	return t == WriteExclusiveAllRegs || t == ExclusiveAccessAllRegs
}

// RegistrantsOnly reports whether registrants get the holder's access.
func (t Type) RegistrantsOnly() bool {
	return t == WriteExclusiveRegsOnly || t == ExclusiveAccessRegsOnly || t.AllRegistrants()
}

// exclusiveAccess reports whether reads are restricted too.
func (t Type) exclusiveAccess() bool {
	return t == ExclusiveAccess || t == ExclusiveAccessRegsOnly || t == ExclusiveAccessAllRegs
}

// AccessState is the ANA state of one path.
type AccessState uint8

const (
	Optimized AccessState = iota + 1
	NonOptimized
	Inaccessible
)

func (s AccessState) String() string {
	switch s {
	case Optimized:
		return "optimized"
	case NonOptimized:
		return "non_optimized"
	case Inaccessible:
		return "inaccessible"
	}
	return fmt.Sprintf("access(%d)", uint8(s))
}

func ParseAccessState(s string) (AccessState, error) {
	switch s {
	case "optimized":
		return Optimized, nil
	case "non_optimized":
		return NonOptimized, nil
	case "inaccessible":
		return Inaccessible, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAccessState, s)
}

// Record is the reservation plus access state of a nexus. It is what every
// child stores in its reservation area.
type Record struct {
	Generation  uint64
	Holder      string
	Type        Type
	HolderKey   uint64
	Registrants map[string]uint64
	Access      map[string]AccessState
}

func NewRecord() *Record {
	return &Record{
		Registrants: map[string]uint64{},
		Access:      map[string]AccessState{},
	}
}

// Reserved reports whether a reservation is held.
func (r *Record) Reserved() bool {
	return r.Type != TypeNone
}

func (r *Record) Clone() *Record {
	c := *r
	c.Registrants = maps.Clone(r.Registrants)
	c.Access = maps.Clone(r.Access)
	if c.Registrants == nil {
		c.Registrants = map[string]uint64{}
	}
	if c.Access == nil {
		c.Access = map[string]AccessState{}
	}
	return &c
}

// IsHolder reports whether initiator holds the reservation. With an
// all-registrants type every registrant is a holder.
func (r *Record) IsHolder(initiator string) bool {
	if !r.Reserved() {
		return false
	}
	if r.Type.AllRegistrants() {
		_, ok := r.Registrants[initiator]
		return ok
	}
	return r.Holder == initiator
}

// Allows reports whether initiator may perform the access under r.
func (r *Record) Allows(initiator string, write bool) bool {
	if !r.Reserved() || r.IsHolder(initiator) {
		return true
	}
	if r.Type.RegistrantsOnly() {
		if _, ok := r.Registrants[initiator]; ok {
			return true
		}
	}
	if write {
		return false
	}
	return !r.Type.exclusiveAccess()
}

func (r *Record) sortedRegistrants() []string {
	keys := make([]string, 0, len(r.Registrants))
	for k := range r.Registrants {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Record) sortedPaths() []string {
	keys := make([]string, 0, len(r.Access))
	for k := range r.Access {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
