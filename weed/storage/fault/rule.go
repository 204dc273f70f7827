// Package fault injects delays, errors and data corruption into child
// devices. Rules are configured as URIs and matched against every I/O a
// wrapped device sees.
package fault

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

const Scheme = "inject"

var (
	ErrInjected  = errors.New("injected I/O error")
	ErrBadRule   = errors.New("invalid fault injection rule")
	ErrRuleExist = errors.New("fault injection rule already exists")
	ErrNoRule    = errors.New("fault injection rule not found")
)

type Action uint8

const (
	ActionError Action = iota
	ActionDelay
	ActionCorrupt
)

func (a Action) String() string {
	switch a {
	case ActionError:
		return "error"
	case ActionDelay:
		return "delay"
	case ActionCorrupt:
		return "corrupt"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

func parseAction(s string) (Action, error) {
	switch s {
	case "", "error":
		return ActionError, nil
	case "delay":
		return ActionDelay, nil
	case "corrupt":
		return ActionCorrupt, nil
	}
	return 0, fmt.Errorf("%w: type %q", ErrBadRule, s)
}

// Rule selects I/O by device, op and block range, and fires on the hits
// numbered [BeginAt, EndAt) among the I/Os it selects. EndAt 0 means no
// end; Blocks 0 means the whole device.
type Rule struct {
	Device  string
	AnyOp   bool
	Op      bdev.Op
	Offset  uint64
	Blocks  uint64
	Action  Action
	Delay   time.Duration
	BeginAt uint64
	EndAt   uint64
}

// Selects reports whether io on device is in the rule's scope, regardless
// of the hit window.
func (r *Rule) Selects(device string, io *bdev.IO) bool {
	if r.Device != device {
		return false
	}
	if !r.AnyOp && r.Op != io.Op {
		return false
	}
	if r.Blocks == 0 || io.Op == bdev.OpFlush {
		return true
	}
	return io.Offset < r.Offset+r.Blocks && r.Offset < io.End()
}

// InWindow reports whether the hit-th selected I/O (counting from 0) fires.
func (r *Rule) InWindow(hit uint64) bool {
	return hit >= r.BeginAt && (r.EndAt == 0 || hit < r.EndAt)
}

// Match is Selects and InWindow together.
func Match(r *Rule, device string, io *bdev.IO, hit uint64) bool {
	return r.Selects(device, io) && r.InWindow(hit)
}

// URI renders the rule in the form ParseURI accepts. It identifies the
// rule in an Injector.
func (r *Rule) URI() string {
	q := url.Values{}
	if !r.AnyOp {
		q.Set("op", r.Op.String())
	}
	q.Set("type", r.Action.String())
	if r.Blocks > 0 {
		q.Set("offset", strconv.FormatUint(r.Offset, 10))
		q.Set("num_blk", strconv.FormatUint(r.Blocks, 10))
	}
	if r.BeginAt > 0 {
		q.Set("begin_at", strconv.FormatUint(r.BeginAt, 10))
	}
	if r.EndAt > 0 {
		q.Set("end_at", strconv.FormatUint(r.EndAt, 10))
	}
	if r.Action == ActionDelay {
		q.Set("delay", r.Delay.String())
	}
	return Scheme + "://" + url.PathEscape(r.Device) + "?" + q.Encode()
}

// ParseURI parses
//
//	inject://<device>?op=read&type=error&offset=0&num_blk=8&begin_at=0&end_at=5&delay=10ms
//
// Every query parameter is optional; op absent means any op.
func ParseURI(s string) (*Rule, error) {
	rest, ok := strings.CutPrefix(s, Scheme+"://")
	if !ok {
		return nil, fmt.Errorf("%w: %q is not an %s:// uri", ErrBadRule, s, Scheme)
	}
	devPart, query, _ := strings.Cut(rest, "?")
	device, err := url.PathUnescape(devPart)
	if err != nil || device == "" {
		return nil, fmt.Errorf("%w: bad device in %q", ErrBadRule, s)
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRule, err)
	}

	r := &Rule{Device: device, AnyOp: true}
	if v := q.Get("op"); v != "" {
		op, err := bdev.ParseOp(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadRule, err)
		}
		r.Op, r.AnyOp = op, false
	}
	if r.Action, err = parseAction(q.Get("type")); err != nil {
		return nil, err
	}
	for key, dst := range map[string]*uint64{
		"offset":   &r.Offset,
		"num_blk":  &r.Blocks,
		"begin_at": &r.BeginAt,
		"end_at":   &r.EndAt,
	} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		if *dst, err = strconv.ParseUint(v, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: %s=%q", ErrBadRule, key, v)
		}
	}
	if v := q.Get("delay"); v != "" {
		if r.Delay, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("%w: delay=%q", ErrBadRule, v)
		}
	}
	if r.Action == ActionDelay && r.Delay <= 0 {
		return nil, fmt.Errorf("%w: delay rule needs a positive delay", ErrBadRule)
	}
	if r.EndAt != 0 && r.EndAt <= r.BeginAt {
		return nil, fmt.Errorf("%w: end_at %d not after begin_at %d", ErrBadRule, r.EndAt, r.BeginAt)
	}
	return r, nil
}
