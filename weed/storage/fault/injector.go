package fault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/seaweedfs/sw-block/weed/stats"
	"github.com/seaweedfs/sw-block/weed/storage/bdev"
)

type ruleState struct {
	rule Rule
	uri  string
	hits uint64
}

// RuleInfo is a rule plus how many I/Os it has selected so far.
type RuleInfo struct {
	URI  string
	Rule Rule
	Hits uint64
}

// Injector is a concurrent rule set shared by wrapped devices.
type Injector struct {
	mu    sync.Mutex
	rules []*ruleState
}

func NewInjector() *Injector {
	return &Injector{}
}

// Add installs r. Rules are identified by their URI.
func (inj *Injector) Add(r Rule) (string, error) {
	uri := r.URI()
	inj.mu.Lock()
	defer inj.mu.Unlock()
	for _, s := range inj.rules {
		if s.uri == uri {
			return "", fmt.Errorf("%w: %s", ErrRuleExist, uri)
		}
	}
	inj.rules = append(inj.rules, &ruleState{rule: r, uri: uri})
	glog.V(0).Infof("fault injection added: %s", uri)
	return uri, nil
}

// AddURI parses and installs a rule.
func (inj *Injector) AddURI(uri string) (string, error) {
	r, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	return inj.Add(*r)
}

// Remove deletes the rule the uri describes.
func (inj *Injector) Remove(uri string) error {
	r, err := ParseURI(uri)
	if err != nil {
		return err
	}
	canonical := r.URI()
	inj.mu.Lock()
	defer inj.mu.Unlock()
	for i, s := range inj.rules {
		if s.uri == canonical {
			inj.rules = append(inj.rules[:i], inj.rules[i+1:]...)
			glog.V(0).Infof("fault injection removed: %s", canonical)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNoRule, canonical)
}

func (inj *Injector) List() []RuleInfo {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	out := make([]RuleInfo, 0, len(inj.rules))
	for _, s := range inj.rules {
		out = append(out, RuleInfo{URI: s.uri, Rule: s.rule, Hits: s.hits})
	}
	return out
}

func (inj *Injector) Clear() {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	inj.rules = nil
}

// fire counts io against every rule that selects it and returns the first
// rule whose window contains this hit.
func (inj *Injector) fire(device string, io *bdev.IO) (Rule, bool) {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	var fired *Rule
	for _, s := range inj.rules {
		if !s.rule.Selects(device, io) {
			continue
		}
		hit := s.hits
		s.hits++
		if fired == nil && s.rule.InWindow(hit) {
			r := s.rule
			fired = &r
		}
	}
	if fired == nil {
		return Rule{}, false
	}
	stats.FaultInjectedCounter.WithLabelValues(device, fired.Action.String()).Inc()
	return *fired, true
}

// Wrap returns dev with inj applied to every Submit. Reservation area
// access passes through untouched.
func Wrap(dev bdev.Device, inj *Injector) bdev.Device {
	return &faultyDevice{Device: dev, inj: inj}
}

type faultyDevice struct {
	bdev.Device
	inj *Injector
}

// Unwrap returns the wrapped device.
func (d *faultyDevice) Unwrap() bdev.Device {
	return d.Device
}

func (d *faultyDevice) Submit(ctx context.Context, io *bdev.IO) error {
	rule, ok := d.inj.fire(d.Name(), io)
	if !ok {
		return d.Device.Submit(ctx, io)
	}
	glog.V(3).Infof("fault injection %s on %s %s", rule.Action, d.Name(), io)
	switch rule.Action {
	case ActionError:
		return fmt.Errorf("%w: %s %s", ErrInjected, d.Name(), io)
	case ActionDelay:
		t := time.NewTimer(rule.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		return d.Device.Submit(ctx, io)
	case ActionCorrupt:
		switch io.Op {
		case bdev.OpWrite:
			bad := *io
			bad.Buf = append([]byte(nil), io.Buf...)
			corrupt(bad.Buf)
			return d.Device.Submit(ctx, &bad)
		case bdev.OpRead:
			if err := d.Device.Submit(ctx, io); err != nil {
				return err
			}
			corrupt(io.Buf)
			return nil
		}
	}
	return d.Device.Submit(ctx, io)
}

// corrupt flips every bit of the first byte of each 512-byte sector.
func corrupt(buf []byte) {
	for i := 0; i < len(buf); i += 512 {
		buf[i] = ^buf[i]
	}
}
