package bridge

import (
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/resource"
)

// StandIn is what the shim answers for a call-out signature.
type StandIn uint8

const (
	// PassThrough defers to the base handler. It is the default.
	PassThrough StandIn = iota
	StandInEmptySet
	StandInEmptyString
	StandInNull
	StandInZero

	// StandInKeySet answers with a HashSet of the receiver's keys when the
	// receiver is a HashMap, and an empty set otherwise.
	StandInKeySet
)

var standInNames = map[StandIn]string{
	PassThrough:        "pass_through",
	StandInEmptySet:    "empty_set",
	StandInEmptyString: "empty_string",
	StandInNull:        "null",
	StandInZero:        "zero",
	StandInKeySet:      "key_set",
}

func (s StandIn) String() string {
	if name, ok := standInNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StandIn(%d)", uint8(s))
}

// ParseStandIn parses a variant name as used in configuration.
func ParseStandIn(name string) (StandIn, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for v, n := range standInNames {
		if n == name {
			return v, nil
		}
	}
	return 0, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown call-out stand-in %q", name))
}

// ParseCallOuts converts a signature -> variant name map.
func ParseCallOuts(raw map[string]string) (map[string]StandIn, error) {
	out := make(map[string]StandIn, len(raw))
	for sig, name := range raw {
		v, err := ParseStandIn(name)
		if err != nil {
			return nil, err
		}
		out[sig] = v
	}
	return out, nil
}

// DefaultCallOuts are the stand-ins the signing functions need.
var DefaultCallOuts = map[string]StandIn{
	"java/util/HashMap->keySet()Ljava/util/Set;": StandInKeySet,
}

// Shim answers guest call-outs from a signature dispatch table and logs
// every call-out it sees.
type Shim struct {
	base   engine.CallOutHandler
	table  map[string]StandIn
	counts map[string]int
	mu     sync.Mutex
}

// NewShim builds a shim over base with DefaultCallOuts plus extra.
// Entries in extra override the defaults.
func NewShim(base engine.CallOutHandler, extra map[string]StandIn) *Shim {
	if base == nil {
		base = engine.BaseHandler{}
	}
	table := maps.Clone(DefaultCallOuts)
	maps.Copy(table, extra)
	return &Shim{
		base:   base,
		table:  table,
		counts: make(map[string]int),
	}
}

// Lookup returns the variant used for a signature.
func (s *Shim) Lookup(signature string) StandIn {
	return s.table[signature]
}

func (s *Shim) dispatch(c engine.CallOut) StandIn {
	v := s.table[c.Signature]

	s.mu.Lock()
	s.counts[c.Signature]++
	s.mu.Unlock()

	Logger().Debug("guest call-out",
		zap.Stringer("kind", c.Kind),
		zap.String("class", c.Class),
		zap.String("signature", c.Signature),
		zap.Stringer("stand_in", v))
	return v
}

// CallObjectMethod implements engine.CallOutHandler.
func (s *Shim) CallObjectMethod(objs engine.Objects, c engine.CallOut) (nepsign.Ref, error) {
	switch s.dispatch(c) {
	case StandInEmptySet:
		return objs.NewObject(resource.ClassHashSet, engine.HashSet{})
	case StandInKeySet:
		return keySet(objs, c.This)
	case StandInEmptyString:
		return objs.NewObject(resource.ClassString, "")
	case StandInNull, StandInZero:
		return 0, nil
	default:
		return s.base.CallObjectMethod(objs, c)
	}
}

func keySet(objs engine.Objects, this nepsign.Ref) (nepsign.Ref, error) {
	set := engine.HashSet{}
	if this != 0 {
		obj, err := objs.Object(this)
		if err != nil {
			return 0, err
		}
		if m, ok := obj.Value.(engine.HashMap); ok {
			for k := range m {
				set[k] = struct{}{}
			}
		}
	}
	return objs.NewObject(resource.ClassHashSet, set)
}

// CallIntMethod implements engine.CallOutHandler.
func (s *Shim) CallIntMethod(objs engine.Objects, c engine.CallOut) (int32, error) {
	if s.dispatch(c) == PassThrough {
		return s.base.CallIntMethod(objs, c)
	}
	return 0, nil
}

// CallOutCount is the number of times one signature was seen.
type CallOutCount struct {
	Signature string
	Count     int
}

// Counts returns per-signature call-out counts ordered by signature.
func (s *Shim) Counts() []CallOutCount {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]CallOutCount, 0, len(s.counts))
	for sig, n := range s.counts {
		out = append(out, CallOutCount{Signature: sig, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signature < out[j].Signature })
	return out
}
