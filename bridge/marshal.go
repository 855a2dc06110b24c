package bridge

import (
	"maps"
	"unicode/utf8"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/resource"
)

// Scope owns every guest reference created during one request. Opening it
// pushes a local frame; Close pops it, releasing host-created arguments and
// any locals the guest created through call-outs.
type Scope struct {
	vm      GuestVM
	created int
	closed  bool
}

// OpenScope pushes a local frame on vm.
func OpenScope(vm GuestVM) *Scope {
	vm.PushLocalFrame()
	return &Scope{vm: vm}
}

// ToGuest allocates a guest string.
func (s *Scope) ToGuest(text string) (nepsign.Ref, error) {
	if err := s.check(errors.PhaseMarshal); err != nil {
		return 0, err
	}
	if !utf8.ValidString(text) {
		return 0, errors.InvalidInput(errors.PhaseMarshal, "text is not valid UTF-8")
	}
	ref, err := s.vm.AllocString(text)
	if err != nil {
		return 0, err
	}
	s.created++
	return ref, nil
}

// ToGuestMap allocates a guest HashMap. A nil map is the null reference.
func (s *Scope) ToGuestMap(m map[string]string) (nepsign.Ref, error) {
	if err := s.check(errors.PhaseMarshal); err != nil {
		return 0, err
	}
	if m == nil {
		return 0, nil
	}
	ref, err := s.vm.NewObject(resource.ClassHashMap, engine.HashMap(maps.Clone(m)))
	if err != nil {
		return 0, err
	}
	s.created++
	return ref, nil
}

// FromGuest decodes a returned reference. A null reference yields ok=false
// and no error; a non-string object is a type mismatch.
func (s *Scope) FromGuest(ref nepsign.Ref) (text string, ok bool, err error) {
	if err := s.check(errors.PhaseDecode); err != nil {
		return "", false, err
	}
	if ref == 0 {
		return "", false, nil
	}
	text, err = s.vm.DerefString(ref)
	if err != nil {
		return "", false, err
	}
	return text, true, nil
}

// Created returns how many arguments the host marshalled in this scope.
func (s *Scope) Created() int {
	return s.created
}

// Close releases the scope's frame. It is safe to call more than once.
func (s *Scope) Close() (int, error) {
	if s.closed {
		return 0, nil
	}
	s.closed = true
	return s.vm.PopLocalFrame()
}

func (s *Scope) check(phase errors.Phase) error {
	if s.closed {
		return errors.New(phase, errors.KindReleased).Detail("scope already closed").Build()
	}
	return nil
}
