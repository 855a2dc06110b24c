package bridge

import (
	"context"

	"go.uber.org/zap"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/errors"
)

// Path is the call path that produced a result.
type Path string

const (
	PathNone     Path = ""
	PathSymbolic Path = "symbolic"
	PathDirect   Path = "direct"
)

// Operation describes one signing entry point.
type Operation struct {
	Name   string
	Method string
	Desc   string

	// Symbolic enables the symbolic attempt before the direct path.
	Symbolic bool
}

// Operations are the entry points of the signing class.
var Operations = map[string]Operation{
	OpPost: {
		Name:     OpPost,
		Method:   "getPostMethodSignatures",
		Desc:     "(Ljava/lang/String;Ljava/lang/String;)Ljava/lang/String;",
		Symbolic: true,
	},
	OpGet: {
		Name:   OpGet,
		Method: "getGetMethodSignatures",
		Desc:   "(Ljava/lang/String;Ljava/util/HashMap;)Ljava/lang/String;",
	},
}

// IsAbort reports whether err means guest code started running and did not
// return normally.
func IsAbort(err error) bool {
	return errors.KindOf(err) == errors.KindTrap || ClosesGuest(err)
}

// ClosesGuest reports whether err left the guest module closed. No further
// call can run on it until the bridge reloads.
func ClosesGuest(err error) bool {
	switch errors.KindOf(err) {
	case errors.KindTimeout, errors.KindCanceled, errors.KindClosed:
		return true
	}
	return false
}

// invoke runs op symbolically when allowed, falling back to the direct path.
func (s *Session) invoke(op Operation, args ...nepsign.Ref) (nepsign.Ref, error) {
	if op.Symbolic {
		ref, err := s.callSymbolic(op, args)
		if err == nil {
			s.path = PathSymbolic
			return ref, nil
		}
		if ClosesGuest(err) || (errors.KindOf(err) == errors.KindTrap && s.b.cfg.ReloadOnAbort) {
			s.path = PathSymbolic
			return 0, err
		}
		s.b.stats.fallbacks++
		Logger().Debug("symbolic call failed, using direct address",
			zap.String("op", op.Name),
			zap.Error(err))
	}

	ref, err := s.callDirect(op, args)
	s.path = PathDirect
	return ref, err
}

func (s *Session) callSymbolic(op Operation, args []nepsign.Ref) (nepsign.Ref, error) {
	ctx, cancel := s.callContext()
	defer cancel()
	return s.vm.CallStaticMethod(ctx, s.b.cfg.Class, op.Method, op.Desc, args...)
}

func (s *Session) callDirect(op Operation, args []nepsign.Ref) (nepsign.Ref, error) {
	addr, err := s.b.resolver.Resolve(op.Name)
	if err != nil {
		return 0, err
	}
	Logger().Debug("direct call",
		zap.String("op", op.Name),
		zap.Uint64("address", addr))

	ctx, cancel := s.callContext()
	defer cancel()
	return s.vm.Call(ctx, addr, nepsign.NewCallFrame(s.vm.EnvHandle(), 0, args...))
}

func (s *Session) callContext() (context.Context, context.CancelFunc) {
	return s.b.timeout(s.guest)
}
