package signer

import (
	"fmt"

	"go.uber.org/zap"
)

// State is the progress of one signing request.
type State uint8

const (
	Idle State = iota
	Resolving
	Invoking
	Decoding
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Resolving:
		return "resolving"
	case Invoking:
		return "invoking"
	case Decoding:
		return "decoding"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}

// tracker follows one request through its states and logs each transition.
type tracker struct {
	op    string
	url   string
	state State
}

func newTracker(op, url string) *tracker {
	return &tracker{op: op, url: url}
}

func (t *tracker) to(next State) {
	if t.state.Terminal() {
		return
	}
	Logger().Debug("signing request state",
		zap.String("op", t.op),
		zap.Stringer("from", t.state),
		zap.Stringer("to", next))
	t.state = next
}

// failed moves to Failed. The null result is logged apart from real
// failures because both look the same on the wire.
func (t *tracker) failed(res Result) {
	from := t.state
	t.to(Failed)

	fields := []zap.Field{
		zap.String("op", t.op),
		zap.String("url", t.url),
		zap.Stringer("failed_in", from),
		zap.String("error_kind", string(res.ErrorKind)),
		zap.String("message", res.Message),
	}
	if res.ErrorKind == NoSignature {
		Logger().Info("guest produced no signature", fields...)
		return
	}
	Logger().Warn("signing request failed", fields...)
}
