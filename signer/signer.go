// Package signer exposes the two signing operations of the guest library.
//
// A Signer is stateless apart from the bridge it shares with every other
// request. Failures never surface as Go errors: they are reported in the
// Result so the transport can always answer with a well-formed body.
package signer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	nepsign "github.com/wippyai/nep-sign"
	"github.com/wippyai/nep-sign/bridge"
	"github.com/wippyai/nep-sign/errors"
)

// ErrorKind classifies a failed signing request.
type ErrorKind string

const (
	// NoSignature means the guest returned null. The guest may legitimately
	// decline to sign, so this is not an invocation failure.
	NoSignature      ErrorKind = "no_signature"
	InvocationFailed ErrorKind = "invocation_failed"
	TypeMismatch     ErrorKind = "type_mismatch"
	InvalidInput     ErrorKind = "invalid_input"
	Unavailable      ErrorKind = "unavailable"
)

// Method selects the signing operation.
type Method string

const (
	MethodPost Method = "POST"
	MethodGet  Method = "GET"
)

// Request is one signing request.
type Request struct {
	// Headers is only used by GET signing. nil is passed to the guest as null.
	Headers map[string]string
	Method  Method
	URL     string
	Content string
}

// Result is the outcome of one signing request.
type Result struct {
	SignedURL string
	ErrorKind ErrorKind
	Message   string
	Path      bridge.Path
	Success   bool
}

// Doer runs a function with exclusive access to the guest.
type Doer interface {
	Do(ctx context.Context, name string, fn func(*bridge.Session) error) error
}

// Signer composes bridge calls into the signing operations.
type Signer struct {
	b Doer
}

// New creates a signer over b.
func New(b Doer) *Signer {
	return &Signer{b: b}
}

// SignPost signs a POST request for url with body content.
func (s *Signer) SignPost(ctx context.Context, url, content string) Result {
	return s.Sign(ctx, Request{Method: MethodPost, URL: url, Content: content})
}

// SignGet signs a GET request for url without extra headers.
func (s *Signer) SignGet(ctx context.Context, url string) Result {
	return s.Sign(ctx, Request{Method: MethodGet, URL: url})
}

// Sign runs req through the bridge.
func (s *Signer) Sign(ctx context.Context, req Request) Result {
	var (
		name string
		op   string
	)
	switch req.Method {
	case MethodPost:
		name, op = "SignPost", bridge.OpPost
	case MethodGet:
		name, op = "SignGet", bridge.OpGet
	default:
		return fail(InvalidInput, fmt.Sprintf("unknown method %q", req.Method))
	}

	t := newTracker(name, req.URL)
	var res Result
	err := s.b.Do(ctx, name, func(sess *bridge.Session) error {
		t.to(Resolving)
		args, err := marshal(sess, req)
		if err != nil {
			return err
		}

		t.to(Invoking)
		ref, err := sess.Invoke(op, args...)
		res.Path = sess.Path()
		if err != nil {
			return err
		}

		t.to(Decoding)
		signed, ok, err := sess.FromGuest(ref)
		if err != nil {
			return err
		}
		if !ok {
			res.ErrorKind = NoSignature
			res.Message = "guest returned no signature"
			return nil
		}
		res.Success = true
		res.SignedURL = signed
		return nil
	})
	if err != nil {
		res = Result{Path: res.Path, ErrorKind: classify(err), Message: err.Error()}
	}

	if res.Success {
		t.to(Succeeded)
	} else {
		t.failed(res)
	}
	return res
}

func marshal(sess *bridge.Session, req Request) ([]nepsign.Ref, error) {
	url, err := sess.ToGuest(req.URL)
	if err != nil {
		return nil, err
	}
	if req.Method == MethodGet {
		headers, err := sess.ToGuestMap(req.Headers)
		if err != nil {
			return nil, err
		}
		return []nepsign.Ref{url, headers}, nil
	}
	content, err := sess.ToGuest(req.Content)
	if err != nil {
		return nil, err
	}
	return []nepsign.Ref{url, content}, nil
}

// classify maps a bridge error onto the kinds callers can act on.
func classify(err error) ErrorKind {
	switch errors.KindOf(err) {
	case errors.KindPoisoned:
		return Unavailable
	case errors.KindClosed, errors.KindCanceled:
		// Runtime errors come from the bridge itself; invoke errors are aborts.
		if errors.Is(err, errors.Category(errors.PhaseRuntime, errors.KindOf(err))) {
			return Unavailable
		}
		return InvocationFailed
	case errors.KindTypeMismatch:
		return TypeMismatch
	case errors.KindInvalidInput:
		return InvalidInput
	default:
		return InvocationFailed
	}
}

func fail(kind ErrorKind, msg string) Result {
	Logger().Debug("signing request rejected",
		zap.String("error_kind", string(kind)),
		zap.String("message", msg))
	return Result{ErrorKind: kind, Message: msg}
}
