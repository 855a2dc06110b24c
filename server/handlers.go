package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/signer"
)

// Wire message for a null guest result.
const msgSigningFailed = "signing failed"

type response struct {
	Success   bool   `json:"success"`
	SignedURL string `json:"signed_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

type health struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, health{Status: "ok", Service: ServiceName})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	s.serveSign(w, r, signer.MethodPost)
}

func (s *Server) handleSignGet(w http.ResponseWriter, r *http.Request) {
	s.serveSign(w, r, signer.MethodGet)
}

func (s *Server) serveSign(w http.ResponseWriter, r *http.Request, method signer.Method) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "cannot read request body")
		return
	}

	req, err := decodeRequest(body, method)
	if err != nil {
		writeError(w, http.StatusBadRequest, detail(err))
		return
	}

	release, ok := s.admit()
	if !ok {
		Logger().Warn("signing queue full, rejecting request", zap.String("path", r.URL.Path))
		writeError(w, http.StatusServiceUnavailable, "signing queue is full")
		return
	}
	defer release()

	start := time.Now()
	res := s.signer.Sign(r.Context(), req)
	Logger().Debug("signing request",
		zap.String("method", string(method)),
		zap.String("url", req.URL),
		zap.Bool("success", res.Success),
		zap.String("error_kind", string(res.ErrorKind)),
		zap.String("path", string(res.Path)),
		zap.Duration("elapsed", time.Since(start)))

	if res.Success {
		writeJSON(w, http.StatusOK, response{Success: true, SignedURL: res.SignedURL})
		return
	}
	writeError(w, statusFor(res.ErrorKind), wireMessage(res))
}

// decodeRequest checks presence and type of each field without decoding the
// whole body into a struct.
func decodeRequest(body []byte, method signer.Method) (signer.Request, error) {
	if !gjson.ValidBytes(body) {
		return signer.Request{}, errors.InvalidInput(errors.PhaseTransport, "invalid JSON body")
	}

	req := signer.Request{Method: method}
	url := gjson.GetBytes(body, "url")
	if url.Type != gjson.String {
		if method == signer.MethodGet {
			return req, errors.InvalidInput(errors.PhaseTransport, "Missing url")
		}
		return req, errors.InvalidInput(errors.PhaseTransport, "Missing url or content")
	}
	req.URL = url.Str

	switch method {
	case signer.MethodPost:
		content := gjson.GetBytes(body, "content")
		if content.Type != gjson.String {
			return req, errors.InvalidInput(errors.PhaseTransport, "Missing url or content")
		}
		req.Content = content.Str
	case signer.MethodGet:
		headers := gjson.GetBytes(body, "headers")
		switch {
		case !headers.Exists(), headers.Type == gjson.Null:
		case headers.IsObject():
			req.Headers = make(map[string]string)
			var bad string
			headers.ForEach(func(k, v gjson.Result) bool {
				if v.Type != gjson.String {
					bad = k.String()
					return false
				}
				req.Headers[k.String()] = v.Str
				return true
			})
			if bad != "" {
				return req, errors.InvalidInput(errors.PhaseTransport, fmt.Sprintf("header %q is not a string", bad))
			}
		default:
			return req, errors.InvalidInput(errors.PhaseTransport, "headers must be an object")
		}
	}
	return req, nil
}

func statusFor(kind signer.ErrorKind) int {
	switch kind {
	case signer.NoSignature:
		return http.StatusOK
	case signer.InvalidInput:
		return http.StatusBadRequest
	case signer.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func wireMessage(res signer.Result) string {
	if res.ErrorKind == signer.NoSignature {
		return msgSigningFailed
	}
	return res.Message
}

// detail strips the phase and kind prefix for the wire.
func detail(err error) string {
	var e *errors.Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	return err.Error()
}

func (s *Server) maxBody() int64 {
	if s.cfg.MaxBodyBytes > 0 {
		return s.cfg.MaxBodyBytes
	}
	return DefaultConfig().MaxBodyBytes
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		Logger().Debug("writing response", zap.Error(err))
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

// recoverPanics turns a handler panic into a 500 with the standard body.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				Logger().Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", v),
					zap.Stack("stack"))
				w.Header().Set("Access-Control-Allow-Origin", "*")
				writeError(w, http.StatusInternalServerError, fmt.Sprint(v))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
