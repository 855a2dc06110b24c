package signer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/nep-sign/bridge"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/engine/enginetest"
	"github.com/wippyai/nep-sign/errors"
)

func testBridge(t *testing.T, post uint32, opts enginetest.Options) *bridge.Bridge {
	t.Helper()
	cfg := bridge.DefaultConfig()
	cfg.Class = enginetest.Class
	cfg.Offsets = bridge.Offsets{bridge.OpPost: post, bridge.OpGet: enginetest.OffsetGet}
	cfg.CallTimeout = 5 * time.Second

	ctx := context.Background()
	b, err := bridge.New(ctx, cfg, bridge.EngineLoader(engine.Options{Image: enginetest.Build(opts)}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(ctx) })
	return b
}

func TestSignPost(t *testing.T) {
	s := New(testBridge(t, enginetest.OffsetPost, enginetest.Options{Register: true}))

	res := s.SignPost(context.Background(), "https://x/y", "{}")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "https://x/y"+enginetest.PostSeparator+"{}", res.SignedURL)
	assert.Equal(t, bridge.PathSymbolic, res.Path)
	assert.Empty(t, res.ErrorKind)
}

func TestSignPost_Deterministic(t *testing.T) {
	s := New(testBridge(t, enginetest.OffsetPost, enginetest.Options{}))
	ctx := context.Background()

	first := s.SignPost(ctx, "https://x/y", `{"a":1}`)
	require.True(t, first.Success, first.Message)
	assert.Equal(t, bridge.PathDirect, first.Path)
	for range 5 {
		assert.Equal(t, first.SignedURL, s.SignPost(ctx, "https://x/y", `{"a":1}`).SignedURL)
	}
}

func TestSignGet(t *testing.T) {
	s := New(testBridge(t, enginetest.OffsetPost, enginetest.Options{}))
	ctx := context.Background()

	res := s.SignGet(ctx, "https://x/y?q=1")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "https://x/y?q=1"+enginetest.GetSuffix, res.SignedURL)
	assert.Equal(t, bridge.PathDirect, res.Path)

	res = s.Sign(ctx, Request{Method: MethodGet, URL: "u", Headers: map[string]string{"X-A": "b"}})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, "u"+enginetest.GetSuffix+"[X-A]", res.SignedURL)
}

func TestSign_CanceledRequest(t *testing.T) {
	b := testBridge(t, enginetest.OffsetPost, enginetest.Options{})
	s := New(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := s.SignPost(ctx, "u", "c")
	assert.False(t, res.Success)
	assert.Equal(t, Unavailable, res.ErrorKind)

	st := b.Stats()
	assert.False(t, st.Poisoned)
	assert.Zero(t, st.Reloads)
	assert.True(t, s.SignPost(context.Background(), "u", "c").Success)
}

func TestSign_Failures(t *testing.T) {
	tests := []struct {
		name string
		post uint32
		req  Request
		want ErrorKind
	}{
		{name: "null result", post: enginetest.OffsetNull, req: Request{Method: MethodPost, URL: "u", Content: "c"}, want: NoSignature},
		{name: "type mismatch", post: enginetest.OffsetMismatch, req: Request{Method: MethodPost, URL: "u", Content: "c"}, want: TypeMismatch},
		{name: "trap", post: enginetest.OffsetTrap, req: Request{Method: MethodPost, URL: "u", Content: "c"}, want: InvocationFailed},
		{name: "invalid utf8", post: enginetest.OffsetPost, req: Request{Method: MethodPost, URL: "\xff", Content: "c"}, want: InvalidInput},
		{name: "unknown method", post: enginetest.OffsetPost, req: Request{Method: "PUT", URL: "u"}, want: InvalidInput},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := New(testBridge(t, tc.post, enginetest.Options{}))
			res := s.Sign(context.Background(), tc.req)
			assert.False(t, res.Success)
			assert.Empty(t, res.SignedURL)
			assert.Equal(t, tc.want, res.ErrorKind, res.Message)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestSign_RecoversAfterTrap(t *testing.T) {
	b := testBridge(t, enginetest.OffsetTrap, enginetest.Options{})
	s := New(b)
	ctx := context.Background()

	require.Equal(t, InvocationFailed, s.SignPost(ctx, "u", "c").ErrorKind)
	require.True(t, b.Stats().Poisoned)

	res := s.SignGet(ctx, "u")
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 1, b.Stats().Reloads)
}

func TestSign_Unavailable(t *testing.T) {
	image := enginetest.Build(enginetest.Options{})
	var loads atomic.Int32
	load := func(ctx context.Context) (bridge.GuestVM, error) {
		if loads.Add(1) > 1 {
			return nil, errors.Load("image went away", nil)
		}
		return bridge.EngineLoader(engine.Options{Image: image})(ctx)
	}

	cfg := bridge.DefaultConfig()
	cfg.Class = enginetest.Class
	cfg.Offsets = bridge.Offsets{bridge.OpPost: enginetest.OffsetTrap, bridge.OpGet: enginetest.OffsetGet}
	b, err := bridge.New(context.Background(), cfg, load)
	require.NoError(t, err)
	defer b.Close(context.Background())

	s := New(b)
	assert.Equal(t, InvocationFailed, s.SignPost(context.Background(), "u", "c").ErrorKind)
	assert.Equal(t, Unavailable, s.SignGet(context.Background(), "u").ErrorKind)

	require.NoError(t, b.Close(context.Background()))
	assert.Equal(t, Unavailable, s.SignGet(context.Background(), "u").ErrorKind)
}

func TestSign_StateTransitions(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(zap.NewNop()) })

	s := New(testBridge(t, enginetest.OffsetNull, enginetest.Options{}))
	s.SignGet(context.Background(), "u")
	s.SignPost(context.Background(), "u", "c")

	var got []string
	for _, e := range logs.FilterMessage("signing request state").All() {
		ctx := e.ContextMap()
		got = append(got, ctx["op"].(string)+":"+ctx["to"].(string))
	}
	assert.Equal(t, []string{
		"SignGet:resolving", "SignGet:invoking", "SignGet:decoding", "SignGet:succeeded",
		"SignPost:resolving", "SignPost:invoking", "SignPost:decoding", "SignPost:failed",
	}, got)

	declined := logs.FilterMessage("guest produced no signature").All()
	require.Len(t, declined, 1)
	assert.Equal(t, "decoding", declined[0].ContextMap()["failed_in"])
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "State(42)", State(42).String())
	assert.True(t, Succeeded.Terminal())
	assert.False(t, Decoding.Terminal())
}
