package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/nep-sign/bridge"
	"github.com/wippyai/nep-sign/config"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/engine/enginetest"
)

func TestPrintInspect(t *testing.T) {
	ctx := context.Background()
	vm, err := engine.Load(ctx, engine.Options{Image: enginetest.Build(enginetest.Options{Register: true})})
	require.NoError(t, err)

	cfg := bridge.DefaultConfig()
	cfg.Class = enginetest.Class
	cfg.Offsets = bridge.Offsets{bridge.OpPost: enginetest.OffsetPost, bridge.OpGet: 0xdead}
	b, err := bridge.New(ctx, cfg, bridge.Static(vm))
	require.NoError(t, err)
	defer b.Close(ctx)

	var out bytes.Buffer
	require.NoError(t, printInspect(&out, vm, b))
	text := out.String()

	assert.Contains(t, text, "Build ID: "+vm.Module().BuildID)
	assert.Contains(t, text, "Init:     ok")
	assert.Contains(t, text, "offsets from config")
	assert.Contains(t, text, fmt.Sprintf("post  0x%x  getPostMethodSignatures  nep_a", vm.Module().Base+uint64(enginetest.OffsetPost)))
	assert.Contains(t, text, "not exported, direct calls will fail")
	assert.Contains(t, text, engine.NativeKey(enginetest.Class, enginetest.PostMethod, enginetest.PostDesc))
}

func TestFormatStats(t *testing.T) {
	text := formatStats(bridge.Stats{
		Offsets:      bridge.Offsets{bridge.OpPost: 0x10},
		OffsetSource: bridge.SourceTable,
		Requests:     3,
		Poisoned:     true,
		CallOuts:     []bridge.CallOutCount{{Signature: "java/util/HashMap->keySet()Ljava/util/Set;", Count: 2}},
	})
	assert.Contains(t, text, "offsets:       post=0x10 (table)")
	assert.Contains(t, text, "requests:      3")
	assert.Contains(t, text, "poisoned:      true")
	assert.Contains(t, text, "     2  java/util/HashMap->keySet()Ljava/util/Set;")
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger(config.LogConfig{Level: "warn"}, "", true)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))

	log, err = newLogger(config.LogConfig{Level: "warn"}, "debug", false)
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))

	_, err = newLogger(config.LogConfig{Level: "info"}, "verbose", false)
	assert.Error(t, err)
}
