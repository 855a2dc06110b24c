// Package config loads the service configuration.
//
// Values are layered, later layers winning:
//
//  1. built-in defaults (defaults.yaml)
//  2. an optional YAML file
//  3. NEPSIGN_* environment variables
//
// An environment variable maps to a key by dropping the prefix, lowercasing,
// and splitting the section at the first underscore. A double underscore
// nests further:
//
//	NEPSIGN_SERVER_MAX_QUEUE     server.max_queue
//	NEPSIGN_MODULE_OFFSETS__POST module.offsets.post
package config

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/nep-sign/bridge"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/errors"
	"github.com/wippyai/nep-sign/server"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NEPSIGN_"

//go:embed defaults.yaml
var defaults []byte

// Config is the full service configuration.
type Config struct {
	Module ModuleConfig `koanf:"module"`
	Log    LogConfig    `koanf:"log"`
	Server ServerConfig `koanf:"server"`
	Bridge BridgeConfig `koanf:"bridge"`
	Engine EngineConfig `koanf:"engine"`
}

// ModuleConfig locates the guest image and its entry points.
type ModuleConfig struct {
	Offsets       map[string]uint32 `koanf:"offsets"`
	Path          string            `koanf:"path"`
	ExpectedBuild string            `koanf:"expected_build"`
	Class         string            `koanf:"class"`
	OffsetsFile   string            `koanf:"offsets_file"`
	Base          uint64            `koanf:"base"`
}

// BridgeConfig controls call timeouts, reloads and call-out stand-ins.
type BridgeConfig struct {
	// CallOuts maps a call-out signature to a stand-in name such as
	// "empty_set" or "null".
	CallOuts      map[string]string `koanf:"callouts"`
	CallTimeout   time.Duration     `koanf:"call_timeout"`
	ReloadOnAbort bool              `koanf:"reload_on_abort"`
}

type EngineConfig struct {
	MemoryLimitPages uint32 `koanf:"memory_limit_pages"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	MaxQueue        int64         `koanf:"max_queue"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	Dev   bool   `koanf:"dev"`
}

// Load builds a Config from the defaults, the file at path when path is not
// empty, and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "load defaults")
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "load config file "+path)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "load environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(s, "_")
	if !ok {
		return s
	}
	return section + "." + strings.ReplaceAll(rest, "__", ".")
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	invalid := func(format string, args ...any) {
		result = multierror.Append(result, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf(format, args...)))
	}

	if c.Module.Path == "" {
		invalid("module.path is required")
	}
	if c.Module.Class == "" {
		invalid("module.class is required")
	}
	for op := range c.Module.Offsets {
		if _, ok := bridge.Operations[op]; !ok {
			invalid("module.offsets: unknown operation %q", op)
		}
	}
	if c.Bridge.CallTimeout < 0 {
		invalid("bridge.call_timeout must not be negative")
	}
	if _, err := bridge.ParseCallOuts(c.Bridge.CallOuts); err != nil {
		result = multierror.Append(result, err)
	}
	if p := c.Engine.MemoryLimitPages; p == 0 || p > 65536 {
		invalid("engine.memory_limit_pages must be in [1, 65536], got %d", p)
	}
	if c.Server.Addr == "" {
		invalid("server.addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		invalid("server.max_body_bytes must be positive")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	return result.ErrorOrNil()
}

// BridgeConfig converts the configuration for bridge.New, reading the
// offsets file if one is set.
func (c *Config) BridgeConfig() (bridge.Config, error) {
	callOuts, err := bridge.ParseCallOuts(c.Bridge.CallOuts)
	if err != nil {
		return bridge.Config{}, err
	}

	cfg := bridge.Config{
		Offsets:       bridge.Offsets(c.Module.Offsets),
		CallOuts:      callOuts,
		Class:         c.Module.Class,
		ExpectedBuild: c.Module.ExpectedBuild,
		CallTimeout:   c.Bridge.CallTimeout,
		ReloadOnAbort: c.Bridge.ReloadOnAbort,
	}
	if c.Module.OffsetsFile != "" {
		table, err := bridge.LoadOffsetTable(c.Module.OffsetsFile)
		if err != nil {
			return bridge.Config{}, err
		}
		cfg.OffsetTable = table
	}
	return cfg, nil
}

// EngineOptions returns the options used to load the guest.
func (c *Config) EngineOptions() engine.Options {
	return engine.Options{
		Path:             c.Module.Path,
		Base:             c.Module.Base,
		MemoryLimitPages: c.Engine.MemoryLimitPages,
	}
}

// ServerConfig returns the HTTP server configuration.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Addr:            c.Server.Addr,
		MaxQueue:        c.Server.MaxQueue,
		MaxBodyBytes:    c.Server.MaxBodyBytes,
		ShutdownTimeout: c.Server.ShutdownTimeout,
	}
}

// ZapLevel returns the configured level, info when it does not parse.
func (l LogConfig) ZapLevel() zapcore.Level {
	lvl, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
