package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/nep-sign/bridge"
	"github.com/wippyai/nep-sign/config"
	"github.com/wippyai/nep-sign/engine"
	"github.com/wippyai/nep-sign/server"
	"github.com/wippyai/nep-sign/signer"
)

// app is the state shared by every subcommand.
type app struct {
	cfg *config.Config
	log *zap.Logger

	configPath string
	logLevel   string
	dev        bool
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:   "nepsign",
		Short: "Signing service backed by the native signing library",
		Long: "nepsign loads the signing library into a sandboxed guest and exposes its\n" +
			"POST and GET signing functions over HTTP or the command line.",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) { a.sync() },
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&a.dev, "dev", false, "human-readable console logging")

	root.AddCommand(
		serveCmd(a),
		signCmd(a),
		inspectCmd(a),
		consoleCmd(a),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func (a *app) setup(*cobra.Command, []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	log, err := newLogger(cfg.Log, a.logLevel, a.dev)
	if err != nil {
		return err
	}
	a.log = log

	engine.SetLogger(log.Named("engine"))
	bridge.SetLogger(log.Named("bridge"))
	signer.SetLogger(log.Named("signer"))
	server.SetLogger(log.Named("server"))
	return nil
}

func (a *app) sync() {
	if a.log != nil {
		_ = a.log.Sync()
	}
}

// newLogger builds a JSON production logger, or a console logger when dev
// output is requested or stderr is a terminal.
func newLogger(lc config.LogConfig, override string, dev bool) (*zap.Logger, error) {
	level := lc.ZapLevel()
	if override != "" {
		l, err := zapcore.ParseLevel(override)
		if err != nil {
			return nil, fmt.Errorf("--log-level: %w", err)
		}
		level = l
	}

	zc := zap.NewProductionConfig()
	if dev || lc.Dev || term.IsTerminal(int(os.Stderr.Fd())) {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// openBridge loads the configured module behind a bridge that reloads it
// from disk after an abort.
func (a *app) openBridge(ctx context.Context) (*bridge.Bridge, error) {
	bcfg, err := a.cfg.BridgeConfig()
	if err != nil {
		return nil, err
	}
	return bridge.New(ctx, bcfg, bridge.EngineLoader(a.cfg.EngineOptions()))
}
