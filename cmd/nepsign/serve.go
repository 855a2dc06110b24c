package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/nep-sign/server"
	"github.com/wippyai/nep-sign/signer"
)

func serveCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP signing service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := a.openBridge(ctx)
			if err != nil {
				a.log.Error("cannot load signing module", zap.String("path", a.cfg.Module.Path), zap.Error(err))
				return err
			}
			defer func() {
				if err := b.Close(context.Background()); err != nil {
					a.log.Warn("closing bridge", zap.Error(err))
				}
			}()

			st := b.Stats()
			a.log.Info("signing module ready",
				zap.Stringer("module", st.Module),
				zap.Stringer("init", st.Init),
				zap.Stringer("offsets", st.Offsets),
				zap.String("offset_source", st.OffsetSource))

			scfg := a.cfg.ServerConfig()
			if addr != "" {
				scfg.Addr = addr
			}
			return server.New(scfg, signer.New(b)).ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}
