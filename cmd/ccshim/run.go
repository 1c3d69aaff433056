package main

import (
	"context"

	"github.com/danmuck/ccshim/internal/config"
	"github.com/danmuck/ccshim/internal/contracts/kvstore"
	"github.com/danmuck/ccshim/internal/observability"
	"github.com/danmuck/ccshim/internal/shim"
	"github.com/danmuck/ccshim/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// run connects to the peer and serves the contract next to the admin
// server until the peer ends the stream or ctx is canceled.
func run(ctx context.Context, cfg config.ChaincodeConfig, logger zerolog.Logger) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tcfg := cfg.Transport()
	dialer, err := transport.NewDialer(tcfg, logger)
	if err != nil {
		return err
	}
	conn, err := dialer.Connect(runCtx)
	if err != nil {
		return err
	}
	defer conn.Close()

	hcfg := shim.DefaultHandlerConfig()
	hcfg.ChaincodeID = cfg.ID
	hcfg.RequestTimeout = cfg.RequestTimeout.Duration
	hcfg.Metrics = observability.NewShimMetrics()
	h, err := shim.NewHandler(conn.Stream, kvstore.New(logger), hcfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		defer cancel()
		err := h.Chat()
		h.Wait()
		if err != nil && ctx.Err() != nil {
			logger.Info().Err(err).Msg("ccshim.run stream ended on shutdown")
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		if err := h.Close(); err != nil {
			logger.Debug().Err(err).Msg("ccshim.run close send")
		}
		return nil
	})
	if cfg.MetricsAddr != "" {
		admin := observability.NewAdminServer(observability.AdminConfig{
			Addr:        cfg.MetricsAddr,
			CorsOrigins: cfg.CorsOrigins,
			Version:     version,
			Token:       cfg.AdminToken,
		}, statusFunc(cfg, tcfg, h, conn), logger)
		g.Go(func() error {
			return admin.Serve(gctx)
		})
	}
	return g.Wait()
}

func statusFunc(cfg config.ChaincodeConfig, tcfg transport.Config, h *shim.Handler, conn *transport.Conn) observability.StatusFunc {
	return func() observability.ConnectionStatus {
		state := h.State()
		return observability.ConnectionStatus{
			Chaincode:       cfg.ID,
			Peer:            tcfg.Address,
			State:           state.String(),
			Transport:       conn.State().String(),
			PendingContexts: h.PendingContexts(),
			Ready:           state == shim.StateReady,
		}
	}
}
