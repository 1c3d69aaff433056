package shim

import (
	"context"

	"github.com/danmuck/ccshim/internal/transport"
	"github.com/rs/zerolog"
)

// Start dials the peer, registers cc under cfg.ChaincodeID and serves the
// conversation until the stream ends or ctx is canceled.
func Start(ctx context.Context, cc Chaincode, cfg HandlerConfig, tcfg transport.Config, logger zerolog.Logger) error {
	dialer, err := transport.NewDialer(tcfg, logger)
	if err != nil {
		return err
	}
	conn, err := dialer.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return StartWithStream(conn.Stream, cc, cfg, logger)
}

// StartWithStream serves cc over an already open stream. It returns once
// the stream has ended and every inbound call has answered.
func StartWithStream(stream ChaincodeStream, cc Chaincode, cfg HandlerConfig, logger zerolog.Logger) error {
	h, err := NewHandler(stream, cc, cfg, logger)
	if err != nil {
		return err
	}
	err = h.Chat()
	h.Wait()
	return err
}
