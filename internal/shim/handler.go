package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"
)

// HandlerConfig configures one chaincode connection.
type HandlerConfig struct {
	ChaincodeID    string
	RequestTimeout time.Duration
	Metrics        Metrics
	StubFactory    StubFactory
}

func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		RequestTimeout: 30 * time.Second,
	}
}

// WithDefaults fills unset fields from DefaultHandlerConfig.
func (c HandlerConfig) WithDefaults() HandlerConfig {
	d := DefaultHandlerConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.StubFactory == nil {
		c.StubFactory = NewChaincodeStub
	}
	return c
}

// Handler owns one chaincode<->peer stream: the handshake state machine,
// the per-transaction request queue, and dispatch of inbound calls.
type Handler struct {
	cfg    HandlerConfig
	cc     Chaincode
	logger zerolog.Logger

	sendMu sync.Mutex
	stream ChaincodeStream

	state  atomic.Int32
	queue  *txQueue
	calls  sync.WaitGroup
	closed atomic.Bool

	// root context for inbound calls, canceled when the stream ends
	ctx    context.Context
	cancel context.CancelFunc
}

func NewHandler(stream ChaincodeStream, cc Chaincode, cfg HandlerConfig, logger zerolog.Logger) (*Handler, error) {
	if stream == nil {
		return nil, ErrStreamRequired
	}
	if cc == nil {
		return nil, ErrChaincodeRequired
	}
	if strings.TrimSpace(cfg.ChaincodeID) == "" {
		return nil, ErrChaincodeIDMissing
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:    cfg.WithDefaults(),
		cc:     cc,
		logger: logger.With().Str("chaincode", cfg.ChaincodeID).Logger(),
		stream: stream,
		ctx:    ctx,
		cancel: cancel,
	}
	h.queue = newTxQueue(h.send)
	return h, nil
}

// State returns the current handshake phase.
func (h *Handler) State() State {
	return State(h.state.Load())
}

// PendingContexts returns the number of transaction contexts with
// outstanding requests.
func (h *Handler) PendingContexts() int {
	return h.queue.contexts()
}

func (h *Handler) setState(s State) {
	h.state.Store(int32(s))
}

// send writes one message. gRPC streams do not allow concurrent Send calls.
func (h *Handler) send(msg *peer.ChaincodeMessage) error {
	if h.closed.Load() {
		return ErrConnectionClosed
	}
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if err := h.stream.Send(msg); err != nil {
		return fmt.Errorf("shim: send %s [%s]: %w", msg.GetType(), txLabel(msg.GetChannelId(), msg.GetTxid()), err)
	}
	return nil
}

// Chat registers with the peer and processes inbound messages until the
// stream ends. A clean end of stream returns nil. A fatal protocol
// violation returns an error wrapping ErrFatalProtocol.
func (h *Handler) Chat() error {
	payload, err := proto.Marshal(&peer.ChaincodeID{Name: h.cfg.ChaincodeID})
	if err != nil {
		return fmt.Errorf("shim: marshal chaincode id: %w", err)
	}
	if err := h.send(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_REGISTER, Payload: payload}); err != nil {
		h.shutdown(err)
		return err
	}
	h.logger.Info().Msg("shim.Handler.Chat register sent")

	for {
		in, err := h.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.logger.Info().Msg("shim.Handler.Chat peer closed stream")
				h.shutdown(ErrConnectionClosed)
				return nil
			}
			h.logger.Error().Err(err).Msg("shim.Handler.Chat receive failed")
			h.shutdown(fmt.Errorf("%w: %v", ErrConnectionClosed, err))
			return fmt.Errorf("shim: receive: %w", err)
		}
		if err := h.handleMessage(in); err != nil {
			h.logger.Error().Err(err).Msg("shim.Handler.Chat terminating")
			h.shutdown(err)
			return err
		}
	}
}

// Close ends the conversation from this side and fails outstanding requests.
func (h *Handler) Close() error {
	h.shutdown(ErrConnectionClosed)
	if cs, ok := h.stream.(ClientStream); ok {
		h.sendMu.Lock()
		defer h.sendMu.Unlock()
		return cs.CloseSend()
	}
	return nil
}

// Wait blocks until every inbound call dispatched so far has completed.
func (h *Handler) Wait() {
	h.calls.Wait()
}

func (h *Handler) shutdown(cause error) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.cancel()
	if n := h.queue.failAll(cause); n > 0 {
		h.logger.Warn().Int("pending", n).Err(cause).Msg("shim.Handler.shutdown failed pending requests")
	}
}

// handleMessage is the connection state machine. It returns an error only
// for violations that must end the process.
func (h *Handler) handleMessage(msg *peer.ChaincodeMessage) error {
	state := h.State()
	switch state {
	case StateCreated:
		if msg.GetType() == peer.ChaincodeMessage_REGISTERED {
			h.setState(StateEstablished)
			h.logger.Info().Msg("shim.Handler registered")
			return nil
		}
		h.rejectHandshake(msg, state)
		return nil
	case StateEstablished:
		if msg.GetType() == peer.ChaincodeMessage_READY {
			h.setState(StateReady)
			h.logger.Info().Msg("shim.Handler ready")
			return nil
		}
		h.rejectHandshake(msg, state)
		return nil
	}

	switch msg.GetType() {
	case peer.ChaincodeMessage_REGISTERED, peer.ChaincodeMessage_READY:
		h.logger.Debug().Str("type", msg.GetType().String()).Msg("shim.Handler ignoring handshake replay")
	case peer.ChaincodeMessage_RESPONSE, peer.ChaincodeMessage_ERROR:
		h.handleResponse(msg)
	case peer.ChaincodeMessage_INIT:
		h.dispatch(msg, callInit)
	case peer.ChaincodeMessage_TRANSACTION:
		h.dispatch(msg, callInvoke)
	default:
		h.cfg.Metrics.ProtocolError(state.String())
		return fmt.Errorf("%w: [%s] unknown message type %s while %s",
			ErrFatalProtocol, txLabel(msg.GetChannelId(), msg.GetTxid()), msg.GetType(), state)
	}
	return nil
}

// rejectHandshake answers an out-of-order handshake message with an ERROR
// message and leaves the stream open.
func (h *Handler) rejectHandshake(msg *peer.ChaincodeMessage, state State) {
	h.cfg.Metrics.ProtocolError(state.String())
	text := fmt.Sprintf(
		"[%s] Chaincode handler FSM cannot handle message (%s) with payload size (%d) while in state: %s",
		shortTxID(msg.GetTxid()),
		msg.GetType(),
		len(msg.GetPayload()),
		state,
	)
	h.logger.Error().Str("state", state.String()).Msg(text)
	errMsg := &peer.ChaincodeMessage{
		Type:      peer.ChaincodeMessage_ERROR,
		Payload:   []byte(text),
		Txid:      msg.GetTxid(),
		ChannelId: msg.GetChannelId(),
	}
	if err := h.send(errMsg); err != nil {
		h.logger.Error().Err(err).Msg("shim.Handler.rejectHandshake send failed")
	}
}

func (h *Handler) handleResponse(msg *peer.ChaincodeMessage) {
	req, ok := h.queue.resolve(msg, func(req *pendingRequest) (any, error) {
		return decodeResponse(h, msg, req.op)
	})
	if !ok {
		h.cfg.Metrics.OrphanResponse()
		h.logger.Warn().
			Str("tx", txLabel(msg.GetChannelId(), msg.GetTxid())).
			Str("type", msg.GetType().String()).
			Msg("shim.Handler.handleResponse no pending request, dropping")
		return
	}
	outcome := "success"
	if msg.GetType() != peer.ChaincodeMessage_RESPONSE {
		outcome = "error"
	}
	h.cfg.Metrics.ObserveRequest(req.op.String(), outcome, time.Since(req.queuedAt))
}

// call enqueues one request for (channelID, txID) and waits for its
// correlated reply, the caller's context, or the request timeout.
func (h *Handler) call(ctx context.Context, channelID, txID string, op Op, payload proto.Message) (any, error) {
	var body []byte
	if payload != nil {
		b, err := proto.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("shim: [%s] marshal %s: %w", txLabel(channelID, txID), op, err)
		}
		body = b
	}
	req := newPendingRequest(&peer.ChaincodeMessage{
		Type:      op.MessageType(),
		Payload:   body,
		Txid:      txID,
		ChannelId: channelID,
	}, op)

	if ctx == nil {
		ctx = h.ctx
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()

	h.logger.Debug().Str("tx", txLabel(channelID, txID)).Str("op", op.String()).Msg("shim.Handler.call")
	h.queue.enqueue(req)

	select {
	case res := <-req.done:
		if res.err != nil {
			return nil, fmt.Errorf("shim: [%s] %s: %w", txLabel(channelID, txID), op, res.err)
		}
		return res.value, nil
	case <-ctx.Done():
		if h.closed.Load() {
			return nil, fmt.Errorf("shim: [%s] %s: %w", txLabel(channelID, txID), op, ErrConnectionClosed)
		}
		h.cfg.Metrics.ObserveRequest(op.String(), "timeout", time.Since(req.queuedAt))
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("shim: [%s] %s: %w after %s", txLabel(channelID, txID), op, ErrRequestTimeout, h.cfg.RequestTimeout)
		}
		return nil, fmt.Errorf("shim: [%s] %s: %w", txLabel(channelID, txID), op, ctx.Err())
	}
}
