package shim

import (
	"fmt"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"google.golang.org/protobuf/proto"
)

type callKind uint8

const (
	callInit callKind = iota
	callInvoke
)

func (k callKind) String() string {
	if k == callInit {
		return "Init"
	}
	return "Invoke"
}

// dispatch runs one inbound call off the receive loop so the contract can
// issue outbound requests while responses keep arriving.
func (h *Handler) dispatch(msg *peer.ChaincodeMessage, kind callKind) {
	h.calls.Add(1)
	go func() {
		defer h.calls.Done()
		h.handleInbound(msg, kind)
	}()
}

// handleInbound turns an INIT or TRANSACTION message into a contract call
// and answers with exactly one COMPLETED or ERROR message.
func (h *Handler) handleInbound(msg *peer.ChaincodeMessage, kind callKind) {
	channelID, txID := msg.GetChannelId(), msg.GetTxid()
	logger := h.logger.With().Str("tx", txLabel(channelID, txID)).Str("kind", kind.String()).Logger()

	input := &peer.ChaincodeInput{}
	if err := proto.Unmarshal(msg.GetPayload(), input); err != nil {
		logger.Error().Err(err).Msg("shim.Handler.handleInbound decode input failed")
		h.cfg.Metrics.InboundCall(kind.String(), ERROR)
		h.sendReply(&peer.ChaincodeMessage{
			Type:      peer.ChaincodeMessage_ERROR,
			Payload:   msg.GetPayload(),
			Txid:      txID,
			ChannelId: channelID,
		})
		return
	}

	stub, err := h.cfg.StubFactory(h, channelID, txID, input, msg.GetProposal())
	if err != nil {
		logger.Error().Err(err).Msg("shim.Handler.handleInbound stub creation failed")
		h.cfg.Metrics.InboundCall(kind.String(), ERROR)
		h.sendReply(&peer.ChaincodeMessage{
			Type:      peer.ChaincodeMessage_ERROR,
			Payload:   []byte(err.Error()),
			Txid:      txID,
			ChannelId: channelID,
		})
		return
	}

	var resp Response
	if kind == callInit {
		resp = h.cc.Init(stub)
	} else {
		resp = h.cc.Invoke(stub)
	}
	if n := h.queue.discard(txKey{channelID: channelID, txID: txID}, ErrRequestTimeout); n > 0 {
		logger.Warn().Int("requests", n).Msg("shim.Handler.handleInbound discarded unanswered requests")
	}
	if !resp.Decided() {
		text := fmt.Sprintf("[%s] Calling chaincode %s() has not called success or error.", txLabel(channelID, txID), kind)
		logger.Error().Msg(text)
		resp = Error(text)
	}
	h.cfg.Metrics.InboundCall(kind.String(), resp.Status)

	payload, err := proto.Marshal(resp.toProto())
	if err != nil {
		logger.Error().Err(err).Msg("shim.Handler.handleInbound marshal response failed")
		h.sendReply(&peer.ChaincodeMessage{
			Type:      peer.ChaincodeMessage_ERROR,
			Payload:   []byte(err.Error()),
			Txid:      txID,
			ChannelId: channelID,
		})
		return
	}
	logger.Debug().Int32("status", resp.Status).Msg("shim.Handler.handleInbound completed")
	h.sendReply(&peer.ChaincodeMessage{
		Type:           peer.ChaincodeMessage_COMPLETED,
		Payload:        payload,
		Txid:           txID,
		ChannelId:      channelID,
		ChaincodeEvent: stub.chaincodeEvent,
	})
}

func (h *Handler) sendReply(msg *peer.ChaincodeMessage) {
	if err := h.send(msg); err != nil {
		h.logger.Error().Err(err).Str("tx", txLabel(msg.GetChannelId(), msg.GetTxid())).Msg("shim.Handler.sendReply failed")
	}
}
