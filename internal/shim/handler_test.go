package shim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

func TestNewHandlerValidatesInputs(t *testing.T) {
	stream := newFakeStream()
	_, err := NewHandler(nil, funcChaincode{}, HandlerConfig{ChaincodeID: "cc"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrStreamRequired)
	_, err = NewHandler(stream, nil, HandlerConfig{ChaincodeID: "cc"}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrChaincodeRequired)
	_, err = NewHandler(stream, funcChaincode{}, HandlerConfig{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrChaincodeIDMissing)
}

func TestChatRegistersWithChaincodeID(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.startChat(t)

	reg := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_REGISTER, reg.GetType())
	id := &peer.ChaincodeID{}
	require.NoError(t, proto.Unmarshal(reg.GetPayload(), id))
	assert.Equal(t, "mycc", id.GetName())
	assert.Equal(t, StateCreated, hs.h.State())

	hs.stream.end(nil)
	assert.NoError(t, hs.waitChat(t))
}

func TestHandshakeAdvancesOnlyOnExpectedMessage(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.chat(t)

	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_READY, Txid: "0123456789abcdef", Payload: []byte("xyz")})
	errMsg := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_ERROR, errMsg.GetType())
	assert.Equal(t,
		"[01234567] Chaincode handler FSM cannot handle message (READY) with payload size (3) while in state: created",
		string(errMsg.GetPayload()))
	assert.Equal(t, "0123456789abcdef", errMsg.GetTxid())
	assert.Equal(t, StateCreated, hs.h.State())
	hs.stream.requireQuiet(t, 20*time.Millisecond)

	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_REGISTERED})
	require.Eventually(t, func() bool { return hs.h.State() == StateEstablished }, waitFor, 5*time.Millisecond)

	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_TRANSACTION, Txid: "tx1"})
	errMsg = hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_ERROR, errMsg.GetType())
	assert.Contains(t, string(errMsg.GetPayload()), "(TRANSACTION) with payload size (0) while in state: established")
	assert.Equal(t, StateEstablished, hs.h.State())

	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_READY})
	require.Eventually(t, func() bool { return hs.h.State() == StateReady }, waitFor, 5*time.Millisecond)
	hs.stream.requireQuiet(t, 20*time.Millisecond)

	hs.metrics.mu.Lock()
	defer hs.metrics.mu.Unlock()
	assert.Equal(t, 1, hs.metrics.protocol["created"])
	assert.Equal(t, 1, hs.metrics.protocol["established"])
}

func TestReadyIgnoresHandshakeReplay(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_REGISTERED})
	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_READY})

	done := make(chan error, 1)
	go func() {
		_, err := hs.h.handleGetState(context.Background(), "", "k", "ch1", "tx1")
		done <- err
	}()
	// the first message after the replays is the request, not an ERROR
	req := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_GET_STATE, req.GetType())
	assert.Equal(t, StateReady, hs.h.State())
	hs.stream.deliver(respond(req, []byte("v")))
	require.NoError(t, <-done)
}

func TestReadyUnknownMessageIsFatal(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_KEEPALIVE, ChannelId: "ch1", Txid: "tx1"})
	err := hs.waitChat(t)
	require.ErrorIs(t, err, ErrFatalProtocol)
	assert.Contains(t, err.Error(), "KEEPALIVE")

	hs.metrics.mu.Lock()
	defer hs.metrics.mu.Unlock()
	assert.Equal(t, 1, hs.metrics.protocol["ready"])
}

func TestGetStateRoundTrip(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	type result struct {
		value []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := hs.h.handleGetState(context.Background(), "", "balance", "ch1", "tx1")
		done <- result{v, err}
	}()

	req := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_GET_STATE, req.GetType())
	assert.Equal(t, "ch1", req.GetChannelId())
	assert.Equal(t, "tx1", req.GetTxid())
	body := &peer.GetState{}
	require.NoError(t, proto.Unmarshal(req.GetPayload(), body))
	assert.Equal(t, "balance", body.GetKey())
	assert.Equal(t, 1, hs.h.PendingContexts())

	hs.stream.deliver(respond(req, []byte("100")))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, []byte("100"), res.value)
	assert.Equal(t, 0, hs.h.PendingContexts())
}

func TestPeerErrorCarriesTransactionLabel(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	done := make(chan error, 1)
	go func() {
		done <- hs.h.handlePutState(context.Background(), "", "k", []byte("v"), "ch1", "tx-0123456789")
	}()
	req := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_PUT_STATE, req.GetType())
	hs.stream.deliver(respondError(req, "write conflict"))

	err := <-done
	require.ErrorIs(t, err, ErrPeerError)
	var peerErr *PeerError
	require.ErrorAs(t, err, &peerErr)
	assert.Equal(t, "write conflict", peerErr.Message)
	assert.Contains(t, err.Error(), "[ch1-tx-01234]")
}

func TestOrphanResponseIsDropped(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	done := make(chan error, 1)
	go func() {
		_, err := hs.h.handleGetState(context.Background(), "", "k", "ch1", "tx1")
		done <- err
	}()
	req := hs.stream.next(t)

	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_RESPONSE, ChannelId: "ch1", Txid: "nobody"})
	require.Eventually(t, func() bool { return hs.metrics.orphanCount() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, hs.h.queue.depth("ch1", "tx1"))

	hs.stream.deliver(respond(req, nil))
	require.NoError(t, <-done)
	assert.Equal(t, StateReady, hs.h.State())
}

func TestConcurrentContextsInterleave(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	results := make(map[string]chan []byte)
	for _, tx := range []string{"txA", "txB"} {
		ch := make(chan []byte, 1)
		results[tx] = ch
		go func(tx string) {
			v, err := hs.h.handleGetState(context.Background(), "", "k", "ch1", tx)
			if err != nil {
				ch <- []byte(err.Error())
				return
			}
			ch <- v
		}(tx)
	}

	first := hs.stream.next(t)
	second := hs.stream.next(t)
	assert.NotEqual(t, first.GetTxid(), second.GetTxid())

	// answer in reverse order of arrival
	hs.stream.deliver(respond(second, []byte(second.GetTxid())))
	hs.stream.deliver(respond(first, []byte(first.GetTxid())))

	assert.Equal(t, []byte("txA"), <-results["txA"])
	assert.Equal(t, []byte("txB"), <-results["txB"])
	assert.Equal(t, 0, hs.h.PendingContexts())
}

func TestStreamEndFailsPendingRequests(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	done := make(chan error, 1)
	go func() {
		_, err := hs.h.handleGetState(context.Background(), "", "k", "ch1", "tx1")
		done <- err
	}()
	hs.stream.next(t)

	hs.stream.end(nil)
	require.NoError(t, hs.waitChat(t))
	assert.ErrorIs(t, <-done, ErrConnectionClosed)

	_, err := hs.h.handleGetState(context.Background(), "", "k", "ch1", "tx2")
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestStreamErrorIsReturned(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	boom := errors.New("transport reset")
	hs.stream.end(boom)
	err := hs.waitChat(t)
	require.ErrorIs(t, err, boom)
}

func TestRequestTimeout(t *testing.T) {
	hs := newHarness(t, nil, func(cfg *HandlerConfig) {
		cfg.RequestTimeout = 50 * time.Millisecond
	})
	hs.ready(t)

	_, err := hs.h.handleGetState(context.Background(), "", "k", "ch1", "tx1")
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Contains(t, err.Error(), "[ch1-tx1]")

	hs.metrics.mu.Lock()
	defer hs.metrics.mu.Unlock()
	assert.Equal(t, 1, hs.metrics.requests["GetState/timeout"])
}

func TestSendFailureFailsOnlyThatRequest(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	broken := errors.New("write failed")
	hs.stream.failSends(func(msg *peer.ChaincodeMessage) error {
		if msg.GetTxid() == "bad" {
			return broken
		}
		return nil
	})

	_, err := hs.h.handleGetState(context.Background(), "", "k", "ch1", "bad")
	require.ErrorIs(t, err, broken)
	assert.Equal(t, 0, hs.h.PendingContexts())

	done := make(chan error, 1)
	go func() {
		_, err := hs.h.handleGetState(context.Background(), "", "k", "ch1", "good")
		done <- err
	}()
	req := hs.stream.next(t)
	hs.stream.deliver(respond(req, []byte("v")))
	require.NoError(t, <-done)
}

func TestGetStateMetadataDecodesEntries(t *testing.T) {
	hs := newHarness(t, nil, nil)
	hs.ready(t)

	done := make(chan map[string][]byte, 1)
	go func() {
		md, err := hs.h.handleGetStateMetadata(context.Background(), "", "k", "ch1", "tx1")
		assert.NoError(t, err)
		done <- md
	}()
	req := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_GET_STATE_METADATA, req.GetType())
	hs.stream.deliver(respond(req, mustMarshal(t, &peer.StateMetadataResult{
		Entries: []*peer.StateMetadata{{Metakey: validationParameterKey, Value: []byte("policy")}},
	})))

	md := <-done
	assert.Equal(t, map[string][]byte{validationParameterKey: []byte("policy")}, md)
}

func TestDecodeResponseRejectsUnexpectedType(t *testing.T) {
	_, err := decodeResponse(nil, &peer.ChaincodeMessage{Type: peer.ChaincodeMessage_COMPLETED, ChannelId: "ch1", Txid: "tx1"}, OpGetState)
	require.ErrorIs(t, err, ErrUnexpectedResponse)
	assert.Contains(t, err.Error(), "COMPLETED")
	assert.Contains(t, err.Error(), "GetState")
}

func TestUnknownOpReturnsRawPayload(t *testing.T) {
	v, err := decodeResponse(nil, &peer.ChaincodeMessage{Type: peer.ChaincodeMessage_RESPONSE, Payload: []byte("raw")}, OpUnknown)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), v)
}

func TestCloseFailsPendingAndHalfCloses(t *testing.T) {
	stream := &closingStream{fakeStream: newFakeStream()}
	h, err := NewHandler(stream, funcChaincode{}, HandlerConfig{ChaincodeID: "cc"}, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.handleGetState(context.Background(), "", "k", "ch1", "tx1")
		done <- err
	}()
	<-stream.sent

	require.NoError(t, h.Close())
	assert.ErrorIs(t, <-done, ErrConnectionClosed)
	assert.True(t, stream.halfClosed)
}

type closingStream struct {
	*fakeStream
	halfClosed bool
}

func (s *closingStream) CloseSend() error {
	s.halfClosed = true
	return nil
}
