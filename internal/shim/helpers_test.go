package shim

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ccshim/internal/testutil/testlog"
	"github.com/hyperledger/fabric-protos-go-apiv2/ledger/queryresult"
	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

const waitFor = 2 * time.Second

// fakeStream is an in-memory peer end. Tests push inbound messages with
// deliver and read what the handler wrote with next.
type fakeStream struct {
	sent chan *peer.ChaincodeMessage
	in   chan *peer.ChaincodeMessage

	mu      sync.Mutex
	sendErr func(*peer.ChaincodeMessage) error
	recvErr error
	closed  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		sent: make(chan *peer.ChaincodeMessage, 64),
		in:   make(chan *peer.ChaincodeMessage, 64),
	}
}

func (s *fakeStream) Send(msg *peer.ChaincodeMessage) error {
	s.mu.Lock()
	fail := s.sendErr
	s.mu.Unlock()
	if fail != nil {
		if err := fail(msg); err != nil {
			return err
		}
	}
	s.sent <- msg
	return nil
}

func (s *fakeStream) Recv() (*peer.ChaincodeMessage, error) {
	msg, ok := <-s.in
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.recvErr != nil {
			return nil, s.recvErr
		}
		return nil, io.EOF
	}
	return msg, nil
}

func (s *fakeStream) deliver(msg *peer.ChaincodeMessage) {
	s.in <- msg
}

// end closes the inbound side; Recv then reports err, or io.EOF when nil.
func (s *fakeStream) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.recvErr = err
	close(s.in)
}

func (s *fakeStream) failSends(fn func(*peer.ChaincodeMessage) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = fn
}

func (s *fakeStream) next(t *testing.T) *peer.ChaincodeMessage {
	t.Helper()
	select {
	case msg := <-s.sent:
		return msg
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for outbound message")
		return nil
	}
}

func (s *fakeStream) requireQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-s.sent:
		t.Fatalf("unexpected outbound message %s tx=%s", msg.GetType(), msg.GetTxid())
	case <-time.After(d):
	}
}

type countingMetrics struct {
	mu       sync.Mutex
	requests map[string]int
	orphans  int
	inbound  map[int32]int
	protocol map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{
		requests: make(map[string]int),
		inbound:  make(map[int32]int),
		protocol: make(map[string]int),
	}
}

func (m *countingMetrics) ObserveRequest(msgType, outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[msgType+"/"+outcome]++
}

func (m *countingMetrics) OrphanResponse() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphans++
}

func (m *countingMetrics) InboundCall(_ string, status int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound[status]++
}

func (m *countingMetrics) ProtocolError(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocol[state]++
}

func (m *countingMetrics) orphanCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orphans
}

type funcChaincode struct {
	init   func(ChaincodeStubInterface) Response
	invoke func(ChaincodeStubInterface) Response
}

func (f funcChaincode) Init(stub ChaincodeStubInterface) Response {
	if f.init == nil {
		return Success(nil)
	}
	return f.init(stub)
}

func (f funcChaincode) Invoke(stub ChaincodeStubInterface) Response {
	if f.invoke == nil {
		return Success(nil)
	}
	return f.invoke(stub)
}

type harness struct {
	h       *Handler
	stream  *fakeStream
	metrics *countingMetrics

	chatDone chan struct{}
	chatErr  error
}

func newHarness(t *testing.T, cc Chaincode, mutate func(*HandlerConfig)) *harness {
	t.Helper()
	if cc == nil {
		cc = funcChaincode{}
	}
	stream := newFakeStream()
	metrics := newCountingMetrics()
	cfg := HandlerConfig{ChaincodeID: "mycc", Metrics: metrics}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewHandler(stream, cc, cfg, testlog.Start(t))
	require.NoError(t, err)
	return &harness{h: h, stream: stream, metrics: metrics, chatDone: make(chan struct{})}
}

// startChat runs the receive loop until the stream ends.
func (hs *harness) startChat(t *testing.T) {
	t.Helper()
	go func() {
		hs.chatErr = hs.h.Chat()
		close(hs.chatDone)
	}()
	t.Cleanup(func() {
		hs.stream.end(nil)
		select {
		case <-hs.chatDone:
		case <-time.After(waitFor):
		}
		hs.h.Wait()
	})
}

// chat starts the receive loop and consumes the REGISTER message.
func (hs *harness) chat(t *testing.T) {
	t.Helper()
	hs.startChat(t)
	reg := hs.stream.next(t)
	require.Equal(t, peer.ChaincodeMessage_REGISTER, reg.GetType())
}

// ready runs the loop through the handshake.
func (hs *harness) ready(t *testing.T) {
	t.Helper()
	hs.chat(t)
	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_REGISTERED})
	hs.stream.deliver(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_READY})
	require.Eventually(t, func() bool { return hs.h.State() == StateReady }, waitFor, 5*time.Millisecond)
}

func (hs *harness) waitChat(t *testing.T) error {
	t.Helper()
	select {
	case <-hs.chatDone:
		return hs.chatErr
	case <-time.After(waitFor):
		t.Fatalf("chat did not return")
		return errors.New("unreachable")
	}
}

func respond(req *peer.ChaincodeMessage, payload []byte) *peer.ChaincodeMessage {
	return &peer.ChaincodeMessage{
		Type:      peer.ChaincodeMessage_RESPONSE,
		Payload:   payload,
		Txid:      req.GetTxid(),
		ChannelId: req.GetChannelId(),
	}
}

func respondError(req *peer.ChaincodeMessage, text string) *peer.ChaincodeMessage {
	return &peer.ChaincodeMessage{
		Type:      peer.ChaincodeMessage_ERROR,
		Payload:   []byte(text),
		Txid:      req.GetTxid(),
		ChannelId: req.GetChannelId(),
	}
}

func mustMarshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	require.NoError(t, err)
	return b
}

func kvPage(t *testing.T, id string, hasMore bool, kvs ...[2]string) *peer.QueryResponse {
	t.Helper()
	page := &peer.QueryResponse{Id: id, HasMore: hasMore}
	for _, kv := range kvs {
		page.Results = append(page.Results, &peer.QueryResultBytes{
			ResultBytes: mustMarshal(t, &queryresult.KV{Key: kv[0], Value: []byte(kv[1])}),
		})
	}
	return page
}
