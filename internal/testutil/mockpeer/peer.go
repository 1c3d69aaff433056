// Package mockpeer runs an in-process ChaincodeSupport server with an
// in-memory world state. It speaks the peer side of the chaincode stream:
// the REGISTER handshake, INIT/TRANSACTION dispatch and the ledger requests
// a contract issues while a call is in flight.
package mockpeer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// Address is the dial target for the in-memory listener. The passthrough
// scheme keeps the resolver away from the placeholder host name.
const Address = "passthrough:///bufnet"

var ErrSessionClosed = errors.New("mockpeer: session closed")

type Option func(*Peer)

// WithPageSize sets how many records a range or history response carries
// before the cursor reports has-more.
func WithPageSize(n int) Option {
	return func(p *Peer) {
		if n > 0 {
			p.pageSize = n
		}
	}
}

// WithTLS serves over a real TCP listener using cfg instead of bufconn.
func WithTLS(cfg *tls.Config) Option {
	return func(p *Peer) {
		p.tcp = true
		p.tls = cfg
	}
}

// WithTCP serves plaintext on a loopback TCP port instead of bufconn.
func WithTCP() Option {
	return func(p *Peer) {
		p.tcp = true
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Peer) {
		p.logger = logger
	}
}

// Peer is the server side of the chaincode conversation.
type Peer struct {
	peer.UnimplementedChaincodeSupportServer

	logger   zerolog.Logger
	pageSize int
	tcp      bool
	tls      *tls.Config

	srv  *grpc.Server
	buf  *bufconn.Listener
	addr string

	ledger   *Ledger
	sessions chan *Session
}

// Start serves a mock peer until the test ends.
func Start(t testing.TB, opts ...Option) *Peer {
	t.Helper()
	p := &Peer{
		logger:   zerolog.Nop(),
		pageSize: 100,
		ledger:   NewLedger(),
		sessions: make(chan *Session, 8),
	}
	for _, opt := range opts {
		opt(p)
	}

	var lis net.Listener
	var serverOpts []grpc.ServerOption
	if p.tcp {
		tcp, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("mockpeer listen: %v", err)
		}
		lis = tcp
		p.addr = tcp.Addr().String()
		if p.tls != nil {
			serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(p.tls)))
		}
	} else {
		p.buf = bufconn.Listen(1 << 20)
		lis = p.buf
		p.addr = Address
	}

	p.srv = grpc.NewServer(serverOpts...)
	peer.RegisterChaincodeSupportServer(p.srv, p)
	go func() {
		_ = p.srv.Serve(lis)
	}()
	t.Cleanup(p.srv.Stop)
	return p
}

// Addr is the target a chaincode should dial.
func (p *Peer) Addr() string {
	return p.addr
}

// ContextDialer connects to the in-memory listener. It is nil when the peer
// serves over TCP.
func (p *Peer) ContextDialer() func(context.Context, string) (net.Conn, error) {
	if p.buf == nil {
		return nil
	}
	return func(ctx context.Context, _ string) (net.Conn, error) {
		return p.buf.DialContext(ctx)
	}
}

func (p *Peer) Ledger() *Ledger {
	return p.ledger
}

// Accept waits for the next chaincode that completes the handshake.
func (p *Peer) Accept(ctx context.Context) (*Session, error) {
	select {
	case s := <-p.sessions:
		return s, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("mockpeer: no chaincode registered: %w", ctx.Err())
	}
}

// Register serves one chaincode stream.
func (p *Peer) Register(stream peer.ChaincodeSupport_RegisterServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.GetType() != peer.ChaincodeMessage_REGISTER {
		return fmt.Errorf("mockpeer: expected REGISTER, got %s", first.GetType())
	}
	id := &peer.ChaincodeID{}
	if err := unmarshal(first.GetPayload(), id); err != nil {
		return err
	}

	s := newSession(p, stream, id.GetName())
	if err := s.send(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_REGISTERED}); err != nil {
		return err
	}
	if err := s.send(&peer.ChaincodeMessage{Type: peer.ChaincodeMessage_READY}); err != nil {
		return err
	}
	p.logger.Debug().Str("chaincode", s.name).Msg("mockpeer.Register ready")
	p.sessions <- s
	go s.serve()
	select {
	case <-s.done:
	case <-s.hangup:
	}
	return nil
}

// Stop tears down the server and every open stream.
func (p *Peer) Stop() {
	p.srv.Stop()
}

// Session is one registered chaincode.
type Session struct {
	p      *Peer
	name   string
	stream peer.ChaincodeSupport_RegisterServer

	sendMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan *peer.ChaincodeMessage
	done    chan struct{}
	err     error

	hangupOnce sync.Once
	hangup     chan struct{}
}

func newSession(p *Peer, stream peer.ChaincodeSupport_RegisterServer, name string) *Session {
	return &Session{
		p:       p,
		name:    name,
		stream:  stream,
		waiters: make(map[string]chan *peer.ChaincodeMessage),
		done:    make(chan struct{}),
		hangup:  make(chan struct{}),
	}
}

// Name is the chaincode id the session registered under.
func (s *Session) Name() string {
	return s.name
}

// Done closes when the chaincode side ends the stream.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err reports why the stream ended, nil for a clean half-close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) send(msg *peer.ChaincodeMessage) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.Send(msg)
}

// Send writes a raw message, for tests that drive protocol edge cases.
func (s *Session) Send(msg *peer.ChaincodeMessage) error {
	return s.send(msg)
}

// Hangup ends the stream from the peer side with a clean end of stream.
func (s *Session) Hangup() {
	s.hangupOnce.Do(func() { close(s.hangup) })
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil && !isEOF(err) {
		s.err = err
	}
}

func (s *Session) serve() {
	defer close(s.done)
	for {
		msg, err := s.stream.Recv()
		if err != nil {
			s.fail(err)
			return
		}
		switch msg.GetType() {
		case peer.ChaincodeMessage_COMPLETED, peer.ChaincodeMessage_ERROR:
			if !s.complete(msg) {
				s.p.logger.Warn().Str("tx", msg.GetTxid()).Str("type", msg.GetType().String()).Msg("mockpeer.Session unsolicited")
			}
		default:
			reply := s.p.ledger.handle(s.p.pageSize, msg)
			if err := s.send(reply); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

func (s *Session) complete(msg *peer.ChaincodeMessage) bool {
	s.mu.Lock()
	ch, ok := s.waiters[msg.GetTxid()]
	delete(s.waiters, msg.GetTxid())
	s.mu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (s *Session) watch(txID string) chan *peer.ChaincodeMessage {
	ch := make(chan *peer.ChaincodeMessage, 1)
	s.mu.Lock()
	s.waiters[txID] = ch
	s.mu.Unlock()
	return ch
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled
}

// Call is one INIT or TRANSACTION sent to the chaincode.
type Call struct {
	ChannelID      string
	TxID           string
	Args           [][]byte
	Transient      map[string][]byte
	Creator        []byte
	Timestamp      time.Time
	SignedProposal *peer.SignedProposal
}

// Result is the chaincode's answer to a Call.
type Result struct {
	Response *peer.Response
	Event    *peer.ChaincodeEvent
	// Error holds the payload of an ERROR reply. Response is nil then.
	Error string
}
