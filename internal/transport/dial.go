package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hyperledger/fabric-protos-go-apiv2/peer"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

var ErrConnectTimeout = errors.New("transport: connect timed out")

// Conn is a live connection to the peer with its Register stream open.
type Conn struct {
	cc     *grpc.ClientConn
	Stream peer.ChaincodeSupport_RegisterClient
}

// Close tears down the stream and the underlying connection.
func (c *Conn) Close() error {
	if c == nil || c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// State reports the gRPC connectivity state of the connection.
func (c *Conn) State() connectivity.State {
	return c.cc.GetState()
}

type Dialer struct {
	cfg    Config
	logger zerolog.Logger
	rng    *rand.Rand
}

func NewDialer(cfg Config, logger zerolog.Logger) (*Dialer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Dialer{
		cfg:    cfg,
		logger: logger.With().Str("peer", cfg.Address).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Connect dials the peer and opens the Register stream, retrying with
// backoff until it succeeds, attempts run out, or ctx ends. The stream
// lives until ctx is canceled or the connection is closed.
func (d *Dialer) Connect(ctx context.Context) (*Conn, error) {
	var attempt int
	for {
		attempt++
		conn, err := d.dial(ctx)
		if err == nil {
			d.logger.Info().Int("attempt", attempt).Msg("transport.Dialer.Connect stream open")
			return conn, nil
		}
		d.logger.Warn().Int("attempt", attempt).Err(err).Msg("transport.Dialer.Connect dial failed")
		if ctx.Err() != nil || !d.shouldRetry(attempt) {
			return nil, err
		}
		if err := d.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (d *Dialer) dial(ctx context.Context) (*Conn, error) {
	opts, err := d.dialOptions()
	if err != nil {
		return nil, err
	}
	cc, err := grpc.NewClient(d.cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: new client %s: %w", d.cfg.Address, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()
	if err := waitReady(waitCtx, cc); err != nil {
		_ = cc.Close()
		return nil, err
	}

	stream, err := peer.NewChaincodeSupportClient(cc).Register(ctx)
	if err != nil {
		_ = cc.Close()
		return nil, fmt.Errorf("transport: open register stream: %w", err)
	}
	return &Conn{cc: cc, Stream: stream}, nil
}

func waitReady(ctx context.Context, cc *grpc.ClientConn) error {
	cc.Connect()
	for {
		state := cc.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return fmt.Errorf("transport: connection shut down")
		}
		if !cc.WaitForStateChange(ctx, state) {
			return fmt.Errorf("%w: last state %s", ErrConnectTimeout, state)
		}
	}
}

func (d *Dialer) dialOptions() ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                d.cfg.KeepAlive.Time,
			Timeout:             d.cfg.KeepAlive.Timeout,
			PermitWithoutStream: d.cfg.KeepAlive.PermitWithoutStream,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(d.cfg.MaxRecvMsgSize),
			grpc.MaxCallSendMsgSize(d.cfg.MaxSendMsgSize),
		),
	}
	if d.cfg.ContextDialer != nil {
		opts = append(opts, grpc.WithContextDialer(d.cfg.ContextDialer))
	}
	if !d.cfg.TLS.Enabled {
		return append(opts, grpc.WithTransportCredentials(insecure.NewCredentials())), nil
	}
	tlsCfg, err := ClientTLSConfig(d.cfg)
	if err != nil {
		return nil, err
	}
	return append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg))), nil
}

// ClientTLSConfig builds the client side TLS settings from files on disk.
func ClientTLSConfig(cfg Config) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(hostPort(cfg.Address))
		if err != nil {
			return nil, fmt.Errorf("transport: derive tls server name from %q: %w", cfg.Address, err)
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.TLS.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}

	if cfg.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		out.Certificates = []tls.Certificate{cert}
	}
	return out, nil
}

// hostPort strips a gRPC target scheme such as "dns:///".
func hostPort(target string) string {
	if i := strings.Index(target, ":///"); i >= 0 {
		return target[i+4:]
	}
	return target
}

func (d *Dialer) shouldRetry(attempt int) bool {
	if d.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < d.cfg.MaxConnectAttempts
}

func (d *Dialer) sleepBackoff(ctx context.Context, attempt int) error {
	delay := NextBackoffDelay(d.cfg.Backoff, attempt, d.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
