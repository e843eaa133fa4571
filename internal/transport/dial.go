// Package transport opens the byte stream the parser runs on: plain TCP,
// implicit TLS, or plain TCP upgraded with STARTTLS.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/fenilsonani/imap-engine/internal/config"
	"github.com/fenilsonani/imap-engine/internal/framer"
	"github.com/fenilsonani/imap-engine/internal/logging"
	"github.com/fenilsonani/imap-engine/internal/metrics"
	"github.com/fenilsonani/imap-engine/internal/protocol"
)

// startTLSTag tags the STARTTLS exchange. The parser's own sequence starts
// on the upgraded stream.
const startTLSTag = "T001"

// greetingLimit bounds the lines read during the STARTTLS exchange.
const greetingLimit = 8192

// Dialer connects to the configured server.
type Dialer struct {
	server   config.ServerConfig
	tls      *tls.Config
	timeout  time.Duration
	breaker  *Breaker
	logger   *logging.Logger
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer prepares a dialer from the server and reconnect sections.
func NewDialer(cfg *config.Config, logger *logging.Logger) (*Dialer, error) {
	if logger == nil {
		logger = logging.Default()
	}
	log := logger.Wire()

	d := &Dialer{
		server:  cfg.Server,
		timeout: config.Duration(cfg.Server.ConnectTimeout, 30*time.Second),
		logger:  log,
	}
	if cfg.Server.Security != config.SecurityPlain {
		tlsConfig, err := ClientTLSConfig(&cfg.Server)
		if err != nil {
			return nil, err
		}
		d.tls = tlsConfig
	}

	d.breaker = NewBreaker(BreakerConfig{
		FailureThreshold: cfg.Reconnect.FailureThreshold,
		OpenTimeout:      config.Duration(cfg.Reconnect.OpenTimeout, time.Minute),
		OnStateChange: func(from, to State) {
			log.Warn("dial circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})

	var nd net.Dialer
	d.dialFunc = nd.DialContext
	return d, nil
}

// Breaker returns the dial circuit breaker.
func (d *Dialer) Breaker() *Breaker {
	return d.breaker
}

// Address returns the server address.
func (d *Dialer) Address() string {
	return net.JoinHostPort(d.server.Host, fmt.Sprint(d.server.Port))
}

// Dial connects and, for STARTTLS, upgrades the stream. The returned
// connection starts with the server greeting in every mode.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	if err := d.breaker.Allow(); err != nil {
		metrics.RecordDial(d.server.Security, false)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	addr := d.Address()
	ctx = logging.WithRemoteAddr(ctx, addr)
	d.logger.DebugContext(ctx, "connecting", "security", d.server.Security)

	conn, err := d.dial(ctx, addr)
	d.breaker.Record(err)
	metrics.RecordDial(d.server.Security, err == nil)
	if err != nil {
		d.logger.ErrorContext(ctx, "connection failed", err, "security", d.server.Security)
		return nil, err
	}

	d.logger.InfoContext(ctx, "connected", "security", d.server.Security)
	return conn, nil
}

func (d *Dialer) dial(ctx context.Context, addr string) (net.Conn, error) {
	raw, err := d.dialFunc(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	switch d.server.Security {
	case config.SecurityPlain:
		return raw, nil
	case config.SecurityTLS:
		conn := tls.Client(raw, d.tls)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		return conn, nil
	case config.SecurityStartTLS:
		conn, err := startTLS(ctx, raw, d.tls)
		if err != nil {
			raw.Close()
			return nil, err
		}
		return conn, nil
	default:
		raw.Close()
		return nil, fmt.Errorf("unknown security mode %q", d.server.Security)
	}
}

// startTLS reads the greeting, negotiates STARTTLS and performs the
// handshake. The greeting is replayed on the returned connection without
// its response code, since capabilities seen before TLS must be discarded.
func startTLS(ctx context.Context, conn net.Conn, tlsConfig *tls.Config) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	f := framer.New(greetingLimit, 1)
	greeting, err := readResponse(conn, f)
	if err != nil {
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if greeting.Kind != protocol.KindUntagged || greeting.Status != imap.StatusResponseTypeOK {
		return nil, fmt.Errorf("cannot start TLS after greeting %q", greeting.Raw)
	}

	if _, err := conn.Write([]byte(startTLSTag + " STARTTLS\r\n")); err != nil {
		return nil, fmt.Errorf("send STARTTLS: %w", err)
	}
	for {
		resp, err := readResponse(conn, f)
		if err != nil {
			return nil, fmt.Errorf("read STARTTLS response: %w", err)
		}
		if resp.Kind != protocol.KindTagged {
			continue
		}
		if resp.Tag != startTLSTag {
			return nil, fmt.Errorf("unexpected tagged response %q", resp.Raw)
		}
		if err := resp.Err(); err != nil {
			return nil, fmt.Errorf("server refused STARTTLS: %w", err)
		}
		break
	}
	if f.Buffered() > 0 {
		return nil, errors.New("server sent data before the TLS handshake")
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	replay := []byte("* OK " + greeting.Text + "\r\n")
	return &replayConn{Conn: tlsConn, pending: replay}, nil
}

func readResponse(conn net.Conn, f *framer.Framer) (*protocol.Response, error) {
	buf := make([]byte, 1024)
	for {
		line, ok, err := f.Next()
		if err != nil {
			return nil, err
		}
		if ok {
			return protocol.Parse(line)
		}
		n, err := conn.Read(buf)
		if n > 0 {
			f.Feed(buf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// replayConn serves pending bytes before reading from the connection.
type replayConn struct {
	net.Conn
	pending []byte
}

func (c *replayConn) Read(p []byte) (int, error) {
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
