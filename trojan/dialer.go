package trojan

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"pyproxy/logger"
)

// UpstreamConfig describes the Trojan server a Dialer connects to. The
// plaintext password lives only in config.Load long enough to compute
// PasswordHash; nothing downstream of that ever sees it.
type UpstreamConfig struct {
	Server       string
	Port         int
	PasswordHash string
	SNI          string
	VerifySSL    bool
}

// Dialer opens TLS connections to an upstream Trojan server and writes the
// Trojan request header ahead of any payload.
type Dialer struct {
	cfg    UpstreamConfig
	logger *logger.Logger
}

// NewDialer builds a Dialer over cfg. cfg.PasswordHash must already be
// populated (config.Load computes it once at startup).
func NewDialer(cfg UpstreamConfig, log *logger.Logger) *Dialer {
	return &Dialer{cfg: cfg, logger: log}
}

// Dial opens a TLS connection to the upstream server and writes a Trojan
// CONNECT request for targetHost:targetPort. It returns the established
// connection; the caller owns the full-duplex stream from this point on.
func (d *Dialer) Dial(ctx context.Context, targetHost string, targetPort uint16) (net.Conn, error) {
	serverName := d.cfg.SNI
	if serverName == "" {
		serverName = d.cfg.Server
	}

	tlsConfig := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !d.cfg.VerifySSL,
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    tlsConfig,
	}

	addr := net.JoinHostPort(d.cfg.Server, strconv.Itoa(d.cfg.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.logger.ErrorWithFields("trojan dial failed", logger.Fields{"addr": addr, "error": err.Error()})
		return nil, errors.Wrapf(err, "dial upstream %s", addr)
	}

	d.logger.DebugWithFields("connected to trojan server", logger.Fields{"addr": addr})

	req, err := BuildRequest(d.cfg.PasswordHash, targetHost, targetPort, CmdConnect)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "build trojan request")
	}

	if _, err := conn.Write(req); err != nil {
		conn.Close()
		d.logger.ErrorWithFields("trojan handshake write failed", logger.Fields{"error": err.Error()})
		return nil, errors.Wrap(err, "write trojan request")
	}

	d.logger.DebugWithFields("trojan handshake sent", logger.Fields{
		"target": net.JoinHostPort(targetHost, strconv.Itoa(int(targetPort))),
	})

	return conn, nil
}
