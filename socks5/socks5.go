// Package socks5 implements the local SOCKS5 ingress: it listens on a
// loopback address, performs the RFC 1928 greeting and CONNECT exchange,
// consults the Router for each destination, dials the chosen path, and
// hands the resulting pair of streams to the relay.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"pyproxy/config"
	"pyproxy/connid"
	"pyproxy/logger"
	"pyproxy/relay"
	"pyproxy/router"
	"pyproxy/trojan"
)

const (
	version = 0x05

	authNoAuth       = 0x00
	cmdConnect       = 0x01
	cmdBind          = 0x02
	cmdUDPAssociate  = 0x03
	atypIPv4         = 0x01
	atypDomain       = 0x03
	atypIPv6         = 0x04
	repSuccess       = 0x00
	repGeneralFail   = 0x01
	repCmdNotSupport = 0x07
	repAddrNotSupport = 0x08

	greetingTimeout = 30 * time.Second
	requestTimeout  = 30 * time.Second
	dialTimeout     = 30 * time.Second
)

// Destination is the parsed target of a SOCKS5 CONNECT request.
type Destination struct {
	Host string
	Port uint16
}

func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(int(d.Port)))
}

// ConnectionContext tracks the lifetime of one accepted client session.
type ConnectionContext struct {
	ID          uint64
	ClientAddr  string
	Destination Destination
	StartedAt   time.Time
	relay.Stats
}

// Server is the SOCKS5 acceptor.
type Server struct {
	listenAddr string
	listenPort int

	router  *router.Router
	dialer  *trojan.Dialer
	logger  *logger.Logger
	ids     *connid.Allocator
	relayCf relay.Config

	listener net.Listener
}

// New builds a Server from the process configuration.
func New(cfg *config.Config, r *router.Router, dialer *trojan.Dialer, log *logger.Logger) *Server {
	var limiter *rate.Limiter
	if cfg.Relay.RateLimitKBps > 0 {
		bytesPerSec := cfg.Relay.RateLimitKBps * 1024
		// The burst must hold one full 8 KiB relay read, or WaitN rejects
		// the chunk without waiting.
		burst := bytesPerSec
		if burst < 8192 {
			burst = 8192
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
	}

	return &Server{
		listenAddr: cfg.Local.Listen,
		listenPort: cfg.Local.Port,
		router:     r,
		dialer:     dialer,
		logger:     log,
		ids:        connid.New(),
		relayCf: relay.Config{
			VerboseTraffic:  cfg.Log.VerboseTraffic,
			ShowHTTPDetails: cfg.Log.ShowHTTPDetails,
			RateLimit:       limiter,
		},
	}
}

// ListenAndServe binds the listener and accepts connections until ctx is
// cancelled. It blocks until the listener is closed.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.listenAddr, strconv.Itoa(s.listenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = ln

	s.logger.WithFields("socks5 listener started", logger.Fields{"addr": addr})

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.WithFields("socks5 listener stopped", logger.Fields{})
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}

		go s.handleClient(ctx, conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleClient(ctx context.Context, client net.Conn) {
	cc := &ConnectionContext{
		ID:         s.ids.Next(),
		ClientAddr: client.RemoteAddr().String(),
		StartedAt:  time.Now(),
	}

	s.logger.WithFields("new client connection", logger.Fields{"connection_id": cc.ID, "client": cc.ClientAddr})

	defer func() {
		_ = client.Close()
		s.logger.WithFields("client connection closed", logger.Fields{
			"connection_id": cc.ID,
			"client":        cc.ClientAddr,
			"duration_s":    fmt.Sprintf("%.2f", time.Since(cc.StartedAt).Seconds()),
			"bytes_total":   cc.Stats.Total(),
		})
	}()

	if !s.greet(client, cc.ID) {
		return
	}

	dest, ok := s.readRequest(client, cc.ID)
	if !ok {
		return
	}
	cc.Destination = dest

	target, err := s.connectTarget(ctx, dest, cc.ID)
	if err != nil {
		s.logger.WarnWithFields("upstream dial failed", logger.Fields{
			"connection_id": cc.ID,
			"destination":   dest.String(),
			"error":         err.Error(),
		})
		s.sendReply(client, repGeneralFail)
		return
	}
	defer target.Close()

	s.sendReply(client, repSuccess)

	relayCf := s.relayCf
	if relayCf.RateLimit != nil {
		// Each connection gets its own token bucket.
		relayCf.RateLimit = rate.NewLimiter(relayCf.RateLimit.Limit(), relayCf.RateLimit.Burst())
	}

	s.logger.WithFields("relay starting", logger.Fields{"connection_id": cc.ID, "destination": dest.String()})
	cc.Stats = relay.Run(ctx, cc.ID, client, target, relayCf, s.logger)
}

func (s *Server) greet(client net.Conn, connID uint64) bool {
	_ = client.SetReadDeadline(time.Now().Add(greetingTimeout))

	buf := make([]byte, 262)
	n, err := client.Read(buf)
	if err != nil || n < 2 {
		s.logger.WarnWithFields("short socks5 greeting", logger.Fields{"connection_id": connID})
		return false
	}

	if buf[0] != version {
		s.logger.WarnWithFields("unsupported socks5 version", logger.Fields{"connection_id": connID, "version": buf[0]})
		return false
	}

	if _, err := client.Write([]byte{version, authNoAuth}); err != nil {
		s.logger.WarnWithFields("greeting reply failed", logger.Fields{"connection_id": connID, "error": err.Error()})
		return false
	}

	return true
}

func (s *Server) readRequest(client net.Conn, connID uint64) (Destination, bool) {
	_ = client.SetReadDeadline(time.Now().Add(requestTimeout))

	header := make([]byte, 4)
	if _, err := readFull(client, header); err != nil {
		s.logger.WarnWithFields("short request header", logger.Fields{"connection_id": connID})
		return Destination{}, false
	}

	ver, cmd, _, atyp := header[0], header[1], header[2], header[3]

	if ver != version {
		s.logger.WarnWithFields("request version mismatch", logger.Fields{"connection_id": connID, "version": ver})
		s.sendReply(client, repGeneralFail)
		return Destination{}, false
	}

	if cmd != cmdConnect {
		s.logger.WarnWithFields("unsupported command", logger.Fields{"connection_id": connID, "cmd": cmd})
		s.sendReply(client, repCmdNotSupport)
		return Destination{}, false
	}

	host, err := s.readAddress(client, atyp)
	if err != nil {
		s.logger.WarnWithFields("unsupported address type", logger.Fields{"connection_id": connID, "atyp": atyp})
		s.sendReply(client, repAddrNotSupport)
		return Destination{}, false
	}

	portBuf := make([]byte, 2)
	if _, err := readFull(client, portBuf); err != nil {
		s.logger.WarnWithFields("short port field", logger.Fields{"connection_id": connID})
		return Destination{}, false
	}
	port := binary.BigEndian.Uint16(portBuf)

	dest := Destination{Host: host, Port: port}
	s.logger.DebugWithFields("parsed destination", logger.Fields{"connection_id": connID, "destination": dest.String()})
	return dest, true
}

func (s *Server) readAddress(client net.Conn, atyp byte) (string, error) {
	switch atyp {
	case atypIPv4:
		buf := make([]byte, 4)
		if _, err := readFull(client, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case atypIPv6:
		buf := make([]byte, 16)
		if _, err := readFull(client, buf); err != nil {
			return "", err
		}
		return net.IP(buf).String(), nil
	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := readFull(client, lenBuf); err != nil {
			return "", err
		}
		domain := make([]byte, lenBuf[0])
		if _, err := readFull(client, domain); err != nil {
			return "", err
		}
		return string(domain), nil
	default:
		return "", fmt.Errorf("unsupported address type %#x", atyp)
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Server) sendReply(client net.Conn, rep byte) {
	reply := make([]byte, 0, 10)
	reply = append(reply, version, rep, 0, atypIPv4)
	reply = append(reply, 0, 0, 0, 0)
	reply = append(reply, 0, 0)

	_ = client.SetWriteDeadline(time.Now().Add(requestTimeout))
	if _, err := client.Write(reply); err != nil {
		s.logger.DebugWithFields("reply write failed", logger.Fields{"error": err.Error()})
	}
}

func (s *Server) connectTarget(ctx context.Context, dest Destination, connID uint64) (net.Conn, error) {
	useProxy := s.router.ShouldProxy(dest.Host)

	s.logger.WithFields("destination routed", logger.Fields{
		"connection_id": connID,
		"destination":   dest.String(),
		"proxy":         useProxy,
	})

	if useProxy {
		dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		return s.dialer.Dial(dialCtx, dest.Host, dest.Port)
	}

	d := net.Dialer{}
	return d.DialContext(ctx, "tcp", dest.String())
}
