// Package heartbeat periodically probes the Trojan upstream's reachability
// by opening and immediately closing a TLS connection, reporting latency
// and consecutive-failure state.
package heartbeat

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"pyproxy/logger"
	"pyproxy/trojan"
)

const (
	interval     = 5 * time.Second
	probeTimeout = 5 * time.Second

	latencyGoodMs   = 100
	latencyMediumMs = 300

	failureThreshold = 3
	maxErrorMsgLen   = 50
)

// State is the prober's lifecycle.
type State int

const (
	Stopped State = iota
	Running
)

// Status is the outcome of a single probe tick.
type Status struct {
	OK                 bool
	LatencyMs          float64
	Error              string
	ConsecutiveFailures int
	Timestamp          time.Time
}

// Glyph returns the status indicator used in the tick log line.
func (s Status) Glyph() string {
	if !s.OK {
		return "●failure"
	}
	switch {
	case s.LatencyMs < latencyGoodMs:
		return "●good"
	case s.LatencyMs < latencyMediumMs:
		return "●fair"
	default:
		return "●slow"
	}
}

// Prober is the heartbeat state machine.
type Prober struct {
	cfg    trojan.UpstreamConfig
	logger *logger.Logger

	mu                  sync.Mutex
	state               State
	lastOK              *bool
	consecutiveFailures int

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Prober for the given upstream.
func New(cfg trojan.UpstreamConfig, log *logger.Logger) *Prober {
	return &Prober{cfg: cfg, logger: log, state: Stopped}
}

// Start spawns the probe loop. It is a no-op if already running.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.state == Running {
		p.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state = Running
	p.mu.Unlock()

	p.logger.WithFields("heartbeat started", logger.Fields{"server": p.endpoint()})

	go p.loop(loopCtx)
}

// Stop cancels the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if p.state != Running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.state = Stopped
	p.mu.Unlock()

	cancel()
	<-done

	p.logger.WithFields("heartbeat stopped", logger.Fields{"server": p.endpoint()})
}

func (p *Prober) endpoint() string {
	return net.JoinHostPort(p.cfg.Server, strconv.Itoa(p.cfg.Port))
}

func (p *Prober) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status := p.probe(ctx)
		if status == nil {
			// context cancelled mid-probe: no status line per the prober's
			// "cancellable at its sleep boundary only" semantics.
			continue
		}

		p.recordTransition(*status)
	}
}

// probe performs one tick: dial, TLS handshake, measure latency.
// Returns nil if ctx was cancelled before the probe completed.
func (p *Prober) probe(ctx context.Context) *Status {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()

	serverName := p.cfg.SNI
	if serverName == "" {
		serverName = p.cfg.Server
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: !p.cfg.VerifySSL,
		},
	}

	conn, err := dialer.DialContext(probeCtx, "tcp", p.endpoint())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return &Status{OK: false, Error: truncate(classifyProbeError(err), maxErrorMsgLen), Timestamp: start}
	}

	latency := time.Since(start)
	_ = conn.Close()

	return &Status{OK: true, LatencyMs: float64(latency.Microseconds()) / 1000.0, Timestamp: start}
}

func classifyProbeError(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connect timeout"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Sprintf("dns resolution failed: %s", dnsErr.Err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Sprintf("connection failed: %s", opErr.Err)
	}

	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (p *Prober) recordTransition(status Status) {
	p.mu.Lock()
	prevOK := p.lastOK
	if status.OK {
		p.consecutiveFailures = 0
	} else {
		p.consecutiveFailures++
	}
	failures := p.consecutiveFailures
	p.lastOK = &status.OK
	p.mu.Unlock()

	status.ConsecutiveFailures = failures
	server := p.endpoint()

	p.logger.DebugWithFields("heartbeat tick", logger.Fields{
		"glyph":    status.Glyph(),
		"server":   server,
		"latency":  fmt.Sprintf("%.1fms", status.LatencyMs),
		"error":    status.Error,
	})

	if prevOK == nil || *prevOK == status.OK {
		if !status.OK && failures >= failureThreshold {
			p.logger.ErrorWithFields("heartbeat repeated failures", logger.Fields{
				"server":               server,
				"consecutive_failures": failures,
				"error":                status.Error,
			})
		}
		return
	}

	if status.OK {
		p.logger.WithFields("heartbeat recovered", logger.Fields{"server": server})
	} else {
		p.logger.WarnWithFields("heartbeat degraded", logger.Fields{"server": server, "error": status.Error})
		if failures >= failureThreshold {
			p.logger.ErrorWithFields("heartbeat repeated failures", logger.Fields{
				"server":               server,
				"consecutive_failures": failures,
				"error":                status.Error,
			})
		}
	}
}
