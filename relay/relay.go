// Package relay runs the full-duplex byte pump between a SOCKS5 client and
// whichever upstream connection the acceptor dialed (direct or Trojan),
// with metering, HTTP introspection, and error classification.
package relay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"pyproxy/logger"
)

const (
	bufferSize   = 8192
	idleTimeout  = 300 * time.Second
	cancelGrace  = 1 * time.Second
	drainTimeout = 30 * time.Second
)

// Config toggles the Relay's optional behaviors.
type Config struct {
	VerboseTraffic  bool
	ShowHTTPDetails bool
	// RateLimit, when non-nil, throttles the combined throughput of both
	// pump directions.
	RateLimit *rate.Limiter
}

// Stats accumulates the per-direction counters for one relayed session.
type Stats struct {
	BytesUp     int64
	BytesDown   int64
	PacketsUp   int64
	PacketsDown int64
}

// Total returns the combined byte count across both directions.
func (s Stats) Total() int64 {
	return s.BytesUp + s.BytesDown
}

// FormatBytes renders n as a bare byte count under 1 KiB, as KB with one
// fraction digit under 1 MiB, and as MB with one fraction digit otherwise
// (1 KB = 1024 bytes).
func FormatBytes(n int64) string {
	switch {
	case n < 1024:
		return fmt.Sprintf("%dB", n)
	case n < 1024*1024:
		return fmt.Sprintf("%.1fKB", float64(n)/1024)
	default:
		return fmt.Sprintf("%.1fMB", float64(n)/(1024*1024))
	}
}

type direction int

const (
	up direction = iota
	down
)

func (d direction) String() string {
	if d == up {
		return "client_to_target"
	}
	return "target_to_client"
}

// Run pumps bytes between client and target in both directions until one
// side reaches EOF or errors, then tears down the session. It blocks until
// both pumps have stopped and returns the accumulated Stats.
func Run(ctx context.Context, connID uint64, client, target net.Conn, cfg Config, log *logger.Logger) Stats {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stats Stats
	done := make(chan direction, 2)

	go func() {
		n, packets := pump(ctx, client, target, up, cfg, log, connID)
		stats.BytesUp = n
		stats.PacketsUp = packets
		done <- up
	}()
	go func() {
		n, packets := pump(ctx, target, client, down, cfg, log, connID)
		stats.BytesDown = n
		stats.PacketsDown = packets
		done <- down
	}()

	// Cancelling ctx, by the first pump finishing or by the caller,
	// interrupts whatever read or write the pumps are blocked in.
	go func() {
		<-ctx.Done()
		now := time.Now()
		_ = client.SetDeadline(now)
		_ = target.SetDeadline(now)
	}()

	first := <-done
	cancel()

	reaped := false
	select {
	case <-done:
		reaped = true
	case <-time.After(cancelGrace):
		log.DebugWithFields("pump reap timed out", logger.Fields{"connection_id": connID})
	}

	_ = client.Close()
	_ = target.Close()
	if !reaped {
		<-done
	}

	elapsed := time.Since(start)
	var speed int64
	if elapsed.Seconds() > 0 {
		speed = int64(float64(stats.Total()) / elapsed.Seconds())
	}

	log.WithFields("transfer summary", logger.Fields{
		"connection_id": connID,
		"up":            FormatBytes(stats.BytesUp),
		"down":          FormatBytes(stats.BytesDown),
		"total":         FormatBytes(stats.Total()),
		"elapsed_s":     fmt.Sprintf("%.2f", elapsed.Seconds()),
		"speed":         FormatBytes(speed) + "/s",
		"finished_by":   first.String(),
	})

	return stats
}

func pump(ctx context.Context, src, dst net.Conn, dir direction, cfg Config, log *logger.Logger, connID uint64) (int64, int64) {
	buf := make([]byte, bufferSize)
	var total int64
	var packets int64

	for {
		select {
		case <-ctx.Done():
			return total, packets
		default:
		}

		if err := src.SetReadDeadline(time.Now().Add(idleTimeout)); err == nil {
			// best-effort; a connection without deadline support keeps reading
		}

		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			total += int64(n)
			packets++

			if cfg.RateLimit != nil {
				_ = cfg.RateLimit.WaitN(ctx, n)
			}

			if cfg.ShowHTTPDetails {
				inspectHTTP(chunk, dir, connID, log)
			}

			if err := dst.SetWriteDeadline(time.Now().Add(drainTimeout)); err == nil {
				// best-effort
			}
			if _, werr := dst.Write(chunk); werr != nil {
				logPumpError(log, connID, dir, werr)
				return total, packets
			}

			if cfg.VerboseTraffic {
				log.DebugWithFields("pump chunk", logger.Fields{
					"connection_id": connID,
					"direction":     dir.String(),
					"bytes":         n,
				})
			}
		}

		if err != nil {
			if err != io.EOF {
				logPumpError(log, connID, dir, err)
			}
			return total, packets
		}
	}
}

func logPumpError(log *logger.Logger, connID uint64, dir direction, err error) {
	level := classify(err)
	fields := logger.Fields{
		"connection_id": connID,
		"direction":     dir.String(),
		"error":         err.Error(),
	}
	switch level {
	case levelDebug:
		log.DebugWithFields("pump ended", fields)
	default:
		log.WarnWithFields("pump ended", fields)
	}
}

type level int

const (
	levelDebug level = iota
	levelWarn
)

// classify maps a pump I/O error onto a log severity, replacing the
// substring-matching exception handling of the original implementation with
// typed checks against the standard library's error values.
func classify(err error) level {
	if err == nil {
		return levelDebug
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return levelDebug
	}

	var recordErr *tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return levelWarn
	}

	switch {
	case errors.Is(err, net.ErrClosed):
		return levelDebug
	case errors.Is(err, syscall.ECONNRESET):
		return levelDebug
	case errors.Is(err, syscall.EPIPE):
		return levelDebug
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return levelDebug
	}

	return levelWarn
}

var httpMethods = []string{"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS "}

func inspectHTTP(data []byte, dir direction, connID uint64, log *logger.Logger) {
	text := string(bytes.ToValidUTF8(data, nil))
	lines := strings.Split(text, "\n")
	if len(lines) == 0 {
		return
	}

	if dir == up {
		first := lines[0]
		matched := false
		for _, m := range httpMethods {
			if strings.HasPrefix(first, m) {
				matched = true
				break
			}
		}
		if !matched {
			return
		}
		log.WithFields("http request", logger.Fields{"connection_id": connID, "line": strings.TrimSpace(first)})

		limit := len(lines)
		if limit > 5 {
			limit = 5
		}
		for _, line := range lines[1:limit] {
			if strings.HasPrefix(strings.ToLower(line), "host:") {
				host := strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
				log.WithFields("http host header", logger.Fields{"connection_id": connID, "host": host})
				break
			}
		}
		return
	}

	if strings.HasPrefix(text, "HTTP/") {
		log.WithFields("http response", logger.Fields{"connection_id": connID, "line": strings.TrimSpace(lines[0])})
	}
}
