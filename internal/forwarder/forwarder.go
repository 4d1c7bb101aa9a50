// Package forwarder implements the UDP and TCP output forwarders: message
// serialization, connection lifecycle, and exponential-backoff retry.
package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaylabs/syslog-relay/internal/metrics"
	"github.com/relaylabs/syslog-relay/internal/syslogmsg"
)

const (
	tcpConnectTimeout = 10 * time.Second
	tcpWriteTimeout   = 5 * time.Second
)

var (
	// ErrUnsupported is returned when a destination is configured for a
	// transport this relay does not implement (TLS).
	ErrUnsupported = errors.New("forwarder: transport not implemented")
	// ErrNotConnected describes a forwarder with no live connection. Send
	// reports that case by returning false, not with this error.
	ErrNotConnected = errors.New("forwarder: not connected")
)

// Retry describes the retry policy for one destination.
type Retry struct {
	MaxAttempts    int
	BackoffSeconds float64
}

// Forwarder is the common capability set shared by the UDP and TCP output
// implementations: connect, disconnect, single-shot send, and the composed
// send-with-retry loop.
type Forwarder interface {
	Connect() error
	Disconnect()
	Send(msg syslogmsg.Message) bool
	SendWithRetry(ctx context.Context, msg syslogmsg.Message) bool
	Name() string
}

// sleepOrCancel sleeps for d, returning early if ctx is cancelled.
func sleepOrCancel(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// sendWithRetry is the shared retry/back-off driver used by both transport
// implementations: attempt i in [0, maxAttempts) sleeps backoff*2^i before
// attempt i+1; there is no sleep after the final failure. Before each
// attempt, if not connected, connect() is attempted as part of that
// attempt.
func sendWithRetry(ctx context.Context, name string, retry Retry, connect func() error, connected func() bool, send func(syslogmsg.Message) bool, msg syslogmsg.Message, log *slog.Logger) bool {
	maxAttempts := retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if !connected() {
			if err := connect(); err != nil {
				log.Warn("connect failed", "destination", name, "attempt", attempt, "err", err)
				if attempt < maxAttempts-1 {
					sleepOrCancel(ctx, backoffDuration(retry.BackoffSeconds, attempt))
				}
				continue
			}
		}

		if send(msg) {
			metrics.MessagesForwarded(name)
			return true
		}

		if attempt < maxAttempts-1 {
			sleepOrCancel(ctx, backoffDuration(retry.BackoffSeconds, attempt))
		}
	}

	log.Warn("forward failed after retries",
		"destination", name, "facility", msg.FacilityName(), "attempts", maxAttempts)
	return false
}

func backoffDuration(backoffSeconds float64, attemptIndex int) time.Duration {
	mult := 1 << attemptIndex
	return time.Duration(backoffSeconds * float64(mult) * float64(time.Second))
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// UDPForwarder sends serialized messages as individual datagrams. UDP has
// no connection handshake: Connect only creates the local socket.
type UDPForwarder struct {
	Dest   string
	Format Format
	Retry  Retry
	Logger *slog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	connected bool
	name      string
}

func NewUDPForwarder(name, addr string, format Format, retry Retry, logger *slog.Logger) *UDPForwarder {
	return &UDPForwarder{Dest: addr, Format: format, Retry: retry, Logger: logger, name: name}
}

func (u *UDPForwarder) Name() string { return u.name }

func (u *UDPForwarder) Connect() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	addr, err := net.ResolveUDPAddr("udp", u.Dest)
	if err != nil {
		metrics.SetDestinationUp(u.name, false)
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		metrics.SetDestinationUp(u.name, false)
		return err
	}
	u.conn = conn
	u.connected = true
	metrics.SetDestinationUp(u.name, true)
	return nil
}

func (u *UDPForwarder) Disconnect() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
	u.connected = false
	metrics.SetDestinationUp(u.name, false)
}

func (u *UDPForwarder) connectedFlag() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *UDPForwarder) Send(msg syslogmsg.Message) bool {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return false
	}
	payload := Serialize(msg, u.Format)
	if _, err := conn.Write(payload); err != nil {
		u.mu.Lock()
		u.connected = false
		u.mu.Unlock()
		metrics.SetDestinationUp(u.name, false)
		loggerOrDefault(u.Logger).Warn("udp send failed", "destination", u.name, "err", err)
		return false
	}
	return true
}

func (u *UDPForwarder) SendWithRetry(ctx context.Context, msg syslogmsg.Message) bool {
	return sendWithRetry(ctx, u.name, u.Retry, u.Connect, u.connectedFlag, u.Send, msg, loggerOrDefault(u.Logger))
}

// TCPForwarder sends serialized messages over a persistent stream
// connection, newline-framed, one writer at a time.
type TCPForwarder struct {
	Dest   string
	Format Format
	Retry  Retry
	Logger *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	name      string
}

func NewTCPForwarder(name, addr string, format Format, retry Retry, logger *slog.Logger) *TCPForwarder {
	return &TCPForwarder{Dest: addr, Format: format, Retry: retry, Logger: logger, name: name}
}

func (t *TCPForwarder) Name() string { return t.name }

func (t *TCPForwarder) Connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, err := net.DialTimeout("tcp", t.Dest, tcpConnectTimeout)
	if err != nil {
		metrics.SetDestinationUp(t.name, false)
		return err
	}
	t.conn = conn
	t.connected = true
	metrics.SetDestinationUp(t.name, true)
	return nil
}

func (t *TCPForwarder) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.connected = false
	metrics.SetDestinationUp(t.name, false)
}

func (t *TCPForwarder) connectedFlag() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send serializes msg, appends the newline framing byte, and writes it
// under the forwarder's lock so concurrent callers are serialized (per
// spec §4.5/§5: ordering is preserved per destination, not across
// destinations).
func (t *TCPForwarder) Send(msg syslogmsg.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return false
	}
	payload := append(Serialize(msg, t.Format), '\n')
	t.conn.SetWriteDeadline(time.Now().Add(tcpWriteTimeout))
	if _, err := t.conn.Write(payload); err != nil {
		t.conn.Close()
		t.conn = nil
		t.connected = false
		metrics.SetDestinationUp(t.name, false)
		loggerOrDefault(t.Logger).Warn("tcp send failed", "destination", t.name, "err", err)
		return false
	}
	return true
}

func (t *TCPForwarder) SendWithRetry(ctx context.Context, msg syslogmsg.Message) bool {
	return sendWithRetry(ctx, t.name, t.Retry, t.Connect, t.connectedFlag, t.Send, msg, loggerOrDefault(t.Logger))
}
