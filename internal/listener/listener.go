// Package listener implements the UDP datagram listener and the TCP
// stream listener with dual (octet-counting / line) framing.
package listener

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/relaylabs/syslog-relay/internal/metrics"
	"github.com/relaylabs/syslog-relay/internal/syslogmsg"
)

// Handler is invoked once per successfully parsed message. The UDP listener
// calls it directly on the receive goroutine and the TCP listener calls it
// directly on the per-connection goroutine, so a slow handler only backs up
// its own socket or connection, never other inputs.
type Handler func(syslogmsg.Message)

const (
	udpReadBufferSize = 65536
	tcpChunkSize      = 8192
	maxOctetHeaderLen = 10
	acceptPollPeriod  = time.Second
)

// UDP is a single-datagram-per-message syslog listener.
type UDP struct {
	Name    string
	Addr    string
	Logger  *slog.Logger
	Handler Handler

	mu   sync.Mutex
	conn *net.UDPConn
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Bind resolves Addr and opens the UDP socket. It returns an error
// immediately on failure (e.g. address already in use) without starting the
// receive loop, so a caller can surface a bind failure synchronously before
// handing the listener off to a goroutine.
func (u *UDP) Bind() error {
	addr, err := net.ResolveUDPAddr("udp", u.Addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	return nil
}

// Start binds the socket if it isn't already bound, then serves. It blocks
// until ctx is cancelled or the socket fails to bind.
func (u *UDP) Start(ctx context.Context) error {
	u.mu.Lock()
	bound := u.conn != nil
	u.mu.Unlock()
	if !bound {
		if err := u.Bind(); err != nil {
			return err
		}
	}
	return u.Serve(ctx)
}

// Serve runs the receive loop against an already-Bind-ed socket until ctx is
// cancelled.
func (u *UDP) Serve(ctx context.Context) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	log := logger(u.Logger).With("component", "listener", "input", u.Name, "protocol", "udp")
	log.Info("udp listener starting", "addr", conn.LocalAddr().String())

	buf := make([]byte, udpReadBufferSize)
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(acceptPollPeriod))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("udp read error", "err", err)
			continue
		}
		if n == 0 {
			continue
		}

		raw := append([]byte(nil), buf[:n]...)
		msg, perr := syslogmsg.Parse(raw)
		if perr != nil {
			metrics.MessagesParseError("udp")
			log.Warn("udp parse error", "err", perr)
			continue
		}
		metrics.MessagesReceived("udp", msg.Facility, msg.Severity)
		u.Handler(msg)
	}
}

// Stop releases the UDP socket.
func (u *UDP) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		u.conn.Close()
		u.conn = nil
	}
}

// TCP is a multi-connection stream listener with RFC 6587 dual framing:
// octet-counting tried first, newline (or CRLF) framing as the fallback.
type TCP struct {
	Name    string
	Addr    string
	Logger  *slog.Logger
	Handler Handler

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// Bind opens the listening socket. It returns an error immediately on
// failure (e.g. address already in use) without starting the accept loop, so
// a caller can surface a bind failure synchronously before handing the
// listener off to a goroutine.
func (t *TCP) Bind() error {
	ln, err := net.Listen("tcp", t.Addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	return nil
}

// Start binds the socket if it isn't already bound, then serves. It blocks
// until ctx is cancelled or the socket fails to bind.
func (t *TCP) Start(ctx context.Context) error {
	t.mu.Lock()
	bound := t.ln != nil
	t.mu.Unlock()
	if !bound {
		if err := t.Bind(); err != nil {
			return err
		}
	}
	return t.Serve(ctx)
}

// Serve runs the accept loop against an already-Bind-ed socket until ctx is
// cancelled.
func (t *TCP) Serve(ctx context.Context) error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()

	log := logger(t.Logger).With("component", "listener", "input", t.Name, "protocol", "tcp")
	log.Info("tcp listener starting", "addr", ln.Addr().String())

	for {
		select {
		case <-ctx.Done():
			ln.Close()
			t.wg.Wait()
			return nil
		default:
		}

		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(acceptPollPeriod))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				t.wg.Wait()
				return nil
			}
			log.Warn("tcp accept error", "err", err)
			continue
		}

		metrics.IncActiveConnections(t.Name)
		t.wg.Add(1)
		go func(c net.Conn) {
			defer t.wg.Done()
			defer metrics.DecActiveConnections(t.Name)
			defer c.Close()
			t.handleConn(ctx, c, log)
		}(conn)
	}
}

// Stop closes the listening socket; in-flight connection handlers drain on
// their own (EOF or ctx cancellation).
func (t *TCP) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		t.ln.Close()
		t.ln = nil
	}
}

// handleConn runs the framing loop over one connection, growing buf by up
// to tcpChunkSize bytes at a time, delivering each complete frame to
// Handler in arrival order.
func (t *TCP) handleConn(ctx context.Context, c net.Conn, log *slog.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	var buf []byte
	chunk := make([]byte, tcpChunkSize)
	for {
		frame, rest, ok := extractFrame(buf)
		if ok {
			buf = rest
			if len(frame) > 0 {
				t.deliver(frame, log)
			}
			continue
		}

		n, err := c.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			t.flushFinal(buf, log)
			return
		}
	}
}

// flushFinal handles the tail of a connection at EOF: any complete frames
// still sitting in buf are delivered, and the true remainder is delivered
// as a final, delimiter-less frame UNLESS it looks like the start of an
// octet-counted frame whose declared length was never satisfied, in which
// case it is discarded rather than truncated.
func (t *TCP) flushFinal(buf []byte, log *slog.Logger) {
	for {
		frame, rest, ok := extractFrame(buf)
		if !ok {
			break
		}
		buf = rest
		if len(frame) > 0 {
			t.deliver(frame, log)
		}
	}
	if len(buf) == 0 {
		return
	}
	if buf[0] >= '0' && buf[0] <= '9' {
		return // incomplete octet-counted frame, discard per spec
	}
	frame := bytes.TrimRight(buf, "\r\n")
	if len(frame) > 0 {
		t.deliver(frame, log)
	}
}

func (t *TCP) deliver(frame []byte, log *slog.Logger) {
	raw := append([]byte(nil), frame...)
	msg, err := syslogmsg.Parse(raw)
	if err != nil {
		metrics.MessagesParseError("tcp")
		log.Warn("tcp parse error", "err", err)
		return
	}
	metrics.MessagesReceived("tcp", msg.Facility, msg.Severity)
	t.Handler(msg)
}

// extractFrame attempts to pull one complete frame off the front of buf.
// ok is false when more data is needed. On success it returns the frame
// and the remaining, unconsumed buffer.
func extractFrame(buf []byte) (frame, rest []byte, ok bool) {
	if len(buf) == 0 {
		return nil, buf, false
	}

	if n, headerLen, isOctet := octetCountedHeader(buf); isOctet {
		total := headerLen + n
		if len(buf) < total {
			return nil, buf, false // wait for more data, do not truncate
		}
		return buf[headerLen:total], buf[total:], true
	}

	if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
		end := idx
		if end > 0 && buf[end-1] == '\r' {
			end--
		}
		return buf[:end], buf[idx+1:], true
	}

	return nil, buf, false
}

// octetCountedHeader reports whether buf begins with an RFC 6587
// octet-count header: one or more ASCII digits followed by a single space,
// within the first maxOctetHeaderLen bytes. headerLen is the number of
// bytes occupied by "<digits> " (including the space).
func octetCountedHeader(buf []byte) (msgLen, headerLen int, ok bool) {
	limit := len(buf)
	if limit > maxOctetHeaderLen {
		limit = maxOctetHeaderLen
	}
	if limit == 0 || buf[0] < '0' || buf[0] > '9' {
		return 0, 0, false
	}

	i := 0
	n := 0
	for i < limit && buf[i] >= '0' && buf[i] <= '9' {
		n = n*10 + int(buf[i]-'0')
		i++
	}
	if i == 0 || i >= limit || buf[i] != ' ' {
		return 0, 0, false
	}
	return n, i + 1, true
}
