package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ptcsim/emp/pkg/emp"
)

var ErrClosed = errors.New("transport: listener closed")

// Listener is a TCP listener whose Accept gives up after the accept timeout so
// serving loops can re-check their run flag.
type Listener struct {
	ln            *net.TCPListener
	acceptTimeout time.Duration
	closed        atomic.Bool
}

// Listen binds addr. Port 0 binds an ephemeral port; see Addr.
func Listen(ctx context.Context, addr string, acceptTimeout time.Duration) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	tcp, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, fmt.Errorf("listener on %s is %T, not TCP", addr, ln)
	}
	return &Listener{ln: tcp, acceptTimeout: acceptTimeout}, nil
}

// Accept waits at most the accept timeout. It returns a nil Conn and nil error
// when the deadline passes with nobody connecting, and ErrClosed after Close.
func (l *Listener) Accept(networkTimeout time.Duration) (*Conn, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if err := l.ln.SetDeadline(time.Now().Add(l.acceptTimeout)); err != nil {
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}

	c, err := l.ln.AcceptTCP()
	if err != nil {
		if IsTimeout(err) {
			return nil, nil
		}
		if l.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewConn(c, networkTimeout), nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close is safe to call more than once.
func (l *Listener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.ln.Close()
}

// Conn is one client/broker exchange. Every read and write carries the
// network timeout as its deadline.
type Conn struct {
	conn    net.Conn
	timeout time.Duration
	id      string
}

func NewConn(c net.Conn, timeout time.Duration) *Conn {
	return &Conn{conn: c, timeout: timeout, id: uuid.NewString()[:8]}
}

// Dial connects to addr, bounded by timeout and ctx.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, wrapNetErr(fmt.Errorf("dial %s: %w", addr, err))
	}
	return NewConn(c, timeout), nil
}

// ID is a short identifier for logs.
func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// ReadFrame reads one frame of at most maxSize bytes.
func (c *Conn) ReadFrame(maxSize int) ([]byte, error) {
	if err := c.conn.SetReadDeadline(c.deadline()); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(c.conn, maxSize)
	return frame, wrapNetErr(err)
}

// ReadMessage reads one publish attempt of at most maxSize bytes. The first
// read waits up to the network timeout. If the bytes so far announce a longer
// frame, the rest has grace to arrive. Whatever arrived is returned for the
// decoder to judge, so a short or mislabelled frame never holds the
// connection for longer than grace.
func (c *Conn) ReadMessage(maxSize int, grace time.Duration) ([]byte, error) {
	if err := c.conn.SetReadDeadline(c.deadline()); err != nil {
		return nil, err
	}
	buf := make([]byte, maxSize)
	n, err := c.conn.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, wrapNetErr(err)
	}

	for err == nil && n < pendingLen(buf[:n], maxSize) {
		if err = c.conn.SetReadDeadline(time.Now().Add(grace)); err != nil {
			break
		}
		var m int
		m, err = c.conn.Read(buf[n:])
		n += m
	}
	return buf[:n], nil
}

// ReadRequest performs a single read of up to maxSize bytes.
func (c *Conn) ReadRequest(maxSize int) ([]byte, error) {
	if err := c.conn.SetReadDeadline(c.deadline()); err != nil {
		return nil, err
	}
	buf := make([]byte, maxSize)
	n, err := c.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	return nil, wrapNetErr(err)
}

func (c *Conn) ReadAck(expected ...Ack) (Ack, error) {
	if err := c.conn.SetReadDeadline(c.deadline()); err != nil {
		return "", err
	}
	ack, err := ReadAck(c.conn, expected...)
	return ack, wrapNetErr(err)
}

func (c *Conn) WriteAck(ack Ack, payload []byte) error {
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	return wrapNetErr(WriteAck(c.conn, ack, payload))
}

// Write writes p in full under the network timeout.
func (c *Conn) Write(p []byte) error {
	if err := c.conn.SetWriteDeadline(c.deadline()); err != nil {
		return err
	}
	_, err := c.conn.Write(p)
	return wrapNetErr(err)
}

func (c *Conn) deadline() time.Time {
	if c.timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.timeout)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// wrapNetErr tags deadline expiries with emp.ErrTimeout, keeping the cause.
func wrapNetErr(err error) error {
	if err == nil || errors.Is(err, emp.ErrTimeout) {
		return err
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %w", emp.ErrTimeout, err)
	}
	return err
}
