package client

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptcsim/emp/pkg/config"
	"github.com/ptcsim/emp/pkg/emp"
	"github.com/ptcsim/emp/pkg/encoding"
	"github.com/ptcsim/emp/pkg/transport"
)

// fakeBroker accepts one connection and hands it to script.
func fakeBroker(t *testing.T, script func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}()
	return ln.Addr().String()
}

func testClient(sendAddr, fetchAddr string) *Client {
	cfg := config.Default()
	cfg.NetworkTimeout = 500 * time.Millisecond
	return New(cfg, WithAddrs(sendAddr, fetchAddr))
}

func testMessage(t *testing.T) *emp.Message {
	t.Helper()
	msg, err := emp.New(6000, "sim.l.7357", "sim.b", []byte("payload"))
	require.NoError(t, err)
	return msg
}

func TestSend_OK(t *testing.T) {
	msg := testMessage(t)
	received := make(chan []byte, 1)
	addr := fakeBroker(t, func(conn net.Conn) {
		raw, err := transport.ReadFrame(conn, 1024)
		if err != nil {
			return
		}
		received <- raw
		conn.Write([]byte("OK"))
	})

	require.NoError(t, testClient(addr, "").Send(context.Background(), msg))
	assert.Equal(t, msg.Raw(), <-received)
}

func TestSend_RetryThenOK(t *testing.T) {
	msg := testMessage(t)
	attempts := make(chan int, 1)
	addr := fakeBroker(t, func(conn net.Conn) {
		n := 0
		for {
			if _, err := transport.ReadFrame(conn, 1024); err != nil {
				attempts <- n
				return
			}
			n++
			if n < 3 {
				conn.Write([]byte("RETRY"))
				continue
			}
			conn.Write([]byte("OK"))
			attempts <- n
			return
		}
	})

	require.NoError(t, testClient(addr, "").Send(context.Background(), msg))
	assert.Equal(t, 3, <-attempts)
}

func TestSend_RetriesExhausted(t *testing.T) {
	msg := testMessage(t)
	addr := fakeBroker(t, func(conn net.Conn) {
		for {
			if _, err := transport.ReadFrame(conn, 1024); err != nil {
				return
			}
			conn.Write([]byte("RETRY"))
		}
	})

	err := testClient(addr, "").Send(context.Background(), msg)
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorContains(t, err, "after 3 attempts")
}

func TestSend_Fail(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn) {
		transport.ReadFrame(conn, 1024)
		conn.Write([]byte("FAIL"))
	})

	err := testClient(addr, "").Send(context.Background(), testMessage(t))
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, ErrRejected)
}

func TestSend_UnknownToken(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn) {
		transport.ReadFrame(conn, 1024)
		conn.Write([]byte("HUH?"))
	})

	err := testClient(addr, "").Send(context.Background(), testMessage(t))
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, emp.ErrProtocol)
}

func TestSend_ClosedWithoutReply(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn) {
		transport.ReadFrame(conn, 1024)
	})

	err := testClient(addr, "").Send(context.Background(), testMessage(t))
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, emp.ErrProtocol)
}

func TestSend_Timeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	addr := fakeBroker(t, func(conn net.Conn) {
		transport.ReadFrame(conn, 1024)
		<-release
	})

	err := testClient(addr, "").Send(context.Background(), testMessage(t))
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, emp.ErrTimeout)
}

func TestSend_NilMessage(t *testing.T) {
	err := testClient("127.0.0.1:1", "").Send(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSend)
	assert.ErrorIs(t, err, emp.ErrFormat)
}

func TestSendPayload(t *testing.T) {
	got := make(chan *emp.Message, 1)
	addr := fakeBroker(t, func(conn net.Conn) {
		raw, err := transport.ReadFrame(conn, 1024)
		if err != nil {
			return
		}
		msg, err := emp.Decode(raw)
		if err != nil {
			conn.Write([]byte("FAIL"))
			return
		}
		got <- msg
		conn.Write([]byte("OK"))
	})

	err := testClient(addr, "").SendPayload(context.Background(), 6000, "sim.l.7357", "sim.b",
		map[string]any{"speed": 22}, emp.WithTTL(30))
	require.NoError(t, err)

	msg := <-got
	assert.Equal(t, uint16(30), msg.TTL())
	kv, err := encoding.DecodeMap(msg.Payload())
	require.NoError(t, err)
	assert.EqualValues(t, 22, kv["speed"])
}

func TestFetch_Ready(t *testing.T) {
	msg := testMessage(t)
	names := make(chan string, 1)
	addr := fakeBroker(t, func(conn net.Conn) {
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		names <- string(buf[:n])
		conn.Write(append([]byte("READY"), msg.Raw()...))
	})

	got, err := testClient("", addr).Fetch(context.Background(), "sim.b")
	require.NoError(t, err)
	assert.Equal(t, "sim.b", <-names)
	assert.Equal(t, msg.Raw(), got.Raw())
}

func TestFetch_Empty(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn) {
		conn.Read(make([]byte, 1024))
		conn.Write([]byte("EMPTY"))
	})

	_, err := testClient("", addr).Fetch(context.Background(), "sim.b")
	assert.ErrorIs(t, err, emp.ErrEmpty)
	assert.NotErrorIs(t, err, ErrFetch)
}

func TestFetch_CorruptFrame(t *testing.T) {
	raw := testMessage(t).Raw()
	raw[len(raw)-1] ^= 0xFF
	addr := fakeBroker(t, func(conn net.Conn) {
		conn.Read(make([]byte, 1024))
		conn.Write(append([]byte("READY"), raw...))
	})

	_, err := testClient("", addr).Fetch(context.Background(), "sim.b")
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, emp.ErrIntegrity)
}

func TestFetch_ReadyWithoutFrame(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn) {
		conn.Read(make([]byte, 1024))
		conn.Write([]byte("READY"))
	})

	_, err := testClient("", addr).Fetch(context.Background(), "sim.b")
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, emp.ErrProtocol)
}

func TestFetch_UnknownToken(t *testing.T) {
	addr := fakeBroker(t, func(conn net.Conn) {
		conn.Read(make([]byte, 1024))
		io.WriteString(conn, "NOPE!")
	})

	_, err := testClient("", addr).Fetch(context.Background(), "sim.b")
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, emp.ErrProtocol)
}

func TestFetch_EmptyName(t *testing.T) {
	_, err := testClient("", "127.0.0.1:1").Fetch(context.Background(), " ")
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, emp.ErrFormat)
}

func TestFetch_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = testClient("", addr).Fetch(context.Background(), "sim.b")
	assert.ErrorIs(t, err, ErrFetch)
}
