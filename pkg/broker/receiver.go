package broker

import (
	"errors"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/ptcsim/emp/pkg/emp"
	"github.com/ptcsim/emp/pkg/logger"
	"github.com/ptcsim/emp/pkg/queue"
	"github.com/ptcsim/emp/pkg/transport"
)

// serve accepts connections on ln until the run is signalled. Per-connection
// failures are logged by the handler and never end the loop. A non-nil limit
// delays handling once the accept rate is exceeded.
func (b *Broker) serve(r *run, ln *transport.Listener, limit *rate.Limiter, loop string, handle func(*transport.Conn)) {
	for r.running.Load() {
		conn, err := ln.Accept(b.cfg.NetworkTimeout)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			b.stats.connErrors.Add(1)
			logger.Error("Accept failed", err, "loop", loop)
			select {
			case <-r.done:
				return
			case <-time.After(b.cfg.AcceptTimeout):
			}
			continue
		}
		if conn == nil {
			continue
		}
		if limit != nil {
			if err := limit.Wait(r.ctx); err != nil {
				conn.Close()
				return
			}
		}

		if b.cfg.ServeConcurrently {
			r.handlers.Add(1)
			go func() {
				defer r.handlers.Done()
				handle(conn)
			}()
			continue
		}
		handle(conn)
	}
}

// handlePublish reads attempts from one publisher. Anything that fails to
// decode, including short or mislabelled frames, gets RETRY and the publisher
// may resend on the same connection; the last allowed failure gets FAIL. A
// decoded frame is queued before OK is sent.
func (b *Broker) handlePublish(conn *transport.Conn) {
	defer conn.Close()

	for attempt := 1; attempt <= b.cfg.MaxTries; attempt++ {
		raw, err := conn.ReadMessage(b.cfg.MaxMsgSize, b.cfg.FrameTimeout)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("Publisher closed connection", "conn", conn.ID(), "attempt", attempt)
				return
			}
			b.stats.connErrors.Add(1)
			logger.Error("Publish read failed", err, "conn", conn.ID(), "remote", conn.RemoteAddr())
			return
		}

		msg, err := emp.Decode(raw)
		if err != nil {
			if attempt < b.cfg.MaxTries {
				b.stats.retries.Add(1)
				logger.Warn("Rejected message, requesting retry",
					"conn", conn.ID(), "attempt", attempt, "max_tries", b.cfg.MaxTries, "error", err.Error())
				if !b.reply(conn, transport.AckRetry) {
					return
				}
				continue
			}
			b.stats.rejected.Add(1)
			logger.Error("Rejected message, retries exhausted", err, "conn", conn.ID(), "remote", conn.RemoteAddr())
			b.reply(conn, transport.AckFail)
			return
		}

		entry, err := b.enqueue(msg)
		if err != nil {
			b.stats.rejected.Add(1)
			logger.Error("Enqueue failed", err, "conn", conn.ID(), "dest", msg.Dest())
			b.reply(conn, transport.AckFail)
			return
		}
		b.stats.received.Add(1)
		logger.Info("Message queued",
			"id", entry.ID, "type", msg.Type(), "sender", msg.Sender(), "dest", msg.Dest(), "ttl", msg.TTL())
		b.reply(conn, transport.AckOK)
		return
	}
}

// enqueue anchors the message TTL on the local clock. A wire TTL of zero
// means the configured default.
func (b *Broker) enqueue(msg *emp.Message) (*queue.Entry, error) {
	ttl := time.Duration(msg.TTL()) * time.Second
	if ttl == 0 {
		ttl = b.cfg.MsgTTLDefault
	}
	entry := queue.NewEntry(msg, b.now(), ttl)
	if err := b.registry.GetOrCreate(msg.Dest()).Push(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (b *Broker) reply(conn *transport.Conn, ack transport.Ack) bool {
	if err := conn.WriteAck(ack, nil); err != nil {
		b.stats.connErrors.Add(1)
		logger.Error("Reply failed", err, "conn", conn.ID(), "ack", string(ack))
		return false
	}
	return true
}
