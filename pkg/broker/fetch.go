package broker

import (
	"errors"
	"io"

	"github.com/ptcsim/emp/pkg/emp"
	"github.com/ptcsim/emp/pkg/logger"
	"github.com/ptcsim/emp/pkg/queue"
	"github.com/ptcsim/emp/pkg/transport"
	"github.com/ptcsim/emp/pkg/utils"
)

// Fetch requests are untrusted; long names are cut in log lines.
const maxLoggedName = 64

// handleFetch serves one fetch request: the request is the queue name, the
// reply is EMPTY or READY plus the raw frame. A popped message whose reply
// write fails is gone.
func (b *Broker) handleFetch(conn *transport.Conn) {
	defer conn.Close()

	req, err := conn.ReadRequest(b.cfg.MaxMsgSize)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("Fetcher closed connection", "conn", conn.ID())
			return
		}
		b.stats.connErrors.Add(1)
		logger.Error("Fetch read failed", err, "conn", conn.ID(), "remote", conn.RemoteAddr())
		return
	}
	name := transport.ParseQueueName(req)
	logName := utils.Truncate(name, maxLoggedName)

	entry, err := b.pop(name)
	if err != nil {
		b.stats.emptyFetches.Add(1)
		logger.Debug("Fetch request served", "conn", conn.ID(), "queue", logName, "result", "empty")
		b.reply(conn, transport.AckEmpty)
		return
	}

	if err := conn.WriteAck(transport.AckReady, entry.Msg.Raw()); err != nil {
		b.stats.connErrors.Add(1)
		logger.Error("Message lost in transit", err, "conn", conn.ID(), "id", entry.ID, "queue", logName)
		return
	}
	b.stats.served.Add(1)
	logger.Info("Fetch request served",
		"conn", conn.ID(), "queue", logName, "result", "served", "id", entry.ID, "sender", entry.Msg.Sender())
}

// pop returns the oldest live entry for name, dropping expired entries the
// reaper has not reached yet.
func (b *Broker) pop(name string) (*queue.Entry, error) {
	if name == "" {
		return nil, emp.ErrEmpty
	}
	q, ok := b.registry.Get(name)
	if !ok {
		return nil, emp.ErrEmpty
	}

	now := b.now()
	for {
		entry, err := q.Pop()
		if err != nil {
			return nil, err
		}
		if !entry.Expired(now) {
			return entry, nil
		}
		b.stats.expired.Add(1)
		logger.Info("Message expired", "id", entry.ID, "dest", name, "sender", entry.Msg.Sender())
	}
}
