// Package client talks to the EMP broker. Every call opens a fresh connection,
// performs one exchange and closes it.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"

	"github.com/ptcsim/emp/pkg/config"
	"github.com/ptcsim/emp/pkg/emp"
	"github.com/ptcsim/emp/pkg/encoding"
	"github.com/ptcsim/emp/pkg/logger"
	"github.com/ptcsim/emp/pkg/transport"
)

var (
	// ErrSend wraps every Send failure; the cause stays matchable with errors.Is.
	ErrSend = errors.New("emp: send failed")

	// ErrFetch wraps every Fetch failure other than an empty queue.
	ErrFetch = errors.New("emp: fetch failed")

	// ErrRejected means the broker answered FAIL.
	ErrRejected = errors.New("emp: broker rejected message")

	errRetryRequested = errors.New("broker requested retry")
)

type Client struct {
	sendAddr   string
	fetchAddr  string
	timeout    time.Duration
	maxMsgSize int
	maxTries   int
	retryDelay time.Duration
}

type Option func(*Client)

// WithAddrs overrides the publish and fetch addresses derived from the config.
func WithAddrs(sendAddr, fetchAddr string) Option {
	return func(c *Client) {
		c.sendAddr = sendAddr
		c.fetchAddr = fetchAddr
	}
}

// WithRetryDelay sets the pause before resending after RETRY. Default none.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = d
	}
}

func New(cfg *config.Config, opts ...Option) *Client {
	if cfg == nil {
		cfg = config.Default()
	}
	c := &Client{
		sendAddr:   cfg.SendAddr(),
		fetchAddr:  cfg.FetchAddr(),
		timeout:    cfg.NetworkTimeout,
		maxMsgSize: cfg.MaxMsgSize,
		maxTries:   cfg.MaxTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxTries < 1 {
		c.maxTries = 1
	}
	return c
}

// Send publishes msg. The broker may answer RETRY, in which case the same
// bytes are resent on the same connection, at most maxTries times in total.
func (c *Client) Send(ctx context.Context, msg *emp.Message) error {
	if msg == nil {
		return fmt.Errorf("%w: %w: nil message", ErrSend, emp.ErrFormat)
	}

	conn, err := transport.Dial(ctx, c.sendAddr, c.timeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	defer conn.Close()

	raw := msg.Raw()
	var lastErr error
	err = retry.Do(
		func() error {
			if err := ctx.Err(); err != nil {
				lastErr = err
				return err
			}
			if err := conn.Write(raw); err != nil {
				lastErr = err
				return err
			}
			ack, err := conn.ReadAck(transport.PublishAcks...)
			if err != nil {
				lastErr = err
				return err
			}
			switch ack {
			case transport.AckOK:
				return nil
			case transport.AckRetry:
				lastErr = errRetryRequested
				return errRetryRequested
			default:
				lastErr = ErrRejected
				return ErrRejected
			}
		},
		retry.Attempts(uint(c.maxTries)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errRetryRequested)
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("Broker requested retry", "conn", conn.ID(), "attempt", n+1, "dest", msg.Dest())
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if errors.Is(lastErr, errRetryRequested) {
		return fmt.Errorf("%w: %w after %d attempts", ErrSend, lastErr, c.maxTries)
	}
	return fmt.Errorf("%w: %w", ErrSend, lastErr)
}

// SendPayload encodes kv as the message payload and sends it.
func (c *Client) SendPayload(ctx context.Context, msgType uint16, sender, dest string, kv map[string]any, opts ...emp.Option) error {
	payload, err := encoding.Marshal(kv)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	msg, err := emp.New(msgType, sender, dest, payload, opts...)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSend, err)
	}
	return c.Send(ctx, msg)
}

// Fetch pops the oldest message queued for name. An empty or unknown queue
// returns emp.ErrEmpty unwrapped.
func (c *Client) Fetch(ctx context.Context, name string) (*emp.Message, error) {
	if transport.ParseQueueName([]byte(name)) == "" {
		return nil, fmt.Errorf("%w: %w: empty queue name", ErrFetch, emp.ErrFormat)
	}

	conn, err := transport.Dial(ctx, c.fetchAddr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer conn.Close()

	if err := conn.Write([]byte(name)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	ack, err := conn.ReadAck(transport.FetchAcks...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if ack == transport.AckEmpty {
		return nil, emp.ErrEmpty
	}

	raw, err := conn.ReadFrame(c.maxMsgSize)
	if err != nil {
		if errors.Is(err, transport.ErrFrameSync) {
			return nil, fmt.Errorf("%w: %w", ErrFetch, err)
		}
		return nil, fmt.Errorf("%w: %w: reading frame after READY: %w", ErrFetch, emp.ErrProtocol, err)
	}
	msg, err := emp.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	return msg, nil
}
