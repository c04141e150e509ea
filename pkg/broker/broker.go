// Package broker runs the EMP store-and-forward broker: a receiver on the
// publish port, a fetch watcher on the fetch port and a reaper that drops
// expired messages. Delivery is at-most-once.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ptcsim/emp/pkg/config"
	"github.com/ptcsim/emp/pkg/logger"
	"github.com/ptcsim/emp/pkg/queue"
	"github.com/ptcsim/emp/pkg/transport"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats is a point-in-time view of the broker counters. Counters accumulate
// across restarts.
type Stats struct {
	Received     uint64         `json:"received"`
	Rejected     uint64         `json:"rejected"`
	Retries      uint64         `json:"retries"`
	Served       uint64         `json:"served"`
	EmptyFetches uint64         `json:"empty_fetches"`
	Expired      uint64         `json:"expired"`
	ConnErrors   uint64         `json:"conn_errors"`
	Depths       map[string]int `json:"depths"`
}

type counters struct {
	received     atomic.Uint64
	rejected     atomic.Uint64
	retries      atomic.Uint64
	served       atomic.Uint64
	emptyFetches atomic.Uint64
	expired      atomic.Uint64
	connErrors   atomic.Uint64
}

// run is one Start..Stop generation. Loops only look at their own run, so a
// loop that outlives its join deadline cannot be revived by a later Start.
type run struct {
	gen     uint64
	running atomic.Bool
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	publish *transport.Listener
	fetch   *transport.Listener

	loops    map[string]chan struct{}
	handlers sync.WaitGroup
}

func (r *run) spawn(name string, fn func()) {
	exited := make(chan struct{})
	r.loops[name] = exited
	go func() {
		defer close(exited)
		fn()
	}()
}

type Broker struct {
	cfg      config.Config
	registry *queue.Registry
	now      func() time.Time

	mu    sync.Mutex // serializes Start and Stop
	gen   uint64
	state atomic.Int32
	cur   atomic.Pointer[run]

	stats counters
}

// New validates cfg and returns a stopped broker. Queues live as long as the
// Broker value, across Stop and Start.
func New(cfg *config.Config) (*Broker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Broker{
		cfg:      *cfg,
		registry: queue.NewRegistry(cfg.QueueMaxLen),
		now:      time.Now,
	}, nil
}

// Start binds both ports and launches the receiver, fetch watcher and reaper.
// It is a no-op while running. Cancelling ctx stops the broker.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() == StateRunning {
		return nil
	}
	b.setState(StateStarting)

	publish, err := transport.Listen(ctx, b.cfg.SendAddr(), b.cfg.AcceptTimeout)
	if err != nil {
		b.setState(StateStopped)
		return fmt.Errorf("bind publish port: %w", err)
	}
	fetch, err := transport.Listen(ctx, b.cfg.FetchAddr(), b.cfg.AcceptTimeout)
	if err != nil {
		publish.Close()
		b.setState(StateStopped)
		return fmt.Errorf("bind fetch port: %w", err)
	}

	b.gen++
	r := &run{
		gen:     b.gen,
		done:    make(chan struct{}),
		publish: publish,
		fetch:   fetch,
		loops:   make(map[string]chan struct{}, 3),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running.Store(true)
	b.cur.Store(r)

	publishLimit, fetchLimit := b.acceptLimiter(), b.acceptLimiter()
	r.spawn("receiver", func() { b.serve(r, r.publish, publishLimit, "receiver", b.handlePublish) })
	r.spawn("fetch_watcher", func() { b.serve(r, r.fetch, fetchLimit, "fetch_watcher", b.handleFetch) })
	r.spawn("reaper", func() { b.reapLoop(r) })
	go b.watchContext(ctx, r)

	b.setState(StateRunning)
	logger.Info("Broker running",
		"publish", publish.Addr().String(),
		"fetch", fetch.Addr().String(),
		"generation", r.gen,
		"concurrent", b.cfg.ServeConcurrently,
	)
	return nil
}

// Stop signals the current run, closes both listeners and joins each loop
// with a bounded wait. It is a no-op when stopped. Queued messages are kept.
func (b *Broker) Stop() error {
	return b.stopRun(nil)
}

// stopRun stops the current run. A non-nil only restricts it to that
// generation, checked under the lock so a later Start is never undone.
func (b *Broker) stopRun(only *run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := b.cur.Load()
	if r == nil || b.State() == StateStopped {
		return nil
	}
	if only != nil && r != only {
		return nil
	}
	b.setState(StateStopping)

	r.running.Store(false)
	close(r.done)
	r.cancel()

	var errs []error
	for _, ln := range []*transport.Listener{r.publish, r.fetch} {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	timeout := b.joinTimeout()
	for name, exited := range r.loops {
		select {
		case <-exited:
		case <-time.After(timeout):
			logger.Warn("Loop did not exit in time", "loop", name, "generation", r.gen, "timeout", timeout.String())
		}
	}
	if !waitTimeout(&r.handlers, b.cfg.NetworkTimeout+timeout) {
		logger.Warn("Connection handlers still running", "generation", r.gen)
	}

	b.cur.Store(nil)
	b.setState(StateStopped)
	logger.Info("Broker stopped", "generation", r.gen)
	return errors.Join(errs...)
}

func (b *Broker) State() State {
	return State(b.state.Load())
}

func (b *Broker) setState(s State) {
	b.state.Store(int32(s))
}

// PublishAddr is the bound publish address, or "" when stopped.
func (b *Broker) PublishAddr() string {
	if r := b.cur.Load(); r != nil {
		return r.publish.Addr().String()
	}
	return ""
}

// FetchAddr is the bound fetch address, or "" when stopped.
func (b *Broker) FetchAddr() string {
	if r := b.cur.Load(); r != nil {
		return r.fetch.Addr().String()
	}
	return ""
}

// Depths returns the current length of every known queue.
func (b *Broker) Depths() map[string]int {
	return b.registry.Depths()
}

func (b *Broker) Stats() Stats {
	return Stats{
		Received:     b.stats.received.Load(),
		Rejected:     b.stats.rejected.Load(),
		Retries:      b.stats.retries.Load(),
		Served:       b.stats.served.Load(),
		EmptyFetches: b.stats.emptyFetches.Load(),
		Expired:      b.stats.expired.Load(),
		ConnErrors:   b.stats.connErrors.Load(),
		Depths:       b.registry.Depths(),
	}
}

func (b *Broker) watchContext(ctx context.Context, r *run) {
	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, stopping broker", "generation", r.gen)
		if err := b.stopRun(r); err != nil {
			logger.Error("Stop after cancel failed", err, "generation", r.gen)
		}
	case <-r.done:
	}
}

// acceptLimiter returns nil when accept_rate is unset.
func (b *Broker) acceptLimiter() *rate.Limiter {
	if b.cfg.AcceptRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(b.cfg.AcceptRate), b.cfg.AcceptBurst)
}

func (b *Broker) joinTimeout() time.Duration {
	return max(b.cfg.RefreshInterval, b.cfg.AcceptTimeout)
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
