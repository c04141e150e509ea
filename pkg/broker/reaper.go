package broker

import (
	"time"

	"github.com/ptcsim/emp/pkg/logger"
)

func (b *Broker) reapLoop(r *run) {
	ticker := time.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}
		if !r.running.Load() {
			return
		}
		b.reap()
	}
}

// reap drops every expired entry and returns how many it dropped.
func (b *Broker) reap() int {
	now := b.now()
	total := 0
	for dest, entries := range b.registry.Reap(now) {
		for _, e := range entries {
			logger.Info("Message expired",
				"id", e.ID, "dest", dest, "sender", e.Msg.Sender(), "age", now.Sub(e.ReceivedAt).String())
		}
		total += len(entries)
	}
	if total > 0 {
		b.stats.expired.Add(uint64(total))
	}
	return total
}
