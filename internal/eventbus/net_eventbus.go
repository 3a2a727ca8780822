// Package eventbus holds the networked EventBus that drives the Online
// channel from real connectivity probing, layered on top of swr's
// in-process MemoryEventBus.
package eventbus

import (
	"net"
	"time"

	"github.com/nullstream/swr"
)

// NetEventBus embeds a MemoryEventBus (so store backends can still
// PublishStorage into it) and additionally probes real connectivity on an
// interval, publishing Online on the first successful dial and whenever a
// dial that previously failed succeeds. Focus has no OS-level signal in a headless process and stays
// explicit-trigger-only — the silent-channel case spec.md §4.C documents.
type NetEventBus struct {
	*swr.MemoryEventBus

	probeAddr string
	interval  time.Duration
	stop      chan struct{}
}

// NewNetEventBus starts probing probeAddr (e.g. "1.1.1.1:443") every
// interval; a successful dial after a prior failure (or on first success)
// publishes an Online event.
func NewNetEventBus(probeAddr string, interval time.Duration) *NetEventBus {
	b := &NetEventBus{
		MemoryEventBus: swr.NewMemoryEventBus(),
		probeAddr:      probeAddr,
		interval:       interval,
		stop:           make(chan struct{}),
	}
	go b.probeLoop()
	return b
}

func (b *NetEventBus) probeLoop() {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	wasOnline := false
	for {
		select {
		case <-ticker.C:
			conn, err := net.DialTimeout("tcp", b.probeAddr, 2*time.Second)
			online := err == nil
			if conn != nil {
				conn.Close()
			}
			if online && !wasOnline {
				b.PublishOnline()
			}
			wasOnline = online
		case <-b.stop:
			return
		}
	}
}

// Close stops the connectivity probe goroutine.
func (b *NetEventBus) Close() { close(b.stop) }
