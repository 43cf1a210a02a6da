package ws

import (
	"log"
	"time"
)

// HeartbeatMonitor periodically pings every connection and reaps the ones
// whose last client heartbeat is older than the timeout.
type HeartbeatMonitor struct {
	conns    *ConnectionManager
	interval time.Duration
	timeout  time.Duration
	onDead   func(*Connection)
	done     chan struct{}
}

// NewHeartbeatMonitor creates a monitor over the given connection set.
// onDead is invoked for each connection declared dead; it is responsible
// for the actual teardown.
func NewHeartbeatMonitor(conns *ConnectionManager, interval, timeout time.Duration, onDead func(*Connection)) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		conns:    conns,
		interval: interval,
		timeout:  timeout,
		onDead:   onDead,
		done:     make(chan struct{}),
	}
}

// Start runs the monitor loop until Stop is called.
func (h *HeartbeatMonitor) Start() {
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.sweep()
			}
		}
	}()
}

// Stop terminates the monitor loop.
func (h *HeartbeatMonitor) Stop() {
	close(h.done)
}

func (h *HeartbeatMonitor) sweep() {
	now := time.Now()
	for _, conn := range h.conns.All() {
		if now.Sub(conn.LastPing()) > h.timeout {
			log.Printf("[heartbeat] conn=%s timed out, closing", conn.ID)
			h.onDead(conn)
			continue
		}
		if err := conn.WritePing(); err != nil {
			log.Printf("[heartbeat] conn=%s ping failed, closing: %v", conn.ID, err)
			h.onDead(conn)
		}
	}
}
