// Package heartbeat reaps dead connections without client cooperation. A
// periodic sweep probes idle connections with a ping frame; whoever stays
// silent through the next cycle is forcibly unregistered and their membership
// record removed, which bounds membership staleness to the timeout plus one
// sweep interval.
package heartbeat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/registry"
	"github.com/victornm/quizhub/internal/telemetry"
)

const (
	defaultInterval = 5 * time.Second
	defaultTimeout  = 2 * time.Minute

	// TypePing is the transport-level probe frame; it carries no sequence and
	// is answered by a ping action, which refreshes the connection's
	// last-seen timestamp.
	TypePing = "ping"
)

// Leaver removes a participant's membership and broadcasts their departure.
type Leaver interface {
	Leave(ctx context.Context, sessionID, username string, role registry.Role) error
}

type Config struct {
	Registry    *registry.Registry
	Coordinator Leaver

	// Interval is the sweep cadence, Timeout the idle age after which a
	// connection is probed. A connection still silent at Timeout+Interval is
	// evicted.
	Interval time.Duration
	Timeout  time.Duration
}

type Monitor struct {
	registry    *registry.Registry
	coordinator Leaver

	interval time.Duration
	timeout  time.Duration
}

func NewMonitor(c Config) *Monitor {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}

	return &Monitor{
		registry:    c.Registry,
		coordinator: c.Coordinator,
		interval:    c.Interval,
		timeout:     c.Timeout,
	}
}

// Run sweeps until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweep(ctx, now)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context, now time.Time) {
	probe, err := json.Marshal(domain.Event{Type: TypePing})
	if err != nil {
		slog.ErrorContext(ctx, "heartbeat: marshal probe failed", "error", err)
		return
	}

	for _, conn := range m.registry.All() {
		age := now.Sub(conn.LastSeen())

		switch {
		case age >= m.timeout+m.interval:
			m.evict(ctx, conn, age)

		case age >= m.timeout:
			if err := conn.Send(probe); err != nil {
				m.evict(ctx, conn, age)
			}
		}
	}
}

// evict force-unregisters a connection the probe could not revive and removes
// its membership record, which for a participant triggers the participantLeft
// broadcast.
func (m *Monitor) evict(ctx context.Context, conn *registry.Connection, age time.Duration) {
	slog.InfoContext(ctx, "heartbeat: evicting dead connection",
		"session", conn.SessionID, "username", conn.Username, "idle", age)

	conn.Close()
	m.registry.Unregister(conn.ID)
	telemetry.ConnectionsEvicted.Inc()

	if err := m.coordinator.Leave(ctx, conn.SessionID, conn.Username, conn.Role); err != nil {
		slog.ErrorContext(ctx, "heartbeat: remove membership failed",
			"session", conn.SessionID, "username", conn.Username, "error", err)
	}
}
