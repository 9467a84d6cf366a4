// Package bridge connects this process to the shared pub/sub substrate. It
// publishes committed, already-sequenced events to the session's channel and
// runs one subscription goroutine per session that has local connections,
// fanning received events out in ascending sequence order.
package bridge

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizhub/internal/domain"
	"github.com/victornm/quizhub/internal/registry"
	"github.com/victornm/quizhub/internal/store"
	"github.com/victornm/quizhub/internal/telemetry"
)

const (
	defaultFlushInterval = 250 * time.Millisecond
	defaultPendingLimit  = 64
)

type Config struct {
	Redis    redis.UniversalClient
	Store    *store.Store
	Registry *registry.Registry

	// FlushInterval bounds how long an out-of-order event is buffered before
	// the gap below it is given up on.
	FlushInterval time.Duration

	// PendingLimit bounds the reorder buffer per session.
	PendingLimit int
}

type Bridge struct {
	redis    redis.UniversalClient
	store    *store.Store
	registry *registry.Registry

	flushInterval time.Duration
	pendingLimit  int

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func New(c Config) *Bridge {
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = defaultPendingLimit
	}

	return &Bridge{
		redis:         c.Redis,
		store:         c.Store,
		registry:      c.Registry,
		flushInterval: c.FlushInterval,
		pendingLimit:  c.PendingLimit,
		subs:          make(map[string]context.CancelFunc),
	}
}

// Publish forwards a committed event to the session's shared channel. The
// sequence number was assigned by the coordinator before publish; the bridge
// never sequences anything itself. The publisher's own process receives the
// event back through its subscription like everyone else.
func (b *Bridge) Publish(ctx context.Context, ev *domain.Event) error {
	if ev.Sequence == 0 {
		return fmt.Errorf("bridge: refusing to publish unsequenced event: session=%s type=%s", ev.SessionID, ev.Type)
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bridge: marshal event: %w", err)
	}

	if err := b.redis.Publish(ctx, b.store.Channel(ev.SessionID), msg).Err(); err != nil {
		return fmt.Errorf("bridge: publish: %w", err)
	}
	return nil
}

// Subscribe starts the fan-out goroutine for a session. Idempotent; the
// registry calls it when a session gains its first local connection.
func (b *Bridge) Subscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sessionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.subs[sessionID] = cancel

	b.wg.Add(1)
	go b.listen(ctx, sessionID)
}

// Unsubscribe stops the session's fan-out goroutine. Idempotent.
func (b *Bridge) Unsubscribe(sessionID string) {
	b.mu.Lock()
	cancel, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	if ok {
		cancel()
	}
}

// Stop cancels every subscription and waits for the listeners to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	for id, cancel := range b.subs {
		cancel()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bridge) listen(ctx context.Context, sessionID string) {
	defer b.wg.Done()

	// The starting watermark is resolved before the subscription goes live:
	// anything at or below it was committed before we listened and belongs to
	// the replay path, anything above it must come through the channel.
	delivered, err := b.store.CurrentSequence(ctx, sessionID)
	if err != nil {
		slog.Error("bridge: resolve current sequence failed", "session", sessionID, "error", err)
	}

	sub := b.redis.Subscribe(ctx, b.store.Channel(sessionID))
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		slog.Error("bridge: subscribe failed", "session", sessionID, "error", err)
		return
	}

	var (
		ch      = sub.Channel()
		pending = make(map[int64]*domain.Event)
		oldest  time.Time
		ticker  = time.NewTicker(b.flushInterval)
	)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}

			var ev domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Error("bridge: unmarshal event failed", "session", sessionID, "error", err)
				continue
			}

			if ev.Sequence <= delivered {
				slog.Info("bridge: duplicate event dropped",
					"session", sessionID, "sequence", ev.Sequence, "delivered", delivered)
				continue
			}

			if _, dup := pending[ev.Sequence]; !dup {
				if len(pending) == 0 {
					oldest = time.Now()
				}
				pending[ev.Sequence] = &ev
			}

			if len(pending) > b.pendingLimit {
				delivered = b.skipGap(sessionID, delivered, pending)
			}
			delivered = b.flush(sessionID, delivered, pending)
			if len(pending) == 0 {
				oldest = time.Time{}
			}

		case now := <-ticker.C:
			if len(pending) == 0 || now.Sub(oldest) < b.flushInterval {
				continue
			}
			// The gap did not fill within the reorder window; deliver what we
			// have in order rather than stalling the session.
			delivered = b.skipGap(sessionID, delivered, pending)
			delivered = b.flush(sessionID, delivered, pending)
			if len(pending) == 0 {
				oldest = time.Time{}
			} else {
				oldest = now
			}
		}
	}
}

// flush delivers the contiguous run starting right after delivered and
// returns the new delivered watermark.
func (b *Bridge) flush(sessionID string, delivered int64, pending map[int64]*domain.Event) int64 {
	for {
		ev, ok := pending[delivered+1]
		if !ok {
			return delivered
		}
		delete(pending, delivered+1)
		delivered = ev.Sequence
		b.fanOut(ev)
	}
}

// skipGap advances the watermark to just below the oldest buffered event.
func (b *Bridge) skipGap(sessionID string, delivered int64, pending map[int64]*domain.Event) int64 {
	lowest := int64(0)
	for seq := range pending {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	if lowest == 0 || lowest-1 <= delivered {
		return delivered
	}

	slog.Warn("bridge: sequence gap abandoned",
		"session", sessionID, "delivered", delivered, "resuming_at", lowest)
	telemetry.EventsGapSkipped.Inc()
	return lowest - 1
}

// fanOut writes one event to every local connection of its session, closing
// connections whose send queue stayed full.
func (b *Bridge) fanOut(ev *domain.Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		slog.Error("bridge: marshal frame failed", "session", ev.SessionID, "error", err)
		return
	}

	for _, conn := range b.registry.ListBySession(ev.SessionID) {
		err := conn.SendEvent(ev.Sequence, frame)
		switch {
		case err == nil:
			telemetry.EventsDelivered.Inc()
		case stderrors.Is(err, registry.ErrStaleSequence):
			slog.Info("bridge: stale event suppressed",
				"session", ev.SessionID, "username", conn.Username, "sequence", ev.Sequence)
		case stderrors.Is(err, registry.ErrSendBufferFull):
			slog.Warn("bridge: send buffer full, dropping connection",
				"session", ev.SessionID, "username", conn.Username)
			telemetry.ConnectionsDropped.Inc()
			conn.Close()
			b.registry.Unregister(conn.ID)
		case err != nil:
			slog.Info("bridge: send to closed connection skipped",
				"session", ev.SessionID, "username", conn.Username)
		}
	}
}
