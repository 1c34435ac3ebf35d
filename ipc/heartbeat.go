// heartbeat.go - Heartbeat-Ueberwachung der Worker
package ipc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Heartbeats merkt sich den letzten Heartbeat pro Rank
type Heartbeats struct {
	mu   sync.Mutex
	last map[int]time.Time
	now  func() time.Time
}

// NewHeartbeats erstellt einen Tracker; alle Ranks gelten ab jetzt als lebendig
func NewHeartbeats(ranks int) *Heartbeats {
	h := &Heartbeats{last: make(map[int]time.Time, ranks), now: time.Now}
	start := h.now()
	for r := range ranks {
		h.last[r] = start
	}
	return h
}

// Beat vermerkt einen Heartbeat von rank
func (h *Heartbeats) Beat(rank int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.last[rank]; !ok {
		return false
	}
	h.last[rank] = h.now()
	return true
}

// Stale gibt den ersten Rank zurueck dessen letzter Heartbeat aelter als timeout ist
func (h *Heartbeats) Stale(timeout time.Duration) (rank int, since time.Duration, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	for r := range len(h.last) {
		if d := now.Sub(h.last[r]); d > timeout {
			return r, d, true
		}
	}
	return 0, 0, false
}

// Watch prueft alle interval ob ein Worker verstummt ist und meldet ihn an m
func (h *Heartbeats) Watch(ctx context.Context, interval, timeout time.Duration, m *Monitor) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.Lost():
			return
		case <-ticker.C:
			if rank, since, ok := h.Stale(timeout); ok {
				slog.Error("worker stopped sending heartbeats", "rank", rank, "since", since.Round(time.Millisecond))
				m.Fail(fmt.Errorf("rank %d: no heartbeat for %s", rank, since.Round(time.Second)))
				return
			}
		}
	}
}
