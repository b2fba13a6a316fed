package persist

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/events"
	"github.com/chatrelay/chatrelay/internal/registry"
)

// ReloadManager restores dumped descriptors into the registry and then tells
// their clients, in rate-limited batches, that the server restarted. Web
// clients are asked to reload the page; API clients to re-register. Batching
// keeps a large shard from stampeding itself right after a deploy.
type ReloadManager struct {
	registry   *registry.Registry
	generation int64
	immediate  bool
	log        *slog.Logger

	mu      sync.Mutex
	pending []*registry.ClientDescriptor
}

// NewReloadManager binds the manager to the registry. generation identifies
// the new server build; immediate asks clients to act without their usual
// random delay.
func NewReloadManager(reg *registry.Registry, generation int64, immediate bool, log *slog.Logger) *ReloadManager {
	if log == nil {
		log = slog.Default()
	}
	return &ReloadManager{
		registry:   reg,
		generation: generation,
		immediate:  immediate,
		log:        log,
	}
}

// Restore inserts loaded descriptors into the registry and queues the ones
// that can hear a reload event onto the worklist, ordered by realm id so each
// realm's clients come back together. Returns how many descriptors were
// restored; collisions with live queue ids are dropped by the registry.
func (m *ReloadManager) Restore(descriptors []*registry.ClientDescriptor) int {
	restored := 0
	var pending []*registry.ClientDescriptor
	for _, d := range descriptors {
		if !m.registry.Restore(d) {
			m.log.Warn("dropping dumped descriptor with live queue id",
				slog.String("queue_id", d.QueueID()))
			continue
		}
		restored++
		if d.AcceptsEvent(m.reloadEvent(d)) {
			pending = append(pending, d)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].RealmID() < pending[j].RealmID()
	})

	m.mu.Lock()
	m.pending = append(m.pending, pending...)
	m.mu.Unlock()
	return restored
}

// Pending returns how many descriptors still await their reload event.
func (m *ReloadManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Drain delivers reload events to up to n descriptors from the front of the
// worklist and returns how many it handled. Descriptors collected since
// Restore are skipped.
func (m *ReloadManager) Drain(n int) int {
	m.mu.Lock()
	if n > len(m.pending) {
		n = len(m.pending)
	}
	batch := m.pending[:n]
	m.pending = m.pending[n:]
	m.mu.Unlock()

	delivered := 0
	for _, d := range batch {
		if _, err := m.registry.Lookup(d.UserID(), d.QueueID()); err != nil {
			continue
		}
		d.AddEvent(m.reloadEvent(d))
		delivered++
	}
	return delivered
}

// RunDrainer drains one batch per tick until the worklist is empty or ctx is
// done.
func (m *ReloadManager) RunDrainer(ctx context.Context, interval time.Duration, batch int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Drain(batch)
			if m.Pending() == 0 {
				m.log.Info("reload worklist drained")
				return
			}
		}
	}
}

func (m *ReloadManager) reloadEvent(d *registry.ClientDescriptor) *events.Event {
	if d.WebReloadClient() {
		return events.New(events.WebReload{Immediate: m.immediate})
	}
	return events.New(events.Restart{
		ServerGeneration: m.generation,
		Immediate:        m.immediate,
	})
}
