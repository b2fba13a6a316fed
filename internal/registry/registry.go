package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatrelay/chatrelay/internal/metrics"
)

// ErrBadEventQueueID is returned for a queue id that does not exist or does
// not belong to the requesting user. One error for both cases: lookups must
// not reveal whether another user's queue id exists.
var ErrBadEventQueueID = errors.New("bad event queue ID")

// GCHook is invoked for every descriptor removed by garbage collection.
// lastForUser is true when the removal left the user with no queues at all.
type GCHook func(userID int64, d *ClientDescriptor, lastForUser bool)

// Registry holds every live ClientDescriptor for this shard, indexed by
// queue id, by user, and by realm for descriptors that want realm-wide
// message traffic.
type Registry struct {
	mu              sync.RWMutex
	clients         map[string]*ClientDescriptor
	userClients     map[int64][]*ClientDescriptor
	realmAllStreams map[int64][]*ClientDescriptor

	hooks []GCHook
	log   *slog.Logger
	clock func() time.Time
}

// New returns an empty registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		clients:         make(map[string]*ClientDescriptor),
		userClients:     make(map[int64][]*ClientDescriptor),
		realmAllStreams: make(map[int64][]*ClientDescriptor),
		log:             log,
		clock:           time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// AddGCHook registers an observer invoked on every collected descriptor.
// Hooks run outside the registry lock and may call back into the registry.
func (r *Registry) AddGCHook(h GCHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Allocate creates a descriptor with a fresh globally-unique queue id and
// inserts it into all applicable indices.
func (r *Registry) Allocate(opts Options) *ClientDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	d := newDescriptor(uuid.NewString(), opts, r.clock)
	r.insertLocked(d)
	metrics.QueuesAllocatedTotal.Inc()
	metrics.QueuesActive.Set(float64(len(r.clients)))
	return d
}

// Restore inserts a descriptor deserialized from a dump file. A dumped
// queue id that collides with a live one is dropped rather than clobbered.
func (r *Registry) Restore(d *ClientDescriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[d.queueID]; exists {
		return false
	}
	d.clock = r.clock
	r.insertLocked(d)
	metrics.QueuesActive.Set(float64(len(r.clients)))
	return true
}

func (r *Registry) insertLocked(d *ClientDescriptor) {
	r.clients[d.queueID] = d
	r.userClients[d.UserID()] = append(r.userClients[d.UserID()], d)
	if d.indexUnderRealm() {
		r.realmAllStreams[d.RealmID()] = append(r.realmAllStreams[d.RealmID()], d)
	}
}

// Lookup returns the descriptor for (userID, queueID). A missing queue and a
// queue owned by someone else produce the identical error.
func (r *Registry) Lookup(userID int64, queueID string) (*ClientDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.clients[queueID]
	if !ok || d.UserID() != userID {
		return nil, ErrBadEventQueueID
	}
	return d, nil
}

// ForUser returns a snapshot of the user's descriptors.
func (r *Registry) ForUser(userID int64) []*ClientDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.userClients[userID])
}

// AllStreamsForRealm returns a snapshot of the realm's all-public-streams
// descriptors.
func (r *Registry) AllStreamsForRealm(realmID int64) []*ClientDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.realmAllStreams[realmID])
}

// All returns a snapshot of every live descriptor.
func (r *Registry) All() []*ClientDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientDescriptor, 0, len(r.clients))
	for _, d := range r.clients {
		out = append(out, d)
	}
	return out
}

// Len returns the number of live descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// HasMessageAcceptingQueues reports whether the user has any live
// descriptor that accepts message events. A user without one counts as
// off-chat for offline notification purposes.
func (r *Registry) HasMessageAcceptingQueues(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.userClients[userID] {
		if d.AcceptsMessages() {
			return true
		}
	}
	return false
}

type hookCall struct {
	userID      int64
	d           *ClientDescriptor
	lastForUser bool
}

// GarbageCollect removes the given queue ids from all three indices in one
// pass and then invokes every GC hook, outside the lock, with whether the
// removal drained the user's last queue.
func (r *Registry) GarbageCollect(queueIDs []string) {
	r.mu.Lock()
	var calls []hookCall
	for _, id := range queueIDs {
		d, ok := r.clients[id]
		if !ok {
			continue
		}
		delete(r.clients, id)

		uid := d.UserID()
		r.userClients[uid] = removeDescriptor(r.userClients[uid], d)
		last := len(r.userClients[uid]) == 0
		if last {
			delete(r.userClients, uid)
		}
		if d.indexUnderRealm() {
			rid := d.RealmID()
			r.realmAllStreams[rid] = removeDescriptor(r.realmAllStreams[rid], d)
			if len(r.realmAllStreams[rid]) == 0 {
				delete(r.realmAllStreams, rid)
			}
		}
		calls = append(calls, hookCall{userID: uid, d: d, lastForUser: last})
	}
	hooks := slices.Clone(r.hooks)
	metrics.QueuesCollectedTotal.Add(float64(len(calls)))
	metrics.QueuesActive.Set(float64(len(r.clients)))
	r.mu.Unlock()

	for _, c := range calls {
		for _, h := range hooks {
			h(c.userID, c.d, c.lastForUser)
		}
	}
}

// Cleanup explicitly destroys one descriptor: any attached handler is
// finished first so the queue is guaranteed idle, then the descriptor is
// collected. The ordering is a correctness requirement: GC must never run
// while an in-flight response still references the descriptor.
func (r *Registry) Cleanup(d *ClientDescriptor) {
	d.FinishCurrentHandler()
	r.GarbageCollect([]string{d.QueueID()})
}

// Sweep collects every expired descriptor in one pass and returns how many
// were removed. Expired descriptors have no handler attached by definition,
// so the per-descriptor handler flush is skipped; GC hooks still run.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.RLock()
	var expired []string
	for id, d := range r.clients {
		if d.Expired(now) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}
	r.GarbageCollect(expired)
	r.log.Info("swept expired event queues",
		slog.Int("collected", len(expired)),
		slog.Int("remaining", r.Len()))
	return len(expired)
}

// RunSweeper runs the GC sweep on the given period until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.clock())
		}
	}
}

func removeDescriptor(list []*ClientDescriptor, d *ClientDescriptor) []*ClientDescriptor {
	for i, cur := range list {
		if cur == d {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
