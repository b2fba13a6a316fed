// Package eventqueue implements the per-client ordered event buffer with
// virtual-event compression for high-frequency message flag updates.
package eventqueue

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/chatrelay/chatrelay/internal/events"
)

// Queue buffers events for a single client. It is not safe for concurrent
// use; the owning ClientDescriptor serializes access.
type Queue struct {
	nextEventID    int64
	queue          []*events.Event
	virtualEvents  map[string]*events.Event
	newestPrunedID *int64
}

// New returns an empty queue whose first event will get id 0.
func New() *Queue {
	return &Queue{
		virtualEvents: make(map[string]*events.Event),
	}
}

// compressionKey returns the virtual-event slot for a mergeable event, or
// "" if the event must be queued verbatim. Only incremental flag updates are
// mergeable, and the remove/read subtype never is: it carries per-message
// detail that a union would destroy.
func compressionKey(e *events.Event) string {
	p, ok := e.Payload.(events.MessageFlags)
	if !ok {
		return ""
	}
	if p.Op == "remove" && p.Flag == "read" {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s", events.TypeMessageFlags, p.Op, p.Flag)
}

// Push assigns the next queue-local id to the event and stores it. Mergeable
// flag updates collapse into a single virtual slot per (type, op, flag): the
// slot takes the newest id and the union of affected message ids.
//
// Known quirk, kept deliberately: add/read and remove/read use different
// slots (remove/read is never merged), so interleaved mark-read and
// mark-unread bursts for the same message can materialize out of their
// original relative order. See TestInterleavedReadFlagOrdering.
func (q *Queue) Push(e *events.Event) *events.Event {
	e.ID = q.nextEventID
	q.nextEventID++

	key := compressionKey(e)
	if key == "" {
		q.queue = append(q.queue, e)
		return e
	}

	existing, ok := q.virtualEvents[key]
	if !ok {
		q.virtualEvents[key] = e
		return e
	}
	old := existing.Payload.(events.MessageFlags)
	incoming := e.Payload.(events.MessageFlags)
	old.Messages = unionIDs(old.Messages, incoming.Messages)
	old.All = old.All || incoming.All
	existing.ID = e.ID
	existing.Payload = old
	return existing
}

// unionIDs appends the ids from add that are not already present, keeping
// first-seen order.
func unionIDs(base, add []int64) []int64 {
	seen := make(map[int64]struct{}, len(base))
	for _, id := range base {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, dup := seen[id]; !dup {
			base = append(base, id)
			seen[id] = struct{}{}
		}
	}
	return base
}

// Contents materializes the queue in delivery order, interleaving virtual
// events back into the position their latest id gives them. As a side effect
// the flattened materialization replaces internal storage, so a subsequent
// call is idempotent. With includeInternal false, server-side bookkeeping
// fields are stripped from the returned events.
func (q *Queue) Contents(includeInternal bool) []*events.Event {
	virtual := make([]*events.Event, 0, len(q.virtualEvents))
	for _, e := range q.virtualEvents {
		virtual = append(virtual, e)
	}
	sort.Slice(virtual, func(i, j int) bool { return virtual[i].ID < virtual[j].ID })

	contents := make([]*events.Event, 0, len(q.queue)+len(virtual))
	vi := 0
	for _, e := range q.queue {
		for vi < len(virtual) && virtual[vi].ID < e.ID {
			contents = append(contents, virtual[vi])
			vi++
		}
		contents = append(contents, e)
	}
	for vi < len(virtual) {
		contents = append(contents, virtual[vi])
		vi++
	}

	q.virtualEvents = make(map[string]*events.Event)
	q.queue = contents

	if includeInternal {
		return contents
	}
	out := make([]*events.Event, len(contents))
	for i, e := range contents {
		out[i] = e.StripInternal()
	}
	return out
}

// Prune drops every queued event with id <= throughID, recording the highest
// id removed. Pruning behind the current watermark is a no-op. Virtual events
// are untouched; consumers always materialize via Contents before acking.
func (q *Queue) Prune(throughID int64) {
	for len(q.queue) > 0 && q.queue[0].ID <= throughID {
		id := q.queue[0].ID
		q.newestPrunedID = &id
		q.queue = q.queue[1:]
	}
}

// Empty reports whether neither queued nor virtual events remain.
func (q *Queue) Empty() bool {
	return len(q.queue) == 0 && len(q.virtualEvents) == 0
}

// NewestPrunedID returns the highest id ever pruned, or -1 if nothing has
// been pruned yet.
func (q *Queue) NewestPrunedID() int64 {
	if q.newestPrunedID == nil {
		return -1
	}
	return *q.newestPrunedID
}

// NextEventID returns the id the next pushed event will receive.
func (q *Queue) NextEventID() int64 { return q.nextEventID }

type queueJSON struct {
	NextEventID    int64                    `json:"next_event_id"`
	Queue          []*events.Event          `json:"queue"`
	VirtualEvents  map[string]*events.Event `json:"virtual_events"`
	NewestPrunedID *int64                   `json:"newest_pruned_id"`
}

// MarshalJSON serializes the queue for the restart dump file.
func (q *Queue) MarshalJSON() ([]byte, error) {
	return json.Marshal(queueJSON{
		NextEventID:    q.nextEventID,
		Queue:          q.queue,
		VirtualEvents:  q.virtualEvents,
		NewestPrunedID: q.newestPrunedID,
	})
}

// UnmarshalJSON restores a dumped queue. Missing fields default to an empty
// queue so older dump shapes still load.
func (q *Queue) UnmarshalJSON(data []byte) error {
	var j queueJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("decode event queue: %w", err)
	}
	q.nextEventID = j.NextEventID
	q.queue = j.Queue
	q.virtualEvents = j.VirtualEvents
	if q.virtualEvents == nil {
		q.virtualEvents = make(map[string]*events.Event)
	}
	q.newestPrunedID = j.NewestPrunedID
	return nil
}
