package eventqueue

import (
	"encoding/json"
	"testing"

	"pgregory.net/rapid"

	"github.com/chatrelay/chatrelay/internal/events"
)

func flagsEvent(op, flag string, ids ...int64) *events.Event {
	return events.New(events.MessageFlags{Op: op, Flag: flag, Messages: ids})
}

func messageEvent(content string) *events.Event {
	return events.New(events.Message{
		Message: events.MessageData{MessageID: 1, Content: content, RecipientType: "stream"},
		Flags:   []string{},
	})
}

func TestPushAssignsMonotonicIDs(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		e := q.Push(messageEvent("hello"))
		if e.ID != int64(i) {
			t.Fatalf("push %d: got id %d", i, e.ID)
		}
	}
	contents := q.Contents(true)
	if len(contents) != 5 {
		t.Fatalf("expected 5 events, got %d", len(contents))
	}
	for i, e := range contents {
		if e.ID != int64(i) {
			t.Errorf("contents[%d]: got id %d", i, e.ID)
		}
	}
}

func TestContentsIdempotentAfterMaterialize(t *testing.T) {
	q := New()
	q.Push(messageEvent("a"))
	q.Push(flagsEvent("add", "read", 1, 2))
	q.Push(messageEvent("b"))

	first := q.Contents(true)
	second := q.Contents(true)
	if len(first) != len(second) {
		t.Fatalf("contents changed across calls: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("event %d changed id: %d vs %d", i, first[i].ID, second[i].ID)
		}
	}
}

func TestVirtualEventCompression(t *testing.T) {
	q := New()
	q.Push(flagsEvent("add", "read", 1, 2))
	q.Push(flagsEvent("add", "read", 3, 4))

	contents := q.Contents(true)
	if len(contents) != 1 {
		t.Fatalf("expected 1 merged event, got %d", len(contents))
	}
	p := contents[0].Payload.(events.MessageFlags)
	if len(p.Messages) != 4 {
		t.Fatalf("expected union of 4 message ids, got %v", p.Messages)
	}
	// Merged slot reuses the latest push's id.
	if contents[0].ID != 1 {
		t.Errorf("merged event should carry id 1, got %d", contents[0].ID)
	}
}

// Compression property: N mergeable pushes for the same key yield exactly one
// materialized event whose message-id set is the union of all pushes.
func TestCompressionUnionProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := New()
		pushes := rapid.SliceOfN(rapid.SliceOfN(rapid.Int64Range(1, 500), 1, 10), 1, 20).Draw(t, "pushes")

		want := make(map[int64]bool)
		for _, ids := range pushes {
			q.Push(flagsEvent("add", "starred", ids...))
			for _, id := range ids {
				want[id] = true
			}
		}

		contents := q.Contents(true)
		if len(contents) != 1 {
			t.Fatalf("expected 1 merged event for %d pushes, got %d", len(pushes), len(contents))
		}
		got := contents[0].Payload.(events.MessageFlags).Messages
		gotSet := make(map[int64]bool, len(got))
		for _, id := range got {
			if gotSet[id] {
				t.Fatalf("duplicate message id %d in merged event", id)
			}
			gotSet[id] = true
		}
		if len(gotSet) != len(want) {
			t.Fatalf("lost message ids: got %d distinct, want %d", len(gotSet), len(want))
		}
		for id := range want {
			if !gotSet[id] {
				t.Fatalf("message id %d missing from merged event", id)
			}
		}
	})
}

func TestRemoveReadNeverMerged(t *testing.T) {
	q := New()
	q.Push(flagsEvent("remove", "read", 1))
	q.Push(flagsEvent("remove", "read", 2))

	contents := q.Contents(true)
	if len(contents) != 2 {
		t.Fatalf("remove/read events must not merge, got %d events", len(contents))
	}
}

// Pins the documented compression quirk: because add/read merges into a
// virtual slot while remove/read queues verbatim, an interleaved burst
// materializes with the merged add/read event positioned by its latest id,
// after remove/read events it originally preceded.
func TestInterleavedReadFlagOrdering(t *testing.T) {
	q := New()
	q.Push(flagsEvent("add", "read", 1))    // id 0, virtual
	q.Push(flagsEvent("remove", "read", 1)) // id 1, queued
	q.Push(flagsEvent("add", "read", 1))    // id 2, merges into the virtual slot

	contents := q.Contents(true)
	if len(contents) != 2 {
		t.Fatalf("expected 2 events, got %d", len(contents))
	}
	first := contents[0].Payload.(events.MessageFlags)
	second := contents[1].Payload.(events.MessageFlags)
	if first.Op != "remove" || second.Op != "add" {
		t.Fatalf("quirk changed: got order %s/%s, expected remove then add", first.Op, second.Op)
	}
}

func TestPruneThroughID(t *testing.T) {
	q := New()
	for i := 0; i < 4; i++ {
		q.Push(messageEvent("m"))
	}
	q.Contents(true)
	q.Prune(1)

	if got := q.NewestPrunedID(); got != 1 {
		t.Fatalf("newest pruned id = %d, want 1", got)
	}
	for _, e := range q.Contents(true) {
		if e.ID <= 1 {
			t.Errorf("event id %d survived prune through 1", e.ID)
		}
	}
}

func TestPruneBehindWatermarkIsNoOp(t *testing.T) {
	q := New()
	q.Push(messageEvent("m"))
	q.Push(messageEvent("m"))
	q.Prune(1)
	q.Prune(0) // behind the watermark

	if got := q.NewestPrunedID(); got != 1 {
		t.Fatalf("watermark moved backwards: %d", got)
	}
	if !q.Empty() {
		t.Fatal("queue should be empty after pruning everything")
	}
}

func TestEmpty(t *testing.T) {
	q := New()
	if !q.Empty() {
		t.Fatal("fresh queue should be empty")
	}
	q.Push(flagsEvent("add", "read", 1))
	if q.Empty() {
		t.Fatal("queue with only a virtual event must not report empty")
	}
	q.Contents(true)
	q.Prune(0)
	if !q.Empty() {
		t.Fatal("queue should be empty after prune")
	}
}

func TestContentsStripsInternalData(t *testing.T) {
	q := New()
	internal := json.RawMessage(`{"push_notified":false}`)
	q.Push(events.New(events.Message{
		Message:  events.MessageData{MessageID: 7, Content: "x", RecipientType: "private"},
		Flags:    []string{"mentioned"},
		Internal: internal,
	}))

	public := q.Contents(false)
	if m := public[0].Payload.(events.Message); m.Internal != nil {
		t.Fatal("internal_data leaked through Contents(false)")
	}
	// The queue keeps the bookkeeping for server-side consumers.
	kept := q.Contents(true)
	if m := kept[0].Payload.(events.Message); m.Internal == nil {
		t.Fatal("internal_data lost from the stored event")
	}
}

func TestSerializationRoundTrip(t *testing.T) {
	q := New()
	q.Push(messageEvent("persisted"))
	q.Push(flagsEvent("add", "read", 3, 4))
	q.Prune(-1)

	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal queue: %v", err)
	}

	restored := New()
	if err := json.Unmarshal(data, restored); err != nil {
		t.Fatalf("unmarshal queue: %v", err)
	}
	if restored.NextEventID() != q.NextEventID() {
		t.Errorf("next id %d != %d", restored.NextEventID(), q.NextEventID())
	}
	contents := restored.Contents(true)
	if len(contents) != 2 {
		t.Fatalf("restored queue has %d events, want 2", len(contents))
	}
	if contents[0].Type != events.TypeMessage || contents[1].Type != events.TypeMessageFlags {
		t.Errorf("restored event types %s, %s", contents[0].Type, contents[1].Type)
	}
}
