package registry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/chatrelay/chatrelay/internal/events"
)

func messageEvent(flags ...string) *events.Event {
	if flags == nil {
		flags = []string{}
	}
	return events.New(events.Message{
		Message: events.MessageData{MessageID: 1, RecipientType: "private", Content: "hi"},
		Flags:   flags,
	})
}

func TestAllocateAndLookup(t *testing.T) {
	r := New(nil)
	d := r.Allocate(Options{UserID: 10, RealmID: 1})

	got, err := r.Lookup(10, d.QueueID())
	if err != nil {
		t.Fatalf("lookup own queue: %v", err)
	}
	if got != d {
		t.Fatal("lookup returned a different descriptor")
	}
}

func TestLookupHidesForeignQueues(t *testing.T) {
	r := New(nil)
	d := r.Allocate(Options{UserID: 10, RealmID: 1})

	_, errMissing := r.Lookup(10, "no-such-queue")
	_, errForeign := r.Lookup(11, d.QueueID())

	if !errors.Is(errMissing, ErrBadEventQueueID) || !errors.Is(errForeign, ErrBadEventQueueID) {
		t.Fatal("both lookup failures must return ErrBadEventQueueID")
	}
	// Identical error text for both, so existence of another user's queue
	// cannot be probed.
	if errMissing.Error() != errForeign.Error() {
		t.Fatalf("error text differs: %q vs %q", errMissing, errForeign)
	}
}

func TestRealmIndexMembership(t *testing.T) {
	r := New(nil)
	r.Allocate(Options{UserID: 1, RealmID: 7})                                      // plain
	all := r.Allocate(Options{UserID: 2, RealmID: 7, AllPublicStreams: true})       // all streams
	narrowed := r.Allocate(Options{UserID: 3, RealmID: 7, Narrow: Narrow{{"stream", "eng"}}}) // narrow

	got := r.AllStreamsForRealm(7)
	if len(got) != 2 {
		t.Fatalf("realm index has %d descriptors, want 2", len(got))
	}
	for _, d := range got {
		if d != all && d != narrowed {
			t.Fatalf("unexpected descriptor %s in realm index", d.QueueID())
		}
	}
}

func TestAddEventFlushesAttachedHandler(t *testing.T) {
	r := New(nil)
	d := r.Allocate(Options{UserID: 1, RealmID: 1})

	h := NewHandler("website")
	d.ConnectHandler(h)
	d.AddEvent(messageEvent())

	select {
	case resp := <-h.Done():
		if len(resp.Events) != 1 || resp.Events[0].ID != 0 {
			t.Fatalf("unexpected response events: %+v", resp.Events)
		}
		if resp.QueueID != d.QueueID() {
			t.Fatalf("response queue id %q", resp.QueueID)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
	if d.HasHandler() {
		t.Fatal("handler should be detached after flush")
	}
}

func TestConnectHandlerFlushesBufferedEvents(t *testing.T) {
	r := New(nil)
	d := r.Allocate(Options{UserID: 1, RealmID: 1})

	// The event lands before the handler attaches, as happens when a push
	// races the HTTP layer's emptiness check. The attach must fire the
	// handler immediately instead of waiting for the next event.
	d.AddEvent(messageEvent())
	h := NewHandler(HeartbeatProbeClient)
	d.ConnectHandler(h)

	select {
	case resp := <-h.Done():
		if len(resp.Events) != 1 || resp.Events[0].ID != 0 {
			t.Fatalf("flushed events = %+v", resp.Events)
		}
	case <-time.After(time.Second):
		t.Fatal("handler parked despite a buffered event")
	}
	if d.HasHandler() {
		t.Fatal("handler should be detached after flush")
	}
}

func TestSecondHandlerFinishesFirstWithEmptyResponse(t *testing.T) {
	r := New(nil)
	d := r.Allocate(Options{UserID: 1, RealmID: 1})

	first := NewHandler("website")
	second := NewHandler("website")
	d.ConnectHandler(first)
	d.ConnectHandler(second)

	select {
	case resp := <-first.Done():
		if resp.Events == nil || len(resp.Events) != 0 {
			t.Fatalf("first handler should get an empty-but-valid response, got %+v", resp.Events)
		}
	case <-time.After(time.Second):
		t.Fatal("first handler was silently dropped")
	}

	// The second handler is now current and receives subsequent events.
	d.AddEvent(messageEvent())
	select {
	case resp := <-second.Done():
		if len(resp.Events) != 1 {
			t.Fatalf("second handler got %d events", len(resp.Events))
		}
	case <-time.After(time.Second):
		t.Fatal("second handler never fired")
	}
}

func TestDisconnectOnlyDetachesCurrentHandler(t *testing.T) {
	r := New(nil)
	d := r.Allocate(Options{UserID: 1, RealmID: 1})

	stale := NewHandler("website")
	current := NewHandler("website")
	d.ConnectHandler(stale)
	d.ConnectHandler(current)

	d.DisconnectHandler(stale) // no-op: stale was already replaced
	if !d.HasHandler() {
		t.Fatal("disconnecting a stale handler must not detach the current one")
	}
	d.DisconnectHandler(current)
	if d.HasHandler() {
		t.Fatal("current handler should be detached")
	}
}

func TestSweepCollectsExpiredQueues(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := New(nil)
	r.SetClock(func() time.Time { return now })

	var hookUser int64
	var hookLast bool
	hooks := 0
	r.AddGCHook(func(userID int64, d *ClientDescriptor, lastForUser bool) {
		hooks++
		hookUser = userID
		hookLast = lastForUser
	})

	d := r.Allocate(Options{UserID: 42, RealmID: 1, Lifespan: 10 * time.Minute})
	keeper := r.Allocate(Options{UserID: 43, RealmID: 1, Lifespan: time.Hour})

	collected := r.Sweep(now.Add(11 * time.Minute))
	if collected != 1 {
		t.Fatalf("swept %d queues, want 1", collected)
	}
	if _, err := r.Lookup(42, d.QueueID()); !errors.Is(err, ErrBadEventQueueID) {
		t.Fatal("expired queue still resolvable")
	}
	if _, err := r.Lookup(43, keeper.QueueID()); err != nil {
		t.Fatalf("unexpired queue was collected: %v", err)
	}
	if hooks != 1 || hookUser != 42 || !hookLast {
		t.Fatalf("GC hook got (%d calls, user %d, last %v), want (1, 42, true)", hooks, hookUser, hookLast)
	}
}

func TestSweepSkipsConnectedDescriptors(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := New(nil)
	r.SetClock(func() time.Time { return now })

	d := r.Allocate(Options{UserID: 1, RealmID: 1, Lifespan: time.Minute})
	h := NewHandler(HeartbeatProbeClient)
	d.ConnectHandler(h)

	if got := r.Sweep(now.Add(time.Hour)); got != 0 {
		t.Fatalf("swept %d queues despite attached handler", got)
	}
}

func TestCleanupFlushesHandlerBeforeGC(t *testing.T) {
	r := New(nil)
	d := r.Allocate(Options{UserID: 1, RealmID: 1})
	h := NewHandler("website")
	d.ConnectHandler(h)

	r.Cleanup(d)

	select {
	case <-h.Done():
	default:
		t.Fatal("cleanup must finish the attached handler before collecting")
	}
	if r.Len() != 0 {
		t.Fatalf("registry still holds %d descriptors", r.Len())
	}
}

func TestAcceptsEventDecisionTable(t *testing.T) {
	mk := func(opts Options) *ClientDescriptor {
		return newDescriptor("q", opts, time.Now)
	}
	presence := events.NewGeneric(events.TypePresence, nil)
	mutedTopics := events.NewGeneric(events.TypeMutedTopics, nil)
	displaySettings := events.NewGeneric(events.TypeDisplaySettings, nil)
	streamTyping := events.New(events.Typing{Op: "start", RecipientType: "stream", StreamID: 3})
	dmTyping := events.New(events.Typing{Op: "start", RecipientType: "direct"})

	tests := []struct {
		name string
		d    *ClientDescriptor
		e    *events.Event
		want bool
	}{
		{"no allow-list accepts all", mk(Options{}), presence, true},
		{"allow-list rejects absent type", mk(Options{EventTypes: []string{"message"}}), presence, false},
		{"allow-list accepts listed type", mk(Options{EventTypes: []string{"presence"}}), presence, true},
		{
			"muted_topics dropped when user_topic understood",
			mk(Options{EventTypes: []string{"muted_topics", "user_topic"}}),
			mutedTopics,
			false,
		},
		{
			"muted_topics kept for legacy clients",
			mk(Options{EventTypes: []string{"muted_topics"}}),
			mutedTopics,
			true,
		},
		{"stream typing requires opt-in", mk(Options{}), streamTyping, false},
		{
			"stream typing delivered to opted-in clients",
			mk(Options{StreamTypingNotifications: true}),
			streamTyping,
			true,
		},
		{"direct typing always delivered", mk(Options{}), dmTyping, true},
		{
			"legacy settings dropped for user_settings clients",
			mk(Options{UserSettingsObject: true}),
			displaySettings,
			false,
		},
		{"legacy settings kept otherwise", mk(Options{}), displaySettings, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.d.AcceptsEvent(tc.e); got != tc.want {
				t.Errorf("AcceptsEvent = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNarrowFilterOnMessages(t *testing.T) {
	streamMsg := events.New(events.Message{
		Message: events.MessageData{
			MessageID:        5,
			RecipientType:    "stream",
			DisplayRecipient: json.RawMessage(`"engineering"`),
			Topic:            "deploys",
			SenderEmail:      "ops@example.com",
		},
		Flags: []string{},
	})

	matching := newDescriptor("q1", Options{Narrow: Narrow{{"stream", "engineering"}, {"topic", "deploys"}}}, time.Now)
	if !matching.AcceptsEvent(streamMsg) {
		t.Fatal("narrow matching both clauses should accept")
	}

	wrongTopic := newDescriptor("q2", Options{Narrow: Narrow{{"stream", "engineering"}, {"topic", "outages"}}}, time.Now)
	if wrongTopic.AcceptsEvent(streamMsg) {
		t.Fatal("narrow with a failing clause should reject")
	}

	mentionNarrow := newDescriptor("q3", Options{Narrow: Narrow{{"is", "mentioned"}}}, time.Now)
	if mentionNarrow.AcceptsEvent(streamMsg) {
		t.Fatal("is:mentioned narrow should reject unflagged message")
	}
	mentioned := events.New(events.Message{
		Message: events.MessageData{MessageID: 6, RecipientType: "private"},
		Flags:   []string{"mentioned"},
	})
	if !mentionNarrow.AcceptsEvent(mentioned) {
		t.Fatal("is:mentioned narrow should accept mentioned message")
	}
}

func TestAcceptsMessages(t *testing.T) {
	if !newDescriptor("q", Options{}, time.Now).AcceptsMessages() {
		t.Fatal("descriptor without allow-list accepts messages")
	}
	if newDescriptor("q", Options{EventTypes: []string{"presence"}}, time.Now).AcceptsMessages() {
		t.Fatal("presence-only descriptor must not accept messages")
	}
}

func TestDescriptorSerializationRoundTrip(t *testing.T) {
	d := newDescriptor("queue-1", Options{
		UserID:              9,
		RealmID:             2,
		EventTypes:          []string{"message", "presence"},
		ClientType:          "website",
		ApplyMarkdown:       true,
		BulkMessageDeletion: true,
		Narrow:              Narrow{{"stream", "eng"}},
		Lifespan:            20 * time.Minute,
	}, time.Now)
	d.AddEvent(messageEvent())

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal descriptor: %v", err)
	}

	var restored ClientDescriptor
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("unmarshal descriptor: %v", err)
	}
	if restored.QueueID() != "queue-1" || restored.UserID() != 9 || restored.RealmID() != 2 {
		t.Fatalf("identity fields lost: %s/%d/%d", restored.QueueID(), restored.UserID(), restored.RealmID())
	}
	if !restored.ApplyMarkdown() || !restored.BulkMessageDeletion() {
		t.Fatal("capability flags lost")
	}
	contents := restored.QueueContents(true)
	if len(contents) != 1 || contents[0].Type != events.TypeMessage {
		t.Fatalf("queue contents lost: %+v", contents)
	}
}

func TestDescriptorLoadAppliesDefaults(t *testing.T) {
	// An older dump shape: no lifespan, no queue, no capability fields.
	var d ClientDescriptor
	if err := json.Unmarshal([]byte(`{"queue_id":"old","user_id":1,"realm_id":1}`), &d); err != nil {
		t.Fatalf("old record failed to load: %v", err)
	}
	if d.opts.Lifespan != DefaultQueueLifespan {
		t.Errorf("lifespan default not applied: %v", d.opts.Lifespan)
	}
	if !d.QueueEmpty() {
		t.Error("restored queue should be empty")
	}
}
