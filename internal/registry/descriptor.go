// Package registry owns the live set of client event queues: descriptor
// state, the process-wide indices, and the garbage-collection sweep.
package registry

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/chatrelay/chatrelay/internal/eventqueue"
	"github.com/chatrelay/chatrelay/internal/events"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

const (
	// DefaultQueueLifespan is how long an idle queue survives with no
	// connected handler before the sweep collects it.
	DefaultQueueLifespan = 10 * time.Minute

	// MaxQueueLifespan caps the client-requested lifespan.
	MaxQueueLifespan = 7 * 24 * time.Hour

	// HeartbeatProbeClient is the client name used by the monitoring probe;
	// it never gets heartbeat events scheduled.
	HeartbeatProbeClient = "internal"

	heartbeatBaseInterval = 45 * time.Second
	heartbeatJitter       = 15 * time.Second
)

// Response is what a long-poll handler ultimately receives: the queue's
// materialized contents, ready to serialize to the client.
type Response struct {
	QueueID string          `json:"queue_id"`
	Events  []*events.Event `json:"events"`
}

// Handler represents one parked long-poll request. A handler fires exactly
// once per attach; the HTTP layer waits on Done and writes whatever arrives.
type Handler struct {
	clientName string
	ch         chan Response
}

// NewHandler returns a handler for the named client.
func NewHandler(clientName string) *Handler {
	return &Handler{clientName: clientName, ch: make(chan Response, 1)}
}

// ClientName returns the client name supplied at attach time.
func (h *Handler) ClientName() string { return h.clientName }

// Done yields the response when the handler fires.
func (h *Handler) Done() <-chan Response { return h.ch }

// deliver completes the handler. The buffered channel plus detach-before-
// deliver discipline in ClientDescriptor guarantees at most one send.
func (h *Handler) deliver(resp Response) {
	select {
	case h.ch <- resp:
	default:
	}
}

// Narrow is a client-supplied message filter: a list of [operator, operand]
// clauses that must all match.
type Narrow [][2]string

// Options carries the registration parameters for a new descriptor.
type Options struct {
	UserID                    int64
	RealmID                   int64
	EventTypes                []string // nil means all types
	ClientType                string
	ApplyMarkdown             bool
	ClientGravatar            bool
	SlimPresence              bool
	AllPublicStreams          bool
	BulkMessageDeletion       bool
	StreamTypingNotifications bool
	UserSettingsObject        bool
	PronounsFieldSupported    bool
	WebReloadClient           bool
	Narrow                    Narrow
	Lifespan                  time.Duration
}

// ClientDescriptor wraps one client's event queue together with its filter
// state and the long-poll handler currently attached, if any. All methods
// are safe for concurrent use.
type ClientDescriptor struct {
	mu sync.Mutex

	queueID string
	opts    Options
	queue   *eventqueue.Queue

	createdAt      time.Time
	lastConnection time.Time

	handler   *Handler
	heartbeat *time.Timer

	clock func() time.Time
}

func newDescriptor(queueID string, opts Options, clock func() time.Time) *ClientDescriptor {
	if opts.Lifespan <= 0 {
		opts.Lifespan = DefaultQueueLifespan
	}
	if opts.Lifespan > MaxQueueLifespan {
		opts.Lifespan = MaxQueueLifespan
	}
	now := clock()
	return &ClientDescriptor{
		queueID:        queueID,
		opts:           opts,
		queue:          eventqueue.New(),
		createdAt:      now,
		lastConnection: now,
		clock:          clock,
	}
}

func (d *ClientDescriptor) QueueID() string { return d.queueID }
func (d *ClientDescriptor) UserID() int64   { return d.opts.UserID }
func (d *ClientDescriptor) RealmID() int64  { return d.opts.RealmID }

func (d *ClientDescriptor) ClientType() string           { return d.opts.ClientType }
func (d *ClientDescriptor) ApplyMarkdown() bool          { return d.opts.ApplyMarkdown }
func (d *ClientDescriptor) ClientGravatar() bool         { return d.opts.ClientGravatar }
func (d *ClientDescriptor) SlimPresence() bool           { return d.opts.SlimPresence }
func (d *ClientDescriptor) AllPublicStreams() bool       { return d.opts.AllPublicStreams }
func (d *ClientDescriptor) BulkMessageDeletion() bool    { return d.opts.BulkMessageDeletion }
func (d *ClientDescriptor) PronounsFieldSupported() bool { return d.opts.PronounsFieldSupported }
func (d *ClientDescriptor) WebReloadClient() bool        { return d.opts.WebReloadClient }

// indexUnderRealm reports whether this descriptor belongs in the realm-wide
// all-streams index: it asked for all public streams or filters messages
// with a cross-stream narrow.
func (d *ClientDescriptor) indexUnderRealm() bool {
	return d.opts.AllPublicStreams || len(d.opts.Narrow) > 0
}

// AcceptsEvent applies the descriptor's subscription filter to one event.
func (d *ClientDescriptor) AcceptsEvent(e *events.Event) bool {
	if d.opts.EventTypes != nil {
		if !slices.Contains(d.opts.EventTypes, e.Type) {
			return false
		}
		// Clients that understand user_topic would see muted-topic changes
		// twice; drop the legacy duplicate.
		if e.Type == events.TypeMutedTopics && slices.Contains(d.opts.EventTypes, events.TypeUserTopic) {
			return false
		}
	}
	switch e.Type {
	case events.TypeMessage:
		m, ok := e.Payload.(events.Message)
		if !ok {
			return false
		}
		return d.matchesNarrow(m)
	case events.TypeTyping:
		if t, ok := e.Payload.(events.Typing); ok && t.RecipientType == "stream" {
			return d.opts.StreamTypingNotifications
		}
	case events.TypeDisplaySettings, events.TypeGlobalNotifications:
		// Clients on the unified user_settings event don't want the two
		// legacy granular variants.
		if d.opts.UserSettingsObject {
			return false
		}
	}
	return true
}

// AcceptsMessages reports whether message events can reach this descriptor
// at all; a user whose descriptors all reject messages counts as offline for
// notification purposes.
func (d *ClientDescriptor) AcceptsMessages() bool {
	return d.opts.EventTypes == nil || slices.Contains(d.opts.EventTypes, events.TypeMessage)
}

func (d *ClientDescriptor) matchesNarrow(m events.Message) bool {
	for _, clause := range d.opts.Narrow {
		if !matchClause(clause[0], clause[1], m) {
			return false
		}
	}
	return true
}

func matchClause(operator, operand string, m events.Message) bool {
	msg := m.Message
	switch operator {
	case "stream", "channel":
		if msg.RecipientType != "stream" {
			return false
		}
		var streamName string
		if err := json.Unmarshal(msg.DisplayRecipient, &streamName); err != nil {
			return false
		}
		return strings.EqualFold(streamName, operand)
	case "topic":
		return strings.EqualFold(msg.Topic, operand)
	case "sender":
		return strings.EqualFold(msg.SenderEmail, operand)
	case "is":
		switch operand {
		case "dm", "private":
			return msg.RecipientType == "private"
		case "mentioned":
			return slices.Contains(m.Flags, "mentioned") || slices.Contains(m.Flags, "wildcard_mentioned")
		case "starred":
			return slices.Contains(m.Flags, "starred")
		case "alerted":
			return slices.Contains(m.Flags, "has_alert_word")
		}
	}
	return false
}

// Expired reports whether the sweep may collect this descriptor: nothing is
// attached and the idle timeout has elapsed.
func (d *ClientDescriptor) Expired(now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler == nil && now.Sub(d.lastConnection) >= d.opts.Lifespan
}

// HasHandler reports whether a long-poll handler is currently attached.
func (d *ClientDescriptor) HasHandler() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler != nil
}

// ConnectHandler attaches a handler and refreshes the connection time. If a
// handler is already attached it is finished first with an empty-but-valid
// response; a pending long-poll is never silently dropped. A single
// heartbeat is scheduled after a jittered interval so simultaneously opened
// connections don't fire in lockstep; the monitoring probe client is exempt.
//
// Callers decide whether to park by inspecting the queue outside this lock,
// so an event pushed between that check and the attach must fire the handler
// here; otherwise it would sit buffered until the heartbeat.
func (d *ClientDescriptor) ConnectHandler(h *Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if old := d.handler; old != nil {
		d.detachLocked()
		old.deliver(Response{QueueID: d.queueID, Events: []*events.Event{}})
	}
	d.handler = h
	d.lastConnection = d.clock()

	if !d.queue.Empty() {
		d.finishLocked()
		return
	}

	if !strings.EqualFold(h.clientName, HeartbeatProbeClient) {
		interval := heartbeatBaseInterval + time.Duration(rand.Int63n(int64(heartbeatJitter)))
		d.heartbeat = time.AfterFunc(interval, func() {
			d.AddEvent(events.New(events.Heartbeat{}))
		})
	}
}

// DisconnectHandler detaches the given handler if it is still the current
// one and cancels its pending heartbeat. Called when the client closes the
// connection before any event fires.
func (d *ClientDescriptor) DisconnectHandler(h *Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler != h {
		return
	}
	d.detachLocked()
	d.lastConnection = d.clock()
}

// AddEvent pushes an event into the queue and, if a handler is attached,
// immediately flushes the queue contents to it and detaches it.
func (d *ClientDescriptor) AddEvent(e *events.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.queue.Push(e)
	metrics.EventsPushedTotal.WithLabelValues(e.Type).Inc()
	if d.handler != nil {
		d.finishLocked()
	}
}

// FinishCurrentHandler flushes the queue to any attached handler and
// detaches it. Returns true if a handler was present. Cleanup relies on
// this running before registry removal: GC must never collect a descriptor
// while an in-flight response still references it.
func (d *ClientDescriptor) FinishCurrentHandler() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler == nil {
		return false
	}
	d.finishLocked()
	return true
}

func (d *ClientDescriptor) finishLocked() {
	h := d.handler
	d.detachLocked()
	h.deliver(Response{QueueID: d.queueID, Events: d.queue.Contents(false)})
}

func (d *ClientDescriptor) detachLocked() {
	d.handler = nil
	if d.heartbeat != nil {
		d.heartbeat.Stop()
		d.heartbeat = nil
	}
}

// QueueContents materializes the queue; see eventqueue.Queue.Contents.
func (d *ClientDescriptor) QueueContents(includeInternal bool) []*events.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Contents(includeInternal)
}

// PruneQueue acknowledges delivery through the given id.
func (d *ClientDescriptor) PruneQueue(throughID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.Prune(throughID)
}

// NextEventID returns the id the queue will assign next; every id ever
// handed out is strictly below it.
func (d *ClientDescriptor) NextEventID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.NextEventID()
}

// NewestPrunedID returns the queue's prune watermark (-1 if none).
func (d *ClientDescriptor) NewestPrunedID() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.NewestPrunedID()
}

// QueueEmpty reports whether the queue holds no events at all.
func (d *ClientDescriptor) QueueEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Empty()
}

type descriptorJSON struct {
	QueueID                   string           `json:"queue_id"`
	UserID                    int64            `json:"user_id"`
	RealmID                   int64            `json:"realm_id"`
	EventTypes                []string         `json:"event_types"`
	ClientType                string           `json:"client_type"`
	ApplyMarkdown             bool             `json:"apply_markdown"`
	ClientGravatar            bool             `json:"client_gravatar"`
	SlimPresence              bool             `json:"slim_presence"`
	AllPublicStreams          bool             `json:"all_public_streams"`
	BulkMessageDeletion       bool             `json:"bulk_message_deletion"`
	StreamTypingNotifications bool             `json:"stream_typing_notifications"`
	UserSettingsObject        bool             `json:"user_settings_object"`
	PronounsFieldSupported    bool             `json:"pronouns_field_type_supported"`
	WebReloadClient           bool             `json:"web_reload_client"`
	Narrow                    Narrow           `json:"narrow"`
	LifespanSecs              int64            `json:"queue_timeout_secs"`
	CreatedAt                 int64            `json:"created_at"`
	LastConnectionTime        int64            `json:"last_connection_time"`
	EventQueue                *eventqueue.Queue `json:"event_queue"`
}

// MarshalJSON serializes the descriptor (and its queue) for the restart
// dump. The attached handler, if any, is deliberately not part of the dump;
// callers finish handlers before dumping.
func (d *ClientDescriptor) MarshalJSON() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(descriptorJSON{
		QueueID:                   d.queueID,
		UserID:                    d.opts.UserID,
		RealmID:                   d.opts.RealmID,
		EventTypes:                d.opts.EventTypes,
		ClientType:                d.opts.ClientType,
		ApplyMarkdown:             d.opts.ApplyMarkdown,
		ClientGravatar:            d.opts.ClientGravatar,
		SlimPresence:              d.opts.SlimPresence,
		AllPublicStreams:          d.opts.AllPublicStreams,
		BulkMessageDeletion:       d.opts.BulkMessageDeletion,
		StreamTypingNotifications: d.opts.StreamTypingNotifications,
		UserSettingsObject:        d.opts.UserSettingsObject,
		PronounsFieldSupported:    d.opts.PronounsFieldSupported,
		WebReloadClient:           d.opts.WebReloadClient,
		Narrow:                    d.opts.Narrow,
		LifespanSecs:              int64(d.opts.Lifespan / time.Second),
		CreatedAt:                 d.createdAt.Unix(),
		LastConnectionTime:        d.lastConnection.Unix(),
		EventQueue:                d.queue,
	})
}

// UnmarshalJSON restores a dumped descriptor. Fields absent from older dump
// shapes get defaults rather than failing the record.
func (d *ClientDescriptor) UnmarshalJSON(data []byte) error {
	var j descriptorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return fmt.Errorf("decode descriptor: %w", err)
	}
	if j.QueueID == "" {
		return fmt.Errorf("descriptor record missing queue_id")
	}
	d.queueID = j.QueueID
	d.opts = Options{
		UserID:                    j.UserID,
		RealmID:                   j.RealmID,
		EventTypes:                j.EventTypes,
		ClientType:                j.ClientType,
		ApplyMarkdown:             j.ApplyMarkdown,
		ClientGravatar:            j.ClientGravatar,
		SlimPresence:              j.SlimPresence,
		AllPublicStreams:          j.AllPublicStreams,
		BulkMessageDeletion:       j.BulkMessageDeletion,
		StreamTypingNotifications: j.StreamTypingNotifications,
		UserSettingsObject:        j.UserSettingsObject,
		PronounsFieldSupported:    j.PronounsFieldSupported,
		WebReloadClient:           j.WebReloadClient,
		Narrow:                    j.Narrow,
		Lifespan:                  time.Duration(j.LifespanSecs) * time.Second,
	}
	if d.opts.Lifespan <= 0 {
		d.opts.Lifespan = DefaultQueueLifespan
	}
	if d.opts.Lifespan > MaxQueueLifespan {
		d.opts.Lifespan = MaxQueueLifespan
	}
	d.queue = j.EventQueue
	if d.queue == nil {
		d.queue = eventqueue.New()
	}
	d.createdAt = time.Unix(j.CreatedAt, 0)
	d.lastConnection = time.Unix(j.LastConnectionTime, 0)
	if d.clock == nil {
		d.clock = time.Now
	}
	return nil
}
