// Package dispatch fans incoming events out to the client event queues on
// this shard. Message events additionally get per-client capability
// transforms (markdown vs raw content, gravatar elision) and drive the
// offline notification decision for each recipient.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/chatrelay/chatrelay/internal/events"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/notify"
	"github.com/chatrelay/chatrelay/internal/registry"
)

// MessageEvent is the input for a freshly sent message: the canonical message
// body plus per-recipient capability records computed where user settings
// live.
type MessageEvent struct {
	Message         events.MessageData `json:"message"`
	RenderedContent string             `json:"rendered_content"`
	RealmID         int64              `json:"realm_id"`
	SendingClient   string             `json:"sending_client"`

	// InviteOnly marks a message sent to an invite-only stream; such
	// messages go to explicit recipients only, never the realm-wide index.
	InviteOnly bool `json:"invite_only"`

	// Users carries one capability record per explicit recipient.
	Users []notify.UserData `json:"users"`

	// PresenceIdleUserIDs lists recipients whose presence data says they are
	// away even if they still hold live queues.
	PresenceIdleUserIDs []int64 `json:"presence_idle_user_ids,omitempty"`

	// SenderAvatarFromGravatar is true when the sender has no uploaded
	// avatar, so clients that asked for client_gravatar can compute the URL
	// themselves and the payload omits it.
	SenderAvatarFromGravatar bool `json:"sender_avatar_from_gravatar"`

	MentionedUserGroupID *int64 `json:"mentioned_user_group_id,omitempty"`
}

// UpdateMessageEvent is the input for a message edit.
type UpdateMessageEvent struct {
	Update  events.UpdateMessage `json:"update"`
	RealmID int64                `json:"realm_id"`

	// UserIDs lists everyone who should see the edit event.
	UserIDs []int64 `json:"user_ids"`

	// Users carries capability records for recipients whose notifiability the
	// edit may have changed, e.g. a mention added by the edit.
	Users []notify.UserData `json:"users,omitempty"`

	// PriorMentionedUserIDs lists recipients already mentioned before the
	// edit; they are never re-notified for the same mention.
	PriorMentionedUserIDs []int64 `json:"prior_mentioned_user_ids,omitempty"`

	PresenceIdleUserIDs []int64 `json:"presence_idle_user_ids,omitempty"`
	IsDirectMessage     bool    `json:"is_direct_message"`
}

// DeleteMessageEvent is the input for a message deletion.
type DeleteMessageEvent struct {
	MessageIDs    []int64 `json:"message_ids"`
	UserIDs       []int64 `json:"user_ids"`
	RecipientType string  `json:"message_type"`
	StreamID      int64   `json:"stream_id,omitempty"`
	Topic         string  `json:"topic,omitempty"`
}

// Dispatcher routes events to descriptors and consults the notification
// engine for message traffic.
type Dispatcher struct {
	registry *registry.Registry
	notify   *notify.Engine
	log      *slog.Logger

	// htmlPolicy scrubs rendered message HTML before it is handed to
	// markdown-consuming clients.
	htmlPolicy *bluemonday.Policy
}

// New returns a dispatcher bound to the shard's registry and notification
// engine.
func New(reg *registry.Registry, engine *notify.Engine, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry:   reg,
		notify:     engine,
		log:        log,
		htmlPolicy: bluemonday.UGCPolicy(),
	}
}

// messageVariantKey indexes the per-capability payload cache: every client
// with the same pair gets a byte-identical message body.
type messageVariantKey struct {
	applyMarkdown  bool
	clientGravatar bool
}

// ProcessMessageEvent delivers a new message to every eligible queue on this
// shard and enqueues offline notification jobs. Each explicit recipient is
// evaluated for notifications exactly once, regardless of how many queues
// they hold; the verdict is embedded in the queued event so later passes
// (including the GC hook) never double-notify.
func (dp *Dispatcher) ProcessMessageEvent(ctx context.Context, ev MessageEvent) {
	idleSet := make(map[int64]bool, len(ev.PresenceIdleUserIDs))
	for _, id := range ev.PresenceIdleUserIDs {
		idleSet[id] = true
	}

	variants := make(map[messageVariantKey]events.MessageData)

	for _, user := range ev.Users {
		idle := dp.notify.UserIsIdle(user.UserID, idleSet)
		res := dp.notify.MaybeEnqueue(ctx, user, ev.Message.MessageID,
			false, false, idle, ev.MentionedUserGroupID)

		internal := notify.EncodeInternal(notify.Internal{
			UserData:             user,
			PushNotified:         res.PushSent,
			EmailNotified:        res.EmailSent,
			MentionedUserGroupID: ev.MentionedUserGroupID,
		})

		for _, d := range dp.registry.ForUser(user.UserID) {
			dp.deliverMessage(d, ev, variants, user.Flags, internal)
		}
	}

	// Queues that asked for all public stream traffic get the message too,
	// without recipient flags or notification bookkeeping. Invite-only
	// streams are not public: their traffic stays with explicit recipients.
	if ev.Message.RecipientType == "stream" && !ev.InviteOnly {
		explicit := make(map[int64]bool, len(ev.Users))
		for _, u := range ev.Users {
			explicit[u.UserID] = true
		}
		for _, d := range dp.registry.AllStreamsForRealm(ev.RealmID) {
			if explicit[d.UserID()] {
				continue
			}
			dp.deliverMessage(d, ev, variants, []string{}, nil)
		}
	}
}

func (dp *Dispatcher) deliverMessage(d *registry.ClientDescriptor, ev MessageEvent, variants map[messageVariantKey]events.MessageData, flags []string, internal []byte) {
	defer dp.recoverDelivery(d)

	// A mirroring client must not see its own messages echoed back, or it
	// would forward them again.
	sending := strings.ToLower(ev.SendingClient)
	if strings.HasSuffix(sending, "_mirror") && strings.EqualFold(ev.SendingClient, d.ClientType()) {
		return
	}

	key := messageVariantKey{applyMarkdown: d.ApplyMarkdown(), clientGravatar: d.ClientGravatar()}
	msg, ok := variants[key]
	if !ok {
		msg = dp.messageVariant(ev, key)
		variants[key] = msg
	}

	e := events.New(events.Message{
		Message:  msg,
		Flags:    flags,
		Internal: internal,
	})
	if !d.AcceptsEvent(e) {
		return
	}
	d.AddEvent(e)
}

// messageVariant builds the message body for one capability pair.
func (dp *Dispatcher) messageVariant(ev MessageEvent, key messageVariantKey) events.MessageData {
	msg := ev.Message
	if key.applyMarkdown {
		msg.Content = dp.htmlPolicy.Sanitize(ev.RenderedContent)
		msg.ContentType = "text/html"
	} else {
		msg.ContentType = "text/x-markdown"
	}
	if key.clientGravatar && ev.SenderAvatarFromGravatar {
		msg.AvatarURL = nil
	}
	return msg
}

// ProcessUpdateMessageEvent delivers an edit to every listed recipient and
// re-runs the notification decision only for recipients the edit made newly
// notifiable. Rendering-only edits (link previews and similar) never notify.
func (dp *Dispatcher) ProcessUpdateMessageEvent(ctx context.Context, ev UpdateMessageEvent) {
	for _, userID := range ev.UserIDs {
		for _, d := range dp.registry.ForUser(userID) {
			dp.deliverClone(d, events.New(ev.Update))
		}
	}

	if ev.Update.RenderingOnly {
		return
	}
	idleSet := make(map[int64]bool, len(ev.PresenceIdleUserIDs))
	for _, id := range ev.PresenceIdleUserIDs {
		idleSet[id] = true
	}
	prior := make(map[int64]bool, len(ev.PriorMentionedUserIDs))
	for _, id := range ev.PriorMentionedUserIDs {
		prior[id] = true
	}
	for _, user := range ev.Users {
		idle := dp.notify.UserIsIdle(user.UserID, idleSet)
		dp.notify.MaybeEnqueueForEdit(ctx, user, ev.Update.MessageID,
			ev.IsDirectMessage, prior[user.UserID], false, false, idle)
	}
}

// ProcessDeleteMessageEvent delivers deletions, batching for clients that
// declared bulk support and falling back to one event per message id for the
// rest.
func (dp *Dispatcher) ProcessDeleteMessageEvent(ev DeleteMessageEvent) {
	for _, userID := range ev.UserIDs {
		for _, d := range dp.registry.ForUser(userID) {
			if d.BulkMessageDeletion() {
				dp.deliverClone(d, events.New(events.DeleteMessage{
					MessageIDs:    ev.MessageIDs,
					RecipientType: ev.RecipientType,
					StreamID:      ev.StreamID,
					Topic:         ev.Topic,
				}))
				continue
			}
			for _, id := range ev.MessageIDs {
				dp.deliverClone(d, events.New(events.DeleteMessage{
					MessageID:     id,
					RecipientType: ev.RecipientType,
					StreamID:      ev.StreamID,
					Topic:         ev.Topic,
				}))
			}
		}
	}
}

// ProcessPresenceEvent delivers a presence update. Slim-presence clients get
// the compact form with the legacy email field dropped.
func (dp *Dispatcher) ProcessPresenceEvent(p events.Presence, userIDs []int64) {
	slim := p
	slim.Email = ""
	for _, userID := range userIDs {
		for _, d := range dp.registry.ForUser(userID) {
			if d.SlimPresence() {
				dp.deliverClone(d, events.New(slim))
			} else {
				dp.deliverClone(d, events.New(p))
			}
		}
	}
}

// ProcessCustomProfileFields delivers the realm's profile field definitions,
// downgrading the pronouns field type to short text for clients that predate
// it.
func (dp *Dispatcher) ProcessCustomProfileFields(fields []events.ProfileField, userIDs []int64) {
	downgraded := make([]events.ProfileField, len(fields))
	copy(downgraded, fields)
	for i := range downgraded {
		if downgraded[i].FieldType == events.ProfileFieldPronouns {
			downgraded[i].FieldType = events.ProfileFieldShortText
		}
	}
	for _, userID := range userIDs {
		for _, d := range dp.registry.ForUser(userID) {
			f := fields
			if !d.PronounsFieldSupported() {
				f = downgraded
			}
			dp.deliverClone(d, events.New(events.CustomProfileFields{Fields: f}))
		}
	}
}

// ProcessEvent is the generic fan-out path for event kinds that need no
// per-client transform: typing, settings updates, realm_user changes and any
// forward-compatible kind carried as a Generic payload.
func (dp *Dispatcher) ProcessEvent(e *events.Event, userIDs []int64) {
	for _, userID := range userIDs {
		for _, d := range dp.registry.ForUser(userID) {
			dp.deliverClone(d, e)
		}
	}
}

// deliverClone hands one event to one descriptor. The envelope is copied per
// queue because each queue assigns its own event id; the payload is shared
// and treated as immutable.
func (dp *Dispatcher) deliverClone(d *registry.ClientDescriptor, e *events.Event) {
	defer dp.recoverDelivery(d)
	if !d.AcceptsEvent(e) {
		return
	}
	clone := *e
	d.AddEvent(&clone)
}

// recoverDelivery isolates per-client failures: one malformed descriptor or
// payload must not stop the fan-out to everyone else.
func (dp *Dispatcher) recoverDelivery(d *registry.ClientDescriptor) {
	if r := recover(); r != nil {
		metrics.TransformFailuresTotal.Inc()
		dp.log.Error("event delivery panicked",
			slog.String("queue_id", d.QueueID()),
			slog.Int64("user_id", d.UserID()),
			slog.Any("panic", r))
	}
}
