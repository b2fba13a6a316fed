// Package notify decides, per (message, recipient), whether an offline push
// or email notification job must be enqueued to the external work queue.
// The decision itself is pure; the engine adds queue publishing and the
// last-chance evaluation that runs when a user's final queue is collected.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/chatrelay/chatrelay/internal/events"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/registry"
	"github.com/chatrelay/chatrelay/internal/workqueue"
)

// Work queue names consumed by the notification workers.
const (
	QueuePushNotifications  = "missedmessage_mobile_notifications"
	QueueEmailNotifications = "missedmessage_emails"
)

// Notification triggers, in decreasing precedence.
const (
	TriggerDirectMessage                        = "direct_message"
	TriggerMention                              = "mentioned"
	TriggerTopicWildcardMentionInFollowedTopic  = "topic_wildcard_mentioned_in_followed_topic"
	TriggerStreamWildcardMentionInFollowedTopic = "stream_wildcard_mentioned_in_followed_topic"
	TriggerTopicWildcardMention                 = "topic_wildcard_mentioned"
	TriggerStreamWildcardMention                = "stream_wildcard_mentioned"
	TriggerFollowedTopicPush                    = "followed_topic_push_notify"
	TriggerFollowedTopicEmail                   = "followed_topic_email_notify"
	TriggerStreamPush                           = "stream_push_notify"
	TriggerStreamEmail                          = "stream_email_notify"
)

// UserData is the capability record for one recipient of one message: every
// boolean input the decision needs, computed upstream where the user's
// settings and subscriptions live.
type UserData struct {
	UserID int64    `json:"id"`
	Flags  []string `json:"flags"`

	DMPushNotify       bool `json:"dm_push_notify"`
	DMEmailNotify      bool `json:"dm_email_notify"`
	MentionPushNotify  bool `json:"mention_push_notify"`
	MentionEmailNotify bool `json:"mention_email_notify"`

	TopicWildcardMentionPushNotify   bool `json:"topic_wildcard_mention_push_notify"`
	TopicWildcardMentionEmailNotify  bool `json:"topic_wildcard_mention_email_notify"`
	StreamWildcardMentionPushNotify  bool `json:"stream_wildcard_mention_push_notify"`
	StreamWildcardMentionEmailNotify bool `json:"stream_wildcard_mention_email_notify"`

	TopicWildcardMentionInFollowedTopicPushNotify   bool `json:"topic_wildcard_mention_in_followed_topic_push_notify"`
	TopicWildcardMentionInFollowedTopicEmailNotify  bool `json:"topic_wildcard_mention_in_followed_topic_email_notify"`
	StreamWildcardMentionInFollowedTopicPushNotify  bool `json:"stream_wildcard_mention_in_followed_topic_push_notify"`
	StreamWildcardMentionInFollowedTopicEmailNotify bool `json:"stream_wildcard_mention_in_followed_topic_email_notify"`

	FollowedTopicPushNotify  bool `json:"followed_topic_push_notify"`
	FollowedTopicEmailNotify bool `json:"followed_topic_email_notify"`
	StreamPushNotify         bool `json:"stream_push_notify"`
	StreamEmailNotify        bool `json:"stream_email_notify"`

	SenderIsMuted     bool `json:"sender_is_muted"`
	OnlinePushEnabled bool `json:"online_push_enabled"`
}

// PushTrigger returns the reason a push notification fires, or "" for none.
// acked means a push for this (message, recipient) was already recorded.
func (d UserData) PushTrigger(acked, idle bool) string {
	if acked || d.SenderIsMuted {
		return ""
	}
	if !idle && !d.OnlinePushEnabled {
		return ""
	}
	switch {
	case d.DMPushNotify:
		return TriggerDirectMessage
	case d.MentionPushNotify:
		return TriggerMention
	case d.TopicWildcardMentionInFollowedTopicPushNotify:
		return TriggerTopicWildcardMentionInFollowedTopic
	case d.StreamWildcardMentionInFollowedTopicPushNotify:
		return TriggerStreamWildcardMentionInFollowedTopic
	case d.TopicWildcardMentionPushNotify:
		return TriggerTopicWildcardMention
	case d.StreamWildcardMentionPushNotify:
		return TriggerStreamWildcardMention
	case d.FollowedTopicPushNotify:
		return TriggerFollowedTopicPush
	case d.StreamPushNotify:
		return TriggerStreamPush
	}
	return ""
}

// EmailTrigger returns the reason an email notification fires, or "" for
// none. Emails only ever go to idle recipients.
func (d UserData) EmailTrigger(acked, idle bool) string {
	if acked || d.SenderIsMuted || !idle {
		return ""
	}
	switch {
	case d.DMEmailNotify:
		return TriggerDirectMessage
	case d.MentionEmailNotify:
		return TriggerMention
	case d.TopicWildcardMentionInFollowedTopicEmailNotify:
		return TriggerTopicWildcardMentionInFollowedTopic
	case d.StreamWildcardMentionInFollowedTopicEmailNotify:
		return TriggerStreamWildcardMentionInFollowedTopic
	case d.TopicWildcardMentionEmailNotify:
		return TriggerTopicWildcardMention
	case d.StreamWildcardMentionEmailNotify:
		return TriggerStreamWildcardMention
	case d.FollowedTopicEmailNotify:
		return TriggerFollowedTopicEmail
	case d.StreamEmailNotify:
		return TriggerStreamEmail
	}
	return ""
}

// Internal is the server-side bookkeeping stored in a message event's
// internal_data field: the recipient's capability record plus whether each
// channel has already fired for this message. It never reaches clients.
type Internal struct {
	UserData             UserData `json:"user_notifications_data"`
	PushNotified         bool     `json:"push_notified"`
	EmailNotified        bool     `json:"email_notified"`
	MentionedUserGroupID *int64   `json:"mentioned_user_group_id,omitempty"`
}

// EncodeInternal serializes bookkeeping for embedding in a message event.
func EncodeInternal(i Internal) json.RawMessage {
	data, err := json.Marshal(i)
	if err != nil {
		return nil
	}
	return data
}

// DecodeInternal parses bookkeeping out of a message event; ok is false when
// the event carries none.
func DecodeInternal(raw json.RawMessage) (Internal, bool) {
	var i Internal
	if len(raw) == 0 {
		return i, false
	}
	if err := json.Unmarshal(raw, &i); err != nil {
		return i, false
	}
	return i, true
}

// Result reports what one evaluation enqueued.
type Result struct {
	PushSent     bool
	EmailSent    bool
	PushTrigger  string
	EmailTrigger string
}

// Engine evaluates notification eligibility and publishes jobs.
type Engine struct {
	queue    workqueue.Publisher
	registry *registry.Registry
	log      *slog.Logger
}

// NewEngine wires the engine to the work queue and the registry it consults
// for liveness.
func NewEngine(queue workqueue.Publisher, reg *registry.Registry, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{queue: queue, registry: reg, log: log}
}

// UserIsIdle reports whether the recipient counts as idle: no live
// message-accepting descriptor, or present in the caller-supplied
// presence-idle set.
func (e *Engine) UserIsIdle(userID int64, presenceIdle map[int64]bool) bool {
	if presenceIdle[userID] {
		return true
	}
	return !e.registry.HasMessageAcceptingQueues(userID)
}

// MaybeEnqueue evaluates both channels independently for a newly sent
// message and publishes at most one job per channel. ackedPush/ackedEmail
// carry bookkeeping from earlier passes so replays never double-enqueue.
func (e *Engine) MaybeEnqueue(ctx context.Context, d UserData, messageID int64, ackedPush, ackedEmail, idle bool, mentionedUserGroupID *int64) Result {
	var res Result
	if trigger := d.PushTrigger(ackedPush, idle); trigger != "" {
		if err := e.publish(ctx, QueuePushNotifications, d.UserID, messageID, trigger, mentionedUserGroupID); err == nil {
			res.PushSent = true
			res.PushTrigger = trigger
		}
	}
	if trigger := d.EmailTrigger(ackedEmail, idle); trigger != "" {
		if err := e.publish(ctx, QueueEmailNotifications, d.UserID, messageID, trigger, mentionedUserGroupID); err == nil {
			res.EmailSent = true
			res.EmailTrigger = trigger
		}
	}
	return res
}

// MaybeEnqueueForEdit is the edit-time variant: direct messages never
// re-notify (the original send already did), and a recipient who was already
// mentioned before the edit is not re-notified for the same mention.
func (e *Engine) MaybeEnqueueForEdit(ctx context.Context, d UserData, messageID int64, isDirectMessage, priorMentioned, ackedPush, ackedEmail, idle bool) Result {
	if isDirectMessage || priorMentioned {
		return Result{}
	}
	return e.MaybeEnqueue(ctx, d, messageID, ackedPush, ackedEmail, idle, nil)
}

func (e *Engine) publish(ctx context.Context, queue string, userID, messageID int64, trigger string, mentionedUserGroupID *int64) error {
	payload := map[string]any{
		"user_profile_id": userID,
		"message_id":      messageID,
		"trigger":         trigger,
	}
	if mentionedUserGroupID != nil {
		payload["mentioned_user_group_id"] = *mentionedUserGroupID
	}
	if err := e.queue.Enqueue(ctx, queue, payload); err != nil {
		e.log.Error("enqueue notification job",
			slog.String("queue", queue),
			slog.Int64("user_id", userID),
			slog.Int64("message_id", messageID),
			slog.Any("error", err))
		return err
	}
	channel := "push"
	if queue == QueueEmailNotifications {
		channel = "email"
	}
	metrics.NotificationsEnqueuedTotal.WithLabelValues(channel).Inc()
	return nil
}

// MissedMessageGCHook is registered with the registry. When the sweep
// collects a user's last message-accepting queue, any message events still
// buffered get a final notification evaluation with the user treated as
// idle. It is the last chance to hear about the message.
func (e *Engine) MissedMessageGCHook(userID int64, d *registry.ClientDescriptor, lastForUser bool) {
	if !lastForUser || !d.AcceptsMessages() {
		return
	}
	ctx := context.Background()
	for _, ev := range d.QueueContents(true) {
		m, ok := ev.Payload.(events.Message)
		if !ok {
			continue
		}
		internal, ok := DecodeInternal(m.Internal)
		if !ok {
			continue
		}
		e.MaybeEnqueue(ctx, internal.UserData, m.Message.MessageID,
			internal.PushNotified, internal.EmailNotified, true,
			internal.MentionedUserGroupID)
	}
}
