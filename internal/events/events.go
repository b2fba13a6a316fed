// Package events defines the wire-level event model shared by the event
// queue, the dispatcher and the long-poll bridge.
//
// Every event delivered to a client is a flat JSON object carrying a
// queue-local "id" and a "type" discriminator next to its payload fields.
// Internally events are a tagged union: the envelope holds the id and type,
// and the payload is a typed struct per known kind. Unknown kinds decode into
// a Generic payload so that queues persisted by a newer build still load.
package events

import (
	"encoding/json"
	"fmt"
)

// Event type discriminators.
const (
	TypeMessage             = "message"
	TypeUpdateMessage       = "update_message"
	TypeDeleteMessage       = "delete_message"
	TypePresence            = "presence"
	TypeTyping              = "typing"
	TypeMessageFlags        = "update_message_flags"
	TypeMutedTopics         = "muted_topics"
	TypeUserTopic           = "user_topic"
	TypeUserSettings        = "user_settings"
	TypeDisplaySettings     = "update_display_settings"
	TypeGlobalNotifications = "update_global_notifications"
	TypeCustomProfileFields = "custom_profile_fields"
	TypeRealmUser           = "realm_user"
	TypeHeartbeat           = "heartbeat"
	TypeRestart             = "restart"
	TypeWebReload           = "web_reload_client"
)

// Event is the envelope shared by all event kinds. The ID is queue-local and
// assigned at push time; an Event that has not been pushed yet has ID -1.
type Event struct {
	ID      int64
	Type    string
	Payload Payload
}

// Payload is implemented by every event payload type in this package.
type Payload interface {
	payloadType() string
}

// New wraps a payload in an unassigned envelope.
func New(p Payload) *Event {
	return &Event{ID: -1, Type: p.payloadType(), Payload: p}
}

// NewGeneric wraps free-form payload fields under the given event type.
func NewGeneric(eventType string, fields map[string]any) *Event {
	return New(Generic{EventType: eventType, Fields: fields})
}

// MarshalJSON flattens the envelope and payload into one JSON object, the
// shape clients receive on the wire.
func (e *Event) MarshalJSON() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("flatten %s payload: %w", e.Type, err)
	}
	id, _ := json.Marshal(e.ID)
	typ, _ := json.Marshal(e.Type)
	flat["id"] = id
	flat["type"] = typ
	return json.Marshal(flat)
}

// UnmarshalJSON decodes a flat wire object back into a typed envelope.
// Unknown types land in a Generic payload rather than failing, so a queue
// dump written by a newer server still loads.
func (e *Event) UnmarshalJSON(data []byte) error {
	var probe struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}
	e.ID = probe.ID
	e.Type = probe.Type

	p := emptyPayload(probe.Type)
	if p == nil {
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("decode %s event: %w", probe.Type, err)
		}
		delete(fields, "id")
		delete(fields, "type")
		e.Payload = Generic{EventType: probe.Type, Fields: fields}
		return nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("decode %s event: %w", probe.Type, err)
	}
	e.Payload = deref(p)
	return nil
}

// emptyPayload returns a pointer to a zero payload for known typed kinds,
// or nil for kinds that decode generically.
func emptyPayload(typ string) any {
	switch typ {
	case TypeMessage:
		return &Message{}
	case TypeUpdateMessage:
		return &UpdateMessage{}
	case TypeDeleteMessage:
		return &DeleteMessage{}
	case TypePresence:
		return &Presence{}
	case TypeTyping:
		return &Typing{}
	case TypeMessageFlags:
		return &MessageFlags{}
	case TypeCustomProfileFields:
		return &CustomProfileFields{}
	case TypeHeartbeat:
		return &Heartbeat{}
	case TypeRestart:
		return &Restart{}
	case TypeWebReload:
		return &WebReload{}
	default:
		return nil
	}
}

func deref(p any) Payload {
	switch v := p.(type) {
	case *Message:
		return *v
	case *UpdateMessage:
		return *v
	case *DeleteMessage:
		return *v
	case *Presence:
		return *v
	case *Typing:
		return *v
	case *MessageFlags:
		return *v
	case *CustomProfileFields:
		return *v
	case *Heartbeat:
		return *v
	case *Restart:
		return *v
	case *WebReload:
		return *v
	}
	return nil
}

// StripInternal returns the event as delivered to clients: message events
// lose their server-side notification bookkeeping, everything else passes
// through unchanged.
func (e *Event) StripInternal() *Event {
	m, ok := e.Payload.(Message)
	if !ok || len(m.Internal) == 0 {
		return e
	}
	m.Internal = nil
	return &Event{ID: e.ID, Type: e.Type, Payload: m}
}
