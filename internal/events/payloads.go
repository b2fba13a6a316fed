package events

import "encoding/json"

// MessageData is the message object embedded in a message event. The fields
// mirror the shape owned by the message store; this core only reads the few
// it needs for narrow filtering and capability transforms.
type MessageData struct {
	MessageID        int64           `json:"id"`
	SenderID         int64           `json:"sender_id"`
	SenderEmail      string          `json:"sender_email,omitempty"`
	SenderFullName   string          `json:"sender_full_name,omitempty"`
	RecipientType    string          `json:"type"` // "stream" or "private"
	StreamID         int64           `json:"stream_id,omitempty"`
	DisplayRecipient json.RawMessage `json:"display_recipient,omitempty"`
	Topic            string          `json:"subject,omitempty"`
	Timestamp        int64           `json:"timestamp"`
	Content          string          `json:"content"`
	ContentType      string          `json:"content_type,omitempty"`
	AvatarURL        *string         `json:"avatar_url"`
	Client           string          `json:"client,omitempty"`
}

// Message is the per-queue rendering of a new message. Flags are
// recipient-specific; Internal carries notification bookkeeping that must
// never reach a client (see Event.StripInternal).
type Message struct {
	Message  MessageData     `json:"message"`
	Flags    []string        `json:"flags"`
	Internal json.RawMessage `json:"internal_data,omitempty"`
}

func (Message) payloadType() string { return TypeMessage }

// UpdateMessage notifies clients that an existing message changed.
type UpdateMessage struct {
	MessageID     int64    `json:"message_id"`
	MessageIDs    []int64  `json:"message_ids,omitempty"`
	UserID        *int64   `json:"user_id"`
	RenderingOnly bool     `json:"rendering_only"`
	Orig          string   `json:"orig_content,omitempty"`
	Content       string   `json:"content,omitempty"`
	RenderedHTML  string   `json:"rendered_content,omitempty"`
	Flags         []string `json:"flags"`
}

func (UpdateMessage) payloadType() string { return TypeUpdateMessage }

// DeleteMessage notifies clients that messages were removed. Clients that
// declared bulk support receive one event with MessageIDs; legacy clients get
// one event per id with MessageID set instead.
type DeleteMessage struct {
	MessageIDs    []int64 `json:"message_ids,omitempty"`
	MessageID     int64   `json:"message_id,omitempty"`
	RecipientType string  `json:"message_type"`
	StreamID      int64   `json:"stream_id,omitempty"`
	Topic         string  `json:"topic,omitempty"`
}

func (DeleteMessage) payloadType() string { return TypeDeleteMessage }

// Presence reports a user's connection status. Slim-presence clients receive
// the same struct with the legacy Email field cleared.
type Presence struct {
	UserID          int64           `json:"user_id"`
	Email           string          `json:"email,omitempty"`
	ServerTimestamp float64         `json:"server_timestamp"`
	Presence        json.RawMessage `json:"presence"`
}

func (Presence) payloadType() string { return TypePresence }

// Typing reports typing start/stop in a direct conversation or a stream
// topic. Stream-scoped typing is only delivered to descriptors that opted in.
type Typing struct {
	Op            string          `json:"op"` // "start" or "stop"
	RecipientType string          `json:"message_type"`
	Sender        json.RawMessage `json:"sender"`
	Recipients    json.RawMessage `json:"recipients,omitempty"`
	StreamID      int64           `json:"stream_id,omitempty"`
	Topic         string          `json:"topic,omitempty"`
}

func (Typing) payloadType() string { return TypeTyping }

// MessageFlags is an incremental read/star/collapse flag change. These are
// emitted at high frequency during scroll-driven read marking and are
// compressed inside the event queue, except for the remove/read subtype which
// carries per-message detail.
type MessageFlags struct {
	Op             string          `json:"op"` // "add" or "remove"
	Flag           string          `json:"flag"`
	Messages       []int64         `json:"messages"`
	All            bool            `json:"all"`
	MessageDetails json.RawMessage `json:"message_details,omitempty"`
}

func (MessageFlags) payloadType() string { return TypeMessageFlags }

// Custom profile field type codes, as stored by the user store.
const (
	ProfileFieldShortText = 1
	ProfileFieldPronouns  = 8
)

// ProfileField is one realm-level custom profile field definition.
type ProfileField struct {
	FieldID   int64  `json:"id"`
	FieldType int    `json:"type"`
	Name      string `json:"name"`
	Hint      string `json:"hint,omitempty"`
	FieldData string `json:"field_data,omitempty"`
	Order     int    `json:"order"`
}

// CustomProfileFields announces the realm's profile field definitions.
type CustomProfileFields struct {
	Fields []ProfileField `json:"fields"`
}

func (CustomProfileFields) payloadType() string { return TypeCustomProfileFields }

// Heartbeat keeps a long-poll connection distinguishable from a dead one.
type Heartbeat struct{}

func (Heartbeat) payloadType() string { return TypeHeartbeat }

// Restart asks API clients to re-register after a server deploy.
type Restart struct {
	ServerGeneration int64 `json:"server_generation,omitempty"`
	Immediate        bool  `json:"immediate"`
}

func (Restart) payloadType() string { return TypeRestart }

// WebReload asks web clients to reload the page after a server deploy.
type WebReload struct {
	Immediate bool `json:"immediate"`
}

func (WebReload) payloadType() string { return TypeWebReload }

// Generic carries the payload of an event kind this package has no dedicated
// struct for: settings updates, realm_user adds, muted_topics and anything a
// newer build may have persisted.
type Generic struct {
	EventType string
	Fields    map[string]any
}

func (g Generic) payloadType() string { return g.EventType }

// MarshalJSON emits only the payload fields; the envelope adds id and type.
func (g Generic) MarshalJSON() ([]byte, error) {
	if g.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(g.Fields)
}
