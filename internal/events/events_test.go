package events

import (
	"encoding/json"
	"testing"
)

func TestMessageEventWireShape(t *testing.T) {
	e := New(Message{
		Message: MessageData{MessageID: 42, RecipientType: "stream", Content: "hi"},
		Flags:   []string{"mentioned"},
	})
	e.ID = 7

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var flat map[string]any
	if err := json.Unmarshal(data, &flat); err != nil {
		t.Fatal(err)
	}
	// The envelope flattens onto the payload object.
	if flat["id"] != float64(7) || flat["type"] != "message" {
		t.Fatalf("wire shape = %v", flat)
	}
	if _, nested := flat["payload"]; nested {
		t.Fatal("payload must not be nested on the wire")
	}
	msg, ok := flat["message"].(map[string]any)
	if !ok || msg["id"] != float64(42) {
		t.Fatalf("message body = %v", flat["message"])
	}
}

func TestRoundTripTypedPayload(t *testing.T) {
	e := New(MessageFlags{Op: "add", Flag: "read", Messages: []int64{1, 2}})
	e.ID = 3

	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != 3 || back.Type != TypeMessageFlags {
		t.Fatalf("envelope = %+v", back)
	}
	p, ok := back.Payload.(MessageFlags)
	if !ok || p.Op != "add" || p.Flag != "read" || len(p.Messages) != 2 {
		t.Fatalf("payload = %#v", back.Payload)
	}
}

func TestUnknownKindSurvivesAsGeneric(t *testing.T) {
	wire := []byte(`{"id":5,"type":"realm_emoji","op":"update","realm_emoji":{"smile":{}}}`)

	var e Event
	if err := json.Unmarshal(wire, &e); err != nil {
		t.Fatal(err)
	}
	g, ok := e.Payload.(Generic)
	if !ok {
		t.Fatalf("payload = %#v", e.Payload)
	}
	if g.EventType != "realm_emoji" || g.Fields["op"] != "update" {
		t.Fatalf("generic = %+v", g)
	}

	// Re-serializing keeps the unknown fields intact.
	out, err := json.Marshal(&e)
	if err != nil {
		t.Fatal(err)
	}
	var flat map[string]any
	if err := json.Unmarshal(out, &flat); err != nil {
		t.Fatal(err)
	}
	if flat["type"] != "realm_emoji" || flat["op"] != "update" {
		t.Fatalf("round trip lost fields: %v", flat)
	}
	if _, ok := flat["realm_emoji"]; !ok {
		t.Fatal("nested unknown field dropped")
	}
}

func TestStripInternal(t *testing.T) {
	e := New(Message{
		Message:  MessageData{MessageID: 1, RecipientType: "private"},
		Flags:    []string{},
		Internal: json.RawMessage(`{"user_notifications_data":{"id":9}}`),
	})

	stripped := e.StripInternal()
	if m := stripped.Payload.(Message); m.Internal != nil {
		t.Fatal("internal_data survived stripping")
	}
	// The original keeps its bookkeeping for later passes.
	if m := e.Payload.(Message); m.Internal == nil {
		t.Fatal("stripping mutated the original event")
	}
}
