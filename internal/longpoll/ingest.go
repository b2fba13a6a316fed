package longpoll

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatrelay/chatrelay/internal/dispatch"
	"github.com/chatrelay/chatrelay/internal/events"
	"github.com/chatrelay/chatrelay/internal/logger"
)

// IngestRequest is one event posted by an application server for fan-out.
// The message family gets dedicated shapes because those carry per-recipient
// data; everything else arrives as a raw event object plus the target users.
type IngestRequest struct {
	Type string `json:"type"`

	Message       *dispatch.MessageEvent       `json:"message,omitempty"`
	UpdateMessage *dispatch.UpdateMessageEvent `json:"update_message,omitempty"`
	DeleteMessage *dispatch.DeleteMessageEvent `json:"delete_message,omitempty"`

	Presence      *events.Presence      `json:"presence,omitempty"`
	ProfileFields []events.ProfileField `json:"profile_fields,omitempty"`
	Event         json.RawMessage       `json:"event,omitempty"`
	UserIDs       []int64               `json:"user_ids,omitempty"`
}

// IngestHandler receives events from the application servers and hands them
// to the dispatcher. It listens on the internal surface only; the proxy never
// routes external traffic here.
type IngestHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewIngestHandler creates an IngestHandler bound to the dispatcher.
func NewIngestHandler(dp *dispatch.Dispatcher, logger *slog.Logger) *IngestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestHandler{dispatcher: dp, logger: logger}
}

// Notify handles POST /api/internal/events
func (h *IngestHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeIngestError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	switch req.Type {
	case events.TypeMessage:
		if req.Message == nil {
			writeIngestError(w, http.StatusBadRequest, "message payload is required")
			return
		}
		h.dispatcher.ProcessMessageEvent(r.Context(), *req.Message)
	case events.TypeUpdateMessage:
		if req.UpdateMessage == nil {
			writeIngestError(w, http.StatusBadRequest, "update_message payload is required")
			return
		}
		h.dispatcher.ProcessUpdateMessageEvent(r.Context(), *req.UpdateMessage)
	case events.TypeDeleteMessage:
		if req.DeleteMessage == nil {
			writeIngestError(w, http.StatusBadRequest, "delete_message payload is required")
			return
		}
		h.dispatcher.ProcessDeleteMessageEvent(*req.DeleteMessage)
	case events.TypePresence:
		if req.Presence == nil {
			writeIngestError(w, http.StatusBadRequest, "presence payload is required")
			return
		}
		h.dispatcher.ProcessPresenceEvent(*req.Presence, req.UserIDs)
	case events.TypeCustomProfileFields:
		h.dispatcher.ProcessCustomProfileFields(req.ProfileFields, req.UserIDs)
	default:
		if len(req.Event) == 0 {
			writeIngestError(w, http.StatusBadRequest, "event payload is required")
			return
		}
		var e events.Event
		if err := json.Unmarshal(withType(req.Event, req.Type), &e); err != nil {
			logger.WithCorrelationID(r.Context(), h.logger).Warn("undecodable ingested event",
				slog.String("event_type", req.Type),
				slog.Any("error", err))
			writeIngestError(w, http.StatusBadRequest, "Undecodable event payload")
			return
		}
		h.dispatcher.ProcessEvent(&e, req.UserIDs)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"result": "success"})
}

// withType stamps the declared event type onto the raw payload object so the
// envelope decoder picks the right payload struct.
func withType(raw json.RawMessage, eventType string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	typeJSON, err := json.Marshal(eventType)
	if err != nil {
		return raw
	}
	fields["type"] = typeJSON
	stamped, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return stamped
}

func writeIngestError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"result":  "error",
		"message": message,
	})
}

// RegisterInternalRoutes mounts the ingestion endpoint.
func RegisterInternalRoutes(r chi.Router, handler *IngestHandler) {
	// POST /api/internal/events - accept events for fan-out
	r.Post("/events", handler.Notify)
}
