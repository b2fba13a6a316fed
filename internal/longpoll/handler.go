// Package longpoll is the HTTP face of the event delivery core: queue
// registration, the long-polling events endpoint and explicit queue cleanup.
// Authentication happens upstream; requests arrive with trusted identity
// headers set by the proxy.
package longpoll

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/chatrelay/chatrelay/internal/events"
	"github.com/chatrelay/chatrelay/internal/logger"
	"github.com/chatrelay/chatrelay/internal/metrics"
	"github.com/chatrelay/chatrelay/internal/registry"
)

// Error codes for event queue operations
const (
	CodeBadEventQueueID    = "BAD_EVENT_QUEUE_ID"
	CodeEventAlreadyPruned = "EVENT_ALREADY_PRUNED"
	CodeBadLastEventID     = "BAD_LAST_EVENT_ID"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeInvalidIdentity    = "INVALID_IDENTITY"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Identity headers set by the authenticating proxy.
const (
	HeaderUserID  = "X-User-ID"
	HeaderRealmID = "X-Realm-ID"
)

// APIError is the error detail in an error response.
type APIError struct {
	Code    string              `json:"code"`
	Message string              `json:"message"`
	Details map[string][]string `json:"details,omitempty"`
}

// errorResponse is the standard error envelope.
type errorResponse struct {
	Success   bool      `json:"success"`
	Error     *APIError `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// RegisterRequest is the body of POST /api/v1/register.
type RegisterRequest struct {
	EventTypes                []string    `json:"event_types"`
	Client                    string      `json:"client" validate:"max=64"`
	ApplyMarkdown             bool        `json:"apply_markdown"`
	ClientGravatar            bool        `json:"client_gravatar"`
	SlimPresence              bool        `json:"slim_presence"`
	AllPublicStreams          bool        `json:"all_public_streams"`
	BulkMessageDeletion       bool        `json:"bulk_message_deletion"`
	StreamTypingNotifications bool        `json:"stream_typing_notifications"`
	UserSettingsObject        bool        `json:"user_settings_object"`
	PronounsFieldSupported    bool        `json:"pronouns_field_type_supported"`
	WebReloadClient           bool        `json:"web_reload_client"`
	Narrow                    [][2]string `json:"narrow" validate:"max=16"`
	QueueLifespanSecs         int64       `json:"queue_lifespan_secs" validate:"omitempty,min=60,max=604800"`
}

// RegisterResponse is the body of a successful registration. Events is always
// empty for a fresh queue; LastEventID is -1 until the client acknowledges
// something.
type RegisterResponse struct {
	Type        string          `json:"type"`
	QueueID     string          `json:"queue_id"`
	LastEventID int64           `json:"last_event_id"`
	Events      []*events.Event `json:"events"`
}

// EventsResponse is the body of a successful GET /api/v1/events.
type EventsResponse struct {
	Type    string          `json:"type"`
	QueueID string          `json:"queue_id"`
	Events  []*events.Event `json:"events"`
}

// Handler serves the long-poll endpoints against one shard's registry.
type Handler struct {
	registry *registry.Registry
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a Handler bound to the registry.
func NewHandler(reg *registry.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: reg,
		validate: validator.New(),
		logger:   logger,
	}
}

// identity extracts the proxy-asserted user and realm ids.
func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (userID, realmID int64, ok bool) {
	userID, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, http.StatusUnauthorized, CodeInvalidIdentity, "Missing or invalid identity headers", nil)
		return 0, 0, false
	}
	realmID, err = strconv.ParseInt(r.Header.Get(HeaderRealmID), 10, 64)
	if err != nil || realmID <= 0 {
		h.writeError(w, http.StatusUnauthorized, CodeInvalidIdentity, "Missing or invalid identity headers", nil)
		return 0, 0, false
	}
	return userID, realmID, true
}

// Register handles POST /api/v1/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	userID, realmID, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid request body", nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "Invalid registration parameters", validationDetails(err))
		return
	}

	d := h.registry.Allocate(registry.Options{
		UserID:                    userID,
		RealmID:                   realmID,
		EventTypes:                req.EventTypes,
		ClientType:                req.Client,
		ApplyMarkdown:             req.ApplyMarkdown,
		ClientGravatar:            req.ClientGravatar,
		SlimPresence:              req.SlimPresence,
		AllPublicStreams:          req.AllPublicStreams,
		BulkMessageDeletion:       req.BulkMessageDeletion,
		StreamTypingNotifications: req.StreamTypingNotifications,
		UserSettingsObject:        req.UserSettingsObject,
		PronounsFieldSupported:    req.PronounsFieldSupported,
		WebReloadClient:           req.WebReloadClient,
		Narrow:                    registry.Narrow(req.Narrow),
		Lifespan:                  time.Duration(req.QueueLifespanSecs) * time.Second,
	})

	logger.WithCorrelationID(r.Context(), h.logger).Info("registered event queue",
		slog.String("queue_id", d.QueueID()),
		slog.Int64("user_id", userID),
		slog.Int64("realm_id", realmID),
		slog.String("client", req.Client))

	h.writeJSON(w, http.StatusOK, RegisterResponse{
		Type:        "response",
		QueueID:     d.QueueID(),
		LastEventID: -1,
		Events:      []*events.Event{},
	})
}

// GetEvents handles GET /api/v1/events
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	queueID := q.Get("queue_id")
	if queueID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "queue_id is required", nil)
		return
	}

	d, err := h.registry.Lookup(userID, queueID)
	if err != nil {
		if errors.Is(err, registry.ErrBadEventQueueID) {
			h.writeError(w, http.StatusBadRequest, CodeBadEventQueueID, err.Error(), nil)
			return
		}
		logger.WithCorrelationID(r.Context(), h.logger).Error("event queue lookup", slog.Any("error", err))
		h.writeError(w, http.StatusInternalServerError, CodeInternalError, "Internal error", nil)
		return
	}

	// Every poll must acknowledge something, if only the initial -1. A
	// client that never acks would hold its queue unprunable forever.
	lastStr := q.Get("last_event_id")
	if lastStr == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "last_event_id is required", nil)
		return
	}
	lastEventID, err := strconv.ParseInt(lastStr, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "last_event_id must be an integer", nil)
		return
	}
	// A client acknowledging something older than the prune watermark has
	// missed events it can never get back; it must re-register.
	if lastEventID < d.NewestPrunedID() {
		h.writeError(w, http.StatusBadRequest, CodeEventAlreadyPruned,
			"An event newer than last_event_id was already pruned; re-register", nil)
		return
	}
	if lastEventID >= d.NextEventID() {
		h.writeError(w, http.StatusBadRequest, CodeBadLastEventID,
			"last_event_id is newer than any event ever queued", nil)
		return
	}
	d.PruneQueue(lastEventID)

	dontBlock := q.Get("dont_block") == "true"
	if contents := d.QueueContents(false); len(contents) > 0 || dontBlock {
		h.writeJSON(w, http.StatusOK, EventsResponse{
			Type:    "response",
			QueueID: d.QueueID(),
			Events:  contents,
		})
		return
	}

	// Nothing queued: park until an event, the heartbeat, or the client
	// going away wakes us.
	handler := registry.NewHandler(q.Get("client"))
	d.ConnectHandler(handler)
	metrics.HandlersParked.Inc()
	defer metrics.HandlersParked.Dec()

	select {
	case resp := <-handler.Done():
		h.writeJSON(w, http.StatusOK, EventsResponse{
			Type:    "response",
			QueueID: resp.QueueID,
			Events:  resp.Events,
		})
	case <-r.Context().Done():
		// Client hung up; free the slot so the queue can expire normally.
		d.DisconnectHandler(handler)
	}
}

// DeleteQueue handles DELETE /api/v1/events
func (h *Handler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.identity(w, r)
	if !ok {
		return
	}

	queueID := r.URL.Query().Get("queue_id")
	if queueID == "" {
		h.writeError(w, http.StatusBadRequest, CodeValidationError, "queue_id is required", nil)
		return
	}
	d, err := h.registry.Lookup(userID, queueID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, CodeBadEventQueueID, err.Error(), nil)
		return
	}

	h.registry.Cleanup(d)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"type":   "response",
		"result": "success",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("write response", slog.Any("error", err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string, details map[string][]string) {
	h.writeJSON(w, status, errorResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
			Details: details,
		},
		Timestamp: time.Now().UTC(),
	})
}

// validationDetails flattens validator errors into a field → messages map.
func validationDetails(err error) map[string][]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string][]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = append(details[fe.Field()], fe.Tag())
	}
	return details
}
