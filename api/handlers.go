package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opd-ai/courier"
	"github.com/opd-ai/courier/limits"
	"github.com/opd-ai/courier/messaging"
	"github.com/opd-ai/courier/outbox"
	"github.com/opd-ai/courier/push"
	"github.com/opd-ai/courier/queue"
	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CreateRequest is the body of POST /api/v1/messages.
type CreateRequest struct {
	Content        string                 `json:"content"`
	ConversationID string                 `json:"conversation_id"`
	SenderID       string                 `json:"sender_id"`
	Attachments    []messaging.Attachment `json:"attachments,omitempty"`
	Mentions       []string               `json:"mentions,omitempty"`
	ReplyTo        string                 `json:"reply_to,omitempty"`
	Priority       *messaging.Priority    `json:"priority,omitempty"`
	// Send queues the message right after creation.
	Send bool `json:"send"`
}

// EditRequest is the body of PATCH /api/v1/messages/{id}.
type EditRequest struct {
	Content string `json:"content"`
}

// MessageView is the JSON form of a message.
type MessageView struct {
	ClientID       string                 `json:"client_id"`
	ServerID       string                 `json:"server_id,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key"`
	ConversationID string                 `json:"conversation_id"`
	SenderID       string                 `json:"sender_id"`
	Content        string                 `json:"content"`
	Attachments    []messaging.Attachment `json:"attachments,omitempty"`
	Mentions       []string               `json:"mentions,omitempty"`
	ReplyTo        string                 `json:"reply_to,omitempty"`
	State          messaging.MessageState `json:"state"`
	Priority       messaging.Priority     `json:"priority"`
	RetryCount     int                    `json:"retry_count"`
	MaxRetries     int                    `json:"max_retries"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	SentAt         *time.Time             `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time             `json:"delivered_at,omitempty"`
	ReadAt         *time.Time             `json:"read_at,omitempty"`
	EditedAt       *time.Time             `json:"edited_at,omitempty"`
	LastError      *messaging.LastError   `json:"last_error,omitempty"`
}

func toView(m *messaging.Message) MessageView {
	return MessageView{
		ClientID:       m.ClientID,
		ServerID:       m.ServerID,
		IdempotencyKey: m.IdempotencyKey,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Attachments:    m.Attachments,
		Mentions:       m.Mentions,
		ReplyTo:        m.ReplyTo,
		State:          m.State,
		Priority:       m.Priority,
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
		SentAt:         optionalTime(m.SentAt),
		DeliveredAt:    optionalTime(m.DeliveredAt),
		ReadAt:         optionalTime(m.ReadAt),
		EditedAt:       optionalTime(m.EditedAt),
		LastError:      m.LastError,
	}
}

func toViews(msgs []*messaging.Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toView(m))
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// writeServiceError maps a service error to an HTTP status.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, courier.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, messaging.ErrInvalidTransition), errors.Is(err, courier.ErrNotAcknowledged):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, limits.ErrMessageEmpty), errors.Is(err, limits.ErrMessageTooLarge),
		errors.Is(err, limits.ErrInvalidContent), errors.Is(err, limits.ErrInvalidIdentifier):
		writeError(w, http.StatusBadRequest, "invalid_message", err.Error())
	case errors.Is(err, queue.ErrQueueFull), errors.Is(err, courier.ErrNotStarted), errors.Is(err, courier.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, outbox.ErrPersistence):
		writeError(w, http.StatusInternalServerError, "persistence_error", err.Error())
	default:
		logrus.WithFields(logrus.Fields{
			"function": "writeServiceError",
			"error":    err.Error(),
		}).Error("Unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, limits.MaxRecordBytes))
	if err == nil {
		err = json.Unmarshal(body, v)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

func parseStates(w http.ResponseWriter, r *http.Request) ([]messaging.MessageState, bool) {
	var states []messaging.MessageState
	for _, name := range r.URL.Query()["state"] {
		st, ok := messaging.ParseState(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_state", "unknown state "+name)
			return nil, false
		}
		states = append(states, st)
	}
	return states, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Status()
	status := http.StatusOK
	if !st.Initialized {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"initialized": st.Initialized,
		"online":      st.Online,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := []courier.MessageOption{
		courier.WithAttachments(req.Attachments...),
		courier.WithMentions(req.Mentions...),
		courier.WithReplyTo(req.ReplyTo),
	}
	if req.Priority != nil {
		opts = append(opts, courier.WithPriority(*req.Priority))
	}

	id, err := s.svc.CreateMessage(req.Content, req.ConversationID, req.SenderID, opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.Send {
		if err := s.svc.Send(r.Context(), id); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	msg, err := s.svc.GetMessage(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toView(msg))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	msg, err := s.svc.GetMessage(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(msg))
}

func (s *Server) handleListByState(w http.ResponseWriter, r *http.Request) {
	states, ok := parseStates(w, r)
	if !ok {
		return
	}
	if len(states) == 0 {
		states = messaging.AllStates
	}
	var msgs []*messaging.Message
	for _, st := range states {
		msgs = append(msgs, s.svc.ListByState(st)...)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": toViews(msgs),
		"total":    len(msgs),
	})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	states, ok := parseStates(w, r)
	if !ok {
		return
	}
	msgs := s.svc.GetMessagesForConversation(chi.URLParam(r, "id"), states...)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": toViews(msgs),
		"total":    len(msgs),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Send(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_id": id})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_id": id})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_id": id})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var req EditRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.Edit(r.Context(), id, req.Content); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_id": id})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"client_id": id})
}

// handlePushEvent accepts a push frame in the wire format of the push
// channel, for servers that deliver events by webhook.
func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limits.MaxRecordBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	ev, err := push.DecodeEvent(body)
	switch {
	case errors.Is(err, push.ErrIgnoredEvent):
		writeJSON(w, http.StatusAccepted, map[string]string{"result": "ignored"})
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}

	res, msg := s.svc.HandlePushEvent(ev)
	resp := map[string]interface{}{"result": res.String()}
	if msg != nil {
		resp["message"] = toView(msg)
	}
	writeJSON(w, http.StatusOK, resp)
}
