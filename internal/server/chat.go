package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"linkshare/internal/security"
	"linkshare/pkg/chat"
	"linkshare/pkg/domain"
	"linkshare/pkg/store"
)

type createChannelRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request, _ domain.Profile) {
	switch r.Method {
	case http.MethodGet:
		channels, err := s.store.ListChannels(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list channels")
			return
		}
		writeJSON(w, http.StatusOK, channels)
	case http.MethodPost:
		var req createChannelRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		name := security.SanitizeInput(req.Name)
		if name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		channel, err := s.store.EnsureChannel(r.Context(), chat.NormalizeChannelName(name))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create channel")
			return
		}
		writeJSON(w, http.StatusOK, channel)
	default:
		methodNotAllowed(w)
	}
}

// handleChannelSubtree routes /api/channels/{id}/messages.
func (s *Server) handleChannelSubtree(w http.ResponseWriter, r *http.Request, user domain.Profile) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.SplitN(rest, "/", 2)
	channelID := strings.TrimSpace(parts[0])
	if channelID == "" || len(parts) != 2 || parts[1] != "messages" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleListMessages(w, r, channelID)
	case http.MethodPost:
		s.handleSendMessage(w, r, user, channelID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, channelID string) {
	messages, err := s.store.ListMessages(r.Context(), store.MessageFilter{
		ChannelID: channelID,
		LinkID:    strings.TrimSpace(r.URL.Query().Get("linkId")),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	for i := range messages {
		if s.codec.LooksEncoded(messages[i].Body) {
			messages[i].Body = s.codec.Decode(messages[i].Body)
		}
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Message      string `json:"message"`
	SharedLinkID string `json:"sharedLinkId,omitempty"`
	OpID         string `json:"opId,omitempty"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user domain.Profile, channelID string) {
	var req sendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	body := security.SanitizeInput(req.Message)
	if body == "" {
		writeError(w, http.StatusBadRequest, "message cannot be empty")
		return
	}
	if len(body) > security.MaxMessageLength {
		writeError(w, http.StatusBadRequest, "message too long")
		return
	}
	if err := s.security.Check(security.ActionCreateMessage, user.ID); err != nil {
		s.audit(r, "chat.send", "rate_limited", "user_id", user.ID)
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many messages")
		return
	}
	msg := domain.Message{
		ChannelID: channelID,
		UserID:    user.ID,
		Body:      s.codec.Encode(body),
		OpID:      strings.TrimSpace(req.OpID),
	}
	if linkID := strings.TrimSpace(req.SharedLinkID); linkID != "" {
		msg.SharedLinkID = &linkID
	}
	confirmed, err := s.store.InsertMessage(r.Context(), msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to send message")
		return
	}
	confirmed.Body = body
	confirmed.AuthorName = user.Username
	confirmed.AuthorEmail = user.Email
	writeJSON(w, http.StatusCreated, confirmed)
}
