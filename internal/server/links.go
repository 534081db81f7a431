package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"linkshare/internal/security"
	"linkshare/pkg/domain"
	"linkshare/pkg/store"
)

type createLinkRequest struct {
	URL       string   `json:"url"`
	Receiver  string   `json:"receiver"`
	ChannelID string   `json:"channelId"`
	Tags      []string `json:"tags,omitempty"`
	// OpID is the client's idempotency token for reconciling the
	// optimistic entry; it is stored and echoed on the change feed.
	OpID string `json:"opId,omitempty"`
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request, user domain.Profile) {
	switch r.Method {
	case http.MethodGet:
		links, err := s.store.ListLinks(r.Context(), store.LinkFilter{
			ChannelID: strings.TrimSpace(r.URL.Query().Get("channelId")),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list links")
			return
		}
		writeJSON(w, http.StatusOK, links)
	case http.MethodPost:
		s.handleCreateLink(w, r, user)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateLink(w http.ResponseWriter, r *http.Request, user domain.Profile) {
	var req createLinkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	url := security.SanitizeInput(req.URL)
	receiver := strings.TrimSpace(req.Receiver)
	channelID := strings.TrimSpace(req.ChannelID)
	if url == "" || receiver == "" || channelID == "" {
		writeError(w, http.StatusBadRequest, "url, receiver and channelId are required")
		return
	}
	if err := security.ValidateURL(url); err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}
	if err := s.security.Check(security.ActionCreateLink, user.ID); err != nil {
		s.audit(r, "links.create", "rate_limited", "user_id", user.ID)
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many links")
		return
	}
	unread := false
	link, err := s.store.InsertLink(r.Context(), domain.SharedLink{
		URL:       url,
		Sender:    user.ID,
		Receiver:  receiver,
		ChannelID: &channelID,
		Tags:      req.Tags,
		IsRead:    &unread,
		OpID:      strings.TrimSpace(req.OpID),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create link")
		return
	}
	s.audit(r, "links.create", "success", "user_id", user.ID, "link_id", link.ID)
	writeJSON(w, http.StatusCreated, link)
}

// handleLinkSubtree routes /api/links/{id} and its subresources.
func (s *Server) handleLinkSubtree(w http.ResponseWriter, r *http.Request, user domain.Profile) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/links/")
	parts := strings.SplitN(rest, "/", 2)
	linkID := strings.TrimSpace(parts[0])
	if linkID == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if len(parts) == 1 {
		s.handleLinkByID(w, r, user, linkID)
		return
	}
	switch parts[1] {
	case "read":
		s.handleMarkRead(w, r, user, linkID)
	case "reactions":
		s.handleReactions(w, r, user, linkID)
	case "comments":
		s.handleComments(w, r, user, linkID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleLinkByID(w http.ResponseWriter, r *http.Request, user domain.Profile, linkID string) {
	switch r.Method {
	case http.MethodGet:
		link, found, err := s.store.GetLink(r.Context(), linkID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to fetch link")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "link not found")
			return
		}
		writeJSON(w, http.StatusOK, link)
	case http.MethodDelete:
		link, found, err := s.store.GetLink(r.Context(), linkID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete link")
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, "link not found")
			return
		}
		if link.Sender != user.ID {
			s.audit(r, "links.delete", "fail", "user_id", user.ID, "link_id", linkID, "reason", "not_sender")
			writeError(w, http.StatusForbidden, "only the sender can delete a link")
			return
		}
		if err := s.store.DeleteLink(r.Context(), linkID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to delete link")
			return
		}
		s.audit(r, "links.delete", "success", "user_id", user.ID, "link_id", linkID)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

// handleMarkRead marks a link read. The sender marking their own link and a
// repeat mark are no-ops, not errors.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, user domain.Profile, linkID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	link, found, err := s.store.GetLink(r.Context(), linkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark link read")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}
	if link.Sender == user.ID || (link.IsRead != nil && *link.IsRead) {
		writeJSON(w, http.StatusOK, link)
		return
	}
	if err := s.store.MarkLinkRead(r.Context(), linkID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "link not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to mark link read")
		return
	}
	link, _, _ = s.store.GetLink(r.Context(), linkID)
	writeJSON(w, http.StatusOK, link)
}
