package server

import (
	"encoding/json"
	"io"
	"net/http"

	"linkshare/internal/security"
	"linkshare/pkg/domain"
)

type toggleReactionRequest struct {
	Emoji string `json:"emoji"`
}

type reactionsResponse struct {
	Reactions []domain.Reaction      `json:"reactions"`
	Groups    []domain.ReactionGroup `json:"groups"`
}

func (s *Server) handleReactions(w http.ResponseWriter, r *http.Request, user domain.Profile, linkID string) {
	switch r.Method {
	case http.MethodGet:
		s.writeReactions(w, r, user, linkID)
	case http.MethodPost:
		s.handleToggleReaction(w, r, user, linkID)
	default:
		methodNotAllowed(w)
	}
}

// handleToggleReaction flips the caller's reaction: present deletes, absent
// inserts. The decision reads current state first, so a concurrent
// double-submit can duplicate; the store enforces nothing stricter.
func (s *Server) handleToggleReaction(w http.ResponseWriter, r *http.Request, user domain.Profile, linkID string) {
	var req toggleReactionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := security.ValidateEmoji(req.Emoji); err != nil {
		writeError(w, http.StatusBadRequest, "invalid emoji")
		return
	}
	if err := s.security.Check(security.ActionCreateReaction, user.ID); err != nil {
		s.audit(r, "reactions.toggle", "rate_limited", "user_id", user.ID)
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many reactions")
		return
	}
	if _, found, err := s.store.GetLink(r.Context(), linkID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle reaction")
		return
	} else if !found {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}

	reactions, err := s.store.ListReactions(r.Context(), linkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to toggle reaction")
		return
	}
	var existingID string
	for _, reaction := range reactions {
		if reaction.UserID == user.ID && reaction.Emoji == req.Emoji {
			existingID = reaction.ID
			break
		}
	}
	if existingID != "" {
		if err := s.store.DeleteReaction(r.Context(), existingID, user.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to toggle reaction")
			return
		}
	} else {
		if _, err := s.store.InsertReaction(r.Context(), domain.Reaction{
			SharedLinkID: linkID,
			UserID:       user.ID,
			Emoji:        req.Emoji,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to toggle reaction")
			return
		}
	}
	s.writeReactions(w, r, user, linkID)
}

func (s *Server) writeReactions(w http.ResponseWriter, r *http.Request, user domain.Profile, linkID string) {
	reactions, err := s.store.ListReactions(r.Context(), linkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list reactions")
		return
	}
	writeJSON(w, http.StatusOK, reactionsResponse{
		Reactions: reactions,
		Groups:    groupReactions(reactions, user.ID),
	})
}

func groupReactions(reactions []domain.Reaction, userID string) []domain.ReactionGroup {
	byEmoji := make(map[string]*domain.ReactionGroup)
	for _, reaction := range reactions {
		g, ok := byEmoji[reaction.Emoji]
		if !ok {
			g = &domain.ReactionGroup{Emoji: reaction.Emoji}
			byEmoji[reaction.Emoji] = g
		}
		g.Count++
		g.Users = append(g.Users, reaction.UserID)
		if reaction.UserID == userID {
			g.Reacted = true
		}
	}
	out := make([]domain.ReactionGroup, 0, len(byEmoji))
	for _, emoji := range security.AllowedEmojis {
		if g, ok := byEmoji[emoji]; ok {
			out = append(out, *g)
		}
	}
	return out
}
