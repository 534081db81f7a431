package server

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"linkshare/internal/security"
	"linkshare/pkg/domain"
	"linkshare/pkg/storage"
)

const attachmentURLTTL = 15 * time.Minute

type commentResponse struct {
	domain.Comment
	Files []attachmentResponse `json:"files,omitempty"`
}

type attachmentResponse struct {
	domain.FileRecord
	URL string `json:"url,omitempty"`
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request, user domain.Profile, linkID string) {
	switch r.Method {
	case http.MethodGet:
		s.handleListComments(w, r, linkID)
	case http.MethodPost:
		s.handleCreateComment(w, r, user, linkID)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request, linkID string) {
	comments, err := s.store.ListComments(r.Context(), linkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list comments")
		return
	}
	files, err := s.store.ListFiles(r.Context(), linkID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list comments")
		return
	}
	attachments := make([]attachmentResponse, 0, len(files))
	for _, f := range files {
		attachments = append(attachments, s.presentFile(r, f))
	}
	out := make([]commentResponse, 0, len(comments))
	for _, c := range comments {
		out = append(out, commentResponse{Comment: c})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"comments": out,
		"files":    attachments,
	})
}

// handleCreateComment accepts multipart form data with a "body" field and an
// optional "file" attachment stored in object storage.
func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request, user domain.Profile, linkID string) {
	if _, found, err := s.store.GetLink(r.Context(), linkID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create comment")
		return
	} else if !found {
		writeError(w, http.StatusNotFound, "link not found")
		return
	}
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	body := security.SanitizeInput(r.FormValue("body"))
	file, header, fileErr := r.FormFile("file")
	hasFile := fileErr == nil
	if body == "" && !hasFile {
		writeError(w, http.StatusBadRequest, "comment body or file is required")
		return
	}
	if err := s.security.Check(security.ActionCreateMessage, user.ID); err != nil {
		s.audit(r, "comments.create", "rate_limited", "user_id", user.ID)
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many comments")
		return
	}

	var files []attachmentResponse
	if hasFile {
		defer file.Close()
		if s.objects == nil {
			writeError(w, http.StatusBadRequest, "attachments are not enabled")
			return
		}
		if header.Size > s.maxUploadBytes {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		filename := filepath.Base(strings.TrimSpace(header.Filename))
		fileID := uuid.NewString()
		key := storage.AttachmentKey(linkID, fileID, filename)
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := s.objects.Put(r.Context(), key, file, header.Size, contentType); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store attachment")
			return
		}
		record, err := s.store.InsertFile(r.Context(), domain.FileRecord{
			ID:           fileID,
			SharedLinkID: linkID,
			UserID:       user.ID,
			Filename:     filename,
			StorageKey:   key,
			SizeBytes:    header.Size,
			ContentType:  contentType,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to store attachment")
			return
		}
		files = append(files, s.presentFile(r, record))
	}

	comment := domain.Comment{}
	if body != "" || hasFile {
		created, err := s.store.InsertComment(r.Context(), domain.Comment{
			SharedLinkID: linkID,
			UserID:       user.ID,
			Content:      body,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create comment")
			return
		}
		created.AuthorName = user.Username
		comment = created
	}
	s.audit(r, "comments.create", "success", "user_id", user.ID, "link_id", linkID)
	writeJSON(w, http.StatusCreated, commentResponse{Comment: comment, Files: files})
}

func (s *Server) presentFile(r *http.Request, f domain.FileRecord) attachmentResponse {
	out := attachmentResponse{FileRecord: f}
	if s.objects != nil {
		if url, err := s.objects.PresignGet(r.Context(), f.StorageKey, f.Filename, attachmentURLTTL); err == nil {
			out.URL = url
		}
	}
	return out
}
