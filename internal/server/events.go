package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"linkshare/pkg/domain"
	"linkshare/pkg/feed"
)

// handleEvents streams change events as server-sent events. Query parameters
// table, channelId and linkId narrow the subscription; absent, the client
// receives every table's events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, user domain.Profile) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	filter := feed.Filter{
		Table:     feed.Table(strings.TrimSpace(r.URL.Query().Get("table"))),
		ChannelID: strings.TrimSpace(r.URL.Query().Get("channelId")),
		LinkID:    strings.TrimSpace(r.URL.Query().Get("linkId")),
	}
	sub, err := s.feed.Subscribe(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.audit(r, "events.stream", "success", "user_id", user.ID, "table", string(filter.Table))

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}
