package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/pluginhost/internal/events"
)

const keepAliveInterval = 15 * time.Second

// typeFilter matches event types against ?types=a,b. A trailing dot selects
// a family ("plugin." matches plugin.loaded and plugin.unloaded).
type typeFilter []string

func parseTypeFilter(raw string) typeFilter {
	var f typeFilter
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f = append(f, t)
		}
	}
	return f
}

func (f typeFilter) match(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	for _, t := range f {
		if t == eventType || (strings.HasSuffix(t, ".") && strings.HasPrefix(eventType, t)) {
			return true
		}
	}
	return false
}

// handleEvents streams host events as server-sent events. With a
// Last-Event-ID header, buffered events after that id are sent first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	filter := parseTypeFilter(r.URL.Query().Get("types"))

	// The subscription must exist before the replay snapshot is taken.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var sent int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			sent = n
		}
	}
	send := func(ev events.Event) bool {
		if ev.ID <= sent {
			return true
		}
		sent = ev.ID
		if !filter.match(ev.Type) {
			return true
		}
		_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data)
		return err == nil
	}

	for _, ev := range s.events.Since(sent) {
		if !send(ev) {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok || !send(ev) {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
