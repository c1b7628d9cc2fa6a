package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"zapsend/internal/progress"
)

const heartbeatInterval = 15 * time.Second

// handleEvents streams the session's progress events as server-sent events.
// A fresh subscriber first receives the current progress so a reconnecting
// client converges without replaying history.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess, ok := s.reg.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsub := s.pub.Subscribe(key, 32)
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	p := sess.ProgressCopy()
	pending := s.ctrl.PendingIDs(key)
	if pending == nil {
		pending = []string{}
	}
	writeSSE(w, progress.Event{
		Session: key,
		Kind:    progress.KindSnapshot,
		Time:    time.Now(),
		Snapshot: &progress.Snapshot{
			SentIDs:       p.SentIDs,
			FailedIDs:     p.FailedIDs,
			PendingIDs:    pending,
			TotalSelected: p.TotalSelected,
			LastUpdated:   p.LastUpdated,
		},
	})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// Comment line keeps proxies from closing the idle stream.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, open := <-events:
			if !open {
				// Session disposed; tell the client not to reconnect blindly.
				fmt.Fprint(w, "event: gone\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e progress.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data)
}
