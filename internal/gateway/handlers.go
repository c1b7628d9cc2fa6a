package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"zapsend/internal/dispatch"
	"zapsend/internal/session"
	"zapsend/internal/storage"
	logx "zapsend/pkg/logx"
)

type sessionView struct {
	Key             string            `json:"key"`
	ConnectionState session.ConnState `json:"connection_state"`
	JobActive       bool              `json:"job_active"`
	HasPayload      bool              `json:"has_payload"`
	Progress        session.Progress  `json:"progress"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		Key:             s.Key,
		ConnectionState: s.State(),
		JobActive:       s.JobActive(),
		HasPayload:      s.Payload() != nil,
		Progress:        s.ProgressCopy(),
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	// An empty body is fine; the key is generated then.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key := strings.TrimSpace(body.Key)
	if key == "" {
		key = uuid.NewString()
	}

	sess := s.reg.Create(key)
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.reg.Get(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

// handleConnect kicks off the channel bootstrap in the background. Pairing
// artifacts and the connected signal arrive on the event stream.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	s.boot.Connect(key)
	sess, _ := s.reg.Get(key)
	writeJSON(w, http.StatusAccepted, viewOf(sess))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if _, ok := s.reg.Get(key); !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	// A running job is stopped first so its goroutine never outlives the
	// session record.
	s.ctrl.Stop(key)
	s.reg.Dispose(key)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var body struct {
		Recipients []string `json:"recipients"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	recipients := dedupRecipients(body.Recipients)
	if err := s.ctrl.Start(key, recipients); err != nil {
		if errors.Is(err, dispatch.ErrInvalidState) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "started",
		"recipients": len(recipients),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause(r.PathValue("key"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "pause requested"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Resume(r.PathValue("key"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "resume requested"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop(r.PathValue("key"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.reg.Get(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess.ProgressCopy())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil || !s.hist.Enabled() {
		writeError(w, http.StatusNotFound, "history not enabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	reports, err := s.hist.Recent(r.Context(), r.PathValue("key"), limit)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) {
			writeError(w, http.StatusNotFound, "history not enabled")
			return
		}
		s.log.Warn("history query failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if reports == nil {
		reports = []storage.JobReport{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// dedupRecipients drops empty and repeated ids while keeping first-seen
// order. The dispatch layer assumes this has happened.
func dedupRecipients(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
