package gateway

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"zapsend/internal/session"
	logx "zapsend/pkg/logx"
)

// Image types accepted by the payload upload route.
var allowedExt = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
}

// handleUpload stores the multipart "image" part under the upload dir and
// attaches it plus the "caption" field to the session as the next payload.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	sess, ok := s.reg.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	maxBytes := s.opts.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing image part")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExt[ext] {
		writeError(w, http.StatusUnsupportedMediaType, "only jpg, jpeg, png and gif are accepted")
		return
	}

	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		s.log.Error("upload dir create failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "upload storage unavailable")
		return
	}

	// Server-generated name; the client filename is only trusted for its
	// extension.
	name := uuid.NewString() + ext
	path := filepath.Join(s.opts.UploadDir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Error("upload create failed", logx.String("path", path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "upload storage unavailable")
		return
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		writeError(w, http.StatusInternalServerError, "upload write failed")
		return
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		writeError(w, http.StatusInternalServerError, "upload write failed")
		return
	}

	caption := r.FormValue("caption")
	sess.SetPayload(&session.Payload{AttachmentPath: path, Caption: caption})
	s.log.Info("payload attached",
		logx.String("session", key),
		logx.String("file", name),
		logx.Int("caption_len", len(caption)))

	writeJSON(w, http.StatusOK, map[string]string{
		"status":          "payload attached",
		"attachment_path": path,
	})
}
