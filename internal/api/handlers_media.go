package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"campaignd/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxUploadBytes = 256 << 20

type mediaResponse struct {
	MediaID  string  `json:"media_id"`
	FileID   string  `json:"file_id"`
	FileName *string `json:"file_name"`
	FileType string  `json:"file_type"`
}

func (s *Server) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_form", err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	fileType := r.FormValue("file_type")
	if fileType != "Image" && fileType != "Video" {
		writeError(w, http.StatusBadRequest, "invalid_request", core.ErrInvalidMediaType.Error())
		return
	}
	if _, err := s.store.GetCustomer(r.Context(), customerID); err != nil {
		if errors.Is(err, core.ErrCustomerNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.writeCoreError(w, "load customer", err)
		return
	}
	token := strings.TrimSpace(r.FormValue("token"))
	if token == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", core.ErrCredentialRequired.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil || header.Filename == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing file")
		return
	}
	defer file.Close()

	localPath, err := s.saveUpload(file, header.Filename)
	if err != nil {
		s.logger.Error("save upload", "customer_id", customerID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store upload")
		return
	}

	media, err := s.orchestrator.UploadMedia(context.WithoutCancel(r.Context()), core.UploadRequest{
		CustomerID: customerID,
		Credential: token,
		MediaPath:  localPath,
		MediaType:  fileType,
		FileName:   header.Filename,
	})
	if err != nil {
		var uploadErr *core.UploadError
		if errors.As(err, &uploadErr) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": map[string]any{
					"code":    "upload_failed",
					"message": uploadErr.Error(),
					"runner":  uploadErr.Outcome,
				},
			})
			return
		}
		s.writeCoreError(w, "upload media", err)
		return
	}
	writeJSON(w, http.StatusOK, mediaResponse{
		MediaID:  media.ID,
		FileID:   media.FileID,
		FileName: media.FileName,
		FileType: media.FileType,
	})
}

// saveUpload copies the uploaded file under a fresh local name, keeping its extension.
func (s *Server) saveUpload(src io.Reader, filename string) (string, error) {
	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(s.uploadsDir, uuid.NewString()+ext)
	dst, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", err
	}
	return path, dst.Close()
}
