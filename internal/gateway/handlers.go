package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/spectra/internal/agent"
	"github.com/haasonsaas/spectra/internal/analysis"
	"github.com/haasonsaas/spectra/internal/artifacts"
	"github.com/haasonsaas/spectra/internal/observability"
)

type uploadResponse struct {
	Message string `json:"message"`
	Path    string `json:"path"`
}

type analyzeRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.config.MaxUploadBytes {
		writeDetail(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	file, _, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeDetail(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeDetail(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	path, err := s.analyzer.Upload(r.Context(), file)
	if err != nil {
		s.logger.Error("upload failed", "error", err, "request_id", observability.GetRequestID(r.Context()))
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Message: "File uploaded successfully", Path: path})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalyzeBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeDetail(w, http.StatusBadRequest, agent.ErrEmptyQuery.Error())
		return
	}

	result, err := s.analyzer.Analyze(r.Context(), req.Query, req.SessionID)
	if err != nil {
		s.logger.Error("analyze failed",
			"error", err,
			"session_key", req.SessionID,
			"request_id", observability.GetRequestID(r.Context()),
		)
		writeDetail(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.analyzer.Profile(r.Context()))
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rc, err := s.analyzer.Download(r.Context())
	if errors.Is(err, analysis.ErrNoExport) {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}
	if err != nil {
		s.logger.Error("download failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifacts.ExportFileName+`"`)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, agent.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrNoProvider):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
