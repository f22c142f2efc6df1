package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/equipimport/internal/core"
	"github.com/JonMunkholm/equipimport/internal/logging"
)

// mappingRequest is the body of PUT /mapping and POST /execute.
// On execute, a nil Mapping falls back to the session's saved draft.
type mappingRequest struct {
	Mapping        core.Mapping `json:"mapping"`
	SkipDuplicates *bool        `json:"skipDuplicates,omitempty"`
}

// mappingProblem is one MappingError in a response body.
type mappingProblem struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Field   string   `json:"field,omitempty"`
	Headers []string `json:"headers,omitempty"`
}

type mappingResponse struct {
	Session  core.Session     `json:"session"`
	Problems []mappingProblem `json:"problems"`
}

// handleUpload accepts a multipart form with a "file" part, parses it and
// returns the new session with its preview and suggested mapping.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			respondError(w, r, err)
			return
		}
		respondError(w, r, fmt.Errorf("%w: %v", errNoFile, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, errNoFile)
		return
	}
	defer file.Close()

	if header.Size > maxSize {
		respondError(w, r, &http.MaxBytesError{Limit: maxSize})
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, r, fmt.Errorf("read upload: %w", err))
		return
	}

	sess, err := s.service.Upload(r.Context(), header.Filename, data)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logging.WithFields(r.Context(), "handle", sess.Handle, "file", sess.FileName).
		Info("upload accepted", "rows", sess.TotalRows, "confidence", sess.AdvisorConfidence)
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.service.Session(chi.URLParam(r, "handle"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleUpdateMapping saves a draft mapping and reports what execute would
// reject. Problems are returned with 200; they are advice, not failures.
func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	req, err := decodeMappingRequest(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	var opts core.ImportOptions
	if req.SkipDuplicates != nil {
		opts.SkipDuplicates = *req.SkipDuplicates
	}

	sess, problems, err := s.service.UpdateMapping(chi.URLParam(r, "handle"), req.Mapping, opts)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mappingResponse{Session: sess, Problems: describeProblems(problems)})
}

// handleExecute runs the import synchronously and returns the ImportResult.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	req, err := decodeMappingRequest(w, r)
	if err != nil {
		respondError(w, r, err)
		return
	}

	mapping := req.Mapping
	var opts core.ImportOptions
	if mapping == nil || req.SkipDuplicates == nil {
		sess, err := s.service.Session(handle)
		if err != nil {
			respondError(w, r, err)
			return
		}
		if mapping == nil {
			mapping = sess.Mapping
		}
		opts = sess.Options
	}
	if req.SkipDuplicates != nil {
		opts.SkipDuplicates = *req.SkipDuplicates
	}

	result, err := s.service.Execute(r.Context(), handle, mapping, opts)
	if err != nil {
		var problems core.MappingErrors
		if errors.As(err, &problems) {
			respondMappingErrors(w, r, problems)
			return
		}
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Cancel(r.Context(), chi.URLParam(r, "handle")); err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(core.StateCancelled)})
}

func (s *Server) handleFields(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Catalog())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.service.Sessions().Len(),
		"imports":  s.service.LimiterStatus(),
	})
}

// decodeMappingRequest reads an optional JSON body. An empty body is a
// zero request.
func decodeMappingRequest(w http.ResponseWriter, r *http.Request) (mappingRequest, error) {
	var req mappingRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: %v", errBadRequestBody, err)
	}
	return req, nil
}

// respondMappingErrors writes every mapping problem, keeping the top-level
// error fields of the first one so clients that only read those still work.
func respondMappingErrors(w http.ResponseWriter, r *http.Request, problems core.MappingErrors) {
	userMsg := core.MapError(problems)
	logging.FromContext(r.Context()).Info("mapping rejected", "path", r.URL.Path, "error", problems.Error())

	writeJSON(w, http.StatusBadRequest, struct {
		ErrorResponse
		Problems []mappingProblem `json:"problems"`
	}{
		ErrorResponse: ErrorResponse{
			Error:   userMsg.Message,
			Message: userMsg.Message,
			Action:  userMsg.Action,
			Code:    userMsg.Code,
		},
		Problems: describeProblems(problems),
	})
}

func describeProblems(problems core.MappingErrors) []mappingProblem {
	out := make([]mappingProblem, 0, len(problems))
	for _, p := range problems {
		out = append(out, mappingProblem{
			Code:    core.MapError(p).Code,
			Message: p.Error(),
			Field:   p.Field,
			Headers: p.Headers,
		})
	}
	return out
}
