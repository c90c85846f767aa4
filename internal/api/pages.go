package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagestore/internal/page"
)

type ingestRequest struct {
	URL   string   `json:"url"`
	Title string   `json:"title"`
	Links []string `json:"links"`
}

type ingestResponse struct {
	Success bool   `json:"success"`
	Created bool   `json:"created"`
	Message string `json:"message"`
}

type listResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Record  []page.Summary `json:"record"`
}

func (s *Server) ingestPage(w http.ResponseWriter, r *http.Request) {
	if s.opts.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	}
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res, err := s.pages.Ingest(r.Context(), page.Observation{URL: req.URL, Title: req.Title, Links: req.Links})
	switch {
	case errors.Is(err, page.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("ingest page failed",
			zap.String("url", req.URL),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "page store unavailable")
		return
	}

	if res.Created {
		writeJSON(w, http.StatusCreated, ingestResponse{Success: true, Created: true, Message: "page stored"})
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{Success: true, Created: false, Message: "page updated"})
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	summaries, err := s.pages.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list pages failed",
			zap.Int("limit", limit),
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "page store unavailable")
		return
	}

	writeJSON(w, http.StatusOK, listResponse{Success: true, Message: "recent pages", Record: summaries})
}

// parseLimit accepts an absent value (default) or a positive integer; values
// above page.MaxLimit are capped later by the service.
func parseLimit(raw string) (int, error) {
	if raw == "" {
		return page.DefaultLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	return limit, nil
}
