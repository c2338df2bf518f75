package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/retrohunt/retrohunt/internal/retrohunt"
	"github.com/retrohunt/retrohunt/internal/search"
)

const apiPrefix = "/api/v4/retrohunt"

// maxBodyBytes bounds request bodies; YARA rules are small.
const maxBodyBytes = 1 << 20

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	svc    *retrohunt.Service
	logger *slog.Logger
}

// NewHandler constructs a Handler serving svc.
func NewHandler(svc *retrohunt.Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT "+apiPrefix+"/{$}", requireRole(retrohunt.RoleRun, h.CreateJob))
	mux.HandleFunc("GET "+apiPrefix+"/{$}", requireRole(retrohunt.RoleView, h.ListJobs))
	mux.HandleFunc("POST "+apiPrefix+"/{$}", requireRole(retrohunt.RoleView, h.ListJobs))
	mux.HandleFunc("GET "+apiPrefix+"/{code}/{$}", requireRole(retrohunt.RoleView, h.GetJob))
	mux.HandleFunc("POST "+apiPrefix+"/{code}/{$}", requireRole(retrohunt.RoleView, h.GetJob))
	mux.HandleFunc("GET "+apiPrefix+"/hits/{code}/{$}", requireRole(retrohunt.RoleView, h.GetHits))
	mux.HandleFunc("GET "+apiPrefix+"/errors/{code}/{$}", requireRole(retrohunt.RoleView, h.GetErrors))
	mux.HandleFunc("GET "+apiPrefix+"/types/{code}/{$}", requireRole(retrohunt.RoleView, h.GetTypes))
	mux.HandleFunc("GET "+healthPath, h.Health)
}

// CreateJob handles PUT /api/v4/retrohunt/ and responds 200 with the new job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req retrohunt.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := h.svc.Create(r.Context(), userFrom(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeResponse(w, rec)
}

// ListJobs handles GET|POST /api/v4/retrohunt/.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	p, err := searchParams(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.List(r.Context(), userFrom(r), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeProjected(w, r, res, p.Fields)
}

// GetJob handles GET|POST /api/v4/retrohunt/{code}/.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Detail(r.Context(), userFrom(r), r.PathValue("code"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeResponse(w, sum)
}

// GetHits handles GET /api/v4/retrohunt/hits/{code}/.
func (h *Handler) GetHits(w http.ResponseWriter, r *http.Request) {
	p, err := searchParams(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := h.svc.Hits(r.Context(), userFrom(r), r.PathValue("code"), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.writeProjected(w, r, res, p.Fields)
}

// GetErrors handles GET /api/v4/retrohunt/errors/{code}/.
func (h *Handler) GetErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p := retrohunt.ErrorParams{
		Offset: parseIntParam(q.Get("offset"), 0),
		Rows:   parseIntParam(q.Get("rows"), retrohunt.DefaultErrorRows),
		Sort:   q.Get("sort"),
	}
	page, err := h.svc.Errors(r.Context(), userFrom(r), r.PathValue("code"), p)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeResponse(w, page)
}

// GetTypes handles GET /api/v4/retrohunt/types/{code}/.
func (h *Handler) GetTypes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rows, err := h.svc.Types(r.Context(), userFrom(r), r.PathValue("code"), q.Get("query"), q["filters"])
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeResponse(w, rows)
}

// Health handles GET /api/v4/health and responds 200.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"retrohunt_configured": h.svc.Configured(),
	})
}

// listRequest is the JSON body accepted by the POST search endpoints.
type listRequest struct {
	Query          *string  `json:"query"`
	Offset         *flexInt `json:"offset"`
	Rows           *flexInt `json:"rows"`
	Sort           *string  `json:"sort"`
	FL             *string  `json:"fl"`
	Filters        []string `json:"filters"`
	TrackTotalHits *bool    `json:"track_total_hits"`
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	n, err := strconv.Atoi(strings.Trim(string(b), `"`))
	if err != nil {
		return errors.New("expected an integer, got " + string(b))
	}
	*f = flexInt(n)
	return nil
}

// searchParams reads the search parameters from the query string of a GET or
// the JSON body of a POST. Missing values stay zero so the service applies
// its defaults.
func searchParams(w http.ResponseWriter, r *http.Request) (search.Params, error) {
	var p search.Params

	if r.Method == http.MethodPost {
		var body listRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return p, errors.New("invalid JSON body")
		}
		if body.Query != nil {
			p.Query = *body.Query
		}
		if body.Offset != nil {
			p.Offset = int(*body.Offset)
		}
		if body.Rows != nil {
			p.Rows = int(*body.Rows)
		}
		if body.Sort != nil {
			p.Sort = *body.Sort
		}
		if body.FL != nil {
			p.Fields = search.SplitFieldList(*body.FL)
		}
		if body.TrackTotalHits != nil {
			p.LazyTotal = !*body.TrackTotalHits
		}
		p.Filters = body.Filters
		return p, nil
	}

	q := r.URL.Query()
	p.Query = q.Get("query")
	p.Offset = parseIntParam(q.Get("offset"), 0)
	p.Rows = parseIntParam(q.Get("rows"), 0)
	p.Sort = q.Get("sort")
	p.Fields = search.SplitFieldList(q.Get("fl"))
	p.Filters = q["filters"]
	if b, err := strconv.ParseBool(q.Get("track_total_hits")); err == nil {
		p.LazyTotal = !b
	}
	return p, nil
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// writeServiceError maps a service error to its status code.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, retrohunt.ErrNotConfigured):
		writeError(w, http.StatusNotImplemented, retrohunt.ErrNotConfigured.Error())
	case errors.Is(err, retrohunt.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not Found.")
	case errors.Is(err, retrohunt.ErrAccessDenied):
		msg := "Access denied."
		if r.Method == http.MethodPut {
			msg = "Searches may not be above user access."
		}
		writeError(w, http.StatusForbidden, msg)
	case errors.Is(err, retrohunt.ErrValidation):
		writeError(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), retrohunt.ErrValidation.Error()+": "))
	case errors.Is(err, search.ErrSearch):
		writeError(w, http.StatusBadRequest, "SearchException: "+strings.TrimPrefix(err.Error(), search.ErrSearch.Error()+": "))
	case errors.Is(err, retrohunt.ErrRemote):
		h.logger.Warn("retrohunt service call failed", "error", err, "path", r.URL.Path, "request_id", requestID(r))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("request failed", "error", err, "path", r.URL.Path, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeProjected writes a page, keeping only fields of each item when fields
// is not empty.
func (h *Handler) writeProjected(w http.ResponseWriter, r *http.Request, page any, fields []string) {
	if len(fields) == 0 {
		writeResponse(w, page)
		return
	}
	projected, err := projectItems(page, fields)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeResponse(w, projected)
}

// envelope is the response format of every retrohunt endpoint.
type envelope struct {
	Response     any    `json:"api_response"`
	ErrorMessage string `json:"api_error_message"`
	StatusCode   int    `json:"api_status_code"`
}

func writeResponse(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Response: data, StatusCode: http.StatusOK})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Response: map[string]any{}, ErrorMessage: message, StatusCode: status})
}
