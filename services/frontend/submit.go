package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SubmitServer accepts ad hoc pull request numbers over a loopback HTTP
// endpoint and feeds them into the same pipeline as discovered events:
//
//	curl -d '{"pr": 119054}' 127.0.0.1:8080
type SubmitServer struct {
	logger *log.Logger
	out    chan<- int
	store  *DispatchStore
	ready  func(context.Context) error
}

// NewSubmitServer returns a server pushing accepted numbers to out. The
// store backs the per-PR history endpoint and ready gates /healthz; both
// may be nil when no database is configured.
func NewSubmitServer(logger *log.Logger, out chan<- int, store *DispatchStore, ready func(context.Context) error) *SubmitServer {
	return &SubmitServer{logger: logger, out: out, store: store, ready: ready}
}

// Routes builds the loopback router: the submission endpoint plus the
// usual operational endpoints.
func (s *SubmitServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/", s.handleSubmit)
	r.Get("/pr/{number}", s.handleHistory)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			if err := s.ready(r.Context()); err != nil {
				s.logger.Printf("error: health check failed: %v", err)
				respondError(w, http.StatusServiceUnavailable, errors.New("database unreachable"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *SubmitServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	pr, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("pull request number must be an integer"))
		return
	}

	records, err := s.store.History(r.Context(), pr)
	if err != nil {
		s.logger.Printf("pr=%d error: dispatch history lookup: %v", pr, err)
		respondError(w, http.StatusInternalServerError, errors.New("history lookup failed"))
		return
	}
	if len(records) == 0 {
		respondError(w, http.StatusNotFound, errors.New("no dispatches recorded"))
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *SubmitServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		respondError(w, http.StatusBadRequest, errors.New("request body required"))
		return
	}
	defer r.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("invalid JSON"))
		return
	}

	// "pr" must be present and an integer; any other shape is a semantic
	// error rather than a syntactic one.
	value, ok := raw["pr"]
	if !ok {
		respondError(w, http.StatusUnprocessableEntity, errors.New("pr is required"))
		return
	}
	num, ok := value.(float64)
	if !ok || num != math.Trunc(num) {
		respondError(w, http.StatusUnprocessableEntity, errors.New("pr must be an integer"))
		return
	}
	pr := int(num)

	metricSubmissions.Inc()
	s.logger.Printf("pr=%d accepted local submission", pr)

	select {
	case s.out <- pr:
	case <-r.Context().Done():
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}
