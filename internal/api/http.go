package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/service"
	"github.com/aridsondez/leaseq/pkg/wire"
)

const (
	DefaultTimeout    = 5 * time.Second
	defaultVisibility = 30 * time.Second
)

type Server struct {
	svc     *service.Service
	timeout time.Duration
}

// NewServer wires the queue routes onto a chi router and returns an
// http.Server listening on addr.
func NewServer(addr string, svc *service.Service, timeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(svc, timeout),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func NewRouter(svc *service.Service, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	srv := &Server{svc: svc, timeout: timeout}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(srv.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// enqueue: POST /v1/queues/{queue}/messages
		r.Post("/queues/{queue}/messages", srv.handleEnqueue)

		// claim: POST /v1/queues/{queue}:claim
		r.Post("/queues/{queue}:claim", srv.handleClaim)

		// peek: GET /v1/queues/{queue}/messages?max=N
		r.Get("/queues/{queue}/messages", srv.handlePeek)

		// delete: DELETE /v1/queues/{queue}/messages/{id}?receipt=R
		r.Delete("/queues/{queue}/messages/{id}", srv.handleDelete)

		// clear: DELETE /v1/queues/{queue}/messages
		r.Delete("/queues/{queue}/messages", srv.handleClear)

		r.Get("/queues/{queue}/count", srv.handleCount)
	})

	return r
}

// EnqueueRequest is the body of POST /v1/queues/{queue}/messages.
type EnqueueRequest struct {
	Content []byte `json:"content"`
	TTLMS   int64  `json:"ttl_ms,omitempty"`
}

// ClaimRequest is the body of POST /v1/queues/{queue}:claim.
type ClaimRequest struct {
	// Max defaults to 1 when absent; an explicit 0 claims nothing.
	Max          *int  `json:"max"`
	VisibilityMS int64 `json:"visibility_ms"`
}

type DeleteResponse struct {
	Result wire.DeleteResult `json:"result"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

// ---------- Handlers ----------

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	qname := queueParam(r)
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	ttl := time.Duration(req.TTLMS) * time.Millisecond
	if err := s.svc.Enqueue(r.Context(), qname, req.Content, ttl); err != nil {
		serviceError(w, "enqueue", qname, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	qname := queueParam(r)
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	limit := 1
	if req.Max != nil {
		limit = *req.Max
	}
	vis := time.Duration(req.VisibilityMS) * time.Millisecond
	if req.VisibilityMS == 0 {
		vis = defaultVisibility
	}

	out, err := s.svc.Claim(r.Context(), qname, limit, vis)
	if err != nil {
		serviceError(w, "claim", qname, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	qname := queueParam(r)
	limit := 1
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid max: %v", err)
			return
		}
		limit = n
	}
	out, err := s.svc.Peek(r.Context(), qname, limit)
	if err != nil {
		serviceError(w, "peek", qname, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	qname := queueParam(r)
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid id: %v", err)
		return
	}
	res, err := s.svc.Delete(r.Context(), qname, id, r.URL.Query().Get("receipt"))
	if err != nil {
		serviceError(w, "delete", qname, err)
		return
	}
	// not_found and lost_ownership are answers, not failures.
	writeJSON(w, http.StatusOK, &DeleteResponse{Result: res})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	qname := queueParam(r)
	n, err := s.svc.ApproximateCount(r.Context(), qname)
	if err != nil {
		serviceError(w, "count", qname, err)
		return
	}
	writeJSON(w, http.StatusOK, &CountResponse{Count: n})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	qname := queueParam(r)
	if err := s.svc.Clear(r.Context(), qname); err != nil {
		serviceError(w, "clear", qname, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------- helpers ----------

// chi matches against the raw path, so escaped queue names arrive encoded.
func queueParam(r *http.Request) string {
	q := chi.URLParam(r, "queue")
	if v, err := url.PathUnescape(q); err == nil {
		return v
	}
	return q
}

func serviceError(w http.ResponseWriter, op, qname string, err error) {
	if errors.Is(err, queue.ErrInvalidQueue) || errors.Is(err, service.ErrInvalidVisibility) {
		httpError(w, http.StatusBadRequest, "%v", err)
		return
	}
	log.Error().Err(err).Str("queue", qname).Str("op", op).Msg("request failed")
	httpError(w, http.StatusInternalServerError, "%s failed: %v", op, err)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
