// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package admin exposes a small HTTP API for operating a taskqueue
// Manager: submitting jobs, inspecting statuses and results, working
// the dead letter queue, and watching live statistics over a
// websocket.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taskqueue-io/taskqueue"
)

// Server wires a Manager into an HTTP router.
type Server struct {
	m        *taskqueue.Manager
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer creates an admin server for the given manager.
func NewServer(m *taskqueue.Manager, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		m:   m,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router returns the HTTP handler for the admin API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleJobStatus)
	r.Get("/jobs/{id}/result", s.handleJobResult)

	r.Get("/stats", s.handleStats)
	r.Get("/stats/ws", s.handleStatsFeed)

	r.Route("/dlq", func(r chi.Router) {
		r.Get("/", s.handleDLQList)
		r.Get("/stats", s.handleDLQStats)
		r.Get("/{id}", s.handleDLQEntry)
		r.Post("/{id}/retry", s.handleDLQRetry)
		r.Post("/retry", s.handleDLQBatchRetry)
		r.Delete("/", s.handleDLQCleanup)
	})

	r.Post("/retries/process", s.handleProcessRetries)

	r.Get("/breakers", s.handleBreakers)
	r.Post("/breakers/{name}/reset", s.handleBreakerReset)

	return r
}

// -- Jobs --

type submitRequest struct {
	Type       string                  `json:"type"`
	Priority   int                     `json:"priority"`
	MaxRetries int                     `json:"max_retries"`
	TimeoutMs  int64                   `json:"timeout_ms"`
	Mode       taskqueue.ExecutionMode `json:"execution_mode"`
	Payload    taskqueue.Payload       `json:"payload"`
	ClientID   string                  `json:"client_id"`
	UserID     int64                   `json:"user_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, err)
		return
	}
	job := &taskqueue.Job{
		Type:       req.Type,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		TimeoutMs:  req.TimeoutMs,
		Mode:       req.Mode,
		Payload:    req.Payload,
		ClientID:   req.ClientID,
		UserID:     req.UserID,
	}
	id, err := s.m.Submit(r.Context(), job)
	if err == taskqueue.ErrQueueFull {
		s.error(w, http.StatusServiceUnavailable, err)
		return
	}
	if err != nil {
		s.error(w, http.StatusBadRequest, err)
		return
	}
	s.log.Info("job submitted",
		zap.String("id", id),
		zap.String("type", job.Type),
		zap.String("mode", string(job.Mode)))
	s.json(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.m.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	s.json(w, http.StatusOK, job)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.m.Result(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	s.json(w, http.StatusOK, result)
}

// -- Stats --

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.m.Stats(r.Context())
	if err != nil {
		s.error(w, http.StatusInternalServerError, err)
		return
	}
	s.json(w, http.StatusOK, stats)
}

// Websocket keepalive parameters.
const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	statsInterval = 2 * time.Second
)

// handleStatsFeed upgrades to a websocket and pushes a stats snapshot
// every two seconds until the client disconnects.
func (s *Server) handleStatsFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Drain incoming messages so pongs are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	for {
		select {
		case <-statsTicker.C:
			stats, err := s.m.Stats(r.Context())
			if err != nil {
				s.log.Warn("stats snapshot failed", zap.Error(err))
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(stats); err != nil {
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// -- Dead letter queue --

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	filter := taskqueue.DLQFilter{
		JobType: r.URL.Query().Get("type"),
	}
	if v := r.URL.Query().Get("retryable"); v != "" {
		retryable := v == "true"
		filter.CanBeRetried = &retryable
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		var limit int
		if err := json.Unmarshal([]byte(v), &limit); err == nil {
			filter.Limit = limit
		}
	}
	entries, err := s.m.DLQ().Entries(r.Context(), filter)
	if err != nil {
		s.error(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*taskqueue.DLQEntry{}
	}
	s.json(w, http.StatusOK, entries)
}

func (s *Server) handleDLQEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.m.DLQ().Entry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	s.json(w, http.StatusOK, entry)
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.m.DLQ().Stats(r.Context())
	if err != nil {
		s.error(w, http.StatusInternalServerError, err)
		return
	}
	s.json(w, http.StatusOK, stats)
}

func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reset := true
	if v := r.URL.Query().Get("resetRetryCount"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.error(w, http.StatusBadRequest, err)
			return
		}
		reset = b
	}
	newID, err := s.m.DLQ().ManualRetry(r.Context(), id, reset)
	if err == taskqueue.ErrNotFound {
		s.error(w, http.StatusNotFound, err)
		return
	}
	if err == taskqueue.ErrNotRetryable {
		s.error(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		s.error(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.log.Info("dead letter entry replayed",
		zap.String("entry", id),
		zap.String("job", newID))
	s.json(w, http.StatusOK, map[string]string{"newJobId": newID})
}

func (s *Server) handleDLQBatchRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs             []string `json:"ids"`
		ResetRetryCount *bool    `json:"resetRetryCount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.error(w, http.StatusBadRequest, err)
		return
	}
	reset := true
	if req.ResetRetryCount != nil {
		reset = *req.ResetRetryCount
	}
	results := s.m.DLQ().BatchRetry(r.Context(), req.IDs, reset)
	s.json(w, http.StatusOK, results)
}

func (s *Server) handleDLQCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := 7 * 24 * time.Hour
	if v := r.URL.Query().Get("olderThan"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			s.error(w, http.StatusBadRequest, err)
			return
		}
		maxAge = d
	}
	n, err := s.m.DLQ().Cleanup(r.Context(), maxAge)
	if err != nil {
		s.error(w, http.StatusInternalServerError, err)
		return
	}
	s.json(w, http.StatusOK, map[string]int{"removed": n})
}

// -- Retries --

func (s *Server) handleProcessRetries(w http.ResponseWriter, r *http.Request) {
	n, err := s.m.ProcessRetriesNow(r.Context())
	if err != nil {
		s.error(w, http.StatusInternalServerError, err)
		return
	}
	s.json(w, http.StatusOK, map[string]int{"requeued": n})
}

// -- Circuit breakers --

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, s.m.Breakers().Stats())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.m.Breakers().Reset(name) {
		http.Error(w, "unknown breaker", http.StatusNotFound)
		return
	}
	s.log.Info("circuit breaker reset", zap.String("name", name))
	w.WriteHeader(http.StatusNoContent)
}

// -- Helpers --

func (s *Server) json(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) error(w http.ResponseWriter, code int, err error) {
	s.json(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error) {
	if err == taskqueue.ErrNotFound {
		s.error(w, http.StatusNotFound, err)
		return
	}
	s.error(w, http.StatusInternalServerError, err)
}
