package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"luma/internal/agent"
	"luma/internal/config"
	appLog "luma/internal/log"
	"luma/internal/metrics"
	"luma/internal/query"
	"luma/internal/render"
	"luma/internal/schema"
	"luma/internal/store"
)

// EventStore is the part of *store.Store the API needs.
type EventStore interface {
	Snapshot() store.Snapshot
	Refresh(ctx context.Context) (store.RefreshSummary, error)
	Discard(ctx context.Context, keys []string) (int, error)
	Reset(ctx context.Context) (int, error)
}

// Asker runs agent turns. A nil Asker disables /api/ask.
type Asker interface {
	Ask(ctx context.Context, req agent.Request) (*agent.Answer, error)
}

// Server provides the HTTP API over the event cache.
type Server struct {
	cfg   *config.Config
	store EventStore
	agent Asker
	loc   *time.Location
	now   func() time.Time
	mux   *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, st EventStore, ag Asker) *Server {
	s := &Server{
		cfg:   cfg,
		store: st,
		agent: ag,
		loc:   cfg.Location(),
		now:   time.Now,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Serve.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	ba := s.cfg.Serve.BasicAuth
	// A blank username or password leaves auth off.
	return ba != nil && ba.Username != "" && ba.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.Serve.BasicAuth.Username
	password := s.cfg.Serve.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="luma", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("web: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/events", s.handleEvents)
	s.mux.HandleFunc("POST /api/ask", s.handleAsk)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/discard", s.handleDiscard)
	s.mux.HandleFunc("POST /api/reset", s.handleReset)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

type healthResponse struct {
	Status      string    `json:"status"`
	Events      int       `json:"events"`
	Seen        int       `json:"seen"`
	LastRefresh time.Time `json:"last_refresh,omitzero"`
	Stale       bool      `json:"stale"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	_, stale := snap.Staleness(s.now(), time.Duration(s.cfg.Query.StaleHours)*time.Hour)
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Events:      snap.Len(),
		Seen:        snap.SeenCount(),
		LastRefresh: snap.LastRefresh(),
		Stale:       stale,
	})
}

func (s *Server) queryOptions(now time.Time) query.Options {
	return query.Options{
		Now:          now,
		Location:     s.loc,
		DefaultDays:  s.cfg.Query.DefaultDays,
		DefaultLimit: s.cfg.Query.DefaultLimit,
	}
}

// handleEvents evaluates a query given as URL parameters named like the
// query_events fields.
//
// GET /api/events?range=weekend&min_guest=100&sort=guest
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	spec, err := specFromValues(r.URL.Query())
	if err != nil {
		metrics.ObserveQuery("invalid")
		writeValidation(w, err)
		return
	}
	if spec.Sort == "" {
		spec.Sort = s.cfg.Query.DefaultSort
	}

	now := s.now()
	res, err := query.Evaluate(s.store.Snapshot(), spec, s.queryOptions(now))
	if err != nil {
		metrics.ObserveQuery("invalid")
		writeValidation(w, err)
		return
	}
	metrics.ObserveQuery("ok")
	appLog.Debug("api events request", "args", strings.Join(spec.Args(), " "), "total", res.Total)
	writeJSON(w, http.StatusOK, render.NewQueryOutput(spec, res, now))
}

type askRequest struct {
	Text    string      `json:"text"`
	Filters *query.Spec `json:"filters,omitempty"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent is not configured (set "+config.APIKeyEnv+")")
		return
	}
	var req askRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, `"text" is required`)
		return
	}

	now := s.now()
	ans, err := s.agent.Ask(r.Context(), agent.Request{Text: req.Text, Now: now, Filters: req.Filters})
	if err != nil {
		var ferr *schema.FormatError
		if errors.As(err, &ferr) {
			writeJSON(w, http.StatusBadGateway, errorResponse{Error: ferr.Error(), Reason: ferr.Reason})
			return
		}
		appLog.Error("api ask failed", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	res, err := ans.Evaluate(s.store.Snapshot(), s.queryOptions(now))
	if err != nil {
		writeValidation(w, err)
		return
	}
	writeJSON(w, http.StatusOK, render.NewAnswerOutput(ans.Response, ans.Items, ans.Unknown, res, now))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sum, err := s.store.Refresh(r.Context())
	if err != nil {
		var all *store.AllSourcesFailedError
		if errors.As(err, &all) {
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "failed": all.Failures})
			return
		}
		appLog.Error("api refresh failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type discardRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	var req discardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, `"ids" must list at least one event key`)
		return
	}
	n, err := s.store.Discard(r.Context(), req.IDs)
	if err != nil {
		appLog.Error("api discard failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": n})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.Reset(r.Context())
	if err != nil {
		appLog.Error("api reset failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// specFromValues maps URL parameters onto a Spec. "top" is accepted as an
// alias of "limit".
func specFromValues(q map[string][]string) (query.Spec, error) {
	get := func(k string) string {
		if v := q[k]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	var err error
	intField := func(k string) *int {
		v := get(k)
		if v == "" || err != nil {
			return nil
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			err = &query.ValidationError{Field: k, Value: v, Message: "must be an integer"}
			return nil
		}
		return &n
	}
	floatField := func(k string) *float64 {
		v := get(k)
		if v == "" || err != nil {
			return nil
		}
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = &query.ValidationError{Field: k, Value: v, Message: "must be a number"}
			return nil
		}
		return &f
	}

	spec := query.Spec{
		Range:             get("range"),
		FromDate:          get("from_date"),
		ToDate:            get("to_date"),
		Days:              intField("days"),
		MinGuest:          intField("min_guest"),
		MaxGuest:          intField("max_guest"),
		MinTime:           intField("min_time"),
		MaxTime:           intField("max_time"),
		Day:               get("day"),
		Exclude:           get("exclude"),
		Search:            get("search"),
		Regex:             get("regex"),
		Glob:              get("glob"),
		Sort:              get("sort"),
		LocationType:      get("location_type"),
		City:              get("city"),
		Region:            get("region"),
		Country:           get("country"),
		SearchLat:         floatField("search_lat"),
		SearchLon:         floatField("search_lon"),
		SearchRadiusMiles: floatField("search_radius_miles"),
		Limit:             intField("limit"),
	}
	if spec.Limit == nil {
		spec.Limit = intField("top")
	}
	if v := get("include_seen"); v != "" && err == nil {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			err = &query.ValidationError{Field: "include_seen", Value: v, Message: "must be true or false"}
		}
		spec.IncludeSeen = b
	}
	return spec, err
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func writeValidation(w http.ResponseWriter, err error) {
	var verr *query.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error(), Field: verr.Field})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
