// Package dashboard serves the operator API: querying captured events,
// aggregate statistics, the attack map, CSV export and the live websocket
// feed, all behind a password login.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/webtrap/webtrap/internal/bus"
	"github.com/webtrap/webtrap/internal/store"
	"github.com/webtrap/webtrap/internal/visibility"
)

// defaultEventLimit and maxEventLimit bound the events listing page size.
const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Options configures the dashboard server.
type Options struct {
	// Bind address, e.g. "127.0.0.1:9090"
	Bind string
	// Password authenticates operator logins. Empty disables the dashboard
	// entirely rather than running it open.
	Password string
	Store    *store.Store
	Bus      bus.Bus
	Logger   *log.Logger
}

// Server is the operator dashboard HTTP server.
type Server struct {
	srv      *http.Server
	opts     Options
	sessions *SessionStore
	hub      *Hub
	logger   *log.Logger
	started  int32
}

// NewServer constructs the dashboard server.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, errors.New("dashboard requires a store")
	}
	if opts.Password == "" {
		return nil, errors.New("dashboard requires a password")
	}
	if opts.Bind == "" {
		opts.Bind = "127.0.0.1:9090"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	s := &Server{
		opts:     opts,
		sessions: NewSessionStore(),
		hub:      NewHub(opts.Bus, logger),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/api/login", s.handleLogin)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)
		r.Post("/api/logout", s.handleLogout)
		r.Get("/api/events", s.handleEvents)
		r.Get("/api/event/{id}", s.handleEvent)
		r.Get("/api/stats", s.handleStats)
		r.Get("/api/map_points", s.handleMapPoints)
		r.Get("/api/export/csv", s.handleExportCSV)
		r.Get("/ws/events", s.hub.ServeWS)
	})

	s.srv = &http.Server{
		Addr:         opts.Bind,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start begins serving concurrently and attaches to ctx for shutdown. The
// live hub starts with the server.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("dashboard server already started")
	}
	ln, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Bind, err)
	}
	s.logger.Printf("Dashboard listening on http://%s", s.opts.Bind)

	s.hub.Run(ctx)

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("graceful shutdown failed: %v", err)
		}
	}()
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

type ctxKey int

const sessionKey ctxKey = 0

// requireSession rejects requests without a live operator session.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := s.sessions.FromRequest(r)
		if sess == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
	})
}

func sessionFrom(r *http.Request) *Session {
	sess, _ := r.Context().Value(sessionKey).(*Session)
	return sess
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(body.Password), []byte(s.opts.Password)) != 1 {
		s.logger.Printf("Failed dashboard login from %s", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid password")
		return
	}

	sess := s.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  sess.Expires,
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"login_time": store.FormatTime(sess.LoginTime),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sess := sessionFrom(r); sess != nil {
		s.sessions.Delete(sess.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   store.FormatTime(time.Now()),
	}
	if s.opts.Bus != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Bus.HealthCheck(ctx); err != nil {
			health["status"] = "degraded"
			health["bus"] = err.Error()
		} else {
			health["bus"] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, health)
}

// filtersFrom resolves the session visibility window and query overrides
// into store filters.
func filtersFrom(r *http.Request) store.Filters {
	q := r.URL.Query()
	var loginTime time.Time
	if sess := sessionFrom(r); sess != nil {
		loginTime = sess.LoginTime
	}
	return visibility.Effective(loginTime, visibility.Overrides{
		Since:      q.Get("since"),
		Until:      q.Get("until"),
		IP:         q.Get("ip"),
		Country:    q.Get("country"),
		AttackType: q.Get("type"),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), defaultEventLimit, 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	offset, err := intParam(q.Get("offset"), 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	filters := filtersFrom(r)

	events, err := s.opts.Store.Recent(r.Context(), limit, offset, filters)
	if err != nil {
		s.logger.Printf("Events query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	total, err := s.opts.Store.Count(r.Context(), filters)
	if err != nil {
		s.logger.Printf("Count query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events":  events,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
		"filters": filters,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	event, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		s.logger.Printf("Event lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Store.GetDashboardStats(r.Context(), filtersFrom(r))
	if err != nil {
		s.logger.Printf("Stats query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleMapPoints(w http.ResponseWriter, r *http.Request) {
	filters := filtersFrom(r)
	limit, err := intParam(r.URL.Query().Get("limit"), 500, 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	since := filters.Since
	if filters.MatchNone {
		writeJSON(w, http.StatusOK, map[string]interface{}{"points": []store.MapPoint{}})
		return
	}

	points, err := s.opts.Store.MapPoints(r.Context(), limit, since)
	if err != nil {
		s.logger.Printf("Map query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	if points == nil {
		points = []store.MapPoint{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
}

func (s *Server) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	filename := fmt.Sprintf("webtrap-events-%s.csv", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)

	if err := s.opts.Store.ExportCSV(r.Context(), w, filtersFrom(r)); err != nil {
		// Headers are out; the best we can do is log it.
		s.logger.Printf("CSV export failed: %v", err)
	}
}

// intParam parses an integer query parameter. An empty value yields def;
// a malformed value or one below min is the caller's error.
func intParam(v string, def, min int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", v)
	}
	if n < min {
		return 0, fmt.Errorf("below minimum %d: %d", min, n)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
