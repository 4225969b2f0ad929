// Package decoy serves the fake login surface attackers interact with.
// Every request is captured; no submitted credential ever succeeds, except
// the bait password that leads deeper into the trap.
package decoy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webtrap/webtrap/internal/capture"
	"github.com/webtrap/webtrap/internal/classify"
)

// maxRequestBody caps how much of a request body the decoy reads.
const maxRequestBody = 1 << 20

// unlockTTL is how long the fake admin area stays open for an IP after it
// submits the bait password. Browsing /admin/ cold redirects to the login
// page, like a real panel would.
const unlockTTL = 10 * time.Minute

// fakeServerHeaders are rotated per response so fingerprinting tools see an
// inconsistent, believable stack.
var fakeServerHeaders = []string{
	"Apache/2.4.41 (Ubuntu)",
	"nginx/1.18.0",
	"Microsoft-IIS/10.0",
	"Apache/2.4.51 (Debian)",
	"nginx/1.22.1",
}

// Options controls the decoy server behavior.
type Options struct {
	// Bind address, e.g. "0.0.0.0:8080"
	Bind string
	// Recorder persists captured events
	Recorder *capture.Recorder
	// MinDelay/MaxDelay bound the jittered response delay on login
	// submissions, imitating a real backend checking credentials.
	MinDelay time.Duration
	MaxDelay time.Duration
	// RPS is the per-IP request rate limit. 0 disables limiting.
	RPS int
	// Burst is the per-IP token bucket size. If 0 and RPS>0, defaults to RPS.
	Burst int
	// Logger for minimal logs (optional)
	Logger *log.Logger
}

// Server is the decoy HTTP server.
type Server struct {
	srv     *http.Server
	opts    Options
	limiter *ipLimiter
	logger  *log.Logger
	started int32

	unlockMu sync.Mutex
	unlocks  map[string]time.Time
}

// NewServer constructs the decoy server.
func NewServer(opts Options) (*Server, error) {
	if opts.Recorder == nil {
		return nil, errors.New("decoy server requires a recorder")
	}
	if opts.Bind == "" {
		opts.Bind = "0.0.0.0:8080"
	}
	if opts.MinDelay <= 0 {
		opts.MinDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= opts.MinDelay {
		opts.MaxDelay = opts.MinDelay + time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[decoy] ", log.LstdFlags)
	}

	var lim *ipLimiter
	if opts.RPS > 0 {
		if opts.Burst <= 0 {
			opts.Burst = opts.RPS
		}
		lim = newIPLimiter(opts.RPS, opts.Burst)
	}

	s := &Server{
		opts:    opts,
		limiter: lim,
		logger:  logger,
		unlocks: make(map[string]time.Time),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/login", s.handleLogin)
	mux.HandleFunc("/admin/", s.handleAdmin)

	s.srv = &http.Server{
		Addr:         opts.Bind,
		Handler:      s.disguise(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start begins serving concurrently and attaches to ctx for shutdown.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("decoy server already started")
	}
	ln, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Bind, err)
	}
	s.logger.Printf("Decoy listening on http://%s rps=%d", s.opts.Bind, s.opts.RPS)

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

// Handler exposes the decoy handler for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// disguise sets a rotating fake Server header and applies the per-IP rate
// limit before the real handlers run.
func (s *Server) disguise(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", fakeServerHeaders[rand.Intn(len(fakeServerHeaders))])
		w.Header().Set("X-Powered-By", "PHP/7.4.3")

		if s.limiter != nil && !s.limiter.Allow(capture.ClientIP(r)) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		// Unknown paths are probes worth keeping.
		body := s.readBody(r)
		s.opts.Recorder.Record(r.Context(), r, body)
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.renderLogin(w, "")
	case http.MethodPost:
		s.handleLoginPost(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleLoginPost(w http.ResponseWriter, r *http.Request) {
	body := s.readBody(r)
	event := s.opts.Recorder.Record(r.Context(), r, body)

	s.delay(r.Context())

	// The bait password opens the fake admin area; everything else fails
	// the same way regardless of the username.
	if event.FormData["password"] == classify.AdminUnlockPassword {
		s.logger.Printf("Admin unlock from %s", event.ClientIP)
		s.grantUnlock(event.ClientIP)
		http.Redirect(w, r, "/admin/", http.StatusFound)
		return
	}

	w.WriteHeader(http.StatusUnauthorized)
	s.renderLogin(w, "Invalid username or password.")
}

func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	body := s.readBody(r)
	event := s.opts.Recorder.Record(r.Context(), r, body)

	// Cold visits go back to the login page, the way a real panel bounces
	// sessions it does not recognize. The probe is still captured above.
	if !s.unlocked(event.ClientIP) {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	renderAdmin(w)
}

func (s *Server) grantUnlock(ip string) {
	s.unlockMu.Lock()
	defer s.unlockMu.Unlock()
	s.unlocks[ip] = time.Now().Add(unlockTTL)
}

func (s *Server) unlocked(ip string) bool {
	s.unlockMu.Lock()
	defer s.unlockMu.Unlock()
	until, ok := s.unlocks[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.unlocks, ip)
		return false
	}
	return true
}

// readBody drains and returns the request body, bounded.
func (s *Server) readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil
	}
	return body
}

// delay sleeps a jittered interval so response timing resembles a backend
// doing real credential checks.
func (s *Server) delay(ctx context.Context) {
	span := s.opts.MaxDelay - s.opts.MinDelay
	d := s.opts.MinDelay + time.Duration(rand.Int63n(int64(span)))
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
