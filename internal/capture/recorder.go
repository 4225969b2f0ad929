// Package capture turns decoy HTTP traffic into stored events. The recorder
// never propagates failures back to the decoy handler: a broken database or
// bus must not change what an attacker observes.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/webtrap/webtrap/internal/bus"
	"github.com/webtrap/webtrap/internal/classify"
	"github.com/webtrap/webtrap/internal/store"
)

// MaxBodyPreviewBytes caps the raw request body stored with an event.
const MaxBodyPreviewBytes = 2048

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtrap_events_total",
		Help: "Captured decoy events by attack type.",
	}, []string{"attack_type"})

	captureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtrap_capture_errors_total",
		Help: "Capture pipeline failures by stage.",
	}, []string{"stage"})
)

// Options configures a Recorder.
type Options struct {
	Store *store.Store
	Bus   bus.Bus
	// CaptureLog is an optional JSONL append log of every captured event,
	// useful for replay and offline analysis. Empty disables it.
	CaptureLog string
	Logger     *log.Logger
}

// Recorder assembles, classifies and persists events captured by the decoy.
type Recorder struct {
	store  *store.Store
	bus    bus.Bus
	logger *log.Logger

	mu      sync.Mutex
	logFile *os.File
}

// NewRecorder creates a recorder, opening the capture log if configured.
func NewRecorder(opts Options) (*Recorder, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("recorder requires a store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[capture] ", log.LstdFlags)
	}

	r := &Recorder{
		store:  opts.Store,
		bus:    opts.Bus,
		logger: logger,
	}

	if opts.CaptureLog != "" {
		if dir := filepath.Dir(opts.CaptureLog); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create capture log dir: %w", err)
			}
		}
		f, err := os.OpenFile(opts.CaptureLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open capture log: %w", err)
		}
		r.logFile = f
	}

	return r, nil
}

// Close closes the capture log.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.logFile != nil {
		return r.logFile.Close()
	}
	return nil
}

// Record builds an event from the request and persists it. It always
// returns the event, even when some persistence stage failed; failures are
// logged and counted, never surfaced to the decoy response path.
func (r *Recorder) Record(ctx context.Context, req *http.Request, body []byte) *store.Event {
	event := r.build(req, body)

	if _, err := r.store.Insert(ctx, event); err != nil {
		captureErrors.WithLabelValues("store").Inc()
		r.logger.Printf("Failed to store event from %s: %v", event.ClientIP, err)
	}
	eventsTotal.WithLabelValues(event.AttackType).Inc()

	r.appendLog(event)
	r.publish(ctx, event)

	return event
}

// build assembles the stored representation of one request.
func (r *Recorder) build(req *http.Request, body []byte) *store.Event {
	preview := body
	if len(preview) > MaxBodyPreviewBytes {
		preview = preview[:MaxBodyPreviewBytes]
	}

	event := &store.Event{
		Timestamp:      store.FormatTime(time.Now()),
		ClientIP:       ClientIP(req),
		Method:         req.Method,
		Endpoint:       req.URL.Path,
		Headers:        flattenHeader(req.Header),
		QueryParams:    flattenValues(req.URL.Query()),
		Cookies:        flattenCookies(req.Cookies()),
		FormData:       parseForm(req, body),
		UserAgent:      req.UserAgent(),
		RawBodyPreview: string(preview),
	}

	event.AttackType = string(classify.Classify(
		event.FormData["username"], event.FormData["password"]))

	return event
}

func (r *Recorder) appendLog(event *store.Event) {
	if r.logFile == nil {
		return
	}
	line, err := json.Marshal(event)
	if err != nil {
		captureErrors.WithLabelValues("log").Inc()
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.logFile.Write(append(line, '\n')); err != nil {
		captureErrors.WithLabelValues("log").Inc()
		r.logger.Printf("Failed to append capture log: %v", err)
	}
}

func (r *Recorder) publish(ctx context.Context, event *store.Event) {
	if r.bus == nil {
		return
	}
	rawJSON, err := json.Marshal(event)
	if err != nil {
		captureErrors.WithLabelValues("bus").Inc()
		return
	}
	err = r.bus.PublishEvent(ctx, bus.EventMessage{
		EventID:    event.ID,
		ClientIP:   event.ClientIP,
		AttackType: event.AttackType,
		RawJSON:    string(rawJSON),
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		captureErrors.WithLabelValues("bus").Inc()
		r.logger.Printf("Failed to publish event %s: %v", event.ID, err)
	}
}

// ClientIP resolves the requesting address, honoring proxy headers: the
// first X-Forwarded-For hop wins, then X-Real-IP, then the socket peer.
func ClientIP(req *http.Request) string {
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(req.Header.Get("X-Real-IP")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

// flattenHeader keeps the first value of each header. Multi-valued headers
// are rare on login traffic and the first value is the interesting one.
func flattenHeader(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	m := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}

func flattenValues(v url.Values) map[string]string {
	if len(v) == 0 {
		return nil
	}
	m := make(map[string]string, len(v))
	for k, vs := range v {
		if len(vs) > 0 {
			m[k] = vs[0]
		}
	}
	return m
}

func flattenCookies(cookies []*http.Cookie) map[string]string {
	if len(cookies) == 0 {
		return nil
	}
	m := make(map[string]string, len(cookies))
	for _, c := range cookies {
		m[c.Name] = c.Value
	}
	return m
}

// parseForm extracts submitted credentials. The body has already been read
// by the caller, so the urlencoded case parses the raw bytes directly
// instead of going through req.ParseForm.
func parseForm(req *http.Request, body []byte) map[string]string {
	ct := req.Header.Get("Content-Type")

	switch {
	case strings.Contains(ct, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil
		}
		return flattenValues(values)
	case strings.Contains(ct, "application/json"):
		var m map[string]interface{}
		if err := json.Unmarshal(body, &m); err != nil {
			return nil
		}
		out := make(map[string]string, len(m))
		for k, v := range m {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	}
	return nil
}
