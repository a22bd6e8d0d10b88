// Package intake implements the HTTP signal receiver: authentication,
// IP allow-listing, JSON/free-text parsing, and enqueueing onto the
// sequencer. It never blocks on broker I/O - a successful parse enqueues
// and returns immediately; dispatch happens asynchronously on the
// sequencer's worker.
package intake

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/riverbend/signalbot/internal/dispatcher"
	"github.com/riverbend/signalbot/internal/events"
	"github.com/riverbend/signalbot/internal/models"
	"github.com/riverbend/signalbot/internal/reaper"
	"github.com/riverbend/signalbot/internal/sequencer"
)

// maxBodyBytes caps the webhook body so a malicious or misconfigured
// sender can't exhaust memory; any legitimate alert payload is a few
// hundred bytes.
const maxBodyBytes = 64 << 10

// builtinAllowedIPs are always permitted regardless of the configured
// allow-list - the charting platform's own published outbound webhook
// addresses.
var builtinAllowedIPs = []string{
	"52.89.214.238",
	"34.212.75.30",
	"54.218.53.128",
	"52.32.178.7",
}

// Config configures the intake HTTP server.
type Config struct {
	Port       int
	Secret     string
	AllowedIPs []string
	PathPrefix string
}

// StatusSnapshot is the bot-level state /status reports alongside what the
// intake server tracks itself (queue depth, subscriber count): process
// uptime, each account's most recent dispatch outcome, and the expiry
// reaper's last cycle.
type StatusSnapshot struct {
	StartedAt       time.Time
	AccountOutcomes map[string]dispatcher.AccountOutcome
	ReaperLastCycle time.Time
	ReaperStats     []reaper.AccountStats
}

// StatusFunc supplies the current StatusSnapshot on demand.
type StatusFunc func() StatusSnapshot

// Server is the signal intake HTTP surface.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	cfg      Config
	seq      *sequencer.Sequencer
	bus      *events.Bus
	logger   *logrus.Logger
	statusFn StatusFunc

	allowNets []*net.IPNet
	allowIPs  map[string]bool
}

// NewServer builds a Server. Routes are registered immediately. statusFn
// may be nil, in which case /status reports only the intake-local fields.
func NewServer(cfg Config, seq *sequencer.Sequencer, bus *events.Bus, logger *logrus.Logger, statusFn StatusFunc) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		seq:      seq,
		bus:      bus,
		logger:   logger,
		statusFn: statusFn,
	}
	s.compileAllowList()
	s.setupRoutes()
	return s
}

func (s *Server) compileAllowList() {
	s.allowIPs = make(map[string]bool)
	for _, raw := range append(append([]string{}, s.cfg.AllowedIPs...), builtinAllowedIPs...) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if _, cidr, err := net.ParseCIDR(raw); err == nil {
			s.allowNets = append(s.allowNets, cidr)
			continue
		}
		s.allowIPs[raw] = true
	}
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	prefix := s.cfg.PathPrefix

	s.router.Get(prefix+"/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.ipAllowMiddleware)
		r.Use(s.authMiddleware)
		r.Post(prefix+"/webhook", s.handleWebhook)
		r.Post(prefix+"/webhook/test", s.handleWebhookTest)
		r.Get(prefix+"/status", s.handleStatus)
		r.Get(prefix+"/queue", s.handleQueue)
	})
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.Status(),
			"duration": time.Since(start),
			"remote":   r.RemoteAddr,
		}).Info("signal intake request")
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) ipAllowMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.cfg.AllowedIPs) == 0 {
			// The allow-list is an optional feature; an empty configured
			// list means it is off, not "deny everything".
			next.ServeHTTP(w, r)
			return
		}
		ip := net.ParseIP(clientIP(r))
		if ip != nil && s.ipAllowed(ip) {
			next.ServeHTTP(w, r)
			return
		}
		s.logger.WithField("remote", r.RemoteAddr).Warn("signal intake: blocked by IP allow-list")
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}

func (s *Server) ipAllowed(ip net.IP) bool {
	if s.allowIPs[ip.String()] {
		return true
	}
	for _, n := range s.allowNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// authMiddleware checks the shared secret against, in order: the Bearer
// auth header, a dedicated token header, a query string parameter, and a
// token/secret field in a JSON body. Body bytes consumed while probing for
// the last case are restored onto the request before calling next.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, restoredBody, err := s.extractToken(r)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if restoredBody != nil {
			r.Body = bodyReader(restoredBody)
		}
		if !validToken(token, s.cfg.Secret) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) extractToken(r *http.Request) (string, []byte, error) {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer "), nil, nil
	}
	if tok := r.Header.Get("X-Webhook-Token"); tok != "" {
		return tok, nil, nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil, nil
	}
	if tok := r.URL.Query().Get("secret"); tok != "" {
		return tok, nil, nil
	}
	if r.Body == nil {
		return "", nil, nil
	}
	body, err := readLimited(r.Body)
	if err != nil {
		return "", nil, err
	}
	var probe struct {
		Token  string `json:"token"`
		Secret string `json:"secret"`
	}
	_ = json.Unmarshal(body, &probe) // free-text bodies fail to unmarshal; that's fine, no token found
	if probe.Token != "" {
		return probe.Token, body, nil
	}
	return probe.Secret, body, nil
}

func validToken(token, secret string) bool {
	if token == "" || secret == "" {
		return false
	}
	if len(token) != len(secret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}

func readLimited(r io.Reader) ([]byte, error) {
	buf := new(bytes.Buffer)
	limited := &io.LimitedReader{R: r, N: maxBodyBytes}
	if _, err := buf.ReadFrom(limited); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bodyReader(body []byte) *nopCloser {
	return &nopCloser{bytes.NewReader(body)}
}

type nopCloser struct{ *bytes.Reader }

func (*nopCloser) Close() error { return nil }

// handleWebhook parses, validates, and enqueues a signal.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	sig, err := s.parseRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	sig.Normalize()
	if err := sig.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	sig.RequestID = uuid.New().String()
	sig.ReceivedAt = time.Now().UTC()

	pos := s.seq.Enqueue(sig)

	s.logger.WithFields(logrus.Fields{
		"request_id": sig.RequestID,
		"symbol":     sig.Symbol,
		"side":       sig.Side,
		"queue_pos":  pos,
	}).Info("signal queued")

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":         "queued",
		"request_id":     sig.RequestID,
		"queue_position": pos,
		"signal":         sig,
		"timestamp":      sig.ReceivedAt,
	})
}

// handleWebhookTest parses and validates but never enqueues - an echo
// endpoint operators use to sanity-check a chart alert template.
func (s *Server) handleWebhookTest(w http.ResponseWriter, r *http.Request) {
	sig, err := s.parseRequest(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	sig.Normalize()
	if err := sig.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "parsed",
		"signal": sig,
	})
}

func (s *Server) parseRequest(r *http.Request) (models.Signal, error) {
	body, err := readLimited(r.Body)
	if err != nil {
		return models.Signal{}, fmt.Errorf("reading request body: %w", err)
	}

	contentType := r.Header.Get("Content-Type")
	trimmed := strings.TrimSpace(string(body))

	if strings.Contains(contentType, "application/json") || strings.HasPrefix(trimmed, "{") {
		sig, jsonErr := parseJSON(body)
		if jsonErr == nil {
			return sig, nil
		}
		if strings.Contains(contentType, "application/json") {
			return models.Signal{}, jsonErr
		}
	}
	return ParseFreeText(trimmed)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var snap StatusSnapshot
	if s.statusFn != nil {
		snap = s.statusFn()
	}
	var uptimeSeconds float64
	if !snap.StartedAt.IsZero() {
		uptimeSeconds = time.Since(snap.StartedAt).Seconds()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "running",
		"queue_depth":       s.seq.Depth(),
		"subscribers":       s.bus.SubscriberCount(),
		"time":              time.Now().UTC(),
		"uptime_seconds":    uptimeSeconds,
		"account_outcomes":  snap.AccountOutcomes,
		"reaper_last_cycle": snap.ReaperLastCycle,
		"reaper_stats":      snap.ReaperStats,
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"queue_depth": s.seq.Depth(),
	}
	if age, ok := s.seq.OldestQueuedAge(); ok {
		resp["oldest_age_seconds"] = age.Seconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"status": "error", "message": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Start blocks serving HTTP until Shutdown is called or the server fails.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("signal intake listening on :%d", s.cfg.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
