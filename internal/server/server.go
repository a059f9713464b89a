// Package server exposes the conversation controller to the telephony
// platform: the turn webhook, the single-use audio endpoint and the call
// status callback, plus health and metrics endpoints.
package server

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/chriscow/callagent-go/pkg/agent"
	"github.com/chriscow/callagent-go/pkg/clip"
	"github.com/chriscow/callagent-go/pkg/twiml"
)

// SessionCookie carries the session token between turns of a call. The
// platform keeps cookies for the lifetime of a call.
const SessionCookie = "callagent_session"

const (
	DefaultShutdownTimeout = 10 * time.Second
	// writeTimeout covers the slowest turn: LLM plus TTS plus margin.
	writeTimeout = 20 * time.Second
)

// Config holds configuration for creating a Server.
type Config struct {
	Controller *agent.Controller
	Clips      clip.Store

	// PublicURL is the origin the platform calls, used to check request
	// signatures and to decide whether cookies are Secure.
	PublicURL string
	// AuthToken enables webhook signature checks when set.
	AuthToken string

	Logger *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	ctrl      *agent.Controller
	clips     clip.Store
	publicURL string
	secure    bool
	logger    *slog.Logger
	handler   http.Handler
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("Controller is required")
	}
	if cfg.Clips == nil {
		return nil, fmt.Errorf("Clips store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		ctrl:      cfg.Controller,
		clips:     cfg.Clips,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
		secure:    strings.HasPrefix(cfg.PublicURL, "https://"),
		logger:    cfg.Logger,
	}

	webhook := func(h http.HandlerFunc) http.Handler {
		if cfg.AuthToken == "" {
			return h
		}
		return RequireSignature(cfg.AuthToken, s.publicURL, s.logger, h)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /voice", webhook(s.handleVoice))
	mux.Handle("POST /status", webhook(s.handleStatus))
	mux.HandleFunc("GET /audio/{id}", s.handleAudio)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /debug/vars", s.handleVars)

	s.handler = Recover(s.logger, AccessLog(s.logger, mux))
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// turns for up to DefaultShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String(), "public_url", s.publicURL)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	ev := agent.Event{
		CallSID:    r.PostForm.Get("CallSid"),
		Speech:     r.PostForm.Get("SpeechResult"),
		Reprompt:   q.Get("reprompt") == "1",
		Persona:    q.Get("persona"),
		Voice:      q.Get("voice"),
		CallerName: q.Get("name"),
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		ev.Token = c.Value
	}

	resp, err := s.ctrl.HandleTurn(r.Context(), ev)
	if err != nil {
		// The platform hung up mid-turn; nobody is listening for a reply.
		s.logger.Info("turn abandoned", "call_sid", ev.CallSID, "error", err)
		return
	}

	http.SetCookie(w, s.sessionCookie(resp))
	w.Header().Set("Content-Type", twiml.ContentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(resp.TwiML)
}

func (s *Server) sessionCookie(resp agent.Response) *http.Cookie {
	c := &http.Cookie{
		Name:     SessionCookie,
		Value:    resp.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
	if resp.State == agent.StateEnded || resp.Token == "" {
		c.Value = ""
		c.MaxAge = -1
	}
	return c
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.Method == http.MethodHead {
		// Probes must not consume the single read.
		w.Header().Set("Content-Type", "audio/mpeg")
		return
	}

	c, err := s.clips.Take(r.Context(), id)
	if errors.Is(err, clip.ErrNotFound) {
		s.logger.Debug("clip not found", "clip_id", id)
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("taking clip", "clip_id", id, "error", err)
		http.Error(w, "clip store unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", c.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.Data)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(c.Data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}
	s.ctrl.HandleStatus(r.PostForm.Get("CallSid"), r.PostForm.Get("CallStatus"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

// handleVars writes the published expvars plus the controller's own
// metrics under "agent", in the same format as expvar.Handler.
func (s *Server) handleVars(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	fmt.Fprintf(w, "{\n")
	expvar.Do(func(kv expvar.KeyValue) {
		fmt.Fprintf(w, "%q: %s,\n", kv.Key, kv.Value)
	})
	fmt.Fprintf(w, "%q: %s\n}\n", "agent", s.ctrl.Metrics().Var())
}
