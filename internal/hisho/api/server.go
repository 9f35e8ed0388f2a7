// Package api exposes the assistant over HTTP for voice clients and scripts.
//
// Routes under /api/v1 require a bearer token. /health, /status, /metrics and
// /audio/:name are public.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdobrica/Hisho/common/trace"
	"github.com/bdobrica/Hisho/internal/hisho/assistant"
	"github.com/bdobrica/Hisho/internal/hisho/voice"
)

// DefaultUserID is used when a request does not name a user and
// Config.AnonymousUser is empty.
const DefaultUserID = "api_user"

// DefaultMaxUploadBytes caps multipart audio uploads.
const DefaultMaxUploadBytes = 25 << 20

// Assistant is the subset of *assistant.Assistant the API calls.
type Assistant interface {
	HandleText(ctx context.Context, req assistant.Request) *assistant.Reply
	Confirm(ctx context.Context, req assistant.ConfirmRequest) (*assistant.Reply, error)
	ConfirmUtterance(ctx context.Context, id, utterance, userID, iface string) (*assistant.Reply, error)
}

// Speaker turns reply text into an audio URL; "" means no audio.
type Speaker interface {
	Speak(ctx context.Context, text string) string
}

// StatusProvider reports database health for GET /status.
type StatusProvider interface {
	Ping(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int, error)
}

// HTTPObserver records served requests; *metrics.Metrics implements it.
type HTTPObserver interface {
	ObserveHTTP(method, path string, status int, elapsed time.Duration)
}

var (
	_ Assistant = (*assistant.Assistant)(nil)
	_ Speaker   = (*voice.Speaker)(nil)
)

// Config holds the listener settings.
type Config struct {
	Addr           string
	Token          string
	MaxUploadBytes int64
	// AnonymousUser is stamped on requests without a user_id. It should
	// match the dispatcher's anonymous identity.
	AnonymousUser string
}

// Server is the HTTP front end.
type Server struct {
	cfg         Config
	assistant   Assistant
	transcriber voice.Transcriber
	speaker     Speaker
	cache       *voice.Cache
	status      StatusProvider
	observer    HTTPObserver
	gatherer    prometheus.Gatherer
	startedAt   time.Time
	echo        *echo.Echo
}

// Option configures a Server.
type Option func(*Server)

// WithVoice enables the voice routes and audio URLs in replies. Any argument
// may be nil.
func WithVoice(t voice.Transcriber, s Speaker, c *voice.Cache) Option {
	return func(srv *Server) {
		srv.transcriber = t
		srv.speaker = s
		srv.cache = c
	}
}

// WithStatus reports database health on GET /status.
func WithStatus(sp StatusProvider) Option { return func(s *Server) { s.status = sp } }

// WithMetrics records requests on o and serves g on GET /metrics.
func WithMetrics(o HTTPObserver, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.observer = o
		s.gatherer = g
	}
}

// New builds the server and its routes; it does not listen.
func New(cfg Config, a Assistant, opts ...Option) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.AnonymousUser = strings.TrimSpace(cfg.AnonymousUser); cfg.AnonymousUser == "" {
		cfg.AnonymousUser = DefaultUserID
	}
	s := &Server{
		cfg:       cfg,
		assistant: a,
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	e.Use(s.traceMiddleware)
	if s.observer != nil {
		e.Use(s.metricsMiddleware)
	}

	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	e.GET("/audio/:name", s.handleAudio)

	v1 := e.Group("/api/v1", middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + echo.HeaderAuthorization + ":Bearer ",
		Validator: s.validToken,
		ErrorHandler: func(error, echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API token")
		},
	}))
	upload := middleware.BodyLimit(strconv.FormatInt(cfg.MaxUploadBytes, 10))
	v1.POST("/text-command", s.handleTextCommand)
	v1.POST("/voice-command", s.handleVoiceCommand, upload)
	v1.POST("/confirm", s.handleConfirm)
	v1.POST("/voice-confirm", s.handleVoiceConfirm, upload)
	v1.POST("/tts", s.handleTTS)

	s.echo = e
	return s
}

// ServeHTTP lets tests drive the server with httptest.NewRecorder.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Run listens on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api server listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("api server shutdown error", "err", err)
		}
		return nil
	}
}

func (s *Server) validToken(key string, _ echo.Context) (bool, error) {
	if s.cfg.Token == "" {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.Token)) == 1, nil
}

// traceMiddleware stamps each request with a trace id, reusing X-Trace-ID
// when the caller sent one.
func (s *Server) traceMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		id := req.Header.Get("X-Trace-ID")
		if id == "" {
			id = trace.GenerateID()
		}
		c.SetRequest(req.WithContext(trace.WithTraceID(req.Context(), id)))
		c.Response().Header().Set("X-Trace-ID", id)
		return next(c)
	}
}

func (s *Server) metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Render now so the recorded status is the one the client sees.
			c.Error(err)
		}
		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		s.observer.ObserveHTTP(c.Request().Method, path, c.Response().Status, time.Since(start))
		return nil
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	} else {
		slog.Error("api: unhandled error", "path", c.Path(), "err", err)
	}
	if err := c.JSON(code, CommandResponse{Status: string(assistant.StatusError), Error: msg}); err != nil {
		slog.Warn("api: failed to write error response", "err", err)
	}
}
