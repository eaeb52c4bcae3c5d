package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"nbdeploy/internal/telemetry"
	"nbdeploy/internal/transport"
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodHead:   true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Server relays envelopes to the platform over one cookie-holding session,
// so the login cookie set by /login_check is reused by every later call.
type Server struct {
	settings Settings
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	follow   *http.Client
	noFollow *http.Client

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	startTime time.Time
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracer = telemetry.Tracer(tp)
	}
}

// WithTransport overrides the upstream round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Server) {
		if rt != nil {
			s.follow.Transport = rt
			s.noFollow.Transport = rt
		}
	}
}

func NewServer(settings Settings, opts ...Option) (*Server, error) {
	settings.normalize()
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("proxy: cookie jar: %w", err)
	}
	s := &Server{
		settings: settings,
		logger:   zap.NewNop(),
		tracer:   telemetry.Tracer(nil),
		follow:   &http.Client{Jar: jar, Timeout: settings.UpstreamTimeout},
		noFollow: &http.Client{
			Jar:     jar,
			Timeout: settings.UpstreamTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc(transport.ProxyPath, s.handleProxy)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("proxy: server already started")
	}
	listener, err := net.Listen("tcp", s.settings.Listen)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", s.settings.Listen, err)
	}
	s.listener = listener
	s.startTime = time.Now()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("proxy serve failed", zap.Error(err))
		}
	}()
	s.logger.Info("proxy listening", zap.String("addr", listener.Addr().String()), zap.String("root_url", s.settings.RootURL))
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		addr = s.settings.Listen
	}
	return "http://" + addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	s.mu.RLock()
	started := s.startTime
	s.mu.RUnlock()
	uptime := int64(0)
	if !started.IsZero() {
		uptime = int64(time.Since(started).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"root_url":       s.settings.RootURL,
		"uptime_seconds": uptime,
	})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.reply(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	reader := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer reader.Close()
	body, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.reply(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload exceeds limit"})
			return
		}
		s.reply(w, http.StatusBadRequest, map[string]string{"error": "unable to read body"})
		return
	}
	var env transport.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.reply(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	env.Method = strings.ToUpper(strings.TrimSpace(env.Method))
	if env.Method == "" {
		env.Method = http.MethodGet
	}
	if !allowedMethods[env.Method] {
		s.reply(w, http.StatusBadRequest, map[string]string{"error": "unsupported method " + env.Method})
		return
	}
	target, ok := s.settings.resolve(env.URL)
	if !ok {
		s.logger.Warn("proxy rejected url", zap.String("url", env.URL))
		s.reply(w, http.StatusNotFound, map[string]string{"error": "url not allowed"})
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "proxy.relay", trace.WithAttributes(
		attribute.String("http.method", env.Method),
		attribute.String("upstream.url", target),
	))
	defer span.End()

	status, contentType, out, err := s.relay(ctx, env, target)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unreachable")
		s.logger.Warn("proxy upstream failed",
			zap.String("method", env.Method),
			zap.String("url", target),
			zap.Error(err),
		)
		s.reply(w, http.StatusInternalServerError, map[string]string{"error": "upstream unreachable"})
		return
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	s.metrics.ObserveProxyRequest(strconv.Itoa(status))
	// 500 from the relay means the upstream could not be reached.
	if status == http.StatusInternalServerError {
		status = http.StatusBadGateway
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(out)
}

func (s *Server) relay(ctx context.Context, env transport.Envelope, target string) (int, string, []byte, error) {
	body, contentType, err := encodeBody(env)
	if err != nil {
		return 0, "", nil, err
	}
	req, err := http.NewRequestWithContext(ctx, env.Method, target, body)
	if err != nil {
		return 0, "", nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	client := s.noFollow
	if env.AllowRedirects {
		client = s.follow
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", nil, err
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), out, nil
}

func encodeBody(env transport.Envelope) (io.Reader, string, error) {
	switch {
	case env.File != nil:
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		for k, v := range env.Form {
			if err := mw.WriteField(k, v); err != nil {
				return nil, "", err
			}
		}
		field := env.File.Field
		if field == "" {
			field = "file"
		}
		part, err := mw.CreateFormFile(field, env.File.Name)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(env.File.Content); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	case len(env.JSON) > 0:
		return bytes.NewReader(env.JSON), "application/json", nil
	case len(env.Form) > 0:
		values := url.Values{}
		for k, v := range env.Form {
			values.Set(k, v)
		}
		return strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	default:
		return nil, "", nil
	}
}

func (s *Server) reply(w http.ResponseWriter, status int, payload any) {
	s.metrics.ObserveProxyRequest(strconv.Itoa(status))
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
