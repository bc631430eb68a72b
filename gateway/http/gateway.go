// Package http serves the relay's HTTP surface: the event stream, message
// history, outbound send, translation, channel listing, health and metrics.
package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/health"
	"github.com/c360/chatrelay/message"
	"github.com/c360/chatrelay/metric"
	"github.com/c360/chatrelay/slackapi"
	"github.com/c360/chatrelay/storage"
	"github.com/c360/chatrelay/translate"
)

// Platform is the outbound side of the chat platform.
type Platform interface {
	PostMessage(ctx context.Context, channel, text string) (string, error)
	ListChannels(ctx context.Context) ([]slackapi.Channel, error)
}

// Translator produces translations for /translate and /send.
type Translator interface {
	Translate(ctx context.Context, text string, d translate.Direction) (string, error)
}

// Config tunes the gateway.
type Config struct {
	// MaxRequestSize caps JSON request bodies.
	MaxRequestSize int64
	// RequestTimeout bounds non-streaming handlers.
	RequestTimeout time.Duration
	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MaxRequestSize: 64 << 10,
		RequestTimeout: 90 * time.Second,
		CORSOrigins:    []string{"*"},
	}
}

// Deps are the collaborators behind the routes. Events and Messages are
// required; a nil Platform or Translator disables the matching routes with 503.
type Deps struct {
	Events      http.Handler
	Messages    storage.MessageStore
	Platform    Platform
	Translator  Translator
	Health      *health.Monitor
	Subscribers func() int
	Metrics     *metric.MetricsRegistry
}

// Gateway routes requests to the relay components.
type Gateway struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
}

// NewGateway validates deps and creates the gateway.
func NewGateway(cfg Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if deps.Events == nil || deps.Messages == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "NewGateway", "events handler and message store are required")
	}
	if cfg.MaxRequestSize <= 0 || cfg.RequestTimeout <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "NewGateway", "limits must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, deps: deps, logger: logger.With("component", "gateway")}, nil
}

// Handler returns the routed handler with request-id and logging middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.RegisterHTTPHandlers(mux)
	return g.middleware(mux)
}

// RegisterHTTPHandlers registers every route on mux.
func (g *Gateway) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.Handle("/events", g.deps.Events)
	mux.HandleFunc("GET /history", g.handleHistory)
	mux.HandleFunc("POST /send", g.handleSend)
	mux.HandleFunc("POST /translate", g.handleTranslate)
	mux.HandleFunc("OPTIONS /send", g.handlePreflight)
	mux.HandleFunc("OPTIONS /translate", g.handlePreflight)
	mux.HandleFunc("GET /channels", g.handleChannels)
	mux.HandleFunc("GET /healthz", g.handleHealth)
	if g.deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(g.deps.Metrics.PrometheusRegistry(), promhttp.HandlerOpts{}))
	}
}

// getOrGenerateRequestID extracts the request id header or generates one.
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (g *Gateway) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		g.applyCORS(w, r)
		g.requestsTotal.Add(1)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		if rec.status >= 400 {
			g.requestsFailed.Add(1)
		}
		g.logger.Debug("HTTP request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	for _, allowed := range g.cfg.CORSOrigins {
		if allowed == "*" || allowed == origin {
			if origin != "" && allowed != "*" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Last-Event-ID")
			return
		}
	}
}

func (g *Gateway) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		g.writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	limit := storage.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			g.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = storage.ClampLimit(n)
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	msgs, err := g.deps.Messages.RecentMessages(ctx, channel, limit)
	if err != nil {
		g.fail(w, "history", err)
		return
	}
	g.writeJSON(w, http.StatusOK, struct {
		Channel  string                  `json:"channel"`
		Messages []message.DomainMessage `json:"messages"`
	}{channel, msgs})
}

type sendRequest struct {
	Channel   string `json:"channel"`
	Text      string `json:"text"`
	Translate string `json:"translate,omitempty"`
}

type sendResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if g.deps.Platform == nil {
		g.writeJSON(w, http.StatusServiceUnavailable, sendResponse{Error: "sending disabled"})
		return
	}
	var req sendRequest
	if !g.decode(w, r, &req) {
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Channel == "" || req.Text == "" {
		g.writeJSON(w, http.StatusBadRequest, sendResponse{Error: "channel and text are required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	text := req.Text
	if req.Translate != "" {
		dir, err := translate.ParseDirection(req.Translate)
		if err != nil {
			g.writeJSON(w, http.StatusBadRequest, sendResponse{Error: "unknown translate direction"})
			return
		}
		if g.deps.Translator == nil {
			g.writeJSON(w, http.StatusServiceUnavailable, sendResponse{Error: "translation disabled"})
			return
		}
		out, err := g.deps.Translator.Translate(ctx, text, dir)
		if err != nil {
			g.logger.Warn("Translation before send failed", "error", err)
			g.writeJSON(w, http.StatusBadGateway, sendResponse{Error: translate.Unavailable})
			return
		}
		text = out
	}

	ts, err := g.deps.Platform.PostMessage(ctx, req.Channel, text)
	if err != nil {
		var apiErr *slackapi.APIError
		if errors.As(err, &apiErr) {
			// the platform answered; relay its verdict like a normal response
			g.writeJSON(w, http.StatusOK, sendResponse{Error: apiErr.Code})
			return
		}
		g.logger.Error("Send failed", "channel", req.Channel, "error", err)
		g.writeJSON(w, g.mapErrorToHTTPStatus(err), sendResponse{Error: g.sanitizeError(err)})
		return
	}
	g.writeJSON(w, http.StatusOK, sendResponse{OK: true, TS: ts, Text: text})
}

type translateRequest struct {
	Text      string `json:"text"`
	Direction string `json:"direction"`
}

func (g *Gateway) handleTranslate(w http.ResponseWriter, r *http.Request) {
	if g.deps.Translator == nil {
		g.writeError(w, http.StatusServiceUnavailable, "translation disabled")
		return
	}
	var req translateRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.Direction == "" {
		req.Direction = string(translate.EnglishToPortuguese)
	}
	dir, err := translate.ParseDirection(req.Direction)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "direction must be en-to-pt or pt-to-en")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		g.writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	out, err := g.deps.Translator.Translate(ctx, text, dir)
	if err != nil {
		g.logger.Warn("Translation failed", "direction", dir, "error", err)
		out = translate.Unavailable
	}
	g.writeJSON(w, http.StatusOK, map[string]string{"translation": out})
}

func (g *Gateway) handleChannels(w http.ResponseWriter, r *http.Request) {
	if g.deps.Platform == nil {
		g.writeError(w, http.StatusServiceUnavailable, "platform disabled")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	channels, err := g.deps.Platform.ListChannels(ctx)
	if err != nil {
		g.fail(w, "channels", err)
		return
	}
	if channels == nil {
		channels = []slackapi.Channel{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

type healthResponse struct {
	Status     string        `json:"status"`
	SSEClients int           `json:"sse_clients"`
	Upstream   string        `json:"upstream,omitempty"`
	Components health.Status `json:"components"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if g.deps.Subscribers != nil {
		resp.SSEClients = g.deps.Subscribers()
	}
	if g.deps.Health != nil {
		resp.Components = g.deps.Health.Check("chatrelay")
		for _, sub := range resp.Components.SubStatuses {
			if sub.Component == "upstream" {
				resp.Upstream = sub.Status
				if state, ok := sub.Details["state"].(string); ok {
					resp.Upstream = state
				}
			}
		}
		switch {
		case resp.Components.IsUnhealthy():
			resp.Status = health.StatusUnhealthy
		case resp.Components.IsDegraded():
			resp.Status = health.StatusDegraded
		}
	}
	// always 200: the HTTP surface stays useful while upstream is down
	g.writeJSON(w, http.StatusOK, resp)
}

// decode reads a size-limited JSON body, writing the error response itself.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxRequestSize+1))
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if int64(len(body)) > g.cfg.MaxRequestSize {
		g.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (g *Gateway) fail(w http.ResponseWriter, route string, err error) {
	g.logger.Error("Request failed", "route", route, "error", err)
	g.writeError(w, g.mapErrorToHTTPStatus(err), g.sanitizeError(err))
}

// mapErrorToHTTPStatus maps classified errors to HTTP status codes
func (g *Gateway) mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, errors.ErrMissingPermission):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a message safe to show clients.
func (g *Gateway) sanitizeError(err error) string {
	switch g.mapErrorToHTTPStatus(err) {
	case http.StatusForbidden:
		return "access denied"
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, msg string) {
	g.writeJSON(w, statusCode, map[string]any{"error": msg, "status": statusCode})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		g.logger.Error("Encode response failed", "error", err)
		statusCode = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}

// Stats returns request counters.
func (g *Gateway) Stats() (total, failed uint64) {
	return g.requestsTotal.Load(), g.requestsFailed.Load()
}
