// Package httpapi exposes the bridge commands, the message log and the live
// event stream over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/textly/smsbridge/internal/bridge"
	"github.com/textly/smsbridge/internal/gateway"
	"github.com/textly/smsbridge/internal/models"
	"github.com/textly/smsbridge/internal/store"
)

// Commands is the bridge command surface.
type Commands interface {
	SendSMS(ctx context.Context, phone, message string, simSlot *int) (string, error)
	IsDefaultSmsApp(ctx context.Context) (bool, error)
	RequestDefaultSmsApp(ctx context.Context) error
	RequestSmsPermissions(ctx context.Context) error
	Retry(ctx context.Context, id string) (string, error)
}

// MessageLog serves the conversation and settings queries.
type MessageLog interface {
	Threads(ctx context.Context) ([]store.Thread, error)
	SearchThreads(ctx context.Context, query string) ([]store.Thread, error)
	MessagesForThread(ctx context.Context, threadID string, limit, offset int) ([]store.Message, error)
	Search(ctx context.Context, query string) ([]store.Message, error)
	MarkThreadRead(ctx context.Context, threadID string) error
	DeleteThread(ctx context.Context, threadID string) error
	Setting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Events streams bridge events to live listeners.
type Events interface {
	Subscribe(buffer int) (<-chan models.Event, func(), error)
}

// InboundInjector accepts messages as if the gateway had received them.
type InboundInjector interface {
	Receive(records ...gateway.InboundRecord)
}

// Check reports whether one dependency is healthy.
type Check func(ctx context.Context) error

// Dependencies collects what the router serves. Inbound is optional; the
// webhook route is only mounted when it is set.
type Dependencies struct {
	Commands Commands
	Log      MessageLog
	Events   Events
	Inbound  InboundInjector
	Checks   map[string]Check
	Logger   zerolog.Logger
}

type handler struct {
	commands Commands
	log      MessageLog
	events   Events
	inbound  InboundInjector
	checks   map[string]Check
	logger   zerolog.Logger
}

// NewRouter builds the chi router for the bridge API.
func NewRouter(deps Dependencies) (http.Handler, error) {
	if deps.Commands == nil {
		return nil, errors.New("httpapi: commands dependency is required")
	}
	if deps.Log == nil {
		return nil, errors.New("httpapi: message log dependency is required")
	}
	if deps.Events == nil {
		return nil, errors.New("httpapi: events dependency is required")
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	h := &handler{
		commands: deps.Commands,
		log:      deps.Log,
		events:   deps.Events,
		inbound:  deps.Inbound,
		checks:   deps.Checks,
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sms", h.sendSMS)
		r.Get("/events", h.streamEvents)

		r.Get("/default-app", h.defaultApp)
		r.Post("/default-app/request", h.requestDefaultApp)
		r.Post("/permissions/request", h.requestPermissions)

		r.Get("/threads", h.listThreads)
		r.Get("/threads/{id}/messages", h.threadMessages)
		r.Post("/threads/{id}/read", h.markThreadRead)
		r.Delete("/threads/{id}", h.deleteThread)

		r.Get("/messages/search", h.searchMessages)
		r.Post("/messages/{id}/retry", h.retryMessage)

		r.Get("/settings/{key}", h.getSetting)
		r.Put("/settings/{key}", h.putSetting)
	})

	if h.inbound != nil {
		r.Post("/webhooks/inbound", h.injectInbound)
	}
	return r, nil
}

func (h *handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

type errorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func jsonOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, code, msg string) {
	jsonOK(w, status, errorBody{Code: code, Message: msg})
}

// writeError maps a command or store failure to a response.
func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	msg := err.Error()
	var be *bridge.Error
	if errors.As(err, &be) {
		msg = be.Message
	}
	jsonError(w, status, bridge.CodeOf(err), msg)
}
