package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	apierrors "github.com/nkkko/msgselect/internal/api/errors"
	"github.com/nkkko/msgselect/internal/api/models"
	"github.com/nkkko/msgselect/internal/api/response"
	"github.com/nkkko/msgselect/internal/api/validation"
	"github.com/nkkko/msgselect/internal/logging"
	"github.com/nkkko/msgselect/internal/metrics"
	"github.com/nkkko/msgselect/internal/notifier"
	"github.com/nkkko/msgselect/internal/queue"
	"github.com/nkkko/msgselect/internal/telemetry"
	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Maximum request body size in bytes
	MaxBodySize int64

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// Expose /metrics
	MetricsEnabled bool
	MetricsPath    string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MaxBodySize:    1 << 20,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 30 * time.Second,
		MetricsEnabled: true,
		MetricsPath:    "/metrics",
	}
}

// API serves the message queue and the selectors over HTTP
type API struct {
	config     Config
	messages   MessageStore
	selections SelectionRegistry
	streams    StreamServer
	router     chi.Router

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a new API instance
func New(config Config, messages MessageStore, selections SelectionRegistry, streams StreamServer) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = defaults.MaxBodySize
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.MetricsPath == "" {
		config.MetricsPath = defaults.MetricsPath
	}

	a := &API{
		config:     config,
		messages:   messages,
		selections: selections,
		streams:    streams,
		logger:     log.With().Str("component", "api").Logger(),
		metrics:    metrics.GetMetrics(),
	}
	a.router = a.newRouter()
	return a
}

// Handler returns the HTTP handler with all routes and middleware
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) newRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware())
	r.Use(logging.HTTPMiddleware())
	r.Use(a.metricsMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if a.config.MetricsEnabled {
		r.Handle(a.config.MetricsPath, promhttp.Handler())
	}

	// Streams are long lived and must not be cut by the request timeout
	r.Get("/selectors/{name}/stream", a.handleStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(a.config.RequestTimeout))

		r.Get("/selectors", a.handleListSelectors)
		r.Get("/selectors/{name}", a.handleGetSelection)

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", a.handleListMessages)
			r.Put("/", a.handleReplaceMessages)
			r.Post("/", a.handleAddMessages)
			r.Delete("/{id}", a.handleRemoveMessage)
			r.Post("/{id}/resolve", a.handleResolveMessage)
		})
	})

	return r
}

// Start listens on the configured address and serves until ctx is done
func (a *API) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config.Addr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	a.mu.Lock()
	a.server = server
	a.listener = ln
	a.mu.Unlock()

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("API server started")

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Addr returns the bound listen address once the server is started
func (a *API) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Shutdown stops the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.mu.Unlock()

	if server == nil {
		return nil
	}
	a.logger.Info().Msg("Shutting down API server")
	return server.Shutdown(ctx)
}

// metricsMiddleware records request counts and latencies per route
func (a *API) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// fail logs and sends an API error
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierrors.FromError(err)

	path := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		path = rctx.RoutePattern()
	}
	a.metrics.APIErrorsTotal.WithLabelValues(r.Method, path, string(apiErr.Type)).Inc()

	if apiErr.Type == apierrors.ErrorTypeInternal {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Request failed")
		telemetry.MarkSpanError(r.Context(), err)
	}
	response.Error(w, r, apiErr)
}

// queueError maps queue errors onto API errors
func queueError(err error, id proto.MessageID) error {
	switch {
	case errors.Is(err, queue.ErrMessageNotFound):
		return apierrors.NotFoundError("message_not_found", "Message not found").
			WithDetails(map[string]string{"id": string(id)})
	case errors.Is(err, queue.ErrQueueClosed):
		return apierrors.UnavailableError("queue_closed", "Message queue is shut down")
	default:
		return err
	}
}

func (a *API) handleListSelectors(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, &proto.ListSelectorsResponse{
		Selectors: a.selections.Selectors(),
	})
}

func (a *API) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	selection, ok := a.selections.Selection(name)
	if !ok {
		a.fail(w, r, apierrors.NotFoundError("selector_not_found", "Selector not found").
			WithDetails(map[string]string{"name": name}))
		return
	}
	response.JSON(w, r, http.StatusOK, selection)
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := a.streams.ServeWebSocket(w, r, name); err != nil {
		switch {
		case errors.Is(err, notifier.ErrUnknownSelector):
			a.fail(w, r, apierrors.NotFoundError("selector_not_found", "Selector not found"))
		case errors.Is(err, notifier.ErrTooManySubscribers):
			a.fail(w, r, apierrors.ConflictError("too_many_streams", err.Error()))
		case errors.Is(err, notifier.ErrHubClosed):
			a.fail(w, r, apierrors.UnavailableError("stream_closed", "Selector stream is shut down"))
		default:
			a.fail(w, r, err)
		}
	}
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, ok := a.messages.Messages()
	if !ok {
		a.fail(w, r, queueError(queue.ErrQueueClosed, ""))
		return
	}
	response.WithMeta(w, r, http.StatusOK,
		&proto.ListMessagesResponse{Messages: messages},
		map[string]int{"count": len(messages)})
}

func (a *API) handleReplaceMessages(w http.ResponseWriter, r *http.Request) {
	var req models.MessagesRequest
	if err := validation.ParseAndValidate(w, r, &req, a.config.MaxBodySize); err != nil {
		a.logger.Debug().Err(err).Msg("Invalid replace messages request")
		a.fail(w, r, err)
		return
	}

	messages := req.ToProto()
	if err := a.messages.Set(messages); err != nil {
		a.fail(w, r, queueError(err, ""))
		return
	}
	response.JSON(w, r, http.StatusOK, &proto.ReplaceMessagesResponse{Count: len(messages)})
}

func (a *API) handleAddMessages(w http.ResponseWriter, r *http.Request) {
	var req models.MessagesRequest
	if err := validation.ParseAndValidate(w, r, &req, a.config.MaxBodySize); err != nil {
		a.fail(w, r, err)
		return
	}

	messages := req.ToProto()
	if err := a.messages.Add(messages...); err != nil {
		a.fail(w, r, queueError(err, ""))
		return
	}
	response.JSON(w, r, http.StatusCreated, &proto.ReplaceMessagesResponse{Count: len(messages)})
}

func (a *API) handleRemoveMessage(w http.ResponseWriter, r *http.Request) {
	id := proto.MessageID(chi.URLParam(r, "id"))

	if err := a.messages.Remove(id); err != nil {
		a.fail(w, r, queueError(err, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleResolveMessage(w http.ResponseWriter, r *http.Request) {
	id := proto.MessageID(chi.URLParam(r, "id"))

	message, err := a.messages.Resolve(id)
	if err != nil {
		a.fail(w, r, queueError(err, id))
		return
	}
	response.JSON(w, r, http.StatusOK, &proto.ResolveMessageResponse{Message: message})
}
