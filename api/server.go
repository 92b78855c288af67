package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/opd-ai/courier"
	"github.com/opd-ai/courier/messaging"
	"github.com/opd-ai/courier/reconcile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// DefaultAddr is the loopback address the sidecar binds by default.
const DefaultAddr = "127.0.0.1:8765"

// Service is the subset of *courier.Courier the API exposes.
type Service interface {
	CreateMessage(content, conversationID, senderID string, opts ...courier.MessageOption) (string, error)
	Send(ctx context.Context, clientID string) error
	Retry(ctx context.Context, clientID string) (string, error)
	Cancel(ctx context.Context, clientID string) error
	Edit(ctx context.Context, clientID, content string) error
	Delete(ctx context.Context, clientID string) error
	GetMessage(clientID string) (*messaging.Message, error)
	GetMessagesForConversation(conversationID string, states ...messaging.MessageState) []*messaging.Message
	ListByState(state messaging.MessageState) []*messaging.Message
	Status() courier.Status
	HandlePushEvent(ev messaging.PushEvent) (reconcile.Result, *messaging.Message)
}

// Options configures a Server.
type Options struct {
	Addr string
	// Gatherer serves /metrics. Nil uses the default registry.
	Gatherer prometheus.Gatherer
	// RequestTimeout bounds every request. Zero uses 30s.
	RequestTimeout time.Duration
}

// Server is the local HTTP sidecar.
type Server struct {
	svc    Service
	opts   Options
	router chi.Router
}

// NewServer creates a Server for svc.
func NewServer(svc Service, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{svc: svc, opts: opts}
	s.router = s.setupRouter()
	return s
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)

		r.Get("/messages", s.handleListByState)
		r.Post("/messages", s.handleCreate)
		r.Get("/messages/{id}", s.handleGet)
		r.Patch("/messages/{id}", s.handleEdit)
		r.Delete("/messages/{id}", s.handleDelete)
		r.Post("/messages/{id}/send", s.handleSend)
		r.Post("/messages/{id}/retry", s.handleRetry)
		r.Post("/messages/{id}/cancel", s.handleCancel)

		r.Get("/conversations/{id}/messages", s.handleConversation)

		r.Post("/events", s.handlePushEvent)
	})
	return r
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "Server.Serve",
			"addr":     s.opts.Addr,
		}).Info("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			logrus.WithFields(logrus.Fields{
				"function":   "api.request",
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
				"request_id": chimw.GetReqID(r.Context()),
			}).Debug("HTTP request")
		}()
		next.ServeHTTP(ww, r)
	})
}
