package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/cloudenv/pkg/engine"
	"github.com/openfroyo/cloudenv/pkg/environment"
	"github.com/openfroyo/cloudenv/pkg/providers/compute"
	"github.com/openfroyo/cloudenv/pkg/stores"
	"github.com/openfroyo/cloudenv/pkg/telemetry"
)

// Resources reads resource records.
type Resources interface {
	GetResource(ctx context.Context, resourceID string) (*engine.ResourceRecord, error)
	GetInputQueue(ctx context.Context, resourceID string) (*compute.QueueInfo, error)
}

// Environments owns environment records.
type Environments interface {
	Create(ctx context.Context, env *engine.Environment) (*engine.Environment, error)
	Get(ctx context.Context, id string) (*engine.Environment, error)
	ApplyHeartbeat(ctx context.Context, hb *environment.Heartbeat) (*engine.Environment, error)
}

// Monitors arms state transition monitors.
type Monitors interface {
	MonitorStateTransition(ctx context.Context, environmentID, computeResourceID string,
		current, target engine.CloudEnvironmentState, timeout time.Duration) error
}

// Enqueuer adds jobs to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueID string, input interface{}, delay time.Duration) (*stores.Job, error)
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies are the services behind the API.
type Dependencies struct {
	Resources    Resources
	Environments Environments
	Monitors     Monitors
	Jobs         Enqueuer
	Health       HealthChecker
	Metrics      *telemetry.Metrics
	Logger       *telemetry.Logger
}

// Server is the HTTP API.
type Server struct {
	deps     Dependencies
	logger   *telemetry.Logger
	validate *validator.Validate
	router   chi.Router
}

// NewServer builds the router.
func NewServer(deps Dependencies) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	s := &Server{
		deps:     deps,
		logger:   logger.NewComponentLogger("api"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.healthz)
	r.Handle(s.deps.Metrics.Path(), s.deps.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/resources", func(r chi.Router) {
			r.Post("/", s.createResource)
			r.Get("/{resourceID}", s.getResource)
			r.Delete("/{resourceID}", s.deleteResource)
			r.Post("/{resourceID}/start", s.startResource)
			r.Get("/{resourceID}/queue", s.getInputQueue)
		})
		r.Route("/environments", func(r chi.Router) {
			r.Post("/", s.createEnvironment)
			r.Get("/{environmentID}", s.getEnvironment)
			r.Post("/{environmentID}/monitors", s.armMonitor)
		})
		r.Post("/heartbeats", s.heartbeat)
	})

	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Zerolog().Info().Str("address", addr).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

func requestLogger(logger *telemetry.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Zerolog().Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("HTTP request")
		})
	}
}
