// Package server exposes the resolver over HTTP.
package server

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/sells-group/linkresolver/internal/config"
	"github.com/sells-group/linkresolver/internal/resolver"
)

// Candidates selects the services that apply to a request's parameters.
type Candidates interface {
	DetermineServices(params url.Values) []resolver.Service
}

// Runner executes queued services for a request.
type Runner interface {
	Run(ctx context.Context, req *resolver.Request, services []resolver.Service) error
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Resolver   *resolver.Resolver
	Candidates Candidates
	Runner     Runner
	Store      Pinger
	Server     config.ServerConfig
	Dispatch   config.DispatchConfig
}

// Server holds the router and tracks background service runs.
type Server struct {
	deps    Deps
	handler http.Handler
	log     *zap.Logger

	wg sync.WaitGroup
}

// New builds the router.
func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		log:  zap.L().With(zap.String("component", "server")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if deps.Server.TrustForwardedFor {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)
	if deps.Server.RequestTimeout > 0 {
		r.Use(middleware.Timeout(time.Duration(deps.Server.RequestTimeout) * time.Second))
	}
	r.Use(cors.Handler(corsOptions(deps.Server.CORSOrigins)))

	r.Get("/health", s.handleHealth)
	r.Get("/resolve", s.handleResolve)
	r.Route("/requests/{id}", func(r chi.Router) {
		r.Get("/", s.handleStatus)
		r.Get("/responses", s.handleResponses)
	})
	r.Handle("/metrics", promhttp.Handler())

	s.handler = otelhttp.NewHandler(r, "linkresolver")
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Wait blocks until every background service run has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// dispatch runs services in the background, detached from the HTTP
// request's lifetime.
func (s *Server) dispatch(ctx context.Context, req *resolver.Request, services []resolver.Service) {
	if len(services) == 0 || s.deps.Runner == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.deps.Runner.Run(bg, req, services); err != nil {
			s.log.Error("background dispatch failed",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
		}
	}()
}

// sessionID returns the session cookie value, issuing a new one if absent.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	name := s.deps.Server.SessionCookie
	if name == "" {
		name = "linkresolver_session"
	}
	if c, err := r.Cookie(name); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// corsOptions allows credentialed (session cookie) requests only from
// explicitly listed origins. Browsers reject credentials on a wildcard.
func corsOptions(origins []string) cors.Options {
	wildcard := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			wildcard = true
		}
	}
	if wildcard {
		origins = []string{"*"}
	}
	return cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("http_request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
