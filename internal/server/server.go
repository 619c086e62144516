// Package server exposes an engine over a small admin HTTP surface.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/uadissect/internal/auth"
	"github.com/danmuck/uadissect/internal/dissect"
	"github.com/danmuck/uadissect/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const serviceName = "uadissect"

type Options struct {
	Addr        string
	SegmentSize int
	CorsOrigins []string
	// AdminToken guards the mutating routes when set.
	AdminToken string
}

// Server serializes every engine access behind one mutex.
type Server struct {
	opts     Options
	appeared time.Time

	mu     sync.Mutex
	engine *dissect.Engine

	router *gin.Engine
}

func New(engine *dissect.Engine, opts Options) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(observability.Logger("server")))
	r.Use(observability.RequestMetricsMiddleware(serviceName))
	if origins := normalizeOrigins(opts.CorsOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:  origins,
			AllowMethods:  []string{"GET", "POST"},
			AllowHeaders:  []string{"Origin", "Content-Type", observability.RequestIDHeader},
			ExposeHeaders: []string{observability.RequestIDHeader},
			MaxAge:        12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		opts:     opts,
		appeared: time.Now(),
		engine:   engine,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.opts.Addr).Msg("server.Run listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		log.Info().Msg("server.Run shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// requireToken rejects requests without a valid bearer token. It is a no-op
// when no admin token is configured.
func (s *Server) requireToken() gin.HandlerFunc {
	if s.opts.AdminToken == "" {
		return func(c *gin.Context) { c.Next() }
	}
	v := auth.StaticToken{Token: s.opts.AdminToken}
	return func(c *gin.Context) {
		if err := auth.Check(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		if origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
