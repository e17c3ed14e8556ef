// Package devserver is a small backend that speaks the chat REST and
// websocket protocol, for local development and integration tests.
package devserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ageniuscoder/mmchat/chatsync/internal/config"
	"github.com/ageniuscoder/mmchat/chatsync/internal/storage/sqlite"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	cfg    config.Server
	hub    *Hub
	engine *gin.Engine
	log    *zap.Logger
}

func New(cfg config.Server, db *sqlite.Sqlite, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("devserver")
	gin.SetMode(gin.ReleaseMode)

	hub := NewHub(db, log)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(log))
	engine.GET("/healthz", func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.String(http.StatusServiceUnavailable, "db unavailable")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	svc := &Service{
		db:         db,
		hub:        hub,
		secret:     cfg.JWTSecret,
		tokenTTL:   time.Duration(cfg.JWTTTLMin) * time.Minute,
		publicBase: cfg.PublicBaseURL,
		log:        log,
	}
	svc.register(engine.Group("/api"))

	return &Server{cfg: cfg, hub: hub, engine: engine, log: log}
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Hub() *Hub { return s.hub }

// Run serves on cfg.Addr until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.log.Info("listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
