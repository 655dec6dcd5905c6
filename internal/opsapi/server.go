// Package opsapi is the operator HTTP surface: job snapshot, per-task
// reminder management and an on-demand bootstrap.
package opsapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"remindbot/internal/model"
	"remindbot/internal/reminder"
	"remindbot/internal/task/scheduler"
	logx "remindbot/pkg/logx"
)

// Reminders is the reminder service surface the API drives.
type Reminders interface {
	AddNotification(ctx context.Context, taskID int64, kind model.Kind, spec model.Spec) (int64, error)
	AddNowNotification(ctx context.Context, taskID int64) (int64, error)
	CancelNotification(ctx context.Context, taskID, notificationID int64) error
	OnTaskDueChanged(ctx context.Context, taskID int64) error
	BootstrapReport(ctx context.Context) (reminder.BootstrapReport, error)
	Jobs() scheduler.Snapshot
	NextFire(key model.JobKey) (time.Time, bool)
}

// Store is the part of the store the API reads, plus the due time update.
type Store interface {
	GetTask(ctx context.Context, id int64) (model.Task, error)
	SetTaskDue(ctx context.Context, id int64, due *time.Time) error
	ListNotifications(ctx context.Context, taskID int64) ([]model.NotificationRecord, error)
	Ping(ctx context.Context) error
}

type Config struct {
	Addr  string
	Token string
	Pprof bool
}

type Server struct {
	cfg Config
	log logx.Logger
	srv *http.Server
	h   *Handler
}

func New(cfg Config, rem Reminders, store Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Handler{rem: rem, store: store, validate: validator.New(validator.WithRequiredStructEnabled()), log: log}
	s := &Server{cfg: cfg, log: log, h: h}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router builds the gin engine. Exposed for tests.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(requestLog(s.log), recovery(s.log))

	r.GET("/healthz", s.h.Health)

	v1 := r.Group("/v1", bearerAuth(s.cfg.Token))
	{
		v1.GET("/jobs", s.h.Jobs)
		v1.GET("/tasks/:id/notifications", s.h.ListNotifications)
		v1.POST("/tasks/:id/notifications", s.h.CreateNotification)
		v1.DELETE("/tasks/:id/notifications/:nid", s.h.CancelNotification)
		v1.POST("/tasks/:id/rearm", s.h.Rearm)
		v1.POST("/bootstrap", s.h.Bootstrap)
	}

	if s.cfg.Pprof {
		dbg := r.Group("/debug/pprof", bearerAuth(s.cfg.Token))
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.POST("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:name", func(c *gin.Context) { pprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request) })
	}
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Info("ops api listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Warn("ops api shutdown", logx.Err(err))
	}
	<-errCh
	s.log.Info("ops api stopped")
	return nil
}

func bearerAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Warn("http request failed", fields...)
			return
		}
		log.Debug("http request", fields...)
	}
}

func recovery(log logx.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		log.Error("http handler panicked", logx.String("path", c.FullPath()), logx.Any("panic", rec))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}
