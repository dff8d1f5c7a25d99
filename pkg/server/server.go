// Package server exposes the advisor over HTTP: JSON endpoints for advice,
// state and device info, Prometheus metrics, and a websocket stream of
// state changes.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/events"
)

const shutdownTimeout = 5 * time.Second

// Advisor is what the endpoints query.
type Advisor interface {
	GetAdvice(ctx context.Context) (advisor.Advice, error)
	MemoryState(ctx context.Context) (advisor.MemoryState, error)
	DeviceInfo() advisor.DeviceInfo
}

type Options struct {
	Advisor Advisor
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *log.Logger
	Debug    bool
}

// Server is both an HTTP server and a sink: the events it is given are
// cached for /advice/latest and pushed to websocket clients.
type Server struct {
	logger  *log.Logger
	advisor Advisor
	engine  *gin.Engine
	hub     *hub

	mu     sync.RWMutex
	latest map[string]interface{}
}

func New(opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	s := &Server{
		logger:  logger,
		advisor: opts.Advisor,
		engine:  gin.New(),
		hub:     newHub(logger),
	}
	s.engine.Use(gin.Recovery(), s.logRequests())

	s.engine.GET("/healthz", s.getHealth)
	s.engine.GET("/advice", s.getAdvice)
	s.engine.GET("/advice/latest", s.getLatestAdvice)
	s.engine.GET("/state", s.getState)
	s.engine.GET("/device", s.getDevice)
	s.engine.GET("/stream", s.handleWebSocket)
	if opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	go s.hub.run()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting status server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if e := <-errCh; e != nil && !errors.Is(e, http.ErrServerClosed) && err == nil {
		err = e
	}
	return err
}

func (s *Server) Name() string {
	return "server"
}

// Process caches advice and broadcasts state changes and stress test results.
func (s *Server) Process(ctx context.Context, event events.Event) error {
	payload, ok := events.Payload(event)
	if !ok {
		return nil
	}
	switch event.(type) {
	case events.AdviceEvent:
		s.mu.Lock()
		s.latest = payload
		s.mu.Unlock()
	case events.StateEvent, events.StressTestEvent:
		s.hub.publish(payload)
	}
	return nil
}

// Close disconnects all websocket clients.
func (s *Server) Close() error {
	s.hub.close()
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getAdvice(c *gin.Context) {
	advice, err := s.advisor.GetAdvice(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, advice)
}

func (s *Server) getLatestAdvice(c *gin.Context) {
	s.mu.RLock()
	latest := s.latest
	s.mu.RUnlock()
	if latest == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no advice yet"})
		return
	}
	c.JSON(http.StatusOK, latest)
}

func (s *Server) getState(c *gin.Context) {
	state, err := s.advisor.MemoryState(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (s *Server) getDevice(c *gin.Context) {
	c.JSON(http.StatusOK, s.advisor.DeviceInfo())
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, advisor.ErrNotReady) {
		status = http.StatusServiceUnavailable
	} else {
		s.logger.Warnf("advice request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
