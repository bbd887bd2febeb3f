package dashboard

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"feedflow/config"
	"feedflow/internal/channel"
	"feedflow/internal/metrics"
	"feedflow/internal/orchestrator"
	"feedflow/internal/registry"
	"feedflow/internal/store"
	"feedflow/internal/symbols"
	"feedflow/logger"
)

// Feed is the orchestrator surface used by the API.
type Feed interface {
	Status() orchestrator.Status
	Select(ctx context.Context, symbol string) error
}

// Deps are the read models and controls exposed over HTTP.
type Deps struct {
	Stores   *store.Stores
	Registry *registry.Registry
	Updates  *channel.Updates
	Feed     Feed
}

// Server hosts the read API over the normalized market state.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	deps          Deps
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	httpServer    *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, deps Deps) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if deps.Stores == nil || deps.Registry == nil || deps.Updates == nil || deps.Feed == nil {
		return nil, errors.New("dashboard: missing dependencies")
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	metricStore := newMetricStore(cfg.LogHistory)
	logStore := newLogStore(cfg.LogHistory)
	log.AddHook(logStore)

	return &Server{
		cfg:           cfg,
		log:           log,
		deps:          deps,
		metricStore:   metricStore,
		logStore:      logStore,
		metricHandler: metrics.RegisterMetricHandler(metricStore.handle),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("read API listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.GET("/status", s.status)
	api.GET("/book/:symbol", s.book)
	api.GET("/depth/:symbol", s.depth)
	api.GET("/trades/:symbol", s.trades)
	api.GET("/candles/:symbol/:tf", s.candles)
	api.GET("/tickers", s.tickers)
	api.GET("/subscriptions", s.subscriptions)
	api.POST("/select/:symbol", s.selectSymbol)
	api.GET("/events", s.events)
	api.GET("/metrics", s.metricEvents)
	api.GET("/logs", s.logs)

	return router, nil
}

func symbolParam(c *gin.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Feed.Status())
}

func (s *Server) book(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Stores.BookView(symbolParam(c)))
}

func (s *Server) depth(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Stores.Depth(symbolParam(c)))
}

func (s *Server) trades(c *gin.Context) {
	sym := symbolParam(c)
	c.JSON(http.StatusOK, gin.H{"symbol": sym, "trades": s.deps.Stores.Trades.Trades(sym)})
}

func (s *Server) candles(c *gin.Context) {
	sym, tf := symbolParam(c), c.Param("tf")
	c.JSON(http.StatusOK, gin.H{
		"symbol":    sym,
		"timeframe": tf,
		"candles":   s.deps.Stores.Candles.Candles(symbols.LookupKey(sym, tf)),
	})
}

func (s *Server) tickers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tickers": s.deps.Stores.Tickers.All()})
}

func (s *Server) subscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscriptions": s.deps.Registry.All()})
}

func (s *Server) selectSymbol(c *gin.Context) {
	sym := symbolParam(c)
	err := s.deps.Feed.Select(c.Request.Context(), sym)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"selected": sym})
	case errors.Is(err, orchestrator.ErrUnknownSymbol):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrNotBootstrapped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.WithComponent("dashboard").WithError(err).WithFields(logger.Fields{"symbol": sym}).Warn("select failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}

// events streams update events as server-sent events until the client
// disconnects.
func (s *Server) events(c *gin.Context) {
	updates, cancel := s.deps.Updates.Subscribe()
	defer cancel()

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(string(u.Kind), u)
			return true
		}
	})
}

func (s *Server) metricEvents(c *gin.Context) {
	snapshot := s.metricStore.snapshot(c.Query("component"))
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) logs(c *gin.Context) {
	level := logrus.TraceLevel
	if q := c.Query("level"); q != "" {
		lvl, err := logrus.ParseLevel(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		level = lvl
	}
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(level, c.Query("component"))})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if net.ParseIP(addr) != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
