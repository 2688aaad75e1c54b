package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"hyperflow/config"
	"hyperflow/internal/metrics"
	"hyperflow/logger"
)

// StatusFunc returns the value served by /api/status.
type StatusFunc func() interface{}

// HealthFunc reports whether the process is healthy plus a detail payload.
type HealthFunc func(ctx context.Context) (bool, interface{})

// Sources are the application hooks the dashboard reads from. Nil fields
// make the matching endpoint answer 404.
type Sources struct {
	Status   StatusFunc
	Health   HealthFunc
	DiskPath string
}

// Server exposes collector status, recent logs, emitted metrics, host
// resources and the Prometheus registry over HTTP.
type Server struct {
	cfg             config.DashboardConfig
	log             *logger.Log
	src             Sources
	metricStore     *metricStore
	logStore        *logStore
	metricHandler   metrics.MetricHandlerID
	httpServer      *http.Server
	resourceSampler *resourceSampler
	startedAt       time.Time
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, src Sources) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log == nil {
		log = logger.GetLogger()
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}
	if cfg.MetricsHistory <= 0 {
		cfg.MetricsHistory = 200
	}

	store := newMetricStore(cfg.MetricsHistory)
	logs := newLogStore(cfg.LogHistory)
	log.AddHook(logs)

	return &Server{
		cfg:             cfg,
		log:             log,
		src:             src,
		metricStore:     store,
		logStore:        logs,
		metricHandler:   metrics.RegisterMetricHandler(store.handle),
		resourceSampler: newResourceSampler(cfg.MetricsHistory, cfg.SampleInterval, src.DiskPath, log),
		startedAt:       time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.resourceSampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("dashboard").WithField("address", s.cfg.Address).Info("dashboard listening")

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
	s.resourceSampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"app":    appName,
			"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
			"endpoints": []string{
				"/api/status", "/api/metrics", "/api/logs", "/api/resources", "/metrics", "/healthz",
			},
		})
	})

	router.GET("/api/status", func(c *gin.Context) {
		if s.src.Status == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "status not available"})
			return
		}
		c.JSON(http.StatusOK, s.src.Status())
	})

	router.GET("/healthz", func(c *gin.Context) {
		if s.src.Health == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "health check not available"})
			return
		}
		ok, detail := s.src.Health(c.Request.Context())
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"healthy": ok, "detail": detail})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/api/metrics", func(c *gin.Context) {
		component := c.Query("component")
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			if component != "" && m.Component != component {
				continue
			}
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": tail(payload, c.Query("limit"))})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		level := strings.ToLower(c.Query("level"))
		snapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, l := range snapshot {
			if level != "" && l.Level != level {
				continue
			}
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": tail(payload, c.Query("limit"))})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"resources": s.resourceSampler.snapshot()})
	})

	return router, nil
}

// tail keeps the last n items when limit parses as a positive integer.
func tail(items []gin.H, limit string) []gin.H {
	n, err := strconv.Atoi(limit)
	if err != nil || n <= 0 || n >= len(items) {
		return items
	}
	return items[len(items)-n:]
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
