package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/hostcap/hostcap/internal/bridge"
	"github.com/hostcap/hostcap/internal/config"
	"github.com/hostcap/hostcap/internal/ledger"
	"github.com/hostcap/hostcap/internal/logging"
	"github.com/hostcap/hostcap/internal/monitoring"
	"github.com/hostcap/hostcap/platform"
	"github.com/hostcap/hostcap/services"
)

const version = "0.1.0"

// Server wires capability services, the bridge, the ledger and the
// HTTP surface behind one listener.
type Server struct {
	cfg    config.Config
	log    *logging.Logger
	svc    *services.Services
	ledger *ledger.Ledger // nil when the ledger is disabled
	bridge *bridge.Server
	router *gin.Engine
	httpd  *http.Server
}

// New builds a server from cfg. Capability services are initialized,
// the ledger is opened and swept, and the router is ready to serve; no
// listener exists until Run.
func New(cfg config.Config, log *logging.Logger) (*Server, error) {
	if log == nil {
		log = logging.Nop()
	}

	svcCfg := services.Config{Logger: log}
	switch override := cfg.Platform.Override; override {
	case "":
	case "sim":
		svcCfg.ForceSim = true
	default:
		host := platform.ParseOS(override)
		if host == platform.Unknown {
			return nil, fmt.Errorf("unknown platform override %q", override)
		}
		svcCfg.Platform = host
	}

	var promReg *prometheus.Registry
	if cfg.Platform.Metrics {
		promReg = prometheus.NewRegistry()
		svcCfg.Metrics = monitoring.New(promReg)
	}

	svc := services.New(svcCfg)
	if _, err := svc.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize services: %w", err)
	}

	srv := &Server{cfg: cfg, log: log.Named("server"), svc: svc}

	if cfg.Ledger.Path != "" {
		led, err := ledger.Open(cfg.Ledger.Path, log)
		if err != nil {
			svc.Close()
			return nil, err
		}
		srv.ledger = led
		if cfg.Ledger.Sweep {
			srv.sweepOrphans()
		}
	}

	bridgeCfg := bridge.Config{
		Allow:        cfg.Bridge.AllowedNames,
		AllowPaths:   cfg.Bridge.AllowedPaths,
		Rate:         cfg.Bridge.RatePerSec,
		Burst:        cfg.Bridge.RateBurst,
		WriteTimeout: cfg.Bridge.WriteTimeout,
	}
	if srv.ledger != nil {
		bridgeCfg.Observer = &ledgerObserver{led: srv.ledger, log: srv.log}
	}
	br, err := bridge.NewServer(svc, log, bridgeCfg)
	if err != nil {
		srv.closeComponents()
		return nil, err
	}
	srv.bridge = br

	srv.router = srv.routes(promReg)
	srv.httpd = &http.Server{Handler: srv.router}
	return srv, nil
}

// sweepOrphans reclaims named objects recorded by daemons that died
// without cleanup. Providers whose objects die with their process have
// no remover; their stale records are dropped without touching disk.
func (s *Server) sweepOrphans() {
	var reap ledger.Reaper
	if remover := s.svc.Remover(); remover != nil {
		reap = func(typ platform.ResourceType, name string) error {
			return remover.RemoveResource(name, typ)
		}
	}
	removed, err := s.ledger.Sweep(nil, reap)
	if err != nil {
		s.log.Warn("orphan sweep failed", zap.Error(err))
		return
	}
	if len(removed) > 0 {
		s.log.Info("orphan sweep complete", zap.Int("removed", len(removed)))
	}
}

func (s *Server) routes(metrics *prometheus.Registry) *gin.Engine {
	if !s.cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORS())

	router.GET("/", s.root)
	router.GET("/health", s.health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics, promhttp.HandlerOpts{})))
	}
	router.GET("/bridge", gin.WrapF(s.bridge.Handle))

	// Dumps move whole regions; cap how fast one client can pull them.
	dumps := router.Group("/", RateLimit(DefaultRateLimitConfig()))
	dumps.GET("/shm/:name", s.dumpSharedMemory)
	return router
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until Shutdown or listener failure. The listener
// caps concurrent connections at Server.MaxConns.
func (s *Server) Run() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	if s.cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.Server.MaxConns)
	}

	host, _ := s.svc.Platform()
	s.log.Info("daemon listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("platform", host.String()))

	if err := s.httpd.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, snaps upgraded bridge
// connections, then closes services and the ledger.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if e := s.httpd.Shutdown(ctx); e != nil && !errors.Is(e, http.ErrServerClosed) {
		err = errors.Join(err, e)
	}
	// Hijacked WebSocket connections outlive Shutdown; Close ends them
	// so session disposal runs.
	err = errors.Join(err, s.httpd.Close())
	return errors.Join(err, s.closeComponents())
}

func (s *Server) closeComponents() error {
	err := s.svc.Close()
	if s.ledger != nil {
		err = errors.Join(err, s.ledger.Close())
	}
	return err
}

func (s *Server) root(c *gin.Context) {
	host, _ := s.svc.Platform()
	c.JSON(http.StatusOK, gin.H{
		"status":   "online",
		"service":  "hostcapd",
		"version":  version,
		"platform": host.String(),
	})
}

func (s *Server) health(c *gin.Context) {
	host, _ := s.svc.Platform()
	handles := gin.H{}
	for capability, n := range s.svc.OpenHandles() {
		handles[capability.String()] = n
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"platform": host.String(),
		"handles":  handles,
		"ledger":   gin.H{"enabled": s.ledger != nil},
	})
}

// dumpSharedMemory streams a gzip snapshot of a named region. The
// region is opened read-only for the duration of the request, so the
// snapshot is consistent only if writers pause.
func (s *Server) dumpSharedMemory(c *gin.Context) {
	name := c.Param("name")
	if !s.bridge.NameAllowed(name) {
		c.JSON(http.StatusForbidden, gin.H{"error": "name not permitted by policy"})
		return
	}

	ipc, err := s.svc.IPC()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	region, err := ipc.OpenSharedMemory(name, platform.ReadOnly)
	if err != nil {
		c.JSON(dumpStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer func() {
		if e := ipc.CloseSharedMemory(region.Handle); e != nil {
			s.log.Warn("dump close failed", zap.String("name", name), zap.Error(e))
		}
	}()

	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".bin.gz"))
	c.Status(http.StatusOK)

	gz := gzip.NewWriter(c.Writer)
	if _, err := gz.Write(region.Data); err != nil {
		s.log.Warn("dump write failed", zap.String("name", name), zap.Error(err))
		return
	}
	if err := gz.Close(); err != nil {
		s.log.Warn("dump flush failed", zap.String("name", name), zap.Error(err))
	}
}

func dumpStatus(err error) int {
	switch platform.ErrKind(err) {
	case platform.KindNotFound:
		return http.StatusNotFound
	case platform.KindAccess:
		return http.StatusForbidden
	case platform.KindInvalidValue:
		return http.StatusBadRequest
	case platform.KindUnsupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// ledgerObserver mirrors bridge name lifecycles into the ledger so a
// later daemon start can tell orphans from live objects.
type ledgerObserver struct {
	led *ledger.Ledger
	log *logging.Logger
}

func (o *ledgerObserver) ResourceCreated(typ platform.ResourceType, name string) {
	if err := o.led.Record(typ, name); err != nil {
		o.log.Warn("ledger record failed",
			zap.Stringer("type", typ), zap.String("name", name), zap.Error(err))
	}
}

func (o *ledgerObserver) ResourceRemoved(typ platform.ResourceType, name string) {
	if err := o.led.Forget(typ, name); err != nil {
		o.log.Warn("ledger forget failed",
			zap.Stringer("type", typ), zap.String("name", name), zap.Error(err))
	}
}
