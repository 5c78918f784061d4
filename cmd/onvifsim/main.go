package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/osrv/onvifsim/internal/auth"
	"github.com/osrv/onvifsim/internal/config"
	"github.com/osrv/onvifsim/internal/discovery"
	"github.com/osrv/onvifsim/internal/dispatch"
	mw "github.com/osrv/onvifsim/internal/http/middleware"
	"github.com/osrv/onvifsim/internal/media"
	"github.com/osrv/onvifsim/internal/profiles"
	"github.com/osrv/onvifsim/internal/service"
)

var configPath string

func init() {
	// Handle version display
	handleVersion()
}

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger()
	defer log.Sync()
	log = log.Named("main")

	if isDev {
		log.Debug("resolved configuration", zap.String("dump", spew.Sdump(cfg)))
	}

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer() // Configure Gin's logger to use Zap
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery()) // Recovery first (outermost)
		r.Use(mw.RequestID()) // Attach request ID for tracing; early in the chain so it's available everywhere

		if isDev { // Local test clients may run in a browser
			r.Use(cors.New(cors.Config{
				AllowOrigins:  []string{"*"},
				AllowMethods:  []string{"POST", "OPTIONS"},
				AllowHeaders:  []string{"X-Request-ID", "Content-Type", "Authorization"},
				ExposeHeaders: []string{"X-Request-ID", "WWW-Authenticate"},
				MaxAge:        12 * time.Hour,
			}))
		} else { // Behind a reverse proxy + TLS
			r.SetTrustedProxies([]string{"127.0.0.1"})
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https", // Fix scheme for secure cookies
				},
			}))
		}

		r.Use(accessLog(log.Named("http"))) // Observability (logger, tracing)

		r.Use(func(c *gin.Context) {
			// Enforce a hard 10MB max request body.
			// Protects against oversized or drip-fed request body ("slow body" / RUDY DoS)
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 10<<20)
			c.Next()
		})
	}

	// Authentication gate shared by every service port
	var gate *dispatch.Gate
	if cfg.Auth.Scheme == config.SchemeDigest {
		session := auth.NewDigestSession(cfg.Auth.Realm, cfg.Auth.NonceTTL, cfg.UserAccounts())
		gate = dispatch.NewGate(session)
	} else {
		gate = dispatch.NewGate(nil)
		log.Warn("authentication disabled, every request runs as administrator")
	}

	// Media profiles backing store
	store := profiles.NewStore(cfg.Media.ProfilesPath)
	if err := store.Load(); err != nil {
		log.Fatal("media profiles load failed", zap.Error(err))
	}

	// Notifications engine
	mgr := service.NewNotificationsManager(log, cfg)
	mgr.Run()
	defer mgr.Close()

	// Register service ports
	{
		service.NewDeviceService(log, cfg, gate).Mount(r)
		service.NewMediaService(log, cfg, gate, store).Mount(r)
		service.NewEventsService(log, cfg, gate, mgr).Mount(r)
	}

	httpsrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Address, cfg.Server.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,  // kills header-drip Slowloris
		ReadTimeout:       10 * time.Second, // full request read (incl. body)
		// PullMessages holds the response open for up to the configured
		// long-poll ceiling; the write timeout sits above it.
		WriteTimeout:   cfg.Events.PullPoint.MaxTimeout + 30*time.Second,
		IdleTimeout:    60 * time.Second, // keep-alive cap
		MaxHeaderBytes: 1 << 20,          // 1MB cap
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpsrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return media.NewServer(log, cfg).Run(ctx)
	})

	if cfg.Discovery.Enabled {
		g.Go(func() error {
			return discovery.NewResponder(log, cfg).Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server closed")
}

// handleVersion prints build metadata and exits when -v/--version is provided.
func handleVersion() {
	v := flag.Bool("v", false, "print version and exit")
	flag.BoolVar(v, "version", false, "print version and exit")
	flag.StringVar(&configPath, "c", "onvifsim.yaml", "path to configuration file")
	flag.Parse()

	if *v {
		fmt.Printf("onvifsim %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}
}

// accessLog is a Gin middleware that records HTTP request/response details with Zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		// collect all errors from Gin context
		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		// errors.Join returns nil if errs is empty
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.Duration("latency", latency),
			zap.String("request_id", mw.GetRequestID(c)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

// helpers

func buildLogger() *zap.Logger {
	logConfig := zap.NewDevelopmentConfig()
	logConfig.EncoderConfig.TimeKey = ""
	logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logConfig.DisableStacktrace = true
	logConfig.DisableCaller = true
	logConfig.Level.SetLevel(zap.DebugLevel)
	return zap.Must(logConfig.Build())
}
