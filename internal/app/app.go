// Package app assembles the configured storage driver, resource handlers and
// HTTP engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/seedworks/seed/internal/admin"
	"github.com/seedworks/seed/internal/config"
	"github.com/seedworks/seed/internal/database"
	"github.com/seedworks/seed/internal/objstore"
	"github.com/seedworks/seed/internal/resource"
	"github.com/seedworks/seed/internal/sequence"
	"github.com/seedworks/seed/internal/store"
	"github.com/seedworks/seed/pkg/logger"
	"github.com/seedworks/seed/pkg/metrics"
	"github.com/seedworks/seed/pkg/middleware"
)

// Version is reported in the OpenAPI document and trace resource.
const Version = "v1.0.0"

// App owns the backend connections for one process.
type App struct {
	cfg      *config.Config
	driver   store.Driver
	redis    *redis.Client
	handlers []*resource.Handler
	checks   map[string]func(context.Context) error
	started  time.Time
}

// Descriptors converts the configured resources.
func Descriptors(rs []config.ResourceConfig) []store.Descriptor {
	out := make([]store.Descriptor, 0, len(rs))
	for _, r := range rs {
		d := store.Descriptor{
			Member:      r.Member,
			Collection:  r.Collection,
			Required:    r.Required,
			Other:       r.Other,
			Hidden:      r.Hidden,
			SerialField: r.SerialField,
			Sort:        resource.ParseSort(strings.Join(r.Sort, ",")),
		}
		for _, idx := range r.Indexes {
			d.Indexes = append(d.Indexes, store.IndexSpec{
				Field:       idx.Field,
				Unique:      idx.Unique,
				ExpireAfter: time.Duration(idx.ExpireAfterSeconds) * time.Second,
			})
		}
		out = append(out, d)
	}
	return out
}

// New connects the configured backends and registers every resource.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, checks: map[string]func(context.Context) error{}, started: time.Now()}

	var seq sequence.Sequencer
	if cfg.Redis.Host != "" && (cfg.Seed.SequenceBackend == config.SequenceRedis || cfg.RateLimit.UseRedis) {
		client, err := database.ConnectRedis(ctx, cfg.Redis)
		if err != nil {
			if cfg.Seed.SequenceBackend == config.SequenceRedis {
				return nil, err
			}
			logger.Warnf("redis unavailable, falling back to in-process rate limiting: %v", err)
		} else {
			a.redis = client
			a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
			if cfg.Seed.SequenceBackend == config.SequenceRedis {
				seq = sequence.NewRedis(client, "", nil)
			}
		}
	}

	driver, err := a.openDriver(ctx, seq)
	if err != nil {
		a.closeRedis()
		return nil, err
	}
	if err := a.attach(ctx, driver); err != nil {
		_ = driver.Close(ctx)
		a.closeRedis()
		return nil, err
	}
	return a, nil
}

// NewWithDriver builds an App around an already opened driver.
func NewWithDriver(ctx context.Context, cfg *config.Config, driver store.Driver) (*App, error) {
	a := &App{cfg: cfg, checks: map[string]func(context.Context) error{}, started: time.Now()}
	if err := a.attach(ctx, driver); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) attach(ctx context.Context, driver store.Driver) error {
	descs := Descriptors(a.cfg.Resources)
	if len(descs) == 0 {
		logger.Warn("no resources configured; set SEED_CONFIG to a file with a resources list")
	}
	if err := driver.Register(ctx, descs...); err != nil {
		return fmt.Errorf("register resources: %w", err)
	}
	a.driver = driver
	for _, d := range descs {
		col, err := driver.Collection(d.CollectionName())
		if err != nil {
			return err
		}
		a.handlers = append(a.handlers, resource.New(col))
	}
	return nil
}

func (a *App) openDriver(ctx context.Context, seq sequence.Sequencer) (store.Driver, error) {
	switch a.cfg.Seed.DBDriver {
	case config.DriverMemory:
		logger.Warn("using the in-memory driver; data is lost on exit")
		return store.NewMemoryDriver(seq), nil
	case config.DriverSQL:
		db, err := database.OpenSQLite(a.cfg.SQL.Path)
		if err != nil {
			return nil, err
		}
		a.checks["sql"] = sqlPing(db)
		logger.Infof("using sqlite database %s", a.cfg.SQL.Path)
		return store.NewSQLDriver(db, seq), nil
	default:
		client, err := connectMongo(ctx, a.cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		a.checks["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		logger.Infof("using mongodb database %s", a.cfg.MongoDB.Database)
		return store.NewMongoDriver(client, a.cfg.MongoDB.Database, seq), nil
	}
}

// connectMongo retries with a doubling backoff to tolerate startup races.
func connectMongo(ctx context.Context, cfg config.MongoDBConfig) (*mongo.Client, error) {
	const maxAttempts = 5
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client, err := database.ConnectMongo(ctx, cfg)
		if err == nil {
			return client, nil
		}
		lastErr = err
		logger.Warnf("attempt %d/%d: failed to connect to MongoDB: %v", attempt, maxAttempts, err)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("could not connect to MongoDB after %d attempts: %w", maxAttempts, lastErr)
}

func sqlPing(db *gorm.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func (a *App) Driver() store.Driver { return a.driver }

func (a *App) Handlers() []*resource.Handler { return a.handlers }

// Admin returns the maintenance commands. Object storage is attached when
// MINIO_ENDPOINT is set.
func (a *App) Admin(ctx context.Context) (*admin.Admin, error) {
	if a.cfg.MinIO.Endpoint == "" {
		return admin.New(a.driver), nil
	}
	m, err := objstore.NewMinIO(ctx, a.cfg.MinIO)
	if err != nil {
		return nil, err
	}
	return admin.New(a.driver, admin.WithUploader(m)), nil
}

// Router builds the gin engine with the middleware chain, the operational
// endpoints and one route set per resource.
func (a *App) Router() *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true

	if a.cfg.OTEL.Enabled {
		r.Use(otelgin.Middleware(a.cfg.OTEL.ServiceName))
	}
	r.Use(middleware.RequestID(), middleware.Logger(), middleware.Recovery(), middleware.Metrics())
	r.Use(cors.New(corsConfig(a.cfg.CORS)))
	if rl := a.cfg.RateLimit; rl.Enabled {
		if rl.UseRedis && a.redis != nil {
			r.Use(middleware.RedisRateLimitMiddleware(a.redis, rl.RPS, rl.Burst, time.Duration(rl.WindowSeconds)*time.Second))
		} else {
			r.Use(middleware.RateLimitMiddleware(rl.RPS, rl.Burst))
		}
	}
	r.Use(middleware.Errors())
	r.NoRoute(middleware.NoRoute)
	r.NoMethod(middleware.NoMethod)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.RegisterCollectors(reg)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "healthy") })
	r.GET("/ready", a.ready)

	for _, h := range a.handlers {
		h.Register(r)
	}
	resource.RegisterSwagger(r, "seed", Version, a.handlers...)
	return r
}

func corsConfig(cfg config.CORSConfig) cors.Config {
	c := cors.Config{
		AllowMethods:  []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
		ExposeHeaders: []string{resource.TotalHeader, middleware.RequestIDHeader, "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = cfg.AllowedOrigins
	}
	return c
}

// ready reports 200 only when every backend answers a ping.
func (a *App) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	deps := map[string]bool{}
	ok := true
	for name, check := range a.checks {
		deps[name] = check(ctx) == nil
		ok = ok && deps[name]
	}
	status, code := "ready", http.StatusOK
	if !ok {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "deps": deps, "uptime": time.Since(a.started).String()})
}

// Serve listens on the configured address until ctx is cancelled, then
// drains in-flight requests.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         a.cfg.Server.Host + ":" + a.cfg.Server.Port,
		Handler:      a.Router(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s (driver=%s, resources=%d)", srv.Addr, a.cfg.Seed.DBDriver, len(a.handlers))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// Close releases the driver and Redis connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.driver != nil {
		errs = append(errs, a.driver.Close(ctx))
	}
	errs = append(errs, a.closeRedis())
	return errors.Join(errs...)
}

func (a *App) closeRedis() error {
	if a.redis == nil {
		return nil
	}
	err := a.redis.Close()
	a.redis = nil
	return err
}
