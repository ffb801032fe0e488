package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hungaromedia/citekeeper/config"
	"github.com/hungaromedia/citekeeper/internal/coordinator"
	"github.com/hungaromedia/citekeeper/internal/discovery"
	"github.com/hungaromedia/citekeeper/internal/domains"
	"github.com/hungaromedia/citekeeper/internal/gate"
	"github.com/hungaromedia/citekeeper/internal/patcher"
	"github.com/hungaromedia/citekeeper/internal/prober"
	"github.com/hungaromedia/citekeeper/internal/queue/streams"
	"github.com/hungaromedia/citekeeper/internal/revision"
	"github.com/hungaromedia/citekeeper/internal/runtime"
	"github.com/hungaromedia/citekeeper/internal/store"
)

type deps struct {
	store       *store.Store
	rdb         *redis.Client
	table       *domains.Table
	prober      *prober.Prober
	discoverer  *discovery.Discoverer
	gate        *gate.Gate
	patcher     *patcher.Patcher
	revisions   *revision.Service
	coordinator *coordinator.Coordinator
	publisher   *streams.Publisher
}

func buildDeps(ctx context.Context, cfg *config.Config) (*deps, error) {
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr(),
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
	}
	pub := streams.NewPublisher(rdb)
	if err := streams.EnsureGroup(ctx, rdb, cfg.Jobs.DispatchStream, cfg.Jobs.ConsumerGroup); err != nil {
		return nil, fmt.Errorf("ensure consumer group: %w", err)
	}

	table, err := domains.Load(cfg.Discovery.DomainTablePath)
	if err != nil {
		return nil, fmt.Errorf("load domain table: %w", err)
	}

	pb := prober.New(cfg.Prober)
	revisions := revision.New(st)
	patch := patcher.New(st, revisions, cfg.Placement)
	oracle := &discovery.HTTPOracle{
		Endpoint: cfg.Discovery.OracleEndpoint,
		APIKey:   cfg.Discovery.OracleAPIKey,
		Client:   &http.Client{Timeout: cfg.Discovery.Timeout},
	}
	disc := discovery.New(cfg.Discovery, oracle, table, pb, st)
	g := gate.New(st, table, cfg.Discovery.AutoApplyThreshold)
	coord := coordinator.New(st, table, pub, cfg.Jobs.DispatchStream, cfg.Jobs.ChunkSize)

	return &deps{
		store:       st,
		rdb:         rdb,
		table:       table,
		prober:      pb,
		discoverer:  disc,
		gate:        g,
		patcher:     patch,
		revisions:   revisions,
		coordinator: coord,
		publisher:   pub,
	}, nil
}

// Run starts the HTTP API with the probe scheduler. It blocks until the
// listener fails.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate(cfg.Server.MigrationsDir, dsn, "up", 0); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	ctx := context.Background()
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}

	secret, err := runtime.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	sched := &Scheduler{
		Store:  d.store,
		Prober: d.prober,
		Rdb:    d.rdb,
		Cron:   cfg.Prober.ScheduleCron,
		Stop:   make(chan struct{}),
		logger: log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
	if !cfg.Prober.ScheduleDisabled {
		sched.Start()
	}

	api := e.Group("/api")
	api.Use(runtime.EchoAuthMiddleware(secret))

	rh := &ReplacementsHandler{
		Store:       d.store,
		Coordinator: d.coordinator,
		Gate:        d.gate,
		Patcher:     d.patcher,
		Revisions:   d.revisions,
		StaleAfter:  cfg.Jobs.StaleAfter,
	}
	rh.Register(api.Group("/replacements"))

	ch := &CitationsHandler{Store: d.store, Scheduler: sched}
	ch.Register(api.Group("/citations"))

	ah := &ArticlesHandler{Store: d.store, Patcher: d.patcher}
	ah.Register(api.Group("/articles"))

	if addr == "" {
		addr = cfg.Server.Address
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// RunWorker starts the chunk worker consumer loop. It blocks until the
// context is cancelled.
func RunWorker(ctx context.Context, cfg *config.Config) error {
	d, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	cons := streams.NewConsumer(d.rdb, cfg.Jobs.ConsumerGroup, cfg.Jobs.ConsumerName)
	w := coordinator.NewWorker(
		d.store, cons, d.publisher, cfg.Jobs.DispatchStream,
		d.discoverer, d.gate, d.patcher, cfg.Jobs.HeartbeatInterval,
	)
	return w.Start(ctx)
}

// RunProbeOnce runs one full probe pass and exits. Used by the probe command.
func RunProbeOnce(ctx context.Context, cfg *config.Config) error {
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}
	sched := &Scheduler{
		Store:  st,
		Prober: prober.New(cfg.Prober),
		Cron:   cfg.Prober.ScheduleCron,
		logger: log.New(log.Writer(), "[PROBE] ", log.LstdFlags),
	}
	sched.RunProbe(ctx)
	return nil
}
