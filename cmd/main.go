package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"time"

	"github.com/JonnyShabli/mediagrab/config"
	"github.com/JonnyShabli/mediagrab/internal/controller"
	"github.com/JonnyShabli/mediagrab/internal/models"
	"github.com/JonnyShabli/mediagrab/internal/platform"
	"github.com/JonnyShabli/mediagrab/internal/repository"
	"github.com/JonnyShabli/mediagrab/internal/service"
	"github.com/JonnyShabli/mediagrab/internal/storage"
	pkghttp "github.com/JonnyShabli/mediagrab/pkg/http"
	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/JonnyShabli/mediagrab/pkg/sig"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	localConfig   = "config/config_local.yaml"
	sweepInterval = time.Minute
)

func main() {
	var appConfig config.Config
	var configFile string
	// читаем флаги запуска
	flag.StringVar(&configFile, "config", localConfig, "Path to the config file")
	flag.Parse()
	err := config.LoadConfig(configFile, &appConfig)
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Создаем логер
	logger := logster.New(os.Stdout, appConfig.Logger)
	defer func() { _ = logger.Sync() }()

	logger.Infof("starting application on %s:%s", appConfig.HttpServer.Addr, appConfig.HttpServer.Port)

	// база данных и хранилище сессий
	db, err := repository.Open(appConfig.Database, logger)
	if err != nil {
		logger.WithError(err).Fatalf("open database")
	}
	sessions, err := newSessionStore(ctx, appConfig.Sessions, logger)
	if err != nil {
		logger.WithError(err).Fatalf("open session store")
	}

	settings, err := service.NewSettings(ctx, repository.NewGormSettingsRepository(db), logger)
	if err != nil {
		logger.WithError(err).Fatalf("load settings")
	}
	gate, err := service.NewGate(service.GateConfig{
		Secret: appConfig.Auth.Secret,
		TTL:    appConfig.Sessions.TTL,
	}, settings, sessions, logger)
	if err != nil {
		logger.WithError(err).Fatalf("create access gate")
	}

	root, err := storage.NewRoot(appConfig.Storage.Root)
	if err != nil {
		logger.WithError(err).Fatalf("open storage root")
	}
	logger.Infof("storage root %s", root.Dir())

	// создаем движок загрузок
	engine := service.NewEngine(service.EngineConfig{
		Workers:         appConfig.Engine.Workers,
		LogCap:          appConfig.Engine.LogCap,
		CancelGrace:     appConfig.Engine.CancelGrace,
		PersistInterval: appConfig.Engine.PersistInterval,
	}, repository.NewGormTaskRepository(db), newRegistry(appConfig.Platforms, logger), root, settings, logger)
	if err := engine.Restore(ctx); err != nil {
		logger.WithError(err).Fatalf("restore tasks")
	}

	// создаем errgroup
	g, ctx := errgroup.WithContext(ctx)

	// Gracefully shutdown
	g.Go(func() error {
		return sig.ListenSignal(ctx, logger, cancel)
	})

	g.Go(func() error {
		return logster.LogIfError(logger, engine.Run(ctx), "Download engine")
	})

	if mem, ok := sessions.(*repository.MemorySessionStore); ok {
		g.Go(func() error {
			mem.RunSweeper(ctx, sweepInterval)
			return nil
		})
	}

	// создаем хэндлер
	handlerObj := controller.NewHandlers(engine, settings, gate, root, controller.CookieConfig{
		Name:   appConfig.Auth.CookieName,
		Secure: appConfig.Auth.CookieSecure,
	}, logger)
	handler := pkghttp.NewHandler("/",
		pkghttp.WithLogger(logger),
		pkghttp.DefaultTechOptions(),
		pkghttp.WithDebugHandler(appConfig.HttpServer.Debug),
		controller.WithApiHandler(handlerObj),
		pkghttp.WithStatic(appConfig.HttpServer.StaticDir),
	)
	logger.Infof("Create and configure handler")

	// запускаем http server
	g.Go(func() error {
		return logster.LogIfError(
			logger, pkghttp.RunServer(ctx, net.JoinHostPort(appConfig.HttpServer.Addr, appConfig.HttpServer.Port), logger, handler),
			"Api server",
		)
	})

	// ждем завершения
	err = g.Wait()
	if err != nil && !errors.Is(err, sig.ErrSignalReceived) {
		logger.WithError(err).Errorf("Exit reason")
	}

	closeErr := multierr.Combine(
		engine.Close(),
		repository.Close(db),
		sessions.Close(),
	)
	if closeErr != nil {
		logger.WithError(closeErr).Errorf("shutdown")
	}
	logger.Infof("stopped")
}

func newSessionStore(ctx context.Context, cfg config.SessionsConfig, logger logster.Logger) (repository.SessionStore, error) {
	if cfg.Backend != "redis" {
		return repository.NewMemorySessionStore(logger), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, multierr.Append(err, client.Close())
	}
	logger.Infof("sessions stored in redis at %s", cfg.Redis.Addr)
	return repository.NewRedisSessionStore(client), nil
}

func newRegistry(cfg config.PlatformsConfig, logger logster.Logger) *platform.Registry {
	registry := platform.NewRegistry(
		platform.NewWeibo(platform.WeiboConfig{
			APIBase:   cfg.WeiboAPIBase,
			UserAgent: cfg.UserAgent,
			Timeout:   cfg.RequestTimeout,
			PageDelay: cfg.WeiboPageDelay,
		}, logger),
		platform.NewX(cfg.TmdPath, logger),
	)
	for _, p := range []models.Platform{
		models.PlatformXiaohongshu,
		models.PlatformInstagram,
		models.PlatformTelegram,
		models.PlatformYoutube,
	} {
		registry.Register(platform.NewGeneric(p, cfg.YtdlpPath, logger))
	}
	return registry
}
