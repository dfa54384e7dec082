package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/api"
	"github.com/platinummonkey/warden/pkg/authz"
	"github.com/platinummonkey/warden/pkg/config"
	"github.com/platinummonkey/warden/pkg/observability"
	"github.com/platinummonkey/warden/pkg/providers"
	"github.com/platinummonkey/warden/pkg/repository"
	"github.com/platinummonkey/warden/pkg/repository/postgres"
	"github.com/platinummonkey/warden/pkg/repository/redisrepo"
	"github.com/platinummonkey/warden/pkg/resolver"
	"github.com/platinummonkey/warden/pkg/roles"
	rolesync "github.com/platinummonkey/warden/pkg/sync"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    "warden",
		ServiceVersion: "1.0.0",
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdownTracing(context.Background())

	// Backends.
	var db *sql.DB
	needsDB := cfg.Repository.Kind == config.RepositoryRelational ||
		(cfg.Repository.Kind == config.RepositoryDual &&
			(cfg.Repository.DualPrimary == config.RepositoryRelational || cfg.Repository.DualPrevious == config.RepositoryRelational))
	if needsDB {
		db, err = sql.Open(cfg.Repository.DatabaseDriver, cfg.Repository.DatabaseURL)
		if err != nil {
			logrus.WithError(err).Fatal("failed to open database")
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetConnMaxLifetime(time.Hour)
		if err := postgres.Migrate(ctx, db); err != nil {
			logrus.WithError(err).Fatal("failed to run migrations")
		}
	}

	var redisClient *redis.Client
	needsRedis := cfg.Repository.Kind == config.RepositoryRemoteKV ||
		(cfg.Repository.Kind == config.RepositoryDual &&
			(cfg.Repository.DualPrimary == config.RepositoryRemoteKV || cfg.Repository.DualPrevious == config.RepositoryRemoteKV))
	if needsRedis || cfg.Sync.WriteModeEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Repository.RedisAddr,
			Password: cfg.Repository.RedisPassword,
			DB:       cfg.Repository.RedisDB,
		})
		defer redisClient.Close()
	}

	repo, err := buildRepository(cfg, db, redisClient)
	if err != nil {
		logrus.WithError(err).Fatal("failed to build permissions repository")
	}

	// Resource loaders and providers.
	loaderConfig := providers.DefaultCachedLoaderConfig()
	loaderConfig.RefreshInterval = cfg.Providers.RefreshInterval
	loaderConfig.MaxStaleness = cfg.Providers.MaxStaleness

	var permissionSource *providers.FileSource
	if cfg.Providers.PermissionFile != "" {
		permissionSource, err = providers.NewFileSource(cfg.Providers.PermissionFile)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load permission source")
		}
		if err := permissionSource.Watch(ctx); err != nil {
			logrus.WithError(err).Warn("permission source watch unavailable, reloads disabled")
		}
	}

	refresher := providers.NewRefresher()
	health := providers.NewHealthRegistry()
	var resourceProviders []providers.ResourceProvider
	var serviceAccountProvider providers.ResourceProvider

	addLoader := func(name, path string, rt authz.ResourceType) *providers.CachedLoader {
		if path == "" {
			return nil
		}
		loader := providers.NewCachedLoader(name, providers.NewFileInventoryLoader(path, rt), loaderConfig)
		if err := refresher.Add(loader); err != nil {
			logrus.WithError(err).Fatal("failed to schedule loader refresh")
		}
		health.Register(loader.Health())
		return loader
	}

	if loader := addLoader("accounts", cfg.Providers.AccountFile, authz.ResourceTypeAccount); loader != nil {
		opts := []providers.BaseProviderOption{providers.WithCacheTTL(cfg.Providers.CacheTTL)}
		if permissionSource != nil {
			opts = append(opts, providers.WithPermissionSource(permissionSource.SourceFor(authz.ResourceTypeAccount)))
		}
		resourceProviders = append(resourceProviders, providers.NewBaseProvider(authz.ResourceTypeAccount, loader, opts...))
	}
	if loader := addLoader("applications", cfg.Providers.ApplicationFile, authz.ResourceTypeApplication); loader != nil {
		opts := []providers.ApplicationProviderOption{
			providers.WithExecuteFallback(cfg.Providers.ExecuteFallback),
			providers.WithAllowUnknownApplications(cfg.Providers.AllowAccessToUnknownApplications),
		}
		if secondary := addLoader("applications-inventory", cfg.Providers.ApplicationAltFile, authz.ResourceTypeApplication); secondary != nil {
			opts = append(opts, providers.WithSecondaryLoader(secondary))
		}
		if permissionSource != nil {
			opts = append(opts, providers.WithApplicationPermissionSource(permissionSource.SourceFor(authz.ResourceTypeApplication)))
		}
		resourceProviders = append(resourceProviders, providers.NewApplicationProvider(loader, opts...))
	}
	if loader := addLoader("build-services", cfg.Providers.BuildServiceFile, authz.ResourceTypeBuildService); loader != nil {
		resourceProviders = append(resourceProviders,
			providers.NewBaseProvider(authz.ResourceTypeBuildService, loader,
				providers.WithCacheTTL(cfg.Providers.CacheTTL)))
	}
	if loader := addLoader("service-accounts", cfg.Providers.ServiceAccountFile, authz.ResourceTypeServiceAccount); loader != nil {
		serviceAccountProvider = providers.NewBaseProvider(authz.ResourceTypeServiceAccount, loader,
			providers.WithCacheTTL(cfg.Providers.CacheTTL))
		resourceProviders = append(resourceProviders, serviceAccountProvider)
	}

	refresher.Start(ctx)
	defer refresher.Stop()

	// Resolution and sync.
	var rolesProvider roles.UserRolesProvider = roles.NewStaticProvider(nil)
	if cfg.Providers.RolesFile != "" {
		rolesProvider, err = roles.NewFileProvider(cfg.Providers.RolesFile)
		if err != nil {
			logrus.WithError(err).Fatal("failed to load roles file")
		}
	}
	permissionsResolver := resolver.New(rolesProvider, resourceProviders, resolver.Config{
		AdminRoles:                       cfg.Resolver.AdminRoles,
		UnrestrictedRoles:                cfg.Resolver.UnrestrictedRoles,
		AllowAccessToUnknownApplications: cfg.Providers.AllowAccessToUnknownApplications,
	})

	var lockManager rolesync.LockManager = rolesync.NewLocalLockManager()
	if redisClient != nil {
		lockManager = rolesync.NewRedisLockManager(redisClient, cfg.Repository.RedisPrefix)
	}
	syncer := rolesync.New(lockManager, repo, permissionsResolver, serviceAccountProvider, health, rolesync.Config{
		Enabled:          cfg.Sync.WriteModeEnabled,
		TickInterval:     cfg.Sync.TickInterval,
		SyncDelay:        cfg.Sync.SyncDelay,
		SyncFailureDelay: cfg.Sync.SyncFailureDelay,
		SyncDelayTimeout: cfg.Sync.SyncDelayTimeout,
		RetryInterval:    cfg.Sync.RetryInterval,
	})
	if err := syncer.Start(); err != nil {
		logrus.WithError(err).Fatal("failed to start user role syncer")
	}
	defer syncer.Stop()

	// HTTP surface.
	healthChecker := observability.NewHealthChecker(db, redisClient, health)
	server := api.NewServer(repo, permissionsResolver, healthChecker, api.Config{
		ExposeAuthorizeList: cfg.Server.ExposeAuthorizeList,
	})

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	logrus.WithField("addr", addr).Info("warden listening")
	go func() {
		if err := server.ListenAndServe(addr); err != nil {
			logrus.WithError(err).Fatal("server exited")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutting down")
}

func buildRepository(cfg *config.Config, db *sql.DB, redisClient *redis.Client) (repository.PermissionsRepository, error) {
	wired := map[string]repository.PermissionsRepository{
		string(config.RepositoryInMemory): repository.NewInMemoryRepository(),
	}
	if db != nil {
		wired[string(config.RepositoryRelational)] = postgres.New(db,
			postgres.WithUnrestrictedCacheTTL(cfg.Repository.UnrestrictedCacheTTL))
	}
	if redisClient != nil {
		kvConfig := redisrepo.DefaultConfig()
		kvConfig.Prefix = cfg.Repository.RedisPrefix
		kvConfig.UnrestrictedCacheTTL = cfg.Repository.UnrestrictedCacheTTL
		wired[string(config.RepositoryRemoteKV)] = redisrepo.New(redisClient, kvConfig)
	}

	switch cfg.Repository.Kind {
	case config.RepositoryDual:
		return repository.NewDualRepository(
			string(cfg.Repository.DualPrimary), string(cfg.Repository.DualPrevious), wired)
	default:
		repo, ok := wired[string(cfg.Repository.Kind)]
		if !ok {
			return nil, fmt.Errorf("repository %q is not wired (missing backend connection)", cfg.Repository.Kind)
		}
		return repo, nil
	}
}
