// Package config loads service configuration from WARDEN_* environment
// variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/warden/pkg/authz"
)

// RepositoryKind selects the permissions storage backend.
type RepositoryKind string

const (
	RepositoryInMemory   RepositoryKind = "inMemory"
	RepositoryRelational RepositoryKind = "relational"
	RepositoryRemoteKV   RepositoryKind = "remoteKV"
	RepositoryDual       RepositoryKind = "dual"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Repository RepositoryConfig
	Providers  ProvidersConfig
	Resolver   ResolverConfig
	Sync       SyncConfig
	Tracing    TracingConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host                string
	Port                string
	ExposeAuthorizeList bool
}

// RepositoryConfig selects and tunes the storage backend.
type RepositoryConfig struct {
	Kind RepositoryKind
	// Dual migration pair; each names one of the wired backends.
	DualPrimary  RepositoryKind
	DualPrevious RepositoryKind

	// Relational backend.
	DatabaseDriver string // postgres | sqlite3
	DatabaseURL    string

	// Remote k/v backend and distributed locking.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	UnrestrictedCacheTTL time.Duration
}

// ProvidersConfig tunes the resource loaders and providers.
type ProvidersConfig struct {
	RefreshInterval time.Duration
	MaxStaleness    time.Duration
	CacheTTL        time.Duration

	// Inventory files backing the in-tree loaders. Empty entries
	// disable that resource type.
	AccountFile        string
	ApplicationFile    string
	ApplicationAltFile string
	BuildServiceFile   string
	ServiceAccountFile string

	// PermissionFile holds file-configured permission and prefix rules.
	PermissionFile string

	// RolesFile maps users to group memberships for deployments without
	// an external identity provider.
	RolesFile string

	ExecuteFallback                  authz.Authorization
	AllowAccessToUnknownApplications bool
}

// ResolverConfig tunes permission resolution.
type ResolverConfig struct {
	AdminRoles        []string
	UnrestrictedRoles []string
}

// SyncConfig tunes the user roles syncer.
type SyncConfig struct {
	WriteModeEnabled bool
	TickInterval     time.Duration
	SyncDelay        time.Duration
	SyncFailureDelay time.Duration
	SyncDelayTimeout time.Duration
	RetryInterval    time.Duration
}

// TracingConfig tunes OpenTelemetry export.
type TracingConfig struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	executeFallback, err := authz.ParseAuthorization(getEnv("WARDEN_EXECUTE_FALLBACK", "READ"))
	if err != nil {
		return nil, fmt.Errorf("invalid WARDEN_EXECUTE_FALLBACK: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:                getEnv("WARDEN_HOST", "0.0.0.0"),
			Port:                getEnv("WARDEN_PORT", "8080"),
			ExposeAuthorizeList: getEnvBool("WARDEN_EXPOSE_AUTHORIZE_LIST", false),
		},
		Repository: RepositoryConfig{
			Kind:                 RepositoryKind(getEnv("WARDEN_REPOSITORY", string(RepositoryInMemory))),
			DualPrimary:          RepositoryKind(getEnv("WARDEN_REPOSITORY_DUAL_PRIMARY", string(RepositoryRelational))),
			DualPrevious:         RepositoryKind(getEnv("WARDEN_REPOSITORY_DUAL_PREVIOUS", string(RepositoryRemoteKV))),
			DatabaseDriver:       getEnv("WARDEN_DATABASE_DRIVER", "postgres"),
			DatabaseURL:          getEnv("WARDEN_DATABASE_URL", "postgres://localhost/warden?sslmode=disable"),
			RedisAddr:            getEnv("WARDEN_REDIS_ADDR", "localhost:6379"),
			RedisPassword:        getEnv("WARDEN_REDIS_PASSWORD", ""),
			RedisDB:              getEnvInt("WARDEN_REDIS_DB", 0),
			RedisPrefix:          getEnv("WARDEN_REDIS_PREFIX", "warden"),
			UnrestrictedCacheTTL: getEnvDuration("WARDEN_UNRESTRICTED_CACHE_TTL", 10*time.Second),
		},
		Providers: ProvidersConfig{
			RefreshInterval:                  getEnvDuration("WARDEN_PROVIDER_REFRESH_INTERVAL", 30*time.Second),
			MaxStaleness:                     getEnvDuration("WARDEN_PROVIDER_MAX_STALENESS", 90*time.Second),
			CacheTTL:                         getEnvDuration("WARDEN_PROVIDER_CACHE_TTL", 10*time.Second),
			AccountFile:                      getEnv("WARDEN_ACCOUNT_FILE", ""),
			ApplicationFile:                  getEnv("WARDEN_APPLICATION_FILE", ""),
			ApplicationAltFile:               getEnv("WARDEN_APPLICATION_ALT_FILE", ""),
			BuildServiceFile:                 getEnv("WARDEN_BUILD_SERVICE_FILE", ""),
			ServiceAccountFile:               getEnv("WARDEN_SERVICE_ACCOUNT_FILE", ""),
			PermissionFile:                   getEnv("WARDEN_PERMISSION_FILE", ""),
			RolesFile:                        getEnv("WARDEN_ROLES_FILE", ""),
			ExecuteFallback:                  executeFallback,
			AllowAccessToUnknownApplications: getEnvBool("WARDEN_ALLOW_UNKNOWN_APPLICATIONS", false),
		},
		Resolver: ResolverConfig{
			AdminRoles:        getEnvList("WARDEN_ADMIN_ROLES"),
			UnrestrictedRoles: getEnvList("WARDEN_UNRESTRICTED_ROLES"),
		},
		Sync: SyncConfig{
			WriteModeEnabled: getEnvBool("WARDEN_WRITE_MODE_ENABLED", true),
			TickInterval:     getEnvDuration("WARDEN_SYNC_TICK_INTERVAL", 30*time.Second),
			SyncDelay:        getEnvDuration("WARDEN_SYNC_DELAY", 10*time.Minute),
			SyncFailureDelay: getEnvDuration("WARDEN_SYNC_FAILURE_DELAY", 10*time.Minute),
			SyncDelayTimeout: getEnvDuration("WARDEN_SYNC_DELAY_TIMEOUT", 30*time.Second),
			RetryInterval:    getEnvDuration("WARDEN_SYNC_RETRY_INTERVAL", 10*time.Second),
		},
		Tracing: TracingConfig{
			Enabled:  getEnvBool("WARDEN_OTEL_ENABLED", false),
			Endpoint: getEnv("WARDEN_OTEL_ENDPOINT", "localhost:4317"),
			Insecure: getEnvBool("WARDEN_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Repository.Kind {
	case RepositoryInMemory, RepositoryRelational, RepositoryRemoteKV:
	case RepositoryDual:
		if c.Repository.DualPrimary == c.Repository.DualPrevious {
			return fmt.Errorf("dual repository primary and previous must differ")
		}
	default:
		return fmt.Errorf("unknown repository kind %q", c.Repository.Kind)
	}

	switch c.Providers.ExecuteFallback {
	case authz.AuthorizationRead, authz.AuthorizationWrite:
	default:
		return fmt.Errorf("execute fallback must be READ or WRITE, got %s", c.Providers.ExecuteFallback)
	}

	if c.Sync.RetryInterval <= 0 {
		return fmt.Errorf("sync retry interval must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		// Raw integers are taken as milliseconds, matching the legacy
		// *_MS knobs.
		if millis, err := strconv.Atoi(value); err == nil {
			return time.Duration(millis) * time.Millisecond
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
