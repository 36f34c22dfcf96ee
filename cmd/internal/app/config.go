package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Persistence selection, checked in order:
	// DatabaseURL (Postgres) > SQLitePath (embedded) > in-memory.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	SQLitePath  string

	// If true:
	// - /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool

	// If true, POST /api/dev/token is mounted. The endpoint mints access
	// tokens for arbitrary account ids and exists only for local development
	// against a stubbed account directory.
	DevTokenMint bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("QUAD_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("QUAD_LOG_LEVEL", "info"),
		LogFormat: EnvString("QUAD_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("QUAD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("QUAD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("QUAD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("QUAD_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("QUAD_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("QUAD_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("QUAD_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("QUAD_DB_MIN_CONNS", 0),
		SQLitePath:  EnvString("QUAD_SQLITE_PATH", ""),

		ReadinessRequireDB: EnvBool("QUAD_READINESS_REQUIRE_DB", false),

		DevTokenMint: EnvBool("QUAD_DEV_TOKEN_MINT", false),

		CORSAllowedOrigins:   EnvCSV("QUAD_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("QUAD_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("QUAD_CORS_MAX_AGE_SECONDS", 600),
	}
}
