package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"agora/cmd/internal/auth"
	"agora/cmd/internal/realtime"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

const envPrefix = "AGORA_"

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config is the server runtime configuration, read from AGORA_* variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"16384"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	Store         string        `env:"STORE" envDefault:"memory"`
	DatabaseURL   string        `env:"DATABASE_URL"`
	DBSchema      string        `env:"DB_SCHEMA" envDefault:"agora"`
	DBMaxConns    int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns    int32         `env:"DB_MIN_CONNS" envDefault:"0"`
	MongoURI      string        `env:"MONGO_URI"`
	MongoDatabase string        `env:"MONGO_DATABASE" envDefault:"agora"`
	AppendTimeout time.Duration `env:"APPEND_TIMEOUT" envDefault:"5s"`

	AuthMode           string        `env:"AUTH_MODE" envDefault:"dev"`
	PasetoPublicKeyHex string        `env:"PASETO_PUBLIC_KEY_HEX"`
	PasetoIssuer       string        `env:"PASETO_ISSUER"`
	JWTSecret          string        `env:"JWT_SECRET"`
	JWTIssuer          string        `env:"JWT_ISSUER"`
	TokenClockSkew     time.Duration `env:"TOKEN_CLOCK_SKEW" envDefault:"30s"`

	ListingURL      string        `env:"LISTING_URL"`
	ListingTimeout  time.Duration `env:"LISTING_TIMEOUT" envDefault:"2s"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB" envDefault:"0"`
	ListingCacheTTL time.Duration `env:"LISTING_CACHE_TTL" envDefault:"5m"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"agora.chat.messages"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	WS realtime.GatewayConfig `envPrefix:"WS_"`
}

// LoadConfig reads the optional dotenv file named by AGORA_DOTENV (default
// .env), then parses AGORA_* variables. Variables already set win over the file.
func LoadConfig() (Config, error) {
	path := strings.TrimSpace(os.Getenv(envPrefix + "DOTENV"))
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	return parseConfig(nil)
}

// parseConfig parses AGORA_* from the process environment, or from environ when
// it is non-nil.
func parseConfig(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.AuthMode = strings.ToLower(strings.TrimSpace(c.AuthMode))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.CORSAllowedOrigins = trimAll(c.CORSAllowedOrigins)
	c.KafkaBrokers = trimAll(c.KafkaBrokers)
	c.WS.AllowedOrigins = trimAll(c.WS.AllowedOrigins)
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("AGORA_HTTP_ADDR is empty"))
	}
	switch c.LogFormat {
	case "json", "pretty", "text":
	default:
		errs = append(errs, fmt.Errorf("AGORA_LOG_FORMAT %q is not json, pretty or text", c.LogFormat))
	}

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			errs = append(errs, errors.New("AGORA_STORE=postgres requires AGORA_DATABASE_URL"))
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			errs = append(errs, fmt.Errorf("invalid db pool bounds min=%d max=%d", c.DBMinConns, c.DBMaxConns))
		}
	case StoreMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			errs = append(errs, errors.New("AGORA_STORE=mongo requires AGORA_MONGO_URI"))
		}
		if strings.TrimSpace(c.MongoDatabase) == "" {
			errs = append(errs, errors.New("AGORA_MONGO_DATABASE is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("AGORA_STORE %q is not memory, postgres or mongo", c.Store))
	}

	switch c.AuthMode {
	case auth.ModeDev:
	case auth.ModePaseto:
		if strings.TrimSpace(c.PasetoPublicKeyHex) == "" {
			errs = append(errs, errors.New("AGORA_AUTH_MODE=paseto requires AGORA_PASETO_PUBLIC_KEY_HEX"))
		}
	case auth.ModeJWT:
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("AGORA_JWT_SECRET must be at least 32 bytes"))
		}
	default:
		errs = append(errs, fmt.Errorf("AGORA_AUTH_MODE %q is not dev, paseto or jwt", c.AuthMode))
	}

	if c.AppendTimeout <= 0 {
		errs = append(errs, errors.New("AGORA_APPEND_TIMEOUT must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, errors.New("AGORA_KAFKA_BROKERS requires AGORA_KAFKA_TOPIC"))
	}
	if c.WS.DevInsecure && c.AuthMode != auth.ModeDev {
		errs = append(errs, errors.New("AGORA_WS_DEV_INSECURE is only allowed with AGORA_AUTH_MODE=dev"))
	}
	if c.WS.AllowDevIdentity && c.AuthMode != auth.ModeDev {
		errs = append(errs, errors.New("AGORA_WS_ALLOW_DEV_IDENTITY is only allowed with AGORA_AUTH_MODE=dev"))
	}
	if c.WS.OriginRequired && len(c.WS.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("AGORA_WS_ORIGIN_REQUIRED needs AGORA_WS_ALLOWED_ORIGINS"))
	}

	return errors.Join(errs...)
}

func (c Config) authConfig() auth.Config {
	return auth.Config{
		Mode:               c.AuthMode,
		PasetoPublicKeyHex: c.PasetoPublicKeyHex,
		PasetoIssuer:       c.PasetoIssuer,
		JWTSecret:          c.JWTSecret,
		JWTIssuer:          c.JWTIssuer,
		ClockSkew:          c.TokenClockSkew,
	}
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
