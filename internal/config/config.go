// Package config loads the environment of both binaries. A .env file in the
// working directory is read first; real environment variables win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"khatpos/internal/barcode"
	"khatpos/internal/remote"
)

type Server struct {
	Port          string        `envconfig:"PORT" default:"8080"`
	AllowedOrigin string        `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL   string        `envconfig:"DATABASE_URL"`
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	AuthSecret    string        `envconfig:"AUTH_SECRET"`
	TokenTTL      time.Duration `envconfig:"TOKEN_TTL" default:"8h"`
	BalanceTTL    time.Duration `envconfig:"BALANCE_TTL" default:"30s"`
	SeedCatalog   bool          `envconfig:"SEED_CATALOG" default:"true"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
}

type Terminal struct {
	TerminalID        string          `envconfig:"TERMINAL_ID" default:"terminal-01"`
	DataPath          string          `envconfig:"DATA_PATH" default:"khatpos.db"`
	AuthorityKind     string          `envconfig:"AUTHORITY_KIND" default:"http"`
	AuthorityURL      string          `envconfig:"AUTHORITY_URL" default:"http://127.0.0.1:8080"`
	AuthorityUsername string          `envconfig:"AUTHORITY_USERNAME"`
	AuthorityPassword string          `envconfig:"AUTHORITY_PASSWORD"`
	AuthorityTimeout  time.Duration   `envconfig:"AUTHORITY_TIMEOUT" default:"10s"`
	DatabaseURL       string          `envconfig:"DATABASE_URL"`
	SyncInterval      time.Duration   `envconfig:"SYNC_INTERVAL" default:"30s"`
	TaxRate           decimal.Decimal `envconfig:"TAX_RATE" default:"0.05"`
	FuzzyThreshold    float64         `envconfig:"FUZZY_THRESHOLD" default:"0.75"`
	WeightPrefixes    []string        `envconfig:"WEIGHT_PREFIXES"`
	Operator          string          `envconfig:"OPERATOR" default:"cashier"`
	PINAttempts       int             `envconfig:"PIN_ATTEMPTS_PER_MINUTE" default:"8"`
	BalanceTTL        time.Duration   `envconfig:"BALANCE_TTL" default:"30s"`
	LogLevel          string          `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadServer never injects a default AUTH_SECRET; the server refuses to start without one.
func LoadServer() (Server, error) {
	_ = godotenv.Load()

	var cfg Server
	if err := envconfig.Process("", &cfg); err != nil {
		return Server{}, fmt.Errorf("load server config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 8 * time.Hour
	}
	return cfg, nil
}

func (c Server) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func LoadTerminal() (Terminal, error) {
	_ = godotenv.Load()

	var cfg Terminal
	if err := envconfig.Process("", &cfg); err != nil {
		return Terminal{}, fmt.Errorf("load terminal config: %w", err)
	}
	cfg.TerminalID = strings.TrimSpace(cfg.TerminalID)
	if cfg.AuthorityUsername == "" {
		cfg.AuthorityUsername = cfg.TerminalID
	}
	if err := cfg.Validate(); err != nil {
		return Terminal{}, err
	}
	return cfg, nil
}

func (c Terminal) Validate() error {
	if c.TerminalID == "" {
		return fmt.Errorf("TERMINAL_ID is required")
	}
	if c.TaxRate.IsNegative() || c.TaxRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("TAX_RATE must be a fraction in [0, 1), got %s", c.TaxRate)
	}
	if c.FuzzyThreshold <= 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("FUZZY_THRESHOLD must be in (0, 1], got %v", c.FuzzyThreshold)
	}
	for _, p := range c.WeightPrefixes {
		if len(p) != 2 || p[0] < '0' || p[0] > '9' || p[1] < '0' || p[1] > '9' {
			return fmt.Errorf("WEIGHT_PREFIXES entry %q must be two digits", p)
		}
	}
	if _, err := remote.ParseTarget(c.AuthorityKind); err != nil {
		return err
	}
	return nil
}

func (c Terminal) Target() remote.Target {
	target, err := remote.ParseTarget(c.AuthorityKind)
	if err != nil {
		return remote.TargetHTTP
	}
	return target
}

func (c Terminal) WeightFormat() barcode.WeightFormat {
	format := barcode.DefaultWeightFormat()
	if len(c.WeightPrefixes) > 0 {
		format.Prefixes = make([]string, 0, len(c.WeightPrefixes))
		for _, p := range c.WeightPrefixes {
			format.Prefixes = append(format.Prefixes, strings.TrimSpace(p))
		}
	}
	return format
}

// Logger builds the root logger; unknown levels fall back to info.
func Logger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}
