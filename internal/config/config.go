// Package config loads application configuration from environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

// Prefix is prepended to every variable name, e.g. SLOTKEEPER_LISTEN_ADDR.
const Prefix = "SLOTKEEPER"

const defaultLoginPath = "/admin/login"

// Token store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8080" validate:"required,hostname_port"`
	TokenBackend string `envconfig:"TOKEN_BACKEND" default:"sqlite" validate:"oneof=sqlite redis"`
	DBPath       string `envconfig:"DB_PATH" default:"slotkeeper.db"`
	RedisURL     string `envconfig:"REDIS_URL" validate:"required_if=TokenBackend redis"`

	// Platform tenant.
	Environment      string        `envconfig:"ENVIRONMENT" default:"production" validate:"required"`
	PlatformBaseURL  string        `envconfig:"PLATFORM_BASE_URL" validate:"required,url"`
	FacilityID       string        `envconfig:"FACILITY_ID" validate:"required"`
	LoginURL         string        `envconfig:"LOGIN_URL" validate:"omitempty,url"`
	BrowserDriverURL string        `envconfig:"BROWSER_DRIVER_URL" default:"http://127.0.0.1:3000" validate:"required,url"`
	Timezone         string        `envconfig:"TIMEZONE" default:"Europe/Bratislava" validate:"timezone"`
	RequestTimeout   time.Duration `envconfig:"REQUEST_TIMEOUT" default:"20s" validate:"gt=0"`

	// Account credentials are optional here. Their absence surfaces as a
	// configuration error when the session is first needed.
	AccountUsername string `envconfig:"ACCOUNT_USERNAME"`
	AccountPassword string `envconfig:"ACCOUNT_PASSWORD"`

	// SecretKeyHex is 64 hex characters (32 bytes) used to seal stored
	// session tokens. SecretKey holds the decoded bytes, nil when unset.
	SecretKeyHex string `envconfig:"SECRET_KEY"`
	SecretKey    []byte `ignored:"true"`

	// Session refresh.
	BufferWindow       time.Duration `envconfig:"BUFFER_WINDOW" default:"1h" validate:"gt=0"`
	RefreshInterval    time.Duration `envconfig:"REFRESH_INTERVAL" default:"12h" validate:"gte=1m"`
	RetryDelay         time.Duration `envconfig:"RETRY_DELAY" default:"5m" validate:"gt=0"`
	RetryJitter        time.Duration `envconfig:"RETRY_JITTER" default:"0s" validate:"gte=0"`
	FailureWindow      int           `envconfig:"FAILURE_WINDOW" default:"5" validate:"gte=1"`
	FailureThreshold   int           `envconfig:"FAILURE_THRESHOLD" default:"3" validate:"gte=1,ltefield=FailureWindow"`
	SchedulerAutostart bool          `envconfig:"SCHEDULER_AUTOSTART" default:"true"`

	// Slot search.
	SlotMaxMonths  int           `envconfig:"SLOT_MAX_MONTHS" default:"3" validate:"gte=1,lte=24"`
	SlotMaxRetries int           `envconfig:"SLOT_MAX_RETRIES" default:"2" validate:"gte=0,lte=10"`
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s" validate:"gte=0"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"5s" validate:"gtefield=RetryBaseDelay"`

	// Token store housekeeping.
	CleanupSchedule string        `envconfig:"CLEANUP_SCHEDULE" default:"@every 1h" validate:"cron_expression"`
	CleanupGrace    time.Duration `envconfig:"CLEANUP_GRACE" default:"24h" validate:"gte=0"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`
}

// HasAccountCredentials returns true when both username and password are set.
func (c *Config) HasAccountCredentials() bool {
	return c.AccountUsername != "" && c.AccountPassword != ""
}

// Load reads a .env file if present, then SLOTKEEPER_* environment variables,
// and returns a validated Config. Variables already set in the environment
// take precedence over the .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	cfg.PlatformBaseURL = strings.TrimRight(cfg.PlatformBaseURL, "/")
	if cfg.LoginURL == "" && cfg.PlatformBaseURL != "" {
		cfg.LoginURL = cfg.PlatformBaseURL + defaultLoginPath
	}

	if err := newValidator().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", describe(err))
	}

	if cfg.SecretKeyHex != "" {
		key, err := hex.DecodeString(cfg.SecretKeyHex)
		if err != nil {
			return nil, fmt.Errorf("%s_SECRET_KEY is not valid hex: %w", Prefix, err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("%s_SECRET_KEY must be 64 hex characters (32 bytes), got %d bytes", Prefix, len(key))
		}
		cfg.SecretKey = key
	}

	return &cfg, nil
}

// Location returns the platform's time zone. Validation guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("cron_expression", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// describe rewrites validator errors to name environment variables instead
// of struct fields.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", envName(fe.StructField()), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

func envName(field string) string {
	f, ok := reflect.TypeOf(Config{}).FieldByName(field)
	if !ok {
		return field
	}
	return Prefix + "_" + f.Tag.Get("envconfig")
}
