package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. HUDDLE_HTTP_PORT.
const Prefix = "huddle"

type Config struct {
	AppName   string `envconfig:"APP_NAME" default:"huddle"`
	Env       string `envconfig:"APP_ENV" default:"development" validate:"oneof=development staging production test"`
	Host      string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	Port      int    `envconfig:"HTTP_PORT" default:"8000" validate:"min=1,max=65535"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=text json"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite" validate:"oneof=sqlite postgres"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"huddle.db"`
	DatabaseURL string `envconfig:"DATABASE_URL" validate:"required_if=StoreDriver postgres"`
	MessageLog  string `envconfig:"MESSAGE_LOG" default:"sql" validate:"oneof=sql badger"`
	BadgerPath  string `envconfig:"BADGER_PATH" default:"data/messages" validate:"required_if=MessageLog badger"`
	RedisAddr   string `envconfig:"REDIS_ADDR"`
	RedisDB     int    `envconfig:"REDIS_DB" default:"0"`
	RedisPass   string `envconfig:"REDIS_PASSWORD"`

	JWTSecret      string   `envconfig:"JWT_SECRET" required:"true" validate:"min=16"`
	EncryptKey     string   `envconfig:"ENCRYPTION_KEY"`
	CORSOrigins    []string `envconfig:"CORS_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
	WSSendBuffer   int      `envconfig:"WS_SEND_BUFFER" default:"256" validate:"min=1"`
	MaxMessageRune int      `envconfig:"MAX_MESSAGE_RUNES" default:"5000" validate:"min=1"`
	DefaultPage    int      `envconfig:"DEFAULT_PAGE_SIZE" default:"50" validate:"min=1"`
	MaxPageSize    int      `envconfig:"MAX_PAGE_SIZE" default:"500" validate:"min=1,gtefield=DefaultPage"`
	ConvCacheSize  int64    `envconfig:"CONVERSATION_CACHE_SIZE" default:"10000" validate:"min=1"`

	LockTimeout            time.Duration `envconfig:"LOCK_TIMEOUT" default:"2s" validate:"min=1ms"`
	PresenceGracePeriod    time.Duration `envconfig:"PRESENCE_GRACE_PERIOD" default:"10s"`
	PresenceAwayAfter      time.Duration `envconfig:"PRESENCE_AWAY_AFTER" default:"5m" validate:"min=1s"`
	PresenceMultiSession   bool          `envconfig:"PRESENCE_MULTI_SESSION" default:"false"`
	PresenceSweepInterval  time.Duration `envconfig:"PRESENCE_SWEEP_INTERVAL" default:"30s" validate:"min=1s"`
	DeliveryEcho           bool          `envconfig:"DELIVERY_ECHO" default:"false"`
	DeliveryPendingTimeout time.Duration `envconfig:"DELIVERY_PENDING_TIMEOUT" default:"24h" validate:"min=1s"`
	DeliverySweepInterval  time.Duration `envconfig:"DELIVERY_SWEEP_INTERVAL" default:"1m" validate:"min=1s"`
	CallMultiScreenShare   bool          `envconfig:"CALL_ALLOW_MULTI_SCREEN_SHARE" default:"false"`
	CallUnjoinedTimeout    time.Duration `envconfig:"CALL_UNJOINED_TIMEOUT" default:"10m" validate:"min=1s"`
	CallRetention          time.Duration `envconfig:"CALL_RETENTION" default:"1h" validate:"min=1s"`
	CallSweepInterval      time.Duration `envconfig:"CALL_SWEEP_INTERVAL" default:"1m" validate:"min=1s"`
}

// Load reads an optional .env file, decodes HUDDLE_* variables and validates
// the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
