package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	FeatureFlags FeatureFlagsConfig
	Gateways     GatewaysConfig
	Stripe       StripeConfig
	Square       SquareConfig
	Currency     CurrencyConfig
	Webhooks     WebhooksConfig
	Cron         CronConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PAYCORE_APP_ENV" required:"true"`
	Port         string `envconfig:"PAYCORE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"PAYCORE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PAYCORE_LOG_WARN_STACK" default:"false"`
	// PublicURL is the externally reachable base of this service, used when a
	// gateway signs the full notification URL.
	PublicURL string `envconfig:"PAYCORE_APP_PUBLIC_URL" default:"http://localhost:8080"`
	// ReturnURL is where buyers land after a confirmed payment. The order id is appended as ?order=.
	ReturnURL string `envconfig:"PAYCORE_APP_RETURN_URL" default:"http://localhost:3000/checkout/complete"`
	// CORSOrigins lists storefront origins allowed to call the buyer-facing routes.
	CORSOrigins []string `envconfig:"PAYCORE_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"PAYCORE_DB_DSN"`
	Driver string `envconfig:"PAYCORE_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"PAYCORE_DB_HOST"`
	Port     int    `envconfig:"PAYCORE_DB_PORT" default:"5432"`
	User     string `envconfig:"PAYCORE_DB_USER"`
	Password string `envconfig:"PAYCORE_DB_PASSWORD"`
	Name     string `envconfig:"PAYCORE_DB_NAME"`
	SSLMode  string `envconfig:"PAYCORE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PAYCORE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PAYCORE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PAYCORE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PAYCORE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PAYCORE_REDIS_URL" required:"true"`
	Password     string        `envconfig:"PAYCORE_REDIS_PASSWORD"`
	DB           int           `envconfig:"PAYCORE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PAYCORE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PAYCORE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PAYCORE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PAYCORE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PAYCORE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig secures the admin API. Tokens are minted by the store back office.
type JWTConfig struct {
	Secret string `envconfig:"PAYCORE_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"PAYCORE_JWT_ISSUER" required:"true"`
	// ExpirationMinutes bounds tokens minted locally (ops tooling, tests).
	ExpirationMinutes int `envconfig:"PAYCORE_JWT_EXPIRATION_MINUTES" default:"60"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"PAYCORE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"PAYCORE_AUTO_MIGRATE" default:"false"`
	// PromoPlaceholders registers upsell entries for gateways that are not installed.
	PromoPlaceholders bool `envconfig:"PAYCORE_FEATURE_PROMO_GATEWAYS" default:"true"`
}

type GatewaysConfig struct {
	Enabled []string      `envconfig:"PAYCORE_GATEWAYS_ENABLED" default:"stripe,square,offline"`
	Timeout time.Duration `envconfig:"PAYCORE_GATEWAY_TIMEOUT" default:"20s"`
}

// IsEnabled reports whether the gateway identifier is switched on.
func (g GatewaysConfig) IsEnabled(id string) bool {
	for _, candidate := range g.Enabled {
		if strings.EqualFold(strings.TrimSpace(candidate), id) {
			return true
		}
	}
	return false
}

// StripeConfig carries both credential sets; Env picks the active one.
type StripeConfig struct {
	Env               string `envconfig:"PAYCORE_STRIPE_ENV" default:"test"`
	TestAPIKey        string `envconfig:"PAYCORE_STRIPE_TEST_API_KEY"`
	TestWebhookSecret string `envconfig:"PAYCORE_STRIPE_TEST_WEBHOOK_SECRET"`
	LiveAPIKey        string `envconfig:"PAYCORE_STRIPE_LIVE_API_KEY"`
	LiveWebhookSecret string `envconfig:"PAYCORE_STRIPE_LIVE_WEBHOOK_SECRET"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return ModeTest
	}
	return env
}

func (s StripeConfig) APIKey() string {
	if s.Environment() == ModeLive {
		return s.LiveAPIKey
	}
	return s.TestAPIKey
}

func (s StripeConfig) WebhookSecret() string {
	if s.Environment() == ModeLive {
		return s.LiveWebhookSecret
	}
	return s.TestWebhookSecret
}

type SquareConfig struct {
	Env                 string `envconfig:"PAYCORE_SQUARE_ENV" default:"sandbox"`
	SandboxAccessToken  string `envconfig:"PAYCORE_SQUARE_SANDBOX_ACCESS_TOKEN"`
	AccessToken         string `envconfig:"PAYCORE_SQUARE_ACCESS_TOKEN"`
	LocationID          string `envconfig:"PAYCORE_SQUARE_LOCATION_ID"`
	WebhookSignatureKey string `envconfig:"PAYCORE_SQUARE_WEBHOOK_SIGNATURE_KEY"`
	// NotificationURL is the exact URL registered with Square; it is part of the signed payload.
	NotificationURL string `envconfig:"PAYCORE_SQUARE_NOTIFICATION_URL"`
}

// Environment returns sandbox or production.
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	switch env {
	case "", ModeTest, "sandbox":
		return "sandbox"
	default:
		return "production"
	}
}

// Token returns the access token for the active environment.
func (s SquareConfig) Token() string {
	if s.Environment() == "production" {
		return s.AccessToken
	}
	return s.SandboxAccessToken
}

// CurrencyConfig holds the store-wide display settings. Amounts are never stored using these.
type CurrencyConfig struct {
	Code              string `envconfig:"PAYCORE_CURRENCY_CODE" default:"USD"`
	DecimalSeparator  string `envconfig:"PAYCORE_CURRENCY_DECIMAL_SEPARATOR" default:"."`
	ThousandSeparator string `envconfig:"PAYCORE_CURRENCY_THOUSAND_SEPARATOR" default:","`
	Position          string `envconfig:"PAYCORE_CURRENCY_POSITION" default:"left"`
	Decimals          int    `envconfig:"PAYCORE_CURRENCY_DECIMALS" default:"2"`
}

type WebhooksConfig struct {
	IdempotencyTTL time.Duration `envconfig:"PAYCORE_WEBHOOK_IDEMPOTENCY_TTL" default:"720h"`
}

type CronConfig struct {
	Interval         time.Duration `envconfig:"PAYCORE_CRON_INTERVAL" default:"15m"`
	LockTTL          time.Duration `envconfig:"PAYCORE_CRON_LOCK_TTL" default:"10m"`
	ResyncBatchSize  int           `envconfig:"PAYCORE_CRON_RESYNC_BATCH_SIZE" default:"100"`
	ResyncStaleAfter time.Duration `envconfig:"PAYCORE_CRON_RESYNC_STALE_AFTER" default:"24h"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"PAYCORE_GCP_PROJECT_ID"`
	CredentialsJSON string `envconfig:"PAYCORE_GCP_CREDENTIALS_JSON"`
}

type PubSubConfig struct {
	PaymentsTopic string `envconfig:"PAYCORE_PUBSUB_PAYMENTS_TOPIC" default:"paycore-payment-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"PAYCORE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"PAYCORE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"PAYCORE_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

func (db *DBConfig) ensureDSN(sqlite bool) error {
	if db.DSN != "" {
		return nil
	}
	if sqlite {
		db.DSN = "file:paycore.db?cache=shared"
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range splitDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
