package config

const (
	EnvPrefix = "PAYCORE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	ModeTest = "test"
	ModeLive = "live"
)

const (
	EnvAppEnv      = "PAYCORE_APP_ENV"
	EnvPort        = "PAYCORE_APP_PORT"
	EnvDBDSN       = "PAYCORE_DB_DSN"
	EnvDBHost      = "PAYCORE_DB_HOST"
	EnvDBUser      = "PAYCORE_DB_USER"
	EnvDBName      = "PAYCORE_DB_NAME"
	EnvRedisURL    = "PAYCORE_REDIS_URL"
	EnvJWTSecret   = "PAYCORE_JWT_SECRET"
	EnvJWTIssuer   = "PAYCORE_JWT_ISSUER"
	EnvUseSQLite   = "PAYCORE_USE_SQLITE"
	EnvStripeEnv   = "PAYCORE_STRIPE_ENV"
	EnvSquareEnv   = "PAYCORE_SQUARE_ENV"
	EnvGatewaysOn  = "PAYCORE_GATEWAYS_ENABLED"
	EnvCurrencyPos = "PAYCORE_CURRENCY_POSITION"
)

var splitDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
