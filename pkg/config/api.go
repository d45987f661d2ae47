package config

import "time"

// Deployment provider mode selectors.
const (
	ProviderModeSimulated = "simulated"
	ProviderModeHTTP      = "http"
)

// APIConfig holds runtime configuration for the site publish API.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	NotifyEncryptKey   string
	ProviderMode       string
	ProviderBaseURL    string
	ProviderAuthToken  string
	ProviderTimeout    time.Duration
	ArtifactBucket     string
	ArtifactCDNDomain  string
	GeneratorImage     string
	GeneratorWorkRoot  string
	GeneratorTimeout   time.Duration
	FragmentURL        string
	FragmentTimeout    time.Duration
	ChallengePrefix    string
	DomainVerifyExpiry time.Duration
	DNSTimeout         time.Duration
	EventBuffer        int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://merfy:merfy@db:5432/merfy?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		NotifyEncryptKey:   GetString("NOTIFY_ENCRYPTION_KEY", "supersecuresecret"),
		ProviderMode:       GetString("DEPLOY_PROVIDER_MODE", ProviderModeSimulated),
		ProviderBaseURL:    GetString("DEPLOY_PROVIDER_URL", "http://provider:7000"),
		ProviderAuthToken:  GetString("DEPLOY_PROVIDER_TOKEN", ""),
		ProviderTimeout:    time.Duration(GetInt("DEPLOY_PROVIDER_TIMEOUT_SECONDS", 30)) * time.Second,
		ArtifactBucket:     GetString("ARTIFACT_BUCKET", "merfy-site-artifacts"),
		ArtifactCDNDomain:  GetString("ARTIFACT_CDN_DOMAIN", ""),
		GeneratorImage:     GetString("GENERATOR_IMAGE", "merfy/site-generator:latest"),
		GeneratorWorkRoot:  GetString("GENERATOR_WORKSPACE_ROOT", "/var/lib/merfy/builds"),
		GeneratorTimeout:   time.Duration(GetInt("GENERATOR_TIMEOUT_SECONDS", 300)) * time.Second,
		FragmentURL:        GetString("FRAGMENT_RENDERER_URL", "http://fragments:6000"),
		FragmentTimeout:    time.Duration(GetInt("FRAGMENT_TIMEOUT_SECONDS", 15)) * time.Second,
		ChallengePrefix:    GetString("DOMAIN_CHALLENGE_PREFIX", "_merfy-verify"),
		DomainVerifyExpiry: time.Duration(GetInt("DOMAIN_VERIFY_EXPIRY_HOURS", 24)) * time.Hour,
		DNSTimeout:         time.Duration(GetInt("DNS_TIMEOUT_SECONDS", 5)) * time.Second,
		EventBuffer:        GetInt("WS_EVENT_BUFFER", 100),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
