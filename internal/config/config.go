package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSSLMode  string

	ServerPort         string
	ServerHost         string
	PublicValidatorURL string

	ChallengeSecret         string
	ChallengeRetentionHours int
	CleanupIntervalMins     int

	CacheBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	GeoIPCountryDB string
	GeoIPASNDB     string

	WireguardConfigDir     string
	NetnsEtcDir            string
	NamespaceNameserver    string
	DNSResolver            string
	HostInterface          string
	VethSubnet             string
	TestTimeoutSeconds     int
	IPWaitIntervalSeconds  int
	SweepInterfacesOnStart bool

	RouteRetries             int
	RouteRetryCooldownSecond int

	APIRateLimitRequests   int
	APIRateLimitWindowMins int
	APICORSOrigins         []string
	TrustedValidatorIPs    []string

	LogLevel string
	LogFile  string

	// FastTestMode is the CI switch. Components receive it explicitly.
	FastTestMode bool
}

func Load() (*Config, error) {
	godotenv.Load("config.env")

	fastTestMode := getEnvBool("CI_MODE", false)

	testTimeout, retries, cooldown := 60, 2, 10
	if fastTestMode {
		testTimeout, retries, cooldown = 10, 1, 2
	}

	cfg := &Config{
		DBHost:     getEnvString("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBName:     getEnvString("DB_NAME", "postgres"),
		DBUser:     getEnvString("DB_USER", "postgres"),
		DBPassword: getEnvString("DB_PASSWORD", ""),
		DBSSLMode:  getEnvString("DB_SSL_MODE", "disable"),

		ServerPort:         getEnvString("SERVER_PORT", "3000"),
		ServerHost:         getEnvString("SERVER_HOST", "0.0.0.0"),
		PublicValidatorURL: strings.TrimRight(getEnvString("PUBLIC_VALIDATOR_URL", "http://localhost:3000"), "/"),

		ChallengeSecret:         getEnvString("CHALLENGE_SECRET", ""),
		ChallengeRetentionHours: getEnvInt("CHALLENGE_RETENTION_HOURS", 24),
		CleanupIntervalMins:     getEnvInt("CLEANUP_INTERVAL_MINUTES", 10),

		CacheBackend:  getEnvString("CACHE_BACKEND", "memory"),
		RedisAddr:     getEnvString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvString("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		GeoIPCountryDB: getEnvString("GEOIP_COUNTRY_DB", "GeoLite2-Country.mmdb"),
		GeoIPASNDB:     getEnvString("GEOIP_ASN_DB", "GeoLite2-ASN.mmdb"),

		WireguardConfigDir:     getEnvString("WIREGUARD_CONFIG_DIR", "/tmp"),
		NetnsEtcDir:            getEnvString("NETNS_ETC_DIR", "/etc/netns"),
		NamespaceNameserver:    getEnvString("NAMESPACE_NAMESERVER", "1.1.1.1"),
		DNSResolver:            getEnvString("DNS_RESOLVER", "1.1.1.1:53"),
		HostInterface:          getEnvString("HOST_INTERFACE", ""),
		VethSubnet:             getEnvString("VETH_SUBNET", "10.200.0.0/16"),
		TestTimeoutSeconds:     getEnvInt("TEST_TIMEOUT_SECONDS", testTimeout),
		IPWaitIntervalSeconds:  getEnvInt("IP_WAIT_INTERVAL_SECONDS", 5),
		SweepInterfacesOnStart: getEnvBool("SWEEP_INTERFACES_ON_START", true),

		RouteRetries:             getEnvInt("ROUTE_RETRIES", retries),
		RouteRetryCooldownSecond: getEnvInt("ROUTE_RETRY_COOLDOWN_SECONDS", cooldown),

		APIRateLimitRequests:   getEnvInt("API_RATE_LIMIT_REQUESTS", 600),
		APIRateLimitWindowMins: getEnvInt("API_RATE_LIMIT_WINDOW_MINUTES", 1),
		APICORSOrigins:         getEnvStringSlice("API_CORS_ORIGINS", []string{"*"}),
		TrustedValidatorIPs:    getEnvStringSlice("TRUSTED_VALIDATOR_IPS", nil),

		LogLevel: getEnvString("LOG_LEVEL", "info"),
		LogFile:  getEnvString("LOG_FILE", ""),

		FastTestMode: fastTestMode,
	}

	return cfg, nil
}

// TestTimeout bounds the in-namespace connectivity fetch.
func (c *Config) TestTimeout() time.Duration {
	return time.Duration(c.TestTimeoutSeconds) * time.Second
}

// LockTTL outlives the slowest plausible validation so abandoned locks expire on their own.
func (c *Config) LockTTL() time.Duration {
	return 5 * c.TestTimeout()
}

// WriteTimeout bounds a tunnel-scoring request at its slowest: the wait for
// the miner address, then three namespace attempts each limited by the fetch
// timeout and teardown, repeated for every route retry and its cooldown.
func (c *Config) WriteTimeout() time.Duration {
	attempt := c.LockTTL() + 3*(c.TestTimeout()+30*time.Second)
	retries := time.Duration(c.RouteRetries)
	return (retries+1)*attempt + retries*c.RouteRetryCooldown()*5/4 + time.Minute
}

func (c *Config) IPWaitInterval() time.Duration {
	return time.Duration(c.IPWaitIntervalSeconds) * time.Second
}

func (c *Config) RouteRetryCooldown() time.Duration {
	return time.Duration(c.RouteRetryCooldownSecond) * time.Second
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var values []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				values = append(values, part)
			}
		}
		return values
	}
	return defaultValue
}
