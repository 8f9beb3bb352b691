package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// StorageBackend names the durable flag tier
type StorageBackend string

const (
	StorageMemory    StorageBackend = "memory"
	StorageFirestore StorageBackend = "firestore"
	StorageRedis     StorageBackend = "redis"
	StorageSQLite    StorageBackend = "sqlite"
)

// ServerConfig configures the HTTP surface
type ServerConfig struct {
	BaseURL        string   `json:"baseURL"`
	Addr           string   `json:"addr"`
	ProductionHost string   `json:"productionHost"`
	AllowedOrigins []string `json:"allowedOrigins"`
	// SignInPerMinute and SignInBurst bound POST /auth/signin per browser
	SignInPerMinute float64 `json:"signinPerMinute"`
	SignInBurst     int     `json:"signinBurst"`
}

// AuthConfig configures the hosted identity provider and the institutional gate
type AuthConfig struct {
	Issuer            string        `json:"issuer"`
	ClientID          string        `json:"clientId"`
	ClientSecret      Secret        `json:"clientSecret"`
	RedirectURI       string        `json:"redirectUri"`
	InstitutionSuffix string        `json:"institutionSuffix"`
	StateSecret       Secret        `json:"stateSecret"`
	SessionTTL        time.Duration `json:"sessionTtl"`
	PopupTimeout      time.Duration `json:"popupTimeout"`
}

// StorageConfig configures the durable flag tier
type StorageConfig struct {
	Backend             StorageBackend `json:"backend"`
	GCPProject          string         `json:"gcpProject,omitempty"`
	FirestoreDatabase   string         `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string         `json:"firestoreCollection,omitempty"`
	RedisAddr           string         `json:"redisAddr,omitempty"`
	RedisPassword       Secret         `json:"redisPassword,omitempty"`
	RedisDB             int            `json:"redisDb,omitempty"`
	SQLitePath          string         `json:"sqlitePath,omitempty"`
	Retention           time.Duration  `json:"retention"`
	CleanupInterval     time.Duration  `json:"cleanupInterval"`
}

// SignInConfig holds the reconciliation timings and breaker bounds
type SignInConfig struct {
	AttemptTimeout    time.Duration `json:"attemptTimeout"`
	ResolveTimeout    time.Duration `json:"resolveTimeout"`
	GraceDelay        time.Duration `json:"graceDelay"`
	SettleDelay       time.Duration `json:"settleDelay"`
	MobileSettleDelay time.Duration `json:"mobileSettleDelay"`
	MaxAttempts       int           `json:"maxAttempts"`
	Window            time.Duration `json:"window"`
}

// RoutesConfig lists the application routes the observer navigates between
type RoutesConfig struct {
	Landing       []string `json:"landing"`
	Authenticated string   `json:"authenticated"`
}

// LoggingConfig overrides LOG_LEVEL / LOG_FORMAT
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// Config represents the config structure with resolved values.
//
// Environment variable references use {"$env": "VAR_NAME"} and are resolved
// at load time. Secrets must always be references.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	SignIn  SignInConfig  `json:"signin"`
	Routes  RoutesConfig  `json:"routes"`
	Logging LoggingConfig `json:"logging"`
}

// Defaults returns the built-in values every loaded config starts from
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			SignInPerMinute: 6,
			SignInBurst:     3,
		},
		Auth: AuthConfig{
			Issuer:       "https://accounts.google.com",
			SessionTTL:   12 * time.Hour,
			PopupTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			Backend:             StorageMemory,
			FirestoreDatabase:   "(default)",
			FirestoreCollection: "ride_signin_flags",
			RedisAddr:           "localhost:6379",
			SQLitePath:          "ride-signin.db",
			Retention:           24 * time.Hour,
			CleanupInterval:     10 * time.Minute,
		},
		SignIn: SignInConfig{
			AttemptTimeout:    30 * time.Second,
			ResolveTimeout:    10 * time.Second,
			GraceDelay:        1500 * time.Millisecond,
			SettleDelay:       300 * time.Millisecond,
			MobileSettleDelay: 1 * time.Second,
			MaxAttempts:       3,
			Window:            30 * time.Second,
		},
		Routes: RoutesConfig{
			Landing:       []string{"/", "/login"},
			Authenticated: "/rides",
		},
	}
}

// rawValue is a config value that may be a plain string or an env reference
type rawValue struct {
	value string
	isRef bool
}

// parseValue parses a JSON value that could be a string or {"$env": "VAR"}
func parseValue(raw json.RawMessage) (*rawValue, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return &rawValue{value: str}, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil, fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return nil, fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return &rawValue{value: value, isRef: true}, nil
}
