package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/dgellow/ride-signin/internal/emailutil"
	"github.com/dgellow/ride-signin/internal/log"
)

// VersionPrefix is the only config version this build understands
const VersionPrefix = "v0.0.1-DEV_EDITION"

// secretFields must be {"$env": ...} references, never literals
var secretFields = []struct {
	section  string
	name     string
	required bool
}{
	{"auth", "clientSecret", true},
	{"auth", "stateSecret", true},
	{"storage", "redisPassword", false},
}

// Load loads and processes the config with immediate env var resolution.
// Values start from Defaults, the file overrides them, then RIDE_SIGNIN_*
// environment variables override the file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, VersionPrefix) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	config := Defaults()
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	if err := ApplyEnv(&config); err != nil {
		return Config{}, err
	}

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, secret := range secretFields {
		section, _ := rawConfig[secret.section].(map[string]any)
		value, exists := section[secret.name]
		if !exists {
			if secret.required {
				return fmt.Errorf("%s.%s is required", secret.section, secret.name)
			}
			continue
		}
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s must use environment variable reference for security", secret.name)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", secret.name)
			}
		}
	}
	return nil
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Server.BaseURL == "" {
		return fmt.Errorf("server.baseURL is required")
	}
	if config.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if config.Server.ProductionHost == "" {
		return fmt.Errorf("server.productionHost is required")
	}
	if config.Server.SignInPerMinute <= 0 || config.Server.SignInBurst <= 0 {
		return fmt.Errorf("server.signinPerMinute and server.signinBurst must be positive")
	}

	if err := validateAuthConfig(&config.Auth); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if err := validateStorageConfig(&config.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := validateSignInConfig(&config.SignIn); err != nil {
		return fmt.Errorf("signin config: %w", err)
	}
	// a popup may not outlive the attempt it belongs to
	if config.Auth.PopupTimeout > config.SignIn.AttemptTimeout {
		return fmt.Errorf("auth.popupTimeout (%s) cannot exceed signin.attemptTimeout (%s)",
			config.Auth.PopupTimeout, config.SignIn.AttemptTimeout)
	}

	if config.Routes.Authenticated == "" {
		return fmt.Errorf("routes.authenticated is required")
	}
	if len(config.Routes.Landing) == 0 {
		return fmt.Errorf("at least one landing route is required")
	}
	if slices.Contains(config.Routes.Landing, config.Routes.Authenticated) {
		return fmt.Errorf("routes.authenticated %q cannot also be a landing route", config.Routes.Authenticated)
	}

	if config.Storage.Retention < config.SignIn.AttemptTimeout || config.Storage.Retention < config.SignIn.Window {
		log.LogWarn("Storage retention is shorter than the attempt timeout or breaker window; flags may vanish mid-attempt")
	}

	return nil
}

func validateAuthConfig(auth *AuthConfig) error {
	if auth.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if auth.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if auth.ClientSecret == "" {
		return fmt.Errorf("clientSecret is required")
	}
	if auth.RedirectURI == "" {
		return fmt.Errorf("redirectUri is required")
	}
	if emailutil.NormalizeSuffix(auth.InstitutionSuffix) == "" {
		return fmt.Errorf("institutionSuffix is required")
	}
	if len(auth.StateSecret) < 32 {
		return fmt.Errorf("stateSecret must be at least 32 characters (got %d). Generate with: openssl rand -base64 32", len(auth.StateSecret))
	}
	if auth.SessionTTL <= 0 {
		return fmt.Errorf("sessionTtl must be positive")
	}
	if auth.PopupTimeout <= 0 {
		return fmt.Errorf("popupTimeout must be positive")
	}
	return nil
}

func validateStorageConfig(s *StorageConfig) error {
	switch s.Backend {
	case StorageMemory:
	case StorageFirestore:
		if s.GCPProject == "" {
			return fmt.Errorf("gcpProject is required when using firestore storage")
		}
		if s.FirestoreCollection == "" {
			return fmt.Errorf("firestoreCollection is required when using firestore storage")
		}
	case StorageRedis:
		if s.RedisAddr == "" {
			return fmt.Errorf("redisAddr is required when using redis storage")
		}
	case StorageSQLite:
		if s.SQLitePath == "" {
			return fmt.Errorf("sqlitePath is required when using sqlite storage")
		}
	default:
		return fmt.Errorf("unknown backend %q (memory, firestore, redis or sqlite)", s.Backend)
	}
	if s.Retention <= 0 {
		return fmt.Errorf("retention must be positive")
	}
	if s.CleanupInterval <= 0 {
		return fmt.Errorf("cleanupInterval must be positive")
	}
	return nil
}

func validateSignInConfig(c *SignInConfig) error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("maxAttempts must be at least 1")
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attemptTimeout must be positive")
	}
	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("resolveTimeout must be positive")
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.GraceDelay < 0 || c.SettleDelay < 0 || c.MobileSettleDelay < 0 {
		return fmt.Errorf("delays cannot be negative")
	}
	if c.ResolveTimeout > c.AttemptTimeout {
		log.LogWarn("Resolve timeout exceeds attempt timeout; attempts may expire while being resolved")
	}
	return nil
}
