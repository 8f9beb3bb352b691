package config

import (
	"encoding/json"
	"fmt"
	"time"
)

func resolveString(raw json.RawMessage, field string, dst *string) error {
	if raw == nil {
		return nil
	}
	parsed, err := parseValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = parsed.value
	return nil
}

func resolveSecret(raw json.RawMessage, field string, dst *Secret) error {
	var s string
	if err := resolveString(raw, field, &s); err != nil {
		return err
	}
	if raw != nil {
		*dst = Secret(s)
	}
	return nil
}

func parseDuration(s, field string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ServerConfig
func (s *ServerConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		BaseURL         json.RawMessage `json:"baseURL"`
		Addr            json.RawMessage `json:"addr"`
		ProductionHost  string          `json:"productionHost"`
		AllowedOrigins  []string        `json:"allowedOrigins"`
		SignInPerMinute *float64        `json:"signinPerMinute"`
		SignInBurst     *int            `json:"signinBurst"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := resolveString(raw.BaseURL, "baseURL", &s.BaseURL); err != nil {
		return err
	}
	if err := resolveString(raw.Addr, "addr", &s.Addr); err != nil {
		return err
	}
	if raw.ProductionHost != "" {
		s.ProductionHost = raw.ProductionHost
	}
	if raw.AllowedOrigins != nil {
		s.AllowedOrigins = raw.AllowedOrigins
	}
	if raw.SignInPerMinute != nil {
		s.SignInPerMinute = *raw.SignInPerMinute
	}
	if raw.SignInBurst != nil {
		s.SignInBurst = *raw.SignInBurst
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for AuthConfig
func (a *AuthConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Issuer            json.RawMessage `json:"issuer"`
		ClientID          json.RawMessage `json:"clientId"`
		ClientSecret      json.RawMessage `json:"clientSecret"`
		RedirectURI       json.RawMessage `json:"redirectUri"`
		InstitutionSuffix string          `json:"institutionSuffix"`
		StateSecret       json.RawMessage `json:"stateSecret"`
		SessionTTL        string          `json:"sessionTtl"`
		PopupTimeout      string          `json:"popupTimeout"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if err := resolveString(raw.Issuer, "issuer", &a.Issuer); err != nil {
		return err
	}
	if err := resolveString(raw.ClientID, "clientId", &a.ClientID); err != nil {
		return err
	}
	if err := resolveString(raw.RedirectURI, "redirectUri", &a.RedirectURI); err != nil {
		return err
	}
	if err := resolveSecret(raw.ClientSecret, "clientSecret", &a.ClientSecret); err != nil {
		return err
	}
	if err := resolveSecret(raw.StateSecret, "stateSecret", &a.StateSecret); err != nil {
		return err
	}
	if raw.InstitutionSuffix != "" {
		a.InstitutionSuffix = raw.InstitutionSuffix
	}
	if err := parseDuration(raw.SessionTTL, "sessionTtl", &a.SessionTTL); err != nil {
		return err
	}
	return parseDuration(raw.PopupTimeout, "popupTimeout", &a.PopupTimeout)
}

// UnmarshalJSON implements custom unmarshaling for StorageConfig
func (s *StorageConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Backend             StorageBackend  `json:"backend"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		RedisAddr           json.RawMessage `json:"redisAddr"`
		RedisPassword       json.RawMessage `json:"redisPassword"`
		RedisDB             *int            `json:"redisDb"`
		SQLitePath          string          `json:"sqlitePath"`
		Retention           string          `json:"retention"`
		CleanupInterval     string          `json:"cleanupInterval"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.Backend != "" {
		s.Backend = raw.Backend
	}
	if err := resolveString(raw.GCPProject, "gcpProject", &s.GCPProject); err != nil {
		return err
	}
	if err := resolveString(raw.RedisAddr, "redisAddr", &s.RedisAddr); err != nil {
		return err
	}
	if err := resolveSecret(raw.RedisPassword, "redisPassword", &s.RedisPassword); err != nil {
		return err
	}
	if raw.FirestoreDatabase != "" {
		s.FirestoreDatabase = raw.FirestoreDatabase
	}
	if raw.FirestoreCollection != "" {
		s.FirestoreCollection = raw.FirestoreCollection
	}
	if raw.RedisDB != nil {
		s.RedisDB = *raw.RedisDB
	}
	if raw.SQLitePath != "" {
		s.SQLitePath = raw.SQLitePath
	}
	if err := parseDuration(raw.Retention, "retention", &s.Retention); err != nil {
		return err
	}
	return parseDuration(raw.CleanupInterval, "cleanupInterval", &s.CleanupInterval)
}

// UnmarshalJSON implements custom unmarshaling for SignInConfig
func (c *SignInConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		AttemptTimeout    string `json:"attemptTimeout"`
		ResolveTimeout    string `json:"resolveTimeout"`
		GraceDelay        string `json:"graceDelay"`
		SettleDelay       string `json:"settleDelay"`
		MobileSettleDelay string `json:"mobileSettleDelay"`
		MaxAttempts       *int   `json:"maxAttempts"`
		Window            string `json:"window"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	durations := []struct {
		value string
		field string
		dst   *time.Duration
	}{
		{raw.AttemptTimeout, "attemptTimeout", &c.AttemptTimeout},
		{raw.ResolveTimeout, "resolveTimeout", &c.ResolveTimeout},
		{raw.GraceDelay, "graceDelay", &c.GraceDelay},
		{raw.SettleDelay, "settleDelay", &c.SettleDelay},
		{raw.MobileSettleDelay, "mobileSettleDelay", &c.MobileSettleDelay},
		{raw.Window, "window", &c.Window},
	}
	for _, d := range durations {
		if err := parseDuration(d.value, d.field, d.dst); err != nil {
			return err
		}
	}
	if raw.MaxAttempts != nil {
		c.MaxAttempts = *raw.MaxAttempts
	}
	return nil
}
