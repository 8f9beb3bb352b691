package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes is ValidateFile on an in-memory document
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": \"%s\"", VersionPrefix)
	} else if !strings.HasPrefix(version, VersionPrefix) {
		result.addError("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, VersionPrefix, VersionPrefix)
	}

	validateServerStructure(rawConfig, result)
	validateAuthStructure(rawConfig, result)
	validateStorageStructure(rawConfig, result)
	validateDurations(rawConfig, result)

	return result
}

func section(rawConfig map[string]any, name string, result *ValidationResult) (map[string]any, bool) {
	v, exists := rawConfig[name]
	if !exists {
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		result.addError(name, "%s must be an object", name)
		return nil, false
	}
	return m, true
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := section(rawConfig, "server", result)
	if !ok {
		result.addError("server", "server field is required and must be an object")
		return
	}
	if _, ok := server["baseURL"]; !ok {
		result.addError("server.baseURL", "baseURL is required. Example: \"https://rides.university.edu\"")
	}
	if _, ok := server["productionHost"]; !ok {
		result.addError("server.productionHost", "productionHost is required. Example: \"rides.university.edu\"")
	}
}

func validateAuthStructure(rawConfig map[string]any, result *ValidationResult) {
	auth, ok := section(rawConfig, "auth", result)
	if !ok {
		result.addError("auth", "auth field is required and must be an object")
		return
	}
	for _, field := range []string{"clientId", "redirectUri", "institutionSuffix"} {
		if _, ok := auth[field]; !ok {
			result.addError("auth."+field, "%s is required", field)
		}
	}
	for _, field := range []string{"clientSecret", "stateSecret"} {
		value, ok := auth[field]
		if !ok {
			result.addError("auth."+field, "%s is required", field)
			continue
		}
		if err := validateEnvVarReference(value, field, "auth."+field); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}
	if suffix, ok := auth["institutionSuffix"].(string); ok && !strings.Contains(suffix, ".") {
		result.addWarning("auth.institutionSuffix", "institutionSuffix '%s' does not look like a domain", suffix)
	}
}

func validateStorageStructure(rawConfig map[string]any, result *ValidationResult) {
	storage, ok := section(rawConfig, "storage", result)
	if !ok {
		return
	}
	backend, _ := storage["backend"].(string)
	switch StorageBackend(backend) {
	case "", StorageMemory:
		result.addWarning("storage.backend", "memory storage loses in-flight sign-ins on restart")
	case StorageFirestore:
		if _, ok := storage["gcpProject"]; !ok {
			result.addError("storage.gcpProject", "gcpProject is required when using firestore storage")
		}
	case StorageRedis, StorageSQLite:
	default:
		result.addError("storage.backend", "unknown backend '%s' (memory, firestore, redis or sqlite)", backend)
	}
	if pw, ok := storage["redisPassword"]; ok {
		if err := validateEnvVarReference(pw, "redisPassword", "storage.redisPassword"); err != nil {
			result.Errors = append(result.Errors, *err)
		}
	}
}

func validateDurations(rawConfig map[string]any, result *ValidationResult) {
	fields := map[string][]string{
		"auth":    {"sessionTtl", "popupTimeout"},
		"storage": {"retention", "cleanupInterval"},
		"signin":  {"attemptTimeout", "resolveTimeout", "graceDelay", "settleDelay", "mobileSettleDelay", "window"},
	}
	for name, keys := range fields {
		sec, ok := rawConfig[name].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			v, exists := sec[key]
			if !exists {
				continue
			}
			s, isString := v.(string)
			if !isString {
				result.addError(name+"."+key, "%s must be a duration string like \"30s\"", key)
				continue
			}
			if _, err := time.ParseDuration(s); err != nil {
				result.addError(name+"."+key, "invalid duration '%s': %v", s, err)
			}
		}
	}
}

func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, strings.Trim(match, "${}"))
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
