package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(validConfig), 0o600))

	// ValidateFile must not need the referenced env vars
	result, err := ValidateFile(path)
	require.NoError(t, err)
	assert.True(t, result.IsValid(), "errors: %v", result.Errors)
}

func TestValidateBytes(t *testing.T) {
	tests := []struct {
		name         string
		config       string
		errorPaths   []string
		warningPaths []string
	}{
		{
			name:       "invalid json",
			config:     `{`,
			errorPaths: []string{""},
		},
		{
			name:       "missing sections",
			config:     `{"version": "v0.0.1-DEV_EDITION"}`,
			errorPaths: []string{"server", "auth"},
		},
		{
			name: "bash style secret",
			config: `{"version": "v0.0.1-DEV_EDITION",
				"server": {"baseURL": "x", "productionHost": "x"},
				"auth": {"clientId": "x", "redirectUri": "x", "institutionSuffix": "u.edu",
					"clientSecret": "${CLIENT_SECRET}", "stateSecret": {"$env": "S"}}}`,
			errorPaths:   []string{"auth.clientSecret"},
			warningPaths: []string{"auth.clientSecret"},
		},
		{
			name: "unknown backend and bad duration",
			config: `{"version": "v0.0.1-DEV_EDITION",
				"server": {"baseURL": "x", "productionHost": "x"},
				"auth": {"clientId": "x", "redirectUri": "x", "institutionSuffix": "u.edu",
					"clientSecret": {"$env": "C"}, "stateSecret": {"$env": "S"}},
				"storage": {"backend": "etcd"},
				"signin": {"graceDelay": 5}}`,
			errorPaths: []string{"storage.backend", "signin.graceDelay"},
		},
		{
			name: "memory backend warns",
			config: `{"version": "v0.0.1-DEV_EDITION",
				"server": {"baseURL": "x", "productionHost": "x"},
				"auth": {"clientId": "x", "redirectUri": "x", "institutionSuffix": "u.edu",
					"clientSecret": {"$env": "C"}, "stateSecret": {"$env": "S"}},
				"storage": {"backend": "memory"}}`,
			warningPaths: []string{"storage.backend"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateBytes([]byte(tt.config))

			var errorPaths, warningPaths []string
			for _, e := range result.Errors {
				errorPaths = append(errorPaths, e.Path)
			}
			for _, w := range result.Warnings {
				warningPaths = append(warningPaths, w.Path)
			}
			for _, p := range tt.errorPaths {
				assert.Contains(t, errorPaths, p)
			}
			for _, p := range tt.warningPaths {
				assert.Contains(t, warningPaths, p)
			}
			if len(tt.errorPaths) == 0 {
				assert.True(t, result.IsValid(), "errors: %v", result.Errors)
			}
		})
	}
}
