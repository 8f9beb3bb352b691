package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretRedaction(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
		want   string
	}{
		{name: "non-empty secret", secret: Secret("super-secret-password"), want: "***"},
		{name: "empty secret", secret: Secret(""), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.secret.String())
			assert.Equal(t, "value: "+tt.want, fmt.Sprintf("value: %s", tt.secret))

			data, err := json.Marshal(tt.secret)
			require.NoError(t, err)
			assert.Equal(t, `"`+tt.want+`"`, string(data))
		})
	}
}

func TestConfigMarshalNeverLeaksSecrets(t *testing.T) {
	cfg := validResolved()
	cfg.Storage.RedisPassword = "redis-password"

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "state-secret-that-is-at-least-32-bytes")
	assert.NotContains(t, string(data), "redis-password")
	assert.Contains(t, string(data), `"clientSecret":"***"`)
}
