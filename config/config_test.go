package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.Equal(t, 100, cfg.ReconcileBatch)
	assert.Equal(t, "@every 1m", cfg.ReconcileSchedule)
	assert.Empty(t, cfg.Brokers())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CACHE_TTL", "5m")
	t.Setenv("RECONCILE_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.InDelta(t, 2.5, cfg.ReconcileRPS, 1e-9)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"sqlite", Config{DBDriver: "sqlite"}, false},
		{"memory", Config{DBDriver: "memory"}, false},
		{"postgres without url", Config{DBDriver: "postgres"}, true},
		{"postgres with url", Config{DBDriver: "postgres", DatabaseURL: "postgres://x"}, false},
		{"unknown driver", Config{DBDriver: "mongo"}, true},
		{"negative batch", Config{DBDriver: "memory", ReconcileBatch: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	log := Config{LogLevel: "debug", LogFormat: "json"}.Logger()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	log = Config{LogLevel: "nonsense"}.Logger()
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
}
