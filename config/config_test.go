package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "SQLite")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TZ_NAME", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "quiz.db", cfg.DatabaseURL)
	assert.Equal(t, 15*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, time.Minute, cfg.LeaderboardTTL["daily"])
	assert.InDelta(t, 0.5, cfg.WinAccuracyThreshold, 1e-9)
	assert.False(t, cfg.R2Enabled())
}

func TestLoadRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsUnknownTimezone(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("TZ_NAME", "Mars/Olympus_Mons")

	_, err := Load()
	assert.Error(t, err)
}

func TestTypedGettersFallBack(t *testing.T) {
	t.Setenv("Q_INT", "12")
	t.Setenv("Q_BAD_INT", "twelve")
	t.Setenv("Q_FLOAT", " 0.25 ")
	t.Setenv("Q_DUR", "90s")
	t.Setenv("Q_NEG_DUR", "-5m")

	assert.Equal(t, 12, Int("Q_INT", 1))
	assert.Equal(t, 1, Int("Q_BAD_INT", 1))
	assert.InDelta(t, 0.25, Float("Q_FLOAT", 0), 1e-9)
	assert.Equal(t, 90*time.Second, Duration("Q_DUR", time.Minute))
	assert.Equal(t, time.Minute, Duration("Q_NEG_DUR", time.Minute))
	assert.Equal(t, "fallback", String("Q_UNSET", "fallback"))
}
