package pgcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadSettingsFromEnv_Defaults(t *testing.T) {
	s := LoadSettingsFromEnv()

	assert.Equal(t, 10000, s.LocalMaxEntries)
	assert.False(t, s.DisableNotify)
	assert.EqualValues(t, 1, s.PoolMinConns)
	assert.EqualValues(t, 10, s.PoolMaxConns)
	assert.Equal(t, 5*time.Second, s.StatementTimeout)
}

func TestLoadSettingsFromEnv_Overrides(t *testing.T) {
	t.Setenv("PGCACHE_DSN", "postgres://example/db")
	t.Setenv("PGCACHE_SCHEMA_PREFIX", "app_")
	t.Setenv("PGCACHE_LOCAL_MAX_ENTRIES", "42")
	t.Setenv("PGCACHE_DISABLE_NOTIFY", "true")

	s := LoadSettingsFromEnv()

	assert.Equal(t, "postgres://example/db", s.DSN)
	assert.Equal(t, "app_", s.SchemaPrefix)
	assert.Equal(t, 42, s.LocalMaxEntries)
	assert.True(t, s.DisableNotify)
}

func TestDefaultSettings_SetsDSN(t *testing.T) {
	s := DefaultSettings("postgres://x/y")
	assert.Equal(t, "postgres://x/y", s.DSN)
	assert.NotNil(t, s.Codec)
}
