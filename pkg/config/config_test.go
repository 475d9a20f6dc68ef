package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	require.NotNil(t, cfg)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.InDelta(t, 0.7, cfg.Scoring.StudentWeight, 1e-9)
	assert.InDelta(t, 0.3, cfg.Scoring.TeacherWeight, 1e-9)
	assert.Equal(t, 3, cfg.Scoring.MaxCommentSelections)
	assert.Equal(t, 3*time.Second, cfg.Notification.Timeout)
	assert.Equal(t, 10*time.Minute, cfg.Settlement.ResultsCacheTTL)
	assert.True(t, cfg.Settlement.CacheEnabled)
	assert.Equal(t, TracingConfig{ServiceName: "settlement-api", Enabled: true, SampleRatio: 1}, cfg.Tracing)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("SCORING_STUDENT_WEIGHT", 0.6)
	v.Set("SCORING_TEACHER_WEIGHT", 0.4)
	v.Set("NOTIFY_TIMEOUT", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", "http://a.test, ,http://b.test")

	cfg := fromViper(v)
	assert.InDelta(t, 0.6, cfg.Scoring.StudentWeight, 1e-9)
	assert.InDelta(t, 0.4, cfg.Scoring.TeacherWeight, 1e-9)
	assert.Equal(t, 3*time.Second, cfg.Notification.Timeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORS.AllowedOrigins)
}
