package validation

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidator_Checks(t *testing.T) {
	levels := []string{"debug", "info", "warn", "error"}

	tests := []struct {
		name  string
		check func(*ConfigValidator)
		fails bool
	}{
		{"required empty", func(cv *ConfigValidator) { cv.Required("state_dir", "") }, true},
		{"required blank", func(cv *ConfigValidator) { cv.Required("state_dir", "  ") }, true},
		{"required set", func(cv *ConfigValidator) { cv.Required("state_dir", "/var/lib/waterplan") }, false},
		{"port zero", func(cv *ConfigValidator) { cv.RangeInt("port", 0, 1, 65535) }, true},
		{"port low edge", func(cv *ConfigValidator) { cv.RangeInt("port", 1, 1, 65535) }, false},
		{"port high edge", func(cv *ConfigValidator) { cv.RangeInt("port", 65535, 1, 65535) }, false},
		{"port over", func(cv *ConfigValidator) { cv.RangeInt("port", 65536, 1, 65535) }, true},
		{"augmentations zero", func(cv *ConfigValidator) { cv.Positive("max_augmentations", 0) }, true},
		{"augmentations set", func(cv *ConfigValidator) { cv.Positive("max_augmentations", 10) }, false},
		{"epsilon zero", func(cv *ConfigValidator) { cv.PositiveFloat("epsilon", 0) }, true},
		{"epsilon NaN", func(cv *ConfigValidator) { cv.PositiveFloat("epsilon", math.NaN()) }, true},
		{"epsilon set", func(cv *ConfigValidator) { cv.PositiveFloat("epsilon", 1e-9) }, false},
		{"poll too fast", func(cv *ConfigValidator) { cv.MinDuration("poll_interval", time.Millisecond, 10*time.Millisecond) }, true},
		{"poll ok", func(cv *ConfigValidator) { cv.MinDuration("poll_interval", time.Second, 10*time.Millisecond) }, false},
		{"level unknown", func(cv *ConfigValidator) { cv.OneOf("log_level", "verbose", levels) }, true},
		{"level known", func(cv *ConfigValidator) { cv.OneOf("log_level", "warn", levels) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cv := NewConfigValidator("config")
			tt.check(cv)
			assert.Equal(t, tt.fails, cv.HasErrors(), "problems: %v", cv.Errors())
		})
	}
}

func TestConfigValidator_CustomWraps(t *testing.T) {
	missing := errors.New("bucket required")

	err := NewConfigValidator("store").
		Custom("s3", func() error { return missing }).
		Validate()

	require.Error(t, err)
	assert.ErrorIs(t, err, missing)

	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "store", fe.Section)
	assert.Equal(t, "s3", fe.Field)
	assert.Equal(t, "store.s3: bucket required", fe.Error())
}

func TestConfigValidator_When(t *testing.T) {
	on := NewConfigValidator("store").When(true, func(v *ConfigValidator) {
		v.Required("s3.region", "")
	})
	assert.True(t, on.HasErrors())

	off := NewConfigValidator("store").When(false, func(v *ConfigValidator) {
		v.Required("s3.region", "")
	})
	assert.False(t, off.HasErrors())
	assert.NoError(t, off.Validate())
}

func TestConfigValidator_ReportsEveryProblem(t *testing.T) {
	cv := NewConfigValidator("config").
		Required("state_dir", "").
		Positive("allocator.max_augmentations", 0).
		MinDuration("server.poll_interval", 0, time.Millisecond)

	require.Len(t, cv.Errors(), 3)

	err := cv.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config.state_dir: is required")
	assert.Contains(t, err.Error(), "config.allocator.max_augmentations")
	assert.Contains(t, err.Error(), "config.server.poll_interval")
}

func TestDefaultOr(t *testing.T) {
	assert.Equal(t, "info", DefaultOr("", "info"))
	assert.Equal(t, "debug", DefaultOr("debug", "info"))
	assert.Equal(t, 42, DefaultOr(42, 7))
	assert.Equal(t, time.Minute, DefaultOr(time.Duration(0), time.Minute))
}
