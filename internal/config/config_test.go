package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"cps", "puf_2012"}, cfg.Datasets)
	assert.Equal(t, "veil", cfg.S3Bucket)
	assert.Equal(t, 72*time.Hour, cfg.PresignTTL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VEIL_PORT", "9999")
	t.Setenv("VEIL_DATASETS", "acs, scf_2022 ,")
	t.Setenv("VEIL_ENGINE_TIMEOUT", "5s")
	t.Setenv("VEIL_S3_USE_SSL", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, []string{"acs", "scf_2022"}, cfg.Datasets)
	assert.Equal(t, 5*time.Second, cfg.EngineTimeout)
	assert.False(t, cfg.S3UseSSL)
}

func TestValidate(t *testing.T) {
	valid := Config{
		DatabaseURL:         "postgres://localhost/veil",
		S3Bucket:            "veil",
		Datasets:            []string{"cps"},
		MaxRequestBodyBytes: 1,
		MaxScriptBytes:      1,
	}
	assert.NoError(t, valid.Validate())

	noDB := valid
	noDB.DatabaseURL = ""
	assert.Error(t, noDB.Validate())

	noBucket := valid
	noBucket.S3Bucket = ""
	assert.Error(t, noBucket.Validate())

	noDatasets := valid
	noDatasets.Datasets = nil
	assert.Error(t, noDatasets.Validate())

	badRate := valid
	badRate.RateLimitEnabled = true
	badRate.RateLimitRPS = 0
	assert.Error(t, badRate.Validate())
}
