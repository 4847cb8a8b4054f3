package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
)

func TestDefaults(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)

	cfg, err := GetCaptureConfig(v)
	require.NoError(t, err)

	assert.Equal(t, "instantrec-data", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 20*time.Minute, cfg.SegmentInterval)
	assert.Equal(t, 30*time.Second, cfg.MinSegmentInterval)
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval)
	assert.Equal(t, 15*time.Second, cfg.ResourceInterval)
	assert.Equal(t, 72*time.Hour, cfg.Retention)
	assert.True(t, cfg.Adaptive)
	assert.Equal(t, "standard", cfg.Quality)
	assert.Equal(t, 20, cfg.FrameMs)
}

func TestOverrides(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)
	v.Set("SEGMENT_INTERVAL", "5m")
	v.Set("QUALITY", "high")
	v.Set("ADAPTIVE", false)

	cfg, err := GetCaptureConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.SegmentInterval)
	assert.Equal(t, "high", cfg.Quality)
	assert.False(t, cfg.Adaptive)
}

func TestValidationRejectsBadQuality(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)
	v.Set("QUALITY", "lossless")

	_, err = GetCaptureConfig(v)
	assert.Error(t, err)
}

func TestValidationRejectsFrameOutOfRange(t *testing.T) {
	v, err := InitConfig()
	require.NoError(t, err)
	v.Set("FRAME_MS", 500)

	_, err = GetCaptureConfig(v)
	assert.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	cfg := &CaptureConfig{DataDir: "/var/lib/instantrec"}
	assert.Equal(t, filepath.Join("/var/lib/instantrec", "segments"), cfg.SegmentDir())
	assert.Equal(t, filepath.Join("/var/lib/instantrec", "snapshots"), cfg.SnapshotDir())
	assert.Equal(t, filepath.Join("/var/lib/instantrec", "recordings"), cfg.OutputDir())
	assert.Equal(t, filepath.Join("/var/lib/instantrec", "catalog.db"), cfg.CatalogPath())
	assert.Equal(t, filepath.Join("/var/lib/instantrec", "logs"), cfg.LogDir())
}

func TestQualityPresets(t *testing.T) {
	standard := &CaptureConfig{Quality: "standard"}
	assert.Equal(t, internal_audio.NewLinear16khzMonoConfig(), standard.AudioConfig())

	high := &CaptureConfig{Quality: "high"}
	assert.Equal(t, internal_audio.NewLinear44khzMonoConfig(), high.AudioConfig())
}
