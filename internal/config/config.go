package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	internal_audio "github.com/tkys/instantrec-sub000/internal/audio"
)

// CaptureConfig is the capture configuration read once at session start.
// It is never hot-reloaded mid-session.
type CaptureConfig struct {
	DataDir  string `mapstructure:"data_dir" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	// SegmentInterval bounds worst-case audio loss; MinSegmentInterval
	// floors how far critical resource pressure can shorten it.
	SegmentInterval    time.Duration `mapstructure:"segment_interval" validate:"required"`
	MinSegmentInterval time.Duration `mapstructure:"min_segment_interval" validate:"required"`

	// SnapshotInterval bounds worst-case bookkeeping loss.
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval" validate:"required"`

	// ResourceInterval is the pressure sampling cadence.
	ResourceInterval time.Duration `mapstructure:"resource_interval" validate:"required"`

	// Retention is how long declined-recovery segments are kept.
	Retention time.Duration `mapstructure:"retention" validate:"required"`

	// Adaptive enables pressure-driven rotation shortening.
	Adaptive bool `mapstructure:"adaptive"`

	// Quality selects the capture preset.
	Quality string `mapstructure:"quality" validate:"required,oneof=standard high"`

	// FrameMs is the device read granularity in milliseconds.
	FrameMs int `mapstructure:"frame_ms" validate:"required,min=5,max=100"`
}

// SegmentDir is the active session's segment directory.
func (c *CaptureConfig) SegmentDir() string { return filepath.Join(c.DataDir, "segments") }

// SnapshotDir holds the recovery snapshots.
func (c *CaptureConfig) SnapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }

// OutputDir receives merged artifacts.
func (c *CaptureConfig) OutputDir() string { return filepath.Join(c.DataDir, "recordings") }

// CatalogPath is the sqlite recording library.
func (c *CaptureConfig) CatalogPath() string { return filepath.Join(c.DataDir, "catalog.db") }

// LogDir holds rotated log files.
func (c *CaptureConfig) LogDir() string { return filepath.Join(c.DataDir, "logs") }

// AudioConfig maps the quality preset onto a PCM format.
func (c *CaptureConfig) AudioConfig() internal_audio.Config {
	if c.Quality == "high" {
		return internal_audio.NewLinear44khzMonoConfig()
	}
	return internal_audio.NewLinear16khzMonoConfig()
}

// InitConfig reads configuration from .env / environment variables.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.SetEnvPrefix("INSTANTREC")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("DATA_DIR", "instantrec-data")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SEGMENT_INTERVAL", "20m")
	v.SetDefault("MIN_SEGMENT_INTERVAL", "30s")
	v.SetDefault("SNAPSHOT_INTERVAL", "30s")
	v.SetDefault("RESOURCE_INTERVAL", "15s")
	v.SetDefault("RETENTION", "72h")
	v.SetDefault("ADAPTIVE", true)
	v.SetDefault("QUALITY", "standard")
	v.SetDefault("FRAME_MS", 20)
}

// GetCaptureConfig unmarshals and validates the capture configuration.
func GetCaptureConfig(v *viper.Viper) (*CaptureConfig, error) {
	var config CaptureConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
