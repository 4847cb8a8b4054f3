package commons

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging interface. Every component receives
// one through its constructor; nothing builds its own logger.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Sync() error
}

// Option configures NewApplicationLogger.
type Option func(*loggerConfig)

type loggerConfig struct {
	name  string
	path  string
	level string
}

// Name sets the logger name, used both as the zap logger name and as the
// log file base name when a path is configured.
func Name(name string) Option {
	return func(c *loggerConfig) { c.name = name }
}

// Path enables file logging with rotation under the given directory.
// Without it logs go to stderr only.
func Path(dir string) Option {
	return func(c *loggerConfig) { c.path = dir }
}

// Level sets the minimum log level ("debug", "info", "warn", "error").
func Level(level string) Option {
	return func(c *loggerConfig) { c.level = level }
}

type applicationLogger struct {
	*zap.SugaredLogger
}

// NewApplicationLogger builds a sugared zap logger. When a Path option is
// given, output additionally goes to a size-rotated file managed by
// lumberjack so long-running capture sessions cannot fill the disk with logs.
func NewApplicationLogger(opts ...Option) (Logger, error) {
	cfg := loggerConfig{
		name:  "instantrec",
		level: "info",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var zapLevel zapcore.Level
	if err := zapLevel.Set(cfg.level); err != nil {
		zapLevel = zapcore.InfoLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(os.Stderr),
			zapLevel,
		),
	}

	if cfg.path != "" {
		if err := os.MkdirAll(cfg.path, 0o755); err != nil {
			return nil, err
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.path, cfg.name+".log"),
			MaxSize:    20, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotator),
			zapLevel,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...)).Named(cfg.name)
	return &applicationLogger{logger.Sugar()}, nil
}
