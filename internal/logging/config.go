package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config defines all settings for logging.
type Config struct {
	// Level is the minimum log level that will be captured.
	Level string `yaml:"level"`

	// Format specifies the log output format. Can be "json" or "console".
	Format string `yaml:"format"`

	// OutputPath is "stdout", "stderr" or a file path. Files are rotated.
	OutputPath string `yaml:"output_path"`

	// Rotation defines the configuration for log file rotation.
	Rotation RotationConfig `yaml:"rotation"`

	// ModuleLevels overrides the level of named loggers, e.g. "routing": "debug".
	ModuleLevels map[string]string `yaml:"module_levels"`

	EnableCaller     bool `yaml:"enable_caller"`
	EnableStacktrace bool `yaml:"enable_stacktrace"`

	// Development enables colored console output.
	Development bool `yaml:"development"`

	// Sampling configures log sampling to reduce log volume.
	Sampling SamplingConfig `yaml:"sampling"`
}

// RotationConfig defines the settings for log file rotation.
type RotationConfig struct {
	// MaxSize is the maximum size in megabytes of the log file before it gets rotated.
	MaxSize    int  `yaml:"max_size_mb"`
	MaxAge     int  `yaml:"max_age_days"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// SamplingConfig defines the settings for log sampling.
type SamplingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Initial is the number of messages to log per second before sampling kicks in.
	Initial int `yaml:"initial"`
	// Thereafter logs every Nth message after the initial burst.
	Thereafter int `yaml:"thereafter"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		OutputPath: "stderr",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
			LocalTime:  true,
		},
		ModuleLevels:     make(map[string]string),
		EnableCaller:     false,
		EnableStacktrace: true,
		Sampling: SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
	}
}

// Validate checks levels and format.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	for module, level := range c.ModuleLevels {
		if _, err := zapcore.ParseLevel(level); err != nil {
			return fmt.Errorf("invalid log level %q for module %s", level, module)
		}
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output_path is required")
	}
	return nil
}

func (c Config) encoderConfig() zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if c.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return encoderConfig
}
