// Package logging builds the node's zap loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Factory provides centralized logger creation. The root level and module
// levels can be changed while loggers are in use.
type Factory struct {
	config  Config
	encoder zapcore.Encoder
	writer  zapcore.WriteSyncer
	closer  io.Closer
	level   zap.AtomicLevel
	root    *zap.Logger

	mu      sync.Mutex
	modules map[string]zap.AtomicLevel
	loggers map[string]*zap.Logger
}

// NewFactory creates the root logger.
func NewFactory(config Config) (*Factory, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	level, _ := zap.ParseAtomicLevel(config.Level)

	f := &Factory{
		config:  config,
		level:   level,
		modules: make(map[string]zap.AtomicLevel),
		loggers: make(map[string]*zap.Logger),
	}

	if config.Format == "json" {
		f.encoder = zapcore.NewJSONEncoder(config.encoderConfig())
	} else {
		f.encoder = zapcore.NewConsoleEncoder(config.encoderConfig())
	}

	switch config.OutputPath {
	case "stdout":
		f.writer = zapcore.Lock(os.Stdout)
	case "stderr":
		f.writer = zapcore.Lock(os.Stderr)
	default:
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.Rotation.MaxSize,
			MaxBackups: config.Rotation.MaxBackups,
			MaxAge:     config.Rotation.MaxAge,
			Compress:   config.Rotation.Compress,
			LocalTime:  config.Rotation.LocalTime,
		}
		f.writer = zapcore.AddSync(rotator)
		f.closer = rotator
	}

	f.root = zap.New(f.core(f.level), f.options()...)
	return f, nil
}

func (f *Factory) core(level zapcore.LevelEnabler) zapcore.Core {
	core := zapcore.NewCore(f.encoder, f.writer, level)
	if f.config.Sampling.Enabled {
		core = zapcore.NewSamplerWithOptions(core, time.Second,
			f.config.Sampling.Initial, f.config.Sampling.Thereafter)
	}
	return core
}

func (f *Factory) options() []zap.Option {
	var options []zap.Option
	if f.config.EnableCaller {
		options = append(options, zap.AddCaller())
	}
	if f.config.EnableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if f.config.Development {
		options = append(options, zap.Development())
	}
	return options
}

// Logger returns the root logger.
func (f *Factory) Logger() *zap.Logger {
	return f.root
}

// Named returns the logger for a module, honoring its configured level.
func (f *Factory) Named(module string) *zap.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()

	if logger, ok := f.loggers[module]; ok {
		return logger
	}

	logger := f.root.Named(module)
	if levelStr, ok := f.config.ModuleLevels[module]; ok {
		level, err := zap.ParseAtomicLevel(levelStr)
		if err == nil {
			f.modules[module] = level
			core := f.core(level)
			logger = logger.WithOptions(zap.WrapCore(func(zapcore.Core) zapcore.Core {
				return core
			}))
		}
	}
	f.loggers[module] = logger
	return logger
}

// SetLevel changes the root level. Modules with their own level keep it.
func (f *Factory) SetLevel(level string) error {
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	f.level.SetLevel(l)
	return nil
}

// SetModuleLevels applies new module levels to modules that already have one.
// Loggers created without a module level keep following the root level.
func (f *Factory) SetModuleLevels(levels map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for module, levelStr := range levels {
		level, ok := f.modules[module]
		if !ok {
			continue
		}
		if l, err := zapcore.ParseLevel(levelStr); err == nil {
			level.SetLevel(l)
		}
	}
}

// Level returns the current root level.
func (f *Factory) Level() zapcore.Level {
	return f.level.Level()
}

// Sync flushes buffered output and closes the rotated file, if any.
func (f *Factory) Sync() error {
	err := f.root.Sync()
	if f.closer != nil {
		if cerr := f.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
