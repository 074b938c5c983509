package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func fileConfig(t *testing.T) (Config, string) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")
	cfg := DefaultConfig()
	cfg.Format = "json"
	cfg.OutputPath = path
	return cfg, path
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ModuleLevels = map[string]string{"routing": "chatty"}
	assert.Error(t, cfg.Validate())
}

func TestFactoryWritesRotatedFile(t *testing.T) {
	cfg, path := fileConfig(t)
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	f.Logger().Info("hello", zap.String("k", "v"))
	f.Logger().Debug("hidden")
	require.NoError(t, f.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, `"msg":"hello"`)
	assert.Contains(t, out, `"k":"v"`)
	assert.NotContains(t, out, "hidden")
}

func TestFactoryModuleLevels(t *testing.T) {
	cfg, path := fileConfig(t)
	cfg.ModuleLevels = map[string]string{"routing": "debug", "transport": "error"}
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	routing := f.Named("routing")
	assert.Same(t, routing, f.Named("routing"))

	routing.Debug("routing detail")
	f.Named("transport").Warn("transport warning")
	f.Named("lookup").Debug("lookup detail")
	f.Named("lookup").Info("lookup info")

	f.SetModuleLevels(map[string]string{"routing": "info"})
	routing.Debug("suppressed detail")
	require.NoError(t, f.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "routing detail")
	assert.Contains(t, out, `"logger":"routing"`)
	assert.NotContains(t, out, "transport warning")
	assert.NotContains(t, out, "lookup detail")
	assert.Contains(t, out, "lookup info")
	assert.NotContains(t, out, "suppressed detail")
}

func TestFactorySetLevel(t *testing.T) {
	cfg, path := fileConfig(t)
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	require.NoError(t, f.SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, f.Level())
	f.Named("dht").Debug("now visible")
	assert.Error(t, f.SetLevel("nope"))
	require.NoError(t, f.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "now visible"))
}
