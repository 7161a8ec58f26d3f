package utils

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger("debug", "text", "stdout", ""))
	l := GetLogger()
	assert.Equal(t, logrus.DebugLevel, l.Level)
	assert.IsType(t, &logrus.TextFormatter{}, l.Formatter)

	require.NoError(t, InitLogger("warn", "json", "stdout", ""))
	l = GetLogger()
	assert.Equal(t, logrus.WarnLevel, l.Level)
	assert.IsType(t, &logrus.JSONFormatter{}, l.Formatter)
}

func TestInitLoggerRejectsBadConfig(t *testing.T) {
	assert.Error(t, InitLogger("shouting", "json", "stdout", ""))
	assert.Error(t, InitLogger("info", "json", "file", ""))
}

func TestInitLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consilium.log")
	require.NoError(t, InitLogger("info", "json", "file", path))

	GetLogger().Info("started")
	assert.FileExists(t, path)
}

func TestGetLoggerDefaults(t *testing.T) {
	logger = nil
	l := GetLogger()
	require.NotNil(t, l)
	assert.Equal(t, logrus.InfoLevel, l.Level)
}
