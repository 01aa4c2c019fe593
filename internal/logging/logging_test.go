package logging

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/shopdesk/internal/config"
)

func TestWriterStdout(t *testing.T) {
	w, c, err := Writer(config.LoggingConfig{Output: "stdout"})
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, w)
	require.NoError(t, c.Close())
}

func TestWriterRejectsUnknownOutput(t *testing.T) {
	_, _, err := Writer(config.LoggingConfig{Output: "syslog"})
	require.Error(t, err)
}

func TestWriterFileRotates(t *testing.T) {
	cfg := config.LoggingConfig{Output: "file"}
	cfg.File.Path = filepath.Join(t.TempDir(), "logs")
	cfg.File.Filename = "app.log"
	cfg.File.MaxSize = 1

	w, c, err := Writer(cfg)
	require.NoError(t, err)
	l := log.New(w, "[TEST] ", 0)
	l.Println("hello")
	require.NoError(t, c.Close())

	data, err := os.ReadFile(filepath.Join(cfg.File.Path, "app.log"))
	require.NoError(t, err)
	assert.Equal(t, "[TEST] hello\n", string(data))
}
