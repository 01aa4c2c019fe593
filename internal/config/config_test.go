package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestLoadMergesDefaultAndOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", `
smtp:
  host: mail.example.com
  port: 25
queue:
  batch_size: 10
`)
	writeFile(t, dir, "config.yaml", `
smtp:
  port: 465
  encryption: ssl
`)

	require.NoError(t, Load(dir))
	c := Get()
	require.NotNil(t, c)
	assert.Equal(t, "mail.example.com", c.SMTP.Host)
	assert.Equal(t, 465, c.SMTP.Port)
	assert.Equal(t, "ssl", c.SMTP.Encryption)
	assert.Equal(t, 10, c.Queue.BatchSize)
	assert.Equal(t, 2*time.Second, c.Mailbox.RetryDelay)
}

func TestLoadWithoutFilesUsesDefaults(t *testing.T) {
	require.NoError(t, Load(t.TempDir()))
	c := Get()
	assert.Equal(t, "sqlite3", c.Database.Driver)
	assert.Equal(t, 3, c.Mailbox.ConnectAttempts)
	assert.Equal(t, "0 */5 * * * *", c.Queue.Schedule)
	assert.False(t, c.Classifier.AIEnabled())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SHOPDESK_CLASSIFIER_API_KEY", "sk-test")
	t.Setenv("SHOPDESK_SMTP_HOST", "relay.internal")

	require.NoError(t, Load(t.TempDir()))
	c := Get()
	assert.True(t, c.Classifier.AIEnabled())
	assert.Equal(t, "relay.internal", c.SMTP.Host)
}

func TestLoadFromFileRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yaml", `
database:
  driver: oracle
smtp:
  encryption: rot13
queue:
  schedule: "every now and then"
`)
	err := LoadFromFile(filepath.Join(dir, "bad.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "smtp.encryption")
	assert.Contains(t, err.Error(), "queue.schedule")
}

func TestRedactedMasksSecrets(t *testing.T) {
	c := Defaults()
	c.SMTP.Password = "hunter2"
	c.Classifier.APIKey = "sk-live"
	c.Mailbox.Username = "support"

	r := c.Redacted()
	assert.Equal(t, "********", r.SMTP.Password)
	assert.Equal(t, "********", r.Classifier.APIKey)
	assert.Equal(t, "support", r.Mailbox.Username)
	assert.Empty(t, r.Database.Password)
	assert.Equal(t, "hunter2", c.SMTP.Password)

	out, err := c.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.Contains(t, string(out), "********")
}

func TestOnReloadListenersRun(t *testing.T) {
	var got *Config
	OnReload(func(c *Config) { got = c })
	require.NoError(t, Load(t.TempDir()))
	assert.Same(t, Get(), got)
}
