package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pewcast/pkg/logx"
)

const jsonCfg = `{
  "telegram": {"token": "123:abc", "ops_chat_id": -100},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./pewcast.db", "busy_timeout": "2s"},
  "scheduler": {"enabled": true, "poll_interval": "5s", "default_timezone": "Asia/Jakarta"},
  "dispatch": {"workers": 2, "min_send_interval": "350ms"},
  "api": {"enabled": true, "addr": "127.0.0.1:8087"}
}`

const yamlCfg = `
telegram:
  token: "123:abc"
  ops_chat_id: -100
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./pewcast.db
  busy_timeout: 2s
scheduler:
  enabled: true
  poll_interval: 5s
  default_timezone: Asia/Jakarta
dispatch:
  workers: 2
  min_send_interval: 350ms
api:
  enabled: true
  addr: 127.0.0.1:8087
`

const tomlCfg = `
[telegram]
token = "123:abc"
ops_chat_id = -100

[logging]
level = "info"
console = true

[storage]
driver = "sqlite"
path = "./pewcast.db"
busy_timeout = "2s"

[scheduler]
enabled = true
poll_interval = "5s"
default_timezone = "Asia/Jakarta"

[dispatch]
workers = 2
min_send_interval = "350ms"

[api]
enabled = true
addr = "127.0.0.1:8087"
`

func TestDecodeFormatsAgree(t *testing.T) {
	t.Parallel()
	want, err := Decode("c.json", []byte(jsonCfg))
	require.NoError(t, err)
	require.NoError(t, Validate(want))

	for _, tc := range []struct{ name, path, data string }{
		{"yaml", "c.yaml", yamlCfg},
		{"yml", "c.yml", yamlCfg},
		{"toml", "c.toml", tomlCfg},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.path, []byte(tc.data))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, path, data, want string
	}{
		{"unknown json field", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`, "unknown field"},
		{"unknown yaml field", "c.yaml", "scheduler:\n  workers: 3\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad toml", "c.toml", "[telegram\n", "toml decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.path, []byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		cfg, err := Decode("c.json", []byte(jsonCfg))
		require.NoError(t, err)
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token is required"},
		{"bad duration", func(c *Config) { c.Scheduler.Lease = "ten minutes" }, "scheduler.lease"},
		{"negative duration", func(c *Config) { c.Dispatch.RetryBase = "-1s" }, "must be >= 0"},
		{"unknown zone", func(c *Config) { c.Scheduler.DefaultTimezone = "Mars/Olympus" }, "unknown zone"},
		{"bad housekeeping", func(c *Config) { c.Scheduler.Housekeeping = "every day" }, "scheduler.housekeeping"},
		{"sqlite needs path", func(c *Config) { c.Storage.Path = "" }, "storage.path is required"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "file" }, "unknown driver"},
		{"public api without token", func(c *Config) { c.API.Addr = "0.0.0.0:8087" }, "api.token is required"},
		{"notifier without chat", func(c *Config) {
			c.Telegram.OpsChatID = 0
			c.Notifier = &NotifierConfig{Enabled: true}
		}, "notifier.chat_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	cfg := base()
	cfg.API.Addr = "localhost:9000"
	cfg.Storage = StorageConfig{Driver: "memory"}
	assert.NoError(t, Validate(cfg))
}

func TestSummarizeConfigChangeHidesToken(t *testing.T) {
	t.Parallel()
	oldCfg, err := Decode("c.json", []byte(jsonCfg))
	require.NoError(t, err)
	newCfg := *oldCfg
	newCfg.Telegram.Token = "999:secret"
	newCfg.API.Token = "api-secret"
	newCfg.Dispatch.Concurrency = 8

	changed, attrs := SummarizeConfigChange(oldCfg, &newCfg)
	assert.Equal(t, []string{"api", "dispatch", "telegram"}, changed)

	var buf strings.Builder
	log := logx.NewWriter(&buf, "debug")
	log.Info("config changed", attrs...)
	assert.NotContains(t, buf.String(), "secret")
	assert.Contains(t, buf.String(), `"telegram.token_changed":true`)

	assert.Equal(t, []string{"telegram.token", "api"}, RequiresRestart(oldCfg, &newCfg))
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "pewcast.json")
	require.NoError(t, os.WriteFile(path, []byte(jsonCfg), 0o600))

	m := NewConfigManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	updates := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = m.Watch(ctx) }()
	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	// An invalid edit is not published.
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(jsonCfg, `"123:abc"`, `""`, 1)), 0o600))
	select {
	case <-updates:
		t.Fatal("invalid config published")
	case <-time.After(600 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(jsonCfg, `"workers": 2`, `"workers": 6`, 1)), 0o600))
	select {
	case cfg := <-updates:
		assert.Equal(t, 6, cfg.Dispatch.Workers)
		assert.Equal(t, 6, m.Get().Dispatch.Workers)
	case <-time.After(5 * time.Second):
		t.Fatal("config not published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 250ms ", 250 * time.Millisecond, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"1.5d", 0, true},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if tt.wantErr {
			require.Error(t, err, tt.raw)
			continue
		}
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	d, err := ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}
