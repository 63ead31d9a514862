package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	logx "pewcast/pkg/logx"
)

// Validator gates a parsed config before it becomes current.
type Validator func(ctx context.Context, cfg *Config) error

type committed struct {
	cfg    *Config
	digest uint64
}

// ConfigManager holds the current config for one file. Watch keeps it in
// step with the file and fans accepted versions out to subscribers.
type ConfigManager struct {
	path    string
	current atomic.Pointer[committed]

	log      logx.Logger
	validate Validator

	// fanMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	fanMu sync.Mutex
	fans  map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:     path,
		log:      logx.Nop(),
		validate: func(_ context.Context, cfg *Config) error { return Validate(cfg) },
		fans:     map[chan *Config]struct{}{},
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("comp", "config"))
}

// SetValidator swaps the check run before a config is committed. nil
// accepts anything that decodes.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validate = fn
}

// Parse reads the file and strictly decodes it. Nothing is validated.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", m.path)
	}
	return Decode(m.path, raw)
}

// Load parses and validates the file, then makes it current.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.check(context.Background(), cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

// Commit makes cfg current without validating or publishing it.
func (m *ConfigManager) Commit(cfg *Config) {
	m.current.Store(&committed{cfg: cfg, digest: digestOf(cfg)})
}

// Get returns the current config, nil before the first Load or Commit.
func (m *ConfigManager) Get() *Config {
	if c := m.current.Load(); c != nil {
		return c.cfg
	}
	return nil
}

func (m *ConfigManager) check(ctx context.Context, cfg *Config) error {
	if m.validate == nil {
		return nil
	}
	return m.validate(ctx, cfg)
}

// Subscribe returns a channel that receives every published config. A
// subscriber that falls behind only ever sees the newest one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.fanMu.Lock()
	m.fans[ch] = struct{}{}
	m.fanMu.Unlock()
	return ch
}

// Unsubscribe detaches and closes ch. Unknown channels are ignored.
func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	if _, ok := m.fans[ch]; !ok {
		return
	}
	delete(m.fans, ch)
	close(ch)
}

func (m *ConfigManager) publish(cfg *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	for ch := range m.fans {
		if !offerLatest(ch, cfg) {
			m.log.Debug("subscriber lagging; update dropped", logx.Int("buffer", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting one stale entry if the buffer is full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// refresh re-reads the file and publishes it when its content differs from
// the current config and passes validation.
func (m *ConfigManager) refresh(ctx context.Context) bool {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return false
	}
	digest := digestOf(cfg)
	if cur := m.current.Load(); cur != nil && digest != 0 && cur.digest == digest {
		log.Debug("config content unchanged")
		return false
	}
	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = m.check(vctx, cfg)
	cancel()
	if err != nil {
		log.Warn("config rejected", logx.Err(err))
		return false
	}
	m.Commit(cfg)
	m.publish(cfg)
	log.Info("config reloaded", logx.Uint64("digest", digest))
	return true
}

// digestOf fingerprints the decoded config so whitespace-only edits and
// repeated write events do not republish.
func digestOf(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
