package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pewcast/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	msgs []string
	to   []transport.ChatTarget
}

func (c *captureSender) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, text)
	c.to = append(c.to, to)
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (c *captureSender) snapshot() ([]string, []transport.ChatTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...), append([]transport.ChatTarget(nil), c.to...)
}

func TestFormatOpsRecord(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fields sorted and escaped",
			in:   `{"level":"warn","message":"send <failed>","job":"j1","attempt":3,"time":"x"}`,
			want: "⚠️ <b>send &lt;failed&gt;</b>\nattempt: <code>3</code>\njob: <code>j1</code>",
		},
		{
			name: "stack last",
			in:   `{"level":"error","message":"panic","stack":"main.go:1","comp":"x"}`,
			want: "❌ <b>panic</b>\ncomp: <code>x</code>\n<pre>main.go:1</pre>",
		},
		{name: "raw text", in: "  not <json> \n", want: "not &lt;json&gt;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatOpsRecord([]byte(tt.in)))
		})
	}
}

func TestClip(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", clip("abc", 3))
	assert.Equal(t, "ab…", clip("abcd", 3))
	assert.Equal(t, "żó…", clip("żółw", 3))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in, zerolog.InfoLevel), in)
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	assert.True(t, l.IsZero())
	l.With(String("k", "v")).Error("dropped")
	assert.False(t, Nop().IsZero())
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))
	log.Debug("hidden")
	log.Info("shown", Int("n", 2), Err(nil))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "shown", rec["message"])
	assert.Equal(t, "test", rec["comp"])
	assert.EqualValues(t, 2, rec["n"])
	assert.Contains(t, rec["caller"], "logging_test.go:")
	assert.NotContains(t, rec, "err")
}

func TestTelegramSinkHonorsMinLevel(t *testing.T) {
	svc, log := New(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, ChatID: -42, MinLevel: "warn", RatePerSec: 100},
	})
	defer svc.Close()
	cs := &captureSender{}
	svc.AttachSender(cs)

	log.Info("quiet")
	log.Warn("loud", String("job", "j1"))

	require.Eventually(t, func() bool {
		msgs, _ := cs.snapshot()
		return len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	msgs, to := cs.snapshot()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "<b>loud</b>")
	assert.Equal(t, int64(-42), to[0].ChatID)

	svc.SetTelegramTarget(0, 0)
	log.Error("silenced")
	time.Sleep(50 * time.Millisecond)
	msgs, _ = cs.snapshot()
	assert.Len(t, msgs, 1)
}
