package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pewcast/internal/transport"
)

// TextSender is the part of the transport the Telegram sink needs.
type TextSender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

const (
	opsMaxText  = 3500
	opsMaxValue = 600
	opsMaxStack = 900
)

type opsMessage struct {
	to   transport.ChatTarget
	text string
}

// opsSink is a zerolog LevelWriter that forwards records at or above a
// minimum level to the ops chat. Records are dropped, never blocked on,
// when the rate limit or the queue is exhausted.
type opsSink struct {
	mu       sync.Mutex
	sender   TextSender
	to       transport.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	queue   chan opsMessage
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newOpsSink() *opsSink {
	return &opsSink{
		minLevel: zerolog.WarnLevel,
		limiter:  rate.NewLimiter(1, 1),
		queue:    make(chan opsMessage, 256),
	}
}

func (o *opsSink) attach(sender TextSender) {
	o.mu.Lock()
	o.sender = sender
	o.mu.Unlock()
}

func (o *opsSink) target(chatID int64, threadID int) {
	o.mu.Lock()
	o.to = transport.ChatTarget{ChatID: chatID, ThreadID: threadID}
	o.mu.Unlock()
}

func (o *opsSink) configure(cfg TelegramConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	defer o.mu.Unlock()
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	if cfg.ChatID != 0 {
		o.to.ChatID = cfg.ChatID
	}
	if cfg.ThreadID != 0 {
		o.to.ThreadID = cfg.ThreadID
	}
	if !cfg.Enabled || o.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.started, o.cancel, o.done = true, cancel, make(chan struct{})
	go o.run(ctx, o.done)
}

func (o *opsSink) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-o.queue:
			o.mu.Lock()
			sender := o.sender
			o.mu.Unlock()
			if sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = sender.SendText(sctx, m.to, m.text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
			cancel()
		}
	}
}

func (o *opsSink) close() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.started, o.cancel, o.done = false, nil, nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (o *opsSink) Write(p []byte) (int, error) { return o.WriteLevel(zerolog.NoLevel, p) }

func (o *opsSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	to, min, lim, ok := o.to, o.minLevel, o.limiter, o.sender != nil
	o.mu.Unlock()
	if !ok || to.ChatID == 0 || level == zerolog.NoLevel || level < min || !lim.Allow() {
		return len(p), nil
	}
	if text := formatOpsRecord(p); text != "" {
		select {
		case o.queue <- opsMessage{to: to, text: text}:
		default:
		}
	}
	return len(p), nil
}

// formatOpsRecord renders one zerolog JSON line as HTML: the level and
// message first, then the remaining fields sorted by key.
func formatOpsRecord(p []byte) string {
	p = bytes.TrimSpace(p)
	var rec map[string]any
	if err := json.Unmarshal(p, &rec); err != nil {
		return html.EscapeString(clip(string(p), opsMaxText))
	}

	level, _ := rec[zerolog.LevelFieldName].(string)
	msg, _ := rec[zerolog.MessageFieldName].(string)
	var b strings.Builder
	b.WriteString(levelIcon(level))
	b.WriteString(" <b>")
	b.WriteString(html.EscapeString(msg))
	b.WriteString("</b>")

	keys := make([]string, 0, len(rec))
	for k := range rec {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName, "stack":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: <code>%s</code>", html.EscapeString(k), html.EscapeString(clip(fmt.Sprint(rec[k]), opsMaxValue)))
	}
	if st, ok := rec["stack"]; ok {
		fmt.Fprintf(&b, "\n<pre>%s</pre>", html.EscapeString(clip(fmt.Sprint(st), opsMaxStack)))
	}
	return b.String()
}

func levelIcon(level string) string {
	switch level {
	case "error", "fatal", "panic":
		return "❌"
	case "warn":
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
