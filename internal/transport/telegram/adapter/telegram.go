package adapter

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	rtsup "pewcast/internal/runtime/supervisor"
	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	dropReportEvery    = 5 * time.Second
	stopGrace          = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter is the Telegram implementation of transport.Adapter. It long-polls
// for messages and membership changes and turns them into kit.Update values.
type Adapter struct {
	log logx.Logger
	bot *tele.Bot
	// msg is the send half of bot.
	msg messenger

	// sink is nil while stopped; handlers then drop everything.
	sink atomic.Pointer[updateSink]

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

// messenger is the part of *tele.Bot that delivers content.
type messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error)
}

// updateSink is the consumer channel of one Start..Stop cycle.
type updateSink struct {
	ch      chan<- kit.Update
	dropped atomic.Uint64
}

func (s *updateSink) offer(up kit.Update) {
	select {
	case s.ch <- up:
	default:
		s.dropped.Add(1)
	}
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		Poller: &tele.LongPoller{
			Timeout:        poll,
			AllowedUpdates: []string{"message", "my_chat_member"},
		},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log.With(logx.String("comp", "telegram.adapter")), bot: bot, msg: bot}
	bot.Handle(tele.OnMyChatMember, a.onMembership)
	bot.Handle(tele.OnText, a.onMessage)
	bot.Handle(tele.OnMedia, a.onMessage)
	return a, nil
}

func (a *Adapter) emit(up kit.Update) {
	if s := a.sink.Load(); s != nil {
		s.offer(up)
	}
}

// onMembership reports the bot being added to, promoted in, or removed from
// a chat.
func (a *Adapter) onMembership(c tele.Context) error {
	u := c.ChatMember()
	if u == nil || u.Chat == nil || u.NewChatMember == nil {
		return nil
	}
	role := u.NewChatMember.Role
	a.emit(kit.Update{
		Kind:   kit.UpdateMembership,
		Chat:   chatInfo(u.Chat),
		Active: role != tele.Left && role != tele.Kicked,
		At:     time.Now(),
	})
	return nil
}

// onMessage marks group chats as seen and forwards "/" commands.
func (a *Adapter) onMessage(c tele.Context) error {
	chat := c.Chat()
	if chat == nil {
		return nil
	}
	info := chatInfo(chat)
	now := time.Now()
	if chat.Type != tele.ChatPrivate {
		a.emit(kit.Update{Kind: kit.UpdateActivity, Chat: info, Active: true, At: now})
	}

	msg := c.Message()
	if msg == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}
	up := kit.Update{Kind: kit.UpdateCommand, Chat: info, At: now, Text: text, ThreadID: msg.ThreadID}
	if from := c.Sender(); from != nil {
		up.FromID = from.ID
	}
	a.emit(up)
	return nil
}

func chatInfo(ch *tele.Chat) kit.ChatInfo {
	title := ch.Title
	if title == "" {
		title = strings.TrimSpace(ch.FirstName + " " + ch.LastName)
	}
	return kit.ChatInfo{ID: ch.ID, Title: title, Type: string(ch.Type)}
}

// Start begins long polling and delivers updates to out without blocking;
// updates that do not fit are counted and reported. Calling Start twice is
// a no-op.
func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sink := &updateSink{ch: out}
	a.sink.Store(sink)
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	a.sup = sup

	sup.Go("updates.dropped", func(c context.Context) error {
		tick := time.NewTicker(dropReportEvery)
		defer tick.Stop()
		for {
			select {
			case <-c.Done():
				return nil
			case <-tick.C:
				if n := sink.dropped.Swap(0); n > 0 {
					a.log.Warn("updates dropped; consumer is behind", logx.Uint64("count", n), logx.Int("buffer", cap(out)))
				}
			}
		}
	})
	sup.Go("telebot.unblock", func(c context.Context) error {
		<-c.Done()
		a.bot.Stop()
		return nil
	})
	// bot.Start only returns after bot.Stop; anything earlier is a fault.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		if c.Err() != nil {
			a.log.Info("polling stopped")
			return nil
		}
		return errPollExited
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	return nil
}

// Stop ends polling. It waits at most stopGrace (or less if ctx says so) since
// an in-flight getUpdates request cannot be interrupted.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.sink.Store(nil)
	a.mu.Unlock()
	if sup == nil {
		return nil
	}

	a.log.Info("stopping")
	sup.Cancel()
	go a.bot.Stop()

	wctx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		a.log.Warn("telegram stop incomplete", logx.Err(err))
	}
	return nil
}

// SetCommands replaces the bot's command menu.
func (a *Adapter) SetCommands(ctx context.Context, cmds []kit.BotCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	menu := make([]tele.Command, len(cmds))
	for i, c := range cmds {
		menu[i] = tele.Command{Text: c.Command, Description: c.Description}
	}
	return classify(a.bot.SetCommands(menu))
}
