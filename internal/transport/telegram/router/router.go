// Package router dispatches "/command" messages from the ops chat to
// operator commands, with owner checks, a bounded worker pool and a
// middleware chain.
package router

import (
	"context"
	"html"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	rtsup "pewcast/internal/runtime/supervisor"
	"pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // default: 30s
	Handle      HandlerFunc
}

type Request struct {
	Chat    transport.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Flags   map[string]string
	ReqID   string
	Logger  logx.Logger
	// Reply sends HTML text back to the originating chat.
	Reply func(ctx context.Context, text string)
}

// Arg returns the i-th positional argument or "".
func (r *Request) Arg(i int) string {
	if i < 0 || i >= len(r.Args) {
		return ""
	}
	return r.Args[i]
}

// Sender is the part of the transport the router replies through.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type Router struct {
	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	owners []int64

	sender  Sender
	log     logx.Logger
	jobs    chan func()
	workers int
}

func New(sender Sender, log logx.Logger, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		owners:  append([]int64(nil), owners...),
		sender:  sender,
		log:     log.With(logx.String("comp", "telegram.router")),
		jobs:    make(chan func(), 64),
		workers: max(2, min(runtime.NumCPU(), 4)),
	}
	r.SetCommands(nil)
	return r
}

// SetOwners replaces the users allowed to run owner-only commands. Safe
// during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// SetCommands replaces the registry. /help is always present.
func (r *Router) SetCommands(cmds []Command) {
	all := append(append([]Command(nil), cmds...), Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "list commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			req.Reply(ctx, r.helpText(req.Arg(0)))
			return nil
		},
	})
	byName := map[string]*Command{}
	alias := map[string]*Command{}
	for i := range all {
		c := &all[i]
		name := commandName(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		byName[name] = c
	}
	for _, c := range byName {
		for _, a := range c.Aliases {
			if a = commandName(a); a != "" {
				if _, taken := byName[a]; !taken {
					alias[a] = c
				}
			}
		}
	}
	r.mu.Lock()
	r.cmds, r.alias = byName, alias
	r.mu.Unlock()
}

// Menu lists the commands for the platform's command menu.
func (r *Router) Menu() []transport.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]transport.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = c.Name
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: desc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (r *Router) lookup(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cmds[name]; ok {
		return c, true
	}
	c, ok := r.alias[name]
	return c, ok
}

// Run serves command updates until ctx is done or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan transport.Update) error {
	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("command router started", logx.Int("workers", r.workers))
	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route parses a command update and queues its handler. It reports
// whether up was a known command.
func (r *Router) Route(ctx context.Context, up transport.Update) bool {
	if up.Kind != transport.UpdateCommand {
		return false
	}
	parts := splitArgs(up.Text)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return false
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := transport.ChatTarget{ChatID: up.Chat.ID, ThreadID: up.ThreadID}
	reply := func(c context.Context, text string) {
		if _, err := r.sender.SendText(c, chat, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}); err != nil {
			r.log.Debug("reply failed", logx.Int64("chat_id", chat.ChatID), logx.Err(err))
		}
	}

	cmd, ok := r.lookup(strings.ToLower(word))
	if !ok {
		// Commands meant for other bots in a group are common; stay quiet.
		if up.Chat.Type == "private" {
			reply(ctx, "unknown command, try /help")
		}
		return false
	}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(up.FromID) {
		reply(ctx, "unauthorized")
		return true
	}

	args, flags := splitFlags(parts[1:])
	rid := uuid.NewString()[:8]
	req := &Request{
		Chat:    chat,
		FromID:  up.FromID,
		Command: cmd.Name,
		Args:    args,
		Flags:   flags,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", chat.ChatID),
			logx.Int64("from_id", up.FromID),
			logx.String("cmd", cmd.Name),
		),
		Reply: reply,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	final := Chain(cmd.Handle, Logged(), ReplyOnError(), Recover(), Deadline(timeout))
	select {
	case r.jobs <- func() { _ = final(ctx, req) }:
	default:
		reply(ctx, "busy, try again")
	}
	return true
}

func (r *Router) helpText(topic string) string {
	topic = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(topic), "/"))
	if topic != "" {
		c, ok := r.lookup(topic)
		if !ok {
			return "❓ unknown command <code>/" + html.EscapeString(topic) + "</code>"
		}
		lines := []string{"📚 <code>/" + c.Name + "</code>"}
		if c.Description != "" {
			lines = append(lines, html.EscapeString(c.Description))
		}
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 <i>owner only</i>")
		}
		if c.Usage != "" {
			lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(c.Usage)+"</code>")
		}
		if len(c.Aliases) > 0 {
			lines = append(lines, "aliases: "+html.EscapeString(strings.Join(c.Aliases, ", ")))
		}
		return strings.Join(lines, "\n")
	}

	r.mu.RLock()
	cmds := make([]*Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		cmds = append(cmds, c)
	}
	r.mu.RUnlock()
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].Access != cmds[j].Access {
			return cmds[i].Access < cmds[j].Access
		}
		return cmds[i].Name < cmds[j].Name
	})
	lines := []string{"📚 <b>Commands</b>", "<code>/help &lt;cmd&gt;</code> for details.", ""}
	for _, c := range cmds {
		prefix := "• "
		if c.Access == AccessOwnerOnly {
			prefix = "• 🔒 "
		}
		line := prefix + "<code>/" + c.Name + "</code>"
		if c.Description != "" {
			line += " " + html.EscapeString(c.Description)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// errorText is the operator-facing message for err, with its hint.
func errorText(err error) string {
	msg := html.EscapeString(err.Error())
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		msg += "\n<i>" + html.EscapeString(hints[0]) + "</i>"
	}
	return msg
}
