package transporttest

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"pewcast/internal/transport"
)

// Text is a reply sent through SendText.
type Text struct {
	To   transport.ChatTarget
	Text string
}

// Adapter is an in-memory transport.Adapter. Broadcast sends go through the
// embedded Sender; operator text is recorded separately.
type Adapter struct {
	*Sender

	amu      sync.Mutex
	out      chan<- transport.Update
	texts    []Text
	commands []transport.BotCommand
}

func NewAdapter() *Adapter { return &Adapter{Sender: New()} }

func (a *Adapter) Start(_ context.Context, out chan<- transport.Update) error {
	a.amu.Lock()
	defer a.amu.Unlock()
	if a.out != nil {
		return errors.New("transporttest: adapter already started")
	}
	a.out = out
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.amu.Lock()
	a.out = nil
	a.amu.Unlock()
	return nil
}

// Push delivers up as if it came from the platform. It reports false when
// the adapter is not running.
func (a *Adapter) Push(ctx context.Context, up transport.Update) bool {
	a.amu.Lock()
	out := a.out
	a.amu.Unlock()
	if out == nil {
		return false
	}
	select {
	case out <- up:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	a.amu.Lock()
	defer a.amu.Unlock()
	a.texts = append(a.texts, Text{To: to, Text: text})
	return transport.MessageRef{ChatID: to.ChatID, MessageIDs: []int{len(a.texts)}}, nil
}

func (a *Adapter) SetCommands(_ context.Context, cmds []transport.BotCommand) error {
	a.amu.Lock()
	a.commands = append([]transport.BotCommand(nil), cmds...)
	a.amu.Unlock()
	return nil
}

func (a *Adapter) Texts() []Text {
	a.amu.Lock()
	defer a.amu.Unlock()
	return append([]Text(nil), a.texts...)
}

func (a *Adapter) Commands() []transport.BotCommand {
	a.amu.Lock()
	defer a.amu.Unlock()
	return append([]transport.BotCommand(nil), a.commands...)
}
