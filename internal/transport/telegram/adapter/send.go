package adapter

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	kit "pewcast/internal/transport"
	logx "pewcast/pkg/logx"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
	telegramAlbumMax     = 10
)

var (
	errEmptyContent = errors.New("telegram: nothing to send")
	errPollExited   = errors.New("telegram: polling exited")
)

// Send delivers rendered content to one chat.
//
// Images go out as a single photo or an album (at most ten) with the text as
// caption on the first item. Text longer than a caption allows follows as a
// separate message. If Telegram cannot fetch the images the text and the
// links are sent instead. Once any message has landed a later failure is
// permanent, so a retry cannot duplicate what the chat already shows.
func (a *Adapter) Send(ctx context.Context, chatID int64, c kit.Content) (kit.MessageRef, error) {
	ref := kit.MessageRef{ChatID: chatID}
	urls := c.ImageURLs
	if len(urls) > telegramAlbumMax {
		urls = urls[:telegramAlbumMax]
	}
	if len(urls) == 0 && strings.TrimSpace(c.Text) == "" {
		return ref, kit.Permanent(errEmptyContent)
	}
	opt := &kit.SendOptions{ParseMode: c.ParseMode, DisablePreview: c.DisablePreview}
	to := kit.ChatTarget{ChatID: chatID}

	if len(urls) == 0 {
		r, err := a.SendText(ctx, to, c.Text, opt)
		return r, settle(r, err)
	}

	caption := c.Text
	separate := len([]rune(caption)) > telegramCaptionLimit
	if separate {
		caption = ""
	}

	ids, err := a.sendPhotos(ctx, chatID, urls, caption, c.ParseMode)
	if err != nil {
		if !isMediaFetchError(err) {
			return ref, classify(err)
		}
		a.log.Warn("images rejected; falling back to links", logx.Int64("chat_id", chatID), logx.Err(err))
		return a.sendLinks(ctx, to, c.Text, urls, opt)
	}
	ref.MessageIDs = append(ref.MessageIDs, ids...)

	if separate {
		r, err := a.SendText(ctx, to, c.Text, opt)
		ref.MessageIDs = append(ref.MessageIDs, r.MessageIDs...)
		if err != nil {
			return ref, settle(ref, err)
		}
	}
	return ref, nil
}

// settle classifies err and makes it permanent when ref shows part of the
// content was already delivered.
func settle(ref kit.MessageRef, err error) error {
	err = classify(err)
	if err == nil || len(ref.MessageIDs) == 0 || kit.IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return kit.Permanent(errors.Wrapf(err, "partially delivered (%d message(s))", len(ref.MessageIDs)))
}

func (a *Adapter) sendPhotos(ctx context.Context, chatID int64, urls []string, caption, parseMode string) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chat := &tele.Chat{ID: chatID}
	opts := &tele.SendOptions{ParseMode: parseMode}

	if len(urls) == 1 {
		msg, err := a.msg.Send(chat, &tele.Photo{File: tele.FromURL(urls[0]), Caption: caption}, opts)
		if err != nil {
			return nil, err
		}
		return []int{msg.ID}, nil
	}

	album := make(tele.Album, 0, len(urls))
	for i, u := range urls {
		p := &tele.Photo{File: tele.FromURL(u)}
		if i == 0 {
			p.Caption = caption
		}
		album = append(album, p)
	}
	msgs, err := a.msg.SendAlbum(chat, album, opts)
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (a *Adapter) sendLinks(ctx context.Context, to kit.ChatTarget, text string, urls []string, opt *kit.SendOptions) (kit.MessageRef, error) {
	ref := kit.MessageRef{ChatID: to.ChatID}
	linkOpt := *opt
	linkOpt.DisablePreview = false

	if strings.TrimSpace(text) != "" {
		r, err := a.SendText(ctx, to, text, &linkOpt)
		ref.MessageIDs = append(ref.MessageIDs, r.MessageIDs...)
		if err != nil {
			return ref, settle(ref, err)
		}
	}
	for _, u := range urls {
		r, err := a.SendText(ctx, to, u, &kit.SendOptions{})
		ref.MessageIDs = append(ref.MessageIDs, r.MessageIDs...)
		if err != nil {
			return ref, settle(ref, err)
		}
	}
	return ref, nil
}

// SendText sends text, splitting it into several messages when it exceeds
// Telegram's limit. The returned ref lists every message sent, also on error.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	ref := kit.MessageRef{ChatID: to.ChatID}
	chat := &tele.Chat{ID: to.ChatID}

	for _, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return ref, err
			}
		}
		msg, err := a.msg.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return ref, err
		}
		ref.MessageIDs = append(ref.MessageIDs, msg.ID)
	}
	return ref, nil
}

// splitTelegramText splits long messages into chunks that are safe to send.
// It prefers newline boundaries and, for HTML, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
