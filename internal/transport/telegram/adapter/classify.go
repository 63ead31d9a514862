package adapter

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	kit "pewcast/internal/transport"
)

// Descriptions Telegram returns for chats we will never reach.
var unreachableHints = []string{
	"chat not found",
	"bot was kicked",
	"bot was blocked",
	"bot is not a member",
	"user is deactivated",
	"group chat was upgraded",
	"peer_id_invalid",
}

// Descriptions of requests that will fail the same way on every retry.
var permanentHints = []string{
	"have no rights to send",
	"not enough rights",
	"chat_write_forbidden",
	"can't parse entities",
	"message is too long",
}

var mediaFetchHints = []string{
	"failed to get http url content",
	"wrong file identifier/http url specified",
	"wrong type of the web page content",
	"photo_invalid_dimensions",
	"image_process_failed",
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

// classify maps a telebot error onto the transport taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if kit.IsPermanent(err) {
		return err
	}
	if _, ok := kit.RetryAfterOf(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var fe *tele.FloodError
	if errors.As(err, &fe) && fe != nil {
		return kit.RetryAfter(err, time.Duration(fe.RetryAfter+1)*time.Second)
	}
	msg := strings.ToLower(err.Error())
	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return kit.RetryAfter(err, time.Duration(n+1)*time.Second)
	}

	for _, h := range unreachableHints {
		if strings.Contains(msg, h) {
			return kit.Unreachable(err)
		}
	}

	var te *tele.Error
	if errors.As(err, &te) && te != nil {
		switch {
		case te.Code == 429:
			return kit.RetryAfter(err, time.Second)
		case te.Code >= 500:
			return err
		case te.Code == 400 || te.Code == 403 || te.Code == 404:
			return kit.Permanent(err)
		}
	}
	for _, h := range permanentHints {
		if strings.Contains(msg, h) {
			return kit.Permanent(err)
		}
	}
	if errors.Is(err, errEmptyContent) {
		return kit.Permanent(err)
	}
	return err
}

func isMediaFetchError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, h := range mediaFetchHints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
