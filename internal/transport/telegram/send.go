package telegram

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	"adsync/internal/transport"
)

// textLimit stays under Telegram's 4096-character message cap.
const textLimit = 4000

// SendText sends text to a chat, split into several messages when long.
func (t *Bot) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, part := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.bot.Send(chat, part, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring newlines.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{strings.TrimRight(s, "\n")}
	}
	var out []string
	start := 0
	for start < len(rs) {
		if len(rs)-start <= limit {
			if tail := strings.TrimRight(string(rs[start:]), "\n"); tail != "" {
				out = append(out, tail)
			}
			break
		}
		end := start + limit
		next := end
		for i := end - 1; i > start; i-- {
			if rs[i] == '\n' {
				end, next = i, i+1
				break
			}
		}
		out = append(out, string(rs[start:end]))
		start = next
	}
	return out
}
