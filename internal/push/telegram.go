package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token string
	// APIURL overrides the Bot API endpoint; mostly for tests.
	APIURL  string
	Timeout time.Duration
}

// Telegram sends plain-text messages to "tg:<chat id>" descriptors.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

// ChatID parses a "tg:<chat id>" descriptor.
func ChatID(descriptor string) (int64, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(descriptor), telegramPrefix)
	if !ok {
		return 0, fmt.Errorf("telegram: descriptor %q lacks %q prefix", descriptor, telegramPrefix)
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("telegram: invalid chat id %q", raw)
	}
	return id, nil
}

func (t *Telegram) Send(ctx context.Context, descriptor string, msg Message) (Outcome, error) {
	id, err := ChatID(descriptor)
	if err != nil {
		return PermanentlyInvalid, err
	}
	if err := ctx.Err(); err != nil {
		return TransientFailure, err
	}
	text := msg.Title + "\n\n" + msg.Body
	if msg.URL != "" {
		text += "\n\n" + msg.URL
	}
	if _, err := t.bot.Send(tele.ChatID(id), text, tele.NoPreview); err != nil {
		if isPermanentTelegram(err) {
			return PermanentlyInvalid, err
		}
		return TransientFailure, err
	}
	return Delivered, nil
}

func isPermanentTelegram(err error) bool {
	return errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrKickedFromGroup)
}
