// Package telegram is an automation-channel driver backed by the Telegram
// Bot API. Recipients are numeric chat ids; the payload is delivered as a
// photo with the caption attached.
//
// There is no pairing artifact on this platform: the bot token plays the
// role of the channel credential, so Connect authenticates directly.
package telegram

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"zapsend/internal/channel"
	logx "zapsend/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Telegram struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	bot    *tele.Bot
	closed bool
}

func New(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{cfg: cfg, log: log}, nil
}

// Factory adapts New to the channel.Factory signature.
func Factory(cfg Config, log logx.Logger) channel.Factory {
	return func(ctx context.Context) (channel.Channel, error) {
		return New(cfg, log)
	}
}

// Connect validates the token against the Bot API. tele.NewBot performs the
// getMe round trip, so a bad token surfaces here rather than on first send.
func (t *Telegram) Connect(ctx context.Context) (<-chan channel.ConnectEvent, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &channel.Error{Op: "connect", Err: errors.New("channel closed")}
	}
	t.mu.Unlock()

	out := make(chan channel.ConnectEvent, 2)
	go func() {
		defer close(out)

		b, err := tele.NewBot(tele.Settings{
			Token:  t.cfg.Token,
			Poller: &tele.LongPoller{Timeout: t.cfg.PollTimeout},
		})
		if err != nil {
			out <- channel.ConnectEvent{Kind: channel.EventFailed, Err: &channel.Error{Op: "connect", Err: err}}
			return
		}
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		t.bot = b
		t.mu.Unlock()

		t.log.Info("telegram channel authenticated", logx.String("bot", b.Me.Username))
		out <- channel.ConnectEvent{Kind: channel.EventAuthenticated}
	}()
	return out, nil
}

func (t *Telegram) Deliver(ctx context.Context, recipient, attachmentPath, caption string) error {
	b := t.currentBot()
	if b == nil {
		return &channel.Error{Op: "deliver", Err: errors.New("channel not connected")}
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return &channel.Error{Op: "deliver", Err: ctx.Err()}
		default:
		}
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		// Not a resolvable chat id on this platform.
		return channel.ErrRecipientUnreachable
	}

	photo := &tele.Photo{File: tele.FromDisk(attachmentPath), Caption: caption}
	if _, err := b.Send(&tele.Chat{ID: chatID}, photo); err != nil {
		if isUnreachable(err) {
			return channel.ErrRecipientUnreachable
		}
		return &channel.Error{Op: "deliver", Err: err}
	}
	return nil
}

// ResetHome has no meaning for the Bot API; each send is stateless.
func (t *Telegram) ResetHome(ctx context.Context) error { return nil }

func (t *Telegram) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.bot = nil
	return nil
}

func (t *Telegram) currentBot() *tele.Bot {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	return t.bot
}

func isUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tele.ErrChatNotFound) || errors.Is(err, tele.ErrBlockedByUser) || errors.Is(err, tele.ErrUserIsDeactivated) {
		return true
	}
	// Bot API errors are not always wrapped; fall back to the description.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "chat not found") || strings.Contains(msg, "bot was blocked")
}
