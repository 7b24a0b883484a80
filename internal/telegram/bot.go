// Package telegram is the Telegram platform adapter. It long polls the Bot
// API and maps chats to platform identities of the form telegram:<chat id>.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/p42r/internal/config"
	"github.com/harun/p42r/pkg/platform"
	"github.com/rs/zerolog"
)

const (
	// PlatformName is the platform part of every Telegram identity.
	PlatformName = "telegram"

	// MaxMessageBytes is the Bot API limit for one text message.
	MaxMessageBytes = 4096
)

// botAPI is the subset of tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot represents a Telegram bot instance. It implements platform.Adapter.
type Bot struct {
	api    botAPI
	config config.TelegramConfig
	logger zerolog.Logger
	self   tgbotapi.User

	// offset survives reconnects so updates are not replayed.
	offsetMu sync.Mutex
	offset   int

	dedupe *dedupe
	pacer  *pacer
	now    func() time.Time
}

var _ platform.Adapter = (*Bot)(nil)

// New authenticates against the Bot API and returns the adapter.
func New(cfg config.TelegramConfig, logger zerolog.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	client := &http.Client{Timeout: time.Duration(pollTimeout+15) * time.Second}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := newBot(api, cfg, logger)
	bot.self = api.Self

	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")

	return bot, nil
}

func newBot(api botAPI, cfg config.TelegramConfig, logger zerolog.Logger) *Bot {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	return &Bot{
		api:    api,
		config: cfg,
		logger: logger.With().Str("component", "telegram").Logger(),
		dedupe: newDedupe(cfg.DedupeTTL),
		pacer:  newPacer(cfg.SendInterval),
		now:    time.Now,
	}
}

// Name implements platform.Adapter.
func (b *Bot) Name() string {
	return PlatformName
}

// MaxMessageBytes implements platform.Adapter.
func (b *Bot) MaxMessageBytes() int {
	return MaxMessageBytes
}

// Receive starts a long polling loop. The channel closes when ctx is done or
// the Bot API returns an error; the caller reconnects with backoff.
func (b *Bot) Receive(ctx context.Context) (<-chan platform.InboundMessage, error) {
	out := make(chan platform.InboundMessage, 32)
	go func() {
		defer close(out)
		if err := b.poll(ctx, out); err != nil && ctx.Err() == nil {
			b.logger.Warn().Err(err).Msg("Telegram polling stopped")
		}
	}()
	return out, nil
}

func (b *Bot) poll(ctx context.Context, out chan<- platform.InboundMessage) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.offsetMu.Lock()
		u := tgbotapi.NewUpdate(b.offset)
		b.offsetMu.Unlock()
		u.Timeout = b.config.PollTimeout
		u.AllowedUpdates = []string{"message"}

		updates, err := b.api.GetUpdates(u)
		if err != nil {
			return fmt.Errorf("failed to get updates: %w", err)
		}

		for _, update := range updates {
			b.offsetMu.Lock()
			if update.UpdateID >= b.offset {
				b.offset = update.UpdateID + 1
			}
			b.offsetMu.Unlock()

			msg, ok := b.convert(update)
			if !ok {
				continue
			}
			select {
			case out <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// SetCommands publishes the command menu shown by Telegram clients.
func (b *Bot) SetCommands(commands []tgbotapi.BotCommand) error {
	if len(commands) == 0 {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	b.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}

// ValidateToken validates a bot token by attempting to authenticate
func ValidateToken(token string) error {
	if token == "" {
		return errors.New("bot token is empty")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("invalid bot token: %w", err)
	}
	if api.Self.UserName == "" {
		return errors.New("failed to get bot info")
	}
	return nil
}
