package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/p42r/pkg/platform"
)

// MaxCaptionBytes is the Bot API limit for photo and document captions.
const MaxCaptionBytes = 1024

// Send implements platform.Adapter. Text is clipped to MaxMessageBytes; PNG
// attachments go out as photos and anything else as a document.
func (b *Bot) Send(ctx context.Context, to platform.Identity, msg platform.OutboundMessage) (platform.DeliveryResult, error) {
	if to.Platform != PlatformName {
		return platform.DeliveryResult{}, fmt.Errorf("identity %s is not a telegram chat: %w", to, platform.ErrPermanent)
	}
	chatID, err := strconv.ParseInt(to.ID, 10, 64)
	if err != nil {
		return platform.DeliveryResult{}, fmt.Errorf("invalid chat id %q: %w", to.ID, platform.ErrPermanent)
	}

	var chattable tgbotapi.Chattable
	switch msg.Kind {
	case platform.KindAttachment:
		if len(msg.Data) == 0 {
			return platform.DeliveryResult{}, fmt.Errorf("empty attachment: %w", platform.ErrPermanent)
		}
		chattable = b.attachment(chatID, msg)
	default:
		text := msg.Text
		if strings.TrimSpace(text) == "" {
			text = "(empty)"
		}
		chattable = tgbotapi.NewMessage(chatID, truncateUTF8(text, MaxMessageBytes))
	}

	if err := b.pacer.wait(ctx, chatID); err != nil {
		return platform.DeliveryResult{}, err
	}

	sent, err := b.api.Send(chattable)
	if err != nil {
		return platform.DeliveryResult{}, classifyError(err)
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Str("kind", string(msg.Kind)).
		Str("execution_id", msg.ExecutionID).
		Int("message_id", sent.MessageID).
		Msg("Message sent")

	return platform.DeliveryResult{
		MessageID:   strconv.Itoa(sent.MessageID),
		DeliveredAt: b.now(),
	}, nil
}

func (b *Bot) attachment(chatID int64, msg platform.OutboundMessage) tgbotapi.Chattable {
	name := msg.FileName
	if name == "" {
		name = "attachment"
	}
	file := tgbotapi.FileBytes{Name: name, Bytes: msg.Data}
	caption := truncateUTF8(msg.Text, MaxCaptionBytes)

	if isPNG(msg) {
		photo := tgbotapi.NewPhoto(chatID, file)
		photo.Caption = caption
		return photo
	}
	doc := tgbotapi.NewDocument(chatID, file)
	doc.Caption = caption
	return doc
}

func isPNG(msg platform.OutboundMessage) bool {
	if strings.EqualFold(msg.MIME, "image/png") {
		return true
	}
	return msg.MIME == "" && strings.EqualFold(filepath.Ext(msg.FileName), ".png")
}

// classifyError maps Bot API failures onto the platform error contract.
func classifyError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("failed to send message: %w", err)
	}

	switch {
	case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
		after := time.Duration(apiErr.RetryAfter) * time.Second
		if after <= 0 {
			after = time.Second
		}
		return &platform.RetryAfterError{After: after, Err: fmt.Errorf("telegram: %s", apiErr.Message)}
	case apiErr.Code == http.StatusBadRequest, apiErr.Code == http.StatusForbidden,
		apiErr.Code == http.StatusUnauthorized, apiErr.Code == http.StatusNotFound:
		return fmt.Errorf("telegram %d %s: %w", apiErr.Code, apiErr.Message, platform.ErrPermanent)
	default:
		return fmt.Errorf("telegram %d %s", apiErr.Code, apiErr.Message)
	}
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// pacer spaces sends to the same chat by at least interval.
type pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     map[int64]time.Time
}

func newPacer(interval time.Duration) *pacer {
	return &pacer{interval: interval, next: make(map[int64]time.Time)}
}

func (p *pacer) wait(ctx context.Context, chatID int64) error {
	if p.interval <= 0 {
		return ctx.Err()
	}

	p.mu.Lock()
	now := time.Now()
	at := p.next[chatID]
	if at.Before(now) {
		at = now
	}
	p.next[chatID] = at.Add(p.interval)
	p.mu.Unlock()

	delay := at.Sub(now)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
