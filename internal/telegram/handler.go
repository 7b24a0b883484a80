package telegram

import (
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/p42r/pkg/platform"
)

// convert turns an update into an inbound message. Updates without text and
// duplicates seen within the dedupe window are dropped.
func (b *Bot) convert(update tgbotapi.Update) (platform.InboundMessage, bool) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return platform.InboundMessage{}, false
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		b.logger.Debug().Int64("chat_id", msg.Chat.ID).Msg("Ignoring message without text")
		return platform.InboundMessage{}, false
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	messageID := strconv.Itoa(msg.MessageID)
	if b.dedupe.seen(chatID+":"+messageID, b.now()) {
		b.logger.Debug().Int("update_id", update.UpdateID).Str("chat_id", chatID).Msg("Dropping duplicate update")
		return platform.InboundMessage{}, false
	}

	sender := ""
	meta := map[string]string{
		"update_id": strconv.Itoa(update.UpdateID),
		"chat_type": msg.Chat.Type,
	}
	if msg.From != nil {
		sender = msg.From.UserName
		if sender == "" {
			sender = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
		meta["user_id"] = strconv.FormatInt(msg.From.ID, 10)
	}

	return platform.InboundMessage{
		Identity:  platform.Identity{Platform: PlatformName, ID: chatID},
		MessageID: messageID,
		Sender:    sender,
		Text:      text,
		SentAt:    msg.Time(),
		Metadata:  meta,
	}, true
}

// dedupe remembers message keys for a while. Telegram redelivers updates when
// an offset was not acknowledged before a reconnect.
type dedupe struct {
	mu        sync.Mutex
	ttl       time.Duration
	keys      map[string]time.Time
	lastSweep time.Time
}

func newDedupe(ttl time.Duration) *dedupe {
	return &dedupe{ttl: ttl, keys: make(map[string]time.Time)}
}

func (d *dedupe) seen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if now.Sub(d.lastSweep) > d.ttl {
		for k, at := range d.keys {
			if now.Sub(at) > d.ttl {
				delete(d.keys, k)
			}
		}
		d.lastSweep = now
	}

	if at, ok := d.keys[key]; ok && now.Sub(at) <= d.ttl {
		return true
	}
	d.keys[key] = now
	return false
}

func (d *dedupe) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.keys)
}
