package telegram

import (
	"regexp"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var botCommandPattern = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// BuildCommands converts verb summaries into a Telegram command menu. Verbs
// Telegram cannot display are skipped; descriptions are clipped to 256 bytes.
func BuildCommands(summaries map[string]string) []tgbotapi.BotCommand {
	verbs := make([]string, 0, len(summaries))
	for verb := range summaries {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)

	commands := make([]tgbotapi.BotCommand, 0, len(verbs))
	for _, verb := range verbs {
		name := strings.ToLower(verb)
		if !botCommandPattern.MatchString(name) {
			continue
		}
		desc := strings.TrimSpace(summaries[verb])
		if len(desc) < 3 {
			desc = "Run " + name
		}
		commands = append(commands, tgbotapi.BotCommand{
			Command:     name,
			Description: truncateUTF8(desc, 256),
		})
	}
	return commands
}
