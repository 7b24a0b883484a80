package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// Wizard asks for the minimum settings needed to run the daemon.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks the questions and returns the settings to save, keyed the way
// Loader.Save expects.
func (w *Wizard) Run() (map[string]interface{}, error) {
	fmt.Fprintln(w.out, "=== p42r configuration ===")
	fmt.Fprintln(w.out)

	validator := NewValidator()
	values := make(map[string]interface{})

	enable, err := w.ask("Enable Telegram? (y/n) [y]: ")
	if err != nil {
		return nil, err
	}
	telegram := enable == "" || strings.EqualFold(enable, "y")
	values["telegram.enabled"] = telegram

	var owner []string
	if telegram {
		for {
			token, err := w.ask("Telegram bot token: ")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateTelegramToken(token); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			values["telegram.bot_token"] = token
			break
		}

		chatID, err := w.ask("Your Telegram chat id, to authorize it now (Enter to pair later): ")
		if err != nil {
			return nil, err
		}
		if chatID != "" {
			id := "telegram:" + chatID
			if err := validator.ValidateIdentity(id); err != nil {
				fmt.Fprintf(w.out, "Warning: %v, skipping\n", err)
			} else {
				owner = append(owner, id)
			}
		}
	}

	gw, err := w.ask("Enable the local WebSocket gateway? (y/n) [n]: ")
	if err != nil {
		return nil, err
	}
	gateway := strings.EqualFold(gw, "y")
	values["gateway.enabled"] = gateway
	if gateway {
		secret := strings.ReplaceAll(uuid.NewString(), "-", "")
		values["gateway.shared_secret"] = secret
		fmt.Fprintf(w.out, "Gateway shared secret: %s\n", secret)
	}
	if !telegram && !gateway {
		return nil, fmt.Errorf("at least one platform must be enabled")
	}

	if len(owner) > 0 {
		values["pairing.bootstrap_allowlist"] = owner
		values["engine.admins"] = owner
	}

	level, err := w.ask("Log level (debug/info/warn/error) [info]: ")
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, using info\n", err)
		} else {
			values["logging.level"] = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return values, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
