package handlers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AllowlistEntry permits a command. An entry with Command and no Args allows
// the command with any arguments; Args must then match exactly. Pattern is a
// glob matched against the whole command line.
type AllowlistEntry struct {
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args,omitempty" mapstructure:"args"`
	Pattern string   `json:"pattern,omitempty" mapstructure:"pattern"`
	Reason  string   `json:"reason,omitempty" mapstructure:"reason"`
}

// Allowlist decides which commands the exec handler may run.
type Allowlist struct {
	mu      sync.RWMutex
	entries []AllowlistEntry
}

// NewAllowlist builds an allowlist from entries. Entries without a command
// or pattern are rejected.
func NewAllowlist(entries []AllowlistEntry) (*Allowlist, error) {
	al := &Allowlist{}
	for _, e := range entries {
		if err := al.Add(e); err != nil {
			return nil, err
		}
	}
	return al, nil
}

// LoadAllowlistFile reads entries from a JSON array file. A missing file
// yields no entries.
func LoadAllowlistFile(path string) ([]AllowlistEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("Exec allowlist file does not exist")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read exec allowlist: %w", err)
	}

	var entries []AllowlistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse exec allowlist: %w", err)
	}

	log.Info().
		Str("path", path).
		Int("count", len(entries)).
		Msg("Exec allowlist loaded")
	return entries, nil
}

// Add appends an entry, ignoring exact duplicates.
func (al *Allowlist) Add(entry AllowlistEntry) error {
	if entry.Command == "" && entry.Pattern == "" {
		return fmt.Errorf("either command or pattern must be specified")
	}
	if entry.Pattern != "" {
		if _, err := filepath.Match(entry.Pattern, ""); err != nil {
			return fmt.Errorf("invalid allowlist pattern %q: %w", entry.Pattern, err)
		}
	}

	al.mu.Lock()
	defer al.mu.Unlock()
	for _, existing := range al.entries {
		if existing.Command == entry.Command &&
			strings.Join(existing.Args, " ") == strings.Join(entry.Args, " ") &&
			existing.Pattern == entry.Pattern {
			return nil
		}
	}
	al.entries = append(al.entries, entry)
	return nil
}

// IsAllowed reports whether command with args may run.
func (al *Allowlist) IsAllowed(command string, args []string) bool {
	al.mu.RLock()
	defer al.mu.RUnlock()

	commandLine := command
	if len(args) > 0 {
		commandLine = command + " " + strings.Join(args, " ")
	}
	base := filepath.Base(command)

	for _, entry := range al.entries {
		if entry.Command != "" && (entry.Command == command || entry.Command == base) {
			if len(entry.Args) == 0 {
				return true
			}
			if strings.Join(entry.Args, " ") == strings.Join(args, " ") {
				return true
			}
		}
		if entry.Pattern != "" && matchGlob(entry.Pattern, commandLine) {
			return true
		}
	}
	return false
}

// List returns a copy of the entries.
func (al *Allowlist) List() []AllowlistEntry {
	al.mu.RLock()
	defer al.mu.RUnlock()
	out := make([]AllowlistEntry, len(al.entries))
	copy(out, al.entries)
	return out
}

// Count returns the number of entries.
func (al *Allowlist) Count() int {
	al.mu.RLock()
	defer al.mu.RUnlock()
	return len(al.entries)
}

// matchGlob matches * and ? against the full string. Unlike filepath.Match
// the wildcards also cross path separators, so "git *" allows "git log a/b".
func matchGlob(pattern, str string) bool {
	if pattern == "*" {
		return true
	}
	if ok, err := filepath.Match(pattern, str); err == nil && ok {
		return true
	}
	return globCrossSeparators(pattern, str)
}

func globCrossSeparators(pattern, str string) bool {
	p, s := []rune(pattern), []rune(str)
	star, match := -1, 0
	i, j := 0, 0
	for j < len(s) {
		switch {
		case i < len(p) && (p[i] == '?' || p[i] == s[j]):
			i++
			j++
		case i < len(p) && p[i] == '*':
			star, match = i, j
			i++
		case star >= 0:
			i = star + 1
			match++
			j = match
		default:
			return false
		}
	}
	for i < len(p) && p[i] == '*' {
		i++
	}
	return i == len(p)
}
