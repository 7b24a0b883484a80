// Package command turns chat text into command requests.
package command

import (
	"strings"
	"time"
	"unicode"

	"github.com/harun/p42r/pkg/platform"
)

const timeoutFlag = "--timeout="

// Request is a parsed command. It is never mutated after Parse returns.
type Request struct {
	Verb     string
	Args     []string
	ArgText  string // the raw text after the verb and options
	Timeout  time.Duration
	Identity platform.Identity
	Received time.Time
	Raw      string
}

// VerbLookup reports whether a verb is known. It must be safe for concurrent use.
type VerbLookup func(verb string) bool

// Parser is pure: it reads its lookup table and the input, nothing else.
type Parser struct {
	known VerbLookup
}

// NewParser creates a parser that accepts verbs for which known returns true.
func NewParser(known VerbLookup) *Parser {
	return &Parser{known: known}
}

// Parse parses raw text. A leading slash and a Telegram style @bot suffix on
// the verb are ignored, and the verb is matched case-insensitively.
func (p *Parser) Parse(raw string) (Request, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Request{}, malformed("", "empty command")
	}

	head, rest := splitHead(text)
	verb := normalizeVerb(head)
	if verb == "" {
		return Request{}, malformed("", "missing command name")
	}
	if p.known != nil && !p.known(verb) {
		return Request{}, &ParseError{Kind: UnknownVerb, Verb: verb}
	}

	req := Request{Verb: verb, Raw: raw}

	if flag, after := splitHead(rest); strings.HasPrefix(strings.ToLower(flag), timeoutFlag) {
		d, err := time.ParseDuration(flag[len(timeoutFlag):])
		if err != nil || d <= 0 {
			return Request{}, malformed(verb, "invalid timeout %q", flag[len(timeoutFlag):])
		}
		req.Timeout = d
		rest = after
	}

	args, err := Tokenize(rest)
	if err != nil {
		return Request{}, malformed(verb, "%v", err)
	}
	req.Args = args
	req.ArgText = rest
	return req, nil
}

// ParseMessage parses an inbound chat message and stamps its origin.
func (p *Parser) ParseMessage(msg platform.InboundMessage, received time.Time) (Request, error) {
	req, err := p.Parse(msg.Text)
	if err != nil {
		return Request{}, err
	}
	req.Identity = msg.Identity
	req.Received = received
	return req, nil
}

func splitHead(s string) (string, string) {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	idx := strings.IndexFunc(s, unicode.IsSpace)
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx:])
}

func normalizeVerb(head string) string {
	head = strings.TrimPrefix(head, "/")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head)
}
