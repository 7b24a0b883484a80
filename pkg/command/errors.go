package command

import "fmt"

// ErrorKind distinguishes the two ways parsing can fail.
type ErrorKind string

const (
	UnknownVerb        ErrorKind = "unknown_verb"
	MalformedArguments ErrorKind = "malformed_arguments"
)

// ParseError reports why raw text could not become a Request.
type ParseError struct {
	Kind   ErrorKind
	Verb   string
	Detail string
}

func (e *ParseError) Error() string {
	switch e.Kind {
	case UnknownVerb:
		return fmt.Sprintf("unknown command %q", e.Verb)
	default:
		if e.Detail == "" {
			return "malformed arguments"
		}
		return "malformed arguments: " + e.Detail
	}
}

func malformed(verb, format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: MalformedArguments, Verb: verb, Detail: fmt.Sprintf(format, args...)}
}
